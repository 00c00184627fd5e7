package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hearthd/hearthd/internal/metrics"
	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

// readTimeout bounds every socket read so shutdown and cache purging
// happen promptly even with no traffic.
const readTimeout = 1 * time.Second

// Server owns the DHCP UDP socket and feeds decoded packets to the engine.
type Server struct {
	engine *Engine
	logger *slog.Logger
	addr   string
	iface  string
	conn   *net.UDPConn
}

// NewServer creates a DHCP server bound to addr (":67" by default),
// optionally pinned to a named interface.
func NewServer(engine *Engine, iface, addr string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = fmt.Sprintf(":%d", dhcpv4.ServerPort)
	}
	return &Server{
		engine: engine,
		logger: logger,
		addr:   addr,
		iface:  iface,
	}
}

// Run opens the socket and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("setting SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					sockErr = fmt.Errorf("setting SO_BROADCAST: %w", err)
					return
				}
				if s.iface != "" {
					if err := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, s.iface); err != nil {
						sockErr = fmt.Errorf("binding to interface %s: %w", s.iface, err)
					}
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("listening on %s: unexpected connection type %T", s.addr, pc)
	}
	s.conn = conn
	defer conn.Close()

	s.logger.Info("DHCP server started", "address", s.addr, "interface", s.iface)
	metrics.ServerStartTime.SetToCurrentTime()

	buf := make([]byte, dhcpv4.MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("DHCP server stopped")
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// Idle: purge stale retransmission cache entries
				if purged := s.engine.Cache().Cleanup(); purged > 0 {
					s.logger.Debug("purged retransmission cache", "entries", purged)
				}
				continue
			}
			if ctx.Err() != nil {
				s.logger.Info("DHCP server stopped")
				return nil
			}
			metrics.PacketErrors.WithLabelValues("read").Inc()
			s.logger.Error("reading UDP packet", "error", err)
			continue
		}

		s.processPacket(buf[:n], src)
	}
}

// processPacket decodes, dispatches, and answers one datagram. Single
// packet faults never take the server down.
func (s *Server) processPacket(data []byte, src *net.UDPAddr) {
	pkt, err := DecodePacket(data)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("decode").Inc()
		s.logger.Warn("dropping malformed packet",
			"error", err, "src", src.String(), "size", len(data))
		return
	}
	if pkt.Op != dhcpv4.OpCodeBootRequest {
		return
	}

	msgType := pkt.MessageType()
	metrics.PacketsReceived.WithLabelValues(msgType.String()).Inc()

	reply, err := s.engine.Handle(pkt)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("handler").Inc()
		s.logger.Error("handling packet",
			"error", err, "mac", pkt.MAC(), "msg_type", msgType.String())
		return
	}
	if reply == nil {
		return
	}

	dst := s.replyDestination(reply.Unicast, src)
	if _, err := s.conn.WriteToUDP(reply.Data, dst); err != nil {
		metrics.PacketErrors.WithLabelValues("send").Inc()
		s.logger.Error("sending reply",
			"error", err, "dst", dst.String(), "mac", pkt.MAC())
		return
	}

	metrics.PacketsSent.WithLabelValues(reply.Type.String()).Inc()
}

// replyDestination picks where a reply goes: broadcast for the DORA
// exchanges, back to the source for INFORM.
func (s *Server) replyDestination(unicast bool, src *net.UDPAddr) *net.UDPAddr {
	if unicast {
		return src
	}
	return &net.UDPAddr{IP: dhcpv4.BroadcastIP, Port: dhcpv4.ClientPort}
}
