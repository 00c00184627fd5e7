package dhcp

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/lease"
	"github.com/hearthd/hearthd/internal/metrics"
	"github.com/hearthd/hearthd/internal/pool"
	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

// Engine is the DHCP state machine. It dispatches decoded packets to the
// lease registry and builds the wire responses. Retransmission cache
// lookups happen before any registry mutation so a retried transaction
// gets the identical bytes back.
type Engine struct {
	registry  *lease.Registry
	pool      *pool.Range
	cache     *TxCache
	counters  *metrics.CounterMap
	logger    *slog.Logger
	serverIP  net.IP
	mask      net.IP
	gateway   net.IP
	dns       []net.IP
	domain    string
	leaseTime time.Duration
}

// NewEngine creates the DHCP engine from the validated configuration.
func NewEngine(cfg *config.Config, registry *lease.Registry, p *pool.Range,
	counters *metrics.CounterMap, logger *slog.Logger) *Engine {
	return &Engine{
		registry:  registry,
		pool:      p,
		cache:     NewTxCache(cfg.CacheTTL()),
		counters:  counters,
		logger:    logger,
		serverIP:  cfg.ServerIP(),
		mask:      cfg.SubnetMask(),
		gateway:   cfg.Gateway(),
		dns:       cfg.DNSServerIPs(),
		domain:    cfg.Network.DomainName,
		leaseTime: cfg.LeaseDuration(),
	}
}

// Cache returns the retransmission cache, for idle-time purging.
func (e *Engine) Cache() *TxCache {
	return e.cache
}

// Reply is an encoded response ready to send. Unicast replies go back to
// the packet's source address; everything else is broadcast.
type Reply struct {
	Data    []byte
	Type    dhcpv4.MessageType
	Unicast bool
}

// Handle processes one inbound packet. A nil reply means no response is
// due.
func (e *Engine) Handle(pkt *Packet) (*Reply, error) {
	msgType := pkt.MessageType()
	mac := pkt.MAC()

	e.counters.Inc("rx_" + msgType.ShortString())

	e.logger.Debug("received packet",
		"msg_type", msgType.String(),
		"mac", mac,
		"xid", fmt.Sprintf("%08x", pkt.XID),
		"ciaddr", pkt.CIAddr.String())

	// Blocked devices get a NAK for anything but RELEASE
	if l := e.registry.GetLive(mac); l != nil && l.IsBlocked &&
		msgType != dhcpv4.MessageTypeRelease {
		e.logger.Info("NAK for blocked device", "mac", mac, "msg_type", msgType.String())
		e.registry.NakLease(mac, ipString(pkt.RequestedIP()))
		return e.encodeReply(e.buildNak(pkt))
	}

	switch msgType {
	case dhcpv4.MessageTypeDiscover:
		return e.handleDiscover(pkt)
	case dhcpv4.MessageTypeRequest:
		return e.handleRequest(pkt)
	case dhcpv4.MessageTypeDecline:
		return e.handleDecline(pkt)
	case dhcpv4.MessageTypeRelease:
		e.handleRelease(pkt)
		return nil, nil
	case dhcpv4.MessageTypeInform:
		return e.handleInform(pkt)
	default:
		e.logger.Warn("unsupported message type",
			"msg_type", msgType.String(), "mac", mac)
		return nil, nil
	}
}

// handleDiscover processes DHCPDISCOVER → DHCPOFFER.
// RFC 2131 §4.3.1.
func (e *Engine) handleDiscover(pkt *Packet) (*Reply, error) {
	mac := pkt.MAC()

	key := DiscoverKey(pkt.XID, mac)
	if cached := e.cache.Get(key); cached != nil {
		e.logger.Debug("retransmitted DISCOVER, echoing cached OFFER", "mac", mac)
		return &Reply{Data: cached, Type: dhcpv4.MessageTypeOffer}, nil
	}

	ip, lt := e.registry.FindOrAllocate(mac, pkt.ClientIDString(), e.pool)
	if ip == "" {
		// Exhausted pool: stay silent, the client will retry
		e.logger.Error("no reply to DISCOVER, no free addresses",
			"mac", mac, "hostname", pkt.Hostname())
		return nil, nil
	}

	e.logger.Info("DHCPOFFER", "mac", mac, "ip", ip, "type", string(lt),
		"hostname", pkt.Hostname())

	offer := e.buildReply(pkt, dhcpv4.MessageTypeOffer, net.ParseIP(ip))
	rep, err := e.encodeReply(offer)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, rep.Data)
	return rep, nil
}

// handleRequest processes DHCPREQUEST → DHCPACK / DHCPNAK.
// RFC 2131 §4.3.2.
func (e *Engine) handleRequest(pkt *Packet) (*Reply, error) {
	mac := pkt.MAC()

	requested := pkt.RequestedIP()
	if requested == nil && !pkt.CIAddr.Equal(net.IPv4zero) {
		// Renewal: the address rides in ciaddr
		requested = pkt.CIAddr
	}
	requestedStr := ipString(requested)

	key := RequestKey(pkt.XID, mac, requestedStr)
	if cached := e.cache.Get(key); cached != nil {
		e.logger.Debug("retransmitted REQUEST, echoing cached reply", "mac", mac)
		return &Reply{Data: cached, Type: dhcpv4.MessageTypeAck}, nil
	}

	existing := e.registry.GetLive(mac)

	var target string
	switch {
	// A static binding overrides whatever the client asks for
	case existing != nil && existing.LeaseType == lease.TypeStatic:
		if requested != nil && requestedStr != existing.IP {
			e.logger.Info("NAK: request conflicts with static binding",
				"mac", mac, "requested", requestedStr, "static_ip", existing.IP)
			e.registry.NakLease(mac, requestedStr)
			return e.encodeReply(e.buildNak(pkt))
		}
		target = existing.IP

	case requested != nil:
		if !e.pool.Contains(requested) {
			e.logger.Info("NAK: requested address outside pool",
				"mac", mac, "requested", requestedStr)
			e.registry.NakLease(mac, requestedStr)
			return e.encodeReply(e.buildNak(pkt))
		}
		if holder := e.registry.GetByIP(requestedStr); holder != nil && holder.MAC != mac {
			e.logger.Info("NAK: requested address held by another device",
				"mac", mac, "requested", requestedStr, "holder", holder.MAC)
			e.registry.NakLease(mac, requestedStr)
			return e.encodeReply(e.buildNak(pkt))
		}
		target = requestedStr

	default:
		// No requested address at all: fall back to allocation, NAK
		// only when the pool has nothing left
		ip, _ := e.registry.FindOrAllocate(mac, pkt.ClientIDString(), e.pool)
		if ip == "" {
			e.logger.Info("NAK: no free addresses for REQUEST", "mac", mac)
			e.registry.NakLease(mac, "")
			return e.encodeReply(e.buildNak(pkt))
		}
		target = ip
	}

	if err := e.commitRequest(pkt, existing, target); err != nil {
		return nil, fmt.Errorf("committing REQUEST for %s: %w", mac, err)
	}

	e.logger.Info("DHCPACK", "mac", mac, "ip", target,
		"hostname", pkt.Hostname())

	ack := e.buildReply(pkt, dhcpv4.MessageTypeAck, net.ParseIP(target))
	rep, err := e.encodeReply(ack)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, rep.Data)
	return rep, nil
}

// commitRequest applies the REQUEST to the lease database: create for a
// new device, renew for an unchanged one, update otherwise. A soft-deleted
// row is reopened first.
func (e *Engine) commitRequest(pkt *Packet, existing *lease.Lease, ip string) error {
	mac := pkt.MAC()
	clientID := pkt.ClientIDString()
	hostname := pkt.Hostname()

	if existing == nil {
		if row := e.registry.Get(mac); row != nil {
			restored, err := e.registry.Restore(mac, history.ChannelDHCP)
			if err != nil {
				return err
			}
			existing = restored
		}
	}

	if existing == nil {
		_, err := e.registry.CreateLease(mac, ip, hostname, lease.TypeDynamic,
			clientID, lease.CreateDHCPRequest, history.ChannelDHCP)
		return err
	}

	if existing.IP == ip && existing.LeaseType == lease.TypeDynamic {
		if _, err := e.registry.RenewLease(mac); err != nil {
			return err
		}
	} else if existing.IP != ip {
		if _, err := e.registry.UpdateIP(mac, ip, clientID, history.ChannelDHCP); err != nil {
			return err
		}
	}

	if hostname != "" {
		if err := e.registry.UpdateHostname(mac, hostname, history.ChannelDHCP); err != nil {
			return err
		}
	}
	return nil
}

// handleDecline processes DHCPDECLINE: the client found the offered
// address in use, so allocate a replacement. No reply when the pool has
// nothing left.
func (e *Engine) handleDecline(pkt *Packet) (*Reply, error) {
	mac := pkt.MAC()

	declinedStr := ipString(pkt.RequestedIP())

	newIP, err := e.registry.DeclineLease(mac, declinedStr, e.pool)
	if err != nil {
		return nil, fmt.Errorf("handling DECLINE for %s: %w", mac, err)
	}
	if newIP == "" {
		e.logger.Warn("no replacement address after DECLINE", "mac", mac, "declined", declinedStr)
		return nil, nil
	}

	e.logger.Info("DHCPACK after DECLINE", "mac", mac, "declined", declinedStr, "new_ip", newIP)
	return e.encodeReply(e.buildReply(pkt, dhcpv4.MessageTypeAck, net.ParseIP(newIP)))
}

// handleRelease processes DHCPRELEASE. Never answered.
func (e *Engine) handleRelease(pkt *Packet) {
	mac := pkt.MAC()
	ip := pkt.CIAddr.String()

	if err := e.registry.ReleaseLease(mac, ip); err != nil {
		e.logger.Warn("RELEASE for unknown device", "mac", mac, "ip", ip)
		return
	}
	e.logger.Info("DHCPRELEASE", "mac", mac, "ip", ip)
}

// handleInform processes DHCPINFORM → unicast DHCPACK with configuration
// options and no address assignment.
// RFC 2131 §4.3.5.
func (e *Engine) handleInform(pkt *Packet) (*Reply, error) {
	mac := pkt.MAC()
	ciaddr := pkt.CIAddr.String()

	key := InformKey(pkt.XID, mac, ciaddr)
	if cached := e.cache.Get(key); cached != nil {
		return &Reply{Data: cached, Type: dhcpv4.MessageTypeAck, Unicast: true}, nil
	}

	e.registry.InformLease(mac, ciaddr)
	e.logger.Info("DHCPINFORM", "mac", mac, "ciaddr", ciaddr)

	ack := pkt.NewReply(dhcpv4.MessageTypeAck, e.serverIP)
	ack.YIAddr = dhcpv4.ZeroIP
	e.addNetworkOptions(ack.Options)

	data, err := ack.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding INFORM ACK for %s: %w", mac, err)
	}
	e.counters.Inc("tx_" + dhcpv4.MessageTypeAck.ShortString())
	e.cache.Put(key, data)
	return &Reply{Data: data, Type: dhcpv4.MessageTypeAck, Unicast: true}, nil
}

// buildReply constructs an OFFER or ACK with the full option block.
func (e *Engine) buildReply(pkt *Packet, msgType dhcpv4.MessageType, yiaddr net.IP) *Packet {
	reply := pkt.NewReply(msgType, e.serverIP)
	reply.YIAddr = yiaddr
	e.addNetworkOptions(reply.Options)
	e.addLeaseTimers(reply.Options)
	return reply
}

// buildNak constructs a NAK: type and server id only, no address fields.
func (e *Engine) buildNak(pkt *Packet) *Packet {
	nak := pkt.NewReply(dhcpv4.MessageTypeNak, e.serverIP)
	nak.YIAddr = dhcpv4.ZeroIP
	return nak
}

// addNetworkOptions fills in the subnet options every positive reply gets.
func (e *Engine) addNetworkOptions(opts Options) {
	opts.SetIP(dhcpv4.OptionSubnetMask, e.mask)
	opts.SetIP(dhcpv4.OptionRouter, e.gateway)
	if len(e.dns) > 0 {
		opts.SetIPList(dhcpv4.OptionDomainNameServer, e.dns)
	}
	if e.domain != "" {
		opts.SetString(dhcpv4.OptionDomainName, e.domain)
	}
}

// addLeaseTimers sets options 51/58/59: lease time, T1 = lease/2,
// T2 = lease·7/8 (RFC 2131 §4.4.5).
func (e *Engine) addLeaseTimers(opts Options) {
	secs := uint32(e.leaseTime.Seconds())
	opts.SetUint32(dhcpv4.OptionIPLeaseTime, secs)
	opts.SetUint32(dhcpv4.OptionRenewalTime, secs/2)
	opts.SetUint32(dhcpv4.OptionRebindingTime, secs*7/8)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// encodeReply serializes a reply and counts it outbound.
func (e *Engine) encodeReply(reply *Packet) (*Reply, error) {
	data, err := reply.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", reply.MessageType(), err)
	}
	e.counters.Inc("tx_" + reply.MessageType().ShortString())
	return &Reply{Data: data, Type: reply.MessageType()}, nil
}
