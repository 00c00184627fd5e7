package dhcp

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/lease"
	"github.com/hearthd/hearthd/internal/metrics"
	"github.com/hearthd/hearthd/internal/pool"
	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()

	store, err := lease.NewStore(filepath.Join(dir, "leases.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	hist, err := history.Open(filepath.Join(dir, "history.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	registry := lease.NewRegistry(store, hist, nil, time.Hour, 0, logger)

	p, err := pool.NewRange(
		net.IPv4(192, 168, 1, 100), net.IPv4(192, 168, 1, 102),
		net.IPv4(192, 168, 1, 0), net.IPv4(255, 255, 255, 0))
	if err != nil {
		t.Fatal(err)
	}

	return &Engine{
		registry:  registry,
		pool:      p,
		cache:     NewTxCache(time.Minute),
		counters:  metrics.NewCounterMap(),
		logger:    logger,
		serverIP:  net.IPv4(192, 168, 1, 1).To4(),
		mask:      net.IPv4(255, 255, 255, 0).To4(),
		gateway:   net.IPv4(192, 168, 1, 1).To4(),
		dns:       []net.IP{net.IPv4(1, 1, 1, 1)},
		domain:    "lan",
		leaseTime: time.Hour,
	}
}

func testRequest(msgType dhcpv4.MessageType, mac net.HardwareAddr, xid uint32) *Packet {
	return &Packet{
		Op:     dhcpv4.OpCodeBootRequest,
		HType:  dhcpv4.HardwareTypeEthernet,
		HLen:   6,
		XID:    xid,
		CIAddr: net.IPv4zero,
		YIAddr: net.IPv4zero,
		SIAddr: net.IPv4zero,
		GIAddr: net.IPv4zero,
		CHAddr: mac,
		Options: Options{
			dhcpv4.OptionDHCPMessageType: {byte(msgType)},
		},
	}
}

func decodeReply(t *testing.T, rep *Reply) *Packet {
	t.Helper()
	if rep == nil {
		t.Fatal("expected a reply, got nil")
	}
	pkt, err := DecodePacket(rep.Data)
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	return pkt
}

func optUint32(t *testing.T, opts Options, code dhcpv4.OptionCode) uint32 {
	t.Helper()
	data, ok := opts.Get(code)
	if !ok {
		t.Fatalf("option %d missing", code)
	}
	v, err := dhcpv4.BytesToUint32(data)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

var testMAC = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x11, 0x22}

func TestEngineDiscoverOffer(t *testing.T) {
	e := testEngine(t)

	rep, err := e.Handle(testRequest(dhcpv4.MessageTypeDiscover, testMAC, 0x1111))
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if rep.Type != dhcpv4.MessageTypeOffer {
		t.Fatalf("reply type = %s, want OFFER", rep.Type)
	}
	if rep.Unicast {
		t.Error("OFFER should be broadcast")
	}

	offer := decodeReply(t, rep)
	if !offer.YIAddr.Equal(net.IPv4(192, 168, 1, 100)) {
		t.Errorf("yiaddr = %s, want 192.168.1.100", offer.YIAddr)
	}
	if sid := offer.ServerIdentifier(); !sid.Equal(net.IPv4(192, 168, 1, 1)) {
		t.Errorf("server identifier = %s, want 192.168.1.1", sid)
	}

	if got := optUint32(t, offer.Options, dhcpv4.OptionIPLeaseTime); got != 3600 {
		t.Errorf("lease time = %d, want 3600", got)
	}
	if got := optUint32(t, offer.Options, dhcpv4.OptionRenewalTime); got != 1800 {
		t.Errorf("T1 = %d, want half the lease time", got)
	}
	if got := optUint32(t, offer.Options, dhcpv4.OptionRebindingTime); got != 3150 {
		t.Errorf("T2 = %d, want 7/8 of the lease time", got)
	}
	if data, ok := offer.Options.Get(dhcpv4.OptionSubnetMask); !ok || !net.IP(data).Equal(net.IPv4(255, 255, 255, 0)) {
		t.Error("subnet mask option wrong or missing")
	}
	if data, ok := offer.Options.Get(dhcpv4.OptionDomainName); !ok || string(data) != "lan" {
		t.Error("domain name option wrong or missing")
	}
}

func TestEngineDiscoverRetransmission(t *testing.T) {
	e := testEngine(t)

	first, err := e.Handle(testRequest(dhcpv4.MessageTypeDiscover, testMAC, 0x1111))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Handle(testRequest(dhcpv4.MessageTypeDiscover, testMAC, 0x1111))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Error("retried DISCOVER should get the identical OFFER bytes")
	}
}

func TestEngineRequestAck(t *testing.T) {
	e := testEngine(t)

	if _, err := e.Handle(testRequest(dhcpv4.MessageTypeDiscover, testMAC, 0x1111)); err != nil {
		t.Fatal(err)
	}

	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x1111)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))
	req.Options.SetString(dhcpv4.OptionHostname, "laptop")

	rep, err := e.Handle(req)
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if rep.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply type = %s, want ACK", rep.Type)
	}

	ack := decodeReply(t, rep)
	if !ack.YIAddr.Equal(net.IPv4(192, 168, 1, 100)) {
		t.Errorf("yiaddr = %s, want 192.168.1.100", ack.YIAddr)
	}

	l := e.registry.GetLive(testMAC.String())
	if l == nil {
		t.Fatal("lease should exist after ACK")
	}
	if l.IP != "192.168.1.100" {
		t.Errorf("lease ip = %s, want 192.168.1.100", l.IP)
	}
	if l.Hostname != "laptop" {
		t.Errorf("lease hostname = %q, want laptop", l.Hostname)
	}
	if l.LeaseType != lease.TypeDynamic {
		t.Errorf("lease type = %s, want DYNAMIC", l.LeaseType)
	}
}

func TestEngineRequestRetransmission(t *testing.T) {
	e := testEngine(t)

	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x2222)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))

	first, err := e.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Error("retried REQUEST should get the identical ACK bytes")
	}
}

func TestEngineRequestRenewalViaCiaddr(t *testing.T) {
	e := testEngine(t)

	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x3333)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))
	if _, err := e.Handle(req); err != nil {
		t.Fatal(err)
	}

	// RENEWING state: no option 50, address in ciaddr
	renew := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x4444)
	renew.CIAddr = net.IPv4(192, 168, 1, 100)

	rep, err := e.Handle(renew)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply type = %s, want ACK", rep.Type)
	}
	ack := decodeReply(t, rep)
	if !ack.YIAddr.Equal(net.IPv4(192, 168, 1, 100)) {
		t.Errorf("yiaddr = %s, want 192.168.1.100", ack.YIAddr)
	}
}

func TestEngineRequestNakOutsidePool(t *testing.T) {
	e := testEngine(t)

	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x5555)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(10, 0, 0, 5))

	rep, err := e.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("reply type = %s, want NAK", rep.Type)
	}
	nak := decodeReply(t, rep)
	if !nak.YIAddr.Equal(net.IPv4zero) {
		t.Errorf("NAK yiaddr = %s, want 0.0.0.0", nak.YIAddr)
	}
}

func TestEngineRequestNakHeldByOther(t *testing.T) {
	e := testEngine(t)

	other := "11:22:33:44:55:66"
	if _, err := e.registry.CreateLease(other, "192.168.1.100", "", lease.TypeDynamic,
		"", lease.CreateDHCPRequest, history.ChannelDHCP); err != nil {
		t.Fatal(err)
	}

	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x6666)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))

	rep, err := e.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("reply type = %s, want NAK", rep.Type)
	}
}

func TestEngineRequestStaticBinding(t *testing.T) {
	e := testEngine(t)

	mac := testMAC.String()
	if _, err := e.registry.CreateLease(mac, "192.168.1.50", "printer", lease.TypeStatic,
		"", lease.CreateStaticLease, history.ChannelWeb); err != nil {
		t.Fatal(err)
	}

	// Asking for anything but the bound address gets a NAK
	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x7777)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))
	rep, err := e.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("reply type = %s, want NAK for static mismatch", rep.Type)
	}

	// The bound address is honored even outside the dynamic pool
	req = testRequest(dhcpv4.MessageTypeRequest, testMAC, 0x8888)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 50))
	rep, err = e.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply type = %s, want ACK for static address", rep.Type)
	}
	ack := decodeReply(t, rep)
	if !ack.YIAddr.Equal(net.IPv4(192, 168, 1, 50)) {
		t.Errorf("yiaddr = %s, want 192.168.1.50", ack.YIAddr)
	}
}

func TestEngineDiscoverStaticBinding(t *testing.T) {
	e := testEngine(t)

	mac := testMAC.String()
	if _, err := e.registry.CreateLease(mac, "192.168.1.50", "", lease.TypeStatic,
		"", lease.CreateStaticLease, history.ChannelWeb); err != nil {
		t.Fatal(err)
	}

	rep, err := e.Handle(testRequest(dhcpv4.MessageTypeDiscover, testMAC, 0x9999))
	if err != nil {
		t.Fatal(err)
	}
	offer := decodeReply(t, rep)
	if !offer.YIAddr.Equal(net.IPv4(192, 168, 1, 50)) {
		t.Errorf("yiaddr = %s, want the static 192.168.1.50", offer.YIAddr)
	}
}

// fillPool leases every address in the 3-slot test pool to other devices.
func fillPool(t *testing.T, e *Engine) {
	t.Helper()
	macs := []string{"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:03"}
	for i, m := range macs {
		ip := net.IPv4(192, 168, 1, byte(100+i)).String()
		if _, err := e.registry.CreateLease(m, ip, "", lease.TypeDynamic,
			"", lease.CreateDHCPRequest, history.ChannelDHCP); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEngineDiscoverExhaustionSilent(t *testing.T) {
	e := testEngine(t)
	fillPool(t, e)

	rep, err := e.Handle(testRequest(dhcpv4.MessageTypeDiscover, testMAC, 0xAAAA))
	if err != nil {
		t.Fatal(err)
	}
	if rep != nil {
		t.Fatalf("got %s, want no response on exhausted DISCOVER", rep.Type)
	}
}

func TestEngineRequestWithoutRequestedIPAllocates(t *testing.T) {
	e := testEngine(t)

	// No option 50, zero ciaddr: the server picks the address itself
	rep, err := e.Handle(testRequest(dhcpv4.MessageTypeRequest, testMAC, 0xAAAB))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply type = %s, want ACK with an allocated address", rep.Type)
	}
	ack := decodeReply(t, rep)
	if !ack.YIAddr.Equal(net.IPv4(192, 168, 1, 100)) {
		t.Errorf("yiaddr = %s, want the lowest free address 192.168.1.100", ack.YIAddr)
	}
	l := e.registry.GetLive(testMAC.String())
	if l == nil || l.IP != "192.168.1.100" {
		t.Error("allocated address should be committed to the lease database")
	}
}

func TestEngineRequestStaticWithoutRequestedIP(t *testing.T) {
	e := testEngine(t)

	mac := testMAC.String()
	if _, err := e.registry.CreateLease(mac, "192.168.1.50", "printer", lease.TypeStatic,
		"", lease.CreateStaticLease, history.ChannelWeb); err != nil {
		t.Fatal(err)
	}

	rep, err := e.Handle(testRequest(dhcpv4.MessageTypeRequest, testMAC, 0xAAAC))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply type = %s, want ACK with the static address", rep.Type)
	}
	ack := decodeReply(t, rep)
	if !ack.YIAddr.Equal(net.IPv4(192, 168, 1, 50)) {
		t.Errorf("yiaddr = %s, want the bound 192.168.1.50", ack.YIAddr)
	}
}

func TestEngineRequestExhaustionNak(t *testing.T) {
	e := testEngine(t)
	fillPool(t, e)

	rep, err := e.Handle(testRequest(dhcpv4.MessageTypeRequest, testMAC, 0xAAAD))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("reply type = %s, want NAK when allocation fails", rep.Type)
	}
	nak := decodeReply(t, rep)
	if !nak.YIAddr.Equal(net.IPv4zero) {
		t.Errorf("NAK yiaddr = %s, want 0.0.0.0", nak.YIAddr)
	}
}

func TestEngineBlockedDeviceNak(t *testing.T) {
	e := testEngine(t)

	mac := testMAC.String()
	if _, err := e.registry.CreateLease(mac, "192.168.1.100", "", lease.TypeDynamic,
		"", lease.CreateDHCPRequest, history.ChannelDHCP); err != nil {
		t.Fatal(err)
	}
	if err := e.registry.BlockDevice(mac, history.ChannelWeb); err != nil {
		t.Fatal(err)
	}

	rep, err := e.Handle(testRequest(dhcpv4.MessageTypeDiscover, testMAC, 0xBBBB))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("reply type = %s, want NAK for blocked device", rep.Type)
	}

	// RELEASE from a blocked device is still accepted silently
	rel := testRequest(dhcpv4.MessageTypeRelease, testMAC, 0xBBBC)
	rel.CIAddr = net.IPv4(192, 168, 1, 100)
	rep, err = e.Handle(rel)
	if err != nil {
		t.Fatal(err)
	}
	if rep != nil {
		t.Error("RELEASE should never be answered")
	}
}

func TestEngineDecline(t *testing.T) {
	e := testEngine(t)

	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0xCCCC)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))
	if _, err := e.Handle(req); err != nil {
		t.Fatal(err)
	}

	decline := testRequest(dhcpv4.MessageTypeDecline, testMAC, 0xCCCD)
	decline.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))

	rep, err := e.Handle(decline)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply type = %s, want ACK with a replacement address", rep.Type)
	}
	ack := decodeReply(t, rep)
	if ack.YIAddr.Equal(net.IPv4(192, 168, 1, 100)) {
		t.Error("replacement address must differ from the declined one")
	}
	if !e.pool.Contains(ack.YIAddr) {
		t.Errorf("replacement %s not in pool", ack.YIAddr)
	}
}

func TestEngineRelease(t *testing.T) {
	e := testEngine(t)

	req := testRequest(dhcpv4.MessageTypeRequest, testMAC, 0xDDDD)
	req.Options.SetIP(dhcpv4.OptionRequestedIP, net.IPv4(192, 168, 1, 100))
	if _, err := e.Handle(req); err != nil {
		t.Fatal(err)
	}

	rel := testRequest(dhcpv4.MessageTypeRelease, testMAC, 0xDDDE)
	rel.CIAddr = net.IPv4(192, 168, 1, 100)

	rep, err := e.Handle(rel)
	if err != nil {
		t.Fatal(err)
	}
	if rep != nil {
		t.Fatal("RELEASE must not be answered")
	}

	l := e.registry.GetLive(testMAC.String())
	if l == nil {
		t.Fatal("device row should survive RELEASE")
	}
	if l.HasIP() {
		t.Errorf("lease should have no address after RELEASE, has %q", l.IP)
	}
}

func TestEngineInform(t *testing.T) {
	e := testEngine(t)

	inform := testRequest(dhcpv4.MessageTypeInform, testMAC, 0xEEEE)
	inform.CIAddr = net.IPv4(192, 168, 1, 77)

	rep, err := e.Handle(inform)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply type = %s, want ACK", rep.Type)
	}
	if !rep.Unicast {
		t.Error("INFORM ACK should be unicast to the source")
	}

	ack := decodeReply(t, rep)
	if !ack.YIAddr.Equal(net.IPv4zero) {
		t.Errorf("INFORM ACK yiaddr = %s, want 0.0.0.0", ack.YIAddr)
	}
	if !ack.Options.Has(dhcpv4.OptionSubnetMask) {
		t.Error("INFORM ACK should carry network options")
	}
	if ack.Options.Has(dhcpv4.OptionIPLeaseTime) {
		t.Error("INFORM ACK must not carry lease timers")
	}

	// Retransmission gets the identical bytes
	second, err := e.Handle(inform)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rep.Data, second.Data) {
		t.Error("retried INFORM should get the identical ACK bytes")
	}
}
