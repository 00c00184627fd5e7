package lease

import (
	"net"
	"testing"

	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/pool"
)

func TestCheckSubnetConsistency(t *testing.T) {
	r, h := testRegistry(t)

	network := net.IPv4(192, 168, 1, 1)
	mask := net.IPv4(255, 255, 255, 0)
	p, err := pool.NewRange(
		net.IPv4(192, 168, 1, 100),
		net.IPv4(192, 168, 1, 200),
		network, mask,
	)
	if err != nil {
		t.Fatal(err)
	}

	// Lease from an old 10.0.0.0/24 deployment; host bits .150 map into
	// the new pool.
	if _, err := r.CreateLease("aa:bb:cc:dd:ee:01", "10.0.0.150", "",
		TypeDynamic, "", CreateDHCPRequest, history.ChannelDHCP); err != nil {
		t.Fatal(err)
	}
	// Host bits .5 fall outside the pool, forcing a fresh allocation.
	if _, err := r.CreateLease("aa:bb:cc:dd:ee:02", "10.0.0.5", "",
		TypeDynamic, "", CreateDHCPRequest, history.ChannelDHCP); err != nil {
		t.Fatal(err)
	}
	// Already on the right subnet; untouched.
	if _, err := r.CreateLease("aa:bb:cc:dd:ee:03", "192.168.1.120", "",
		TypeDynamic, "", CreateDHCPRequest, history.ChannelDHCP); err != nil {
		t.Fatal(err)
	}

	migrated, err := r.CheckSubnetConsistency(network, mask, p)
	if err != nil {
		t.Fatal(err)
	}
	if migrated != 2 {
		t.Errorf("migrated %d leases, want 2", migrated)
	}

	// Host bits preserved
	if got := r.GetLive("aa:bb:cc:dd:ee:01"); got.IP != "192.168.1.150" {
		t.Errorf("host-bit migration gave %s, want 192.168.1.150", got.IP)
	}
	if actions := lastActions(t, h, "aa:bb:cc:dd:ee:01", 1); actions[0] != history.ActionStaticAssigned {
		t.Errorf("host-bit migration action = %s", actions[0])
	}

	// Out-of-pool host bits fall back to a fresh pool address
	got2 := r.GetLive("aa:bb:cc:dd:ee:02")
	if got2.IP == "" || got2.IP == "10.0.0.5" {
		t.Errorf("fallback migration gave %q", got2.IP)
	}
	if actions := lastActions(t, h, "aa:bb:cc:dd:ee:02", 1); actions[0] != history.ActionDynamicAssigned {
		t.Errorf("fallback migration action = %s", actions[0])
	}

	// In-subnet lease untouched
	if got := r.GetLive("aa:bb:cc:dd:ee:03"); got.IP != "192.168.1.120" {
		t.Errorf("in-subnet lease moved to %s", got.IP)
	}

	// Second run is a no-op
	again, err := r.CheckSubnetConsistency(network, mask, p)
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Errorf("second run migrated %d, want 0", again)
	}
}

func TestCheckSubnetConsistencyHostBitCollision(t *testing.T) {
	r, _ := testRegistry(t)

	network := net.IPv4(192, 168, 1, 1)
	mask := net.IPv4(255, 255, 255, 0)
	p, err := pool.NewRange(
		net.IPv4(192, 168, 1, 100),
		net.IPv4(192, 168, 1, 200),
		network, mask,
	)
	if err != nil {
		t.Fatal(err)
	}

	// .150 is already taken on the new subnet, so the stale lease with
	// the same host bits must get a different address.
	if _, err := r.CreateLease("aa:bb:cc:dd:ee:01", "192.168.1.150", "",
		TypeDynamic, "", CreateDHCPRequest, history.ChannelDHCP); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateLease("aa:bb:cc:dd:ee:02", "10.0.0.150", "",
		TypeDynamic, "", CreateDHCPRequest, history.ChannelDHCP); err != nil {
		t.Fatal(err)
	}

	if _, err := r.CheckSubnetConsistency(network, mask, p); err != nil {
		t.Fatal(err)
	}

	got := r.GetLive("aa:bb:cc:dd:ee:02")
	if got.IP == "192.168.1.150" || got.IP == "" {
		t.Errorf("collision migration gave %q", got.IP)
	}
	if got.Expired() {
		t.Error("migrated dynamic lease should have a fresh expiry")
	}
}
