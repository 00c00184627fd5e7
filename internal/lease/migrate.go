package lease

import (
	"net"

	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/metrics"
	"github.com/hearthd/hearthd/internal/pool"
	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

// CheckSubnetConsistency migrates leases left behind by a subnet change.
// Run at startup: every live address outside the configured subnet is
// moved onto the new network with its host bits preserved when that
// address is inside the pool and free, and reallocated from the pool
// otherwise. Returns the number of migrated leases.
func (r *Registry) CheckSubnetConsistency(network, mask net.IP, p *pool.Range) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Lease
	r.store.ForEach(func(l *Lease) bool {
		if !l.HasIP() {
			return true
		}
		ip := net.ParseIP(l.IP)
		if ip == nil || !dhcpv4.SameSubnet(ip, network, mask) {
			stale = append(stale, l.Clone())
		}
		return true
	})

	migrated := 0
	for _, l := range stale {
		oldIP := l.IP

		var newIP string
		action := history.ActionDynamicAssigned

		old := net.ParseIP(oldIP)
		if old != nil {
			candidate := dhcpv4.Uint32ToIP(
				dhcpv4.NetworkBits(network, mask) | dhcpv4.HostBits(old, mask))
			if p.Contains(candidate) && !r.store.IPInUse(candidate.String()) {
				newIP = candidate.String()
				action = history.ActionStaticAssigned
			}
		}
		if newIP == "" {
			newIP = r.allocateLocked(p)
		}
		if newIP == "" {
			// Pool exhausted: release the stale address so the device
			// re-negotiates on its next exchange.
			metrics.PoolExhausted.Inc()
			l.IP = ""
			l.IsExpired = true
			l.UpdatedAt = Now()
			if err := r.store.Put(l); err != nil {
				return migrated, err
			}
			r.emit(history.Event{
				MAC: l.MAC, Action: history.ActionLeaseExpired, IP: oldIP, Channel: history.ChannelDHCP,
			})
			continue
		}

		l.IP = newIP
		if l.LeaseType == TypeDynamic {
			l.ExpireAt = Time{Now().Add(r.leaseTime)}
			l.IsExpired = false
		}
		l.UpdatedAt = Now()
		if err := r.store.Put(l); err != nil {
			return migrated, err
		}

		r.emit(history.Event{
			MAC: l.MAC, Action: action, IP: oldIP, NewIP: newIP, Channel: history.ChannelDHCP,
		})
		metrics.LeaseOperations.WithLabelValues("migrate").Inc()
		migrated++

		r.logger.Info("lease migrated to new subnet",
			"mac", l.MAC, "old_ip", oldIP, "new_ip", newIP)
	}

	if migrated > 0 {
		r.updateGauges()
	}
	return migrated, nil
}
