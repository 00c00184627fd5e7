package lease

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/metrics"
	"github.com/hearthd/hearthd/internal/pool"
)

// Notifier receives device lifecycle notifications. Implementations must
// not block; delivery happens off the caller's goroutine.
type Notifier interface {
	NewDevice(l *Lease)
	InactiveDevice(l *Lease, silent time.Duration)
}

type nopNotifier struct{}

func (nopNotifier) NewDevice(*Lease)                     {}
func (nopNotifier) InactiveDevice(*Lease, time.Duration) {}

// NopNotifier discards all notifications.
var NopNotifier Notifier = nopNotifier{}

// Registry wraps the store with the lease lifecycle operations. Every
// compound operation is atomic under one mutex and records its history
// events with the channel the mutation came from.
type Registry struct {
	store      *Store
	hist       *history.Log
	notifier   Notifier
	leaseTime  time.Duration
	inactivity time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewRegistry creates a lease registry. A nil notifier disables
// notifications. inactivity <= 0 disables the inactive-device check.
func NewRegistry(store *Store, hist *history.Log, notifier Notifier,
	leaseTime, inactivity time.Duration, logger *slog.Logger) *Registry {
	if notifier == nil {
		notifier = NopNotifier
	}
	r := &Registry{
		store:      store,
		hist:       hist,
		notifier:   notifier,
		leaseTime:  leaseTime,
		inactivity: inactivity,
		logger:     logger,
	}
	r.updateGauges()
	return r
}

// Store returns the underlying lease store.
func (r *Registry) Store() *Store {
	return r.store
}

// Get returns the row for a MAC, including soft-deleted rows.
func (r *Registry) Get(mac string) *Lease {
	return r.store.GetByMAC(mac)
}

// GetLive returns the live row for a MAC, or nil.
func (r *Registry) GetLive(mac string) *Lease {
	return r.store.GetLiveByMAC(mac)
}

// GetByIP returns the live row holding the address, or nil.
func (r *Registry) GetByIP(ip string) *Lease {
	return r.store.GetByIP(ip)
}

// All returns all live rows.
func (r *Registry) All() []*Lease {
	return r.store.All()
}

// FindOrAllocate picks the address to offer a client. An existing static
// binding wins unconditionally; a non-expired dynamic address inside the
// pool is reused; otherwise the lowest free pool address is chosen.
// Returns an empty IP when the pool is exhausted or the device is
// blocked.
func (r *Registry) FindOrAllocate(mac, clientID string, p *pool.Range) (string, Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l := r.store.GetLiveByMAC(mac); l != nil {
		// Blocked devices never receive an address
		if l.IsBlocked {
			return "", TypeDynamic
		}
		if l.LeaseType == TypeStatic {
			return l.IP, TypeStatic
		}
		if l.HasIP() && !l.Expired() && p.Contains(net.ParseIP(l.IP)) {
			return l.IP, TypeDynamic
		}
	}

	ip := r.allocateLocked(p)
	if ip == "" {
		metrics.PoolExhausted.Inc()
		r.logger.Warn("address pool exhausted", "mac", mac, "pool", p.String())
	}
	return ip, TypeDynamic
}

// allocateLocked scans the pool ascending for the lowest unused address.
func (r *Registry) allocateLocked(p *pool.Range) string {
	var found string
	p.ForEach(func(ip net.IP) bool {
		s := ip.String()
		if !r.store.IPInUse(s) {
			found = s
			return false
		}
		return true
	})
	return found
}

// CreateLease inserts a new live row. Refuses blocked devices, empty
// addresses, and MACs that already have a row.
func (r *Registry) CreateLease(mac, ip, hostname string, lt Type, clientID string,
	cc CreateChannel, ch history.Channel) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ip == "" {
		return nil, fmt.Errorf("creating lease for %s: empty address", mac)
	}
	if existing := r.store.GetByMAC(mac); existing != nil {
		if existing.Live() && existing.IsBlocked {
			return nil, fmt.Errorf("creating lease for %s: %w", mac, ErrMacBlocked)
		}
		return nil, fmt.Errorf("creating lease for %s: row exists: %w", mac, ErrInvalidTransition)
	}

	now := Now()
	l := &Lease{
		MAC:           mac,
		Hostname:      hostname,
		IP:            ip,
		ClientID:      clientID,
		LeaseType:     lt,
		CreateChannel: cc,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if lt == TypeDynamic {
		l.ExpireAt = Time{now.Add(r.leaseTime)}
	}
	if hostname != "" && ch == history.ChannelWeb {
		l.IsCustomHostname = true
	}
	if ch == history.ChannelWeb && lt == TypeStatic {
		l.TrustFlag = true
	}

	if err := r.store.Put(l); err != nil {
		return nil, err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionClientCreate,
		IP: ip, Name: hostname, ClientID: clientID, Channel: ch,
	})
	if lt == TypeDynamic {
		r.emit(history.Event{
			MAC: mac, Action: history.ActionLeaseIssued, IP: ip, Channel: ch,
		})
	}

	metrics.LeaseOperations.WithLabelValues("create").Inc()
	r.updateGauges()

	r.logger.Info("lease created",
		"mac", mac, "ip", ip, "type", string(lt), "channel", string(ch))

	if cc != CreateStaticLease {
		r.notifier.NewDevice(l.Clone())
	}

	return l, nil
}

// UpdateIP moves a lease to a new address. For dynamic leases the expiry
// is reset. A same-address update is a no-op and emits no history.
func (r *Registry) UpdateIP(mac, newIP, clientID string, ch history.Channel) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return nil, fmt.Errorf("updating ip for %s: %w", mac, ErrNotFound)
	}
	if l.IsBlocked {
		return nil, fmt.Errorf("updating ip for %s: %w", mac, ErrMacBlocked)
	}
	if newIP == l.IP {
		return l, nil
	}

	oldIP := l.IP
	l.IP = newIP
	if clientID != "" {
		l.ClientID = clientID
	}
	if l.LeaseType == TypeDynamic {
		l.ExpireAt = Time{time.Now().Add(r.leaseTime)}
		l.IsExpired = false
	}
	l.UpdatedAt = Now()

	if err := r.store.Put(l); err != nil {
		return nil, err
	}

	action := history.ActionLeaseIssued
	if l.LeaseType == TypeStatic {
		action = history.ActionStaticAssigned
	}
	r.emit(history.Event{
		MAC: mac, Action: action, IP: oldIP, NewIP: newIP, Channel: ch,
	})
	r.updateGauges()

	r.logger.Info("lease ip updated", "mac", mac, "old_ip", oldIP, "new_ip", newIP)
	return l, nil
}

// UpdateHostname records the client's name. Blocked devices are skipped,
// and a DHCP-supplied name never overwrites an operator-set one.
func (r *Registry) UpdateHostname(mac, hostname string, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("updating hostname for %s: %w", mac, ErrNotFound)
	}
	if l.IsBlocked {
		return nil
	}
	if ch == history.ChannelDHCP && l.IsCustomHostname {
		return nil
	}
	if hostname == l.Hostname {
		return nil
	}

	old := l.Hostname
	l.Hostname = hostname
	l.IsCustomHostname = ch == history.ChannelWeb
	l.UpdatedAt = Now()

	if err := r.store.Put(l); err != nil {
		return err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionHostnameUpdated,
		Name: old, NewName: hostname, Channel: ch,
	})
	return nil
}

// ResetHostname clears an operator-set name so the next DHCP exchange can
// fill it in again.
func (r *Registry) ResetHostname(mac string, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("resetting hostname for %s: %w", mac, ErrNotFound)
	}
	if l.Hostname == "" && !l.IsCustomHostname {
		return nil
	}

	old := l.Hostname
	l.Hostname = ""
	l.IsCustomHostname = false
	l.UpdatedAt = Now()

	if err := r.store.Put(l); err != nil {
		return err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionHostnameUpdated,
		Name: old, NewName: "", Channel: ch,
	})
	return nil
}

// UpdateLeaseType transitions between STATIC and DYNAMIC. Same-type calls
// are no-ops.
func (r *Registry) UpdateLeaseType(mac string, lt Type, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("updating lease type for %s: %w", mac, ErrNotFound)
	}
	if l.LeaseType == lt {
		return nil
	}

	l.LeaseType = lt
	switch lt {
	case TypeStatic:
		l.ExpireAt = Time{}
		if !l.IsBlocked {
			l.IsExpired = false
		}
	case TypeDynamic:
		if l.HasIP() && !l.IsBlocked {
			l.ExpireAt = Time{time.Now().Add(r.leaseTime)}
			l.IsExpired = false
		}
	}
	l.UpdatedAt = Now()

	if err := r.store.Put(l); err != nil {
		return err
	}

	action := history.ActionDynamicAssigned
	if lt == TypeStatic {
		action = history.ActionStaticAssigned
	}
	r.emit(history.Event{MAC: mac, Action: action, IP: l.IP, Channel: ch})
	r.updateGauges()

	r.logger.Info("lease type updated", "mac", mac, "type", string(lt))
	return nil
}

// RenewLease extends a dynamic lease by the configured lease time. Fires
// the inactive-device notification when the client has been silent past
// the inactivity threshold.
func (r *Registry) RenewLease(mac string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return nil, fmt.Errorf("renewing lease for %s: %w", mac, ErrNotFound)
	}
	if l.IsBlocked {
		return nil, fmt.Errorf("renewing lease for %s: %w", mac, ErrMacBlocked)
	}
	if l.LeaseType != TypeDynamic {
		return nil, fmt.Errorf("renewing lease for %s: static lease: %w", mac, ErrInvalidTransition)
	}

	var silent time.Duration
	if !l.UpdatedAt.IsZero() {
		silent = time.Since(l.UpdatedAt.Time)
	}

	l.ExpireAt = Time{time.Now().Add(r.leaseTime)}
	l.IsExpired = false
	l.UpdatedAt = Now()

	if err := r.store.Put(l); err != nil {
		return nil, err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionLeaseRenewed, IP: l.IP, Channel: history.ChannelDHCP,
	})
	metrics.LeaseOperations.WithLabelValues("renew").Inc()

	if r.inactivity > 0 && silent > r.inactivity {
		r.notifier.InactiveDevice(l.Clone(), silent)
	}

	return l, nil
}

// MarkExpiredLeases expires every live dynamic row whose time has passed,
// clearing its address. Idempotent: already-expired rows are skipped.
func (r *Registry) MarkExpiredLeases() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Lease
	r.store.ForEach(func(l *Lease) bool {
		if l.LeaseType == TypeDynamic && !l.IsExpired && l.HasIP() && l.Expired() {
			due = append(due, l.Clone())
		}
		return true
	})

	for _, l := range due {
		oldIP := l.IP
		l.IsExpired = true
		l.IP = ""
		l.UpdatedAt = Now()
		if err := r.store.Put(l); err != nil {
			return 0, fmt.Errorf("expiring lease for %s: %w", l.MAC, err)
		}

		r.emit(history.Event{
			MAC: l.MAC, Action: history.ActionLeaseExpired, IP: oldIP, Channel: history.ChannelDHCP,
		})
		metrics.LeaseOperations.WithLabelValues("expire").Inc()

		r.logger.Info("lease expired", "mac", l.MAC, "ip", oldIP)
	}

	if len(due) > 0 {
		r.updateGauges()
	}
	return len(due), nil
}

// ReleaseLease handles a client RELEASE for a dynamic lease.
func (r *Registry) ReleaseLease(mac, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("releasing lease for %s: %w", mac, ErrNotFound)
	}
	if l.LeaseType != TypeDynamic || l.IP != ip {
		return nil
	}

	l.IsExpired = true
	l.IP = ""
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionLeaseReleased, IP: ip, Channel: history.ChannelDHCP,
	})
	metrics.LeaseOperations.WithLabelValues("release").Inc()
	r.updateGauges()

	r.logger.Info("lease released", "mac", mac, "ip", ip)
	return nil
}

// DeclineLease handles a client DECLINE: the offered address is abandoned
// and a fresh one is allocated. Returns an empty string when the pool has
// no free address left.
func (r *Registry) DeclineLease(mac, ip string, p *pool.Range) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return "", fmt.Errorf("declining lease for %s: %w", mac, ErrNotFound)
	}

	l.IsExpired = true
	l.IP = ""
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return "", err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionDecline, IP: ip, Channel: history.ChannelDHCP,
	})
	metrics.LeaseOperations.WithLabelValues("decline").Inc()

	r.logger.Warn("lease declined by client", "mac", mac, "ip", ip)

	// The declined address is presumed squatted, never hand it straight back
	var newIP string
	p.ForEach(func(cand net.IP) bool {
		s := cand.String()
		if s == ip || r.store.IPInUse(s) {
			return true
		}
		newIP = s
		return false
	})
	if newIP == "" {
		metrics.PoolExhausted.Inc()
		r.updateGauges()
		return "", nil
	}

	l.IP = newIP
	l.ExpireAt = Time{time.Now().Add(r.leaseTime)}
	l.IsExpired = false
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return "", err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionLeaseIssued, IP: newIP, Channel: history.ChannelDHCP,
	})
	r.updateGauges()

	return newIP, nil
}

// NakLease records a NAK sent to a client.
func (r *Registry) NakLease(mac, ip string) {
	r.emit(history.Event{
		MAC: mac, Action: history.ActionNak, IP: ip, Channel: history.ChannelDHCP,
	})
}

// InformLease records an INFORM exchange.
func (r *Registry) InformLease(mac, ip string) {
	r.emit(history.Event{
		MAC: mac, Action: history.ActionInform, IP: ip, Channel: history.ChannelDHCP,
	})
}

// BlockDevice marks a device blocked, releasing its address.
func (r *Registry) BlockDevice(mac string, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("blocking %s: %w", mac, ErrNotFound)
	}
	if l.IsBlocked {
		return nil
	}

	oldIP := l.IP
	l.IsBlocked = true
	l.IsExpired = true
	l.IP = ""
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionDeviceBlocked, IP: oldIP, Channel: ch,
	})
	metrics.LeaseOperations.WithLabelValues("block").Inc()
	r.updateGauges()

	r.logger.Info("device blocked", "mac", mac, "ip", oldIP)
	return nil
}

// UnblockDevice clears the blocked flag. The device gets a fresh address
// on its next DHCP exchange.
func (r *Registry) UnblockDevice(mac string, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("unblocking %s: %w", mac, ErrNotFound)
	}
	if !l.IsBlocked {
		return nil
	}

	l.IsBlocked = false
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionDeviceUnblocked, Channel: ch,
	})
	r.updateGauges()

	r.logger.Info("device unblocked", "mac", mac)
	return nil
}

// SetTrustFlag flips the trust flag, emitting history only on real
// transitions.
func (r *Registry) SetTrustFlag(mac string, value bool, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("setting trust for %s: %w", mac, ErrNotFound)
	}
	if l.TrustFlag == value {
		return nil
	}

	l.TrustFlag = value
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return err
	}

	desc := "untrusted"
	if value {
		desc = "trusted"
	}
	r.emit(history.Event{
		MAC: mac, Action: history.ActionTrustChanged, Description: desc, Channel: ch,
	})
	return nil
}

// ResetLease clears the address, marks the lease expired, and forces it
// back to DYNAMIC. The admin "start over" action.
func (r *Registry) ResetLease(mac string, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("resetting lease for %s: %w", mac, ErrNotFound)
	}

	oldIP := l.IP
	l.IP = ""
	l.IsExpired = true
	l.LeaseType = TypeDynamic
	l.ExpireAt = Time{}
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionLeaseReset, IP: oldIP, Channel: ch,
	})
	r.updateGauges()

	r.logger.Info("lease reset", "mac", mac, "ip", oldIP)
	return nil
}

// Delete soft-deletes a row. Only address-less expired rows may go.
func (r *Registry) Delete(mac string, ch history.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetLiveByMAC(mac)
	if l == nil {
		return fmt.Errorf("deleting %s: %w", mac, ErrNotFound)
	}
	if l.HasIP() || !l.IsExpired {
		return fmt.Errorf("deleting %s: lease still holds an address: %w", mac, ErrInvalidTransition)
	}

	l.DeletedAt = Now()
	l.UpdatedAt = l.DeletedAt
	if err := r.store.Put(l); err != nil {
		return err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionDeviceDeleted, Channel: ch,
	})
	r.updateGauges()

	r.logger.Info("device deleted", "mac", mac)
	return nil
}

// Restore reopens a soft-deleted row when the device reappears.
func (r *Registry) Restore(mac string, ch history.Channel) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.store.GetByMAC(mac)
	if l == nil {
		return nil, fmt.Errorf("restoring %s: %w", mac, ErrNotFound)
	}
	if l.Live() {
		return l, nil
	}

	l.DeletedAt = Time{}
	l.UpdatedAt = Now()
	if err := r.store.Put(l); err != nil {
		return nil, err
	}

	r.emit(history.Event{
		MAC: mac, Action: history.ActionDeviceRestored, Channel: ch,
	})
	r.updateGauges()

	r.logger.Info("device restored", "mac", mac)
	return l, nil
}

// emit appends a history event, logging failures without failing the
// lease operation.
func (r *Registry) emit(e history.Event) {
	if err := r.hist.Append(e); err != nil {
		r.logger.Error("failed to write history event",
			"mac", e.MAC, "action", e.Action, "error", err)
	}
}

// updateGauges refreshes the lease gauges from the store.
func (r *Registry) updateGauges() {
	var active, static, blocked int
	r.store.ForEach(func(l *Lease) bool {
		if l.HasIP() && !l.IsExpired {
			active++
		}
		if l.LeaseType == TypeStatic {
			static++
		}
		if l.IsBlocked {
			blocked++
		}
		return true
	})
	metrics.LeasesActive.Set(float64(active))
	metrics.LeasesStatic.Set(float64(static))
	metrics.LeasesBlocked.Set(float64(blocked))
}
