// Package lease manages the persistent lease database and its lifecycle
// operations. One row per known client, keyed by MAC. Rows are soft-deleted
// and every mutation is recorded in the history log.
package lease

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hearthd/hearthd/internal/history"
)

// Sentinel errors returned by store and registry operations.
var (
	ErrNotFound          = errors.New("lease not found")
	ErrMacBlocked        = errors.New("device is blocked")
	ErrIPConflict        = errors.New("ip already held by another live lease")
	ErrPoolExhausted     = errors.New("address pool exhausted")
	ErrInvalidTransition = errors.New("invalid lease transition")
)

// Type distinguishes dynamically allocated from operator-pinned leases.
type Type string

const (
	TypeDynamic Type = "DYNAMIC"
	TypeStatic  Type = "STATIC"
)

// CreateChannel records how a lease row came to exist.
type CreateChannel string

const (
	CreateDHCPRequest CreateChannel = "DHCP_REQUEST"
	CreateStaticLease CreateChannel = "STATIC_LEASE"
)

// Time wraps time.Time with the millisecond storage layout.
// The zero value serializes as null.
type Time struct {
	time.Time
}

// Now returns the current instant as a storage Time.
func Now() Time {
	return Time{time.Now()}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(history.TimeFormat))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		t.Time = time.Time{}
		return nil
	}
	// Stored timestamps carry no zone; interpret them in local time to
	// match how they were written.
	parsed, err := time.ParseInLocation(history.TimeFormat, *s, time.Local)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Lease is one client row. An empty IP means the device currently holds
// no address (expired or blocked). A non-zero DeletedAt means the row is
// soft-deleted and invisible to allocation.
type Lease struct {
	ID               uint64        `json:"id"`
	MAC              string        `json:"mac"`
	Hostname         string        `json:"hostname,omitempty"`
	IP               string        `json:"ip,omitempty"`
	ClientID         string        `json:"client_id,omitempty"`
	LeaseType        Type          `json:"lease_type"`
	ExpireAt         Time          `json:"expire_at"`
	IsExpired        bool          `json:"is_expired"`
	IsBlocked        bool          `json:"is_blocked"`
	TrustFlag        bool          `json:"trust_flag"`
	IsCustomHostname bool          `json:"is_custom_hostname"`
	CreateChannel    CreateChannel `json:"create_channel"`
	CreatedAt        Time          `json:"created_at"`
	UpdatedAt        Time          `json:"updated_at"`
	DeletedAt        Time          `json:"deleted_at"`
}

// Live reports whether the row has not been soft-deleted.
func (l *Lease) Live() bool {
	return l.DeletedAt.IsZero()
}

// HasIP reports whether the lease currently holds an address.
func (l *Lease) HasIP() bool {
	return l.IP != ""
}

// Expired reports whether a dynamic lease has passed its expiry instant.
// Static leases never expire by time.
func (l *Lease) Expired() bool {
	if l.LeaseType == TypeStatic {
		return false
	}
	return !l.ExpireAt.IsZero() && time.Now().After(l.ExpireAt.Time)
}

// Remaining returns the time left on a dynamic lease, zero when expired
// or when the lease has no expiry.
func (l *Lease) Remaining() time.Duration {
	if l.ExpireAt.IsZero() {
		return 0
	}
	r := time.Until(l.ExpireAt.Time)
	if r < 0 {
		return 0
	}
	return r
}

// Clone returns a copy of the lease.
func (l *Lease) Clone() *Lease {
	c := *l
	return &c
}
