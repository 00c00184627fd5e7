package api

import (
	"time"

	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/lease"
	"github.com/hearthd/hearthd/internal/notify"
)

// apiTimeFormat is the operator-facing timestamp layout. Stored
// timestamps use the lease package layout instead.
const apiTimeFormat = "02.01.2006 15:04:05"

// clientView is the JSON shape of one lease row.
type clientView struct {
	MAC              string `json:"mac"`
	IP               string `json:"ip"`
	Hostname         string `json:"hostname"`
	ClientID         string `json:"client_id"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	ExpireAt         string `json:"expire_at"`
	TimeToExpiry     string `json:"time_to_expiry"`
	IsExpired        bool   `json:"is_expired"`
	LeaseType        string `json:"lease_type"`
	IsBlocked        bool   `json:"is_blocked"`
	IsCustomHostname bool   `json:"is_custom_hostname"`
	TrustFlag        bool   `json:"trust_flag"`
	IsCached         bool   `json:"is_cached"`
}

func apiTime(t lease.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(apiTimeFormat)
}

func timeToExpiry(l *lease.Lease) string {
	if l.LeaseType == lease.TypeStatic {
		return "never"
	}
	if l.IsExpired || l.ExpireAt.IsZero() {
		return "expired"
	}
	remaining := time.Until(l.ExpireAt.Time)
	if remaining <= 0 {
		return "expired"
	}
	return notify.HumanDuration(remaining)
}

func newClientView(l *lease.Lease) clientView {
	return clientView{
		MAC:              l.MAC,
		IP:               l.IP,
		Hostname:         l.Hostname,
		ClientID:         l.ClientID,
		CreatedAt:        apiTime(l.CreatedAt),
		UpdatedAt:        apiTime(l.UpdatedAt),
		ExpireAt:         apiTime(l.ExpireAt),
		TimeToExpiry:     timeToExpiry(l),
		IsExpired:        l.IsExpired,
		LeaseType:        string(l.LeaseType),
		IsBlocked:        l.IsBlocked,
		IsCustomHostname: l.IsCustomHostname,
		TrustFlag:        l.TrustFlag,
	}
}

// clientsView is the JSON shape of the full client list.
type clientsView struct {
	Clients  []clientView `json:"clients"`
	Total    int          `json:"total"`
	IsCached bool         `json:"is_cached"`
}

// eventView is the JSON shape of one history event.
type eventView struct {
	ID          uint64 `json:"id"`
	Timestamp   string `json:"timestamp"`
	MAC         string `json:"mac"`
	Action      string `json:"action"`
	IP          string `json:"ip,omitempty"`
	NewIP       string `json:"new_ip,omitempty"`
	Name        string `json:"name,omitempty"`
	NewName     string `json:"new_name,omitempty"`
	Description string `json:"description,omitempty"`
	Channel     string `json:"change_channel"`
}

func newEventView(e history.Event) eventView {
	ts := ""
	if t, err := time.ParseInLocation(history.TimeFormat, e.Timestamp, time.Local); err == nil {
		ts = t.Format(apiTimeFormat)
	}
	return eventView{
		ID:          e.ID,
		Timestamp:   ts,
		MAC:         e.MAC,
		Action:      e.Action,
		IP:          e.IP,
		NewIP:       e.NewIP,
		Name:        e.Name,
		NewName:     e.NewName,
		Description: e.Description,
		Channel:     string(e.Channel),
	}
}
