// Package history provides the append-only lease event log.
// Every lease mutation is recorded with the channel it came from (DHCP or
// WEB). Events are never mutated; pruning removes only the high-volume
// renewal and inform records past the retention window.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hearthd/hearthd/internal/metrics"
)

// TimeFormat is the storage timestamp layout, millisecond precision.
const TimeFormat = "2006-01-02 15:04:05.000"

// Channel identifies the origin of a mutation.
type Channel string

const (
	ChannelDHCP Channel = "DHCP"
	ChannelWeb  Channel = "WEB"
)

// Lease event actions.
const (
	ActionClientCreate    = "CLIENT_CREATE"
	ActionLeaseIssued     = "LEASE_ISSUED"
	ActionLeaseRenewed    = "LEASE_RENEWED"
	ActionLeaseExpired    = "LEASE_EXPIRED"
	ActionLeaseReleased   = "LEASE_RELEASED"
	ActionLeaseReset      = "LEASE_RESET"
	ActionStaticAssigned  = "STATIC_ASSIGNED"
	ActionDynamicAssigned = "DYNAMIC_ASSIGNED"
	ActionHostnameUpdated = "HOSTNAME_UPDATED"
	ActionDeviceBlocked   = "DEVICE_BLOCKED"
	ActionDeviceUnblocked = "DEVICE_UNBLOCKED"
	ActionDeviceDeleted   = "DEVICE_DELETED"
	ActionDeviceRestored  = "DEVICE_RESTORED"
	ActionDecline         = "DECLINE"
	ActionNak             = "NAK"
	ActionInform          = "INFORM"
	ActionTrustChanged    = "TRUST_CHANGED"
)

var (
	bucketEvents   = []byte("history")
	bucketMACIndex = []byte("history_mac_index") // mac → list of event keys
)

// Event is a single history log entry.
type Event struct {
	ID          uint64  `json:"id"`
	Timestamp   string  `json:"timestamp"`
	MAC         string  `json:"mac"`
	Action      string  `json:"action"`
	IP          string  `json:"ip,omitempty"`
	NewIP       string  `json:"new_ip,omitempty"`
	Name        string  `json:"name,omitempty"`
	NewName     string  `json:"new_name,omitempty"`
	Description string  `json:"description,omitempty"`
	ClientID    string  `json:"client_id,omitempty"`
	Channel     Channel `json:"change_channel"`
}

// QueryParams holds filter parameters for querying the history log.
type QueryParams struct {
	MAC    string    // filter by MAC address
	Action string    // filter by action
	From   time.Time // range start (inclusive)
	To     time.Time // range end (inclusive)
	Limit  int       // max results (0 = default 1000)
}

// Log is the append-only history store, backed by its own BoltDB file.
type Log struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the history database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return fmt.Errorf("creating history bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMACIndex); err != nil {
			return fmt.Errorf("creating history MAC index: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append persists a single event with an auto-increment ID.
// The timestamp is set to now when empty.
func (l *Log) Append(e Event) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(TimeFormat)
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating event ID: %w", err)
		}
		e.ID = id

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshalling event: %w", err)
		}

		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing event: %w", err)
		}

		idx := tx.Bucket(bucketMACIndex)
		macKey := []byte(e.MAC)
		var ids []uint64
		if existing := idx.Get(macKey); existing != nil {
			json.Unmarshal(existing, &ids)
		}
		ids = append(ids, id)
		idData, _ := json.Marshal(ids)
		return idx.Put(macKey, idData)
	})
	if err != nil {
		return err
	}

	metrics.HistoryEvents.WithLabelValues(e.Action).Inc()
	return nil
}

// QueryByMAC returns the newest events for a MAC, newest first.
func (l *Log) QueryByMAC(mac string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	var results []Event
	err := l.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketMACIndex)
		b := tx.Bucket(bucketEvents)

		idsData := idx.Get([]byte(mac))
		if idsData == nil {
			return nil
		}

		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return nil
		}

		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			results = append(results, e)
		}
		return nil
	})

	return results, err
}

// Query searches the history log with the given parameters, newest first.
func (l *Log) Query(params QueryParams) ([]Event, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	// Fast path: MAC-based query using the index
	if params.MAC != "" && params.Action == "" && params.From.IsZero() && params.To.IsZero() {
		return l.QueryByMAC(params.MAC, limit)
	}

	var results []Event
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()

		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if matchesQuery(e, params) {
				results = append(results, e)
			}
		}
		return nil
	})

	return results, err
}

// Count returns the total number of stored events.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return count
}

// Prune removes LEASE_RENEWED and INFORM events older than retention.
// All other actions are kept indefinitely. A non-positive retention
// disables pruning. Returns the number of removed events.
func (l *Log) Prune(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention)

	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		idx := tx.Bucket(bucketMACIndex)

		// mac → set of pruned IDs, for index repair
		pruned := make(map[string]map[uint64]bool)

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Action != ActionLeaseRenewed && e.Action != ActionInform {
				continue
			}
			ts, err := time.ParseInLocation(TimeFormat, e.Timestamp, time.Local)
			if err != nil || !ts.Before(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return fmt.Errorf("deleting event %d: %w", e.ID, err)
			}
			if pruned[e.MAC] == nil {
				pruned[e.MAC] = make(map[uint64]bool)
			}
			pruned[e.MAC][e.ID] = true
			removed++
		}

		for mac, ids := range pruned {
			macKey := []byte(mac)
			var existing []uint64
			if data := idx.Get(macKey); data != nil {
				json.Unmarshal(data, &existing)
			}
			kept := existing[:0]
			for _, id := range existing {
				if !ids[id] {
					kept = append(kept, id)
				}
			}
			idData, _ := json.Marshal(kept)
			if err := idx.Put(macKey, idData); err != nil {
				return fmt.Errorf("updating MAC index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		metrics.HistoryPruned.Add(float64(removed))
		l.logger.Info("pruned history events", "removed", removed, "retention", retention)
	}
	return removed, nil
}

// matchesQuery returns true if an event matches all non-zero query fields.
func matchesQuery(e Event, params QueryParams) bool {
	if params.MAC != "" && e.MAC != params.MAC {
		return false
	}
	if params.Action != "" && e.Action != params.Action {
		return false
	}
	if !params.From.IsZero() || !params.To.IsZero() {
		ts, err := time.ParseInLocation(TimeFormat, e.Timestamp, time.Local)
		if err != nil {
			return false
		}
		if !params.From.IsZero() && ts.Before(params.From) {
			return false
		}
		if !params.To.IsZero() && ts.After(params.To) {
			return false
		}
	}
	return true
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
