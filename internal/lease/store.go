package lease

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketLeases = []byte("leases")

// Store provides lease persistence via BoltDB with in-memory indexes for
// O(1) lookup. Rows are keyed by MAC string; the IP index holds only live
// rows with a non-empty address so restoration can still find soft-deleted
// rows through the MAC index.
type Store struct {
	db    *bolt.DB
	mu    sync.RWMutex
	byMAC map[string]*Lease // MAC string → row, including soft-deleted
	byIP  map[string]*Lease // IP string → live row holding that address
}

// NewStore opens or creates a BoltDB database and loads the indexes.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		NoSync: false,
	})
	if err != nil {
		return nil, fmt.Errorf("opening lease database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLeases); err != nil {
			return fmt.Errorf("creating lease bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database buckets: %w", err)
	}

	s := &Store{
		db:    db,
		byMAC: make(map[string]*Lease),
		byIP:  make(map[string]*Lease),
	}

	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading leases from database: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// loadAll reads all rows from BoltDB into in-memory indexes.
func (s *Store) loadAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			l := &Lease{}
			if err := json.Unmarshal(v, l); err != nil {
				return fmt.Errorf("unmarshalling lease %s: %w", k, err)
			}
			s.indexLease(l)
			return nil
		})
	})
}

// indexLease adds a row to the in-memory indexes (caller holds write lock
// or is in init).
func (s *Store) indexLease(l *Lease) {
	s.byMAC[l.MAC] = l
	if l.Live() && l.HasIP() {
		s.byIP[l.IP] = l
	}
}

// Put creates or updates a row in both BoltDB and the indexes. A live row
// with a non-empty IP must not collide with another live row's address.
func (s *Store) Put(l *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.Live() && l.HasIP() {
		if other, ok := s.byIP[l.IP]; ok && other.MAC != l.MAC {
			return fmt.Errorf("%w: %s held by %s", ErrIPConflict, l.IP, other.MAC)
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)

		if l.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("generating lease ID: %w", err)
			}
			l.ID = id
		}

		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("marshalling lease for %s: %w", l.MAC, err)
		}
		if err := b.Put([]byte(l.MAC), data); err != nil {
			return fmt.Errorf("writing lease for %s: %w", l.MAC, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Drop the old address from the IP index when it changed or went away
	if old, ok := s.byMAC[l.MAC]; ok && old.HasIP() && old.IP != l.IP {
		delete(s.byIP, old.IP)
	}
	if !l.Live() || !l.HasIP() {
		delete(s.byIP, l.IP)
	}
	s.indexLease(l.Clone())

	return nil
}

// GetByMAC returns the row for a MAC, including soft-deleted rows.
func (s *Store) GetByMAC(mac string) *Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byMAC[mac]
	if !ok {
		return nil
	}
	return l.Clone()
}

// GetLiveByMAC returns the live row for a MAC, or nil.
func (s *Store) GetLiveByMAC(mac string) *Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byMAC[mac]
	if !ok || !l.Live() {
		return nil
	}
	return l.Clone()
}

// GetByIP returns the live row currently holding an address, or nil.
func (s *Store) GetByIP(ip string) *Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byIP[ip]
	if !ok {
		return nil
	}
	return l.Clone()
}

// IPInUse reports whether a live row holds the address.
func (s *Store) IPInUse(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byIP[ip]
	return ok
}

// All returns all live rows (cloned).
func (s *Store) All() []*Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	leases := make([]*Lease, 0, len(s.byMAC))
	for _, l := range s.byMAC {
		if l.Live() {
			leases = append(leases, l.Clone())
		}
	}
	return leases
}

// ForEach iterates over all live rows with a callback. Holds read lock;
// the callback must not mutate the store.
func (s *Store) ForEach(fn func(*Lease) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.byMAC {
		if !l.Live() {
			continue
		}
		if !fn(l) {
			return
		}
	}
}

// Count returns the number of live rows.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.byMAC {
		if l.Live() {
			n++
		}
	}
	return n
}
