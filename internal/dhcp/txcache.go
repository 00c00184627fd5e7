package dhcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/hearthd/hearthd/internal/metrics"
)

// TxCache remembers the last response per client transaction so retried
// packets get the identical bytes back without re-running allocation.
// Entries expire after a TTL and are purged opportunistically when the
// socket loop goes idle.
type TxCache struct {
	entries sync.Map // key string → txEntry
	ttl     time.Duration
}

type txEntry struct {
	response []byte
	expires  time.Time
}

// NewTxCache creates a retransmission cache with the given entry TTL.
func NewTxCache(ttl time.Duration) *TxCache {
	return &TxCache{ttl: ttl}
}

// DiscoverKey keys a DISCOVER transaction.
func DiscoverKey(xid uint32, mac string) string {
	return fmt.Sprintf("d:%08x:%s", xid, mac)
}

// RequestKey keys a REQUEST transaction by its requested address.
func RequestKey(xid uint32, mac, requestedIP string) string {
	return fmt.Sprintf("r:%08x:%s:%s", xid, mac, requestedIP)
}

// InformKey keys an INFORM transaction by the client's own address.
func InformKey(xid uint32, mac, ciaddr string) string {
	return fmt.Sprintf("i:%08x:%s:%s", xid, mac, ciaddr)
}

// Get returns the cached response for a transaction, or nil. Expired
// entries are removed on access.
func (c *TxCache) Get(key string) []byte {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil
	}
	e := v.(txEntry)
	if time.Now().After(e.expires) {
		c.entries.Delete(key)
		return nil
	}
	metrics.TxCacheHits.Inc()
	return e.response
}

// Put stores a response for a transaction.
func (c *TxCache) Put(key string, response []byte) {
	data := make([]byte, len(response))
	copy(data, response)
	c.entries.Store(key, txEntry{
		response: data,
		expires:  time.Now().Add(c.ttl),
	})
}

// Cleanup removes all expired entries and returns how many were purged.
func (c *TxCache) Cleanup() int {
	now := time.Now()
	purged := 0
	c.entries.Range(func(k, v interface{}) bool {
		if now.After(v.(txEntry).expires) {
			c.entries.Delete(k)
			purged++
		}
		return true
	})
	return purged
}

// Len returns the number of entries, expired included.
func (c *TxCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
