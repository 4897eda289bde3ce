package zeroconf

import (
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
)

// A state change operation.
type Op int

const (
	// A service instance was added.
	OpAdded Op = iota

	// A previously added instance changed, e.g. new SRV/TXT data.
	// Note that regular TTL refreshes do not trigger updates.
	OpUpdated

	// An instance expired or said goodbye.
	OpRemoved
)

func (op Op) String() string {
	switch op {
	case OpAdded:
		return "[+]"
	case OpUpdated:
		return "[~]"
	case OpRemoved:
		return "[-]"
	default:
		return "[?]"
	}
}

// An event represents a change in the state of a service instance, as
// observed by a browser.
type Event struct {
	// Fully qualified instance name, e.g. `Office Printer._http._tcp.local.`
	Name string

	// The service type browsed for, e.g. `_http._tcp.local.`
	Type string

	Op Op
}

func (e Event) String() string {
	return fmt.Sprintf("%v %v", e.Op, e.Name)
}

// Cache is the in-memory store of records learned from the network, keyed by
// lowercased record name. Lookups never return records already stale at call
// time, so stale entries are invisible even before the periodic sweep runs.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]Record
	clock   clock.Clock
}

func NewCache(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{entries: make(map[string][]Record), clock: clk}
}

// Add inserts a record. A unique (cache-flush) record replaces all prior
// records sharing its name, type and class; a shared record accumulates
// alongside existing ones, refreshing any equal one in place.
func (c *Cache) Add(rec Record) {
	hdr := rec.Header()
	if hdr.Created.IsZero() {
		hdr.Created = c.clock.Now()
	}
	k := strings.ToLower(hdr.Name)
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := c.entries[k]
	kept := recs[:0]
	for _, old := range recs {
		if hdr.Unique && old.Header().matches(hdr) {
			continue
		}
		if equalRecords(old, rec) {
			continue
		}
		kept = append(kept, old)
	}
	c.entries[k] = append(kept, rec)
}

// Remove deletes all records equal to rec, regardless of TTL. Used for
// goodbye (TTL 0) records.
func (c *Cache) Remove(rec Record) {
	k := strings.ToLower(rec.Header().Name)
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := c.entries[k]
	kept := recs[:0]
	for _, old := range recs {
		if !equalRecords(old, rec) {
			kept = append(kept, old)
		}
	}
	if len(kept) == 0 {
		delete(c.entries, k)
	} else {
		c.entries[k] = kept
	}
}

// Get returns the live cached record equal to rec, if any.
func (c *Cache) Get(rec Record) Record {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, old := range c.entries[strings.ToLower(rec.Header().Name)] {
		if !old.Header().Expired(now) && equalRecords(old, rec) {
			return old
		}
	}
	return nil
}

// GetByDetails returns the first live record matching name, type and class.
func (c *Cache) GetByDetails(name string, typ, class uint16) Record {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, old := range c.entries[strings.ToLower(name)] {
		hdr := old.Header()
		if hdr.Type == typ && hdr.Class == class&^classCacheFlush && !hdr.Expired(now) {
			return old
		}
	}
	return nil
}

// EntriesWithName returns all live records held under a name.
func (c *Cache) EntriesWithName(name string) []Record {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var recs []Record
	for _, old := range c.entries[strings.ToLower(name)] {
		if !old.Header().Expired(now) {
			recs = append(recs, old)
		}
	}
	return recs
}

// Expire removes and returns all records stale at the current time. Run by
// the engine's periodic sweep.
func (c *Cache) Expire() []Record {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []Record
	for k, recs := range c.entries {
		kept := recs[:0]
		for _, old := range recs {
			if old.Header().Expired(now) {
				expired = append(expired, old)
			} else {
				kept = append(kept, old)
			}
		}
		if len(kept) == 0 {
			delete(c.entries, k)
		} else {
			c.entries[k] = kept
		}
	}
	return expired
}

// Len reports the number of live records.
func (c *Cache) Len() int {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, recs := range c.entries {
		for _, old := range recs {
			if !old.Header().Expired(now) {
				n++
			}
		}
	}
	return n
}
