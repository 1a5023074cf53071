// Package cache implements the in-memory resource-record cache: the
// mapping from record-set key to the set of currently valid records, TTL
// expiry, cache-flush semantics, and per-key change notification.
//
// Cache is deliberately not safe for concurrent use. Per the concurrency
// model, the single reactor goroutine is the only caller once the daemon is
// running; tests call it synchronously from one goroutine too. Wrapping it
// in a mutex here would hide a design invariant rather than enforce one.
package cache

import (
	"time"

	"github.com/quietwire/mdnsqd/internal/rr"
)

// Event identifies whether a change notification is an arrival or an
// expiry/removal.
type Event int

const (
	EventAdd Event = iota
	EventDel
)

func (e Event) String() string {
	if e == EventAdd {
		return "ADD"
	}
	return "DEL"
}

// Callback receives cache change notifications for a subscribed key.
type Callback func(ev Event, rec *rr.Record)

// Handle identifies a subscription so it can later be removed.
type Handle struct {
	key rr.Key
	id  uint64
}

// burstGrace is the "one-second grace" window from the cache-flush
// invariant: prior records not seen in the current reception burst are
// demoted to expire one second from now, rather than evicted immediately,
// so that duplicate answers arriving later in the same burst aren't treated
// as a fresh arrival of an already-superseded record.
const burstGrace = 1 * time.Second

type entry struct {
	rec      *rr.Record
	deadline time.Time
	burst    int64
}

type subscription struct {
	id uint64
	cb Callback
}

// Cache maps a RecordSetKey to the set of currently valid records for it.
type Cache struct {
	sets   map[rr.Key][]*entry
	subs   map[rr.Key][]subscription
	nextID uint64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		sets: make(map[rr.Key][]*entry),
		subs: make(map[rr.Key][]subscription),
	}
}

// Lookup returns the current set of records for key, possibly empty. The
// returned slice is a fresh copy; callers may retain it past the current
// reactor turn without violating the cache's ownership rules, but mutating
// a *rr.Record in place would — copy fields instead, per the weak-reference
// convention.
func (c *Cache) Lookup(key rr.Key) []*rr.Record {
	entries := c.sets[key]
	if len(entries) == 0 {
		return nil
	}
	out := make([]*rr.Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// Insert inserts or refreshes a record. now is the current time and burst
// identifies the reception event (e.g. one inbound UDP packet, or one
// authority publish) that produced this record — see the cache-flush burst
// rule below. Insert assumes rec.TTL > 0; a goodbye record (TTL == 0) is
// the caller's cue to call Remove instead.
func (c *Cache) Insert(rec *rr.Record, now time.Time, burst int64) {
	entries := c.sets[rec.Key]

	if rec.CacheFlush {
		for _, e := range entries {
			if e.burst != burst && e.deadline.After(now.Add(burstGrace)) {
				e.deadline = now.Add(burstGrace)
			}
		}
	}

	for _, e := range entries {
		if rr.RecordEqual(e.rec, rec) {
			e.deadline = now.Add(time.Duration(rec.TTL) * time.Second)
			e.burst = burst
			e.rec = rec
			return
		}
	}

	entries = append(entries, &entry{
		rec:      rec,
		deadline: now.Add(time.Duration(rec.TTL) * time.Second),
		burst:    burst,
	})
	c.sets[rec.Key] = entries
	c.notify(rec.Key, EventAdd, rec)
}

// Remove performs exact-tuple removal, used for an explicit goodbye
// (TTL == 0). Removing a record that isn't present is a no-op.
func (c *Cache) Remove(rec *rr.Record) {
	entries := c.sets[rec.Key]
	for i, e := range entries {
		if rr.RecordEqual(e.rec, rec) {
			c.sets[rec.Key] = append(entries[:i], entries[i+1:]...)
			if len(c.sets[rec.Key]) == 0 {
				delete(c.sets, rec.Key)
			}
			c.notify(rec.Key, EventDel, e.rec)
			return
		}
	}
}

// Tick expires every record whose deadline has passed, firing a DEL
// notification for each. Called once per reactor wakeup per the
// single-threaded cooperative model.
func (c *Cache) Tick(now time.Time) {
	for key, entries := range c.sets {
		kept := entries[:0]
		for _, e := range entries {
			if !e.deadline.After(now) {
				c.notify(key, EventDel, e.rec)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(c.sets, key)
		} else {
			c.sets[key] = kept
		}
	}
}

// Subscribe registers cb to be called on every ADD/DEL for key, including
// ADDs/DELs produced by a subsequent Insert/Remove/Tick call (not ones that
// already happened — callers that want the current set should combine this
// with a Lookup first, as the query aggregate's cache-first policy does).
func (c *Cache) Subscribe(key rr.Key, cb Callback) Handle {
	c.nextID++
	id := c.nextID
	c.subs[key] = append(c.subs[key], subscription{id: id, cb: cb})
	return Handle{key: key, id: id}
}

// Unsubscribe removes a previously registered callback. Unsubscribing an
// unknown or already-removed handle is a no-op.
func (c *Cache) Unsubscribe(h Handle) {
	subs := c.subs[h.key]
	for i, s := range subs {
		if s.id == h.id {
			c.subs[h.key] = append(subs[:i], subs[i+1:]...)
			if len(c.subs[h.key]) == 0 {
				delete(c.subs, h.key)
			}
			return
		}
	}
}

func (c *Cache) notify(key rr.Key, ev Event, rec *rr.Record) {
	// Iterate over a copy: a callback may Unsubscribe, which shifts
	// c.subs[key] in place while this loop is still running.
	subs := append([]subscription(nil), c.subs[key]...)
	for _, s := range subs {
		s.cb(ev, rec)
	}
}
