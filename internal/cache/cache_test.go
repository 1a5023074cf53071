package cache

import (
	"testing"
	"time"

	"github.com/quietwire/mdnsqd/internal/rr"
	"github.com/stretchr/testify/assert"
)

func TestInsert_UniqueByKeyAndPayload(t *testing.T) {
	c := New()
	now := time.Now()

	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, false)
	c.Insert(a1, now, 1)
	c.Insert(a1, now, 1)

	got := c.Lookup(a1.Key)
	assert.Len(t, got, 1)

	a2 := rr.NewA("printer.local", [4]byte{10, 0, 0, 6}, 120, false)
	c.Insert(a2, now, 1)
	got = c.Lookup(a1.Key)
	assert.Len(t, got, 2)
}

func TestInsert_CacheFlush_SameBurstDoesNotEvict(t *testing.T) {
	c := New()
	now := time.Now()

	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, true)
	a2 := rr.NewA("printer.local", [4]byte{10, 0, 0, 6}, 120, true)
	c.Insert(a1, now, 1)
	c.Insert(a2, now, 1) // same burst: must not evict a1

	got := c.Lookup(a1.Key)
	assert.Len(t, got, 2)
}

func TestInsert_CacheFlush_DifferentBurstSchedulesGraceEviction(t *testing.T) {
	c := New()
	now := time.Now()

	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, true)
	c.Insert(a1, now, 1)

	a2 := rr.NewA("printer.local", [4]byte{10, 0, 0, 6}, 120, true)
	c.Insert(a2, now, 2) // different burst: a1 should get a 1s grace deadline

	// Immediately after, a1 is still present (grace period not yet elapsed).
	got := c.Lookup(a1.Key)
	assert.Len(t, got, 2)

	// After the grace window, a1 should be gone via Tick.
	c.Tick(now.Add(2 * time.Second))
	got = c.Lookup(a1.Key)
	assert.Len(t, got, 1)
	assert.True(t, rr.RecordEqual(got[0], a2))
}

func TestTick_ExpiresByTTL(t *testing.T) {
	c := New()
	now := time.Now()

	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 1, false)
	c.Insert(a1, now, 1)

	c.Tick(now.Add(500 * time.Millisecond))
	assert.Len(t, c.Lookup(a1.Key), 1)

	c.Tick(now.Add(2 * time.Second))
	assert.Empty(t, c.Lookup(a1.Key))
}

func TestRemove_ExactTuple(t *testing.T) {
	c := New()
	now := time.Now()

	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, false)
	a2 := rr.NewA("printer.local", [4]byte{10, 0, 0, 6}, 120, false)
	c.Insert(a1, now, 1)
	c.Insert(a2, now, 1)

	c.Remove(a1)
	got := c.Lookup(a1.Key)
	assert.Len(t, got, 1)
	assert.True(t, rr.RecordEqual(got[0], a2))
}

func TestRemove_Unknown_NoOp(t *testing.T) {
	c := New()
	now := time.Now()
	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, false)
	assert.NotPanics(t, func() { c.Remove(a1) })
	assert.Empty(t, c.Lookup(a1.Key))
	_ = now
}

func TestSubscribe_ReceivesAddAndDel(t *testing.T) {
	c := New()
	now := time.Now()

	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 1, false)

	var events []Event
	h := c.Subscribe(a1.Key, func(ev Event, rec *rr.Record) {
		events = append(events, ev)
	})

	c.Insert(a1, now, 1)
	c.Tick(now.Add(2 * time.Second))

	assert.Equal(t, []Event{EventAdd, EventDel}, events)

	c.Unsubscribe(h)
	c.Insert(a1, now, 2)
	assert.Len(t, events, 2, "no further notifications after Unsubscribe")
}

func TestInsert_RefreshDoesNotDuplicateOrNotify(t *testing.T) {
	c := New()
	now := time.Now()

	a1 := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, false)

	var adds int
	c.Subscribe(a1.Key, func(ev Event, rec *rr.Record) {
		if ev == EventAdd {
			adds++
		}
	})

	c.Insert(a1, now, 1)
	c.Insert(a1, now.Add(10*time.Second), 2) // refresh, same payload

	assert.Equal(t, 1, adds)
	assert.Len(t, c.Lookup(a1.Key), 1)
}
