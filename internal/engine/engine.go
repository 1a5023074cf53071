// Package engine implements the single-threaded cooperative reactor that
// owns the cache, the question registry, the set of client connections and
// their query aggregates, and the retransmission timers that drive them.
//
// All mutable state here is touched only from the goroutine running Run.
// Other goroutines — the control listener, the network collaborator's
// receive loop — only ever communicate with the engine by sending on a
// channel; every public method that looks synchronous from the outside
// (Submit, Deliver, ...) is really "enqueue and wait for my turn on the
// reactor goroutine." This mirrors the querier's goroutine-plus-channel
// receiver loop, generalized to an owning loop instead of one built around
// a single blocking Query call.
package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/quietwire/mdnsqd/internal/aggregate"
	"github.com/quietwire/mdnsqd/internal/cache"
	"github.com/quietwire/mdnsqd/internal/question"
	"github.com/quietwire/mdnsqd/internal/rr"
)

// Collaborator is the network side's contract with the engine: issue one
// outbound mDNS question, embedding knownAnswers in its Known-Answer
// section. The engine never builds or parses packets itself.
type Collaborator interface {
	SendQuestion(key rr.Key, knownAnswers []*rr.Record)
}

// OutputFunc delivers one aggregate's output to its owning connection.
// Called from the reactor goroutine; implementations must not block.
type OutputFunc func(clientID, aggID uint64, out aggregate.Output)

type slotRef struct {
	clientID uint64
	aggID    uint64
	slot     int
}

type aggState struct {
	agg       *aggregate.Aggregate
	name      string // RESOLVE instance name, for Compose
	handles   []question.Handle
	hasHandle []bool
	subs      []cache.Handle
	dedupKey  string
}

type client struct {
	id        uint64
	aggs      map[uint64]*aggState
	nextAggID uint64
	dedup     map[string]uint64 // dedupKey -> aggID
	output    OutputFunc
}

// Engine is the reactor. Construct with New and drive it with Run.
type Engine struct {
	cache    *cache.Cache
	registry *question.Registry
	collab   Collaborator
	rng      func() float64

	clients      map[uint64]*client
	nextClientID uint64

	// owners holds, per record-set key with an outstanding question, the
	// one slot whose timer actually drives retransmission; waiters holds
	// every other slot wanting the same key. This is how cross-client
	// dedup (one outbound question regardless of how many aggregates
	// want the answer) is enforced without forcing every slot's FSM to
	// march in lockstep.
	owners  map[rr.Key]slotRef
	waiters map[rr.Key][]slotRef

	timers map[slotRef]*time.Timer

	jobs     chan func(*Engine)
	network  chan networkEvent
	timerCh  chan slotRef
	tick     *time.Ticker
	burstSeq int64
	burstNow time.Time
}

type networkEvent struct {
	rec     *rr.Record
	goodbye bool
	now     time.Time
}

// New returns an Engine backed by c and reg, driving outbound questions
// through collab.
func New(c *cache.Cache, reg *question.Registry, collab Collaborator) *Engine {
	return &Engine{
		cache:    c,
		registry: reg,
		collab:   collab,
		rng:      rand.Float64,
		clients:  make(map[uint64]*client),
		owners:   make(map[rr.Key]slotRef),
		waiters:  make(map[rr.Key][]slotRef),
		timers:   make(map[slotRef]*time.Timer),
		jobs:     make(chan func(*Engine), 64),
		network:  make(chan networkEvent, 256),
		timerCh:  make(chan slotRef, 64),
		tick:     time.NewTicker(time.Second),
	}
}

// Run drives the reactor until ctx is canceled. Each loop iteration handles
// one control job, one network arrival, or one timer fire or cache tick (the
// latter two preceded by every network arrival already queued, see below),
// per the single-threaded cooperative scheduling model; no operation here
// performs blocking I/O.
//
// A record delivered on e.network and a timer firing on e.timerCh in the
// same wakeup are not equally eligible: before acting on a timer fire, Run
// drains e.network with a non-blocking select so any cache notification
// already queued is applied first. This keeps a racing TimerFired from
// observing stale cache state that a concurrently-arriving answer would
// otherwise have already resolved.
func (e *Engine) Run(ctx context.Context) {
	defer e.tick.Stop()
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case job := <-e.jobs:
			job(e)
		case ev := <-e.network:
			e.handleNetworkEvent(ev)
		case ref := <-e.timerCh:
			e.drainNetwork()
			e.handleTimerFire(ref)
		case now := <-e.tick.C:
			e.drainNetwork()
			e.cache.Tick(now)
		}
	}
}

// drainNetwork applies every cache notification already queued on
// e.network without blocking, so a timer or tick handled in the same Run
// iteration never races ahead of an answer that already arrived.
func (e *Engine) drainNetwork() {
	for {
		select {
		case ev := <-e.network:
			e.handleNetworkEvent(ev)
		default:
			return
		}
	}
}

func (e *Engine) shutdown() {
	for _, t := range e.timers {
		t.Stop()
	}
}

// Submit enqueues fn to run on the reactor goroutine and blocks until it
// has run, returning whatever fn computed. Used by the control dispatcher
// to perform request handling (which touches the cache, the registry, and
// per-client aggregate state) without a second goroutine ever touching that
// state directly.
func Submit[T any](ctx context.Context, e *Engine, fn func(*Engine) T) (T, bool) {
	result := make(chan T, 1)
	job := func(eng *Engine) { result <- fn(eng) }
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		var zero T
		return zero, false
	}
	select {
	case v := <-result:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// Deliver hands an inbound record (TTL > 0) to the reactor for cache
// insertion. Safe to call from any goroutine — this is how the network
// collaborator's receive loop feeds the engine.
func (e *Engine) Deliver(rec *rr.Record, now time.Time) {
	e.network <- networkEvent{rec: rec, now: now}
}

// DeliverGoodbye hands an inbound goodbye (TTL == 0) to the reactor for
// cache removal.
func (e *Engine) DeliverGoodbye(rec *rr.Record, now time.Time) {
	e.network <- networkEvent{rec: rec, goodbye: true, now: now}
}

// InsertPublished inserts a locally-published record into the shared
// cache. Callers (the authority publisher) must only invoke this from
// inside a job submitted via Submit, since it touches the cache directly
// and is not itself safe for concurrent use.
func (e *Engine) InsertPublished(rec *rr.Record, now time.Time, burst int64) {
	e.cache.Insert(rec, now, burst)
}

// RemovePublished removes a locally-published record from the cache
// (withdrawal). Same threading contract as InsertPublished.
func (e *Engine) RemovePublished(rec *rr.Record) {
	e.cache.Remove(rec)
}

func (e *Engine) handleNetworkEvent(ev networkEvent) {
	if ev.goodbye {
		e.cache.Remove(ev.rec)
		return
	}
	// Records decoded from one inbound packet carry the same now, so they
	// share one burst and a cache-flush record does not demote its siblings.
	if !ev.now.Equal(e.burstNow) {
		e.burstSeq++
		e.burstNow = ev.now
	}
	e.cache.Insert(ev.rec, ev.now, e.burstSeq)
}

// NewClient registers a new control connection and returns its id.
func (e *Engine) NewClient(output OutputFunc) uint64 {
	e.nextClientID++
	id := e.nextClientID
	e.clients[id] = &client{id: id, aggs: make(map[uint64]*aggState), dedup: make(map[string]uint64), output: output}
	return id
}

// DisconnectClient destroys every aggregate owned by clientID and forgets
// the client. A no-op if the client is unknown.
func (e *Engine) DisconnectClient(clientID uint64) {
	cl, ok := e.clients[clientID]
	if !ok {
		return
	}
	for aggID := range cl.aggs {
		e.destroyAggregate(clientID, aggID)
	}
	delete(e.clients, clientID)
}

func (e *Engine) jitter() time.Duration {
	return aggregate.Jitter(e.rng)
}

// Lookup performs a LOOKUP(key) for clientID. If the cache already has an
// answer it is returned directly (answer non-nil, created=false) with no
// aggregate created. Otherwise a new aggregate is created (created=true)
// and its eventual answer arrives via the client's OutputFunc. dup
// reports this request collapsed into an existing in-flight LOOKUP for the
// same key, per the per-client dedup contract.
func (e *Engine) Lookup(clientID uint64, key rr.Key) (answer *rr.Record, created, dup bool) {
	cl, ok := e.clients[clientID]
	if !ok {
		return nil, false, false
	}
	dedupKey := aggregate.DedupKey(aggregate.Lookup, []rr.Key{key})
	if _, exists := cl.dedup[dedupKey]; exists {
		return nil, false, true
	}

	agg, rec, effects := aggregate.NewLookup(e.cache, clientID, key, e.jitter())
	if agg == nil {
		return rec, false, false
	}
	e.installAggregate(cl, agg, dedupKey, "", effects)
	return nil, true, false
}

// Browse performs BROWSE_ADD(ptrKey) for clientID, returning any currently
// cached PTR records to stream as ADD immediately.
func (e *Engine) Browse(clientID uint64, ptrKey rr.Key) (cached []*rr.Record, dup bool) {
	cl, ok := e.clients[clientID]
	if !ok {
		return nil, false
	}
	dedupKey := aggregate.DedupKey(aggregate.Browse, []rr.Key{ptrKey})
	if _, exists := cl.dedup[dedupKey]; exists {
		return nil, true
	}
	agg, cachedRecs, effects := aggregate.NewBrowse(e.cache, clientID, ptrKey, e.jitter())
	e.installAggregate(cl, agg, dedupKey, "", effects)
	return cachedRecs, false
}

// BrowseDel looks up the active BROWSE aggregate for ptrKey belonging to
// clientID and destroys it; unknown keys are silently ignored, per the
// control dispatcher's documented BROWSE_DEL contract.
func (e *Engine) BrowseDel(clientID uint64, ptrKey rr.Key) {
	cl, ok := e.clients[clientID]
	if !ok {
		return
	}
	dedupKey := aggregate.DedupKey(aggregate.Browse, []rr.Key{ptrKey})
	aggID, ok := cl.dedup[dedupKey]
	if !ok {
		return
	}
	e.destroyAggregate(clientID, aggID)
}

// Resolve performs RESOLVE(instance) for clientID.
func (e *Engine) Resolve(clientID uint64, instance string) (dup bool) {
	cl, ok := e.clients[clientID]
	if !ok {
		return false
	}
	keys := aggregate.ResolveSlotKeys(instance)
	dedupKey := aggregate.DedupKey(aggregate.Resolve, keys[:])
	if _, exists := cl.dedup[dedupKey]; exists {
		return true
	}
	agg, effects := aggregate.NewResolve(e.cache, clientID, instance, e.jitter())
	e.installAggregate(cl, agg, dedupKey, instance, effects)

	if agg.AllAnswered() {
		desc := agg.Compose(instance)
		aggID := e.findAggID(cl, agg)
		cl.output(clientID, aggID, aggregate.Output{Kind: aggregate.OutputFinal, Description: desc})
		e.destroyAggregate(clientID, aggID)
	}
	return false
}

func (e *Engine) findAggID(cl *client, agg *aggregate.Aggregate) uint64 {
	for id, st := range cl.aggs {
		if st.agg == agg {
			return id
		}
	}
	return 0
}

func (e *Engine) installAggregate(cl *client, agg *aggregate.Aggregate, dedupKey, name string, effects []aggregate.Effect) uint64 {
	cl.nextAggID++
	aggID := cl.nextAggID
	st := &aggState{agg: agg, name: name, dedupKey: dedupKey}
	st.handles = make([]question.Handle, len(agg.Slots))
	st.hasHandle = make([]bool, len(agg.Slots))
	st.subs = make([]cache.Handle, len(agg.Slots))
	cl.aggs[aggID] = st
	cl.dedup[dedupKey] = aggID

	for i, slot := range agg.Slots {
		e.subscribeSlot(cl.id, aggID, i, slot.Key)
	}
	for _, eff := range effects {
		e.applyEffect(cl.id, aggID, eff)
	}
	return aggID
}

func (e *Engine) subscribeSlot(clientID, aggID uint64, slot int, key rr.Key) {
	cl := e.clients[clientID]
	st := cl.aggs[aggID]
	st.subs[slot] = e.cache.Subscribe(key, func(ev cache.Event, rec *rr.Record) {
		e.onCacheEvent(clientID, aggID, ev, rec)
	})
}

func (e *Engine) onCacheEvent(clientID, aggID uint64, ev cache.Event, rec *rr.Record) {
	cl, ok := e.clients[clientID]
	if !ok {
		return
	}
	st, ok := cl.aggs[aggID]
	if !ok {
		return
	}
	outputs, effects, destroy := st.agg.HandleCacheEvent(ev, rec, st.name, e.jitter())
	for _, out := range outputs {
		cl.output(clientID, aggID, out)
	}
	// Slots appended by the transition (a RESOLVE's A slot) need their own
	// subscription and registry bookkeeping entries.
	for len(st.subs) < len(st.agg.Slots) {
		st.subs = append(st.subs, cache.Handle{})
		st.handles = append(st.handles, question.Handle{})
		st.hasHandle = append(st.hasHandle, false)
	}
	for _, eff := range effects {
		e.subscribeSlot(clientID, aggID, eff.SlotIndex, st.agg.Slots[eff.SlotIndex].Key)
		e.applyEffect(clientID, aggID, eff)
	}
	if destroy {
		e.destroyAggregate(clientID, aggID)
	}
}

// applyEffect arms a slot's very first timer (construction, or a fresh
// A-slot appended after SRV resolves). Sends triggered by later
// retransmissions are handled in handleTimerFire, not here — construction
// effects only ever arm, they never carry SendQuestion.
func (e *Engine) applyEffect(clientID, aggID uint64, eff aggregate.Effect) {
	if !eff.ArmTimer {
		return
	}
	ref := slotRef{clientID: clientID, aggID: aggID, slot: eff.SlotIndex}
	cl := e.clients[clientID]
	st := cl.aggs[aggID]
	key := st.agg.Slots[eff.SlotIndex].Key

	if e.registerOwnership(ref, key) {
		e.armTimer(ref, eff.Delay)
	}
}

// registerOwnership arranges for exactly one slot per key to actually drive
// the network: the first caller becomes the owner and is armed normally;
// every later one queues as a waiter with no timer of its own, relying on
// the owner's retransmissions and the shared cache subscription to get its
// answer. Returns whether ref is the owner.
func (e *Engine) registerOwnership(ref slotRef, key rr.Key) bool {
	cl := e.clients[ref.clientID]
	st := cl.aggs[ref.aggID]
	if !st.hasHandle[ref.slot] {
		h, isNew := e.registry.Add(key)
		st.handles[ref.slot] = h
		st.hasHandle[ref.slot] = true
		if isNew {
			e.owners[key] = ref
			return true
		}
	}
	if owner, ok := e.owners[key]; ok && owner == ref {
		return true
	}
	e.waiters[key] = append(e.waiters[key], ref)
	return false
}

func (e *Engine) armTimer(ref slotRef, delay time.Duration) {
	if old, ok := e.timers[ref]; ok {
		old.Stop()
	}
	e.timers[ref] = time.AfterFunc(delay, func() {
		e.timerCh <- ref
	})
}

func (e *Engine) handleTimerFire(ref slotRef) {
	cl, ok := e.clients[ref.clientID]
	if !ok {
		return
	}
	st, ok := cl.aggs[ref.aggID]
	if !ok {
		return
	}
	if ref.slot >= len(st.agg.Slots) {
		return
	}
	delete(e.timers, ref)

	slot := st.agg.Slots[ref.slot]
	if slot.State == aggregate.Answered || slot.State == aggregate.Dead {
		return
	}

	next, eff := slot.TimerFired(st.agg.Style)
	st.agg.Slots[ref.slot] = next

	key := slot.Key
	owned := e.owners[key] == ref

	if eff.SendQuestion && owned {
		e.collab.SendQuestion(key, e.registry.KnownAnswers(key))
	}
	if eff.ArmTimer && owned {
		e.armTimer(ref, eff.Delay)
	}
	if next.State == aggregate.Dead {
		failKey := key
		if st.agg.Style == aggregate.Resolve {
			// Slot 0 is the SRV slot, named after the instance, even when
			// the A slot is the one that gave up.
			failKey = st.agg.Slots[0].Key
		}
		cl.output(ref.clientID, ref.aggID, aggregate.Fail(st.agg.Style, failKey))
		if owned {
			e.releaseOwnership(ref, key)
		}
		e.destroyAggregate(ref.clientID, ref.aggID)
	}
}

// releaseOwnership hands retransmission duty for key to the next waiter, if
// any, re-arming its timer fresh so the question keeps circulating.
func (e *Engine) releaseOwnership(ref slotRef, key rr.Key) {
	delete(e.owners, key)
	waiters := e.waiters[key]
	if len(waiters) == 0 {
		return
	}
	next := waiters[0]
	e.waiters[key] = waiters[1:]
	if len(e.waiters[key]) == 0 {
		delete(e.waiters, key)
	}
	e.owners[key] = next
	e.armTimer(next, e.jitter())
}

func (e *Engine) destroyAggregate(clientID, aggID uint64) {
	cl, ok := e.clients[clientID]
	if !ok {
		return
	}
	st, ok := cl.aggs[aggID]
	if !ok {
		return
	}

	for i, slot := range st.agg.Slots {
		ref := slotRef{clientID: clientID, aggID: aggID, slot: i}
		if t, ok := e.timers[ref]; ok {
			t.Stop()
			delete(e.timers, ref)
		}
		e.cache.Unsubscribe(st.subs[i])
		if st.hasHandle[i] {
			e.registry.Release(st.handles[i])
			if e.owners[slot.Key] == ref {
				e.releaseOwnership(ref, slot.Key)
			} else {
				e.removeWaiter(slot.Key, ref)
			}
		}
	}
	delete(cl.aggs, aggID)
	delete(cl.dedup, st.dedupKey)
}

func (e *Engine) removeWaiter(key rr.Key, ref slotRef) {
	waiters := e.waiters[key]
	for i, w := range waiters {
		if w == ref {
			e.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			if len(e.waiters[key]) == 0 {
				delete(e.waiters, key)
			}
			return
		}
	}
}
