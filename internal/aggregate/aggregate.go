// Package aggregate implements the per-client query aggregate and its
// retransmission/answer-collection state machine.
//
// This is a functional core: Slot and Aggregate transitions are pure — they
// compute the next state and the Effects the caller must carry out (arm a
// timer, send a question, emit output to the client) but never start a
// timer or touch a socket themselves. The engine package is the imperative
// shell that owns real time.Timers and the network collaborator, and drives
// these transitions from reactor events.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quietwire/mdnsqd/internal/cache"
	"github.com/quietwire/mdnsqd/internal/rr"
)

// Style is the kind of query an aggregate performs.
type Style int

const (
	Lookup Style = iota
	Browse
	Resolve
)

func (s Style) String() string {
	switch s {
	case Lookup:
		return "LOOKUP"
	case Browse:
		return "BROWSE"
	case Resolve:
		return "RESOLVE"
	default:
		return "UNKNOWN"
	}
}

// SlotState is one record-set key's position in the retransmission FSM.
type SlotState int

const (
	PendingFirst SlotState = iota
	PendingRetry
	Answered
	Dead
)

// RFC 6762 §5.2 continuous-query timing. FIRST_QUERYTIME breaks ties
// between hosts that start a query at the same moment; MaxRetries bounds
// how many times LOOKUP/RESOLVE retransmit before giving up — chosen
// because it yields the {1s, 2s, 4s} backoff sequence the data model's
// testable properties call for while keeping a LOOKUP's worst-case latency
// under ten seconds.
const (
	FirstQueryTimeMin   = 20 * time.Millisecond
	FirstQueryTimeMax   = 120 * time.Millisecond
	MaxRetries          = 3
	MaintenanceInterval = 60 * time.Second
)

// Jitter picks a FIRST_QUERYTIME delay using r, which must return a value
// in [0,1); callers typically pass rand.Float64.
func Jitter(r func() float64) time.Duration {
	span := FirstQueryTimeMax - FirstQueryTimeMin
	return FirstQueryTimeMin + time.Duration(r()*float64(span))
}

// retryDelay returns the arm-timer delay when a slot transitions into
// PENDING_RETRY(k), k>=1: 1s, 2s, 4s, ... capped at 60s.
func retryDelay(k int) time.Duration {
	if k <= 0 {
		k = 1
	}
	if k > 6 { // 2^6 = 64s already exceeds the 60s cap
		return MaintenanceInterval
	}
	d := time.Duration(1<<uint(k-1)) * time.Second
	if d > MaintenanceInterval {
		return MaintenanceInterval
	}
	return d
}

// Slot is one record-set key an aggregate is waiting to have answered.
type Slot struct {
	Key    rr.Key
	State  SlotState
	Retry  int // n in PENDING_RETRY(n); 0 while PENDING_FIRST
	Record *rr.Record
}

// Effect is a side effect a transition requires the engine to perform.
type Effect struct {
	ArmTimer     bool
	Delay        time.Duration
	SendQuestion bool
	QuestionKey  rr.Key
	SlotIndex    int
}

// TimerFired advances slot after its armed timer expires. style affects
// only what happens once MaxRetries is exhausted.
func (s Slot) TimerFired(style Style) (Slot, Effect) {
	switch s.State {
	case PendingFirst:
		next := s
		next.State = PendingRetry
		next.Retry = 1
		return next, Effect{ArmTimer: true, Delay: retryDelay(1), SendQuestion: true, QuestionKey: s.Key}
	case PendingRetry:
		if s.Retry < MaxRetries {
			next := s
			next.Retry = s.Retry + 1
			return next, Effect{ArmTimer: true, Delay: retryDelay(next.Retry), SendQuestion: true, QuestionKey: s.Key}
		}
		if style == Browse {
			// Perpetual maintenance cadence: keep re-querying to discover
			// further instances, at a fixed interval, forever.
			return s, Effect{ArmTimer: true, Delay: MaintenanceInterval, SendQuestion: true, QuestionKey: s.Key}
		}
		next := s
		next.State = Dead
		return next, Effect{}
	default:
		return s, Effect{}
	}
}

// OutputKind identifies the kind of message an aggregate wants delivered to
// its owning client connection.
type OutputKind int

const (
	OutputAdd OutputKind = iota
	OutputDel
	OutputFinal
	OutputFail
)

// ServiceDescription is the composed answer to a RESOLVE.
type ServiceDescription struct {
	Name               string
	Text               []string
	Priority, Weight   uint16
	Port               uint16
	Addr               [4]byte
}

// Output is one message an aggregate wants streamed to its client.
type Output struct {
	Kind        OutputKind
	Record      *rr.Record
	Description *ServiceDescription
	Style       Style // meaningful only when Kind == OutputFail: which aggregate style failed
}

// Aggregate is a client's logical query: a style and an ordered list of
// slots. Owned exclusively by one control connection.
type Aggregate struct {
	Style    Style
	ClientID uint64
	Slots    []Slot
}

// DedupKey identifies (style, key-set) for the per-client dedup contract:
// two requests producing the same DedupKey for the same client must not
// both get an aggregate.
func DedupKey(style Style, keys []rr.Key) string {
	sorted := make([]string, len(keys))
	for i, k := range keys {
		sorted[i] = k.String()
	}
	sort.Strings(sorted)
	return style.String() + "|" + strings.Join(sorted, "|")
}

// Keys returns the aggregate's current slot keys, for computing its
// DedupKey once constructed.
func (a *Aggregate) Keys() []rr.Key {
	keys := make([]rr.Key, len(a.Slots))
	for i, s := range a.Slots {
		keys[i] = s.Key
	}
	return keys
}

// NewLookup probes c for key. If already cached, it returns a nil
// aggregate and the answer to send immediately — per the cache-first
// policy, a LOOKUP cache hit never creates an aggregate at all. Otherwise
// it returns a fresh aggregate with one PENDING_FIRST slot and the
// effect to arm its initial timer.
func NewLookup(c *cache.Cache, clientID uint64, key rr.Key, jitter time.Duration) (*Aggregate, *rr.Record, []Effect) {
	if recs := c.Lookup(key); len(recs) > 0 {
		return nil, recs[0], nil
	}
	agg := &Aggregate{Style: Lookup, ClientID: clientID, Slots: []Slot{{Key: key, State: PendingFirst}}}
	return agg, nil, []Effect{{ArmTimer: true, Delay: jitter, SlotIndex: 0}}
}

// NewBrowse builds a perpetual BROWSE aggregate for ptrKey, returning any
// currently cached PTR records to stream as ADD before the aggregate
// begins watching for further cache changes.
func NewBrowse(c *cache.Cache, clientID uint64, ptrKey rr.Key, jitter time.Duration) (*Aggregate, []*rr.Record, []Effect) {
	cached := c.Lookup(ptrKey)
	agg := &Aggregate{Style: Browse, ClientID: clientID, Slots: []Slot{{Key: ptrKey, State: PendingFirst}}}
	return agg, cached, []Effect{{ArmTimer: true, Delay: jitter, SlotIndex: 0}}
}

// ResolveSlotKeys names the up-to-three record-set keys a RESOLVE probes:
// SRV and TXT for instance, A is added later once SRV.Target is known.
func ResolveSlotKeys(instance string) [2]rr.Key {
	return [2]rr.Key{rr.NewKey(instance, rr.TypeSRV), rr.NewKey(instance, rr.TypeTXT)}
}

// NewResolve builds a RESOLVE aggregate for instance. Slots whose key
// already hits the cache are pre-populated and marked Answered, skipping
// their outbound question; a cache hit for SRV eagerly appends the A slot
// for its target, matching the source's cache-complete fast path instead of
// routing through conditionally-populated pointers (see the design notes on
// this point).
func NewResolve(c *cache.Cache, clientID uint64, instance string, jitter time.Duration) (*Aggregate, []Effect) {
	agg := &Aggregate{Style: Resolve, ClientID: clientID}
	var effects []Effect

	for _, key := range ResolveSlotKeys(instance) {
		slot := Slot{Key: key, State: PendingFirst}
		if recs := c.Lookup(key); len(recs) > 0 {
			slot.State = Answered
			slot.Record = recs[0]
		}
		agg.Slots = append(agg.Slots, slot)
		idx := len(agg.Slots) - 1
		if slot.State != Answered {
			effects = append(effects, Effect{ArmTimer: true, Delay: jitter, SlotIndex: idx})
		}
		if slot.State == Answered && key.Type == rr.TypeSRV {
			if _, _, _, target, ok := rr.AsSRV(slot.Record); ok {
				aKey := rr.NewKey(target, rr.TypeA)
				aSlot := Slot{Key: aKey, State: PendingFirst}
				if arecs := c.Lookup(aKey); len(arecs) > 0 {
					aSlot.State = Answered
					aSlot.Record = arecs[0]
				}
				agg.Slots = append(agg.Slots, aSlot)
				if aSlot.State != Answered {
					effects = append(effects, Effect{ArmTimer: true, Delay: jitter, SlotIndex: len(agg.Slots) - 1})
				}
			}
		}
	}
	return agg, effects
}

// AllAnswered reports whether every slot currently holds an answer.
func (a *Aggregate) AllAnswered() bool {
	for _, s := range a.Slots {
		if s.State != Answered {
			return false
		}
	}
	return true
}

// Compose builds the final ServiceDescription from a fully-answered
// RESOLVE aggregate's slots. Callers must check AllAnswered first.
func (a *Aggregate) Compose(name string) *ServiceDescription {
	desc := &ServiceDescription{Name: name}
	for _, s := range a.Slots {
		if s.Record == nil {
			continue
		}
		switch s.Key.Type {
		case rr.TypeSRV:
			p, w, port, _, ok := rr.AsSRV(s.Record)
			if ok {
				desc.Priority, desc.Weight, desc.Port = p, w, port
			}
		case rr.TypeTXT:
			if txt, ok := rr.AsTXT(s.Record); ok {
				desc.Text = txt
			}
		case rr.TypeA:
			if addr, ok := rr.AsA(s.Record); ok {
				desc.Addr = addr
			}
		}
	}
	return desc
}

// HandleCacheEvent routes a cache ADD/DEL notification into the matching
// slot(s), returning any outputs to stream to the client, any effects the
// engine must carry out (notably: arming a fresh A-slot after SRV
// resolves), and whether the aggregate is now complete and should be
// destroyed.
func (a *Aggregate) HandleCacheEvent(ev cache.Event, rec *rr.Record, name string, jitter time.Duration) (outputs []Output, effects []Effect, destroy bool) {
	for i := range a.Slots {
		slot := &a.Slots[i]
		if !rr.KeyEqual(slot.Key, rec.Key) {
			continue
		}

		switch a.Style {
		case Browse:
			if ev == cache.EventAdd {
				outputs = append(outputs, Output{Kind: OutputAdd, Record: rec})
			} else {
				outputs = append(outputs, Output{Kind: OutputDel, Record: rec})
			}
			// BROWSE never marks its slot Answered: the FSM keeps
			// re-querying forever to discover further instances.

		case Lookup:
			if ev == cache.EventAdd && slot.State != Answered {
				slot.State = Answered
				slot.Record = rec
				outputs = append(outputs, Output{Kind: OutputFinal, Record: rec})
				destroy = true
			}

		case Resolve:
			if ev == cache.EventAdd && slot.State != Answered {
				slot.State = Answered
				slot.Record = rec
				if slot.Key.Type == rr.TypeSRV {
					if _, _, _, target, ok := rr.AsSRV(rec); ok {
						aKey := rr.NewKey(target, rr.TypeA)
						if !a.hasSlot(aKey) {
							a.Slots = append(a.Slots, Slot{Key: aKey, State: PendingFirst})
							effects = append(effects, Effect{ArmTimer: true, Delay: jitter, SlotIndex: len(a.Slots) - 1})
						}
					}
				}
				if a.AllAnswered() {
					outputs = append(outputs, Output{Kind: OutputFinal, Description: a.Compose(name)})
					destroy = true
				}
			}
		}
	}
	return
}

func (a *Aggregate) hasSlot(key rr.Key) bool {
	for _, s := range a.Slots {
		if rr.KeyEqual(s.Key, key) {
			return true
		}
	}
	return false
}

// Fail reports retry exhaustion for LOOKUP/RESOLVE, for the engine to
// surface to the client once a slot's TimerFired transition reaches DEAD.
// key identifies which record set gave up — for a RESOLVE aggregate this is
// one of its SRV/TXT slot keys, whose Name is the instance name itself, so
// a client can correlate on Key.Name alone regardless of style.
func Fail(style Style, key rr.Key) Output {
	return Output{Kind: OutputFail, Style: style, Record: &rr.Record{Key: key}}
}

func (s SlotState) String() string {
	switch s {
	case PendingFirst:
		return "PENDING_FIRST"
	case PendingRetry:
		return "PENDING_RETRY"
	case Answered:
		return "ANSWERED"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("SLOTSTATE(%d)", int(s))
	}
}
