// Package authority implements the record publisher: the component that
// owns the records this host serves and runs the RFC 6762 §8 probe/announce
// sequence before inserting them into the shared cache, so that queries
// answered by the engine for a locally-published name only ever return
// once the name has survived probing uncontested.
//
// This is the one component with a legitimate claim to running outside the
// reactor goroutine — probing and announcing are unsolicited, timer-paced
// activity with no client waiting synchronously — but it never touches the
// cache directly: every insertion goes through engine.Submit, same as the
// control dispatcher, so the single-writer rule holds.
package authority

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/quietwire/mdnsqd/internal/engine"
	"github.com/quietwire/mdnsqd/internal/rr"
)

// Probe/announce timing per RFC 6762 §8.1, §8.3.
const (
	ProbeCount       = 3
	ProbeInterval    = 250 * time.Millisecond
	AnnounceCount    = 2
	AnnounceInterval = 1 * time.Second
	DefaultRecordTTL = 120
	DefaultHostTTL   = 4500
)

// Collaborator is authority's contract with the network side: send one
// probe (a query for the name, type ANY) or one unsolicited announcement
// (the records themselves, as answers).
type Collaborator interface {
	SendProbe(name string)
	SendAnnouncement(recs []*rr.Record)
}

// ConflictChecker reports whether a probe response indicates another host
// already holds the name. A Publisher has none unless WithConflictChecker
// sets one; without one, no probe ever reports a conflict.
type ConflictChecker func(name string) bool

// Service is one set of records this host wants to publish under a single
// name (e.g. the PTR+SRV+TXT+A bundle for one advertised instance).
type Service struct {
	Name    string
	Records []*rr.Record
}

// Publisher runs the probe/announce lifecycle for a set of services and
// inserts each into the shared cache (via the engine) once established.
type Publisher struct {
	eng           *engine.Engine
	collab        Collaborator
	conflict      ConflictChecker
	log           *slog.Logger
	burstSeq      int64
	sleep         func(time.Duration)
	probeCount    int
	announceCount int
}

// New returns a Publisher driving announcements through collab and record
// insertion through eng, configured by opts. Unset options default to the
// package's RFC 6762 §8 timing constants and slog.Default.
func New(eng *engine.Engine, collab Collaborator, opts ...Option) *Publisher {
	p := &Publisher{
		eng:           eng,
		collab:        collab,
		log:           slog.Default(),
		sleep:         time.Sleep,
		probeCount:    ProbeCount,
		announceCount: AnnounceCount,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish runs probing then announcing for svc, renaming on conflict up to
// maxRenames times (RFC 6762 §9: append "-2", "-3", ...), then inserts its
// records into the cache. Returns the name actually established (which may
// differ from svc.Name after a rename) or an error if every rename attempt
// also conflicted.
func (p *Publisher) Publish(ctx context.Context, svc Service, maxRenames int) (string, error) {
	name := svc.Name
	for attempt := 0; attempt <= maxRenames; attempt++ {
		if attempt > 0 {
			name = renamed(svc.Name, attempt+1)
		}
		p.log.Debug("probing", "name", name, "phase", "probe")
		ok, err := p.probe(ctx, name)
		if err != nil {
			return "", err
		}
		if ok {
			p.log.Debug("announcing", "name", name, "phase", "announce")
			p.announce(ctx, svc.Records)
			p.insert(svc.Records)
			p.log.Debug("established", "name", name, "phase", "established")
			return name, nil
		}
		p.log.Debug("probe conflict, renaming", "name", name, "phase", "conflict")
	}
	return "", errConflict{name: svc.Name}
}

func (p *Publisher) probe(ctx context.Context, name string) (bool, error) {
	for i := 0; i < p.probeCount; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		p.collab.SendProbe(name)
		p.sleep(ProbeInterval)
		if p.conflict != nil && p.conflict(name) {
			return false, nil
		}
	}
	return true, nil
}

func (p *Publisher) announce(ctx context.Context, recs []*rr.Record) {
	for i := 0; i < p.announceCount; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.collab.SendAnnouncement(recs)
		if i < p.announceCount-1 {
			p.sleep(AnnounceInterval)
		}
	}
}

func (p *Publisher) insert(recs []*rr.Record) {
	p.burstSeq++
	burst := p.burstSeq
	engine.Submit(context.Background(), p.eng, func(e *engine.Engine) bool {
		now := time.Now()
		for _, rec := range recs {
			e.InsertPublished(rec, now, burst)
		}
		return true
	})
}

// Withdraw publishes a goodbye (TTL 0) for every record in recs, removing
// them from the cache so other hosts learn the service is gone.
func (p *Publisher) Withdraw(recs []*rr.Record) {
	goodbyes := make([]*rr.Record, len(recs))
	for i, rec := range recs {
		g := *rec
		g.TTL = 0
		goodbyes[i] = &g
	}
	p.collab.SendAnnouncement(goodbyes)
	engine.Submit(context.Background(), p.eng, func(e *engine.Engine) bool {
		for _, rec := range recs {
			e.RemovePublished(rec)
		}
		return true
	})
}

func renamed(name string, n int) string {
	return name + "-" + strconv.Itoa(n)
}

type errConflict struct{ name string }

func (e errConflict) Error() string {
	return "name conflict: exhausted rename attempts for " + e.name
}
