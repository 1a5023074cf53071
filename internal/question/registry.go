// Package question implements the question registry: the set of
// record-set keys this host currently wants answers for, reference-counted
// so that multiple query aggregates share one outbound question.
package question

import (
	"github.com/quietwire/mdnsqd/internal/cache"
	"github.com/quietwire/mdnsqd/internal/rr"
)

// Handle identifies one aggregate's reference to a registered question. It
// must be released exactly once.
type Handle struct {
	key rr.Key
}

// Key returns the record-set key this handle references.
func (h Handle) Key() rr.Key { return h.key }

type question struct {
	refs int
}

// Registry holds at most one question per key, reference-counted across the
// aggregates that need it. Like cache.Cache, it is single-owner: only the
// reactor goroutine touches it.
type Registry struct {
	c         *cache.Cache
	questions map[rr.Key]*question
}

// New returns an empty registry backed by c, used to answer KnownAnswers.
func New(c *cache.Cache) *Registry {
	return &Registry{c: c, questions: make(map[rr.Key]*question)}
}

// Add registers interest in key, creating the question if this is the first
// reference, and returns a handle the caller must later Release exactly
// once. IsNew reports whether this call created the question (i.e. the
// network collaborator must actually issue it) as opposed to attaching to
// an already-outstanding one.
func (r *Registry) Add(key rr.Key) (h Handle, isNew bool) {
	q, ok := r.questions[key]
	if !ok {
		q = &question{}
		r.questions[key] = q
		isNew = true
	}
	q.refs++
	return Handle{key: key}, isNew
}

// Release decrements the reference count for h's key, removing the
// question entirely once it reaches zero. Releasing a handle for a key with
// no outstanding question is a no-op — it can happen legitimately when an
// aggregate is destroyed after its slot was already answered and never
// registered a question for that key.
func (r *Registry) Release(h Handle) {
	q, ok := r.questions[h.key]
	if !ok {
		return
	}
	q.refs--
	if q.refs <= 0 {
		delete(r.questions, h.key)
	}
}

// Active reports whether key currently has an outstanding question, and its
// reference count (0 if none).
func (r *Registry) Active(key rr.Key) (refs int, ok bool) {
	q, ok := r.questions[key]
	if !ok {
		return 0, false
	}
	return q.refs, true
}

// KnownAnswers delegates to the cache to build the Known-Answer section for
// an outgoing question on key.
func (r *Registry) KnownAnswers(key rr.Key) []*rr.Record {
	return r.c.Lookup(key)
}

// Len reports the number of distinct outstanding questions, for tests and
// diagnostics.
func (r *Registry) Len() int {
	return len(r.questions)
}
