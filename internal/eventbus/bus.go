// Package eventbus fans EventEnvelopes out to SSE/WebSocket subscribers
// filtered by session and/or flow. Grounded on the teacher's SSE hub
// (internal/sse/hub.go): a registry of per-client channels with
// non-blocking, best-effort delivery, generalized from user-ID filtering to
// the dual sessionId/flowId filter the control plane needs.
package eventbus

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/rjsadow/httpflow/internal/clock"
)

// Sink receives envelopes for a single subscriber. Implementations must not
// block for long; a Sink that panics is treated as failed and unsubscribed.
type Sink func(Envelope)

// Filter narrows delivery to envelopes matching both of its non-empty
// fields. An empty field is a wildcard.
type Filter struct {
	SessionID string
	FlowID    string
}

func (f Filter) matches(e Envelope) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.FlowID != "" && f.FlowID != e.FlowID {
		return false
	}
	return true
}

type subscriber struct {
	id     string
	filter Filter
	sink   Sink
}

// runCounter tracks the run-scoped seq counter used when the caller has no
// flow-scoped counter of its own (Flow.emitEvent stamps its own seq and
// never calls into this path).
type runCounter struct {
	seq        int64
	lastUsedAt time.Time
}

// Bus is the process-wide subscriber registry.
type Bus struct {
	clock clock.Clock

	mu          sync.Mutex
	subscribers map[string]*subscriber
	runSeqs     map[string]*runCounter
	emitCount   int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		clock:       clock.System,
		subscribers: make(map[string]*subscriber),
		runSeqs:     make(map[string]*runCounter),
	}
}

// Subscribe registers sink for envelopes matching filter and returns a
// subscriber id usable with Unsubscribe.
func (b *Bus) Subscribe(filter Filter, sink Sink) string {
	id := clock.NewID("sub")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = &subscriber{id: id, filter: filter, sink: sink}
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Emit stamps envelope with a run-scoped seq if it doesn't already carry a
// flow-scoped one (seq == 0 signals "assign one for me"), then fans it out
// to every matching subscriber. Delivery is best-effort: a sink that panics
// is unsubscribed and the panic does not propagate to the producer.
func (b *Bus) Emit(env Envelope) {
	if env.Seq == 0 {
		env.Seq = b.nextRunSeq(env.RunID)
	}
	if env.Ts.IsZero() {
		env.Ts = b.clock.Now()
	}

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter.matches(env) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	var dead []string
	for _, sub := range targets {
		if !b.deliver(sub, env) {
			dead = append(dead, sub.id)
		}
	}
	for _, id := range dead {
		b.Unsubscribe(id)
	}

	b.maybeGCRunSeqs()
}

func (b *Bus) deliver(sub *subscriber, env Envelope) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("eventbus: sink panicked, unsubscribing", "subscriber", sub.id, "recover", r)
			ok = false
		}
	}()
	sub.sink(env)
	return true
}

func (b *Bus) nextRunSeq(runID string) int64 {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.runSeqs[runID]
	if !ok {
		c = &runCounter{}
		b.runSeqs[runID] = c
	}
	c.seq++
	c.lastUsedAt = now
	return c.seq
}

// maybeGCRunSeqs implements the spec's probabilistic sweep: once the run-seq
// map exceeds 100 entries, each emit has a 1% chance of pruning entries idle
// longer than 5 minutes. Must be called without holding b.mu.
func (b *Bus) maybeGCRunSeqs() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emitCount++
	if len(b.runSeqs) <= 100 {
		return
	}
	if rand.Float64() >= 0.01 {
		return
	}

	cutoff := b.clock.Now().Add(-5 * time.Minute)
	for runID, c := range b.runSeqs {
		if c.lastUsedAt.Before(cutoff) {
			delete(b.runSeqs, runID)
		}
	}
}

// CloseAll removes every subscriber, used on server shutdown.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]*subscriber)
}

// SubscriberCount reports the number of live subscribers, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
