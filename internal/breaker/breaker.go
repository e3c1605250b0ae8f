// Package breaker implements the per-model circuit breaker FSM from
// spec.md §4.4: Closed -> Open after a run of consecutive failures ->
// HalfOpen after a reset timeout -> Closed on a successful probe or back to
// Open on a failed one.
//
// It is a deliberately separate failure counter from internal/health's
// ModelHealth tracking (spec.md §9's Open Question: the two mechanisms are
// intentionally unsynchronized — a model can be breaker-open while still
// "healthy" by the health tracker's own threshold, and vice versa).
package breaker

import (
	"hash/fnv"
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type entry struct {
	state            State
	consecutiveFails int
	openedAt         time.Time
}

// Breaker tracks circuit state per model ID across a fixed number of
// sharded maps (reducing lock contention under concurrent routing), each
// with its own FIFO eviction queue capped at maxTracked/shards entries —
// spec.md §5's bound of 10,000 tracked models total.
type Breaker struct {
	shards           []*shard
	failureThreshold int
	resetTimeout     time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // FIFO insertion order, for eviction
	maxSize int
}

const shardCount = 16

// New builds a Breaker. failureThreshold is the number of consecutive
// failures that trips Closed -> Open; resetTimeout is how long Open is held
// before a single HalfOpen probe is allowed; maxTracked bounds the total
// number of distinct model IDs tracked across all shards combined.
func New(failureThreshold int, resetTimeout time.Duration, maxTracked int) *Breaker {
	perShard := maxTracked / shardCount
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry), maxSize: perShard}
	}

	return &Breaker{shards: shards, failureThreshold: failureThreshold, resetTimeout: resetTimeout}
}

func (b *Breaker) shardFor(modelID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(modelID))
	return b.shards[h.Sum32()%shardCount]
}

// Allow reports whether a request to modelID may proceed: true for Closed
// or an allowed HalfOpen probe, false for Open (not yet past resetTimeout)
// or HalfOpen with a probe already in flight.
func (b *Breaker) Allow(modelID string) bool {
	s := b.shardFor(modelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[modelID]
	if !ok {
		return true
	}

	switch e.state {
	case Closed:
		return true
	case Open:
		if time.Since(e.openedAt) >= b.resetTimeout {
			e.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		// A probe is already in flight; deny concurrent probes until it
		// resolves via RecordSuccess/RecordFailure.
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit (from Closed, HalfOpen, or even Open —
// a late success still indicates the model recovered).
func (b *Breaker) RecordSuccess(modelID string) {
	s := b.shardFor(modelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreate(modelID)
	e.state = Closed
	e.consecutiveFails = 0
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker open once failureThreshold is reached; a failed HalfOpen probe
// reopens immediately regardless of the threshold.
func (b *Breaker) RecordFailure(modelID string) {
	s := b.shardFor(modelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreate(modelID)

	if e.state == HalfOpen {
		e.state = Open
		e.openedAt = time.Now()
		e.consecutiveFails = b.failureThreshold
		return
	}

	e.consecutiveFails++
	if e.consecutiveFails >= b.failureThreshold {
		e.state = Open
		e.openedAt = time.Now()
	}
}

// State returns the current FSM state for modelID, defaulting to Closed
// for untracked models.
func (b *Breaker) State(modelID string) State {
	s := b.shardFor(modelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[modelID]
	if !ok {
		return Closed
	}
	return e.state
}

// getOrCreate returns modelID's entry, creating one and evicting the
// oldest tracked entry (FIFO) if the shard is at capacity. Caller must
// hold s.mu.
func (s *shard) getOrCreate(modelID string) *entry {
	if e, ok := s.entries[modelID]; ok {
		return e
	}

	if len(s.order) >= s.maxSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}

	e := &entry{state: Closed}
	s.entries[modelID] = e
	s.order = append(s.order, modelID)

	return e
}
