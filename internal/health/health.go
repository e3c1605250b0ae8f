// Package health tracks passive ModelHealth (spec.md §3/§4.4): per-model
// consecutive failure counts and IsHealthy state, updated as a side effect
// of every request attempt rather than active probing.
//
// This is deliberately a separate counter from internal/breaker's circuit
// state (spec.md §9's Open Question: the two are intentionally
// unsynchronized — ModelHealth trips unhealthy at 5 consecutive failures,
// the breaker trips open at its own independently configured threshold).
package health

import (
	"sync"
	"time"
)

type Status struct {
	IsHealthy           bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastError           string
	ResponseTimeMS      int64
}

// Tracker holds per-model health state, grounded on the teacher's
// sync.Map-based thoughtSigCache idiom in internal/server/server.go (a
// concurrent map with a TTL-driven sweep), adapted here to count failures
// instead of expiring cache entries.
type Tracker struct {
	mu               sync.RWMutex
	statuses         map[string]*Status
	failureThreshold int
}

func New(failureThreshold int) *Tracker {
	return &Tracker{statuses: make(map[string]*Status), failureThreshold: failureThreshold}
}

// RecordSuccess marks modelID healthy and resets its failure count.
func (t *Tracker) RecordSuccess(modelID string, responseTimeMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(modelID)
	s.IsHealthy = true
	s.ConsecutiveFailures = 0
	s.LastCheck = time.Now()
	s.LastError = ""
	s.ResponseTimeMS = responseTimeMS
}

// RecordFailure increments the consecutive failure count, marking the
// model unhealthy once failureThreshold is reached.
func (t *Tracker) RecordFailure(modelID string, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(modelID)
	s.ConsecutiveFailures++
	s.LastCheck = time.Now()
	s.LastError = errMsg
	if s.ConsecutiveFailures >= t.failureThreshold {
		s.IsHealthy = false
	}
}

// Status returns a copy of modelID's current health, defaulting to healthy
// with a zero failure count for models never seen.
func (t *Tracker) Status(modelID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.statuses[modelID]; ok {
		return *s
	}
	return Status{IsHealthy: true}
}

// IsHealthy is a convenience accessor used by the router's health-ordering
// strategy.
func (t *Tracker) IsHealthy(modelID string) bool {
	return t.Status(modelID).IsHealthy
}

// getOrCreate returns modelID's status, initializing it healthy. Caller
// must hold t.mu for writing.
func (t *Tracker) getOrCreate(modelID string) *Status {
	if s, ok := t.statuses[modelID]; ok {
		return s
	}
	s := &Status{IsHealthy: true}
	t.statuses[modelID] = s
	return s
}
