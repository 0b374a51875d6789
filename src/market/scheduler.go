package market

import (
	"sync"
	"time"

	"github.com/rnts08/base-token-watch/src/metrics"
	"github.com/rnts08/base-token-watch/src/registry"
)

// Policy sets the adaptive check cadence.
type Policy struct {
	NewTokenWindow           time.Duration
	NewTokenInterval         time.Duration
	ActiveInterval           time.Duration
	InactiveInterval         time.Duration
	MaxChecksWithoutMovement int
}

func DefaultPolicy() Policy {
	return Policy{
		NewTokenWindow:           2 * time.Minute,
		NewTokenInterval:         5 * time.Second,
		ActiveInterval:           15 * time.Second,
		InactiveInterval:         30 * time.Second,
		MaxChecksWithoutMovement: 3,
	}
}

// CheckState is the per-token scheduling record.
type CheckState struct {
	LastCheckedAt                    time.Time  `json:"lastCheckedAt"`
	HasActivePair                    bool       `json:"hasActivePair"`
	FirstObservedAt                  time.Time  `json:"firstObservedAt"`
	CheckCount                       int        `json:"checkCount"`
	ConsecutiveChecksWithoutMovement int        `json:"consecutiveChecksWithoutMovement"`
	LastMovementAt                   *time.Time `json:"lastMovementAt"`
}

// Cadence names the rule that decided a check.
type Cadence string

const (
	CadenceUnchecked Cadence = "unchecked"
	CadenceCeiling   Cadence = "ceiling"
	CadenceNew       Cadence = "new"
	CadenceDemoted   Cadence = "demoted"
	CadenceActive    Cadence = "active"
	CadenceInactive  Cadence = "inactive"
)

// Observation is the outcome of one executed check.
type Observation struct {
	HasPair bool
	Moved   bool
}

// Scheduler decides when each token's market data is due. All methods are
// safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	policy   Policy
	states   map[string]*CheckState
	inflight map[string]struct{}
	metrics  *metrics.PipelineMetrics
}

func NewScheduler(policy Policy, m *metrics.PipelineMetrics) *Scheduler {
	return &Scheduler{
		policy:   policy,
		states:   make(map[string]*CheckState),
		inflight: make(map[string]struct{}),
		metrics:  m,
	}
}

// ShouldCheck reports whether a check for address is due at now.
func (s *Scheduler) ShouldCheck(address string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	due, _ := s.decide(registry.Key(address), now)
	return due
}

func (s *Scheduler) decide(key string, now time.Time) (bool, Cadence) {
	st, ok := s.states[key]
	if !ok || st.LastCheckedAt.IsZero() {
		return true, CadenceUnchecked
	}

	p := s.policy
	sinceLast := now.Sub(st.LastCheckedAt)
	if sinceLast >= p.InactiveInterval {
		return true, CadenceCeiling
	}

	if now.Sub(st.FirstObservedAt) < p.NewTokenWindow {
		if st.LastMovementAt == nil && st.ConsecutiveChecksWithoutMovement >= p.MaxChecksWithoutMovement {
			return sinceLast >= p.InactiveInterval, CadenceDemoted
		}
		return sinceLast >= p.NewTokenInterval, CadenceNew
	}

	if st.HasActivePair || st.LastMovementAt != nil {
		return sinceLast >= p.ActiveInterval, CadenceActive
	}
	return sinceLast >= p.InactiveInterval, CadenceInactive
}

// Begin claims address for a check if one is due and none is in flight.
// Every successful Begin must be paired with Complete.
func (s *Scheduler) Begin(address string, now time.Time) bool {
	key := registry.Key(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[key]; busy {
		s.metrics.SchedulerDecisions.WithLabelValues("inflight", "skip").Inc()
		return false
	}
	due, cadence := s.decide(key, now)
	decision := "skip"
	if due {
		decision = "check"
		s.inflight[key] = struct{}{}
	}
	s.metrics.SchedulerDecisions.WithLabelValues(string(cadence), decision).Inc()
	return due
}

// Complete records the outcome of a check started with Begin and releases
// the claim. A failed fetch is recorded as no pair and no movement.
func (s *Scheduler) Complete(address string, now time.Time, obs Observation) {
	key := registry.Key(address)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
	s.record(key, now, obs)
}

// Record applies an executed check without an in-flight claim.
func (s *Scheduler) Record(address string, now time.Time, obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(registry.Key(address), now, obs)
}

func (s *Scheduler) record(key string, now time.Time, obs Observation) {
	st, ok := s.states[key]
	if !ok {
		st = &CheckState{FirstObservedAt: now}
		s.states[key] = st
	}
	st.LastCheckedAt = now
	st.CheckCount++
	st.HasActivePair = obs.HasPair
	if obs.Moved {
		moved := now
		st.LastMovementAt = &moved
		st.ConsecutiveChecksWithoutMovement = 0
	} else {
		st.ConsecutiveChecksWithoutMovement++
	}
}

// MarkNew starts the new-token window for address at now. Any earlier
// scheduling history is discarded.
func (s *Scheduler) MarkNew(address string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[registry.Key(address)] = &CheckState{FirstObservedAt: now}
}

func (s *Scheduler) State(address string) (CheckState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[registry.Key(address)]
	if !ok {
		return CheckState{}, false
	}
	return *st, true
}

// Due filters addresses down to those whose check is due at now.
func (s *Scheduler) Due(addresses []string, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range addresses {
		key := registry.Key(a)
		if _, busy := s.inflight[key]; busy {
			continue
		}
		if due, _ := s.decide(key, now); due {
			out = append(out, key)
		}
	}
	return out
}

func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*CheckState)
	s.inflight = make(map[string]struct{})
}

// Snapshot copies every check record, for persistence.
func (s *Scheduler) Snapshot() map[string]CheckState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CheckState, len(s.states))
	for k, v := range s.states {
		out[k] = *v
	}
	return out
}

func (s *Scheduler) Restore(states map[string]CheckState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*CheckState, len(states))
	for k, v := range states {
		st := v
		s.states[registry.Key(k)] = &st
	}
}
