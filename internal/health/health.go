// Package health runs named subsystem checks (database, RPC, Redis,
// reconciler) and serves them over HTTP.
//
// Checks run concurrently, each under its own deadline. A failing critical
// check makes the service unready; a failing optional check only marks it
// degraded.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single check unless overridden.
const DefaultCheckTimeout = 2 * time.Second

// Status is the result of one check. Name, Critical and LatencyMs are
// filled in by the Registry.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Report aggregates a full pass.
type Report struct {
	// Ready is false when any critical check failed.
	Ready bool
	// Degraded is true when any check failed.
	Degraded bool
	Statuses []Status
}

// RegisterOption adjusts a single registration.
type RegisterOption func(*entry)

// Optional marks a check whose failure does not affect readiness.
func Optional() RegisterOption {
	return func(e *entry) { e.critical = false }
}

// WithTimeout overrides DefaultCheckTimeout for one check.
func WithTimeout(d time.Duration) RegisterOption {
	return func(e *entry) { e.timeout = d }
}

type entry struct {
	name     string
	check    Checker
	critical bool
	timeout  time.Duration
}

// Registry holds named checkers. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty registry. An empty registry is ready.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check. Checks are critical unless Optional is given.
func (r *Registry) Register(name string, check Checker, opts ...RegisterOption) {
	e := entry{name: name, check: check, critical: true, timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Check runs every registered check concurrently. Statuses keep
// registration order.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e entry) {
			defer wg.Done()
			statuses[i] = run(ctx, e)
		}(i, e)
	}
	wg.Wait()

	report := Report{Ready: true, Statuses: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		report.Degraded = true
		if st.Critical {
			report.Ready = false
		}
	}
	return report
}

func run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- e.check(ctx) }()

	var st Status
	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Healthy: false, Detail: "check timed out"}
	}
	st.Name = e.name
	st.Critical = e.critical
	st.LatencyMs = time.Since(start).Milliseconds()
	return st
}
