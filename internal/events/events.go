// Package events publishes milestone status transitions.
//
// Publishing happens after the transition is confirmed on chain and
// persisted, so a publish failure is logged and never fails the operation.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Exchange is the topic exchange transitions are published to.
const Exchange = "workescrow.milestones"

// Transition is the payload of a milestone status change.
type Transition struct {
	MilestoneID string    `json:"milestoneId"`
	JobID       string    `json:"jobId,omitempty"`
	Escrow      string    `json:"escrow,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Operation   string    `json:"operation"`
	TxHash      string    `json:"txHash,omitempty"`
	ActorID     string    `json:"actorId,omitempty"`
	Reconciled  bool      `json:"reconciled,omitempty"`
	At          time.Time `json:"at"`
}

// RoutingKey is "milestone.<to>", so consumers can bind per target status.
func (t Transition) RoutingKey() string {
	return "milestone." + t.To
}

// Publisher emits transitions.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
	Close() error
}

// NopPublisher discards everything. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Transition) error { return nil }
func (NopPublisher) Close() error                              { return nil }

// Recorder keeps published transitions in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Transition
}

func (r *Recorder) Publish(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.events))
	copy(out, r.events)
	return out
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*Recorder)(nil)
)

// Fanout publishes every transition to each of its publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, t Transition) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
