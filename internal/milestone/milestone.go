// Package milestone stores milestones and the jobs they belong to.
//
// The store holds no business rules. It enforces storage invariants only:
// order index unique per job, escrow bound at most once, and status writes
// as compare-and-set against the persisted value. Which transitions are legal
// is described by CanTransition and enforced by the escrow orchestrator.
package milestone

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMilestoneNotFound  = errors.New("milestone: not found")
	ErrJobNotFound        = errors.New("milestone: job not found")
	ErrDuplicateOrder     = errors.New("milestone: order index already used in job")
	ErrEscrowAlreadyBound = errors.New("milestone: escrow already bound")
	ErrEscrowInUse        = errors.New("milestone: escrow bound to another milestone")
	ErrStatusConflict     = errors.New("milestone: status changed concurrently")
	ErrImmutable          = errors.New("milestone: cannot modify after funding or binding")
	ErrInvalidDueAt       = errors.New("milestone: due date out of range")
)

// Status is the persisted milestone status. Values are stored verbatim.
type Status string

const (
	StatusPendingFund             Status = "pending_fund"
	StatusFunded                  Status = "funded"
	StatusSubmitted               Status = "submitted" // legacy, read as delivered
	StatusDelivered               Status = "delivered"
	StatusApproved                Status = "approved"
	StatusReleased                Status = "released"
	StatusDisputedByClient        Status = "disputedByClient"
	StatusDisputedByFreelancer    Status = "disputedByFreelancer"
	StatusDisputedWithCounterSide Status = "disputedWithCounterSide"
	StatusResolvedToBuyer         Status = "resolvedToBuyer"
	StatusResolvedToVendor        Status = "resolvedToVendor"
	StatusCancelled               Status = "cancelled"
)

// AllStatuses lists every persisted status value.
var AllStatuses = []Status{
	StatusPendingFund, StatusFunded, StatusSubmitted, StatusDelivered,
	StatusApproved, StatusReleased, StatusDisputedByClient,
	StatusDisputedByFreelancer, StatusDisputedWithCounterSide,
	StatusResolvedToBuyer, StatusResolvedToVendor, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Effective folds the legacy submitted value into delivered.
func (s Status) Effective() Status {
	if s == StatusSubmitted {
		return StatusDelivered
	}
	return s
}

// IsDisputed reports whether s is any dispute state awaiting resolution.
func (s Status) IsDisputed() bool {
	return s == StatusDisputedByClient || s == StatusDisputedByFreelancer || s == StatusDisputedWithCounterSide
}

// Milestone is one payable unit of a job.
type Milestone struct {
	ID             string     `json:"id"`
	JobID          string     `json:"jobId"`
	ClientID       string     `json:"clientId"`
	ClientAddr     string     `json:"clientAddr"`
	FreelancerID   string     `json:"freelancerId,omitempty"`
	FreelancerAddr string     `json:"freelancerAddr,omitempty"`
	Title          string     `json:"title"`
	Amount         string     `json:"amount"` // decimal, native currency units
	TokenSymbol    string     `json:"tokenSymbol"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	OrderIndex     int        `json:"orderIndex"`
	Escrow         string     `json:"escrow,omitempty"`
	Status         Status     `json:"status"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Bound reports whether an escrow has been provisioned for the milestone.
func (m *Milestone) Bound() bool { return m.Escrow != "" }

// IsTerminal reports whether the milestone can no longer change.
func (m *Milestone) IsTerminal() bool { return IsTerminal(m.Status) }

func (m *Milestone) clone() *Milestone {
	cp := *m
	if m.DueAt != nil {
		t := *m.DueAt
		cp.DueAt = &t
	}
	return &cp
}

// Job is the read-only view of a job needed for milestone guards.
type Job struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"clientId"`
	Title     string     `json:"title,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Store persists milestones.
type Store interface {
	Create(ctx context.Context, m *Milestone) error
	Get(ctx context.Context, id string) (*Milestone, error)
	// Update changes administrative fields. Only allowed while the milestone
	// is pending_fund and unbound.
	Update(ctx context.Context, m *Milestone) error
	// UpdateStatus moves id from one status to another, failing with
	// ErrStatusConflict if the persisted status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status) (*Milestone, error)
	// BindEscrow sets the escrow address once.
	BindEscrow(ctx context.Context, id, escrow string) (*Milestone, error)
	ListByJob(ctx context.Context, jobID string) ([]*Milestone, error)
	// ListBound returns up to limit non-terminal milestones that have an
	// escrow, ordered by ID and starting after afterID ("" for the first
	// page).
	ListBound(ctx context.Context, afterID string, limit int) ([]*Milestone, error)
	Delete(ctx context.Context, id string) error
}

// JobStore persists the job records milestones reference.
type JobStore interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
}

// ValidateDueAt checks a due date against its job. With a job deadline the
// due date must lie strictly between job creation and the deadline; without
// one it must lie between now and one year from now.
func ValidateDueAt(due time.Time, job *Job, now time.Time) error {
	if job == nil {
		return ErrJobNotFound
	}
	if job.Deadline != nil {
		if !due.After(job.CreatedAt) || !due.Before(*job.Deadline) {
			return ErrInvalidDueAt
		}
		return nil
	}
	if due.Before(now) || due.After(now.AddDate(1, 0, 0)) {
		return ErrInvalidDueAt
	}
	return nil
}
