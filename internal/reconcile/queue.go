package reconcile

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/txledger"
)

// Reason says why a repair was queued.
type Reason string

const (
	// ReasonPersistFailed: the receipt confirmed success but the status or
	// ledger write failed afterwards.
	ReasonPersistFailed Reason = "persist_failed"
	// ReasonUnconfirmed: the transaction was sent but the local wait for
	// its receipt ended first.
	ReasonUnconfirmed Reason = "unconfirmed"
)

// Repair is a chain transaction whose effects are not yet persisted.
type Repair struct {
	MilestoneID string           `json:"milestoneId"`
	Operation   string           `json:"operation"`
	Purpose     txledger.Purpose `json:"purpose"`
	From        milestone.Status `json:"from"`
	To          milestone.Status `json:"to"`
	ChainID     int64            `json:"chainId"`
	FromAddr    string           `json:"fromAddr"`
	ToAddr      string           `json:"toAddr"`
	TxHash      string           `json:"txHash"`
	UserID      string           `json:"userId,omitempty"`
	BlockNumber uint64           `json:"blockNumber,omitempty"`
	Reason      Reason           `json:"reason"`
	EnqueuedAt  time.Time        `json:"enqueuedAt"`
}

// Queue holds repairs until the reconciler applies them. Entries are keyed
// by transaction hash, so enqueueing the same hash twice keeps one entry.
type Queue interface {
	Enqueue(ctx context.Context, r Repair) error
	List(ctx context.Context) ([]Repair, error)
	Remove(ctx context.Context, txHash string) error
	// Pending reports whether any repair is queued for the milestone.
	Pending(ctx context.Context, milestoneID string) (bool, error)
}

// MemoryQueue is an in-process Queue for single-instance deployments and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	repairs map[string]Repair
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{repairs: make(map[string]Repair)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, r Repair) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repairs[strings.ToLower(r.TxHash)] = r
	return nil
}

func (q *MemoryQueue) List(_ context.Context) ([]Repair, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Repair, 0, len(q.repairs))
	for _, r := range q.repairs {
		out = append(out, r)
	}
	sortRepairs(out)
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, txHash string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.repairs, strings.ToLower(txHash))
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, milestoneID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.repairs {
		if r.MilestoneID == milestoneID {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of queued repairs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.repairs)
}

// sortRepairs orders repairs oldest first so a milestone's transitions
// are applied in the order they happened on chain.
func sortRepairs(rs []Repair) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].EnqueuedAt.Equal(rs[j].EnqueuedAt) {
			return rs[i].TxHash < rs[j].TxHash
		}
		return rs[i].EnqueuedAt.Before(rs[j].EnqueuedAt)
	})
}

var _ Queue = (*MemoryQueue)(nil)
