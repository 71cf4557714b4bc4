package milestone

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/workescrow/internal/idgen"
)

// MemoryStore is an in-memory milestone and job store for development and tests.
type MemoryStore struct {
	milestones map[string]*Milestone
	jobs       map[string]*Job
	mu         sync.RWMutex
	now        func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		milestones: make(map[string]*Milestone),
		jobs:       make(map[string]*Job),
		now:        time.Now,
	}
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == "" {
		j.ID = idgen.WithPrefix("job_")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.now()
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[ms.JobID]; !ok {
		return ErrJobNotFound
	}
	for _, other := range m.milestones {
		if other.JobID == ms.JobID && other.OrderIndex == ms.OrderIndex {
			return ErrDuplicateOrder
		}
	}
	if ms.ID == "" {
		ms.ID = idgen.WithPrefix("ms_")
	}
	if ms.Status == "" {
		ms.Status = StatusPendingFund
	}
	now := m.now()
	ms.CreatedAt, ms.UpdatedAt = now, now
	ms.Version = 1
	ms.ClientAddr = strings.ToLower(ms.ClientAddr)
	ms.FreelancerAddr = strings.ToLower(ms.FreelancerAddr)
	ms.Escrow = strings.ToLower(ms.Escrow)

	m.milestones[ms.ID] = ms.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	return ms.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.milestones[ms.ID]
	if !ok {
		return ErrMilestoneNotFound
	}
	if cur.Status != StatusPendingFund || cur.Bound() {
		return ErrImmutable
	}
	for _, other := range m.milestones {
		if other.ID != ms.ID && other.JobID == cur.JobID && other.OrderIndex == ms.OrderIndex {
			return ErrDuplicateOrder
		}
	}
	cur.Title = ms.Title
	cur.Amount = ms.Amount
	cur.TokenSymbol = ms.TokenSymbol
	cur.DueAt = ms.clone().DueAt
	cur.OrderIndex = ms.OrderIndex
	cur.FreelancerID = ms.FreelancerID
	cur.FreelancerAddr = strings.ToLower(ms.FreelancerAddr)
	cur.Version++
	cur.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	if cur.Status != from {
		return nil, ErrStatusConflict
	}
	cur.Status = to
	cur.Version++
	cur.UpdatedAt = m.now()
	return cur.clone(), nil
}

func (m *MemoryStore) BindEscrow(ctx context.Context, id, escrow string) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	if cur.Bound() {
		return nil, ErrEscrowAlreadyBound
	}
	if cur.Status != StatusPendingFund {
		return nil, ErrImmutable
	}
	addr := strings.ToLower(escrow)
	for _, other := range m.milestones {
		if other.Escrow == addr {
			return nil, ErrEscrowInUse
		}
	}
	cur.Escrow = addr
	cur.Version++
	cur.UpdatedAt = m.now()
	return cur.clone(), nil
}

func (m *MemoryStore) ListByJob(ctx context.Context, jobID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.JobID == jobID {
			result = append(result, ms.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderIndex < result[j].OrderIndex })
	return result, nil
}

func (m *MemoryStore) ListBound(ctx context.Context, afterID string, limit int) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.Bound() && !ms.IsTerminal() && ms.ID > afterID {
			result = append(result, ms.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.milestones[id]
	if !ok {
		return ErrMilestoneNotFound
	}
	if cur.Status != StatusPendingFund || cur.Bound() {
		return ErrImmutable
	}
	delete(m.milestones, id)
	return nil
}

// Compile-time assertions.
var (
	_ Store    = (*MemoryStore)(nil)
	_ JobStore = (*MemoryStore)(nil)
)
