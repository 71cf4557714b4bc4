package txledger

import (
	"context"
	"strings"
	"sync"

	"github.com/mbd888/workescrow/internal/pagination"
)

// MemoryStore is an in-memory ledger for development and tests.
type MemoryStore struct {
	records []*Record
	byHash  map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*Record)}
}

func (m *MemoryStore) Append(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(r.TxHash)
	if _, ok := m.byHash[key]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.records = append(m.records, &cp)
	m.byHash[key] = &cp
	return nil
}

func (m *MemoryStore) GetByHash(ctx context.Context, txHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byHash[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByMilestone(ctx context.Context, milestoneID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.MilestoneID == milestoneID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	skipping := after != nil
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.UserID != userID {
			continue
		}
		if skipping {
			skipping = r.ID != after.ID
			continue
		}
		cp := *r
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Len returns the number of records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ Store = (*MemoryStore)(nil)
