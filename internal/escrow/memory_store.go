package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

var errDuplicateDeal = errors.New("deal already exists")

// MemoryStore is an in-memory deal store for demo/development mode.
type MemoryStore struct {
	deals map[string]*Deal
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals: make(map[string]*Deal),
	}
}

func (m *MemoryStore) Create(_ context.Context, deal *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deals[deal.ID]; ok {
		return errDuplicateDeal
	}
	if deal.Version == 0 {
		deal.Version = 1
	}
	m.deals[deal.ID] = deal.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deal, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return deal.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, deal *Deal, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.deals[deal.ID]
	if !ok {
		return ErrDealNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	deal.Version = expectedVersion + 1
	m.deals[deal.ID] = deal.Clone()
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, q DueQuery) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status != q.Status || (q.CrossChainOnly && !d.IsCrossChain) {
			continue
		}
		dl := d.deadline(q.Deadline)
		if dl == nil || dl.After(q.Before) || q.After.covers(*dl, d.ID) {
			continue
		}
		result = append(result, d.Clone())
	}
	sortAscending(result, func(d *Deal) time.Time { return *d.deadline(q.Deadline) })
	return limitDeals(result, q.Limit), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, crossChainOnly bool, limit int, after *Keyset) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status == status && (!crossChainOnly || d.IsCrossChain) && !after.covers(d.CreatedAt, d.ID) {
			result = append(result, d.Clone())
		}
	}
	sortAscending(result, func(d *Deal) time.Time { return d.CreatedAt })
	return limitDeals(result, limit), nil
}

func sortAscending(deals []*Deal, at func(*Deal) time.Time) {
	sort.Slice(deals, func(i, j int) bool {
		a, b := at(deals[i]), at(deals[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return deals[i].ID < deals[j].ID
	})
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, limit int, after *pagination.Cursor) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.IsParty(userID) && after.After(d.CreatedAt, d.ID) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return limitDeals(result, limit), nil
}

func limitDeals(deals []*Deal, limit int) []*Deal {
	if limit > 0 && len(deals) > limit {
		return deals[:limit]
	}
	return deals
}
