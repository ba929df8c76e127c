package crosschain

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var errDuplicateTransaction = errors.New("crosschain: transaction already exists")

// Store persists cross-chain transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// GetByDeal returns the most recently created transaction for a deal.
	GetByDeal(ctx context.Context, dealID string) (*Transaction, error)
	// Update writes tx if the stored version still equals expectedVersion,
	// and sets tx.Version to the new version.
	Update(ctx context.Context, tx *Transaction, expectedVersion int64) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
}

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; ok {
		return errDuplicateTransaction
	}
	if tx.Version == 0 {
		tx.Version = 1
	}
	m.txs[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) GetByDeal(_ context.Context, dealID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Transaction
	for _, tx := range m.txs {
		if tx.DealID != dealID {
			continue
		}
		if latest == nil || tx.CreatedAt.After(latest.CreatedAt) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, ErrTransactionNotFound
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.txs[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	tx.Version = expectedVersion + 1
	m.txs[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status == status {
			result = append(result, tx.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *Transaction) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
