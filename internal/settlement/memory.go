package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/escrow"
)

// Call records one settlement request seen by a MemoryExecutor.
type Call struct {
	Action string
	Handle escrow.Handle
	DealID string
	TxHash string
}

// MemoryExecutor settles nothing. It returns deterministic transaction
// hashes and can be told to fail, for development mode and tests.
type MemoryExecutor struct {
	mu       sync.Mutex
	network  string
	calls    []Call
	failures map[string]error // deal id -> error
	failNext []error
	lost     []error // broadcast, then fail
	pending  map[string]bool // tx hash -> not yet mined
	reverted map[string]bool
}

var _ Executor = (*MemoryExecutor)(nil)

// NewMemoryExecutor creates an executor for network.
func NewMemoryExecutor(network string) *MemoryExecutor {
	return &MemoryExecutor{
		network:  network,
		failures: make(map[string]error),
		pending:  make(map[string]bool),
		reverted: make(map[string]bool),
	}
}

// FailDeal makes every call for dealID return err until cleared with a nil err.
func (m *MemoryExecutor) FailDeal(dealID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, dealID)
		return
	}
	m.failures[dealID] = err
}

// FailNext queues errors returned by the next calls, in order.
func (m *MemoryExecutor) FailNext(errs ...error) {
	m.mu.Lock()
	m.failNext = append(m.failNext, errs...)
	m.mu.Unlock()
}

// FailAfterBroadcast queues errors returned by the next calls after their
// transactions are sent, as when a receipt wait times out. The returned
// SettlementError carries the transaction hash.
func (m *MemoryExecutor) FailAfterBroadcast(errs ...error) {
	m.mu.Lock()
	m.lost = append(m.lost, errs...)
	m.mu.Unlock()
}

// SetPending marks txHash as not yet mined, or mined when pending is false.
func (m *MemoryExecutor) SetPending(txHash string, pending bool) {
	m.mu.Lock()
	m.pending[txHash] = pending
	m.mu.Unlock()
}

// SetReverted marks txHash as failed on chain.
func (m *MemoryExecutor) SetReverted(txHash string) {
	m.mu.Lock()
	m.reverted[txHash] = true
	m.mu.Unlock()
}

// Calls returns the calls that reached the network so far.
func (m *MemoryExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// TxHash is the hash a MemoryExecutor returns for a call.
func TxHash(action, network, address, dealID string) string {
	return crypto.Keccak256Hash([]byte(action + "|" + network + "|" + address + "|" + dealID)).Hex()
}

func (m *MemoryExecutor) TriggerRelease(ctx context.Context, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	return m.trigger(ctx, "release", h, dealID)
}

func (m *MemoryExecutor) TriggerCancel(ctx context.Context, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	return m.trigger(ctx, "cancel", h, dealID)
}

func (m *MemoryExecutor) trigger(ctx context.Context, action string, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return nil, &escrow.SettlementError{Op: action, Network: m.network, Err: err}
	}
	if err, ok := m.failures[dealID]; ok {
		return nil, &escrow.SettlementError{Op: action, Network: m.network, Err: err}
	}

	txHash := TxHash(action, h.Network, h.Address, dealID)
	m.calls = append(m.calls, Call{Action: action, Handle: h, DealID: dealID, TxHash: txHash})
	if len(m.lost) > 0 {
		err := m.lost[0]
		m.lost = m.lost[1:]
		return nil, &escrow.SettlementError{Op: action, Network: m.network, TxHash: txHash, Err: err}
	}
	return &escrow.SettlementResult{TxHash: txHash}, nil
}

func (m *MemoryExecutor) Confirm(ctx context.Context, txHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reverted[txHash] {
		return false, fmt.Errorf("%w: %s", ErrReverted, txHash)
	}
	return !m.pending[txHash], nil
}
