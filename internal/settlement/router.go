package settlement

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// Executor settles and confirms transactions on one network.
type Executor interface {
	escrow.Settler
	Confirm(ctx context.Context, txHash string) (bool, error)
}

// DefaultCallTimeout bounds a single executor call.
const DefaultCallTimeout = 45 * time.Second

// Router dispatches settlement calls to the executor registered for the
// handle's network. Calls are retried until broadcast and guarded by a
// per-network circuit breaker.
type Router struct {
	executors map[string]Executor
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	timeout   time.Duration
}

var _ escrow.Settler = (*Router)(nil)

// NewRouter creates a router with no executors.
func NewRouter(timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Router{
		executors: make(map[string]Executor),
		breaker:   circuitbreaker.New(5, 30*time.Second),
		policy:    retry.Settlement,
		timeout:   timeout,
	}
}

// Register sets the executor for network, replacing any previous one.
func (r *Router) Register(network string, ex Executor) *Router {
	r.executors[network] = ex
	return r
}

// WithBreaker replaces the circuit breaker.
func (r *Router) WithBreaker(b *circuitbreaker.Breaker) *Router {
	r.breaker = b
	return r
}

// WithRetry replaces the retry policy.
func (r *Router) WithRetry(p retry.Policy) *Router {
	r.policy = p
	return r
}

// Networks lists the networks with a registered executor.
func (r *Router) Networks() []string {
	networks := lo.Keys(r.executors)
	sort.Strings(networks)
	return networks
}

func (r *Router) TriggerRelease(ctx context.Context, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	return r.trigger(ctx, "release", h, dealID, Executor.TriggerRelease)
}

func (r *Router) TriggerCancel(ctx context.Context, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	return r.trigger(ctx, "cancel", h, dealID, Executor.TriggerCancel)
}

type triggerFunc func(Executor, context.Context, escrow.Handle, string) (*escrow.SettlementResult, error)

func (r *Router) trigger(ctx context.Context, action string, h escrow.Handle, dealID string, call triggerFunc) (res *escrow.SettlementResult, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement."+action, traces.DealID(dealID), traces.Network(h.Network))
	defer func() {
		traces.End(span, err)
		metrics.SettlementsTotal.WithLabelValues(action, h.Network, metrics.Result(err)).Inc()
		metrics.SettlementDuration.WithLabelValues(action, h.Network).Observe(time.Since(start).Seconds())
	}()

	ex, ok := r.executors[h.Network]
	if !ok {
		return nil, &escrow.SettlementError{Op: action, Network: h.Network, Err: ErrNoExecutor}
	}

	attempt := 0
	err = r.policy.DoIf(ctx, retryable, func() error {
		attempt++
		return r.breaker.Execute(h.Network, func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			var callErr error
			res, callErr = call(ex, callCtx, h, dealID)
			if callErr != nil && attempt < r.policy.MaxAttempts && retryable(callErr) {
				logging.L(ctx).Warn("settlement call failed, retrying",
					"deal_id", dealID, "network", h.Network, "action", action,
					"attempt", attempt, "error", callErr)
			}
			return callErr
		})
	})
	if err != nil {
		var se *escrow.SettlementError
		if !errors.As(err, &se) {
			err = &escrow.SettlementError{Op: action, Network: h.Network, Err: err}
		}
		return nil, err
	}

	logging.L(ctx).Info("settlement triggered",
		"deal_id", dealID,
		"network", h.Network,
		"action", action,
		"tx_hash", res.TxHash,
	)
	return res, nil
}

// Confirm checks txRef on network. It satisfies crosschain.Confirmer.
func (r *Router) Confirm(ctx context.Context, network, txRef string) (bool, error) {
	ex, ok := r.executors[network]
	if !ok {
		return false, &escrow.SettlementError{Op: "confirm", Network: network, TxHash: txRef, Err: ErrNoExecutor}
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return ex.Confirm(callCtx, txRef)
}

// retryable reports whether a failed call may be sent again. Once a
// transaction has been broadcast it is never resent.
func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, ErrReverted) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	var se *escrow.SettlementError
	if errors.As(err, &se) && se.TxHash != "" {
		return false
	}
	return true
}
