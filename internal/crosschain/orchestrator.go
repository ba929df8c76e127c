package crosschain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/network"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// Injected infrastructure condition ids.
const (
	ConditionNetworkValidation = "cc_network_validation"
	ConditionBridgeSetup       = "cc_bridge_setup"
	ConditionFundsLocked       = "cc_funds_locked"
	ConditionBridgeTransfer    = "cc_bridge_transfer"
)

// DealService is the part of escrow.Service the orchestrator drives.
type DealService interface {
	Get(ctx context.Context, id string) (*escrow.Deal, error)
	AttachCrossChain(ctx context.Context, id, crossChainTxID string, conditions []escrow.ConditionInput, bridge string) (*escrow.Deal, error)
	FulfillInfraConditions(ctx context.Context, id, txHash, bridge string) (*escrow.Deal, error)
	AppendTimeline(ctx context.Context, id string, ev escrow.TimelineEvent) error
}

// BridgeLookup reports whether two networks need a bridge.
type BridgeLookup interface {
	BridgeFor(a, b network.Tag) (network.BridgeInfo, bool)
}

// Orchestrator prepares and advances cross-chain transactions. Writes for
// one deal or transaction are serialized in-process; the stores' version
// checks catch writers in other processes. Bridge and chain calls run
// outside the lock.
type Orchestrator struct {
	deals     DealService
	store     Store
	bridges   BridgeLookup
	provider  Provider
	confirmer Confirmer
	locks     *syncutil.KeyLock
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deals DealService, store Store, bridges BridgeLookup, provider Provider) *Orchestrator {
	return &Orchestrator{
		deals:    deals,
		store:    store,
		bridges:  bridges,
		provider: provider,
		locks:    syncutil.NewKeyLock(),
		now:      time.Now,
	}
}

// WithConfirmer sets the chain confirmer used for lock and release steps.
// Without one, chain references are accepted as given.
func (o *Orchestrator) WithConfirmer(c Confirmer) *Orchestrator {
	o.confirmer = c
	return o
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Prepare plans the transfer for a cross-chain deal awaiting its deposit and
// injects the matching infrastructure conditions. Calling it again for a
// deal that already has a transaction returns that transaction.
func (o *Orchestrator) Prepare(ctx context.Context, dealID string) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "crosschain.Prepare", traces.DealID(dealID))
	defer func() {
		traces.End(span, err)
		metrics.CrossChainStepsTotal.WithLabelValues("prepare", metrics.Result(err)).Inc()
	}()

	deal, existing, err := o.preparable(ctx, dealID)
	if err != nil || existing != nil {
		return existing, err
	}

	src, dst := network.Tag(deal.BuyerNetwork), network.Tag(deal.SellerNetwork)
	_, needsBridge := o.bridges.BridgeFor(src, dst)

	var quote *BridgeQuote
	if needsBridge {
		route, err := o.provider.FindRoute(ctx, RouteRequest{
			SourceNetwork: deal.BuyerNetwork,
			TargetNetwork: deal.SellerNetwork,
			Token:         deal.Token,
			TargetToken:   deal.TokenRouting,
			Amount:        deal.Amount,
		})
		if err != nil {
			return nil, fmt.Errorf("quote bridge route: %w", err)
		}
		quote = &BridgeQuote{
			Name:          route.Bridge,
			EstimatedTime: route.EstimatedTime,
			Fee:           route.Fee,
			QuoteID:       route.QuoteID,
		}
	}

	unlock, err := o.locks.Lock(ctx, "deal:"+dealID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have prepared the deal while the route was quoted.
	deal, existing, err = o.preparable(ctx, dealID)
	if err != nil || existing != nil {
		return existing, err
	}

	now := o.now()
	tx = &Transaction{
		ID:            idgen.WithPrefix(idgen.CrossChainPrefix),
		DealID:        deal.ID,
		SourceNetwork: deal.BuyerNetwork,
		TargetNetwork: deal.SellerNetwork,
		Amount:        deal.Amount,
		Steps:         planSteps(needsBridge),
		Status:        StatusPending,
		NeedsBridge:   needsBridge,
		Bridge:        quote,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	span.SetAttributes(traces.CrossChainTxID(tx.ID))

	if err := o.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create cross-chain transaction: %w", err)
	}

	if _, err := o.deals.AttachCrossChain(ctx, deal.ID, tx.ID, infraConditions(tx), tx.BridgeName()); err != nil {
		o.fail(ctx, tx, fmt.Sprintf("attach to deal: %v", err))
		return nil, fmt.Errorf("attach cross-chain transaction: %w", err)
	}

	logging.L(ctx).Info("cross-chain transaction prepared",
		"deal_id", deal.ID,
		"crosschain_tx_id", tx.ID,
		"source", tx.SourceNetwork,
		"target", tx.TargetNetwork,
		"bridge", tx.BridgeName(),
		"steps", len(tx.Steps),
	)
	return tx, nil
}

// preparable loads a deal that Prepare may plan for. It returns the deal's
// existing transaction instead when there is one.
func (o *Orchestrator) preparable(ctx context.Context, dealID string) (*escrow.Deal, *Transaction, error) {
	deal, err := o.deals.Get(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}
	if deal.CrossChainTransactionID != "" {
		tx, err := o.store.Get(ctx, deal.CrossChainTransactionID)
		return nil, tx, err
	}
	if !deal.IsCrossChain {
		return nil, nil, escrow.ErrNotCrossChain
	}
	if deal.Status != escrow.StatusAwaitingUniversalDeposit {
		return nil, nil, fmt.Errorf("%w: deal is %s", ErrDealNotReady, deal.Status)
	}
	return deal, nil, nil
}

// infraConditions mirrors the step plan as deal conditions.
func infraConditions(tx *Transaction) []escrow.ConditionInput {
	conditions := []escrow.ConditionInput{
		{ID: ConditionNetworkValidation, Description: fmt.Sprintf("Validate %s and %s networks", tx.SourceNetwork, tx.TargetNetwork)},
		{ID: ConditionBridgeSetup, Description: "Set up cross-chain route"},
		{ID: ConditionFundsLocked, Description: fmt.Sprintf("Lock funds on %s", tx.SourceNetwork)},
	}
	if tx.NeedsBridge {
		conditions = append(conditions, escrow.ConditionInput{
			ID:          ConditionBridgeTransfer,
			Description: fmt.Sprintf("Bridge transfer via %s", tx.BridgeName()),
		})
	}
	return conditions
}

// ExecuteStep confirms externalRef for step and records it. Steps complete
// in order; re-running a completed step is a no-op. When the last step
// completes the deal's infrastructure conditions are fulfilled.
//
// If confirmation fails the transaction is marked FAILED, the failure is
// recorded on the deal timeline, and the deal state is left as it was.
func (o *Orchestrator) ExecuteStep(ctx context.Context, txID string, stepNumber int, externalRef string) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "crosschain.ExecuteStep", traces.CrossChainTxID(txID))
	defer func() { traces.End(span, err) }()

	tx, err = o.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DealID(tx.DealID))

	step, ok := tx.Step(stepNumber)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, stepNumber)
	}
	if step.Completed {
		return o.alreadyCompleted(ctx, tx)
	}
	if tx.Status == StatusFailed {
		return nil, ErrTransactionFailed
	}
	if lo.ContainsBy(tx.Steps[:stepNumber-1], func(s Step) bool { return !s.Completed }) {
		return nil, fmt.Errorf("%w: step %d", ErrStepOutOfOrder, stepNumber)
	}
	if externalRef == "" {
		return nil, ErrMissingReference
	}

	deal, err := o.deals.Get(ctx, tx.DealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != escrow.StatusAwaitingFulfillment {
		return nil, fmt.Errorf("%w: deal is %s", ErrDealNotReady, deal.Status)
	}

	confirmErr := o.confirm(ctx, tx, step, externalRef)
	if errors.Is(confirmErr, ErrStepPending) {
		metrics.CrossChainStepsTotal.WithLabelValues(string(step.Action), "pending").Inc()
		return nil, confirmErr
	}

	unlock, err := o.locks.Lock(ctx, "tx:"+txID)
	if err != nil {
		return nil, err
	}
	next, err := o.commitStep(ctx, txID, step, externalRef, confirmErr)
	unlock()
	if errors.Is(err, errStepRecorded) {
		return o.alreadyCompleted(ctx, next)
	}
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("cross-chain step completed",
		"deal_id", next.DealID,
		"crosschain_tx_id", next.ID,
		"step", step.Number,
		"action", step.Action,
		"status", next.Status,
	)

	if next.Status != StatusCompleted {
		o.recordOnDeal(ctx, next, "cross_chain_step_completed", externalRef, fmt.Sprintf("step %d (%s)", step.Number, step.Action))
		return next, nil
	}
	if err := o.fulfilDeal(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

var errStepRecorded = errors.New("step already recorded")

// commitStep records the outcome of confirming step. The caller holds the
// transaction's lock. It re-reads the transaction and returns it with
// errStepRecorded when a concurrent run completed the step first.
func (o *Orchestrator) commitStep(ctx context.Context, txID string, step Step, ref string, confirmErr error) (*Transaction, error) {
	tx, err := o.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if current, _ := tx.Step(step.Number); current.Completed {
		return tx, errStepRecorded
	}
	if tx.Status == StatusFailed {
		return nil, ErrTransactionFailed
	}

	if confirmErr != nil {
		metrics.CrossChainStepsTotal.WithLabelValues(string(step.Action), "error").Inc()
		reason := fmt.Sprintf("step %d (%s) failed: %v", step.Number, step.Action, confirmErr)
		o.fail(ctx, tx, reason)
		o.recordOnDeal(ctx, tx, "cross_chain_step_failed", ref, reason)
		return nil, fmt.Errorf("%w: %s", ErrStepFailed, reason)
	}

	now := o.now()
	next := tx.Clone()
	s := &next.Steps[step.Number-1]
	s.Completed = true
	s.CompletedAt = &now
	s.TxRef = ref
	next.Status = StatusProcessing
	if next.AllStepsCompleted() {
		next.Status = StatusCompleted
	}
	next.UpdatedAt = now
	if err := o.store.Update(ctx, next, tx.Version); err != nil {
		return nil, err
	}
	metrics.CrossChainStepsTotal.WithLabelValues(string(step.Action), "ok").Inc()
	return next, nil
}

// alreadyCompleted answers a request for a step that is already recorded.
func (o *Orchestrator) alreadyCompleted(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx.Status == StatusCompleted {
		// A previous run may have completed the transaction but failed
		// to update the deal.
		if err := o.fulfilDeal(ctx, tx); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// confirm checks externalRef against the network or bridge it belongs to.
func (o *Orchestrator) confirm(ctx context.Context, tx *Transaction, step Step, ref string) error {
	if step.Action == ActionBridgeTransfer {
		status, err := o.provider.GetTransferStatus(ctx, ref)
		if err != nil {
			return err
		}
		switch status.State {
		case TransferCompleted:
			return nil
		case TransferPending:
			return ErrStepPending
		default:
			if status.Detail != "" {
				return fmt.Errorf("bridge reported failure: %s", status.Detail)
			}
			return errors.New("bridge reported failure")
		}
	}
	if o.confirmer == nil {
		return nil
	}
	ok, err := o.confirmer.Confirm(ctx, tx.networkFor(step.Action), ref)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStepPending
	}
	return nil
}

// fulfilDeal marks the deal's injected conditions as met. It does nothing
// when they already are.
func (o *Orchestrator) fulfilDeal(ctx context.Context, tx *Transaction) error {
	deal, err := o.deals.Get(ctx, tx.DealID)
	if err != nil {
		return err
	}
	pending := lo.ContainsBy(deal.Conditions, func(c escrow.Condition) bool {
		return c.Type == escrow.ConditionCrossChainInfra && !c.Fulfilled()
	})
	if !pending {
		return nil
	}
	ref := tx.Steps[len(tx.Steps)-1].TxRef
	if _, err := o.deals.FulfillInfraConditions(ctx, tx.DealID, ref, tx.BridgeName()); err != nil {
		return fmt.Errorf("fulfil cross-chain conditions: %w", err)
	}
	return nil
}

// Status returns the transaction and stamps the time it was last checked.
func (o *Orchestrator) Status(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := o.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	next := tx.Clone()
	next.LastStatusCheck = &now
	if err := o.store.Update(ctx, next, tx.Version); err != nil {
		// The stamp is informational; a concurrent writer wins.
		logging.L(ctx).Debug("status check not recorded", "crosschain_tx_id", txID, "error", err)
		return tx, nil
	}
	return next, nil
}

// Retry moves a failed transaction back to PENDING or PROCESSING so its
// remaining steps can run again. A transaction that failed before it was
// attached to its deal is attached now.
func (o *Orchestrator) Retry(ctx context.Context, txID string) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "crosschain.Retry", traces.CrossChainTxID(txID))
	defer func() { traces.End(span, err) }()

	unlock, err := o.locks.Lock(ctx, "tx:"+txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = o.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusFailed {
		return nil, ErrNotFailed
	}

	deal, err := o.deals.Get(ctx, tx.DealID)
	if err != nil {
		return nil, err
	}
	if deal.CrossChainTransactionID != "" && deal.CrossChainTransactionID != tx.ID {
		return nil, fmt.Errorf("%w: deal is linked to %s", ErrDealNotReady, deal.CrossChainTransactionID)
	}
	if deal.CrossChainTransactionID == "" {
		if _, err := o.deals.AttachCrossChain(ctx, tx.DealID, tx.ID, infraConditions(tx), tx.BridgeName()); err != nil {
			return nil, fmt.Errorf("attach cross-chain transaction: %w", err)
		}
	}

	next := tx.Clone()
	next.Status = StatusPending
	if lo.SomeBy(next.Steps, func(s Step) bool { return s.Completed }) {
		next.Status = StatusProcessing
	}
	next.FailureReason = ""
	next.UpdatedAt = o.now()
	if err := o.store.Update(ctx, next, tx.Version); err != nil {
		return nil, err
	}
	o.recordOnDeal(ctx, next, "cross_chain_retry", "", tx.FailureReason)
	return next, nil
}

// fail marks tx FAILED. Errors are logged; the caller already has one to
// return.
func (o *Orchestrator) fail(ctx context.Context, tx *Transaction, reason string) {
	next := tx.Clone()
	next.Status = StatusFailed
	next.FailureReason = reason
	next.UpdatedAt = o.now()
	if err := o.store.Update(ctx, next, tx.Version); err != nil {
		logging.L(ctx).Error("failed to mark cross-chain transaction failed",
			"crosschain_tx_id", tx.ID, "error", err)
		return
	}
	logging.L(ctx).Warn("cross-chain transaction failed",
		"deal_id", tx.DealID, "crosschain_tx_id", tx.ID, "reason", reason)
}

func (o *Orchestrator) recordOnDeal(ctx context.Context, tx *Transaction, event, ref, detail string) {
	err := o.deals.AppendTimeline(ctx, tx.DealID, escrow.TimelineEvent{
		Event:           event,
		System:          true,
		TransactionHash: ref,
		CrossChainDetails: &escrow.CrossChainDetails{
			SourceNetwork: tx.SourceNetwork,
			TargetNetwork: tx.TargetNetwork,
			BridgeUsed:    tx.BridgeName(),
		},
		Detail: detail,
	})
	if err != nil {
		logging.L(ctx).Warn("failed to record cross-chain event on deal",
			"deal_id", tx.DealID, "event", event, "error", err)
	}
}
