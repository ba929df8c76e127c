// Package scheduler runs the deadline sweep that settles deals whose review
// windows have elapsed and drives cross-chain releases to completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/network"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/traces"
)

// DealQuerier is the read side of the deal store the sweep needs.
type DealQuerier interface {
	ListDue(ctx context.Context, q escrow.DueQuery) ([]*escrow.Deal, error)
	ListByStatus(ctx context.Context, status escrow.Status, crossChainOnly bool, limit int, after *escrow.Keyset) ([]*escrow.Deal, error)
}

// DealService applies the system transitions the sweep triggers.
type DealService interface {
	ReleaseAfterApprovalElapsed(ctx context.Context, id, txHash string) (*escrow.Deal, error)
	CancelOnDisputeExpiry(ctx context.Context, id, txHash string) (*escrow.Deal, error)
	StartUniversalRelease(ctx context.Context, id, txHash, bridge string) (*escrow.Deal, error)
	ConfirmUniversalRelease(ctx context.Context, id, txHash, bridge string) (*escrow.Deal, error)
	AppendTimeline(ctx context.Context, id string, ev escrow.TimelineEvent) error
	Machine() *escrow.Machine
}

// Confirmer reports whether a transaction is mined on a network.
type Confirmer interface {
	Confirm(ctx context.Context, network, txRef string) (bool, error)
}

// BridgeLookup names the bridge between two networks.
type BridgeLookup interface {
	BridgeFor(a, b network.Tag) (network.BridgeInfo, bool)
}

// Sweep categories, used for metrics and logs.
const (
	CategoryApproval         = "final_approval"
	CategoryDispute          = "dispute"
	CategoryUniversalRelease = "universal_release"
	CategoryReleaseConfirm   = "release_confirmation"
)

type outcome string

const (
	outcomeReleased       outcome = "released"
	outcomeRefunded       outcome = "refunded"
	outcomeReady          outcome = "ready_for_universal_release"
	outcomeReleaseStarted outcome = "universal_release_started"
	outcomeConfirmed      outcome = "universal_release_confirmed"
	outcomePending        outcome = "pending"
	outcomeMissingHandle  outcome = "missing_handle"
	outcomeFailed         outcome = "failed"
)

// Report summarizes one sweep.
type Report struct {
	SweepID    string        `json:"sweepId"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skipReason,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`

	Released          int `json:"released"`
	Refunded          int `json:"refunded"`
	ReadyForRelease   int `json:"readyForUniversalRelease"`
	ReleasesStarted   int `json:"universalReleasesStarted"`
	ReleasesConfirmed int `json:"universalReleasesConfirmed"`
	AwaitingReceipt   int `json:"awaitingReceipt"`
	MissingHandle     int `json:"missingHandle"`
	Failed            int `json:"failed"`
}

func (r *Report) record(o outcome) {
	switch o {
	case outcomeReleased:
		r.Released++
	case outcomeRefunded:
		r.Refunded++
	case outcomeReady:
		r.ReadyForRelease++
	case outcomeReleaseStarted:
		r.ReleasesStarted++
	case outcomeConfirmed:
		r.ReleasesConfirmed++
	case outcomePending:
		r.AwaitingReceipt++
	case outcomeMissingHandle:
		r.MissingHandle++
	case outcomeFailed:
		r.Failed++
	}
}

// Defaults for the sweep.
const (
	DefaultBatchSize = 100
	DefaultLockKey   = "escrowd:sweep"
	DefaultLockTTL   = 10 * time.Minute
)

// Sweeper finds deals whose deadlines have elapsed and settles them. Only
// one sweep runs at a time per process; an optional Locker extends that
// across instances.
type Sweeper struct {
	store     DealQuerier
	deals     DealService
	settler   escrow.Settler
	confirmer Confirmer
	bridges   BridgeLookup
	locker    Locker
	lockKey   string
	lockTTL   time.Duration
	batchSize int
	now       func() time.Time

	running atomic.Bool
}

// NewSweeper creates a sweeper.
func NewSweeper(store DealQuerier, deals DealService, settler escrow.Settler) *Sweeper {
	return &Sweeper{
		store:     store,
		deals:     deals,
		settler:   settler,
		lockKey:   DefaultLockKey,
		lockTTL:   DefaultLockTTL,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// WithConfirmer sets the receipt checker for cross-chain releases and for
// transactions an earlier sweep broadcast but could not record. Without one,
// a broadcast transaction is treated as confirmed.
func (s *Sweeper) WithConfirmer(c Confirmer) *Sweeper {
	s.confirmer = c
	return s
}

// WithBridges sets the lookup used to name bridges on timeline entries.
func (s *Sweeper) WithBridges(b BridgeLookup) *Sweeper {
	s.bridges = b
	return s
}

// WithLocker sets a cross-instance lock taken for the duration of a sweep.
func (s *Sweeper) WithLocker(l Locker, key string, ttl time.Duration) *Sweeper {
	s.locker = l
	if key != "" {
		s.lockKey = key
	}
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// WithBatchSize sets the page size of the due queries. A sweep reads every
// page, so deals that keep failing never hide later ones.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Running reports whether a sweep is in progress.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Sweep processes every due deal once. It never returns an error: per-deal
// failures are recorded on the deal's timeline and in the report.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	report := Report{SweepID: idgen.WithPrefix(idgen.SweepPrefix), StartedAt: s.now()}
	ctx = logging.WithSweepID(ctx, report.SweepID)
	logger := logging.L(ctx)

	if !s.running.CompareAndSwap(false, true) {
		logger.Info("sweep already in progress, skipping")
		metrics.SweepsTotal.WithLabelValues("skipped_busy").Inc()
		report.Skipped, report.SkipReason = true, "busy"
		return report
	}
	defer s.running.Store(false)

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, s.lockKey, s.lockTTL)
		if err != nil {
			logger.Warn("failed to acquire sweep lock, skipping", "error", err)
			metrics.SweepsTotal.WithLabelValues("skipped_lock_error").Inc()
			report.Skipped, report.SkipReason = true, "lock_error"
			return report
		}
		if !ok {
			logger.Info("sweep lock held by another instance, skipping")
			metrics.SweepsTotal.WithLabelValues("skipped_locked").Inc()
			report.Skipped, report.SkipReason = true, "locked"
			return report
		}
		defer release(context.WithoutCancel(ctx))
	}

	ctx, span := traces.StartSpan(ctx, "scheduler.Sweep", traces.SweepID(report.SweepID))
	defer span.End()
	start := time.Now()

	now := s.now()
	s.run(ctx, CategoryApproval, &report, s.due(escrow.StatusInFinalApproval, escrow.FinalApprovalDeadline, now), s.expireApproval)
	s.run(ctx, CategoryDispute, &report, s.due(escrow.StatusInDispute, escrow.DisputeResolutionDeadline, now), s.expireDispute)
	// Cross-chain monitoring runs after the approval category so deals it
	// just moved to READY_FOR_UNIVERSAL_RELEASE are released in this sweep.
	s.run(ctx, CategoryUniversalRelease, &report, s.byStatus(escrow.StatusReadyForUniversalRelease), s.startUniversalRelease)
	s.run(ctx, CategoryReleaseConfirm, &report, s.byStatus(escrow.StatusAwaitingUniversalRelease), s.confirmUniversalRelease)

	report.Duration = time.Since(start)
	metrics.SweepsTotal.WithLabelValues("ran").Inc()
	metrics.SweepDuration.Observe(report.Duration.Seconds())

	logger.Info("sweep finished",
		"released", report.Released,
		"refunded", report.Refunded,
		"ready_for_universal_release", report.ReadyForRelease,
		"universal_releases_started", report.ReleasesStarted,
		"universal_releases_confirmed", report.ReleasesConfirmed,
		"awaiting_receipt", report.AwaitingReceipt,
		"missing_handle", report.MissingHandle,
		"failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

type dealFunc func(ctx context.Context, d *escrow.Deal) outcome

// pageFunc reads the page after the given deal, or the first page when last
// is nil.
type pageFunc func(ctx context.Context, last *escrow.Deal) ([]*escrow.Deal, error)

func (s *Sweeper) due(status escrow.Status, field escrow.DeadlineField, now time.Time) pageFunc {
	return func(ctx context.Context, last *escrow.Deal) ([]*escrow.Deal, error) {
		q := escrow.DueQuery{Status: status, Deadline: field, Before: now, Limit: s.batchSize}
		if last != nil {
			k := escrow.DueKeyset(last, field)
			q.After = &k
		}
		return s.store.ListDue(ctx, q)
	}
}

func (s *Sweeper) byStatus(status escrow.Status) pageFunc {
	return func(ctx context.Context, last *escrow.Deal) ([]*escrow.Deal, error) {
		var after *escrow.Keyset
		if last != nil {
			k := escrow.CreatedKeyset(last)
			after = &k
		}
		return s.store.ListByStatus(ctx, status, true, s.batchSize, after)
	}
}

// run walks every page of a category. Pages advance by keyset, so deals
// left in place by a failure are passed over rather than read again.
func (s *Sweeper) run(ctx context.Context, category string, report *Report, page pageFunc, fn dealFunc) {
	var last *escrow.Deal
	for {
		deals, err := page(ctx, last)
		if err != nil {
			logging.L(ctx).Error("sweep query failed", "category", category, "error", err)
			metrics.SweepDealsTotal.WithLabelValues(category, "query_failed").Inc()
			return
		}
		for _, d := range deals {
			if ctx.Err() != nil {
				return
			}
			report.record(s.process(ctx, category, d, fn))
		}
		if len(deals) < s.batchSize {
			return
		}
		last = deals[len(deals)-1]
	}
}

// process runs fn for one deal, isolating panics from the rest of the sweep.
func (s *Sweeper) process(ctx context.Context, category string, d *escrow.Deal, fn dealFunc) (out outcome) {
	ctx = logging.WithDealID(ctx, d.ID)
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic while sweeping deal",
				"category", category,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			out = outcomeFailed
		}
		metrics.SweepDealsTotal.WithLabelValues(category, string(out)).Inc()
	}()
	return fn(ctx, d)
}

func (s *Sweeper) expireApproval(ctx context.Context, d *escrow.Deal) outcome {
	if d.IsCrossChain {
		// Funds move on the seller's network in the universal release step.
		if _, err := s.deals.ReleaseAfterApprovalElapsed(ctx, d.ID, ""); err != nil {
			return s.fail(ctx, d, "final_approval_expiry_failed", "", err)
		}
		return outcomeReady
	}

	handle, ok := d.SettlementHandle()
	if !ok {
		return s.missingHandle(ctx, d)
	}
	if err := s.preflight(d, escrow.EventApprovalElapsed); err != nil {
		return s.fail(ctx, d, "release_rejected", "", err)
	}
	txHash, out := s.settle(ctx, d, settleStep{
		action:  "release",
		network: handle.Network,
		trigger: func(ctx context.Context) (*escrow.SettlementResult, error) {
			return s.settler.TriggerRelease(ctx, handle, d.ID)
		},
		record: func(ctx context.Context, txHash string) error {
			_, err := s.deals.ReleaseAfterApprovalElapsed(ctx, d.ID, txHash)
			return err
		},
	})
	if out != "" {
		return out
	}
	logging.L(ctx).Info("deal released after approval window", "tx_hash", txHash)
	return outcomeReleased
}

func (s *Sweeper) expireDispute(ctx context.Context, d *escrow.Deal) outcome {
	handle, ok := d.SettlementHandle()
	if !ok {
		return s.missingHandle(ctx, d)
	}
	if err := s.preflight(d, escrow.EventDisputeExpired); err != nil {
		return s.fail(ctx, d, "cancel_rejected", "", err)
	}
	txHash, out := s.settle(ctx, d, settleStep{
		action:  "cancel",
		network: handle.Network,
		trigger: func(ctx context.Context) (*escrow.SettlementResult, error) {
			return s.settler.TriggerCancel(ctx, handle, d.ID)
		},
		record: func(ctx context.Context, txHash string) error {
			_, err := s.deals.CancelOnDisputeExpiry(ctx, d.ID, txHash)
			return err
		},
	})
	if out != "" {
		return out
	}
	logging.L(ctx).Info("deal refunded after dispute window", "tx_hash", txHash)
	return outcomeRefunded
}

func (s *Sweeper) startUniversalRelease(ctx context.Context, d *escrow.Deal) outcome {
	handle, ok := d.ReleaseHandle()
	if !ok {
		return s.missingHandle(ctx, d)
	}
	txHash, out := s.settle(ctx, d, settleStep{
		action:  "universal_release",
		network: handle.Network,
		trigger: func(ctx context.Context) (*escrow.SettlementResult, error) {
			return s.settler.TriggerRelease(ctx, handle, d.ID)
		},
		record: func(ctx context.Context, txHash string) error {
			_, err := s.deals.StartUniversalRelease(ctx, d.ID, txHash, s.bridgeName(d))
			return err
		},
	})
	if out != "" {
		return out
	}
	logging.L(ctx).Info("universal release broadcast", "network", handle.Network, "tx_hash", txHash)
	return outcomeReleaseStarted
}

func (s *Sweeper) confirmUniversalRelease(ctx context.Context, d *escrow.Deal) outcome {
	if s.confirmer != nil {
		ok, err := s.confirmer.Confirm(ctx, d.SellerNetwork, d.ReleaseTxHash)
		if err != nil {
			// A reverted release needs an operator.
			return s.failOnce(ctx, d, "universal_release_unconfirmed", d.ReleaseTxHash, err)
		}
		if !ok {
			return outcomePending
		}
	}
	if _, err := s.deals.ConfirmUniversalRelease(ctx, d.ID, d.ReleaseTxHash, s.bridgeName(d)); err != nil {
		return s.fail(ctx, d, "universal_release_record_failed", d.ReleaseTxHash, err)
	}
	logging.L(ctx).Info("universal release confirmed", "tx_hash", d.ReleaseTxHash)
	return outcomeConfirmed
}

// settleStep is one on-chain action and the transition that records it.
// Timeline entries are named after action.
type settleStep struct {
	action  string
	network string
	trigger func(ctx context.Context) (*escrow.SettlementResult, error)
	record  func(ctx context.Context, txHash string) error
}

// settle sends st's transaction and records it, returning the hash or the
// outcome of a failure. When an earlier sweep already broadcast the
// transaction, its receipt is checked instead of sending a second one; a
// reverted transaction is noted and sent again.
func (s *Sweeper) settle(ctx context.Context, d *escrow.Deal, st settleStep) (string, outcome) {
	txHash := pendingBroadcast(d, st.action)
	if txHash != "" && s.confirmer != nil {
		ok, err := s.confirmer.Confirm(ctx, st.network, txHash)
		switch {
		case errors.Is(err, settlement.ErrReverted):
			logging.L(ctx).Warn("earlier broadcast reverted, sending again", "action", st.action, "tx_hash", txHash)
			if terr := s.deals.AppendTimeline(ctx, d.ID, escrow.TimelineEvent{
				Event:           st.action + "_reverted",
				System:          true,
				TransactionHash: txHash,
				Detail:          err.Error(),
			}); terr != nil {
				// Without the marker the next sweep would check this hash again.
				return "", s.fail(ctx, d, st.action+"_unconfirmed", txHash, terr)
			}
			txHash = ""
		case err != nil:
			return "", s.failOnce(ctx, d, st.action+"_unconfirmed", txHash, err)
		case !ok:
			return "", outcomePending
		default:
			logging.L(ctx).Info("earlier broadcast confirmed", "action", st.action, "tx_hash", txHash)
		}
	}

	if txHash == "" {
		res, err := st.trigger(ctx)
		if err != nil {
			return "", s.fail(ctx, d, st.action+"_failed", broadcastHash(err), err)
		}
		txHash = res.TxHash
	}
	if err := st.record(ctx, txHash); err != nil {
		return "", s.fail(ctx, d, st.action+"_record_failed", txHash, err)
	}
	return txHash, ""
}

// pendingBroadcast returns the hash of a transaction for action that was
// sent but never recorded as a transition, or "" if there is none.
func pendingBroadcast(d *escrow.Deal, action string) string {
	for i := len(d.Timeline) - 1; i >= 0; i-- {
		ev := d.Timeline[i]
		switch ev.Event {
		case action + "_reverted":
			return ""
		case action + "_failed", action + "_record_failed", action + "_unconfirmed":
			if ev.TransactionHash != "" {
				return ev.TransactionHash
			}
		}
	}
	return ""
}

// broadcastHash extracts the hash of a transaction that was sent before the
// call failed.
func broadcastHash(err error) string {
	var se *escrow.SettlementError
	if errors.As(err, &se) {
		return se.TxHash
	}
	return ""
}

// preflight checks the machine would accept event before any funds move.
func (s *Sweeper) preflight(d *escrow.Deal, event escrow.Event) error {
	_, _, err := s.deals.Machine().Apply(d, escrow.Command{Event: event, System: true}, s.now())
	return err
}

func (s *Sweeper) missingHandle(ctx context.Context, d *escrow.Deal) outcome {
	logging.L(ctx).Warn("deal past deadline has no settlement handle, skipping",
		"status", d.Status,
		"cross_chain", d.IsCrossChain,
	)
	return outcomeMissingHandle
}

// fail records a failed action on the deal timeline and leaves its status
// unchanged so the next sweep retries.
func (s *Sweeper) fail(ctx context.Context, d *escrow.Deal, event, txHash string, err error) outcome {
	logging.L(ctx).Error("sweep action failed", "event", event, "tx_hash", txHash, "error", err)
	if terr := s.deals.AppendTimeline(ctx, d.ID, escrow.TimelineEvent{
		Event:           event,
		System:          true,
		TransactionHash: txHash,
		Detail:          err.Error(),
	}); terr != nil {
		logging.L(ctx).Error("failed to record sweep failure on timeline", "event", event, "error", terr)
	}
	return outcomeFailed
}

// failOnce is fail without repeating the timeline entry when the deal's
// last event already records the same failure.
func (s *Sweeper) failOnce(ctx context.Context, d *escrow.Deal, event, txHash string, err error) outcome {
	if last, ok := lastEvent(d); ok && last.Event == event && last.TransactionHash == txHash {
		return outcomeFailed
	}
	return s.fail(ctx, d, event, txHash, err)
}

func (s *Sweeper) bridgeName(d *escrow.Deal) string {
	if s.bridges == nil {
		return ""
	}
	info, ok := s.bridges.BridgeFor(network.Tag(d.BuyerNetwork), network.Tag(d.SellerNetwork))
	if !ok {
		return ""
	}
	return info.Name
}

func lastEvent(d *escrow.Deal) (escrow.TimelineEvent, bool) {
	if len(d.Timeline) == 0 {
		return escrow.TimelineEvent{}, false
	}
	return d.Timeline[len(d.Timeline)-1], true
}
