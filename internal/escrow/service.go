package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/network"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// NetworkResolver classifies wallets and checks that a route exists between
// two networks.
type NetworkResolver interface {
	Resolve(address, hint string) (network.Tag, error)
	RouteExists(a, b network.Tag) bool
}

// CreateRequest contains the parameters for creating a deal.
type CreateRequest struct {
	BuyerID       string `json:"buyerId" validate:"required,max=128"`
	SellerID      string `json:"sellerId" validate:"required,max=128,nefield=BuyerID"`
	BuyerWallet   string `json:"buyerWallet" validate:"required,max=128"`
	SellerWallet  string `json:"sellerWallet" validate:"required,max=128"`
	BuyerNetwork  string `json:"buyerNetwork,omitempty" validate:"omitempty,max=32"`  // optional hint
	SellerNetwork string `json:"sellerNetwork,omitempty" validate:"omitempty,max=32"` // optional hint
	Amount        string `json:"amount" validate:"required,numeric,max=78"`
	Token         string `json:"token" validate:"required,max=64"`
	TokenRouting  string `json:"tokenRouting,omitempty" validate:"omitempty,max=64"`

	SettlementAddress string `json:"settlementAddress,omitempty" validate:"omitempty,max=128"`
	ReleaseAddress    string `json:"releaseAddress,omitempty" validate:"omitempty,max=128"`

	// Conditions, when present, are set immediately.
	Conditions []ConditionInput `json:"conditions,omitempty" validate:"omitempty,dive"`
}

// Service runs deal operations. Every mutation is a read, a pure
// Machine.Apply, and a version-checked write retried on conflict; no lock
// is held across I/O.
type Service struct {
	store    Store
	machine  *Machine
	resolver NetworkResolver
	settler  Settler
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a new deal service.
func NewService(store Store, machine *Machine, resolver NetworkResolver) *Service {
	return &Service{
		store:    store,
		machine:  machine,
		resolver: resolver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// WithSettler configures the executor used to cancel funded deals.
func (s *Service) WithSettler(settler Settler) *Service {
	s.settler = settler
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Machine returns the state machine the service applies.
func (s *Service) Machine() *Machine { return s.machine }

// CreateDeal validates req, classifies both wallets and persists a new deal.
func (s *Service) CreateDeal(ctx context.Context, req CreateRequest) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateDeal")
	var err error
	defer func() { traces.End(span, err) }()

	if err = s.validate.StructCtx(ctx, req); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidDeal, err)
		return nil, err
	}
	if _, err = amount.ParsePositive(req.Amount); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		return nil, err
	}

	buyerNet, err := s.resolver.Resolve(req.BuyerWallet, req.BuyerNetwork)
	if err != nil {
		err = fmt.Errorf("buyer wallet: %w", err)
		return nil, err
	}
	sellerNet, err := s.resolver.Resolve(req.SellerWallet, req.SellerNetwork)
	if err != nil {
		err = fmt.Errorf("seller wallet: %w", err)
		return nil, err
	}
	if !s.resolver.RouteExists(buyerNet, sellerNet) {
		err = fmt.Errorf("%w: no route from %s to %s", ErrUnsupportedNetwork, buyerNet, sellerNet)
		return nil, err
	}

	now := s.now()
	deal := &Deal{
		ID:                idgen.WithPrefix(idgen.DealPrefix),
		Status:            StatusAwaitingConditionSetup,
		Amount:            strings.TrimSpace(req.Amount),
		Token:             req.Token,
		TokenRouting:      req.TokenRouting,
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		BuyerWallet:       req.BuyerWallet,
		SellerWallet:      req.SellerWallet,
		BuyerNetwork:      string(buyerNet),
		SellerNetwork:     string(sellerNet),
		IsCrossChain:      buyerNet != sellerNet || (req.TokenRouting != "" && req.TokenRouting != req.Token),
		SettlementAddress: req.SettlementAddress,
		ReleaseAddress:    req.ReleaseAddress,
		Conditions:        []Condition{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	deal.Timeline = []TimelineEvent{{
		Event:             "deal_created",
		Timestamp:         now,
		UserID:            req.BuyerID,
		CrossChainDetails: deal.crossChainDetails(""),
	}}
	span.SetAttributes(traces.DealID(deal.ID), traces.Network(deal.BuyerNetwork))

	if len(req.Conditions) > 0 {
		next, _, applyErr := s.machine.Apply(deal, Command{
			Event:      EventSetConditions,
			Actor:      req.BuyerID,
			Conditions: req.Conditions,
		}, now)
		if applyErr != nil {
			err = applyErr
			return nil, err
		}
		deal = next
	}

	if err = s.store.Create(ctx, deal); err != nil {
		err = fmt.Errorf("failed to create deal record: %w", err)
		return nil, err
	}

	logging.L(ctx).Info("deal created",
		"deal_id", deal.ID,
		"buyer_network", deal.BuyerNetwork,
		"seller_network", deal.SellerNetwork,
		"cross_chain", deal.IsCrossChain,
		"status", deal.Status,
	)
	return deal, nil
}

// SetConditions sets the initial conditions. Either party may call it.
func (s *Service) SetConditions(ctx context.Context, id, actor string, conditions []ConditionInput) (*Deal, error) {
	for _, c := range conditions {
		if err := s.validate.StructCtx(ctx, c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDeal, err)
		}
	}
	return s.mutate(ctx, id, requireParty(actor), Command{
		Event:      EventSetConditions,
		Actor:      actor,
		Conditions: conditions,
	})
}

// ConfirmDeposit records the buyer's deposit as observed on chain.
func (s *Service) ConfirmDeposit(ctx context.Context, id, depositAmount, txHash string) (*Deal, error) {
	return s.mutate(ctx, id, nil, Command{
		Event:  EventDepositConfirmed,
		System: true,
		Amount: depositAmount,
		TxHash: txHash,
	})
}

// FulfillCondition marks an ordinary condition as met by the buyer.
func (s *Service) FulfillCondition(ctx context.Context, id, actor, conditionID, notes string) (*Deal, error) {
	return s.mutate(ctx, id, requireBuyer(actor), Command{
		Event:       EventConditionFulfilled,
		Actor:       actor,
		ConditionID: conditionID,
		Notes:       notes,
	})
}

// StartFinalApproval opens the final approval window.
func (s *Service) StartFinalApproval(ctx context.Context, id, actor string) (*Deal, error) {
	return s.mutate(ctx, id, requireBuyer(actor), Command{
		Event: EventStartFinalApproval,
		Actor: actor,
	})
}

// RaiseDispute withdraws the buyer's confirmation of a condition during the
// final approval window and opens the dispute window.
func (s *Service) RaiseDispute(ctx context.Context, id, actor, conditionID, reason string) (*Deal, error) {
	return s.mutate(ctx, id, requireBuyer(actor), Command{
		Event:       EventRaiseDispute,
		Actor:       actor,
		ConditionID: conditionID,
		Notes:       reason,
		Detail:      reason,
	})
}

// ReFulfillDuringDispute re-confirms a disputed condition before the dispute
// window closes.
func (s *Service) ReFulfillDuringDispute(ctx context.Context, id, actor, conditionID, notes string) (*Deal, error) {
	return s.mutate(ctx, id, requireBuyer(actor), Command{
		Event:       EventRefulfillDuringDispute,
		Actor:       actor,
		ConditionID: conditionID,
		Notes:       notes,
	})
}

// MutualCancel cancels the deal on behalf of either party. When funds are
// already deposited the escrow contract is cancelled first; if that fails
// the deal is left unchanged.
func (s *Service) MutualCancel(ctx context.Context, id, actor string) (*Deal, error) {
	deal, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !deal.IsParty(actor) {
		return nil, ErrUnauthorized
	}
	cmd := Command{Event: EventMutualCancel, Actor: actor}

	// Dry run so the contract is never cancelled for a deal the machine
	// would refuse to cancel.
	if _, _, err := s.machine.Apply(deal, cmd, s.now()); err != nil {
		s.recordRejection(cmd.Event, err)
		return nil, err
	}

	if deal.FundsDeposited {
		handle, ok := deal.SettlementHandle()
		if !ok {
			return nil, ErrMissingSettlementHandle
		}
		if s.settler == nil {
			return nil, fmt.Errorf("%w: no settlement executor configured", ErrSettlementFailed)
		}
		res, err := s.settler.TriggerCancel(ctx, handle, deal.ID)
		if err != nil {
			var se *SettlementError
			var txHash string
			if errors.As(err, &se) {
				txHash = se.TxHash
			}
			_ = s.AppendTimeline(ctx, id, TimelineEvent{
				Event:           "cancel_failed",
				UserID:          actor,
				TransactionHash: txHash,
				Detail:          err.Error(),
			})
			if !errors.Is(err, ErrSettlementFailed) {
				err = fmt.Errorf("%w: %v", ErrSettlementFailed, err)
			}
			return nil, err
		}
		cmd.TxHash = res.TxHash
	}

	next, err := s.mutate(ctx, id, requireParty(actor), cmd)
	if err != nil && cmd.TxHash != "" {
		// The contract already refunded the buyer; keep the hash on the deal
		// so an operator can reconcile it.
		logging.L(ctx).Error("cancel settled on chain but deal write failed",
			"deal_id", id, "tx_hash", cmd.TxHash, "error", err)
		if terr := s.AppendTimeline(ctx, id, TimelineEvent{
			Event:           "cancel_record_failed",
			UserID:          actor,
			TransactionHash: cmd.TxHash,
			Detail:          err.Error(),
		}); terr != nil {
			logging.L(ctx).Error("failed to record cancel on timeline", "deal_id", id, "error", terr)
		}
	}
	return next, err
}

// ReleaseAfterApprovalElapsed completes a same-network deal (txHash is the
// settlement release transaction) or moves a cross-chain deal to
// READY_FOR_UNIVERSAL_RELEASE.
func (s *Service) ReleaseAfterApprovalElapsed(ctx context.Context, id, txHash string) (*Deal, error) {
	return s.mutate(ctx, id, nil, Command{
		Event:  EventApprovalElapsed,
		System: true,
		TxHash: txHash,
	})
}

// CancelOnDisputeExpiry cancels a deal whose dispute window lapsed and
// records the full refund.
func (s *Service) CancelOnDisputeExpiry(ctx context.Context, id, txHash string) (*Deal, error) {
	return s.mutate(ctx, id, nil, Command{
		Event:  EventDisputeExpired,
		System: true,
		TxHash: txHash,
		Detail: "dispute window elapsed; deposit refunded to buyer",
	})
}

// StartUniversalRelease records the release transaction broadcast on the
// seller's network.
func (s *Service) StartUniversalRelease(ctx context.Context, id, txHash, bridge string) (*Deal, error) {
	return s.mutate(ctx, id, nil, Command{
		Event:  EventUniversalReleaseStarted,
		System: true,
		TxHash: txHash,
		Bridge: bridge,
	})
}

// ConfirmUniversalRelease completes a cross-chain deal once its release is
// confirmed on the seller's network.
func (s *Service) ConfirmUniversalRelease(ctx context.Context, id, txHash, bridge string) (*Deal, error) {
	return s.mutate(ctx, id, nil, Command{
		Event:  EventUniversalReleaseConfirmed,
		System: true,
		TxHash: txHash,
		Bridge: bridge,
	})
}

// AttachCrossChain links a prepared cross-chain transaction and injects its
// infrastructure conditions.
func (s *Service) AttachCrossChain(ctx context.Context, id, crossChainTxID string, conditions []ConditionInput, bridge string) (*Deal, error) {
	return s.mutate(ctx, id, nil, Command{
		Event:          EventAttachCrossChain,
		System:         true,
		CrossChainTxID: crossChainTxID,
		Conditions:     conditions,
		Bridge:         bridge,
	})
}

// FulfillInfraConditions marks every injected cross-chain condition as met.
func (s *Service) FulfillInfraConditions(ctx context.Context, id, txHash, bridge string) (*Deal, error) {
	return s.mutate(ctx, id, nil, Command{
		Event:  EventInfraConditionFulfilled,
		System: true,
		TxHash: txHash,
		Bridge: bridge,
	})
}

// AppendTimeline adds an audit entry without changing the deal's state.
// Entries without a timestamp are stamped with the current time.
func (s *Service) AppendTimeline(ctx context.Context, id string, ev TimelineEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	if ev.UserID == "" {
		ev.System = true
	}
	return retry.Conflict.DoIf(ctx, isConflict, func() error {
		deal, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		next := deal.Clone()
		next.Timeline = append(next.Timeline, ev)
		next.UpdatedAt = ev.Timestamp
		return s.update(ctx, next, deal.Version)
	})
}

// Get returns a deal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Deal, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns one page of deals where userID is buyer or seller,
// newest first, and the cursor of the following page ("" on the last page).
func (s *Service) ListByParty(ctx context.Context, userID string, limit int, cursor string) ([]*Deal, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	deals, err := s.store.ListByParty(ctx, userID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.ComputePage(deals, limit, func(d *Deal) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	return page, next, nil
}

// mutate reads the deal, applies cmd, and writes the result back guarded by
// the version it read. Conflicts re-read and re-apply.
func (s *Service) mutate(ctx context.Context, id string, authorize func(*Deal) error, cmd Command) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(cmd.Event), traces.DealID(id), traces.Event(string(cmd.Event)))

	var (
		result  *Deal
		outcome *Outcome
	)
	err := retry.Conflict.DoIf(ctx, isConflict, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if authorize != nil {
			if err := authorize(current); err != nil {
				return err
			}
		}
		next, out, err := s.machine.Apply(current, cmd, s.now())
		if err != nil {
			return err
		}
		if err := s.update(ctx, next, current.Version); err != nil {
			return err
		}
		result, outcome = next, out
		return nil
	})
	if err == nil {
		span.SetAttributes(traces.DealStatus(string(outcome.To)))
	}
	traces.End(span, err)
	if err != nil {
		s.recordRejection(cmd.Event, err)
		return nil, err
	}

	metrics.DealTransitionsTotal.WithLabelValues(string(cmd.Event), string(outcome.To)).Inc()
	if outcome.To.IsTerminal() {
		metrics.DealDuration.WithLabelValues(string(outcome.To)).Observe(result.UpdatedAt.Sub(result.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("deal transition",
		"deal_id", id,
		"event", cmd.Event,
		"from", outcome.From,
		"to", outcome.To,
		"version", result.Version,
	)
	return result, nil
}

func (s *Service) update(ctx context.Context, deal *Deal, expectedVersion int64) error {
	err := s.store.Update(ctx, deal, expectedVersion)
	if errors.Is(err, ErrVersionConflict) {
		metrics.VersionConflictsTotal.Inc()
	}
	return err
}

func (s *Service) recordRejection(event Event, err error) {
	var te *TransitionError
	if !errors.As(err, &te) {
		return
	}
	reason := "not_allowed"
	if te.Reason != nil {
		reason = te.Reason.Error()
	}
	metrics.DealTransitionsRejected.WithLabelValues(string(event), reason).Inc()
}

func isConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func requireBuyer(actor string) func(*Deal) error {
	return func(d *Deal) error {
		if actor == "" || actor != d.BuyerID {
			return ErrUnauthorized
		}
		return nil
	}
}

func requireParty(actor string) func(*Deal) error {
	return func(d *Deal) error {
		if !d.IsParty(actor) {
			return ErrUnauthorized
		}
		return nil
	}
}
