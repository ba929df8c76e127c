package escrow

import (
	"slices"
	"time"

	"github.com/mbd888/escrowd/internal/amount"
)

// Event names a command the state machine understands.
type Event string

const (
	EventSetConditions             Event = "set_conditions"
	EventDepositConfirmed          Event = "deposit_confirmed"
	EventConditionFulfilled        Event = "condition_fulfilled"
	EventStartFinalApproval        Event = "start_final_approval"
	EventRaiseDispute              Event = "raise_dispute"
	EventRefulfillDuringDispute    Event = "refulfill_during_dispute"
	EventApprovalElapsed           Event = "approval_elapsed"
	EventDisputeExpired            Event = "dispute_expired"
	EventMutualCancel              Event = "mutual_cancel"
	EventAttachCrossChain          Event = "attach_cross_chain"
	EventInfraConditionFulfilled   Event = "infra_condition_fulfilled"
	EventUniversalReleaseStarted   Event = "universal_release_started"
	EventUniversalReleaseConfirmed Event = "universal_release_confirmed"
)

// AllEvents lists every event the machine accepts.
var AllEvents = []Event{
	EventSetConditions,
	EventDepositConfirmed,
	EventConditionFulfilled,
	EventStartFinalApproval,
	EventRaiseDispute,
	EventRefulfillDuringDispute,
	EventApprovalElapsed,
	EventDisputeExpired,
	EventMutualCancel,
	EventAttachCrossChain,
	EventInfraConditionFulfilled,
	EventUniversalReleaseStarted,
	EventUniversalReleaseConfirmed,
}

// ConditionInput describes a condition supplied by a caller.
type ConditionInput struct {
	ID          string `json:"id" validate:"required,max=128"`
	Description string `json:"description" validate:"max=1024"`
}

// Command is one request to advance a deal. Only the fields relevant to
// Event are read.
type Command struct {
	Event  Event
	Actor  string // user id; empty for system-originated commands
	System bool

	Conditions  []ConditionInput // set_conditions, attach_cross_chain
	ConditionID string           // condition_fulfilled, raise_dispute, refulfill_during_dispute
	Notes       string

	Amount         string // deposit_confirmed
	TxHash         string
	CrossChainTxID string // attach_cross_chain
	Bridge         string // timeline decoration for cross-chain deals
	Detail         string
}

// Outcome describes what an applied command did.
type Outcome struct {
	Event    Event
	From     Status
	To       Status
	Timeline TimelineEvent

	// Split is set when the deal completed and funds went to the seller.
	Split *amount.Split
	// Refund is set when the deal was cancelled after deposit.
	Refund string
}

// Policy holds the tunable parameters of the machine.
type Policy struct {
	FinalApprovalWindow time.Duration
	DisputeWindow       time.Duration
	ServiceFeeBps       uint64
}

// Defaults.
const (
	DefaultFinalApprovalWindow = 48 * time.Hour
	DefaultDisputeWindow       = 7 * 24 * time.Hour
	DefaultServiceFeeBps       = 200
)

// DefaultPolicy returns a 48h approval window, a 7 day dispute window and a 2% fee.
func DefaultPolicy() Policy {
	return Policy{
		FinalApprovalWindow: DefaultFinalApprovalWindow,
		DisputeWindow:       DefaultDisputeWindow,
		ServiceFeeBps:       DefaultServiceFeeBps,
	}
}

// transition is one row of the table. apply validates the command and
// mutates the (already cloned) deal, returning the target state. It must not
// touch anything but d.
type transition struct {
	targets  []Status
	timeline string
	apply    func(m *Machine, d *Deal, cmd Command, now time.Time) (Status, error)
}

type key struct {
	from  Status
	event Event
}

// Machine applies commands to deals. It performs no I/O and is safe for
// concurrent use.
type Machine struct {
	policy Policy
	table  map[key]transition
}

// NewMachine builds a machine with the given policy. Zero fields fall back
// to DefaultPolicy.
func NewMachine(p Policy) *Machine {
	def := DefaultPolicy()
	if p.FinalApprovalWindow <= 0 {
		p.FinalApprovalWindow = def.FinalApprovalWindow
	}
	if p.DisputeWindow <= 0 {
		p.DisputeWindow = def.DisputeWindow
	}
	if p.ServiceFeeBps > amount.BasisPointsDenominator {
		p.ServiceFeeBps = def.ServiceFeeBps
	}
	return &Machine{policy: p, table: buildTable()}
}

// Policy returns the machine's policy.
func (m *Machine) Policy() Policy { return m.policy }

// Allowed reports whether event is ever accepted from status. Guards may
// still reject a particular command.
func (m *Machine) Allowed(from Status, event Event) bool {
	_, ok := m.table[key{from, event}]
	return ok
}

// Targets returns the states event may lead to from status.
func (m *Machine) Targets(from Status, event Event) []Status {
	return slices.Clone(m.table[key{from, event}].targets)
}

// Apply computes the next deal for cmd. The input deal is never modified; on
// error the returned deal is nil and nothing has changed.
func (m *Machine) Apply(d *Deal, cmd Command, now time.Time) (*Deal, *Outcome, error) {
	t, ok := m.table[key{d.Status, cmd.Event}]
	if !ok {
		return nil, nil, &TransitionError{From: d.Status, Event: cmd.Event}
	}

	next := d.Clone()
	to, err := t.apply(m, next, cmd, now)
	if err != nil {
		return nil, nil, &TransitionError{From: d.Status, Event: cmd.Event, Reason: err}
	}
	if !slices.Contains(t.targets, to) {
		return nil, nil, &TransitionError{From: d.Status, Event: cmd.Event, Reason: ErrInvalidStateTransition}
	}

	next.Status = to
	next.UpdatedAt = now

	entry := TimelineEvent{
		Event:             t.timeline,
		Timestamp:         now,
		UserID:            cmd.Actor,
		System:            cmd.System || cmd.Actor == "",
		TransactionHash:   cmd.TxHash,
		CrossChainDetails: next.crossChainDetails(cmd.Bridge),
		Detail:            cmd.Detail,
	}
	next.Timeline = append(next.Timeline, entry)

	out := &Outcome{Event: cmd.Event, From: d.Status, To: to, Timeline: entry}
	if to == StatusCompleted {
		out.Split = &amount.Split{Total: next.Amount, ServiceFee: next.ServiceFee, SellerPayout: next.SellerPayout}
	}
	if to == StatusCancelled && next.RefundAmount != "" {
		out.Refund = next.RefundAmount
	}
	return next, out, nil
}

func buildTable() map[key]transition {
	t := make(map[key]transition)
	add := func(from []Status, event Event, tr transition) {
		for _, f := range from {
			t[key{f, event}] = tr
		}
	}

	add([]Status{StatusAwaitingConditionSetup}, EventSetConditions, transition{
		targets:  []Status{StatusAwaitingDeposit, StatusAwaitingUniversalDeposit},
		timeline: "conditions_set",
		apply:    applySetConditions,
	})
	add([]Status{StatusAwaitingDeposit, StatusAwaitingUniversalDeposit}, EventDepositConfirmed, transition{
		targets:  []Status{StatusAwaitingFulfillment},
		timeline: "deposit_confirmed",
		apply:    applyDeposit,
	})
	add([]Status{StatusAwaitingFulfillment}, EventConditionFulfilled, transition{
		targets:  []Status{StatusAwaitingFulfillment, StatusReadyForFinalApproval},
		timeline: "condition_fulfilled",
		apply:    applyConditionFulfilled,
	})
	add([]Status{StatusAwaitingFulfillment}, EventInfraConditionFulfilled, transition{
		targets:  []Status{StatusAwaitingFulfillment, StatusReadyForFinalApproval},
		timeline: "cross_chain_conditions_fulfilled",
		apply:    applyInfraFulfilled,
	})
	add([]Status{StatusReadyForFinalApproval}, EventStartFinalApproval, transition{
		targets:  []Status{StatusInFinalApproval},
		timeline: "final_approval_started",
		apply:    applyStartFinalApproval,
	})
	add([]Status{StatusInFinalApproval}, EventRaiseDispute, transition{
		targets:  []Status{StatusInDispute},
		timeline: "dispute_raised",
		apply:    applyRaiseDispute,
	})
	add([]Status{StatusInDispute}, EventRefulfillDuringDispute, transition{
		targets:  []Status{StatusInDispute, StatusReadyForFinalApproval},
		timeline: "condition_refulfilled",
		apply:    applyRefulfill,
	})
	add([]Status{StatusInFinalApproval}, EventApprovalElapsed, transition{
		targets:  []Status{StatusCompleted, StatusReadyForUniversalRelease},
		timeline: "final_approval_elapsed",
		apply:    applyApprovalElapsed,
	})
	add([]Status{StatusInDispute}, EventDisputeExpired, transition{
		targets:  []Status{StatusCancelled},
		timeline: "dispute_expired_refunded",
		apply:    applyDisputeExpired,
	})
	add([]Status{
		StatusAwaitingConditionSetup,
		StatusAwaitingDeposit,
		StatusAwaitingUniversalDeposit,
		StatusAwaitingFulfillment,
		StatusInFinalApproval,
		StatusInDispute,
	}, EventMutualCancel, transition{
		targets:  []Status{StatusCancelled},
		timeline: "deal_cancelled",
		apply:    applyMutualCancel,
	})
	add([]Status{StatusAwaitingUniversalDeposit}, EventAttachCrossChain, transition{
		targets:  []Status{StatusAwaitingUniversalDeposit},
		timeline: "cross_chain_prepared",
		apply:    applyAttachCrossChain,
	})
	add([]Status{StatusReadyForUniversalRelease}, EventUniversalReleaseStarted, transition{
		targets:  []Status{StatusAwaitingUniversalRelease},
		timeline: "universal_release_started",
		apply:    applyUniversalReleaseStarted,
	})
	add([]Status{StatusAwaitingUniversalRelease}, EventUniversalReleaseConfirmed, transition{
		targets:  []Status{StatusCompleted},
		timeline: "universal_release_confirmed",
		apply:    applyUniversalReleaseConfirmed,
	})
	return t
}

func applySetConditions(_ *Machine, d *Deal, cmd Command, now time.Time) (Status, error) {
	if len(cmd.Conditions) == 0 {
		return "", ErrInvalidConditions
	}
	seen := make(map[string]bool, len(cmd.Conditions))
	conditions := make([]Condition, 0, len(cmd.Conditions))
	for _, in := range cmd.Conditions {
		if in.ID == "" || seen[in.ID] {
			return "", ErrInvalidConditions
		}
		seen[in.ID] = true
		conditions = append(conditions, Condition{
			ID:          in.ID,
			Description: in.Description,
			Type:        ConditionOrdinary,
			Status:      ConditionPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			UpdatedBy:   cmd.Actor,
		})
	}
	d.Conditions = conditions

	if d.IsCrossChain {
		return StatusAwaitingUniversalDeposit, nil
	}
	return StatusAwaitingDeposit, nil
}

func applyDeposit(_ *Machine, d *Deal, cmd Command, _ time.Time) (Status, error) {
	cmp, err := amount.Cmp(cmd.Amount, d.Amount)
	if err != nil {
		return "", ErrInvalidAmount
	}
	if d.Status == StatusAwaitingUniversalDeposit {
		// Bridge fees are taken upstream, so anything at or above the escrow
		// amount is accepted.
		if d.CrossChainTransactionID == "" {
			return "", ErrCrossChainNotPrepared
		}
		if cmp < 0 {
			return "", ErrAmountMismatch
		}
	} else if cmp != 0 {
		return "", ErrAmountMismatch
	}
	d.FundsDeposited = true
	return StatusAwaitingFulfillment, nil
}

// setCondition moves condition i to status, recording who and when.
func setCondition(d *Deal, i int, status ConditionStatus, cmd Command, now time.Time) {
	c := &d.Conditions[i]
	c.Status = status
	c.UpdatedAt = now
	c.UpdatedBy = cmd.Actor
	if cmd.Notes != "" {
		c.Notes = cmd.Notes
	}
}

func ordinaryCondition(d *Deal, id string) (int, error) {
	i := d.conditionIndex(id)
	if i < 0 {
		return -1, ErrUnknownCondition
	}
	if d.Conditions[i].Type != ConditionOrdinary {
		return -1, ErrInfraCondition
	}
	return i, nil
}

func applyConditionFulfilled(_ *Machine, d *Deal, cmd Command, now time.Time) (Status, error) {
	i, err := ordinaryCondition(d, cmd.ConditionID)
	if err != nil {
		return "", err
	}
	if d.Conditions[i].Fulfilled() {
		return "", ErrConditionFulfilled
	}
	setCondition(d, i, ConditionFulfilled, cmd, now)

	if d.AllConditionsMet() {
		return StatusReadyForFinalApproval, nil
	}
	return StatusAwaitingFulfillment, nil
}

// applyInfraFulfilled fulfils every pending cross-chain condition, or only
// cmd.ConditionID when set.
func applyInfraFulfilled(_ *Machine, d *Deal, cmd Command, now time.Time) (Status, error) {
	if !d.IsCrossChain {
		return "", ErrNotCrossChain
	}
	matched := false
	for i, c := range d.Conditions {
		if c.Type != ConditionCrossChainInfra {
			continue
		}
		if cmd.ConditionID != "" && c.ID != cmd.ConditionID {
			continue
		}
		matched = true
		if !c.Fulfilled() {
			setCondition(d, i, ConditionFulfilled, cmd, now)
		}
	}
	if !matched {
		return "", ErrUnknownCondition
	}

	if d.AllConditionsMet() {
		return StatusReadyForFinalApproval, nil
	}
	return StatusAwaitingFulfillment, nil
}

func applyStartFinalApproval(m *Machine, d *Deal, _ Command, now time.Time) (Status, error) {
	if !d.FundsDeposited {
		return "", ErrFundsNotDeposited
	}
	if !d.AllConditionsMet() {
		return "", ErrConditionsNotMet
	}
	deadline := now.Add(m.policy.FinalApprovalWindow)
	d.FinalApprovalDeadline = &deadline
	d.DisputeResolutionDeadline = nil
	return StatusInFinalApproval, nil
}

// open reports whether a window ending at deadline is still open at now.
func open(deadline *time.Time, now time.Time) bool {
	return deadline != nil && now.Before(*deadline)
}

// elapsed reports whether a window ending at deadline has closed at now.
func elapsed(deadline *time.Time, now time.Time) bool {
	return deadline != nil && !now.Before(*deadline)
}

func applyRaiseDispute(m *Machine, d *Deal, cmd Command, now time.Time) (Status, error) {
	if !open(d.FinalApprovalDeadline, now) {
		return "", ErrDeadlinePassed
	}
	i, err := ordinaryCondition(d, cmd.ConditionID)
	if err != nil {
		return "", err
	}
	if !d.Conditions[i].Fulfilled() {
		return "", ErrConditionNotFulfilled
	}
	setCondition(d, i, ConditionWithdrawn, cmd, now)

	deadline := now.Add(m.policy.DisputeWindow)
	d.DisputeResolutionDeadline = &deadline
	return StatusInDispute, nil
}

func applyRefulfill(_ *Machine, d *Deal, cmd Command, now time.Time) (Status, error) {
	if !open(d.DisputeResolutionDeadline, now) {
		return "", ErrDeadlinePassed
	}
	i, err := ordinaryCondition(d, cmd.ConditionID)
	if err != nil {
		return "", err
	}
	if d.Conditions[i].Fulfilled() {
		return "", ErrConditionFulfilled
	}
	setCondition(d, i, ConditionFulfilled, cmd, now)

	if d.AllConditionsMet() {
		// The approval window restarts only through start_final_approval.
		d.FinalApprovalDeadline = nil
		return StatusReadyForFinalApproval, nil
	}
	return StatusInDispute, nil
}

func applyApprovalElapsed(m *Machine, d *Deal, cmd Command, now time.Time) (Status, error) {
	if !elapsed(d.FinalApprovalDeadline, now) {
		return "", ErrDeadlineNotReached
	}
	if !d.FundsDeposited {
		return "", ErrFundsNotDeposited
	}
	if !d.AllConditionsMet() {
		return "", ErrConditionsNotMet
	}
	if d.IsCrossChain {
		return StatusReadyForUniversalRelease, nil
	}
	if err := m.release(d, cmd); err != nil {
		return "", err
	}
	return StatusCompleted, nil
}

// release records the fee split and marks funds as paid out.
func (m *Machine) release(d *Deal, cmd Command) error {
	split, err := amount.FeeSplit(d.Amount, m.policy.ServiceFeeBps)
	if err != nil {
		return err
	}
	d.ServiceFee = split.ServiceFee
	d.SellerPayout = split.SellerPayout
	d.FundsReleased = true
	if cmd.TxHash != "" {
		d.ReleaseTxHash = cmd.TxHash
	}
	return nil
}

func refund(d *Deal) {
	if d.FundsDeposited {
		d.RefundAmount = d.Amount
	} else {
		d.RefundAmount = "0"
	}
}

func applyDisputeExpired(_ *Machine, d *Deal, _ Command, now time.Time) (Status, error) {
	if !elapsed(d.DisputeResolutionDeadline, now) {
		return "", ErrDeadlineNotReached
	}
	refund(d)
	return StatusCancelled, nil
}

func applyMutualCancel(_ *Machine, d *Deal, _ Command, now time.Time) (Status, error) {
	switch d.Status {
	case StatusInFinalApproval:
		if !open(d.FinalApprovalDeadline, now) {
			return "", ErrDeadlinePassed
		}
	case StatusInDispute:
		if !open(d.DisputeResolutionDeadline, now) {
			return "", ErrDeadlinePassed
		}
	}
	refund(d)
	return StatusCancelled, nil
}

func applyAttachCrossChain(_ *Machine, d *Deal, cmd Command, now time.Time) (Status, error) {
	if !d.IsCrossChain {
		return "", ErrNotCrossChain
	}
	if d.CrossChainTransactionID != "" {
		return "", ErrCrossChainAttached
	}
	if cmd.CrossChainTxID == "" || len(cmd.Conditions) == 0 {
		return "", ErrInvalidConditions
	}
	for _, in := range cmd.Conditions {
		if in.ID == "" || d.conditionIndex(in.ID) >= 0 {
			return "", ErrInvalidConditions
		}
		d.Conditions = append(d.Conditions, Condition{
			ID:          in.ID,
			Description: in.Description,
			Type:        ConditionCrossChainInfra,
			Status:      ConditionPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	d.CrossChainTransactionID = cmd.CrossChainTxID
	return StatusAwaitingUniversalDeposit, nil
}

func applyUniversalReleaseStarted(_ *Machine, d *Deal, cmd Command, _ time.Time) (Status, error) {
	if cmd.TxHash == "" {
		return "", ErrMissingTransactionHash
	}
	d.ReleaseTxHash = cmd.TxHash
	return StatusAwaitingUniversalRelease, nil
}

func applyUniversalReleaseConfirmed(m *Machine, d *Deal, cmd Command, _ time.Time) (Status, error) {
	if !d.FundsDeposited {
		return "", ErrFundsNotDeposited
	}
	if !d.AllConditionsMet() {
		return "", ErrConditionsNotMet
	}
	if err := m.release(d, cmd); err != nil {
		return "", err
	}
	return StatusCompleted, nil
}
