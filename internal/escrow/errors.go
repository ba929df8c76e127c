package escrow

import (
	"errors"
	"fmt"

	"github.com/mbd888/escrowd/internal/network"
)

var (
	ErrDealNotFound            = errors.New("deal not found")
	ErrInvalidDeal             = errors.New("invalid deal")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrVersionConflict         = errors.New("deal was modified concurrently")
	ErrUnauthorized            = errors.New("not authorized for this deal operation")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrSettlementFailed        = errors.New("settlement execution failed")
	ErrMissingSettlementHandle = errors.New("deal has no settlement handle")

	// ErrUnsupportedNetwork is returned when a wallet cannot be classified
	// or its network pair has no route.
	ErrUnsupportedNetwork = network.ErrUnsupportedNetwork
)

// Guard failures. They are reported wrapped in a *TransitionError so that
// errors.Is matches both the specific reason and ErrInvalidStateTransition.
var (
	ErrInvalidConditions      = errors.New("conditions must be non-empty and unique")
	ErrUnknownCondition       = errors.New("unknown condition")
	ErrConditionFulfilled     = errors.New("condition already fulfilled")
	ErrConditionNotFulfilled  = errors.New("condition is not fulfilled")
	ErrInfraCondition         = errors.New("cross-chain conditions are fulfilled by the orchestrator")
	ErrConditionsNotMet       = errors.New("not all conditions are fulfilled")
	ErrFundsNotDeposited      = errors.New("funds have not been deposited")
	ErrAmountMismatch         = errors.New("deposit amount does not match escrow amount")
	ErrDeadlinePassed         = errors.New("deadline has passed")
	ErrDeadlineNotReached     = errors.New("deadline has not been reached")
	ErrNotCrossChain          = errors.New("deal is not cross-chain")
	ErrCrossChainNotPrepared  = errors.New("cross-chain transaction has not been prepared")
	ErrCrossChainAttached     = errors.New("cross-chain transaction already attached")
	ErrMissingTransactionHash = errors.New("transaction hash required")
)

// TransitionError describes a rejected command.
type TransitionError struct {
	From   Status
	Event  Event
	Reason error // nil when the event is never allowed from From
}

func (e *TransitionError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("%s: %s not allowed from %s", ErrInvalidStateTransition, e.Event, e.From)
	}
	return fmt.Sprintf("%s: %s from %s: %s", ErrInvalidStateTransition, e.Event, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrInvalidStateTransition}
	}
	return []error{ErrInvalidStateTransition, e.Reason}
}

// SettlementError carries the context of a failed settlement call.
type SettlementError struct {
	Op      string // "release" or "cancel"
	Network string
	TxHash  string // set when the transaction was broadcast but failed
	Err     error
}

func (e *SettlementError) Error() string {
	msg := fmt.Sprintf("%s on %s: %v", e.Op, e.Network, e.Err)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return msg
}

func (e *SettlementError) Unwrap() []error {
	return []error{ErrSettlementFailed, e.Err}
}
