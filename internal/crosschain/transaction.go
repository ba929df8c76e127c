// Package crosschain moves deal funds between networks.
//
// A Transaction is prepared once per cross-chain deal. It carries an ordered
// step plan (lock on the source network, an optional bridge transfer, release
// on the target network) and is mirrored on the deal as injected
// infrastructure conditions, so the ordinary fulfillment flow also waits on
// fund movement. Steps are only marked complete after their external
// reference has been confirmed.
package crosschain

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrTransactionNotFound = errors.New("crosschain: transaction not found")
	ErrVersionConflict     = errors.New("crosschain: transaction was modified concurrently")
	ErrUnknownStep         = errors.New("crosschain: unknown step")
	ErrStepOutOfOrder      = errors.New("crosschain: previous steps are not complete")
	ErrStepPending         = errors.New("crosschain: step not yet confirmed")
	ErrStepFailed          = errors.New("crosschain: step failed")
	ErrMissingReference    = errors.New("crosschain: external transaction reference is required")
	ErrTransactionFailed   = errors.New("crosschain: transaction failed, retry it first")
	ErrNotFailed           = errors.New("crosschain: transaction has not failed")
	ErrDealNotReady        = errors.New("crosschain: deal is not in a state that allows this")
	ErrNoRoute             = errors.New("crosschain: no bridge route")
	ErrBridgeUnavailable   = errors.New("crosschain: bridge provider unavailable")
)

// Status is the lifecycle state of a cross-chain transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Action names what a step does.
type Action string

const (
	ActionLockSource     Action = "lock_source"
	ActionBridgeTransfer Action = "bridge_transfer"
	ActionReleaseTarget  Action = "release_target"
)

// Step is one ordered unit of the plan. Numbers start at 1.
type Step struct {
	Number      int        `json:"number"`
	Action      Action     `json:"action"`
	TxRef       string     `json:"txRef,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// BridgeQuote is the route a bridge provider quoted for the transfer.
type BridgeQuote struct {
	Name          string        `json:"name"`
	EstimatedTime time.Duration `json:"estimatedTime"`
	Fee           string        `json:"fee"`
	QuoteID       string        `json:"quoteId,omitempty"`
}

// Transaction tracks the movement of one deal's funds across networks.
type Transaction struct {
	ID              string       `json:"id"`
	Version         int64        `json:"version"`
	DealID          string       `json:"dealId"`
	SourceNetwork   string       `json:"sourceNetwork"`
	TargetNetwork   string       `json:"targetNetwork"`
	Amount          string       `json:"amount"`
	Steps           []Step       `json:"steps"`
	Status          Status       `json:"status"`
	NeedsBridge     bool         `json:"needsBridge"`
	Bridge          *BridgeQuote `json:"bridge,omitempty"`
	FailureReason   string       `json:"failureReason,omitempty"`
	LastStatusCheck *time.Time   `json:"lastStatusCheck,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Steps != nil {
		cp.Steps = make([]Step, len(t.Steps))
		for i, s := range t.Steps {
			if s.CompletedAt != nil {
				at := *s.CompletedAt
				s.CompletedAt = &at
			}
			cp.Steps[i] = s
		}
	}
	if t.Bridge != nil {
		b := *t.Bridge
		cp.Bridge = &b
	}
	if t.LastStatusCheck != nil {
		at := *t.LastStatusCheck
		cp.LastStatusCheck = &at
	}
	return &cp
}

// Step returns the step with the given number.
func (t *Transaction) Step(n int) (Step, bool) {
	if n < 1 || n > len(t.Steps) {
		return Step{}, false
	}
	return t.Steps[n-1], true
}

// AllStepsCompleted reports whether every step has been confirmed.
func (t *Transaction) AllStepsCompleted() bool {
	return len(t.Steps) > 0 && !slices.ContainsFunc(t.Steps, func(s Step) bool { return !s.Completed })
}

// BridgeName returns the quoted bridge, or "" when none is involved.
func (t *Transaction) BridgeName() string {
	if t.Bridge == nil {
		return ""
	}
	return t.Bridge.Name
}

// networkFor returns the network a chain step's reference lives on.
func (t *Transaction) networkFor(a Action) string {
	if a == ActionReleaseTarget {
		return t.TargetNetwork
	}
	return t.SourceNetwork
}

func planSteps(needsBridge bool) []Step {
	actions := []Action{ActionLockSource}
	if needsBridge {
		actions = append(actions, ActionBridgeTransfer)
	}
	actions = append(actions, ActionReleaseTarget)

	steps := make([]Step, len(actions))
	for i, a := range actions {
		steps[i] = Step{Number: i + 1, Action: a}
	}
	return steps
}
