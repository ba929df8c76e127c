package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMachine() *Machine {
	return NewMachine(DefaultPolicy())
}

func newTestDeal() *Deal {
	return &Deal{
		ID:            "deal_test",
		Version:       1,
		Status:        StatusAwaitingConditionSetup,
		Amount:        "1000",
		Token:         "USDC",
		BuyerID:       "buyer",
		SellerID:      "seller",
		BuyerWallet:   "0x52908400098527886E0F7030069857D2E4169EE7",
		SellerWallet:  "0x8617E340B3D01FA5F11F306F4090FD50E238070D",
		BuyerNetwork:  "ethereum",
		SellerNetwork: "ethereum",
		Conditions:    []Condition{},
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func mustApply(t *testing.T, m *Machine, d *Deal, cmd Command, now time.Time) *Deal {
	t.Helper()
	next, _, err := m.Apply(d, cmd, now)
	require.NoError(t, err, "apply %s from %s", cmd.Event, d.Status)
	return next
}

// fundedDeal walks a deal to READY_FOR_FINAL_APPROVAL with the given conditions.
func fundedDeal(t *testing.T, m *Machine, ids ...string) *Deal {
	t.Helper()
	d := newTestDeal()
	var inputs []ConditionInput
	for _, id := range ids {
		inputs = append(inputs, ConditionInput{ID: id, Description: "condition " + id})
	}
	d = mustApply(t, m, d, Command{Event: EventSetConditions, Actor: "buyer", Conditions: inputs}, t0)
	d = mustApply(t, m, d, Command{Event: EventDepositConfirmed, Amount: d.Amount, TxHash: "0xdeposit"}, t0)
	for _, id := range ids {
		d = mustApply(t, m, d, Command{Event: EventConditionFulfilled, Actor: "buyer", ConditionID: id}, t0)
	}
	return d
}

func TestMachine_ScenarioA(t *testing.T) {
	m := testMachine()
	d := newTestDeal()

	d = mustApply(t, m, d, Command{Event: EventSetConditions, Actor: "buyer", Conditions: []ConditionInput{{ID: "delivery"}}}, t0)
	assert.Equal(t, StatusAwaitingDeposit, d.Status)

	d = mustApply(t, m, d, Command{Event: EventDepositConfirmed, Amount: "1000"}, t0)
	assert.Equal(t, StatusAwaitingFulfillment, d.Status)
	assert.True(t, d.FundsDeposited)

	d = mustApply(t, m, d, Command{Event: EventConditionFulfilled, Actor: "buyer", ConditionID: "delivery"}, t0)
	assert.Equal(t, StatusReadyForFinalApproval, d.Status)

	now := t0.Add(time.Hour)
	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval, Actor: "buyer"}, now)
	assert.Equal(t, StatusInFinalApproval, d.Status)
	require.NotNil(t, d.FinalApprovalDeadline)
	assert.Equal(t, now.Add(48*time.Hour), *d.FinalApprovalDeadline)
}

func TestMachine_ApplyDoesNotMutateInput(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a")
	before := d.Clone()

	next := mustApply(t, m, d, Command{Event: EventStartFinalApproval, Actor: "buyer"}, t0)
	assert.Equal(t, before, d)
	assert.NotEqual(t, d.Status, next.Status)
	assert.Len(t, next.Timeline, len(d.Timeline)+1)
}

// Every (state, event) pair is either in the table or rejected with
// ErrInvalidStateTransition and no side effects.
func TestMachine_ExhaustiveTransitionTable(t *testing.T) {
	m := testMachine()

	for _, status := range AllStatuses {
		for _, event := range AllEvents {
			d := newTestDeal()
			d.Status = status
			before := d.Clone()

			next, out, err := m.Apply(d, Command{Event: event, Actor: "buyer"}, t0)
			assert.Equal(t, before, d, "%s/%s mutated input", status, event)

			if !m.Allowed(status, event) {
				require.Error(t, err, "%s/%s should be rejected", status, event)
				assert.ErrorIs(t, err, ErrInvalidStateTransition)
				var te *TransitionError
				require.True(t, errors.As(err, &te))
				assert.Nil(t, te.Reason)
				assert.Nil(t, next)
				assert.Nil(t, out)
				continue
			}

			assert.NotEmpty(t, m.Targets(status, event), "%s/%s has no targets", status, event)
			if err != nil {
				// Guards may reject the bare command; the error must still
				// be a transition error.
				assert.ErrorIs(t, err, ErrInvalidStateTransition)
				assert.Nil(t, next)
				continue
			}
			assert.Contains(t, m.Targets(status, event), next.Status)
		}
	}
}

func TestMachine_TerminalStatesAcceptNothing(t *testing.T) {
	m := testMachine()
	for _, status := range []Status{StatusCompleted, StatusCancelled} {
		for _, event := range AllEvents {
			assert.False(t, m.Allowed(status, event), "%s/%s", status, event)
		}
	}
}

func TestMachine_SetConditions(t *testing.T) {
	m := testMachine()

	tests := []struct {
		name  string
		conds []ConditionInput
	}{
		{"empty", nil},
		{"blank id", []ConditionInput{{ID: ""}}},
		{"duplicate", []ConditionInput{{ID: "a"}, {ID: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.Apply(newTestDeal(), Command{Event: EventSetConditions, Conditions: tt.conds}, t0)
			assert.ErrorIs(t, err, ErrInvalidConditions)
			assert.ErrorIs(t, err, ErrInvalidStateTransition)
		})
	}

	cross := newTestDeal()
	cross.IsCrossChain = true
	cross.BuyerNetwork = "solana"
	next := mustApply(t, m, cross, Command{Event: EventSetConditions, Conditions: []ConditionInput{{ID: "a"}}}, t0)
	assert.Equal(t, StatusAwaitingUniversalDeposit, next.Status)
	assert.Equal(t, ConditionOrdinary, next.Conditions[0].Type)
	assert.Equal(t, ConditionPending, next.Conditions[0].Status)
}

func TestMachine_Deposit(t *testing.T) {
	m := testMachine()
	d := mustApply(t, m, newTestDeal(), Command{Event: EventSetConditions, Conditions: []ConditionInput{{ID: "a"}}}, t0)

	_, _, err := m.Apply(d, Command{Event: EventDepositConfirmed, Amount: "999"}, t0)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	_, _, err = m.Apply(d, Command{Event: EventDepositConfirmed, Amount: "1001"}, t0)
	assert.ErrorIs(t, err, ErrAmountMismatch, "same-network deposit must be exact")
	_, _, err = m.Apply(d, Command{Event: EventDepositConfirmed, Amount: "ten"}, t0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMachine_CrossChainDeposit(t *testing.T) {
	m := testMachine()
	d := newTestDeal()
	d.IsCrossChain = true
	d.BuyerNetwork = "solana"
	d = mustApply(t, m, d, Command{Event: EventSetConditions, Conditions: []ConditionInput{{ID: "a"}}}, t0)

	_, _, err := m.Apply(d, Command{Event: EventDepositConfirmed, Amount: "1000"}, t0)
	assert.ErrorIs(t, err, ErrCrossChainNotPrepared)

	d = mustApply(t, m, d, Command{
		Event:          EventAttachCrossChain,
		CrossChainTxID: "xct_1",
		Conditions:     []ConditionInput{{ID: "cc_network_validation"}, {ID: "cc_funds_locked"}},
		Bridge:         "wormhole",
	}, t0)
	assert.Equal(t, StatusAwaitingUniversalDeposit, d.Status)
	assert.Len(t, d.Conditions, 3)
	assert.Equal(t, "wormhole", d.Timeline[len(d.Timeline)-1].CrossChainDetails.BridgeUsed)

	_, _, err = m.Apply(d, Command{Event: EventDepositConfirmed, Amount: "999"}, t0)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	d = mustApply(t, m, d, Command{Event: EventDepositConfirmed, Amount: "1005"}, t0)
	assert.Equal(t, StatusAwaitingFulfillment, d.Status)

	// Buyer confirms the ordinary condition, infra conditions still gate.
	d = mustApply(t, m, d, Command{Event: EventConditionFulfilled, Actor: "buyer", ConditionID: "a"}, t0)
	assert.Equal(t, StatusAwaitingFulfillment, d.Status)

	_, _, err = m.Apply(d, Command{Event: EventConditionFulfilled, Actor: "buyer", ConditionID: "cc_funds_locked"}, t0)
	assert.ErrorIs(t, err, ErrInfraCondition)

	d = mustApply(t, m, d, Command{Event: EventInfraConditionFulfilled, TxHash: "0xrelease"}, t0)
	assert.Equal(t, StatusReadyForFinalApproval, d.Status)
}

func TestMachine_AttachCrossChainGuards(t *testing.T) {
	m := testMachine()
	d := newTestDeal()
	d.IsCrossChain = true
	d = mustApply(t, m, d, Command{Event: EventSetConditions, Conditions: []ConditionInput{{ID: "a"}}}, t0)

	_, _, err := m.Apply(d, Command{Event: EventAttachCrossChain, CrossChainTxID: "xct_1", Conditions: []ConditionInput{{ID: "a"}}}, t0)
	assert.ErrorIs(t, err, ErrInvalidConditions, "injected ids must not collide")

	d = mustApply(t, m, d, Command{Event: EventAttachCrossChain, CrossChainTxID: "xct_1", Conditions: []ConditionInput{{ID: "b"}}}, t0)
	_, _, err = m.Apply(d, Command{Event: EventAttachCrossChain, CrossChainTxID: "xct_2", Conditions: []ConditionInput{{ID: "c"}}}, t0)
	assert.ErrorIs(t, err, ErrCrossChainAttached)
}

func TestMachine_ConditionFulfilledGuards(t *testing.T) {
	m := testMachine()
	d := newTestDeal()
	d = mustApply(t, m, d, Command{Event: EventSetConditions, Conditions: []ConditionInput{{ID: "a"}, {ID: "b"}}}, t0)
	d = mustApply(t, m, d, Command{Event: EventDepositConfirmed, Amount: "1000"}, t0)

	_, _, err := m.Apply(d, Command{Event: EventConditionFulfilled, ConditionID: "zzz"}, t0)
	assert.ErrorIs(t, err, ErrUnknownCondition)

	d = mustApply(t, m, d, Command{Event: EventConditionFulfilled, Actor: "buyer", ConditionID: "a", Notes: "received"}, t0)
	assert.Equal(t, StatusAwaitingFulfillment, d.Status, "one condition still pending")
	assert.Equal(t, "received", d.Conditions[0].Notes)
	assert.Equal(t, "buyer", d.Conditions[0].UpdatedBy)

	_, _, err = m.Apply(d, Command{Event: EventConditionFulfilled, ConditionID: "a"}, t0)
	assert.ErrorIs(t, err, ErrConditionFulfilled)

	d = mustApply(t, m, d, Command{Event: EventConditionFulfilled, ConditionID: "b"}, t0)
	assert.Equal(t, StatusReadyForFinalApproval, d.Status)
}

func TestMachine_StartFinalApprovalRequiresDeposit(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a")
	d.FundsDeposited = false

	_, _, err := m.Apply(d, Command{Event: EventStartFinalApproval}, t0)
	assert.ErrorIs(t, err, ErrFundsNotDeposited)
}

func TestMachine_DisputeCycle(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a", "b")
	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval}, t0)

	now := t0.Add(time.Hour)
	d = mustApply(t, m, d, Command{Event: EventRaiseDispute, Actor: "buyer", ConditionID: "b", Notes: "broken"}, now)
	assert.Equal(t, StatusInDispute, d.Status)
	assert.Equal(t, ConditionFulfilled, d.Conditions[0].Status, "other conditions untouched")
	assert.Equal(t, ConditionWithdrawn, d.Conditions[1].Status)
	require.NotNil(t, d.DisputeResolutionDeadline)
	assert.True(t, d.DisputeResolutionDeadline.After(now))
	assert.Equal(t, now.Add(7*24*time.Hour), *d.DisputeResolutionDeadline)

	_, _, err := m.Apply(d, Command{Event: EventRefulfillDuringDispute, ConditionID: "a"}, now)
	assert.ErrorIs(t, err, ErrConditionFulfilled)

	d = mustApply(t, m, d, Command{Event: EventRefulfillDuringDispute, Actor: "buyer", ConditionID: "b"}, now.Add(time.Hour))
	assert.Equal(t, StatusReadyForFinalApproval, d.Status, "never straight to COMPLETED")
	assert.Nil(t, d.FinalApprovalDeadline, "approval window must be restarted explicitly")

	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval}, now.Add(2*time.Hour))
	assert.Equal(t, StatusInFinalApproval, d.Status)
	assert.Nil(t, d.DisputeResolutionDeadline)
}

func TestMachine_RaiseDisputeGuards(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a")
	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval}, t0)
	deadline := *d.FinalApprovalDeadline

	_, _, err := m.Apply(d, Command{Event: EventRaiseDispute, ConditionID: "a"}, deadline)
	assert.ErrorIs(t, err, ErrDeadlinePassed, "window is closed at the deadline itself")

	_, _, err = m.Apply(d, Command{Event: EventRaiseDispute, ConditionID: "missing"}, t0)
	assert.ErrorIs(t, err, ErrUnknownCondition)

	_, _, err = m.Apply(d, Command{Event: EventRaiseDispute, ConditionID: "a"}, deadline.Add(-time.Nanosecond))
	assert.NoError(t, err)
}

func TestMachine_RefulfillAfterDeadline(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a")
	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval}, t0)
	d = mustApply(t, m, d, Command{Event: EventRaiseDispute, ConditionID: "a"}, t0)

	_, _, err := m.Apply(d, Command{Event: EventRefulfillDuringDispute, ConditionID: "a"}, *d.DisputeResolutionDeadline)
	assert.ErrorIs(t, err, ErrDeadlinePassed)
}

func TestMachine_ApprovalElapsed_SameNetwork(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a")
	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval}, t0)

	_, _, err := m.Apply(d, Command{Event: EventApprovalElapsed}, d.FinalApprovalDeadline.Add(-time.Second))
	assert.ErrorIs(t, err, ErrDeadlineNotReached)

	next, out, err := m.Apply(d, Command{Event: EventApprovalElapsed, TxHash: "0xrelease"}, *d.FinalApprovalDeadline)
	require.NoError(t, err, "expiry is inclusive")
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, "20", next.ServiceFee)
	assert.Equal(t, "980", next.SellerPayout)
	assert.True(t, next.FundsReleased)
	assert.Equal(t, "0xrelease", next.ReleaseTxHash)
	require.NotNil(t, out.Split)
	assert.Equal(t, "980", out.Split.SellerPayout)
	assert.True(t, out.Timeline.System)
}

func TestMachine_ApprovalElapsed_CrossChain(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a")
	d.IsCrossChain = true
	d.SellerNetwork = "solana"
	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval}, t0)

	d = mustApply(t, m, d, Command{Event: EventApprovalElapsed}, d.FinalApprovalDeadline.Add(time.Hour))
	assert.Equal(t, StatusReadyForUniversalRelease, d.Status)
	assert.False(t, d.FundsReleased, "no funds move until the universal release")

	_, _, err := m.Apply(d, Command{Event: EventUniversalReleaseStarted}, t0)
	assert.ErrorIs(t, err, ErrMissingTransactionHash)

	d = mustApply(t, m, d, Command{Event: EventUniversalReleaseStarted, TxHash: "0xsol"}, t0)
	assert.Equal(t, StatusAwaitingUniversalRelease, d.Status)

	d = mustApply(t, m, d, Command{Event: EventUniversalReleaseConfirmed}, t0)
	assert.Equal(t, StatusCompleted, d.Status)
	assert.Equal(t, "0xsol", d.ReleaseTxHash)
	assert.Equal(t, "20", d.ServiceFee)
}

func TestMachine_DisputeExpired(t *testing.T) {
	m := testMachine()
	d := fundedDeal(t, m, "a")
	d = mustApply(t, m, d, Command{Event: EventStartFinalApproval}, t0)
	d = mustApply(t, m, d, Command{Event: EventRaiseDispute, ConditionID: "a"}, t0)

	_, _, err := m.Apply(d, Command{Event: EventDisputeExpired}, t0)
	assert.ErrorIs(t, err, ErrDeadlineNotReached)

	next, out, err := m.Apply(d, Command{Event: EventDisputeExpired, TxHash: "0xcancel"}, d.DisputeResolutionDeadline.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, next.Status)
	assert.Equal(t, "1000", next.RefundAmount)
	assert.Equal(t, "1000", out.Refund)
	assert.Equal(t, "0xcancel", out.Timeline.TransactionHash)
}

func TestMachine_MutualCancel(t *testing.T) {
	m := testMachine()

	next := mustApply(t, m, newTestDeal(), Command{Event: EventMutualCancel, Actor: "seller"}, t0)
	assert.Equal(t, StatusCancelled, next.Status)
	assert.Equal(t, "0", next.RefundAmount)

	ready := fundedDeal(t, m, "a")
	_, _, err := m.Apply(ready, Command{Event: EventMutualCancel}, t0)
	assert.ErrorIs(t, err, ErrInvalidStateTransition, "not cancellable while ready for approval")

	inApproval := mustApply(t, m, ready, Command{Event: EventStartFinalApproval}, t0)
	_, _, err = m.Apply(inApproval, Command{Event: EventMutualCancel}, *inApproval.FinalApprovalDeadline)
	assert.ErrorIs(t, err, ErrDeadlinePassed)

	next = mustApply(t, m, inApproval, Command{Event: EventMutualCancel, Actor: "buyer"}, t0.Add(time.Hour))
	assert.Equal(t, "1000", next.RefundAmount)
}

func TestNewMachine_DefaultsZeroPolicy(t *testing.T) {
	m := NewMachine(Policy{})
	assert.Equal(t, DefaultPolicy(), m.Policy())

	custom := NewMachine(Policy{FinalApprovalWindow: time.Hour, DisputeWindow: 2 * time.Hour, ServiceFeeBps: 50})
	d := fundedDeal(t, custom, "a")
	d = mustApply(t, custom, d, Command{Event: EventStartFinalApproval}, t0)
	assert.Equal(t, t0.Add(time.Hour), *d.FinalApprovalDeadline)
	d = mustApply(t, custom, d, Command{Event: EventApprovalElapsed}, t0.Add(time.Hour))
	assert.Equal(t, "5", d.ServiceFee)
}
