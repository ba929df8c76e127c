// Package escrow models time-bound buyer/seller escrow deals.
//
// A deal is gated by buyer-confirmed conditions and two review windows:
//
//  1. Conditions are set, then the buyer deposits the full amount
//  2. The buyer confirms each condition; once all are met the deal is ready
//  3. Starting final approval opens a window in which the buyer may dispute
//  4. If the window lapses the funds are released to the seller, less the service fee
//  5. A dispute opens a second window; if the buyer does not re-confirm, the deposit is refunded
//
// Deals whose buyer and seller settle on different networks carry an extra
// deposit stage and an extra release stage driven by the crosschain package.
package escrow

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a deal. The same values are stored in the
// database and mirror the on-chain escrow contract's state enum.
type Status string

const (
	StatusAwaitingConditionSetup   Status = "AWAITING_CONDITION_SETUP"
	StatusAwaitingDeposit          Status = "AWAITING_DEPOSIT"
	StatusAwaitingUniversalDeposit Status = "AWAITING_UNIVERSAL_DEPOSIT"
	StatusAwaitingFulfillment      Status = "AWAITING_FULFILLMENT"
	StatusReadyForFinalApproval    Status = "READY_FOR_FINAL_APPROVAL"
	StatusInFinalApproval          Status = "IN_FINAL_APPROVAL"
	StatusInDispute                Status = "IN_DISPUTE"
	StatusReadyForUniversalRelease Status = "READY_FOR_UNIVERSAL_RELEASE"
	StatusAwaitingUniversalRelease Status = "AWAITING_UNIVERSAL_RELEASE"
	StatusCompleted                Status = "COMPLETED"
	StatusCancelled                Status = "CANCELLED"
)

// AllStatuses lists every deal status in lifecycle order.
var AllStatuses = []Status{
	StatusAwaitingConditionSetup,
	StatusAwaitingDeposit,
	StatusAwaitingUniversalDeposit,
	StatusAwaitingFulfillment,
	StatusReadyForFinalApproval,
	StatusInFinalApproval,
	StatusInDispute,
	StatusReadyForUniversalRelease,
	StatusAwaitingUniversalRelease,
	StatusCompleted,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ConditionType distinguishes buyer-facing conditions from the ones the
// cross-chain orchestrator injects to gate on fund movement.
type ConditionType string

const (
	ConditionOrdinary        ConditionType = "ordinary"
	ConditionCrossChainInfra ConditionType = "cross_chain_infra"
)

// ConditionStatus is the buyer-facing state of a condition.
type ConditionStatus string

const (
	ConditionPending   ConditionStatus = "PENDING_BUYER_ACTION"
	ConditionFulfilled ConditionStatus = "FULFILLED_BY_BUYER"
	ConditionWithdrawn ConditionStatus = "ACTION_WITHDRAWN_BY_BUYER"
)

// Condition is one requirement that must be met before funds move.
// ID and Type never change once set.
type Condition struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Type        ConditionType   `json:"type"`
	Status      ConditionStatus `json:"status"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	UpdatedBy   string          `json:"updatedBy,omitempty"`
}

// Fulfilled reports whether the condition currently counts as met.
func (c Condition) Fulfilled() bool {
	return c.Status == ConditionFulfilled
}

// CrossChainDetails decorates timeline entries for cross-chain deals.
type CrossChainDetails struct {
	SourceNetwork string `json:"sourceNetwork"`
	TargetNetwork string `json:"targetNetwork"`
	BridgeUsed    string `json:"bridgeUsed,omitempty"`
}

// TimelineEvent is one append-only audit entry on a deal.
type TimelineEvent struct {
	Event             string             `json:"event"`
	Timestamp         time.Time          `json:"timestamp"`
	UserID            string             `json:"userId,omitempty"`
	System            bool               `json:"system,omitempty"`
	TransactionHash   string             `json:"transactionHash,omitempty"`
	CrossChainDetails *CrossChainDetails `json:"crossChainDetails,omitempty"`
	Detail            string             `json:"detail,omitempty"`
}

// Deal is one escrow agreement.
type Deal struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Status  Status `json:"status"`

	Amount       string `json:"amount"` // integer minor units
	Token        string `json:"token"`
	TokenRouting string `json:"tokenRouting,omitempty"` // target token when the seller wants a different asset

	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`
	BuyerWallet   string `json:"buyerWallet"`
	SellerWallet  string `json:"sellerWallet"`
	BuyerNetwork  string `json:"buyerNetwork"`
	SellerNetwork string `json:"sellerNetwork"`
	IsCrossChain  bool   `json:"isCrossChain"`

	Conditions []Condition `json:"conditions"`

	FinalApprovalDeadline     *time.Time `json:"finalApprovalDeadline,omitempty"`
	DisputeResolutionDeadline *time.Time `json:"disputeResolutionDeadline,omitempty"`

	FundsDeposited bool `json:"fundsDeposited"`
	FundsReleased  bool `json:"fundsReleased"`

	// SettlementAddress is the escrow contract holding the deposit on the
	// buyer's network. ReleaseAddress is the contract that pays out on the
	// seller's network for cross-chain deals.
	SettlementAddress string `json:"settlementAddress,omitempty"`
	ReleaseAddress    string `json:"releaseAddress,omitempty"`
	ReleaseTxHash     string `json:"releaseTxHash,omitempty"`

	ServiceFee   string `json:"serviceFee,omitempty"`
	SellerPayout string `json:"sellerPayout,omitempty"`
	RefundAmount string `json:"refundAmount,omitempty"`

	CrossChainTransactionID string `json:"crossChainTransactionId,omitempty"`

	Timeline  []TimelineEvent `json:"timeline"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of the deal.
func (d *Deal) Clone() *Deal {
	cp := *d
	cp.Conditions = slices.Clone(d.Conditions)
	if d.Timeline != nil {
		cp.Timeline = make([]TimelineEvent, len(d.Timeline))
		for i, ev := range d.Timeline {
			if ev.CrossChainDetails != nil {
				details := *ev.CrossChainDetails
				ev.CrossChainDetails = &details
			}
			cp.Timeline[i] = ev
		}
	}
	cp.FinalApprovalDeadline = cloneTime(d.FinalApprovalDeadline)
	cp.DisputeResolutionDeadline = cloneTime(d.DisputeResolutionDeadline)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AllConditionsMet is true when the deal has at least one condition and every
// condition, ordinary and injected, is fulfilled.
func (d *Deal) AllConditionsMet() bool {
	if len(d.Conditions) == 0 {
		return false
	}
	for _, c := range d.Conditions {
		if !c.Fulfilled() {
			return false
		}
	}
	return true
}

// conditionIndex returns the index of the condition with id, or -1.
func (d *Deal) conditionIndex(id string) int {
	return slices.IndexFunc(d.Conditions, func(c Condition) bool { return c.ID == id })
}

// IsParty reports whether userID is the buyer or seller.
func (d *Deal) IsParty(userID string) bool {
	return userID != "" && (userID == d.BuyerID || userID == d.SellerID)
}

// SettlementHandle locates the escrow contract that holds the deposit. The
// second return is false when the deal has no contract address yet.
func (d *Deal) SettlementHandle() (Handle, bool) {
	if d.SettlementAddress == "" {
		return Handle{}, false
	}
	return Handle{Network: d.BuyerNetwork, Address: d.SettlementAddress}, true
}

// ReleaseHandle locates the contract that pays the seller. For same-network
// deals this is the settlement contract itself.
func (d *Deal) ReleaseHandle() (Handle, bool) {
	if !d.IsCrossChain {
		return d.SettlementHandle()
	}
	if d.ReleaseAddress == "" {
		return Handle{}, false
	}
	return Handle{Network: d.SellerNetwork, Address: d.ReleaseAddress}, true
}

// crossChainDetails returns timeline decoration for cross-chain deals, or nil.
func (d *Deal) crossChainDetails(bridge string) *CrossChainDetails {
	if !d.IsCrossChain {
		return nil
	}
	return &CrossChainDetails{
		SourceNetwork: d.BuyerNetwork,
		TargetNetwork: d.SellerNetwork,
		BridgeUsed:    bridge,
	}
}
