package escrow

import "context"

// Handle locates an escrow contract on a specific network.
type Handle struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

// SettlementResult is returned by a successful settlement call.
type SettlementResult struct {
	TxHash string `json:"txHash"`
}

// Settler performs the on-chain release or cancel of an escrow contract.
// Implementations live in the settlement package.
type Settler interface {
	TriggerRelease(ctx context.Context, h Handle, dealID string) (*SettlementResult, error)
	TriggerCancel(ctx context.Context, h Handle, dealID string) (*SettlementResult, error)
}
