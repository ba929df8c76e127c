package crosschain

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/network"
)

// RouteRequest asks a bridge provider for a transfer route.
type RouteRequest struct {
	SourceNetwork string
	TargetNetwork string
	Token         string
	TargetToken   string
	Amount        string
}

// Route is a provider's quote for a transfer.
type Route struct {
	Bridge        string        `json:"bridge"`
	EstimatedTime time.Duration `json:"estimatedTime"`
	Fee           string        `json:"fee"`
	QuoteID       string        `json:"quoteId,omitempty"`
}

// TransferState is the provider's view of a bridge transfer.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
)

// TransferStatus reports the progress of a bridge transfer.
type TransferStatus struct {
	State  TransferState `json:"status"`
	Detail string        `json:"detail,omitempty"`
}

// Provider quotes bridge routes and reports transfer progress.
type Provider interface {
	FindRoute(ctx context.Context, req RouteRequest) (*Route, error)
	GetTransferStatus(ctx context.Context, ref string) (*TransferStatus, error)
}

// Confirmer checks a transaction reference on a network. It returns false
// with a nil error while the transaction is not yet mined, and an error when
// it failed. settlement.Router satisfies it.
type Confirmer interface {
	Confirm(ctx context.Context, network, txRef string) (bool, error)
}

// RouteTable is the part of network.Resolver a StaticProvider needs.
type RouteTable interface {
	BridgeFor(a, b network.Tag) (network.BridgeInfo, bool)
	EstimateFees(a, b network.Tag, amt string) (network.FeeEstimate, error)
}

// StaticProvider quotes routes from the local bridge table and treats every
// transfer reference as completed. It is meant for development mode, where
// there is no bridge API to ask.
type StaticProvider struct {
	routes RouteTable
}

// NewStaticProvider creates a provider backed by the resolver's route table.
func NewStaticProvider(routes RouteTable) *StaticProvider {
	return &StaticProvider{routes: routes}
}

func (p *StaticProvider) FindRoute(_ context.Context, req RouteRequest) (*Route, error) {
	src, dst := network.Tag(req.SourceNetwork), network.Tag(req.TargetNetwork)
	info, ok := p.routes.BridgeFor(src, dst)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRoute, src, dst)
	}
	fees, err := p.routes.EstimateFees(src, dst, req.Amount)
	if err != nil {
		return nil, err
	}
	metrics.BridgeQuotesTotal.WithLabelValues("static").Inc()
	return &Route{
		Bridge:        info.Name,
		EstimatedTime: info.EstimatedTime,
		Fee:           fees.BridgeFee,
	}, nil
}

func (p *StaticProvider) GetTransferStatus(_ context.Context, ref string) (*TransferStatus, error) {
	if ref == "" {
		return nil, ErrMissingReference
	}
	return &TransferStatus{State: TransferCompleted}, nil
}
