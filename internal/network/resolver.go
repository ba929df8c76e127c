package network

import (
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/amount"
)

// BridgeInfo describes the third-party protocol used between two families.
type BridgeInfo struct {
	Name          string        `json:"name" yaml:"bridge"`
	EstimatedTime time.Duration `json:"estimatedTime" yaml:"estimated_time"`
	FeeBps        uint64        `json:"feeBps" yaml:"fee_bps"`
	FlatFee       string        `json:"flatFee" yaml:"flat_fee"`
}

// FeeEstimate is a breakdown of the cost of moving funds between networks,
// in minor units of the deal token.
type FeeEstimate struct {
	SourceFee string `json:"sourceFee"`
	TargetFee string `json:"targetFee"`
	BridgeFee string `json:"bridgeFee"`
	Total     string `json:"total"`
}

// Config controls classification behaviour.
type Config struct {
	// Fallback is the network returned for unrecognized addresses when
	// Strict is false.
	Fallback Tag
	// Strict rejects unrecognized addresses instead of falling back.
	Strict bool
	// Routes replaces the built-in bridge table when non-empty.
	Routes []Route
	// NetworkFees overrides the flat per-network execution fee.
	NetworkFees map[Tag]string
}

// Resolver answers classification, compatibility, routing, and fee
// questions. It is immutable after construction and safe for concurrent use.
type Resolver struct {
	fallback    Tag
	strict      bool
	routes      map[familyPair]BridgeInfo
	networkFees map[Tag]string
}

type familyPair struct{ a, b Family }

func pairOf(a, b Family) familyPair {
	if a > b {
		a, b = b, a
	}
	return familyPair{a, b}
}

// DefaultNetworkFees are flat execution fees charged on each side of a
// transfer, in minor units.
var DefaultNetworkFees = map[Tag]string{
	Ethereum:  "2000",
	Polygon:   "100",
	Base:      "100",
	Arbitrum:  "200",
	Optimism:  "200",
	BSC:       "300",
	Avalanche: "300",
	Bitcoin:   "5000",
	Solana:    "50",
}

// NewResolver builds a Resolver. An empty Fallback means Ethereum.
func NewResolver(cfg Config) (*Resolver, error) {
	fallback := cfg.Fallback
	if fallback == "" {
		fallback = Ethereum
	}
	if !IsSupported(fallback) {
		return nil, fmt.Errorf("fallback %q: %w", fallback, ErrUnsupportedNetwork)
	}

	routes := cfg.Routes
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	table := make(map[familyPair]BridgeInfo, len(routes))
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
		table[pairOf(r.From, r.To)] = r.info()
	}

	fees := make(map[Tag]string, len(DefaultNetworkFees))
	for k, v := range DefaultNetworkFees {
		fees[k] = v
	}
	for k, v := range cfg.NetworkFees {
		if !IsSupported(k) {
			return nil, fmt.Errorf("network fee for %q: %w", k, ErrUnsupportedNetwork)
		}
		if _, err := amount.Parse(v); err != nil {
			return nil, fmt.Errorf("network fee for %s: %w", k, err)
		}
		fees[k] = v
	}

	return &Resolver{
		fallback:    fallback,
		strict:      cfg.Strict,
		routes:      table,
		networkFees: fees,
	}, nil
}

// Fallback returns the network used for unrecognized addresses.
func (r *Resolver) Fallback() Tag { return r.fallback }

// Classify returns a best-guess network for address, or the fallback when
// the shape is not recognized.
func (r *Resolver) Classify(address string) Tag {
	if t, ok := classify(address); ok {
		return t
	}
	return r.fallback
}

// ClassifyStrict classifies address without falling back.
func (r *Resolver) ClassifyStrict(address string) (Tag, error) {
	if t, ok := classify(address); ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnclassified, address)
}

// Resolve picks the network for a wallet. A non-empty hint wins when it is
// consistent with the address family; otherwise the address decides, using
// strict or fallback behaviour per configuration.
func (r *Resolver) Resolve(address, hint string) (Tag, error) {
	if hint != "" {
		t, err := ParseTag(hint)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, hint)
		}
		if detected, ok := classify(address); ok && families[detected] != families[t] {
			return "", fmt.Errorf("%w: address does not belong to %s", ErrUnsupportedNetwork, t)
		}
		return t, nil
	}
	if r.strict {
		t, err := r.ClassifyStrict(address)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedNetwork, err)
		}
		return t, nil
	}
	return r.Classify(address), nil
}

// BridgeFor returns the bridge between a and b. The second return is false
// for EVM-to-EVM pairs, same-family pairs, and pairs with no known bridge.
func (r *Resolver) BridgeFor(a, b Tag) (BridgeInfo, bool) {
	fa, okA := families[a]
	fb, okB := families[b]
	if !okA || !okB || fa == fb {
		return BridgeInfo{}, false
	}
	info, ok := r.routes[pairOf(fa, fb)]
	return info, ok
}

// RouteExists reports whether funds can move from a to b at all.
func (r *Resolver) RouteExists(a, b Tag) bool {
	if !IsSupported(a) || !IsSupported(b) {
		return false
	}
	if a == b || families[a] == families[b] {
		return true
	}
	_, ok := r.BridgeFor(a, b)
	return ok
}

// EstimateFees breaks down the cost of moving amt from a to b. The bridge
// fee is zero when no bridge is involved.
func (r *Resolver) EstimateFees(a, b Tag, amt string) (FeeEstimate, error) {
	if !IsSupported(a) {
		return FeeEstimate{}, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, a)
	}
	if !IsSupported(b) {
		return FeeEstimate{}, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, b)
	}
	value, err := amount.Parse(amt)
	if err != nil {
		return FeeEstimate{}, err
	}

	est := FeeEstimate{
		SourceFee: r.networkFees[a],
		TargetFee: "0",
		BridgeFee: "0",
	}
	if a != b {
		est.TargetFee = r.networkFees[b]
	}

	if !AreCompatible(a, b) && families[a] != families[b] {
		info, ok := r.BridgeFor(a, b)
		if !ok {
			return FeeEstimate{}, fmt.Errorf("%w: no route %s -> %s", ErrUnsupportedNetwork, a, b)
		}
		pct, err := amount.MulBps(value, info.FeeBps)
		if err != nil {
			return FeeEstimate{}, err
		}
		flat := info.FlatFee
		if flat == "" {
			flat = "0"
		}
		bridgeFee, err := amount.Add(amount.Format(pct), flat)
		if err != nil {
			return FeeEstimate{}, err
		}
		est.BridgeFee = bridgeFee
	}

	total, err := amount.Add(est.SourceFee, est.TargetFee)
	if err != nil {
		return FeeEstimate{}, err
	}
	if total, err = amount.Add(total, est.BridgeFee); err != nil {
		return FeeEstimate{}, err
	}
	est.Total = total
	return est, nil
}
