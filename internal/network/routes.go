package network

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/escrowd/internal/amount"
)

// Route is one row of the bridge table. Routes are symmetric: a route from
// evm to solana also covers solana to evm.
type Route struct {
	From          Family        `yaml:"from"`
	To            Family        `yaml:"to"`
	Bridge        string        `yaml:"bridge"`
	EstimatedTime time.Duration `yaml:"estimated_time"`
	FeeBps        uint64        `yaml:"fee_bps"`
	FlatFee       string        `yaml:"flat_fee"`
}

// DefaultRoutes is the built-in bridge table.
func DefaultRoutes() []Route {
	return []Route{
		{From: FamilyEVM, To: FamilySolana, Bridge: "wormhole", EstimatedTime: 15 * time.Minute, FeeBps: 10, FlatFee: "1000"},
		{From: FamilyEVM, To: FamilyBitcoin, Bridge: "thorchain", EstimatedTime: 30 * time.Minute, FeeBps: 30, FlatFee: "2000"},
	}
}

type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutes reads a bridge table from a YAML file of the form:
//
//	routes:
//	  - from: evm
//	    to: solana
//	    bridge: wormhole
//	    estimated_time: 15m
//	    fee_bps: 10
//	    flat_fee: "1000"
func LoadRoutes(path string) ([]Route, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(raw)
}

// ParseRoutes decodes a YAML bridge table and validates each row.
func ParseRoutes(raw []byte) ([]Route, error) {
	var f routeFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("parse routes: no routes defined")
	}
	for i, r := range f.Routes {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
	}
	return f.Routes, nil
}

func (r Route) validate() error {
	if !validFamily(r.From) || !validFamily(r.To) {
		return fmt.Errorf("%w: route %s -> %s", ErrUnsupportedNetwork, r.From, r.To)
	}
	if r.From == r.To {
		return fmt.Errorf("route %s -> %s needs no bridge", r.From, r.To)
	}
	if r.Bridge == "" {
		return fmt.Errorf("route %s -> %s: bridge name required", r.From, r.To)
	}
	if r.FeeBps > amount.BasisPointsDenominator {
		return fmt.Errorf("route %s -> %s: %w", r.From, r.To, amount.ErrFeeRate)
	}
	if r.FlatFee != "" {
		if _, err := amount.Parse(r.FlatFee); err != nil {
			return fmt.Errorf("route %s -> %s flat fee: %w", r.From, r.To, err)
		}
	}
	return nil
}

func (r Route) info() BridgeInfo {
	return BridgeInfo{
		Name:          r.Bridge,
		EstimatedTime: r.EstimatedTime,
		FeeBps:        r.FeeBps,
		FlatFee:       r.FlatFee,
	}
}

func validFamily(f Family) bool {
	switch f {
	case FamilyEVM, FamilyBitcoin, FamilySolana:
		return true
	}
	return false
}
