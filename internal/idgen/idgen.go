// Package idgen provides random identifiers for deals and cross-chain transactions.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the engine.
const (
	DealPrefix       = "deal_"
	CrossChainPrefix = "xct_"
	ConditionPrefix  = "cond_"
	SweepPrefix      = "swp_"
)

// New generates a random RFC 4122 v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "deal_", "xct_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was minted with prefix and carries a payload.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) > len(prefix)
}
