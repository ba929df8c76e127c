// Package amount provides integer minor-unit arithmetic for escrow amounts.
//
// All amounts are unsigned integers in the asset's smallest unit (wei for
// EVM assets, lamports for Solana, satoshis for Bitcoin) and are carried as
// decimal strings on the wire and in storage.
package amount

import (
	"errors"
	"strings"

	"github.com/holiman/uint256"
)

// BasisPointsDenominator is the divisor for fee rates expressed in basis points.
const BasisPointsDenominator = 10_000

var (
	ErrInvalid  = errors.New("amount: invalid minor-unit amount")
	ErrZero     = errors.New("amount: must be greater than zero")
	ErrOverflow = errors.New("amount: arithmetic overflow")
	ErrFeeRate  = errors.New("amount: fee basis points out of range")
)

// Parse converts a decimal string of minor units (e.g. "1000000000000000000")
// into a uint256. Signs, decimal points and hex prefixes are rejected.
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "+-.xX") {
		return nil, ErrInvalid
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, ErrInvalid
	}
	return v, nil
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (*uint256.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.IsZero() {
		return nil, ErrZero
	}
	return v, nil
}

// Format renders a minor-unit amount as a decimal string. A nil amount is "0".
func Format(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// Cmp compares two decimal minor-unit strings. Both must be valid.
func Cmp(a, b string) (int, error) {
	x, err := Parse(a)
	if err != nil {
		return 0, err
	}
	y, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

// Add returns a+b as a decimal string.
func Add(a, b string) (string, error) {
	x, err := Parse(a)
	if err != nil {
		return "", err
	}
	y, err := Parse(b)
	if err != nil {
		return "", err
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return "", ErrOverflow
	}
	return sum.Dec(), nil
}

// MulBps returns v*bps/10000 truncated toward zero.
func MulBps(v *uint256.Int, bps uint64) (*uint256.Int, error) {
	if bps > BasisPointsDenominator {
		return nil, ErrFeeRate
	}
	out, overflow := new(uint256.Int).MulDivOverflow(v, uint256.NewInt(bps), uint256.NewInt(BasisPointsDenominator))
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Split is the result of dividing a settled amount between the fee collector
// and the seller.
type Split struct {
	Total        string `json:"total"`
	ServiceFee   string `json:"serviceFee"`
	SellerPayout string `json:"sellerPayout"`
}

// FeeSplit computes fee = total*bps/10000 (truncated) with the remainder going
// to the seller, so ServiceFee + SellerPayout always equals Total.
func FeeSplit(total string, bps uint64) (Split, error) {
	v, err := Parse(total)
	if err != nil {
		return Split{}, err
	}
	fee, err := MulBps(v, bps)
	if err != nil {
		return Split{}, err
	}
	payout := new(uint256.Int).Sub(v, fee)
	return Split{
		Total:        v.Dec(),
		ServiceFee:   fee.Dec(),
		SellerPayout: payout.Dec(),
	}, nil
}
