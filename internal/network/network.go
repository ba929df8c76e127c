// Package network classifies wallet addresses into settlement networks and
// decides how funds can move between them.
//
// Classification is a best-effort heuristic over address shape. Addresses
// that match no known shape resolve to an explicit fallback network
// (ethereum unless overridden), or are rejected outright in strict mode.
package network

import (
	"errors"
	"sort"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnsupportedNetwork = errors.New("network: unsupported network")
	ErrUnclassified       = errors.New("network: address format not recognized")
)

// Tag identifies a settlement network.
type Tag string

const (
	Ethereum  Tag = "ethereum"
	Polygon   Tag = "polygon"
	Base      Tag = "base"
	Arbitrum  Tag = "arbitrum"
	Optimism  Tag = "optimism"
	BSC       Tag = "bsc"
	Avalanche Tag = "avalanche"
	Bitcoin   Tag = "bitcoin"
	Solana    Tag = "solana"
)

// Family groups networks that share an address format and execution model.
type Family string

const (
	FamilyEVM     Family = "evm"
	FamilyBitcoin Family = "bitcoin"
	FamilySolana  Family = "solana"
)

var families = map[Tag]Family{
	Ethereum:  FamilyEVM,
	Polygon:   FamilyEVM,
	Base:      FamilyEVM,
	Arbitrum:  FamilyEVM,
	Optimism:  FamilyEVM,
	BSC:       FamilyEVM,
	Avalanche: FamilyEVM,
	Bitcoin:   FamilyBitcoin,
	Solana:    FamilySolana,
}

// ParseTag normalizes a network name. Unknown names return ErrUnsupportedNetwork.
func ParseTag(s string) (Tag, error) {
	t := Tag(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := families[t]; !ok {
		return "", ErrUnsupportedNetwork
	}
	return t, nil
}

// FamilyOf returns the family of a supported network.
func FamilyOf(t Tag) (Family, bool) {
	f, ok := families[t]
	return f, ok
}

// IsSupported reports whether t is a known network.
func IsSupported(t Tag) bool {
	_, ok := families[t]
	return ok
}

// Supported lists every known network in name order.
func Supported() []Tag {
	tags := make([]Tag, 0, len(families))
	for t := range families {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// IsEVM reports whether t is in the EVM-compatible set.
func IsEVM(t Tag) bool {
	return families[t] == FamilyEVM
}

// AreCompatible is true iff both networks are EVM-compatible.
func AreCompatible(a, b Tag) bool {
	return IsEVM(a) && IsEVM(b)
}

// classify matches address shape. The second return is false when no
// shape matched.
//
// EVM addresses are indistinguishable across EVM chains, so every hex
// address is reported as Ethereum; callers that know better pass an
// explicit network.
func classify(address string) (Tag, bool) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", false
	}
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		if common.IsHexAddress(addr) {
			return Ethereum, true
		}
		return "", false
	}
	if isBitcoinAddress(addr) {
		return Bitcoin, true
	}
	if isSolanaAddress(addr) {
		return Solana, true
	}
	return "", false
}

var bitcoinHRPs = map[string]bool{"bc": true, "tb": true, "bcrt": true}

// base58 version bytes for P2PKH/P2SH on mainnet and testnet.
var bitcoinVersions = map[byte]bool{0x00: true, 0x05: true, 0x6f: true, 0xc4: true}

func isBitcoinAddress(addr string) bool {
	lower := strings.ToLower(addr)
	for hrp := range bitcoinHRPs {
		if strings.HasPrefix(lower, hrp+"1") {
			decodedHRP, data, err := bech32.Decode(addr)
			if err == nil && bitcoinHRPs[decodedHRP] && len(data) > 0 {
				return true
			}
			// bech32m (taproot) fails the classic checksum; accept the
			// shape when the charset and witness version look right.
			return looksLikeTaproot(lower, hrp)
		}
	}
	if len(addr) < 26 || len(addr) > 35 {
		return false
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return false
	}
	return bitcoinVersions[version] && len(payload) == 20
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func looksLikeTaproot(lower, hrp string) bool {
	rest := strings.TrimPrefix(lower, hrp+"1")
	if len(rest) != 59 || rest[0] != 'p' {
		return false
	}
	for _, c := range rest {
		if !strings.ContainsRune(bech32Charset, c) {
			return false
		}
	}
	return true
}

func isSolanaAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	decoded := base58.Decode(addr)
	return len(decoded) == 32
}
