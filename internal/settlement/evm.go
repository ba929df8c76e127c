// Package settlement triggers release and cancel on per-deal escrow
// contracts and confirms the resulting transactions.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/escrowd/internal/escrow"
)

var (
	ErrInvalidPrivateKey = errors.New("settlement: invalid private key")
	ErrInvalidAddress    = errors.New("settlement: invalid contract address")
	ErrRPCConnection     = errors.New("settlement: RPC connection failed")
	ErrReverted          = errors.New("settlement: transaction reverted")
	ErrTimeout           = errors.New("settlement: timed out waiting for receipt")
	ErrNoExecutor        = errors.New("settlement: no executor for network")
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// escrowABI is the part of the per-deal escrow contract the operator calls.
const escrowABI = `[
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"cancel","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	// DefaultGasLimit is used when gas estimation fails
	DefaultGasLimit = uint64(150000)

	// DefaultReceiptTimeout bounds WaitForReceipt
	DefaultReceiptTimeout = 30 * time.Second

	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second
)

// EVMConfig configures an executor for one EVM network.
type EVMConfig struct {
	Network        string
	RPCURL         string
	PrivateKey     string // Hex string, optional 0x prefix
	ChainID        int64
	WaitForReceipt bool
	ReceiptTimeout time.Duration
}

// Option configures an EVMExecutor
type Option func(*EVMExecutor)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(e *EVMExecutor) {
		e.client = client
	}
}

// WithPollInterval overrides the receipt poll interval
func WithPollInterval(d time.Duration) Option {
	return func(e *EVMExecutor) {
		e.pollInterval = d
	}
}

// EVMExecutor signs and sends escrow contract calls with the operator key.
type EVMExecutor struct {
	network        string
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	abi            abi.ABI
	waitForReceipt bool
	receiptTimeout time.Duration
	pollInterval   time.Duration

	// sendMu serializes nonce allocation and broadcast.
	sendMu sync.Mutex
}

var _ escrow.Settler = (*EVMExecutor)(nil)

// NewEVMExecutor creates an executor, dialing the RPC endpoint unless a
// client is supplied.
func NewEVMExecutor(cfg EVMConfig, opts ...Option) (*EVMExecutor, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}

	e := &EVMExecutor{
		network:        cfg.Network,
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:        big.NewInt(cfg.ChainID),
		abi:            parsedABI,
		waitForReceipt: cfg.WaitForReceipt,
		receiptTimeout: timeout,
		pollInterval:   ReceiptPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required for %s", ErrRPCConnection, cfg.Network)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}
	return e, nil
}

func validateConfig(cfg EVMConfig) error {
	if cfg.Network == "" {
		return fmt.Errorf("network required")
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required for %s", cfg.Network)
	}
	return nil
}

// Address returns the operator address.
func (e *EVMExecutor) Address() string {
	return e.address.Hex()
}

// Network returns the network this executor sends to.
func (e *EVMExecutor) Network() string {
	return e.network
}

// DealKey is the bytes32 identifier the escrow contract knows a deal by.
func DealKey(dealID string) [32]byte {
	return crypto.Keccak256Hash([]byte(dealID))
}

func (e *EVMExecutor) TriggerRelease(ctx context.Context, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	return e.trigger(ctx, "release", h, dealID)
}

func (e *EVMExecutor) TriggerCancel(ctx context.Context, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	return e.trigger(ctx, "cancel", h, dealID)
}

func (e *EVMExecutor) trigger(ctx context.Context, method string, h escrow.Handle, dealID string) (*escrow.SettlementResult, error) {
	fail := func(txHash string, err error) (*escrow.SettlementResult, error) {
		return nil, &escrow.SettlementError{Op: method, Network: e.network, TxHash: txHash, Err: err}
	}

	if !common.IsHexAddress(h.Address) {
		return fail("", fmt.Errorf("%w: %q", ErrInvalidAddress, h.Address))
	}
	contract := common.HexToAddress(h.Address)

	data, err := e.abi.Pack(method, DealKey(dealID))
	if err != nil {
		return fail("", fmt.Errorf("pack: %w", err))
	}

	signed, err := e.send(ctx, contract, data)
	if err != nil {
		return fail(signedHash(signed), err)
	}
	txHash := signed.Hash().Hex()

	if e.waitForReceipt {
		if err := e.WaitForReceipt(ctx, txHash); err != nil {
			return fail(txHash, err)
		}
	}
	return &escrow.SettlementResult{TxHash: txHash}, nil
}

func signedHash(tx *types.Transaction) string {
	if tx == nil {
		return ""
	}
	return tx.Hash().Hex()
}

// send builds, signs and broadcasts a contract call. On a broadcast failure
// the signed transaction is returned with the error.
func (e *EVMExecutor) send(ctx context.Context, contract common.Address, data []byte) (*types.Transaction, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A reverting estimate means the contract would reject the call.
		if strings.Contains(err.Error(), "revert") {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return signed, fmt.Errorf("send: %w", err)
	}
	return signed, nil
}

// Confirm reports whether txHash is mined. It returns false with a nil error
// while no receipt exists and ErrReverted if the transaction failed.
func (e *EVMExecutor) Confirm(ctx context.Context, txHash string) (bool, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return false, fmt.Errorf("%w: %s", ErrReverted, txHash)
	}
	return true, nil
}

// WaitForReceipt polls until txHash is mined or the receipt timeout elapses.
func (e *EVMExecutor) WaitForReceipt(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: tx %s", ErrTimeout, txHash)
			}
			return ctx.Err()

		case <-ticker.C:
			ok, err := e.Confirm(ctx, txHash)
			if errors.Is(err, ErrReverted) {
				return err
			}
			if err != nil || !ok {
				// Not yet mined or a transient RPC error, keep waiting
				continue
			}
			return nil
		}
	}
}

// Close closes the client connection
func (e *EVMExecutor) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}
