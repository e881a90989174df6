// Package wallet signs and broadcasts ERC-20 transfers for the dispatcher.
//
// It is the ledger-client boundary: callers hand it a token contract, a
// recipient, an amount in smallest units, and an explicit nonce; it builds,
// signs, and sends the transaction and can poll for its confirmation.
// Nonce allocation lives in noncepool, never here.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction reverted")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// SubmitError wraps submission failures with context.
type SubmitError struct {
	Op     string // operation that failed
	TxHash string // transaction hash if available
	Err    error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Submitter is the surface the dispatcher depends on.
type Submitter interface {
	SubmitTransfer(ctx context.Context, token, to common.Address, amt *big.Int, nonce uint64) (*SubmitResult, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Confirmation, error)
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// ERC20 minimal ABI for transfer
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new wallet
type Config struct {
	RPCURL     string
	PrivateKey string // hex string, with or without 0x prefix
	ChainID    int64
}

// Option configures the wallet
type Option func(*Wallet)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// SubmitResult describes a broadcast (not yet confirmed) transfer.
type SubmitResult struct {
	TxHash string
	From   string
	To     string
	Token  string
	Amount *big.Int
	Nonce  uint64
}

// Confirmation describes a mined transfer.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Wallet signs and broadcasts ERC-20 transfers with caller-supplied nonces.
type Wallet struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	erc20      abi.ABI
}

var _ Submitter = (*Wallet)(nil)

// New creates a new Wallet instance
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	w := &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		erc20:      parsedABI,
	}

	for _, opt := range opts {
		opt(w)
	}

	// Connect to RPC if no client provided
	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}

	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	return nil
}

// Address returns the wallet's address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// PendingNonceAt exposes the underlying client's pending-inclusive count so
// the wallet can double as the nonce pool's ChainReader.
func (w *Wallet) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return w.client.PendingNonceAt(ctx, account)
}

// SubmitTransfer sends amt of the ERC-20 at token to the recipient using the
// caller-supplied nonce. It returns as soon as the transaction is broadcast.
func (w *Wallet) SubmitTransfer(ctx context.Context, token, to common.Address, amt *big.Int, nonce uint64) (*SubmitResult, error) {
	if amt == nil || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	data, err := w.erc20.Pack("transfer", to, amt)
	if err != nil {
		return nil, &SubmitError{Op: "pack", Err: err}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmitError{Op: "gas_price", Err: err}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &SubmitError{Op: "sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &SubmitError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &SubmitResult{
		TxHash: signedTx.Hash().Hex(),
		From:   w.address.Hex(),
		To:     to.Hex(),
		Token:  token.Hex(),
		Amount: amt,
		Nonce:  nonce,
	}, nil
}

// WaitForConfirmation polls for the transaction receipt until mined or the
// timeout elapses. A reverted transaction returns ErrTransactionFailed.
func (w *Wallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Confirmation, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &SubmitError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTransactionFailed,
				}
			}

			return &Confirmation{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the client connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
