package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"rxledger/internal/ledger"
)

var (
	// ErrNotConnected is returned when no signing identity is loaded.
	ErrNotConnected = errors.New("wallet not connected")
	// ErrNoKey is returned by Connect when no private key is configured.
	ErrNoKey = errors.New("no signing key configured")
)

// Identity is the connected account.
type Identity struct {
	Address string `json:"address"`
}

// Submission is the result of a broadcast ledger write.
type Submission struct {
	TransactionID string `json:"transactionId"`
}

// Wallet signs and submits ledger writes on behalf of one identity.
type Wallet interface {
	Connect(ctx context.Context) (Identity, error)
	Disconnect(ctx context.Context) error
	Identity() (Identity, bool)
	SignAndSubmit(ctx context.Context, payload ledger.Payload) (Submission, error)
}

// TxBackend is the write side of a chain client.
type TxBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Config holds signer settings.
type Config struct {
	PrivateKey string
	ChainID    uint64
	GasLimit   uint64
}

// KeyWallet signs with a locally held secp256k1 key.
type KeyWallet struct {
	cfg      Config
	contract *ledger.Contract
	backend  TxBackend
	logger   *zap.Logger

	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeyWallet builds a disconnected wallet.
func NewKeyWallet(cfg Config, contract *ledger.Contract, backend TxBackend, logger *zap.Logger) *KeyWallet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyWallet{cfg: cfg, contract: contract, backend: backend, logger: logger}
}

// Connect loads the configured key. Connecting twice is harmless.
func (w *KeyWallet) Connect(_ context.Context) (Identity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.key != nil {
		return Identity{Address: w.address.Hex()}, nil
	}
	raw := strings.TrimPrefix(strings.TrimSpace(w.cfg.PrivateKey), "0x")
	if raw == "" {
		return Identity{}, ErrNoKey
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("load private key: %w", err)
	}
	w.key = key
	w.address = crypto.PubkeyToAddress(key.PublicKey)
	w.logger.Info("wallet connected", zap.String("address", w.address.Hex()))
	return Identity{Address: w.address.Hex()}, nil
}

// Disconnect forgets the loaded key.
func (w *KeyWallet) Disconnect(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.key != nil {
		w.logger.Info("wallet disconnected", zap.String("address", w.address.Hex()))
	}
	w.key = nil
	w.address = common.Address{}
	return nil
}

// Identity returns the connected account, if any.
func (w *KeyWallet) Identity() (Identity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.key == nil {
		return Identity{}, false
	}
	return Identity{Address: w.address.Hex()}, true
}

// SignAndSubmit packs, signs and broadcasts payload. Nonce assignment is
// serialized per wallet; ordering across processes is left to the ledger.
func (w *KeyWallet) SignAndSubmit(ctx context.Context, payload ledger.Payload) (Submission, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.key == nil {
		return Submission{}, ErrNotConnected
	}
	if w.contract == nil || w.backend == nil {
		return Submission{}, fmt.Errorf("wallet has no ledger")
	}

	to, data, err := w.contract.Pack(payload)
	if err != nil {
		return Submission{}, err
	}
	if err := w.contract.EnsureDeployed(ctx); err != nil {
		return Submission{}, err
	}

	chainID, err := w.chainID(ctx)
	if err != nil {
		return Submission{}, err
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return Submission{}, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Submission{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Data: data})
	if err != nil {
		if w.cfg.GasLimit == 0 {
			return Submission{}, fmt.Errorf("estimate gas: %w", err)
		}
		w.logger.Warn("gas estimate failed, using configured limit", zap.Error(err), zap.Uint64("gas_limit", w.cfg.GasLimit))
		gas = w.cfg.GasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return Submission{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return Submission{}, fmt.Errorf("send transaction: %w", err)
	}

	w.logger.Info("transaction submitted",
		zap.String("function", payload.Function),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
	)
	return Submission{TransactionID: signed.Hash().Hex()}, nil
}

func (w *KeyWallet) chainID(ctx context.Context) (*big.Int, error) {
	if w.cfg.ChainID != 0 {
		return new(big.Int).SetUint64(w.cfg.ChainID), nil
	}
	id, err := w.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	return id, nil
}
