// Package anchor checks whether a ledger record's provenance anchor is a
// real on-chain transaction and how far it is confirmed. Display only: the
// remote ledger remains authoritative for integrity.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/regshield/internal/logging"
)

// Status of an anchor.
type Status string

const (
	// StatusUnanchored means the hash is absent or not a transaction hash,
	// e.g. a simulated anchor.
	StatusUnanchored Status = "unanchored"
	// StatusPending means the node has no receipt yet.
	StatusPending Status = "pending"
	// StatusConfirmed means the transaction was mined and succeeded.
	StatusConfirmed Status = "confirmed"
	// StatusFailed means the transaction was mined and reverted.
	StatusFailed Status = "failed"
	// StatusUnavailable means no RPC node is configured or it is unreachable.
	StatusUnavailable Status = "unavailable"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsTxHash reports whether s is a 32-byte hex transaction hash.
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// ReceiptFetcher is the subset of an Ethereum client the checker uses.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Report describes one anchor.
type Report struct {
	TxHash        string `json:"tx_hash"`
	Status        Status `json:"status"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Checker looks up anchor receipts. A nil client reports every real hash as
// unavailable.
type Checker struct {
	client ReceiptFetcher
	closer func()
	logger *slog.Logger
}

// NewChecker creates a checker over client.
func NewChecker(client ReceiptFetcher, logger *slog.Logger) *Checker {
	logger = logging.Component(logger, "anchor")
	return &Checker{client: client, logger: logger}
}

// Dial connects to an RPC node. An empty URL yields a checker without a
// client.
func Dial(ctx context.Context, rpcURL string, logger *slog.Logger) (*Checker, error) {
	if rpcURL == "" {
		return NewChecker(nil, logger), nil
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c := NewChecker(client, logger)
	c.closer = client.Close
	return c, nil
}

// Enabled reports whether an RPC node is configured.
func (c *Checker) Enabled() bool { return c != nil && c.client != nil }

// Head returns the node's latest block number.
func (c *Checker) Head(ctx context.Context) (uint64, error) {
	if !c.Enabled() {
		return 0, errors.New("no RPC node configured")
	}
	return c.client.BlockNumber(ctx)
}

// Close releases the RPC connection.
func (c *Checker) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Check reports the status of the anchor transaction hash.
func (c *Checker) Check(ctx context.Context, txHash string) Report {
	r := Report{TxHash: txHash}
	if !IsTxHash(txHash) {
		r.Status = StatusUnanchored
		if txHash == "" {
			r.Message = "record carries no anchor"
		} else {
			r.Message = "anchor is not an on-chain transaction hash"
		}
		return r
	}
	if c.client == nil {
		r.Status = StatusUnavailable
		r.Message = "no RPC node configured"
		return r
	}

	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		r.Status = StatusPending
		return r
	}
	if err != nil {
		c.logger.Warn("anchor receipt lookup failed", "txHash", txHash, "error", err)
		r.Status = StatusUnavailable
		r.Message = err.Error()
		return r
	}

	r.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		r.Status = StatusFailed
		return r
	}
	r.Status = StatusConfirmed

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		c.logger.Debug("block number lookup failed", "error", err)
		return r
	}
	r.Confirmations = confirmations(head, receipt.BlockNumber)
	return r
}

func confirmations(head uint64, mined *big.Int) uint64 {
	if mined == nil || !mined.IsUint64() || mined.Uint64() > head {
		return 0
	}
	return head - mined.Uint64() + 1
}
