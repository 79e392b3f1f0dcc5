// Package chain wraps the Ethereum RPC surface the relay needs: a failover
// dialer, chunked log filtering, read-only contract calls, and dynamic-fee
// transaction submission with confirmation waits.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/logutil"
	"github.com/luthatdude/musd-canton-relay/internal/signer"
)

const (
	// logChunkSpan keeps eth_getLogs ranges under provider per-call caps.
	logChunkSpan = 10_000

	receiptPollInterval = 3 * time.Second
	confirmationTimeout = 10 * time.Minute
)

var (
	// ErrReverted marks a mined-but-failed transaction.
	ErrReverted = errors.New("transaction reverted")

	// ErrConfirmationUnknown marks the ambiguous post-send case: the
	// transaction may or may not have landed. Callers must keep their
	// in-flight markers when they see this.
	ErrConfirmationUnknown = errors.New("transaction outcome unknown")
)

// Client is a failover-aware Ethereum RPC client. All access is serialized
// by the scheduler; no internal locking is needed.
type Client struct {
	log           *zap.Logger
	endpoints     []string
	idx           int
	ec            *ethclient.Client
	chainID       *big.Int
	confirmations uint64
}

// Dial connects to the primary endpoint and records the fallbacks.
func Dial(ctx context.Context, endpoints []string, confirmations uint64, log *zap.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured")
	}
	c := &Client{log: log, endpoints: endpoints, confirmations: confirmations}
	if err := c.connect(ctx, 0); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context, idx int) error {
	ec, err := ethclient.DialContext(ctx, c.endpoints[idx])
	if err != nil {
		return fmt.Errorf("dial %s: %w", logutil.Redact(c.endpoints[idx]), err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return fmt.Errorf("chain id from %s: %w", logutil.Redact(c.endpoints[idx]), err)
	}
	if c.ec != nil {
		c.ec.Close()
	}
	c.ec, c.idx, c.chainID = ec, idx, chainID
	return nil
}

// Rotate switches to the next provider in the ordered list, wrapping
// around past the last fallback.
func (c *Client) Rotate(ctx context.Context) error {
	next := (c.idx + 1) % len(c.endpoints)
	c.log.Warn("rotating RPC provider",
		zap.String("from", logutil.Redact(c.endpoints[c.idx])),
		zap.String("to", logutil.Redact(c.endpoints[next])))
	return c.connect(ctx, next)
}

// ChainID returns the connected chain's id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Confirmations returns the configured confirmation depth.
func (c *Client) Confirmations() uint64 { return c.confirmations }

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ec.BlockNumber(ctx)
}

// Call performs a read-only contract call at the latest block.
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.ec.CallContract(ctx, msg, nil)
}

// FilterLogs queries logs in chunks of logChunkSpan blocks.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery, from, to uint64) ([]types.Log, error) {
	var out []types.Log
	for start := from; start <= to; start += logChunkSpan {
		end := start + logChunkSpan - 1
		if end > to {
			end = to
		}
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)
		logs, err := c.ec.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("filter logs [%d,%d]: %w", start, end, err)
		}
		out = append(out, logs...)
	}
	return out, nil
}

// Submit estimates gas (with a 1.2 multiplier), signs, sends, and waits for
// the configured confirmation depth. The error distinguishes pre-send
// failures (safe to retry), reverts (ErrReverted), and ambiguous post-send
// outcomes (ErrConfirmationUnknown).
func (c *Client) Submit(ctx context.Context, s signer.Signer, to common.Address, data []byte) (*types.Receipt, error) {
	from := s.Address()
	nonce, err := c.ec.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gas, err := c.ec.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * 12 / 10

	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head header: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := s.SignTx(ctx, tx, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.ec.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return c.WaitConfirmed(ctx, signed.Hash())
}

// WaitConfirmed polls for the receipt and then for the confirmation depth.
// Once the transaction has been sent, any failure here is ambiguous and is
// wrapped in ErrConfirmationUnknown.
func (c *Client) WaitConfirmed(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(confirmationTimeout)
	var receipt *types.Receipt
	for receipt == nil {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no receipt for %s", ErrConfirmationUnknown, h.Hex())
		}
		r, err := c.ec.TransactionReceipt(ctx, h)
		switch {
		case err == nil:
			receipt = r
		case errors.Is(err, ethereum.NotFound):
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrConfirmationUnknown, ctx.Err())
			case <-time.After(receiptPollInterval):
			}
		default:
			return nil, fmt.Errorf("%w: %v", ErrConfirmationUnknown, err)
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: tx %s", ErrReverted, h.Hex())
	}
	target := receipt.BlockNumber.Uint64() + c.confirmations
	for {
		head, err := c.ec.BlockNumber(ctx)
		if err != nil {
			return receipt, fmt.Errorf("%w: %v", ErrConfirmationUnknown, err)
		}
		if head >= target {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return receipt, fmt.Errorf("%w: %s still at depth %d", ErrConfirmationUnknown, h.Hex(), head-receipt.BlockNumber.Uint64())
		}
		select {
		case <-ctx.Done():
			return receipt, fmt.Errorf("%w: %v", ErrConfirmationUnknown, ctx.Err())
		case <-time.After(receiptPollInterval):
		}
	}
}
