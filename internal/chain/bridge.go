package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/luthatdude/musd-canton-relay/internal/signer"
)

// Role identifiers on the Chain contracts (OpenZeppelin AccessControl).
var (
	DefaultAdminRole  = common.Hash{}
	BridgeMintRole    = crypto.Keccak256Hash([]byte("BRIDGE_ROLE"))
	TreasuryVaultRole = crypto.Keccak256Hash([]byte("TREASURY_VAULT_ROLE"))
	EmergencyRole     = crypto.Keccak256Hash([]byte("EMERGENCY_ROLE"))
)

const bridgeABIJSON = `[
 {"type":"function","name":"currentNonce","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"minSignatures","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"usedAttestationIds","stateMutability":"view","inputs":[{"type":"bytes32"}],"outputs":[{"type":"bool"}]},
 {"type":"function","name":"getCurrentSupplyCap","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"attestedCantonAssets","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"type":"bool"}]},
 {"type":"function","name":"pause","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"type":"bool"}]},
 {"type":"function","name":"processAttestation","stateMutability":"nonpayable","inputs":[{"name":"attestation","type":"tuple","components":[{"name":"nonce","type":"uint256"},{"name":"cantonAssets","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"entropy","type":"bytes32"},{"name":"ledgerStateHash","type":"bytes32"},{"name":"chainId","type":"uint256"}]},{"name":"signatures","type":"bytes[]"}],"outputs":[]},
 {"type":"event","name":"AttestationReceived","inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"cantonAssets","type":"uint256","indexed":false},{"name":"newSupplyCap","type":"uint256","indexed":false},{"name":"nonce","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
 {"type":"event","name":"BridgeToCantonRequested","inputs":[{"name":"requestId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"nonce","type":"uint256","indexed":false},{"name":"cantonRecipient","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

// Attestation is the Chain-side tuple passed to processAttestation. Field
// names line up with the ABI tuple components.
type Attestation struct {
	Nonce           *big.Int
	CantonAssets    *big.Int
	Timestamp       *big.Int
	Entropy         [32]byte
	LedgerStateHash [32]byte
	ChainId         *big.Int
}

// BridgeOutEvent is a decoded BridgeToCantonRequested log.
type BridgeOutEvent struct {
	RequestID       common.Hash
	Sender          common.Address
	Amount          *big.Int
	Nonce           *big.Int
	CantonRecipient string
	Timestamp       *big.Int
	BlockNumber     uint64
	LogIndex        uint
}

// Bridge binds the Chain bridge contract.
type Bridge struct {
	c      *Client
	signer signer.Signer
	addr   common.Address
	abi    abi.ABI
}

// NewBridge binds the bridge at addr, submitting through s.
func NewBridge(c *Client, s signer.Signer, addr common.Address) (*Bridge, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse bridge ABI: %w", err)
	}
	return &Bridge{c: c, signer: s, addr: addr, abi: parsed}, nil
}

// Address returns the bridge contract address.
func (b *Bridge) Address() common.Address { return b.addr }

func (b *Bridge) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := b.c.Call(ctx, ethereum.CallMsg{To: &b.addr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

// CurrentNonce returns the last consumed attestation nonce.
func (b *Bridge) CurrentNonce(ctx context.Context) (uint64, error) {
	vals, err := b.view(ctx, "currentNonce")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// MinSignatures returns the validator signature threshold.
func (b *Bridge) MinSignatures(ctx context.Context) (uint64, error) {
	vals, err := b.view(ctx, "minSignatures")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// UsedAttestationID reports whether id has been consumed on the Chain.
func (b *Bridge) UsedAttestationID(ctx context.Context, id common.Hash) (bool, error) {
	vals, err := b.view(ctx, "usedAttestationIds", id)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// GetCurrentSupplyCap returns the bridge's active supply cap.
func (b *Bridge) GetCurrentSupplyCap(ctx context.Context) (*big.Int, error) {
	vals, err := b.view(ctx, "getCurrentSupplyCap")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// AttestedCantonAssets returns the last attested Ledger asset total.
func (b *Bridge) AttestedCantonAssets(ctx context.Context) (*big.Int, error) {
	vals, err := b.view(ctx, "attestedCantonAssets")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// Paused reports the bridge's pause state.
func (b *Bridge) Paused(ctx context.Context) (bool, error) {
	vals, err := b.view(ctx, "paused")
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// HasRole checks an AccessControl role on the bridge.
func (b *Bridge) HasRole(ctx context.Context, role common.Hash, who common.Address) (bool, error) {
	vals, err := b.view(ctx, "hasRole", role, who)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// Pause invokes the emergency pause.
func (b *Bridge) Pause(ctx context.Context) error {
	data, err := b.abi.Pack("pause")
	if err != nil {
		return fmt.Errorf("pack pause: %w", err)
	}
	_, err = b.c.Submit(ctx, b.signer, b.addr, data)
	return err
}

func (b *Bridge) packProcess(att Attestation, sigs [][]byte) ([]byte, error) {
	return b.abi.Pack("processAttestation", att, sigs)
}

// SimulateProcessAttestation runs processAttestation as a read-only call
// from the relay's address. A nil error means the real submission is
// expected to succeed.
func (b *Bridge) SimulateProcessAttestation(ctx context.Context, att Attestation, sigs [][]byte) error {
	data, err := b.packProcess(att, sigs)
	if err != nil {
		return err
	}
	_, err = b.c.Call(ctx, ethereum.CallMsg{From: b.signer.Address(), To: &b.addr, Data: data})
	return err
}

// ProcessAttestation submits the attestation and waits for confirmations.
func (b *Bridge) ProcessAttestation(ctx context.Context, att Attestation, sigs [][]byte) error {
	data, err := b.packProcess(att, sigs)
	if err != nil {
		return err
	}
	_, err = b.c.Submit(ctx, b.signer, b.addr, data)
	return err
}

// BridgeOuts returns decoded BridgeToCantonRequested events in [from, to],
// ordered by block then log index.
func (b *Bridge) BridgeOuts(ctx context.Context, from, to uint64) ([]BridgeOutEvent, error) {
	ev := b.abi.Events["BridgeToCantonRequested"]
	logs, err := b.c.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{b.addr},
		Topics:    [][]common.Hash{{ev.ID}},
	}, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]BridgeOutEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 {
			continue
		}
		var data struct {
			Amount          *big.Int
			Nonce           *big.Int
			CantonRecipient string
			Timestamp       *big.Int
		}
		if err := b.abi.UnpackIntoInterface(&data, "BridgeToCantonRequested", lg.Data); err != nil {
			return nil, fmt.Errorf("decode bridge-out log %s: %w", lg.TxHash.Hex(), err)
		}
		out = append(out, BridgeOutEvent{
			RequestID:       lg.Topics[1],
			Sender:          common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:          data.Amount,
			Nonce:           data.Nonce,
			CantonRecipient: data.CantonRecipient,
			Timestamp:       data.Timestamp,
			BlockNumber:     lg.BlockNumber,
			LogIndex:        lg.Index,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}
