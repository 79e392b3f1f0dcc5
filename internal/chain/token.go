package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/luthatdude/musd-canton-relay/internal/signer"
)

const musdABIJSON = `[
 {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"supplyCap","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"localCapBps","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"type":"bool"}]},
 {"type":"function","name":"grantRole","stateMutability":"nonpayable","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[]}
]`

// Token binds the Chain-side mUSD token.
type Token struct {
	c      *Client
	signer signer.Signer
	addr   common.Address
	abi    abi.ABI
}

// NewToken binds the mUSD token at addr.
func NewToken(c *Client, s signer.Signer, addr common.Address) (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(musdABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse mUSD ABI: %w", err)
	}
	return &Token{c: c, signer: s, addr: addr, abi: parsed}, nil
}

func (t *Token) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := t.c.Call(ctx, ethereum.CallMsg{To: &t.addr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return t.abi.Unpack(method, out)
}

// TotalSupply returns the token's current supply.
func (t *Token) TotalSupply(ctx context.Context) (*big.Int, error) {
	vals, err := t.view(ctx, "totalSupply")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// SupplyCap returns the global supply cap.
func (t *Token) SupplyCap(ctx context.Context) (*big.Int, error) {
	vals, err := t.view(ctx, "supplyCap")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// LocalCapBps returns the local-mint cap in basis points of the supply cap.
func (t *Token) LocalCapBps(ctx context.Context) (uint64, error) {
	vals, err := t.view(ctx, "localCapBps")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// HasRole checks an AccessControl role on the token.
func (t *Token) HasRole(ctx context.Context, role common.Hash, who common.Address) (bool, error) {
	vals, err := t.view(ctx, "hasRole", role, who)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// GrantRole grants role to who; the signer must hold the admin role.
func (t *Token) GrantRole(ctx context.Context, role common.Hash, who common.Address) error {
	data, err := t.abi.Pack("grantRole", role, who)
	if err != nil {
		return fmt.Errorf("pack grantRole: %w", err)
	}
	_, err = t.c.Submit(ctx, t.signer, t.addr, data)
	return err
}

// Mint mints amount to recipient and returns the transaction hash.
func (t *Token) Mint(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := t.abi.Pack("mint", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack mint: %w", err)
	}
	receipt, err := t.c.Submit(ctx, t.signer, t.addr, data)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}
