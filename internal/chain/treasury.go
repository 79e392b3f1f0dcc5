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

const treasuryABIJSON = `[
 {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"depositToStrategy","stateMutability":"nonpayable","inputs":[{"name":"strategy","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"asset","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
 {"type":"function","name":"usdc","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
 {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"type":"bool"}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]}
]`

// Treasury binds the Chain treasury vault.
type Treasury struct {
	c      *Client
	signer signer.Signer
	addr   common.Address
	abi    abi.ABI
	erc20  abi.ABI
}

// NewTreasury binds the treasury at addr.
func NewTreasury(c *Client, s signer.Signer, addr common.Address) (*Treasury, error) {
	parsed, err := abi.JSON(strings.NewReader(treasuryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse treasury ABI: %w", err)
	}
	e20, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 ABI: %w", err)
	}
	return &Treasury{c: c, signer: s, addr: addr, abi: parsed, erc20: e20}, nil
}

// Address returns the treasury contract address.
func (t *Treasury) Address() common.Address { return t.addr }

func (t *Treasury) view(ctx context.Context, method string, args ...any) ([]any, error) {
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

// Asset resolves the treasury's backing-asset address, falling back to the
// legacy usdc() accessor on older deployments.
func (t *Treasury) Asset(ctx context.Context) (common.Address, error) {
	vals, err := t.view(ctx, "asset")
	if err == nil {
		return vals[0].(common.Address), nil
	}
	vals, err2 := t.view(ctx, "usdc")
	if err2 != nil {
		return common.Address{}, fmt.Errorf("asset(): %v; usdc(): %w", err, err2)
	}
	return vals[0].(common.Address), nil
}

// HasRole checks an AccessControl role on the treasury.
func (t *Treasury) HasRole(ctx context.Context, role common.Hash, who common.Address) (bool, error) {
	vals, err := t.view(ctx, "hasRole", role, who)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// Deposit moves amount of the backing asset from `from` into the treasury.
func (t *Treasury) Deposit(ctx context.Context, from common.Address, amount *big.Int) error {
	data, err := t.abi.Pack("deposit", from, amount)
	if err != nil {
		return fmt.Errorf("pack deposit: %w", err)
	}
	_, err = t.c.Submit(ctx, t.signer, t.addr, data)
	return err
}

// DepositToStrategy routes amount directly into a yield strategy.
func (t *Treasury) DepositToStrategy(ctx context.Context, strategy common.Address, amount *big.Int) error {
	data, err := t.abi.Pack("depositToStrategy", strategy, amount)
	if err != nil {
		return fmt.Errorf("pack depositToStrategy: %w", err)
	}
	_, err = t.c.Submit(ctx, t.signer, t.addr, data)
	return err
}

// AssetBalance returns the relay's balance of the backing asset.
func (t *Treasury) AssetBalance(ctx context.Context, asset, owner common.Address) (*big.Int, error) {
	data, err := t.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := t.c.Call(ctx, ethereum.CallMsg{To: &asset, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	vals, err := t.erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return vals[0].(*big.Int), nil
}

// ApproveAsset approves the treasury to pull amount of asset from the relay.
func (t *Treasury) ApproveAsset(ctx context.Context, asset common.Address, amount *big.Int) error {
	data, err := t.erc20.Pack("approve", t.addr, amount)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	_, err = t.c.Submit(ctx, t.signer, asset, data)
	return err
}
