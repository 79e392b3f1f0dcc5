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
)

const yieldABIJSON = `[
 {"type":"event","name":"CantonYieldBridged","inputs":[{"name":"epoch","type":"uint256","indexed":true},{"name":"musdAmount","type":"uint256","indexed":false},{"name":"cantonRecipient","type":"string","indexed":false}]},
 {"type":"event","name":"ETHPoolYieldBridged","inputs":[{"name":"epoch","type":"uint256","indexed":true},{"name":"yieldUsdc","type":"uint256","indexed":false},{"name":"musdBridged","type":"uint256","indexed":false},{"name":"ethPoolRecipient","type":"string","indexed":false}]}
]`

// YieldKind selects which distributor event a YieldDistributor decodes.
type YieldKind int

const (
	StakingYield YieldKind = iota
	ETHPoolYield
)

// YieldEvent is one yield distribution epoch observed on the Chain.
type YieldEvent struct {
	Epoch       uint64
	MusdAmount  *big.Int
	Recipient   string
	BlockNumber uint64
	LogIndex    uint
}

// YieldDistributor binds one of the two yield distributor contracts.
type YieldDistributor struct {
	c    *Client
	addr common.Address
	kind YieldKind
	abi  abi.ABI
}

// NewYieldDistributor binds the distributor at addr.
func NewYieldDistributor(c *Client, addr common.Address, kind YieldKind) (*YieldDistributor, error) {
	parsed, err := abi.JSON(strings.NewReader(yieldABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse yield ABI: %w", err)
	}
	return &YieldDistributor{c: c, addr: addr, kind: kind, abi: parsed}, nil
}

// Address returns the distributor contract address.
func (y *YieldDistributor) Address() common.Address { return y.addr }

// Events returns the distributor's yield events in [from, to], ordered by
// block then log index.
func (y *YieldDistributor) Events(ctx context.Context, from, to uint64) ([]YieldEvent, error) {
	name := "CantonYieldBridged"
	if y.kind == ETHPoolYield {
		name = "ETHPoolYieldBridged"
	}
	ev := y.abi.Events[name]
	logs, err := y.c.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{y.addr},
		Topics:    [][]common.Hash{{ev.ID}},
	}, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]YieldEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		epoch := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		e := YieldEvent{
			Epoch:       epoch.Uint64(),
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
		}
		if y.kind == StakingYield {
			var data struct {
				MusdAmount      *big.Int
				CantonRecipient string
			}
			if err := y.abi.UnpackIntoInterface(&data, name, lg.Data); err != nil {
				return nil, fmt.Errorf("decode yield log %s: %w", lg.TxHash.Hex(), err)
			}
			e.MusdAmount, e.Recipient = data.MusdAmount, data.CantonRecipient
		} else {
			var data struct {
				YieldUsdc        *big.Int
				MusdBridged      *big.Int
				EthPoolRecipient string
			}
			if err := y.abi.UnpackIntoInterface(&data, name, lg.Data); err != nil {
				return nil, fmt.Errorf("decode yield log %s: %w", lg.TxHash.Hex(), err)
			}
			e.MusdAmount, e.Recipient = data.MusdBridged, data.EthPoolRecipient
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}
