package relay

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

func TestYieldHashPadding(t *testing.T) {
	padded, legacy := yieldHash("staking", 7)
	require.Equal(t, "staking-yield-epoch:7:", legacy)
	require.Len(t, padded, 64)
	require.Equal(t, legacy, padded[:len(legacy)])
	for _, ch := range padded[len(legacy):] {
		require.Equal(t, '0', ch)
	}
}

func TestYieldCreditsEpoch(t *testing.T) {
	h := newHarness(t)
	h.head.height = 112 // confirmed = 102
	h.relay.staking = &fakeYield{
		addr: common.HexToAddress("0x0000000000000000000000000000000000007777"),
		events: []chain.YieldEvent{
			{Epoch: 3, MusdAmount: mustWad("12.5"), BlockNumber: 101},
		},
	}
	h.ledger.addActive(canton.TplStakingPoolService, "svc-1", struct{}{})

	require.NoError(t, h.relay.runYield(context.Background(), DirYield))

	require.Equal(t, uint64(102), h.store.LastYieldScannedBlock)
	require.True(t, h.store.YieldEpochs.Has("staking:3"))

	require.Len(t, h.ledger.creates, 1)
	holding := h.ledger.creates[0].Payload.(canton.WrappedHolding)
	require.Equal(t, testOperator, holding.Owner)
	require.Equal(t, "12.5", holding.Amount)
	padded, _ := yieldHash("staking", 3)
	require.Equal(t, padded, holding.AgreementHash)

	require.Len(t, h.ledger.exercises, 1)
	require.Equal(t, canton.ChoiceReceiveYield, h.ledger.exercises[0].Choice)
	require.Equal(t, "svc-1", h.ledger.exercises[0].Cid)
}

func TestYieldEpochIdempotentByLegacyHash(t *testing.T) {
	h := newHarness(t)
	h.head.height = 112
	h.relay.staking = &fakeYield{
		events: []chain.YieldEvent{
			{Epoch: 3, MusdAmount: mustWad("12.5"), BlockNumber: 101},
		},
	}
	h.ledger.addActive(canton.TplStakingPoolService, "svc-1", struct{}{})

	// A holding minted by an older release carries the unpadded hash.
	_, legacy := yieldHash("staking", 3)
	h.ledger.addActive(canton.TplWrappedHolding, "hold-old", canton.WrappedHolding{
		Issuer:        testOperator,
		Owner:         testOperator,
		Amount:        "12.5",
		AgreementHash: legacy,
	})

	require.NoError(t, h.relay.runYield(context.Background(), DirYield))

	require.Empty(t, h.ledger.creates, "existing holding must be reused")
	require.Len(t, h.ledger.exercises, 1)
	require.Equal(t, "hold-old", h.ledger.exercises[0].Args["holdingCid"])
}

func TestYieldProcessedEpochSkipped(t *testing.T) {
	h := newHarness(t)
	h.head.height = 112
	h.relay.staking = &fakeYield{
		events: []chain.YieldEvent{
			{Epoch: 3, MusdAmount: mustWad("12.5"), BlockNumber: 101},
		},
	}
	h.store.YieldEpochs.Add("staking:3")

	require.NoError(t, h.relay.runYield(context.Background(), DirYield))
	require.Empty(t, h.ledger.creates)
	require.Empty(t, h.ledger.exercises)
	require.Equal(t, uint64(102), h.store.LastYieldScannedBlock)
}

func TestYieldMissingServiceHoldsCursor(t *testing.T) {
	h := newHarness(t)
	h.head.height = 112
	h.relay.staking = &fakeYield{
		events: []chain.YieldEvent{
			{Epoch: 3, MusdAmount: mustWad("12.5"), BlockNumber: 101},
		},
	}

	require.Error(t, h.relay.runYield(context.Background(), DirYield))
	require.False(t, h.store.YieldEpochs.Has("staking:3"))
	require.Less(t, h.store.LastYieldScannedBlock, uint64(101))
}

func TestYieldETHPoolUsesOwnCursorAndChoice(t *testing.T) {
	h := newHarness(t)
	h.head.height = 112
	h.relay.ethPool = &fakeYield{
		events: []chain.YieldEvent{
			{Epoch: 1, MusdAmount: mustWad("3.0"), BlockNumber: 100},
		},
	}
	h.ledger.addActive(canton.TplETHPoolService, "eth-svc", struct{}{})

	require.NoError(t, h.relay.runYield(context.Background(), DirETHPoolYield))

	require.Equal(t, uint64(102), h.store.LastETHPoolYieldScannedBlock)
	require.Equal(t, uint64(0), h.store.LastYieldScannedBlock)
	require.True(t, h.store.ETHPoolYieldEpochs.Has("ethpool:1"))
	require.Len(t, h.ledger.exercises, 1)
	require.Equal(t, canton.ChoiceETHPoolReceiveYield, h.ledger.exercises[0].Choice)
}

func TestYieldNilSourceNoOp(t *testing.T) {
	h := newHarness(t)
	h.head.height = 112
	require.NoError(t, h.relay.runYield(context.Background(), DirYield))
	require.Equal(t, uint64(0), h.store.LastYieldScannedBlock)
}
