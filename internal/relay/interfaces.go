package relay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

// Ledger is the narrow Canton JSON API surface the directions use.
// *canton.Client satisfies it.
type Ledger interface {
	Party() string
	Active(ctx context.Context, template string) ([]canton.Contract, error)
	Create(ctx context.Context, template string, payload any) (string, error)
	Exercise(ctx context.Context, template, cid, choice string, args any, extraActors []string) (canton.ExerciseResult, error)
}

// Bridge is the Chain bridge contract surface. *chain.Bridge satisfies it.
type Bridge interface {
	Address() common.Address
	CurrentNonce(ctx context.Context) (uint64, error)
	MinSignatures(ctx context.Context) (uint64, error)
	UsedAttestationID(ctx context.Context, id common.Hash) (bool, error)
	AttestedCantonAssets(ctx context.Context) (*big.Int, error)
	Pause(ctx context.Context) error
	HasRole(ctx context.Context, role common.Hash, who common.Address) (bool, error)
	SimulateProcessAttestation(ctx context.Context, att chain.Attestation, sigs [][]byte) error
	ProcessAttestation(ctx context.Context, att chain.Attestation, sigs [][]byte) error
	BridgeOuts(ctx context.Context, from, to uint64) ([]chain.BridgeOutEvent, error)
}

// Token is the Chain mUSD token surface. *chain.Token satisfies it.
type Token interface {
	TotalSupply(ctx context.Context) (*big.Int, error)
	SupplyCap(ctx context.Context) (*big.Int, error)
	LocalCapBps(ctx context.Context) (uint64, error)
	HasRole(ctx context.Context, role common.Hash, who common.Address) (bool, error)
	GrantRole(ctx context.Context, role common.Hash, who common.Address) error
	Mint(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
}

// Treasury is the Chain treasury surface. *chain.Treasury satisfies it.
type Treasury interface {
	Address() common.Address
	Asset(ctx context.Context) (common.Address, error)
	HasRole(ctx context.Context, role common.Hash, who common.Address) (bool, error)
	Deposit(ctx context.Context, from common.Address, amount *big.Int) error
	DepositToStrategy(ctx context.Context, strategy common.Address, amount *big.Int) error
	AssetBalance(ctx context.Context, asset, owner common.Address) (*big.Int, error)
	ApproveAsset(ctx context.Context, asset common.Address, amount *big.Int) error
}

// YieldSource is one yield distributor. *chain.YieldDistributor satisfies it.
type YieldSource interface {
	Address() common.Address
	Events(ctx context.Context, from, to uint64) ([]chain.YieldEvent, error)
}

// Head exposes the Chain head height. *chain.Client satisfies it.
type Head interface {
	BlockNumber(ctx context.Context) (uint64, error)
}
