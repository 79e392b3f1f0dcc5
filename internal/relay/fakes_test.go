package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
	"github.com/luthatdude/musd-canton-relay/internal/config"
	"github.com/luthatdude/musd-canton-relay/internal/metrics"
	"github.com/luthatdude/musd-canton-relay/internal/state"
)

type exerciseCall struct {
	Template string
	Cid      string
	Choice   string
	Args     map[string]any
	Actors   []string
}

type createCall struct {
	Template string
	Payload  any
}

type fakeLedger struct {
	party       string
	actives     map[string][]canton.Contract
	activeErr   map[string]error
	createErr   func(template string, payload any) error
	exerciseRes func(template, cid, choice string) (canton.ExerciseResult, error)

	creates   []createCall
	exercises []exerciseCall
	nextCid   int
}

func newFakeLedger(party string) *fakeLedger {
	return &fakeLedger{
		party:     party,
		actives:   map[string][]canton.Contract{},
		activeErr: map[string]error{},
	}
}

func (f *fakeLedger) Party() string { return f.party }

func (f *fakeLedger) Active(_ context.Context, template string) ([]canton.Contract, error) {
	if err := f.activeErr[template]; err != nil {
		return nil, err
	}
	return f.actives[template], nil
}

func (f *fakeLedger) Create(_ context.Context, template string, payload any) (string, error) {
	if f.createErr != nil {
		if err := f.createErr(template, payload); err != nil {
			return "", err
		}
	}
	f.creates = append(f.creates, createCall{Template: template, Payload: payload})
	f.nextCid++
	cid := fmt.Sprintf("%s#%d", template, f.nextCid)
	// Creating also makes the contract visible to later Active queries.
	raw, _ := json.Marshal(payload)
	f.actives[template] = append(f.actives[template], canton.Contract{
		ContractID: cid, TemplateID: template, Payload: raw,
	})
	return cid, nil
}

func (f *fakeLedger) Exercise(_ context.Context, template, cid, choice string, args any, extraActors []string) (canton.ExerciseResult, error) {
	m, _ := args.(map[string]any)
	f.exercises = append(f.exercises, exerciseCall{
		Template: template, Cid: cid, Choice: choice, Args: m, Actors: extraActors,
	})
	if f.exerciseRes != nil {
		return f.exerciseRes(template, cid, choice)
	}
	return canton.ExerciseResult{}, nil
}

func (f *fakeLedger) addActive(template, cid string, payload any) {
	raw, _ := json.Marshal(payload)
	f.actives[template] = append(f.actives[template], canton.Contract{
		ContractID: cid, TemplateID: template, Payload: raw,
	})
}

type fakeBridge struct {
	addr         common.Address
	nonce        uint64
	minSigs      uint64
	used         map[common.Hash]bool
	assets       *big.Int
	paused       bool
	pauseCalls   int
	simulateErr  error
	processErr   error
	processed    []chain.Attestation
	bridgeOuts   []chain.BridgeOutEvent
	bridgeOutErr error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		addr:    common.HexToAddress("0x000000000000000000000000000000000000b21d"),
		minSigs: 1,
		used:    map[common.Hash]bool{},
		assets:  big.NewInt(0),
	}
}

func (f *fakeBridge) Address() common.Address { return f.addr }
func (f *fakeBridge) CurrentNonce(context.Context) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeBridge) MinSignatures(context.Context) (uint64, error) { return f.minSigs, nil }
func (f *fakeBridge) UsedAttestationID(_ context.Context, id common.Hash) (bool, error) {
	return f.used[id], nil
}
func (f *fakeBridge) AttestedCantonAssets(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.assets), nil
}
func (f *fakeBridge) Pause(context.Context) error {
	f.pauseCalls++
	f.paused = true
	return nil
}
func (f *fakeBridge) HasRole(context.Context, common.Hash, common.Address) (bool, error) {
	return true, nil
}
func (f *fakeBridge) SimulateProcessAttestation(context.Context, chain.Attestation, [][]byte) error {
	return f.simulateErr
}
func (f *fakeBridge) ProcessAttestation(_ context.Context, att chain.Attestation, _ [][]byte) error {
	if f.processErr != nil {
		return f.processErr
	}
	f.processed = append(f.processed, att)
	f.nonce = att.Nonce.Uint64()
	return nil
}
func (f *fakeBridge) BridgeOuts(_ context.Context, from, to uint64) ([]chain.BridgeOutEvent, error) {
	if f.bridgeOutErr != nil {
		return nil, f.bridgeOutErr
	}
	var out []chain.BridgeOutEvent
	for _, ev := range f.bridgeOuts {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeToken struct {
	totalSupply  *big.Int
	supplyCap    *big.Int
	localCapBps  uint64
	hasMintRole  bool
	hasAdminRole bool
	grants       int
	mintErr      error
	mints        []struct {
		To     common.Address
		Amount *big.Int
	}
}

func (f *fakeToken) TotalSupply(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.totalSupply), nil
}
func (f *fakeToken) SupplyCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.supplyCap), nil
}
func (f *fakeToken) LocalCapBps(context.Context) (uint64, error) { return f.localCapBps, nil }
func (f *fakeToken) HasRole(_ context.Context, role common.Hash, _ common.Address) (bool, error) {
	if role == chain.BridgeMintRole {
		return f.hasMintRole, nil
	}
	return f.hasAdminRole, nil
}
func (f *fakeToken) GrantRole(context.Context, common.Hash, common.Address) error {
	f.grants++
	f.hasMintRole = true
	return nil
}
func (f *fakeToken) Mint(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if f.mintErr != nil {
		return common.Hash{}, f.mintErr
	}
	f.mints = append(f.mints, struct {
		To     common.Address
		Amount *big.Int
	}{to, new(big.Int).Set(amount)})
	return common.HexToHash("0xfeed"), nil
}

type fakeTreasury struct {
	addr    common.Address
	asset   common.Address
	hasRole bool
	balance *big.Int

	deposits []struct {
		From   common.Address
		Amount *big.Int
	}
	strategyDeposits []struct {
		Strategy common.Address
		Amount   *big.Int
	}
	approvals []*big.Int
}

func newFakeTreasury() *fakeTreasury {
	return &fakeTreasury{
		addr:    common.HexToAddress("0x00000000000000000000000000000000000077e5"),
		asset:   common.HexToAddress("0x0000000000000000000000000000000000005dc0"),
		balance: big.NewInt(0),
	}
}

func (f *fakeTreasury) Address() common.Address                       { return f.addr }
func (f *fakeTreasury) Asset(context.Context) (common.Address, error) { return f.asset, nil }
func (f *fakeTreasury) HasRole(context.Context, common.Hash, common.Address) (bool, error) {
	return f.hasRole, nil
}
func (f *fakeTreasury) Deposit(_ context.Context, from common.Address, amount *big.Int) error {
	f.deposits = append(f.deposits, struct {
		From   common.Address
		Amount *big.Int
	}{from, new(big.Int).Set(amount)})
	return nil
}
func (f *fakeTreasury) DepositToStrategy(_ context.Context, strategy common.Address, amount *big.Int) error {
	f.strategyDeposits = append(f.strategyDeposits, struct {
		Strategy common.Address
		Amount   *big.Int
	}{strategy, new(big.Int).Set(amount)})
	return nil
}
func (f *fakeTreasury) AssetBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}
func (f *fakeTreasury) ApproveAsset(_ context.Context, _ common.Address, amount *big.Int) error {
	f.approvals = append(f.approvals, new(big.Int).Set(amount))
	return nil
}

type fakeYield struct {
	addr   common.Address
	events []chain.YieldEvent
}

func (f *fakeYield) Address() common.Address { return f.addr }
func (f *fakeYield) Events(_ context.Context, from, to uint64) ([]chain.YieldEvent, error) {
	var out []chain.YieldEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeHead struct{ height uint64 }

func (f *fakeHead) BlockNumber(context.Context) (uint64, error) { return f.height, nil }

type testHarness struct {
	relay    *Relay
	cfg      *config.Config
	ledger   *fakeLedger
	bridge   *fakeBridge
	token    *fakeToken
	treasury *fakeTreasury
	head     *fakeHead
	met      *metrics.Set
	store    *state.Store
}

const testOperator = "operator::00aa11bb"

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	cfg := &config.Config{
		PollInterval:             time.Second,
		Confirmations:            10,
		LookbackBlocks:           5000,
		RateLimitTxPerBlock:      100,
		RateLimitTxPerMinute:     100,
		RateLimitTxPerHour:       1000,
		PauseCapChangePct:        20,
		PauseMaxReverts:          5,
		MaxRedemptionPayoutWei:   mustWad("100000"),
		TreasuryAutoDeployMinWei: big.NewInt(0),
		AttestationTTL:           time.Hour,
		ValidatorAddresses:       map[string]common.Address{},
		RecipientPartyAliases:    map[string]string{},
		RedemptionEthRecipients:  map[string]common.Address{},
	}
	h := &testHarness{
		cfg:      cfg,
		ledger:   newFakeLedger(testOperator),
		bridge:   newFakeBridge(),
		token:    &fakeToken{totalSupply: big.NewInt(0), supplyCap: big.NewInt(0)},
		treasury: newFakeTreasury(),
		head:     &fakeHead{height: 100},
		met:      metrics.New(),
		store:    store,
	}
	h.relay = New(Deps{
		Config:     cfg,
		Log:        zap.NewNop(),
		Metrics:    h.met,
		Ledger:     h.ledger,
		Head:       h.head,
		Bridge:     h.bridge,
		Token:      h.token,
		Treasury:   h.treasury,
		Store:      store,
		ChainID:    big.NewInt(1),
		SignerAddr: common.HexToAddress("0x00000000000000000000000000000000000000e1"),
	})
	return h
}

func mustWad(s string) *big.Int {
	v, err := canton.ParseFixed18(s)
	if err != nil {
		panic(err)
	}
	return v
}
