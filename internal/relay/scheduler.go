// Package relay implements the bidirectional reconciliation engine: a
// single-threaded cooperative loop driving six directional handlers
// between the Canton ledger and the Ethereum chain, with per-direction
// fault isolation, durable cursors, rate limiting, and an anomaly-driven
// pause guardian.
package relay

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/config"
	"github.com/luthatdude/musd-canton-relay/internal/metrics"
	"github.com/luthatdude/musd-canton-relay/internal/state"
)

const (
	// orphanSweepEvery runs the orphan recovery sweep every Nth cycle.
	orphanSweepEvery = 6

	// failoverFailedDirections and failoverStreak gate RPC rotation: at
	// least this many directions Failed, for this many consecutive cycles.
	failoverFailedDirections = 3
	failoverStreak           = 3

	drainTimeout = 30 * time.Second
)

// Deps bundles everything the relay engine needs. All fields except the
// yield sources and Rotate are required.
type Deps struct {
	Config   *config.Config
	Log      *zap.Logger
	Metrics  *metrics.Set
	Ledger   Ledger
	Head     Head
	Bridge   Bridge
	Token    Token
	Treasury Treasury

	// StakingYield / ETHPoolYield are nil when the distributor address is
	// unconfigured; the corresponding direction then no-ops.
	StakingYield YieldSource
	ETHPoolYield YieldSource

	Store      *state.Store
	ChainID    *big.Int
	SignerAddr common.Address

	// Rotate switches the RPC provider; nil disables failover.
	Rotate func(ctx context.Context) error
}

// Relay owns all mutable relay state. It must be driven by exactly one
// goroutine; external readers use Snapshot.
type Relay struct {
	cfg *config.Config
	log *zap.Logger
	met *metrics.Set

	ledger   Ledger
	head     Head
	bridge   Bridge
	token    Token
	treasury Treasury
	staking  YieldSource
	ethPool  YieldSource

	store    *state.Store
	limiter  *RateLimiter
	guardian *Guardian

	chainID    *big.Int
	signerAddr common.Address
	rotate     func(ctx context.Context) error

	mu     sync.RWMutex
	health [numDirections]directionHealth

	cycle       uint64
	rotateCount int

	// In-flight dedup for D1. Lost on crash; the Chain-side
	// usedAttestationIds check preserves safety.
	submittedNonces map[uint64]struct{}
	inFlight        map[common.Hash]string

	// Local fallback markers for redemptions settled before the Ledger
	// settlement template is vetted.
	localSettled map[string]struct{}

	warnAt map[string]time.Time
	now    func() time.Time
}

// New wires a Relay from its dependencies.
func New(d Deps) *Relay {
	r := &Relay{
		cfg:        d.Config,
		log:        d.Log,
		met:        d.Metrics,
		ledger:     d.Ledger,
		head:       d.Head,
		bridge:     d.Bridge,
		token:      d.Token,
		treasury:   d.Treasury,
		staking:    d.StakingYield,
		ethPool:    d.ETHPoolYield,
		store:      d.Store,
		chainID:    d.ChainID,
		signerAddr: d.SignerAddr,
		rotate:     d.Rotate,

		submittedNonces: make(map[uint64]struct{}),
		inFlight:        make(map[common.Hash]string),
		localSettled:    make(map[string]struct{}),
		warnAt:          make(map[string]time.Time),
		now:             time.Now,
	}
	r.limiter = NewRateLimiter(
		d.Config.RateLimitTxPerBlock,
		d.Config.RateLimitTxPerMinute,
		d.Config.RateLimitTxPerHour,
	)
	r.guardian = NewGuardian(
		d.Config.PauseCapChangePct,
		d.Config.PauseMaxReverts,
		d.Bridge.AttestedCantonAssets,
		d.Bridge.Pause,
		d.Metrics,
		d.Log,
	)
	return r
}

// Run drives cycles until ctx is cancelled, then drains: no new cycles,
// wait up to 30 s for the in-flight set to empty.
func (r *Relay) Run(ctx context.Context) error {
	r.bootstrapCursors(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.drain()
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// bootstrapCursors floors the scan cursors at head minus the look-back
// window so a stale state file cannot force an unbounded replay, while a
// fresh one still re-inspects the window the cursor may have missed.
func (r *Relay) bootstrapCursors(ctx context.Context) {
	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		r.log.Warn("bootstrap: head unavailable", zap.Error(err))
		return
	}
	if head <= r.cfg.LookbackBlocks {
		return
	}
	floor := head - r.cfg.LookbackBlocks
	for _, c := range []*uint64{
		&r.store.LastScannedBlock,
		&r.store.LastYieldScannedBlock,
		&r.store.LastETHPoolYieldScannedBlock,
	} {
		if *c < floor {
			*c = floor
		}
	}
	r.log.Info("scan cursors bootstrapped",
		zap.Uint64("head", head),
		zap.Uint64("bridge_out_cursor", r.store.LastScannedBlock),
		zap.Uint64("yield_cursor", r.store.LastYieldScannedBlock),
		zap.Uint64("ethpool_yield_cursor", r.store.LastETHPoolYieldScannedBlock))
}

func (r *Relay) runCycle(ctx context.Context) {
	start := r.now()
	r.cycle++

	handlers := []struct {
		dir Direction
		fn  func(context.Context) error
	}{
		{DirAttest, r.runAttestations},
		{DirBridgeIn, r.runBridgeIns},
		{DirRedemption, r.runRedemptions},
		{DirBridgeOut, r.runBridgeOuts},
		{DirYield, func(ctx context.Context) error { return r.runYield(ctx, DirYield) }},
		{DirETHPoolYield, func(ctx context.Context) error { return r.runYield(ctx, DirETHPoolYield) }},
	}

	for _, h := range handlers {
		r.mu.RLock()
		run := r.health[h.dir].shouldRun(r.cycle)
		r.mu.RUnlock()
		if !run {
			continue
		}
		err := h.fn(ctx)
		r.mu.Lock()
		if err != nil {
			r.health[h.dir].recordFailure(isPermanent(err))
			r.log.Error("direction failed",
				zap.String("direction", h.dir.String()),
				zap.String("status", r.health[h.dir].status.String()),
				zap.Error(err))
		} else {
			r.health[h.dir].recordSuccess()
		}
		r.met.DirectionStatus.WithLabelValues(h.dir.String()).
			Set(float64(r.health[h.dir].status))
		r.mu.Unlock()
	}

	if r.cycle%orphanSweepEvery == 0 {
		if err := r.runOrphanSweep(ctx); err != nil {
			r.log.Warn("orphan sweep failed", zap.Error(err))
		}
	}

	r.maybeFailover(ctx)
	r.met.CycleDuration.Observe(r.now().Sub(start).Seconds())
}

func (r *Relay) maybeFailover(ctx context.Context) {
	if r.rotate == nil {
		return
	}
	r.mu.RLock()
	failedDirs := 0
	for d := Direction(0); d < numDirections; d++ {
		if r.health[d].status == failed {
			failedDirs++
		}
	}
	r.mu.RUnlock()

	if failedDirs < failoverFailedDirections {
		r.rotateCount = 0
		return
	}
	r.rotateCount++
	if r.rotateCount < failoverStreak {
		return
	}
	r.rotateCount = 0
	if err := r.rotate(ctx); err != nil {
		r.log.Error("rpc failover failed", zap.Error(err))
		return
	}
	r.met.RPCFailovers.Inc()
}

func (r *Relay) drain() error {
	deadline := time.Now().Add(drainTimeout)
	for len(r.inFlight) > 0 && time.Now().Before(deadline) {
		r.log.Info("draining in-flight attestations", zap.Int("remaining", len(r.inFlight)))
		time.Sleep(time.Second)
	}
	r.persist()
	return nil
}

func (r *Relay) persist() {
	if err := r.store.Save(); err != nil {
		r.log.Error("persist state failed", zap.Error(err))
		return
	}
	r.met.StatePersists.Inc()
}

// throttledWarn logs at most once per ten minutes per key; repeated
// access-control failures must not flood the logs.
func (r *Relay) throttledWarn(key, msg string, fields ...zap.Field) {
	if last, ok := r.warnAt[key]; ok && r.now().Sub(last) < 10*time.Minute {
		return
	}
	r.warnAt[key] = r.now()
	r.log.Warn(msg, fields...)
}

// DirectionState is a read-only health projection for the health server.
type DirectionState struct {
	Direction string `json:"direction"`
	Status    string `json:"status"`
}

// Snapshot returns the current per-direction health. Safe to call from
// other goroutines.
func (r *Relay) Snapshot() []DirectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DirectionState, 0, numDirections)
	for d := Direction(0); d < numDirections; d++ {
		out = append(out, DirectionState{
			Direction: d.String(),
			Status:    r.health[d].status.String(),
		})
	}
	return out
}

// Degraded reports whether any direction is currently Failed.
func (r *Relay) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for d := Direction(0); d < numDirections; d++ {
		if r.health[d].status == failed {
			return true
		}
	}
	return false
}
