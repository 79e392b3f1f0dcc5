package relay

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/metrics"
)

// Guardian is the anomaly detector guarding Chain submissions. It trips on
// a proportional jump in attested Ledger assets beyond the configured
// threshold, or on too many consecutive Chain reverts. Tripping invokes
// the bridge's pause() exactly once; every later cycle stays blocked until
// the process is restarted. If the pause call itself fails (e.g. missing
// emergency role) the relay still refuses further submissions.
type Guardian struct {
	log *zap.Logger
	met *metrics.Set

	maxChangeBps *big.Int
	maxReverts   int

	baselineFn func(ctx context.Context) (*big.Int, error)
	pauseFn    func(ctx context.Context) error

	baseline    *big.Int
	reverts     int
	tripped     bool
	pauseCalled bool
}

// NewGuardian builds a guardian. maxCapChangePct is interpreted as whole
// percent (20 → 2000 bps). baselineFn lazily initializes the baseline from
// the Chain; pauseFn invokes the bridge's emergency pause.
func NewGuardian(
	maxCapChangePct int64,
	maxReverts int,
	baselineFn func(ctx context.Context) (*big.Int, error),
	pauseFn func(ctx context.Context) error,
	met *metrics.Set,
	log *zap.Logger,
) *Guardian {
	return &Guardian{
		log:          log,
		met:          met,
		maxChangeBps: big.NewInt(maxCapChangePct * 100),
		maxReverts:   maxReverts,
		baselineFn:   baselineFn,
		pauseFn:      pauseFn,
	}
}

// Tripped reports whether the guardian has fired.
func (g *Guardian) Tripped() bool { return g.tripped }

// CheckAssets evaluates a proposed attested-assets total against the
// baseline and trips the guardian when the change exceeds the threshold.
// It returns true when the submission must not proceed.
func (g *Guardian) CheckAssets(ctx context.Context, proposed *big.Int) bool {
	if g.tripped {
		return true
	}
	if g.baseline == nil {
		base, err := g.baselineFn(ctx)
		if err != nil {
			g.log.Warn("guardian baseline unavailable", zap.Error(err))
			return false
		}
		g.baseline = base
	}
	if g.baseline.Sign() <= 0 {
		g.baseline = new(big.Int).Set(proposed)
		return false
	}

	diff := new(big.Int).Sub(proposed, g.baseline)
	diff.Abs(diff)
	bps := diff.Mul(diff, big.NewInt(10000))
	bps.Div(bps, g.baseline)
	if bps.Cmp(g.maxChangeBps) > 0 {
		g.log.Error("attested assets jumped beyond threshold",
			zap.String("baseline", g.baseline.String()),
			zap.String("proposed", proposed.String()),
			zap.String("change_bps", bps.String()))
		g.trip(ctx)
		return true
	}
	return false
}

// RecordRevert counts a Chain revert; exceeding the limit trips the
// guardian.
func (g *Guardian) RecordRevert(ctx context.Context) {
	g.reverts++
	if g.reverts >= g.maxReverts && !g.tripped {
		g.log.Error("consecutive revert limit reached", zap.Int("reverts", g.reverts))
		g.trip(ctx)
	}
}

// RecordSuccess resets the consecutive-revert counter.
func (g *Guardian) RecordSuccess() { g.reverts = 0 }

// Refresh updates the baseline after a successful attestation.
func (g *Guardian) Refresh(assets *big.Int) {
	g.baseline = new(big.Int).Set(assets)
}

func (g *Guardian) trip(ctx context.Context) {
	g.tripped = true
	if g.pauseCalled {
		return
	}
	g.pauseCalled = true
	g.met.PauseTriggered.Inc()
	if err := g.pauseFn(ctx); err != nil {
		// The relay stays blocked regardless; operators must intervene.
		g.log.Error("emergency pause failed, relay halted", zap.Error(err))
		return
	}
	g.log.Error("emergency pause invoked")
}
