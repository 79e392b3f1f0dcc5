package relay

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/metrics"
)

func newTestGuardian(t *testing.T, baseline *big.Int, pauseErr error) (*Guardian, *int, *metrics.Set) {
	t.Helper()
	pauses := 0
	met := metrics.New()
	g := NewGuardian(20, 5,
		func(context.Context) (*big.Int, error) { return new(big.Int).Set(baseline), nil },
		func(context.Context) error {
			pauses++
			return pauseErr
		},
		met, zap.NewNop())
	return g, &pauses, met
}

func TestGuardianTripsOnAssetJump(t *testing.T) {
	baseline := mustWad("1000000")
	g, pauses, met := newTestGuardian(t, baseline, nil)

	// 30% jump against a 20% threshold.
	blocked := g.CheckAssets(context.Background(), mustWad("1300000"))
	require.True(t, blocked)
	require.True(t, g.Tripped())
	require.Equal(t, 1, *pauses)
	require.Equal(t, float64(1), testutil.ToFloat64(met.PauseTriggered))

	// Every later check stays blocked, pause is not re-invoked.
	require.True(t, g.CheckAssets(context.Background(), mustWad("1000000")))
	require.Equal(t, 1, *pauses)
}

func TestGuardianAllowsChangeWithinThreshold(t *testing.T) {
	g, pauses, _ := newTestGuardian(t, mustWad("1000000"), nil)

	require.False(t, g.CheckAssets(context.Background(), mustWad("1150000")))
	require.False(t, g.Tripped())
	require.Equal(t, 0, *pauses)
}

func TestGuardianTripsOnConsecutiveReverts(t *testing.T) {
	g, pauses, _ := newTestGuardian(t, mustWad("1000000"), nil)

	for i := 0; i < 4; i++ {
		g.RecordRevert(context.Background())
	}
	require.False(t, g.Tripped())
	g.RecordRevert(context.Background())
	require.True(t, g.Tripped())
	require.Equal(t, 1, *pauses)
}

func TestGuardianSuccessResetsRevertCount(t *testing.T) {
	g, _, _ := newTestGuardian(t, mustWad("1000000"), nil)

	for i := 0; i < 4; i++ {
		g.RecordRevert(context.Background())
	}
	g.RecordSuccess()
	g.RecordRevert(context.Background())
	require.False(t, g.Tripped())
}

func TestGuardianStaysBlockedWhenPauseFails(t *testing.T) {
	g, pauses, _ := newTestGuardian(t, mustWad("1000000"), errors.New("missing emergency role"))

	require.True(t, g.CheckAssets(context.Background(), mustWad("2000000")))
	require.True(t, g.Tripped())
	require.Equal(t, 1, *pauses)
	require.True(t, g.CheckAssets(context.Background(), mustWad("1000000")))
}

func TestGuardianRefreshMovesBaseline(t *testing.T) {
	g, _, _ := newTestGuardian(t, mustWad("1000000"), nil)

	require.False(t, g.CheckAssets(context.Background(), mustWad("1100000")))
	g.Refresh(mustWad("1100000"))
	// 15% against the refreshed baseline, would be 26.5% against the old one.
	require.False(t, g.CheckAssets(context.Background(), mustWad("1265000")))
}
