package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirectionHealthDemotion(t *testing.T) {
	var h directionHealth

	for i := 0; i < demotionThreshold-1; i++ {
		h.recordFailure(false)
	}
	require.Equal(t, healthy, h.status)

	h.recordFailure(false)
	require.Equal(t, degraded, h.status)

	for i := 0; i < demotionThreshold; i++ {
		h.recordFailure(false)
	}
	require.Equal(t, failed, h.status)

	h.recordSuccess()
	require.Equal(t, healthy, h.status)
}

func TestDirectionHealthPermanentFailure(t *testing.T) {
	var h directionHealth
	h.recordFailure(true)
	require.Equal(t, failed, h.status)
}

func TestDirectionHealthCadence(t *testing.T) {
	h := directionHealth{status: degraded}
	require.True(t, h.shouldRun(3))
	require.False(t, h.shouldRun(4))

	h.status = failed
	require.True(t, h.shouldRun(10))
	require.False(t, h.shouldRun(9))

	h.status = healthy
	for c := uint64(1); c <= 5; c++ {
		require.True(t, h.shouldRun(c))
	}
}

func TestBootstrapCursorsFloorsStaleState(t *testing.T) {
	h := newHarness(t)
	h.head.height = 20000
	h.cfg.LookbackBlocks = 5000
	h.store.LastScannedBlock = 100
	h.store.LastYieldScannedBlock = 16000

	h.relay.bootstrapCursors(context.Background())

	require.Equal(t, uint64(15000), h.store.LastScannedBlock)
	// Cursors already inside the window are left alone.
	require.Equal(t, uint64(16000), h.store.LastYieldScannedBlock)
	require.Equal(t, uint64(15000), h.store.LastETHPoolYieldScannedBlock)
}

func TestMaybeFailoverRequiresStreak(t *testing.T) {
	h := newHarness(t)
	rotations := 0
	h.relay.rotate = func(context.Context) error {
		rotations++
		return nil
	}
	for _, d := range []Direction{DirAttest, DirBridgeIn, DirRedemption} {
		h.relay.health[d].status = failed
	}

	h.relay.maybeFailover(context.Background())
	h.relay.maybeFailover(context.Background())
	require.Equal(t, 0, rotations)
	h.relay.maybeFailover(context.Background())
	require.Equal(t, 1, rotations)

	// Recovery resets the streak.
	h.relay.health[DirAttest].status = healthy
	h.relay.maybeFailover(context.Background())
	require.Equal(t, 0, h.relay.rotateCount)
	require.Equal(t, 1, rotations)
}

func TestDegradedReflectsFailedDirections(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.relay.Degraded())
	h.relay.health[DirBridgeOut].status = failed
	require.True(t, h.relay.Degraded())

	snap := h.relay.Snapshot()
	require.Len(t, snap, int(numDirections))
	require.Equal(t, "bridge_out", snap[DirBridgeOut].Direction)
	require.Equal(t, "failed", snap[DirBridgeOut].Status)
}

func TestThrottledWarnWindow(t *testing.T) {
	h := newHarness(t)
	now := time.Unix(1_700_000_000, 0)
	h.relay.now = func() time.Time { return now }

	h.relay.throttledWarn("k", "noisy")
	first := h.relay.warnAt["k"]

	now = now.Add(5 * time.Minute)
	h.relay.throttledWarn("k", "noisy")
	require.Equal(t, first, h.relay.warnAt["k"], "suppressed inside the window")

	now = now.Add(6 * time.Minute)
	h.relay.throttledWarn("k", "noisy")
	require.Equal(t, now, h.relay.warnAt["k"])
}
