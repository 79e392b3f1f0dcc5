package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Load(path)
	require.NoError(t, err)
	st.Attestations.Add("att-1")
	st.BridgeOuts.Add("0xabc")
	st.YieldEpochs.Add("staking:3")
	st.ETHPoolYieldEpochs.Add("ethpool:1")
	st.Redemptions.Add("red-9")
	st.LastScannedBlock = 12345
	st.LastYieldScannedBlock = 12000
	st.LastETHPoolYieldScannedBlock = 11000
	require.NoError(t, st.Save())

	got, err := Load(path)
	require.NoError(t, err)
	require.True(t, got.Attestations.Has("att-1"))
	require.True(t, got.BridgeOuts.Has("0xabc"))
	require.True(t, got.YieldEpochs.Has("staking:3"))
	require.True(t, got.ETHPoolYieldEpochs.Has("ethpool:1"))
	require.True(t, got.Redemptions.Has("red-9"))
	require.Equal(t, uint64(12345), got.LastScannedBlock)
	require.Equal(t, uint64(12000), got.LastYieldScannedBlock)
	require.Equal(t, uint64(11000), got.LastETHPoolYieldScannedBlock)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, 0, st.Attestations.Len())
	require.Equal(t, uint64(0), st.LastScannedBlock)
}

func TestLoadCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	st, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0, st.BridgeOuts.Len())
}

func TestLoadForeignVersionIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"version":99,"processedBridgeOuts":["0xabc"],"lastScannedBlock":7}`), 0o600))

	st, err := Load(path)
	require.NoError(t, err)
	require.False(t, st.BridgeOuts.Has("0xabc"))
	require.Equal(t, uint64(0), st.LastScannedBlock)
}

func TestLoadOversizedFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", maxFileSize+1)), 0o600))

	st, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0, st.Attestations.Len())
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := Load(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	require.NoError(t, st.Save())
	require.NoError(t, st.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "state.json", entries[0].Name())
}

func TestSetEvictsOldestBatch(t *testing.T) {
	s := NewSet(20)
	for i := 0; i < 21; i++ {
		require.True(t, s.Add(fmt.Sprintf("id-%d", i)))
	}

	// Crossing capacity drops the oldest 10% in one pass.
	require.Equal(t, 19, s.Len())
	require.False(t, s.Has("id-0"))
	require.False(t, s.Has("id-1"))
	require.True(t, s.Has("id-2"))
	require.True(t, s.Has("id-20"))
}

func TestSetAddIsIdempotent(t *testing.T) {
	s := NewSet(10)
	require.True(t, s.Add("a"))
	require.False(t, s.Add("a"))
	require.Equal(t, 1, s.Len())
	require.Equal(t, []string{"a"}, s.Values())
}
