// Package state persists the relay's processed-id sets and scan cursors to
// a single JSON file. Writes are atomic (temp file + rename); reads tolerate
// a missing, corrupt, oversized, or version-mismatched file by starting from
// empty state. Safety never depends on this file alone: the Chain-side
// usedAttestationIds check and the Ledger-side idempotency URIs are the
// authoritative duplicate guards.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// Version gates forward compatibility of the on-disk schema.
	Version = 1

	// maxFileSize marks anything larger as corrupt.
	maxFileSize = 5 << 20

	// SetCapacity bounds each processed-id set.
	SetCapacity = 10000
)

// Set is an insertion-ordered string set with LRU-style batch eviction:
// when capacity is exceeded the oldest 10% are dropped in one pass.
type Set struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

// NewSet returns an empty Set with the given capacity.
func NewSet(capacity int) *Set {
	return &Set{capacity: capacity, members: make(map[string]struct{})}
}

// Add inserts id and reports whether it was newly added.
func (s *Set) Add(id string) bool {
	if _, ok := s.members[id]; ok {
		return false
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.capacity {
		drop := s.capacity / 10
		if drop < 1 {
			drop = 1
		}
		for _, old := range s.order[:drop] {
			delete(s.members, old)
		}
		s.order = append([]string(nil), s.order[drop:]...)
	}
	return true
}

// Has reports membership.
func (s *Set) Has(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Len returns the current size.
func (s *Set) Len() int { return len(s.order) }

// Values returns the members in insertion order.
func (s *Set) Values() []string {
	return append([]string(nil), s.order...)
}

func setFrom(ids []string) *Set {
	s := NewSet(SetCapacity)
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Store is the durable process state. It is owned exclusively by the
// scheduler; no concurrent writers are permitted.
type Store struct {
	path string

	Attestations       *Set
	BridgeOuts         *Set
	YieldEpochs        *Set
	ETHPoolYieldEpochs *Set
	Redemptions        *Set

	LastScannedBlock             uint64
	LastYieldScannedBlock        uint64
	LastETHPoolYieldScannedBlock uint64
}

type fileState struct {
	Version                      int      `json:"version"`
	Timestamp                    string   `json:"timestamp"`
	ProcessedAttestations        []string `json:"processedAttestations"`
	ProcessedBridgeOuts          []string `json:"processedBridgeOuts"`
	ProcessedYieldEpochs         []string `json:"processedYieldEpochs"`
	ProcessedETHPoolYieldEpochs  []string `json:"processedETHPoolYieldEpochs"`
	ProcessedRedemptionRequests  []string `json:"processedRedemptionRequests"`
	LastScannedBlock             uint64   `json:"lastScannedBlock"`
	LastYieldScannedBlock        uint64   `json:"lastYieldScannedBlock"`
	LastETHPoolYieldScannedBlock uint64   `json:"lastETHPoolYieldScannedBlock"`
}

func empty(path string) *Store {
	return &Store{
		path:               path,
		Attestations:       NewSet(SetCapacity),
		BridgeOuts:         NewSet(SetCapacity),
		YieldEpochs:        NewSet(SetCapacity),
		ETHPoolYieldEpochs: NewSet(SetCapacity),
		Redemptions:        NewSet(SetCapacity),
	}
}

// Load reads the state file at path. A missing file yields empty state;
// so does any file that is oversized, unparseable, or of a foreign version.
func Load(path string) (*Store, error) {
	st := empty(path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat state file: %w", err)
	}
	if info.Size() > maxFileSize {
		return st, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var fs fileState
	if err := json.Unmarshal(raw, &fs); err != nil {
		return st, nil
	}
	if fs.Version != Version {
		return st, nil
	}

	st.Attestations = setFrom(fs.ProcessedAttestations)
	st.BridgeOuts = setFrom(fs.ProcessedBridgeOuts)
	st.YieldEpochs = setFrom(fs.ProcessedYieldEpochs)
	st.ETHPoolYieldEpochs = setFrom(fs.ProcessedETHPoolYieldEpochs)
	st.Redemptions = setFrom(fs.ProcessedRedemptionRequests)
	st.LastScannedBlock = fs.LastScannedBlock
	st.LastYieldScannedBlock = fs.LastYieldScannedBlock
	st.LastETHPoolYieldScannedBlock = fs.LastETHPoolYieldScannedBlock
	return st, nil
}

// Save writes the state atomically: marshal, write a temp file in the same
// directory, fsync, rename over the target.
func (s *Store) Save() error {
	fs := fileState{
		Version:                      Version,
		Timestamp:                    time.Now().UTC().Format(time.RFC3339),
		ProcessedAttestations:        s.Attestations.Values(),
		ProcessedBridgeOuts:          s.BridgeOuts.Values(),
		ProcessedYieldEpochs:         s.YieldEpochs.Values(),
		ProcessedETHPoolYieldEpochs:  s.ETHPoolYieldEpochs.Values(),
		ProcessedRedemptionRequests:  s.Redemptions.Values(),
		LastScannedBlock:             s.LastScannedBlock,
		LastYieldScannedBlock:        s.LastYieldScannedBlock,
		LastETHPoolYieldScannedBlock: s.LastETHPoolYieldScannedBlock,
	}
	raw, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
