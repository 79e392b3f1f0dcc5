package relay

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

const testValidator = "validator1::11ff22ee"

// addValidator registers a fresh validator key in the config map and
// returns it for signing.
func addValidator(t *testing.T, h *testHarness, party string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	h.cfg.ValidatorAddresses[party] = crypto.PubkeyToAddress(key.PublicKey)
	return key
}

// signedAttestation fabricates a Ledger attestation payload whose single
// signature verifies against the derived digest.
func signedAttestation(t *testing.T, h *testHarness, key *ecdsa.PrivateKey, party string, nonce uint64, assets string, expiresAt time.Time) canton.SignedAttestation {
	t.Helper()
	entropy := common.HexToHash("0x01")
	att := chain.Attestation{
		Nonce:           new(big.Int).SetUint64(nonce),
		CantonAssets:    mustWad(assets),
		Timestamp:       big.NewInt(expiresAt.Unix() - 3600),
		Entropy:         entropy,
		LedgerStateHash: common.Hash{},
		ChainId:         big.NewInt(1),
	}
	id := AttestationID(att, h.bridge.addr)
	digest := SigningDigest(id, att, h.bridge.addr)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27

	return canton.SignedAttestation{
		Operator:           testOperator,
		AttestationID:      fmt.Sprintf("att-%d", nonce),
		Nonce:              json.Number(fmt.Sprintf("%d", nonce)),
		ChainID:            json.Number("1"),
		GlobalLedgerAssets: assets,
		ExpiresAt:          expiresAt,
		Entropy:            entropy.Hex(),
		LedgerStateHash:    common.Hash{}.Hex(),
		Direction:          "LedgerToChain",
		Signatures: []canton.ValidatorSignature{
			{Validator: party, Signature: hex.EncodeToString(sig), SignedAt: expiresAt},
		},
	}
}

func TestAttestationHappyPath(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4

	att := signedAttestation(t, h, key, testValidator, 5, "1000.0", time.Now().UTC())
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5", att)

	require.NoError(t, h.relay.runAttestations(context.Background()))

	require.Len(t, h.bridge.processed, 1)
	require.Equal(t, uint64(5), h.bridge.processed[0].Nonce.Uint64())
	require.Equal(t, mustWad("1000.0"), h.bridge.processed[0].CantonAssets)
	require.True(t, h.store.Attestations.Has("att-5"))
	require.Empty(t, h.relay.inFlight)

	last := h.ledger.exercises[len(h.ledger.exercises)-1]
	require.Equal(t, canton.ChoiceAttestationComplete, last.Choice)
	require.Equal(t, "cid-att-5", last.Cid)
}

func TestAttestationStrictNonceOrder(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4

	att := signedAttestation(t, h, key, testValidator, 7, "1000.0", time.Now().UTC())
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-7", att)

	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Empty(t, h.bridge.processed)
	require.False(t, h.store.Attestations.Has("att-7"))
}

func TestAttestationCrossChainReplayBuried(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4

	att := signedAttestation(t, h, key, testValidator, 5, "1000.0", time.Now().UTC())
	att.ChainID = json.Number("137")
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5", att)

	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Empty(t, h.bridge.processed)
	require.True(t, h.store.Attestations.Has("att-5"))
}

func TestAttestationStaleTimestampBuried(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4

	// Derived timestamp drifts far beyond the acceptance window.
	expired := time.Now().UTC().Add(-3 * 24 * time.Hour)
	att := signedAttestation(t, h, key, testValidator, 5, "1000.0", expired)
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5", att)

	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Empty(t, h.bridge.processed)
	require.True(t, h.store.Attestations.Has("att-5"))
}

func TestAttestationAlreadyOnChain(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4

	att := signedAttestation(t, h, key, testValidator, 5, "1000.0", time.Now().UTC())
	built, ok := h.relay.buildChainAttestation(attestCandidate{att: att, nonce: 5})
	require.True(t, ok)
	h.bridge.used[AttestationID(built, h.bridge.addr)] = true
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5", att)

	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Empty(t, h.bridge.processed)
	require.True(t, h.store.Attestations.Has("att-5"))
}

func TestAttestationRateLimitDefersPass(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4
	h.relay.limiter = NewRateLimiter(10, 1, 100)

	now := time.Now().UTC()
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5",
		signedAttestation(t, h, key, testValidator, 5, "1000.0", now))
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-6",
		signedAttestation(t, h, key, testValidator, 6, "1000.0", now))

	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Len(t, h.bridge.processed, 1)
	require.Equal(t, uint64(5), h.bridge.processed[0].Nonce.Uint64())

	// A later cycle with a rolled-over window picks up the deferred one.
	h.relay.limiter = NewRateLimiter(10, 1, 100)
	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Len(t, h.bridge.processed, 2)
	require.Equal(t, uint64(6), h.bridge.processed[1].Nonce.Uint64())
}

func TestAttestationRevertUnmarksForRetry(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4
	h.bridge.processErr = fmt.Errorf("wrapped: %w", chain.ErrReverted)

	att := signedAttestation(t, h, key, testValidator, 5, "1000.0", time.Now().UTC())
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5", att)

	require.Error(t, h.relay.runAttestations(context.Background()))
	require.Empty(t, h.relay.inFlight)
	require.NotContains(t, h.relay.submittedNonces, uint64(5))
	require.False(t, h.store.Attestations.Has("att-5"))

	// After the transient revert clears, the same attestation goes through.
	h.bridge.processErr = nil
	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Len(t, h.bridge.processed, 1)
}

func TestAttestationAmbiguousOutcomeKeepsMarkers(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4
	h.bridge.processErr = fmt.Errorf("wrapped: %w", chain.ErrConfirmationUnknown)

	att := signedAttestation(t, h, key, testValidator, 5, "1000.0", time.Now().UTC())
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5", att)

	require.Error(t, h.relay.runAttestations(context.Background()))
	require.Len(t, h.relay.inFlight, 1)
	require.Contains(t, h.relay.submittedNonces, uint64(5))

	// The markers block a double-spend even after the RPC recovers.
	h.bridge.processErr = nil
	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Empty(t, h.bridge.processed)
}

func TestAttestationBelowThresholdSkipped(t *testing.T) {
	h := newHarness(t)
	key := addValidator(t, h, testValidator)
	h.bridge.nonce = 4
	h.bridge.minSigs = 2

	att := signedAttestation(t, h, key, testValidator, 5, "1000.0", time.Now().UTC())
	h.ledger.addActive(canton.TplSignedAttestation, "cid-att-5", att)

	require.NoError(t, h.relay.runAttestations(context.Background()))
	require.Empty(t, h.bridge.processed)
	require.False(t, h.store.Attestations.Has("att-5"))
}
