package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

const (
	// maxAttestationsPerPass bounds one D1 cycle.
	maxAttestationsPerPass = 100

	// maxTimestampDriftSec rejects attestations whose derived timestamp is
	// too far from wall clock to ever verify on the Chain.
	maxTimestampDriftSec = 86400
)

type attestCandidate struct {
	cid   string
	att   canton.SignedAttestation
	nonce uint64
}

// runAttestations lifts Ledger-signed attestations onto the Chain bridge,
// in strict nonce order, at most maxAttestationsPerPass per cycle.
func (r *Relay) runAttestations(ctx context.Context) error {
	if r.guardian.Tripped() {
		r.throttledWarn("guardian", "attestation relay halted by pause guardian")
		return nil
	}

	contracts, err := r.ledger.Active(ctx, canton.TplSignedAttestation)
	if err != nil {
		return fmt.Errorf("query signed attestations: %w", err)
	}
	if len(contracts) == 0 {
		return nil
	}

	onChainNonce, err := r.bridge.CurrentNonce(ctx)
	if err != nil {
		return fmt.Errorf("read bridge nonce: %w", err)
	}
	minSigs, err := r.bridge.MinSignatures(ctx)
	if err != nil {
		return fmt.Errorf("read minSignatures: %w", err)
	}
	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	cands := make([]attestCandidate, 0, len(contracts))
	for _, c := range contracts {
		var att canton.SignedAttestation
		if err := canton.DecodePayload(c, &att); err != nil {
			r.log.Warn("undecodable attestation payload", zap.String("cid", c.ContractID), zap.Error(err))
			continue
		}
		nonce, err := att.Nonce.Int64()
		if err != nil || nonce < 0 {
			r.met.ValidationFailures.WithLabelValues("nonce_parse").Inc()
			continue
		}
		cands = append(cands, attestCandidate{cid: c.ContractID, att: att, nonce: uint64(nonce)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].nonce < cands[j].nonce })
	if len(cands) > maxAttestationsPerPass {
		cands = cands[:maxAttestationsPerPass]
	}

	next := onChainNonce + 1
	for _, c := range cands {
		if r.store.Attestations.Has(c.att.AttestationID) {
			continue
		}
		if uint64(len(c.att.Signatures)) < minSigs {
			r.log.Debug("attestation below signature threshold",
				zap.String("attestation_id", c.att.AttestationID),
				zap.Int("have", len(c.att.Signatures)),
				zap.Uint64("need", minSigs))
			continue
		}
		if c.nonce != next {
			r.met.ValidationFailures.WithLabelValues("nonce_order").Inc()
			r.log.Debug("attestation out of nonce order",
				zap.Uint64("nonce", c.nonce), zap.Uint64("expected", next))
			continue
		}
		cid, err := c.att.ChainID.Int64()
		if err != nil || r.chainID.Cmp(big.NewInt(cid)) != 0 {
			// Cross-chain replay. Never submittable here; bury it.
			r.met.ValidationFailures.WithLabelValues("chain_id").Inc()
			r.store.Attestations.Add(c.att.AttestationID)
			r.log.Warn("attestation targets a different chain",
				zap.String("attestation_id", c.att.AttestationID),
				zap.String("chain_id", c.att.ChainID.String()))
			continue
		}
		if r.markedInFlight(c.nonce, c.att.AttestationID) {
			continue
		}

		if !r.limiter.Allow(head) {
			r.met.RateLimitHits.Inc()
			r.log.Info("rate limit reached, deferring attestation pass",
				zap.Uint64("nonce", c.nonce))
			return nil
		}

		assets, err := canton.ParseFixed18(c.att.GlobalLedgerAssets)
		if err != nil {
			r.met.ValidationFailures.WithLabelValues("assets_parse").Inc()
			r.store.Attestations.Add(c.att.AttestationID)
			continue
		}
		if r.guardian.CheckAssets(ctx, assets) {
			r.log.Error("pause guardian blocked attestation pass",
				zap.String("attestation_id", c.att.AttestationID))
			return nil
		}

		att, ok := r.buildChainAttestation(c)
		if !ok {
			continue
		}
		id := AttestationID(att, r.bridge.Address())

		used, err := r.bridge.UsedAttestationID(ctx, id)
		if err != nil {
			return fmt.Errorf("check usedAttestationIds: %w", err)
		}
		if used {
			r.store.Attestations.Add(c.att.AttestationID)
			r.met.AttestationOutcomes.WithLabelValues("already_on_chain").Inc()
			next++
			continue
		}

		sigs := r.collectSignatures(id, att, c.att.Signatures)
		if uint64(len(sigs)) < minSigs {
			r.met.ValidationFailures.WithLabelValues("signatures").Inc()
			r.log.Warn("not enough valid signatures",
				zap.String("attestation_id", c.att.AttestationID),
				zap.Int("accepted", len(sigs)), zap.Uint64("need", minSigs))
			continue
		}

		if err := r.bridge.SimulateProcessAttestation(ctx, att, sigs); err != nil {
			if used, uerr := r.bridge.UsedAttestationID(ctx, id); uerr == nil && used {
				r.store.Attestations.Add(c.att.AttestationID)
				r.met.AttestationOutcomes.WithLabelValues("already_on_chain").Inc()
				next++
				continue
			}
			r.met.AttestationOutcomes.WithLabelValues("simulation_revert").Inc()
			r.log.Warn("processAttestation simulation reverted",
				zap.String("attestation_id", c.att.AttestationID), zap.Error(err))
			continue
		}

		if err := r.submitAttestation(ctx, c, att, id, sigs, assets); err != nil {
			return err
		}
		next++
	}
	return nil
}

func (r *Relay) buildChainAttestation(c attestCandidate) (chain.Attestation, bool) {
	ts := c.att.ExpiresAt.Unix() - int64(r.cfg.AttestationTTL/time.Second)
	if ts <= 0 {
		r.met.ValidationFailures.WithLabelValues("timestamp").Inc()
		r.store.Attestations.Add(c.att.AttestationID)
		return chain.Attestation{}, false
	}
	drift := r.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > maxTimestampDriftSec {
		r.met.ValidationFailures.WithLabelValues("timestamp_drift").Inc()
		r.store.Attestations.Add(c.att.AttestationID)
		r.log.Warn("attestation timestamp drift too large",
			zap.String("attestation_id", c.att.AttestationID),
			zap.Int64("timestamp", ts))
		return chain.Attestation{}, false
	}

	assets, _ := canton.ParseFixed18(c.att.GlobalLedgerAssets)
	return chain.Attestation{
		Nonce:           new(big.Int).SetUint64(c.nonce),
		CantonAssets:    assets,
		Timestamp:       big.NewInt(ts),
		Entropy:         common.HexToHash(c.att.Entropy),
		LedgerStateHash: common.HexToHash(c.att.LedgerStateHash),
		ChainId:         new(big.Int).Set(r.chainID),
	}, true
}

// collectSignatures validates each Ledger validator signature against the
// registered address map and the signing digest, dropping anything that
// does not recover, and returns the survivors sorted by signer address.
func (r *Relay) collectSignatures(id common.Hash, att chain.Attestation, in []canton.ValidatorSignature) [][]byte {
	digest := SigningDigest(id, att, r.bridge.Address())
	accepted := make([]signedBy, 0, len(in))
	seen := make(map[common.Address]bool, len(in))
	for _, vs := range in {
		want, ok := r.cfg.ValidatorAddresses[vs.Validator]
		if !ok {
			r.met.ValidationFailures.WithLabelValues("unknown_validator").Inc()
			continue
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(vs.Signature, "0x"))
		if err != nil {
			r.met.ValidationFailures.WithLabelValues("signature_encoding").Inc()
			continue
		}
		sig, ok := acceptSignature(digest, raw, want)
		if !ok {
			r.met.ValidationFailures.WithLabelValues("signature_recover").Inc()
			r.log.Warn("signature does not recover to registered address",
				zap.String("validator", vs.Validator))
			continue
		}
		if seen[want] {
			continue
		}
		seen[want] = true
		accepted = append(accepted, signedBy{addr: want, sig: sig})
	}
	return sortBySigner(accepted)
}

// submitAttestation owns the critical ordering: in-flight mark, RPC
// submit, confirmation wait, persist. Ambiguous post-send failures keep
// the markers so a retry cannot double-spend the nonce.
func (r *Relay) submitAttestation(
	ctx context.Context,
	c attestCandidate,
	att chain.Attestation,
	id common.Hash,
	sigs [][]byte,
	assets *big.Int,
) error {
	r.markInFlight(c.nonce, id, c.att.AttestationID)

	err := r.bridge.ProcessAttestation(ctx, att, sigs)
	switch {
	case err == nil:
		r.clearInFlight(id) // nonce stays in the submitted set
		r.store.Attestations.Add(c.att.AttestationID)
		r.met.AttestationOutcomes.WithLabelValues("submitted").Inc()
		r.guardian.RecordSuccess()
		r.guardian.Refresh(assets)
		r.log.Info("attestation committed on chain",
			zap.Uint64("nonce", c.nonce),
			zap.String("attestation_id", c.att.AttestationID),
			zap.String("id", id.Hex()))

		if _, exErr := r.ledger.Exercise(ctx, canton.TplSignedAttestation, c.cid,
			canton.ChoiceAttestationComplete, map[string]any{}, nil); exErr != nil {
			// The Chain commit is durable; the Ledger archive can lag.
			r.log.Warn("Attestation_Complete failed", zap.String("cid", c.cid), zap.Error(exErr))
		}
		r.maybeDeployTreasury(ctx)
		r.persist()
		return nil

	case errors.Is(err, chain.ErrReverted):
		r.unmarkInFlight(c.nonce, id)
		r.guardian.RecordRevert(ctx)
		r.met.AttestationOutcomes.WithLabelValues("reverted").Inc()
		return fmt.Errorf("processAttestation nonce %d reverted: %w", c.nonce, err)

	case errors.Is(err, chain.ErrConfirmationUnknown):
		// The tx may have landed. Keep both markers.
		r.met.AttestationOutcomes.WithLabelValues("unknown").Inc()
		r.log.Error("attestation confirmation unknown, markers retained",
			zap.Uint64("nonce", c.nonce), zap.String("id", id.Hex()))
		return err

	default:
		r.unmarkInFlight(c.nonce, id)
		r.met.AttestationOutcomes.WithLabelValues("error").Inc()
		return fmt.Errorf("submit attestation nonce %d: %w", c.nonce, err)
	}
}

func (r *Relay) markedInFlight(nonce uint64, attestationID string) bool {
	if _, ok := r.submittedNonces[nonce]; ok {
		return true
	}
	for _, aid := range r.inFlight {
		if aid == attestationID {
			return true
		}
	}
	return false
}

func (r *Relay) markInFlight(nonce uint64, id common.Hash, attestationID string) {
	r.submittedNonces[nonce] = struct{}{}
	r.inFlight[id] = attestationID
	r.met.InFlightAttestations.Set(float64(len(r.inFlight)))
}

func (r *Relay) clearInFlight(id common.Hash) {
	delete(r.inFlight, id)
	r.met.InFlightAttestations.Set(float64(len(r.inFlight)))
}

func (r *Relay) unmarkInFlight(nonce uint64, id common.Hash) {
	delete(r.submittedNonces, nonce)
	delete(r.inFlight, id)
	r.met.InFlightAttestations.Set(float64(len(r.inFlight)))
}

// maybeDeployTreasury sweeps the treasury's idle backing-asset balance
// into the configured strategy vault after a successful attestation.
// Best-effort; failures never block the relay.
func (r *Relay) maybeDeployTreasury(ctx context.Context) {
	if !r.cfg.AutoDeployTreasury || r.cfg.MetaVault3 == (common.Address{}) {
		return
	}
	asset, err := r.treasury.Asset(ctx)
	if err != nil {
		r.throttledWarn("treasury-asset", "treasury asset lookup failed", zap.Error(err))
		return
	}
	idle, err := r.treasury.AssetBalance(ctx, asset, r.treasury.Address())
	if err != nil {
		r.throttledWarn("treasury-balance", "treasury balance lookup failed", zap.Error(err))
		return
	}
	if idle.Sign() <= 0 || idle.Cmp(r.cfg.TreasuryAutoDeployMinWei) < 0 {
		return
	}
	if err := r.treasury.DepositToStrategy(ctx, r.cfg.MetaVault3, idle); err != nil {
		r.throttledWarn("treasury-deploy", "auto-deploy to strategy failed", zap.Error(err))
		return
	}
	r.log.Info("idle treasury balance deployed to strategy",
		zap.String("amount", idle.String()),
		zap.String("strategy", r.cfg.MetaVault3.Hex()))
}
