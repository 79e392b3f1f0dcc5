package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

// bridgeInFingerprint identifies a Chain bridge-out event independently of
// the Ledger contract id, so a crash between create and complete cannot
// produce a second BridgeInRequest.
type bridgeInFingerprint struct {
	nonce  uint64
	amount string
	ts     int64
	user   string
}

type existingRequest struct {
	cid     string
	payload canton.BridgeInRequest
}

// runBridgeIns watches confirmed Chain bridge-out events and materializes
// each one as a Ledger BridgeInRequest plus a delivered wrapped holding.
func (r *Relay) runBridgeIns(ctx context.Context) error {
	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	if head < r.cfg.Confirmations {
		return nil
	}
	confirmed := head - r.cfg.Confirmations
	cursor := r.store.LastScannedBlock
	if confirmed <= cursor {
		return nil
	}

	events, err := r.bridge.BridgeOuts(ctx, cursor+1, confirmed)
	if err != nil {
		return fmt.Errorf("scan bridge-out events: %w", err)
	}
	if len(events) == 0 {
		r.advanceBridgeInCursor(confirmed)
		return nil
	}

	index, err := r.loadRequestIndex(ctx)
	if err != nil {
		return err
	}

	// The cursor may only pass a block once every event in it succeeded.
	maxOK := cursor
	stopped := false
	var failure error
	for _, ev := range events {
		if err := r.processBridgeOut(ctx, ev, index); err != nil {
			if errors.Is(err, errDeferred) {
				r.log.Info("bridge-in deferred, will retry",
					zap.String("request_id", ev.RequestID.Hex()),
					zap.String("recipient", canton.PartyHint(ev.CantonRecipient)))
			} else {
				failure = fmt.Errorf("bridge-out %s at block %d: %w", ev.RequestID.Hex(), ev.BlockNumber, err)
			}
			if ev.BlockNumber-1 < maxOK {
				maxOK = ev.BlockNumber - 1
			}
			stopped = true
			break
		}
		if ev.BlockNumber > maxOK {
			maxOK = ev.BlockNumber
		}
	}
	if !stopped {
		maxOK = confirmed
	}

	r.advanceBridgeInCursor(maxOK)
	return failure
}

func (r *Relay) advanceBridgeInCursor(to uint64) {
	if to <= r.store.LastScannedBlock {
		return
	}
	r.store.LastScannedBlock = to
	r.met.CursorBlock.WithLabelValues("bridge_out").Set(float64(to))
	r.persist()
}

// loadRequestIndex fingerprints every live BridgeInRequest so replays and
// crash-retries reuse the existing contract instead of creating a twin.
func (r *Relay) loadRequestIndex(ctx context.Context) (map[bridgeInFingerprint]existingRequest, error) {
	contracts, err := r.ledger.Active(ctx, canton.TplBridgeInRequest)
	if err != nil {
		return nil, fmt.Errorf("query bridge-in requests: %w", err)
	}
	index := make(map[bridgeInFingerprint]existingRequest, len(contracts))
	for _, c := range contracts {
		var req canton.BridgeInRequest
		if err := canton.DecodePayload(c, &req); err != nil {
			r.log.Warn("undecodable bridge-in request", zap.String("cid", c.ContractID), zap.Error(err))
			continue
		}
		nonce, err := req.Nonce.Int64()
		if err != nil {
			continue
		}
		index[bridgeInFingerprint{
			nonce:  uint64(nonce),
			amount: req.Amount,
			ts:     req.CreatedAt.Unix(),
			user:   req.User,
		}] = existingRequest{cid: c.ContractID, payload: req}
	}
	return index, nil
}

func (r *Relay) processBridgeOut(ctx context.Context, ev chain.BridgeOutEvent, index map[bridgeInFingerprint]existingRequest) error {
	key := ev.RequestID.Hex()
	if r.store.BridgeOuts.Has(key) {
		return nil
	}

	// Yield distributor transfers belong to the yield directions.
	if (r.staking != nil && ev.Sender == r.staking.Address()) ||
		(r.ethPool != nil && ev.Sender == r.ethPool.Address()) {
		r.store.BridgeOuts.Add(key)
		return nil
	}

	recipient, ok := r.resolveParty(ev.CantonRecipient)
	if !ok {
		r.met.ValidationFailures.WithLabelValues("party").Inc()
		r.log.Warn("unresolvable canton recipient, burying event",
			zap.String("request_id", key),
			zap.String("raw", canton.PartyHint(ev.CantonRecipient)))
		r.store.BridgeOuts.Add(key)
		return nil
	}

	nonce := ev.Nonce.Uint64()
	amount := canton.FormatFixed18(ev.Amount)
	fp := bridgeInFingerprint{nonce: nonce, amount: amount, ts: ev.Timestamp.Int64(), user: recipient}

	req, exists := index[fp]
	if !exists {
		payload := canton.BridgeInRequest{
			Operator:      r.ledger.Party(),
			User:          recipient,
			Amount:        amount,
			FeeAmount:     "0.0",
			SourceChainID: json.Number(r.chainID.String()),
			Nonce:         json.Number(fmt.Sprintf("%d", nonce)),
			CreatedAt:     time.Unix(ev.Timestamp.Int64(), 0).UTC(),
			Status:        "pending",
		}
		if len(r.cfg.ValidatorAddresses) > 0 {
			need := len(r.cfg.ValidatorAddresses)
			payload.Validators = sortedValidatorParties(r.cfg.ValidatorAddresses)
			payload.RequiredSignatures = &need
		}
		cid, err := r.ledger.Create(ctx, canton.TplBridgeInRequest, payload)
		if err != nil {
			if isPartyNotHosted(err) {
				// The user's party is not on this participant yet. Operator
				// ownership would break user custody; wait instead.
				return errDeferred
			}
			var se *canton.StatusError
			if errors.As(err, &se) && se.Code == http.StatusBadRequest {
				// The participant rejected the payload shape; retrying the
				// identical command cannot succeed.
				return permanent(fmt.Errorf("create bridge-in request: %w", err))
			}
			return fmt.Errorf("create bridge-in request: %w", err)
		}
		r.met.BridgeInsCreated.Inc()
		req = existingRequest{cid: cid, payload: payload}
		index[fp] = req
		r.log.Info("bridge-in request created",
			zap.Uint64("nonce", nonce),
			zap.String("amount", amount),
			zap.String("user_hint", canton.PartyHint(recipient)))
	}

	if err := r.deliverHolding(ctx, nonce, amount, recipient); err != nil {
		return err
	}
	if err := r.completeBridgeIn(ctx, req, nonce); err != nil {
		return err
	}

	r.store.BridgeOuts.Add(key)
	return nil
}

// resolveParty maps a raw Chain-provided recipient string to a hosted
// Ledger party: exact alias first, then the hint prefix, then the raw
// value when it is already a well-formed party id.
func (r *Relay) resolveParty(raw string) (string, bool) {
	if full, ok := r.cfg.RecipientPartyAliases[raw]; ok && canton.ValidParty(full) {
		return full, true
	}
	if full, ok := r.cfg.RecipientPartyAliases[canton.PartyHint(raw)]; ok && canton.ValidParty(full) {
		return full, true
	}
	if canton.ValidParty(raw) {
		return raw, true
	}
	return "", false
}

func isPartyNotHosted(err error) bool {
	var se *canton.StatusError
	if !errors.As(err, &se) {
		return false
	}
	body := strings.ToLower(se.Body)
	return strings.Contains(body, "not hosted") || strings.Contains(body, "unknown party")
}

// agreementHash is the legacy idempotency key. Known to collide across
// bridge redeploys; the URI is authoritative.
func agreementHash(nonce uint64) string {
	h := fmt.Sprintf("bridge-in:nonce:%d:", nonce)
	if len(h) < 64 {
		h += strings.Repeat("0", 64-len(h))
	}
	return h
}

func (r *Relay) agreementURI(nonce uint64, recipient string) string {
	return fmt.Sprintf("ethereum:bridge-in:%s:nonce:%d:recipient:%s",
		strings.ToLower(r.bridge.Address().Hex()), nonce, url.QueryEscape(recipient))
}

// deliverHolding mints the wrapped holding for one bridge-in and moves it
// to the recipient, preferring the CIP-56 factory path when configured.
func (r *Relay) deliverHolding(ctx context.Context, nonce uint64, amount, recipient string) error {
	hash := agreementHash(nonce)
	uri := r.agreementURI(nonce, recipient)

	holdings, err := r.ledger.Active(ctx, canton.TplWrappedHolding)
	if err != nil {
		return fmt.Errorf("query wrapped holdings: %w", err)
	}
	for _, c := range holdings {
		var h canton.WrappedHolding
		if err := canton.DecodePayload(c, &h); err != nil {
			continue
		}
		if h.AgreementURI == uri {
			return nil
		}
		if h.AgreementURI == "" && h.AgreementHash == hash && h.Amount == amount {
			// Legacy record without URI; hash+amount is the best we have.
			return nil
		}
	}

	if r.cfg.CIP56PackageID != "" {
		factoryCid, found, err := r.findTransferFactory(ctx)
		if err != nil {
			return err
		}
		if found {
			return r.deliverCIP56(ctx, factoryCid, nonce, amount, recipient, hash, uri)
		}
	}
	return r.deliverLegacy(ctx, amount, recipient, hash, uri)
}

func (r *Relay) findTransferFactory(ctx context.Context) (string, bool, error) {
	tpl := canton.CIP56TemplateID(r.cfg.CIP56PackageID, "TransferFactory")
	contracts, err := r.ledger.Active(ctx, tpl)
	if err != nil {
		return "", false, fmt.Errorf("query transfer factory: %w", err)
	}
	if len(contracts) == 0 {
		return "", false, nil
	}
	return contracts[0].ContractID, true, nil
}

func (r *Relay) deliverCIP56(ctx context.Context, factoryCid string, nonce uint64, amount, recipient, hash, uri string) error {
	operator := r.ledger.Party()
	holdingCid, err := r.ledger.Create(ctx, canton.TplCIP56MintedMUSD, map[string]any{
		"issuer":        operator,
		"owner":         operator,
		"amount":        amount,
		"agreementHash": hash,
		"agreementUri":  uri,
	})
	if err != nil {
		return fmt.Errorf("mint cip56 holding: %w", err)
	}

	now := r.now().UTC()
	res, err := r.ledger.Exercise(ctx, canton.CIP56TemplateID(r.cfg.CIP56PackageID, "TransferFactory"),
		factoryCid, canton.ChoiceFactoryTransfer, map[string]any{
			"transfer": map[string]any{
				"sender":        operator,
				"receiver":      recipient,
				"amount":        amount,
				"instrumentId":  "mUSD",
				"requestedAt":   now.Format(time.RFC3339),
				"executeBefore": now.Add(time.Hour).Format(time.RFC3339),
				"holdingCids":   []string{holdingCid},
			},
		}, nil)
	if err != nil {
		// The holding exists but is stranded on the operator. The orphan
		// sweep delivers it later; a legacy fallback here would double-mint.
		r.log.Warn("cip56 transfer failed, holding stranded for orphan sweep",
			zap.Uint64("nonce", nonce), zap.Error(err))
		return nil
	}

	if r.cfg.AutoAcceptTransferProposals {
		for _, created := range res.Created {
			if !strings.Contains(created.TemplateID, "TransferInstruction") {
				continue
			}
			if _, err := r.ledger.Exercise(ctx, created.TemplateID, created.ContractID,
				canton.ChoiceInstructionAccept, map[string]any{}, []string{recipient}); err != nil {
				r.log.Warn("transfer instruction auto-accept failed",
					zap.String("cid", created.ContractID), zap.Error(err))
			}
			break
		}
	}
	r.met.BridgeInsDelivered.Inc()
	return nil
}

func (r *Relay) deliverLegacy(ctx context.Context, amount, recipient, hash, uri string) error {
	operator := r.ledger.Party()
	holdingCid, err := r.ledger.Create(ctx, canton.TplWrappedHolding, canton.WrappedHolding{
		Issuer:        operator,
		Owner:         operator,
		Amount:        amount,
		AgreementHash: hash,
		AgreementURI:  uri,
		Observers:     []string{recipient},
	})
	if err != nil {
		return fmt.Errorf("create wrapped holding: %w", err)
	}

	registryCid, err := r.complianceRegistry(ctx)
	if err != nil {
		return err
	}
	res, err := r.ledger.Exercise(ctx, canton.TplWrappedHolding, holdingCid,
		canton.ChoiceTransfer, map[string]any{
			"newOwner":    recipient,
			"registryCid": registryCid,
		}, nil)
	if err != nil {
		return fmt.Errorf("transfer holding to recipient: %w", err)
	}

	if r.cfg.AutoAcceptTransferProposals {
		for _, created := range res.Created {
			if !strings.Contains(created.TemplateID, "TransferProposal") {
				continue
			}
			if _, err := r.ledger.Exercise(ctx, canton.TplTransferProposal, created.ContractID,
				canton.ChoiceAccept, map[string]any{}, []string{recipient}); err != nil {
				r.log.Warn("transfer proposal auto-accept failed",
					zap.String("cid", created.ContractID), zap.Error(err))
			}
			break
		}
	}
	r.met.BridgeInsDelivered.Inc()
	return nil
}

// complianceRegistry returns a live registry contract id, bootstrapping
// one on first use.
func (r *Relay) complianceRegistry(ctx context.Context) (string, error) {
	contracts, err := r.ledger.Active(ctx, canton.TplComplianceRegistry)
	if err != nil {
		return "", fmt.Errorf("query compliance registry: %w", err)
	}
	if len(contracts) > 0 {
		return contracts[0].ContractID, nil
	}
	cid, err := r.ledger.Create(ctx, canton.TplComplianceRegistry, map[string]any{
		"operator":    r.ledger.Party(),
		"blocklisted": []string{},
	})
	if err != nil {
		return "", fmt.Errorf("bootstrap compliance registry: %w", err)
	}
	r.log.Info("compliance registry bootstrapped", zap.String("cid", cid))
	return cid, nil
}

// completeBridgeIn archives the request. Attestation-gated schemas need a
// SignedAttestation assembled from every validator, seeded by an
// AttestationRequest with no signatures yet; older schemas are cancelled
// outright since no completion evidence exists for them.
func (r *Relay) completeBridgeIn(ctx context.Context, req existingRequest, nonce uint64) error {
	if len(req.payload.Validators) == 0 {
		if _, err := r.ledger.Exercise(ctx, canton.TplBridgeInRequest, req.cid,
			canton.ChoiceBridgeInCancel, map[string]any{}, nil); err != nil {
			return fmt.Errorf("archive legacy bridge-in request: %w", err)
		}
		return nil
	}

	validators := sortedValidatorParties(r.cfg.ValidatorAddresses)
	operator := r.ledger.Party()

	attReqCid, err := r.ledger.Create(ctx, canton.TplAttestationRequest, map[string]any{
		"operator":           operator,
		"nonce":              json.Number(fmt.Sprintf("%d", nonce)),
		"validators":         validators,
		"requiredSignatures": json.Number(fmt.Sprintf("%d", len(validators))),
		"signatures":         []any{},
	})
	if err != nil {
		return fmt.Errorf("create attestation request: %w", err)
	}

	signedCid := ""
	for i, validator := range validators {
		selfCid, err := r.ledger.Create(ctx, canton.TplValidatorSelfAttestation, map[string]any{
			"operator":  operator,
			"validator": validator,
			"nonce":     json.Number(fmt.Sprintf("%d", nonce)),
		})
		if err != nil {
			return fmt.Errorf("create self-attestation for %s: %w", canton.PartyHint(validator), err)
		}
		if i == 0 {
			res, err := r.ledger.Exercise(ctx, canton.TplAttestationRequest, attReqCid,
				canton.ChoiceAttestationSign, map[string]any{
					"selfAttestationCid": selfCid,
				}, []string{validator})
			if err != nil {
				return fmt.Errorf("first validator sign: %w", err)
			}
			for _, created := range res.Created {
				if strings.Contains(created.TemplateID, "SignedAttestation") {
					signedCid = created.ContractID
					break
				}
			}
			if signedCid == "" {
				return fmt.Errorf("Attestation_Sign produced no SignedAttestation")
			}
			continue
		}
		res, err := r.ledger.Exercise(ctx, canton.TplSignedAttestation, signedCid,
			canton.ChoiceAddSignature, map[string]any{
				"selfAttestationCid": selfCid,
			}, []string{validator})
		if err != nil {
			return fmt.Errorf("add signature for %s: %w", canton.PartyHint(validator), err)
		}
		for _, created := range res.Created {
			if strings.Contains(created.TemplateID, "SignedAttestation") {
				signedCid = created.ContractID
				break
			}
		}
	}

	if _, err := r.ledger.Exercise(ctx, canton.TplBridgeInRequest, req.cid,
		canton.ChoiceBridgeInComplete, map[string]any{
			"signedAttestationCid": signedCid,
		}, nil); err != nil {
		return fmt.Errorf("complete bridge-in request: %w", err)
	}
	return nil
}

func sortedValidatorParties(m map[string]common.Address) []string {
	out := make([]string, 0, len(m))
	for party := range m {
		out = append(out, party)
	}
	sort.Strings(out)
	return out
}
