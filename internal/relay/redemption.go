package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

// exceedsLocalCapSelector is the mint-time revert for a recipient-chain
// supply cap breach. The request stays live; a later cap raise unblocks it.
const exceedsLocalCapSelector = "0x5d24ffe1"

type redemptionCandidate struct {
	cid string
	req canton.RedemptionRequest
}

// runRedemptions settles unfulfilled Ledger redemption requests as Chain
// mints, oldest first, under the effective local supply cap.
func (r *Relay) runRedemptions(ctx context.Context) error {
	if r.guardian.Tripped() {
		r.throttledWarn("guardian-redemption", "redemption settlement halted by pause guardian")
		return nil
	}

	contracts, err := r.ledger.Active(ctx, canton.TplRedemptionRequest)
	if err != nil {
		return fmt.Errorf("query redemption requests: %w", err)
	}

	cands := make([]redemptionCandidate, 0, len(contracts))
	for _, c := range contracts {
		var req canton.RedemptionRequest
		if err := canton.DecodePayload(c, &req); err != nil {
			r.log.Warn("undecodable redemption request", zap.String("cid", c.ContractID), zap.Error(err))
			continue
		}
		if req.Fulfilled || req.Operator != r.ledger.Party() {
			continue
		}
		cands = append(cands, redemptionCandidate{cid: c.ContractID, req: req})
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].req.CreatedAt.Before(cands[j].req.CreatedAt)
	})

	settled := r.settlementMarkers(ctx)

	totalSupply, err := r.token.TotalSupply(ctx)
	if err != nil {
		return fmt.Errorf("read totalSupply: %w", err)
	}
	supplyCap, err := r.token.SupplyCap(ctx)
	if err != nil {
		return fmt.Errorf("read supplyCap: %w", err)
	}
	capBps, err := r.token.LocalCapBps(ctx)
	if err != nil {
		return fmt.Errorf("read localCapBps: %w", err)
	}
	effectiveCap := new(big.Int).Mul(supplyCap, new(big.Int).SetUint64(capBps))
	effectiveCap.Div(effectiveCap, big.NewInt(10000))

	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	projected := new(big.Int).Set(totalSupply)
	changed := false
	defer func() {
		if changed {
			r.persist()
		}
	}()

	for _, c := range cands {
		if r.store.Redemptions.Has(c.cid) {
			continue
		}
		if _, ok := r.localSettled[c.cid]; ok {
			continue
		}
		if _, ok := settled[c.cid]; ok {
			r.store.Redemptions.Add(c.cid)
			changed = true
			continue
		}

		owed, err := canton.ParseFixed18(c.req.UsdcOwed)
		if err != nil || owed.Sign() <= 0 {
			r.met.ValidationFailures.WithLabelValues("redemption_amount").Inc()
			r.store.Redemptions.Add(c.cid)
			changed = true
			continue
		}
		if owed.Cmp(r.cfg.MaxRedemptionPayoutWei) > 0 {
			r.met.ValidationFailures.WithLabelValues("redemption_cap").Inc()
			r.throttledWarn("redemption-cap:"+c.cid, "redemption exceeds per-request payout cap",
				zap.String("cid", c.cid), zap.String("owed", c.req.UsdcOwed))
			continue
		}

		recipient, ok := r.resolveEthRecipient(c.req.User)
		if !ok {
			r.throttledWarn("redemption-recipient:"+canton.PartyHint(c.req.User),
				"no chain recipient mapping for redemption user",
				zap.String("user_hint", canton.PartyHint(c.req.User)))
			continue
		}

		next := new(big.Int).Add(projected, owed)
		if next.Cmp(effectiveCap) > 0 {
			r.log.Info("redemption deferred by local supply cap",
				zap.String("cid", c.cid),
				zap.String("projected", next.String()),
				zap.String("effective_cap", effectiveCap.String()))
			continue
		}

		if err := r.ensureMintRole(ctx, head); err != nil {
			if errors.Is(err, errRateLimited) {
				r.met.RateLimitHits.Inc()
				return nil
			}
			r.throttledWarn("mint-role", "relay lacks bridge mint role", zap.Error(err))
			return nil
		}
		if !r.limiter.Allow(head) {
			r.met.RateLimitHits.Inc()
			return nil
		}

		txHash, err := r.token.Mint(ctx, recipient, owed)
		if err != nil {
			if strings.Contains(err.Error(), exceedsLocalCapSelector) {
				r.log.Info("mint rejected by on-chain local cap, deferring",
					zap.String("cid", c.cid))
				continue
			}
			return fmt.Errorf("mint redemption %s: %w", c.cid, err)
		}
		projected = next

		r.recordSettlement(ctx, c, recipient, owed, txHash)
		r.store.Redemptions.Add(c.cid)
		r.met.RedemptionsSettled.Inc()
		changed = true
		r.log.Info("redemption settled",
			zap.String("cid", c.cid),
			zap.String("recipient", recipient.Hex()),
			zap.String("amount", owed.String()),
			zap.String("tx", txHash.Hex()))
	}
	return nil
}

// settlementMarkers loads on-Ledger settlement evidence. The template may
// not be vetted yet; that degrades idempotency to local state only.
func (r *Relay) settlementMarkers(ctx context.Context) map[string]struct{} {
	out := map[string]struct{}{}
	contracts, err := r.ledger.Active(ctx, canton.TplRedemptionSettlement)
	if err != nil {
		r.throttledWarn("settlement-template", "settlement markers unavailable", zap.Error(err))
		return out
	}
	for _, c := range contracts {
		var s canton.RedemptionSettlement
		if err := canton.DecodePayload(c, &s); err != nil {
			continue
		}
		out[s.RedemptionCid] = struct{}{}
	}
	return out
}

// resolveEthRecipient maps a Ledger party to a Chain address: explicit
// redemption map by full id, by alias, by hint, then the validator map.
func (r *Relay) resolveEthRecipient(party string) (common.Address, bool) {
	if addr, ok := r.cfg.RedemptionEthRecipients[party]; ok {
		return addr, true
	}
	if full, ok := r.resolveParty(party); ok {
		if addr, ok := r.cfg.RedemptionEthRecipients[full]; ok {
			return addr, true
		}
	}
	if addr, ok := r.cfg.RedemptionEthRecipients[canton.PartyHint(party)]; ok {
		return addr, true
	}
	if addr, ok := r.cfg.ValidatorAddresses[party]; ok {
		return addr, true
	}
	return common.Address{}, false
}

// ensureMintRole verifies the relay can mint, auto-granting the role via
// admin when that is enabled (dev convenience, off in production). The
// grant is a Chain transaction and takes a limiter slot of its own.
func (r *Relay) ensureMintRole(ctx context.Context, head uint64) error {
	has, err := r.token.HasRole(ctx, chain.BridgeMintRole, r.signerAddr)
	if err != nil {
		return fmt.Errorf("check mint role: %w", err)
	}
	if has {
		return nil
	}
	if !r.cfg.AutoGrantBridgeRole {
		return fmt.Errorf("signer %s lacks bridge mint role", r.signerAddr.Hex())
	}
	admin, err := r.token.HasRole(ctx, chain.DefaultAdminRole, r.signerAddr)
	if err != nil {
		return fmt.Errorf("check admin role: %w", err)
	}
	if !admin {
		return fmt.Errorf("signer %s lacks both mint and admin roles", r.signerAddr.Hex())
	}
	if !r.limiter.Allow(head) {
		return errRateLimited
	}
	if err := r.token.GrantRole(ctx, chain.BridgeMintRole, r.signerAddr); err != nil {
		return fmt.Errorf("auto-grant mint role: %w", err)
	}
	r.log.Warn("bridge mint role auto-granted to relay signer",
		zap.String("signer", r.signerAddr.Hex()))
	return nil
}

// recordSettlement writes the on-Ledger settlement marker, falling back to
// process-local state when the template is not available.
func (r *Relay) recordSettlement(ctx context.Context, c redemptionCandidate, recipient common.Address, paid *big.Int, txHash common.Hash) {
	_, err := r.ledger.Create(ctx, canton.TplRedemptionSettlement, canton.RedemptionSettlement{
		Operator:      r.ledger.Party(),
		User:          c.req.User,
		RedemptionCid: c.cid,
		RecipientEth:  recipient.Hex(),
		AmountPaid:    canton.FormatFixed18(paid),
		EthTxHash:     txHash.Hex(),
		SettledAt:     r.now().UTC(),
	})
	if err != nil {
		r.localSettled[c.cid] = struct{}{}
		r.throttledWarn("settlement-create", "settlement marker creation failed, using local state",
			zap.String("cid", c.cid), zap.Error(err))
	}
}
