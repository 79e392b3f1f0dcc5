package relay

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

// wadToAsset converts 18-decimal Ledger units to the treasury asset's
// 6-decimal units.
var wadToAsset = big.NewInt(1e12)

type bridgeOutCandidate struct {
	cid string
	req canton.BridgeOutRequest
}

// runBridgeOuts backs pending Ledger bridge-out mints with real asset
// deposits into the Chain treasury.
func (r *Relay) runBridgeOuts(ctx context.Context) error {
	if r.guardian.Tripped() {
		r.throttledWarn("guardian-bridgeout", "bridge-out backing halted by pause guardian")
		return nil
	}

	contracts, err := r.ledger.Active(ctx, canton.TplBridgeOutRequest)
	if err != nil {
		return fmt.Errorf("query bridge-out requests: %w", err)
	}

	cands := make([]bridgeOutCandidate, 0, len(contracts))
	for _, c := range contracts {
		var req canton.BridgeOutRequest
		if err := canton.DecodePayload(c, &req); err != nil {
			r.log.Warn("undecodable bridge-out request", zap.String("cid", c.ContractID), zap.Error(err))
			continue
		}
		if req.Status != "pending" || req.Operator != r.ledger.Party() {
			continue
		}
		switch strings.ToLower(req.Source) {
		case "directmint", "ethpool":
		default:
			continue
		}
		cands = append(cands, bridgeOutCandidate{cid: c.ContractID, req: req})
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].req.CreatedAt.Before(cands[j].req.CreatedAt)
	})

	hasRole, err := r.treasury.HasRole(ctx, chain.TreasuryVaultRole, r.signerAddr)
	if err != nil {
		return fmt.Errorf("check treasury vault role: %w", err)
	}
	if !hasRole {
		r.throttledWarn("treasury-role", "relay lacks treasury vault role, bridge-outs waiting",
			zap.String("signer", r.signerAddr.Hex()))
		return nil
	}

	asset, err := r.treasury.Asset(ctx)
	if err != nil {
		return fmt.Errorf("resolve treasury asset: %w", err)
	}
	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	for _, c := range cands {
		wad, err := canton.ParseFixed18(c.req.Amount)
		if err != nil || wad.Sign() <= 0 {
			r.met.ValidationFailures.WithLabelValues("bridge_out_amount").Inc()
			r.log.Warn("bridge-out request with bad amount",
				zap.String("cid", c.cid), zap.String("amount", c.req.Amount))
			continue
		}
		amount := new(big.Int).Div(wad, wadToAsset)
		if amount.Sign() <= 0 {
			r.met.ValidationFailures.WithLabelValues("bridge_out_amount").Inc()
			continue
		}

		balance, err := r.treasury.AssetBalance(ctx, asset, r.signerAddr)
		if err != nil {
			return fmt.Errorf("read asset balance: %w", err)
		}
		if balance.Cmp(amount) < 0 {
			// The backing asset has not arrived off-chain yet.
			r.throttledWarn("bridge-out-balance:"+c.cid, "insufficient asset balance for bridge-out",
				zap.String("cid", c.cid),
				zap.String("need", amount.String()),
				zap.String("have", balance.String()))
			continue
		}

		if !r.limiter.Allow(head) {
			r.met.RateLimitHits.Inc()
			return nil
		}

		if err := r.treasury.ApproveAsset(ctx, asset, amount); err != nil {
			if isAccessControlRevert(err) {
				r.throttledWarn("bridge-out-approve", "asset approval rejected", zap.Error(err))
				continue
			}
			return fmt.Errorf("approve asset for %s: %w", c.cid, err)
		}

		// The deposit is a second Chain transaction and takes its own
		// limiter slot. An approval left without its deposit is simply
		// re-issued on the next pass.
		if !r.limiter.Allow(head) {
			r.met.RateLimitHits.Inc()
			return nil
		}

		if strings.EqualFold(c.req.Source, "ethpool") && r.cfg.MetaVault3 != (common.Address{}) {
			err = r.treasury.DepositToStrategy(ctx, r.cfg.MetaVault3, amount)
		} else {
			err = r.treasury.Deposit(ctx, r.signerAddr, amount)
		}
		if err != nil {
			if isAccessControlRevert(err) {
				r.throttledWarn("bridge-out-deposit", "treasury deposit rejected", zap.Error(err))
				continue
			}
			return fmt.Errorf("deposit for %s: %w", c.cid, err)
		}

		if _, err := r.ledger.Exercise(ctx, canton.TplBridgeOutRequest, c.cid,
			canton.ChoiceBridgeOutComplete, map[string]any{}, nil); err != nil {
			// The deposit is durable on the Chain; retrying the archive is
			// safe because a completed request leaves the pending set.
			r.log.Warn("BridgeOut_Complete failed", zap.String("cid", c.cid), zap.Error(err))
			continue
		}
		r.met.BridgeOutsBacked.Inc()
		r.log.Info("bridge-out backed",
			zap.String("cid", c.cid),
			zap.String("source", c.req.Source),
			zap.String("asset_amount", amount.String()))
	}
	return nil
}

func isAccessControlRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "accesscontrol") || strings.Contains(msg, "missing role")
}
