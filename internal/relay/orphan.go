package relay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
)

const bridgeInURIPrefix = "ethereum:bridge-in:"

// parseBridgeInURI extracts the nonce and the url-encoded recipient from a
// bridge-in agreement URI.
func parseBridgeInURI(uri string) (nonce uint64, recipient string, ok bool) {
	if !strings.HasPrefix(uri, bridgeInURIPrefix) {
		return 0, "", false
	}
	parts := strings.Split(uri, ":")
	for i := 0; i < len(parts)-1; i++ {
		switch parts[i] {
		case "nonce":
			n, err := strconv.ParseUint(parts[i+1], 10, 64)
			if err != nil {
				return 0, "", false
			}
			nonce = n
			ok = true
		case "recipient":
			dec, err := url.QueryUnescape(strings.Join(parts[i+1:], ":"))
			if err == nil {
				recipient = dec
			}
			return nonce, recipient, ok
		}
	}
	return nonce, recipient, ok
}

// runOrphanSweep re-delivers bridge-in holdings stranded on the operator,
// typically after a crash or a failed transfer leg.
func (r *Relay) runOrphanSweep(ctx context.Context) error {
	operator := r.ledger.Party()

	var orphans []canton.Contract
	for _, tpl := range []string{canton.TplWrappedHolding, canton.TplCIP56MintedMUSD} {
		if tpl == canton.TplCIP56MintedMUSD && r.cfg.CIP56PackageID == "" {
			continue
		}
		contracts, err := r.ledger.Active(ctx, tpl)
		if err != nil {
			return fmt.Errorf("query %s: %w", tpl, err)
		}
		for _, c := range contracts {
			var h canton.WrappedHolding
			if err := canton.DecodePayload(c, &h); err != nil {
				continue
			}
			if h.Owner == operator && strings.HasPrefix(h.AgreementURI, bridgeInURIPrefix) {
				orphans = append(orphans, c)
			}
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	nonceUser, err := r.nonceUserMap(ctx)
	if err != nil {
		return err
	}

	for _, c := range orphans {
		var h canton.WrappedHolding
		if err := canton.DecodePayload(c, &h); err != nil {
			continue
		}
		nonce, uriRecipient, ok := parseBridgeInURI(h.AgreementURI)
		if !ok {
			continue
		}

		recipient := r.resolveOrphanRecipient(ctx, nonce, uriRecipient, nonceUser)
		if recipient == "" || recipient == operator {
			continue
		}

		cip56 := strings.Contains(c.TemplateID, "CIP56")
		if err := r.deliverOrphan(ctx, c, recipient, cip56); err != nil {
			r.log.Warn("orphan delivery failed",
				zap.String("cid", c.ContractID),
				zap.Uint64("nonce", nonce),
				zap.Error(err))
			continue
		}
		r.log.Info("orphaned holding delivered",
			zap.Uint64("nonce", nonce),
			zap.String("recipient_hint", canton.PartyHint(recipient)))
	}
	return nil
}

func (r *Relay) nonceUserMap(ctx context.Context) (map[uint64]string, error) {
	contracts, err := r.ledger.Active(ctx, canton.TplBridgeInRequest)
	if err != nil {
		return nil, fmt.Errorf("query bridge-in requests: %w", err)
	}
	out := make(map[uint64]string, len(contracts))
	for _, c := range contracts {
		var req canton.BridgeInRequest
		if err := canton.DecodePayload(c, &req); err != nil {
			continue
		}
		if n, err := req.Nonce.Int64(); err == nil && n >= 0 {
			out[uint64(n)] = req.User
		}
	}
	return out, nil
}

// resolveOrphanRecipient tries the BridgeInRequest table, then the URI's
// own recipient segment, then a Chain-event re-scan for the nonce.
func (r *Relay) resolveOrphanRecipient(ctx context.Context, nonce uint64, uriRecipient string, nonceUser map[uint64]string) string {
	if user, ok := nonceUser[nonce]; ok && canton.ValidParty(user) {
		return user
	}
	if canton.ValidParty(uriRecipient) {
		return uriRecipient
	}

	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		return ""
	}
	from := uint64(0)
	if head > r.cfg.LookbackBlocks {
		from = head - r.cfg.LookbackBlocks
	}
	events, err := r.bridge.BridgeOuts(ctx, from, head)
	if err != nil {
		return ""
	}
	for _, ev := range events {
		if ev.Nonce.Uint64() != nonce {
			continue
		}
		if resolved, ok := r.resolveParty(ev.CantonRecipient); ok {
			return resolved
		}
	}
	return ""
}

// deliverOrphan moves the holding to its recipient. Recovery counts only
// once the transfer leg that hands over ownership has succeeded.
func (r *Relay) deliverOrphan(ctx context.Context, c canton.Contract, recipient string, cip56 bool) error {
	if cip56 {
		factoryCid, found, err := r.findTransferFactory(ctx)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("transfer factory not visible")
		}
		var h canton.WrappedHolding
		if err := canton.DecodePayload(c, &h); err != nil {
			return err
		}
		now := r.now().UTC()
		res, err := r.ledger.Exercise(ctx, canton.CIP56TemplateID(r.cfg.CIP56PackageID, "TransferFactory"),
			factoryCid, canton.ChoiceFactoryTransfer, map[string]any{
				"transfer": map[string]any{
					"sender":        r.ledger.Party(),
					"receiver":      recipient,
					"amount":        h.Amount,
					"instrumentId":  "mUSD",
					"requestedAt":   now.Format(time.RFC3339),
					"executeBefore": now.Add(time.Hour).Format(time.RFC3339),
					"holdingCids":   []string{c.ContractID},
				},
			}, nil)
		if err != nil {
			return err
		}
		for _, created := range res.Created {
			if !strings.Contains(created.TemplateID, "TransferInstruction") {
				continue
			}
			if _, err := r.ledger.Exercise(ctx, created.TemplateID, created.ContractID,
				canton.ChoiceInstructionAccept, map[string]any{}, []string{recipient}); err != nil {
				return fmt.Errorf("accept transfer instruction: %w", err)
			}
			r.met.OrphansRecovered.Inc()
			return nil
		}
		return fmt.Errorf("factory transfer produced no instruction")
	}

	registryCid, err := r.complianceRegistry(ctx)
	if err != nil {
		return err
	}
	res, err := r.ledger.Exercise(ctx, canton.TplWrappedHolding, c.ContractID,
		canton.ChoiceTransfer, map[string]any{
			"newOwner":    recipient,
			"registryCid": registryCid,
		}, nil)
	if err != nil {
		return err
	}
	if !r.cfg.AutoAcceptTransferProposals {
		// Ownership moves only when the recipient accepts; not counted yet.
		return nil
	}
	for _, created := range res.Created {
		if !strings.Contains(created.TemplateID, "TransferProposal") {
			continue
		}
		if _, err := r.ledger.Exercise(ctx, canton.TplTransferProposal, created.ContractID,
			canton.ChoiceAccept, map[string]any{}, []string{recipient}); err != nil {
			return fmt.Errorf("accept transfer proposal: %w", err)
		}
		r.met.OrphansRecovered.Inc()
		return nil
	}
	return fmt.Errorf("transfer produced no proposal")
}
