package relay

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
	"github.com/luthatdude/musd-canton-relay/internal/state"
)

// yieldPipe binds one yield direction to its distributor, cursor, and
// Ledger service. D4 and D4b differ only in these bindings.
type yieldPipe struct {
	pool       string
	source     YieldSource
	cursor     *uint64
	processed  *state.Set
	serviceTpl string
	choice     string
	metricLbl  string
}

func (r *Relay) yieldPipe(dir Direction) yieldPipe {
	if dir == DirETHPoolYield {
		return yieldPipe{
			pool:       "ethpool",
			source:     r.ethPool,
			cursor:     &r.store.LastETHPoolYieldScannedBlock,
			processed:  r.store.ETHPoolYieldEpochs,
			serviceTpl: canton.TplETHPoolService,
			choice:     canton.ChoiceETHPoolReceiveYield,
			metricLbl:  "ethpool_yield",
		}
	}
	return yieldPipe{
		pool:       "staking",
		source:     r.staking,
		cursor:     &r.store.LastYieldScannedBlock,
		processed:  r.store.YieldEpochs,
		serviceTpl: canton.TplStakingPoolService,
		choice:     canton.ChoiceReceiveYield,
		metricLbl:  "yield",
	}
}

// runYield credits distributor yield epochs as operator-held wrapped
// holdings fed into the matching pool service.
func (r *Relay) runYield(ctx context.Context, dir Direction) error {
	p := r.yieldPipe(dir)
	if p.source == nil {
		return nil
	}

	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	if head < r.cfg.Confirmations {
		return nil
	}
	confirmed := head - r.cfg.Confirmations
	if confirmed <= *p.cursor {
		return nil
	}

	events, err := p.source.Events(ctx, *p.cursor+1, confirmed)
	if err != nil {
		return fmt.Errorf("scan %s yield events: %w", p.pool, err)
	}

	maxOK := *p.cursor
	stopped := false
	var failure error
	for _, ev := range events {
		if err := r.creditYieldEpoch(ctx, p, ev); err != nil {
			failure = fmt.Errorf("%s yield epoch %d: %w", p.pool, ev.Epoch, err)
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

	if maxOK > *p.cursor {
		*p.cursor = maxOK
		r.met.CursorBlock.WithLabelValues(p.metricLbl).Set(float64(maxOK))
		r.persist()
	}
	return failure
}

// yieldHash is the epoch idempotency key; the legacy variant predates the
// fixed-width padding.
func yieldHash(pool string, epoch uint64) (padded, legacy string) {
	legacy = fmt.Sprintf("%s-yield-epoch:%d:", pool, epoch)
	padded = legacy
	if len(padded) < 64 {
		padded += strings.Repeat("0", 64-len(padded))
	}
	return padded, legacy
}

func (r *Relay) creditYieldEpoch(ctx context.Context, p yieldPipe, ev chain.YieldEvent) error {
	key := fmt.Sprintf("%s:%d", p.pool, ev.Epoch)
	if p.processed.Has(key) {
		return nil
	}
	if ev.MusdAmount == nil || ev.MusdAmount.Sign() <= 0 {
		p.processed.Add(key)
		return nil
	}

	padded, legacy := yieldHash(p.pool, ev.Epoch)
	operator := r.ledger.Party()

	holdings, err := r.ledger.Active(ctx, canton.TplWrappedHolding)
	if err != nil {
		return fmt.Errorf("query wrapped holdings: %w", err)
	}
	holdingCid := ""
	for _, c := range holdings {
		var h canton.WrappedHolding
		if err := canton.DecodePayload(c, &h); err != nil {
			continue
		}
		if h.Owner != operator {
			continue
		}
		if h.AgreementHash == padded || h.AgreementHash == legacy {
			holdingCid = c.ContractID
			break
		}
	}

	if holdingCid == "" {
		uri := fmt.Sprintf("ethereum:yield:%s:epoch:%d",
			strings.ToLower(p.source.Address().Hex()), ev.Epoch)
		holdingCid, err = r.ledger.Create(ctx, canton.TplWrappedHolding, canton.WrappedHolding{
			Issuer:        operator,
			Owner:         operator,
			Amount:        canton.FormatFixed18(ev.MusdAmount),
			AgreementHash: padded,
			AgreementURI:  uri,
		})
		if err != nil {
			return fmt.Errorf("create yield holding: %w", err)
		}
	}

	services, err := r.ledger.Active(ctx, p.serviceTpl)
	if err != nil {
		return fmt.Errorf("query %s service: %w", p.pool, err)
	}
	if len(services) == 0 {
		r.throttledWarn("yield-service:"+p.pool, "pool service contract not found, yield waiting",
			zap.String("pool", p.pool), zap.Uint64("epoch", ev.Epoch))
		return fmt.Errorf("%s service contract not visible", p.pool)
	}

	var actors []string
	if r.cfg.GovernanceParty != "" {
		actors = []string{r.cfg.GovernanceParty}
	}
	if _, err := r.ledger.Exercise(ctx, p.serviceTpl, services[0].ContractID,
		p.choice, map[string]any{"holdingCid": holdingCid}, actors); err != nil {
		return fmt.Errorf("exercise %s: %w", p.choice, err)
	}

	p.processed.Add(key)
	r.met.YieldEpochs.WithLabelValues(p.pool).Inc()
	r.log.Info("yield epoch credited",
		zap.String("pool", p.pool),
		zap.Uint64("epoch", ev.Epoch),
		zap.String("amount", ev.MusdAmount.String()))
	return nil
}
