// Command relayd runs the Minted mUSD Canton↔Ethereum relay daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
	"github.com/luthatdude/musd-canton-relay/internal/chain"
	"github.com/luthatdude/musd-canton-relay/internal/config"
	"github.com/luthatdude/musd-canton-relay/internal/health"
	"github.com/luthatdude/musd-canton-relay/internal/logutil"
	"github.com/luthatdude/musd-canton-relay/internal/metrics"
	"github.com/luthatdude/musd-canton-relay/internal/relay"
	"github.com/luthatdude/musd-canton-relay/internal/signer"
	"github.com/luthatdude/musd-canton-relay/internal/state"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log, err := logutil.NewLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sg signer.Signer
	if cfg.KMSKeyID != "" {
		sg, err = signer.NewKMS(ctx, cfg.KMSKeyID)
	} else {
		sg, err = signer.NewRawKey(cfg.PrivateKey)
	}
	if err != nil {
		log.Error("signer init failed", zap.Error(err))
		return 1
	}

	endpoints := append([]string{cfg.RPCURL}, cfg.RPCFallbacks...)
	cc, err := chain.Dial(ctx, endpoints, cfg.Confirmations, log)
	if err != nil {
		log.Error("chain dial failed", zap.Error(err))
		return 1
	}

	bridge, err := chain.NewBridge(cc, sg, cfg.Bridge)
	if err != nil {
		log.Error("bridge binding failed", zap.Error(err))
		return 1
	}
	token, err := chain.NewToken(cc, sg, cfg.MUSDToken)
	if err != nil {
		log.Error("token binding failed", zap.Error(err))
		return 1
	}
	treasury, err := chain.NewTreasury(cc, sg, cfg.Treasury)
	if err != nil {
		log.Error("treasury binding failed", zap.Error(err))
		return 1
	}

	var staking, ethPool relay.YieldSource
	if cfg.YieldDistributor != (common.Address{}) {
		yd, err := chain.NewYieldDistributor(cc, cfg.YieldDistributor, chain.StakingYield)
		if err != nil {
			log.Error("yield distributor binding failed", zap.Error(err))
			return 1
		}
		staking = yd
	}
	if cfg.ETHPoolYieldDistributor != (common.Address{}) {
		yd, err := chain.NewYieldDistributor(cc, cfg.ETHPoolYieldDistributor, chain.ETHPoolYield)
		if err != nil {
			log.Error("eth pool distributor binding failed", zap.Error(err))
			return 1
		}
		ethPool = yd
	}

	met := metrics.New()
	ledger := canton.New(cfg.CantonBaseURL(), cfg.CantonToken, cfg.CantonParty, log)
	ledger.OnFallback(met.LedgerFallback.Inc)

	store, err := state.Load(cfg.StateFile)
	if err != nil {
		log.Error("state load failed", zap.Error(err))
		return 1
	}

	rl := relay.New(relay.Deps{
		Config:       cfg,
		Log:          log,
		Metrics:      met,
		Ledger:       ledger,
		Head:         cc,
		Bridge:       bridge,
		Token:        token,
		Treasury:     treasury,
		StakingYield: staking,
		ETHPoolYield: ethPool,
		Store:        store,
		ChainID:      cc.ChainID(),
		SignerAddr:   sg.Address(),
		Rotate:       cc.Rotate,
	})

	hs := health.New(cfg.HealthAddr, rl, met, cfg.MetricsBearerToken, log)
	hs.Start()

	log.Info("relay starting",
		zap.String("env", cfg.Env),
		zap.String("chain_id", cc.ChainID().String()),
		zap.String("bridge", cfg.Bridge.Hex()),
		zap.String("operator_hint", canton.PartyHint(cfg.CantonParty)),
		zap.String("signer", sg.Address().Hex()))

	runErr := rl.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutCtx); err != nil {
		log.Warn("health server shutdown", zap.Error(err))
	}

	if runErr != nil {
		log.Error("relay stopped with error", zap.Error(runErr))
		return 1
	}
	log.Info("relay stopped")
	return 0
}
