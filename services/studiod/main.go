// Package studiod wires the studio ledger daemon: the paid-vote API, the
// payout, refund, reward, and sweep loops, and their shared database.
package studiod

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"clipstudio/auth/walletsig"
	"clipstudio/config"
	"clipstudio/ledger/models"
	"clipstudio/ledger/payout"
	"clipstudio/ledger/refund"
	"clipstudio/ledger/staking"
	"clipstudio/ledger/tips"
	"clipstudio/ledger/unclaimed"
	"clipstudio/observability/logging"
	telemetry "clipstudio/observability/otel"
	"clipstudio/payments/x402"
	"clipstudio/server"
	"clipstudio/wallet"
)

// Main initialises and runs the studio ledger daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/studiod/config.toml", "path to studiod configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions("studiod", cfg.Environment, logging.Options{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("studiod", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	policy, splits, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	facilitator, err := x402.NewFacilitatorClient(cfg.Payments.FacilitatorURL, 30*time.Second)
	if err != nil {
		return fmt.Errorf("init facilitator client: %w", err)
	}
	verifier, err := x402.NewVerifier(facilitator, x402.VerifierConfig{
		Network:           cfg.Payments.Network,
		AssetAddress:      cfg.Payments.AssetAddress,
		PayTo:             cfg.Payments.PayToAddress,
		MaxTimeoutSeconds: cfg.Payments.MaxTimeoutSeconds,
		TokenDecimals:     cfg.Payments.TokenDecimals,
	})
	if err != nil {
		return fmt.Errorf("init payment verifier: %w", err)
	}

	var treasury wallet.TreasuryWallet
	if cfg.Treasury.RPCEndpoint != "" && cfg.Treasury.SignerKey() != "" {
		erc20, err := wallet.DialERC20Wallet(cfg.Treasury.RPCEndpoint, cfg.Treasury.SignerKey(), cfg.Treasury.ChainID, map[string]string{
			policy.Asset: cfg.Treasury.TokenAddress,
		})
		if err != nil {
			return fmt.Errorf("dial treasury wallet: %w", err)
		}
		treasury = erc20
	} else {
		// Without treasury credentials the daemon still serves votes and
		// accrues obligations; execution loops report the missing wallet.
		treasury = wallet.Unconfigured()
		logger.Warn("treasury wallet not configured, transfers disabled")
	}

	refunds := refund.NewEngine(db, refund.Policy{
		Asset:              policy.Asset,
		TokenDecimals:      policy.TokenDecimals,
		MaxRetries:         policy.MaxRetries,
		BackoffBase:        policy.BackoffBase,
		BatchSize:          policy.BatchSize,
		Confirmations:      policy.Confirmations,
		ConfirmPoll:        policy.ConfirmPoll,
		ConfirmTimeout:     policy.ConfirmTimeout,
		TransfersPerSecond: policy.TransfersPerSecond,
	}, refund.WithWallet(treasury), refund.WithLogger(logger))

	payouts := payout.NewEngine(db, cfg.Treasury.PlatformWallet, policy,
		payout.WithWallet(treasury),
		payout.WithRefunds(refunds),
		payout.WithSplits(splits),
		payout.WithLogger(logger),
	)

	signatures := walletsig.NewVerifier(db, time.Now)
	stakingEngine := staking.NewEngine(db, signatures, staking.WithLogger(logger))
	sweeper := unclaimed.NewSweeper(db, cfg.Treasury.PlatformWallet, time.Now)
	recorder := tips.NewRecorder(db, payouts, tips.WithLogger(logger))

	srv := server.New(server.Config{
		DB:              db,
		Payments:        verifier,
		Tips:            recorder,
		Payouts:         payouts,
		Refunds:         refunds,
		Staking:         stakingEngine,
		Unclaimed:       sweeper,
		Signatures:      signatures,
		CronToken:       cfg.Cron.BearerToken,
		VoteAmountCents: cfg.Payments.VoteAmountCents,
		Logger:          logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(srv.Handler(), "studiod"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runLoops(stopCtx, cfg, logger, payouts, refunds, stakingEngine, sweeper)

	errs := make(chan error, 1)
	go func() {
		log.Printf("studiod listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
