package studiod

import (
	"context"
	"log/slog"
	"time"

	"clipstudio/config"
	"clipstudio/ledger/payout"
	"clipstudio/ledger/refund"
	"clipstudio/ledger/staking"
	"clipstudio/ledger/unclaimed"
)

const stuckPayoutThreshold = 10 * time.Minute

// runLoops starts the recurring ledger jobs. Each loop runs one bounded
// batch per tick and logs its stats; the external cron routes remain
// available for on-demand runs.
func runLoops(ctx context.Context, cfg *config.Config, logger *slog.Logger, payouts *payout.Engine, refunds *refund.Engine, stakes *staking.Engine, sweeper *unclaimed.Sweeper) {
	every(ctx, config.Interval(cfg.Cron.PayoutInterval), func(ctx context.Context) {
		if reset, err := payouts.ResetStuckPayouts(ctx, stuckPayoutThreshold); err != nil {
			logger.Error("reset stuck payouts failed", "err", err)
		} else if reset > 0 {
			logger.Warn("reset stuck payouts", "count", reset)
		}
		stats, err := payouts.ProcessPayouts(ctx)
		if err != nil {
			logger.Error("payout loop failed", "err", err)
			return
		}
		if stats.Processed > 0 {
			logger.Info("payout loop finished",
				"processed", stats.Processed,
				"succeeded", stats.Succeeded,
				"failed", stats.Failed,
				"skipped", stats.Skipped,
			)
		}
	})

	every(ctx, config.Interval(cfg.Cron.RefundInterval), func(ctx context.Context) {
		stats, err := refunds.ProcessRefunds(ctx)
		if err != nil {
			logger.Error("refund loop failed", "err", err)
			return
		}
		if stats.Processed > 0 {
			logger.Info("refund loop finished",
				"processed", stats.Processed,
				"succeeded", stats.Succeeded,
				"failed", stats.Failed,
			)
		}
	})

	every(ctx, config.Interval(cfg.Cron.RewardInterval), func(ctx context.Context) {
		stats, err := stakes.AccrueAll(ctx)
		if err != nil {
			logger.Error("reward loop failed", "err", err)
			return
		}
		if stats.Accrued > 0 {
			logger.Info("reward loop finished",
				"processed", stats.Processed,
				"accrued", stats.Accrued,
				"accrued_cents", stats.AccruedCents,
			)
		}
	})

	every(ctx, config.Interval(cfg.Cron.SweepInterval), func(ctx context.Context) {
		stats, err := sweeper.SweepExpired(ctx, 100)
		if err != nil {
			logger.Error("sweep loop failed", "err", err)
			return
		}
		if stats.Swept > 0 {
			logger.Info("sweep loop finished", "swept", stats.Swept, "swept_cents", stats.SweptCents)
		}
	})
}

func every(ctx context.Context, interval time.Duration, run func(context.Context)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()
}
