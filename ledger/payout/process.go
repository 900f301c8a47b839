package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clipstudio/ledger/models"
	"clipstudio/wallet"
)

// ProcessPayouts executes pending payouts as on-chain transfers. Safe to run
// concurrently with itself: a payout is flipped to processing with an atomic
// compare-and-set before any network call, so overlapping runs never
// double-send.
func (e *Engine) ProcessPayouts(ctx context.Context) (Stats, error) {
	stats := Stats{Errors: []string{}}
	if e.treasury == nil {
		return stats, fmt.Errorf("payout: treasury wallet not configured")
	}

	if err := e.requeueBackedOff(ctx); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("requeue: %v", err))
	}

	var batch []models.Payout
	err := e.db.WithContext(ctx).
		Where("status = ? AND wallet_address <> '' AND retry_count < ?", models.PayoutStatusPending, e.policy.MaxRetries).
		Order("created_at ASC").
		Limit(e.policy.BatchSize).
		Find(&batch).Error
	if err != nil {
		return stats, fmt.Errorf("payout: fetch pending: %w", err)
	}

	for i := range batch {
		row := batch[i]
		if !common.IsHexAddress(row.WalletAddress) {
			stats.Skipped++
			e.log.Warn("skipping payout with malformed wallet",
				"payout_id", row.ID.String(), "recipient_type", string(row.RecipientType))
			continue
		}
		claimed, err := e.claim(ctx, row.ID)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("claim %s: %v", row.ID, err))
			continue
		}
		if !claimed {
			stats.Skipped++
			continue
		}
		stats.Processed++
		if err := e.execute(ctx, &row); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("payout %s: %v", row.ID, err))
			if ferr := e.markFailed(ctx, &row, err); ferr != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("mark failed %s: %v", row.ID, ferr))
			}
			continue
		}
		stats.Succeeded++
	}

	var backlog int64
	if err := e.db.WithContext(ctx).Model(&models.Payout{}).
		Where("status = ?", models.PayoutStatusPending).Count(&backlog).Error; err == nil {
		e.metrics.SetPendingBacklog(backlog)
	}
	return stats, nil
}

// requeueBackedOff returns failed payouts to pending once their exponential
// backoff window has elapsed. Retries queue behind fresh pending work because
// selection orders by created_at.
func (e *Engine) requeueBackedOff(ctx context.Context) error {
	var failed []models.Payout
	err := e.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", models.PayoutStatusFailed, e.policy.MaxRetries).
		Find(&failed).Error
	if err != nil {
		return err
	}
	now := e.now().UTC()
	for i := range failed {
		row := failed[i]
		wait := e.policy.BackoffBase << uint(row.RetryCount)
		if now.Sub(row.UpdatedAt) < wait {
			continue
		}
		res := e.db.WithContext(ctx).Model(&models.Payout{}).
			Where("id = ? AND status = ?", row.ID, models.PayoutStatusFailed).
			Updates(map[string]interface{}{"status": models.PayoutStatusPending, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}

// claim performs the atomic pending -> processing flip. Returns false when a
// concurrent run already owns the row.
func (e *Engine) claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res := e.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ? AND status = ?", id, models.PayoutStatusPending).
		Updates(map[string]interface{}{"status": models.PayoutStatusProcessing, "updated_at": e.now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (e *Engine) execute(ctx context.Context, row *models.Payout) error {
	start := e.now()

	// A tx hash left behind by an interrupted confirmation wait means the
	// outcome is unknown; reconcile before risking a second send.
	if row.TxHash != "" {
		succeeded, err := e.treasury.TransferSucceeded(ctx, row.TxHash)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", row.TxHash, err)
		}
		if succeeded {
			return e.markCompleted(ctx, row, row.TxHash, start)
		}
	}

	amount := wallet.CentsToTokenUnits(row.AmountCents, e.policy.TokenDecimals)
	balance, err := e.treasury.BalanceOf(ctx, e.policy.Asset)
	if err != nil {
		return fmt.Errorf("balance check: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: need %s have %s", amount, balance)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	txHash, err := e.treasury.Transfer(ctx, e.policy.Asset, row.WalletAddress, amount)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	// Persist the hash before waiting so a crash mid-wait reconciles instead
	// of re-sending.
	row.TxHash = txHash
	if err := e.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{"tx_hash": txHash, "updated_at": e.now().UTC()}).Error; err != nil {
		return fmt.Errorf("record tx hash: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.policy.ConfirmTimeout)
	defer cancel()
	if err := e.treasury.WaitForConfirmations(confirmCtx, txHash, e.policy.Confirmations, e.policy.ConfirmPoll); err != nil {
		return fmt.Errorf("confirmation: %w", err)
	}
	return e.markCompleted(ctx, row, txHash, start)
}

func (e *Engine) markCompleted(ctx context.Context, row *models.Payout, txHash string, start time.Time) error {
	now := e.now().UTC()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payout{}).
			Where("id = ? AND status = ?", row.ID, models.PayoutStatusProcessing).
			Updates(map[string]interface{}{
				"status":       models.PayoutStatusCompleted,
				"tx_hash":      txHash,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("payout %s no longer processing", row.ID)
		}
		if row.RecipientAgentID != nil {
			res := tx.Model(&models.Agent{}).Where("id = ?", *row.RecipientAgentID).Updates(map[string]interface{}{
				"pending_payout_cents": gorm.Expr("pending_payout_cents - ?", row.AmountCents),
				"total_paid_cents":     gorm.Expr("total_paid_cents + ?", row.AmountCents),
				"updated_at":           now,
			})
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.RecordPayout("completed")
	e.metrics.ObserveTransfer(string(row.RecipientType), e.now().Sub(start))
	e.log.Info("payout completed",
		"payout_id", row.ID.String(),
		"recipient_type", string(row.RecipientType),
		"amount_cents", row.AmountCents,
		"tx_hash", txHash)
	return nil
}

func (e *Engine) markFailed(ctx context.Context, row *models.Payout, cause error) error {
	now := e.now().UTC()
	retries := row.RetryCount + 1
	status := models.PayoutStatusFailed
	if retries >= e.policy.MaxRetries {
		status = models.PayoutStatusPermanentlyFailed
	}
	res := e.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ? AND status = ?", row.ID, models.PayoutStatusProcessing).
		Updates(map[string]interface{}{
			"status":        status,
			"retry_count":   retries,
			"error_message": cause.Error(),
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	e.metrics.RecordPayout("failed")
	e.log.Error("payout failed",
		"payout_id", row.ID.String(),
		"recipient_type", string(row.RecipientType),
		"amount_cents", row.AmountCents,
		"retry_count", retries,
		"error", cause.Error())

	if status == models.PayoutStatusPermanentlyFailed {
		return e.escalate(ctx, row, cause)
	}
	return nil
}

// escalate converts a permanently failed creator payout into a refund for the
// originating payment, so funds are never silently stranded.
func (e *Engine) escalate(ctx context.Context, row *models.Payout, cause error) error {
	if e.refunds == nil || row.RecipientType != models.RecipientCreator || row.ClipVoteID == nil {
		return nil
	}
	var vote models.ClipVote
	if err := e.db.WithContext(ctx).First(&vote, "id = ?", *row.ClipVoteID).Error; err != nil {
		return fmt.Errorf("load vote for refund: %w", err)
	}
	if vote.TxHash == "" {
		return nil
	}
	reason := fmt.Sprintf("creator payout %s permanently failed: %v", row.ID, cause)
	if err := e.refunds.RequestRefund(ctx, vote.ID, vote.PayerAddress, vote.GrossCents, vote.TxHash, reason); err != nil {
		return fmt.Errorf("request refund: %w", err)
	}
	return nil
}

// ResetStuckPayouts reclaims payouts abandoned in processing by a crashed
// run. The threshold must comfortably exceed the longest confirmation wait.
func (e *Engine) ResetStuckPayouts(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	cutoff := e.now().UTC().Add(-threshold)
	res := e.db.WithContext(ctx).Model(&models.Payout{}).
		Where("status = ? AND updated_at < ?", models.PayoutStatusProcessing, cutoff).
		Updates(map[string]interface{}{"status": models.PayoutStatusPending, "updated_at": e.now().UTC()})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		e.log.Warn("reset stuck payouts", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
