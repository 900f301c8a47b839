// Package refund returns tips to their payers when a payout could not be
// completed. Refunds are funded from the platform treasury; the platform
// absorbs failed-payout risk rather than clawing back from recipients.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"clipstudio/ledger/models"
	"clipstudio/observability"
	"clipstudio/wallet"
)

// ErrDuplicateRefund indicates a pending or processing refund already exists
// for the payment.
var ErrDuplicateRefund = errors.New("refund: refund already in flight for payment")

// Policy bounds retry and throttling behaviour.
type Policy struct {
	Asset              string
	TokenDecimals      int
	MaxRetries         int
	BackoffBase        time.Duration
	BatchSize          int
	Confirmations      int
	ConfirmPoll        time.Duration
	ConfirmTimeout     time.Duration
	TransfersPerSecond float64
}

func (p Policy) withDefaults() Policy {
	if p.Asset == "" {
		p.Asset = "USDC"
	}
	if p.TokenDecimals <= 0 {
		p.TokenDecimals = 6
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Minute
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 25
	}
	if p.Confirmations <= 0 {
		p.Confirmations = 1
	}
	if p.ConfirmPoll <= 0 {
		p.ConfirmPoll = 5 * time.Second
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = 2 * time.Minute
	}
	if p.TransfersPerSecond <= 0 {
		p.TransfersPerSecond = 2
	}
	return p
}

// Stats summarises one execution run.
type Stats struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// Engine creates and executes refund obligations.
type Engine struct {
	db       *gorm.DB
	treasury wallet.TreasuryWallet
	policy   Policy
	metrics  *observability.LedgerMetrics
	limiter  *rate.Limiter
	log      *slog.Logger
	now      func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithWallet supplies the treasury wallet implementation.
func WithWallet(w wallet.TreasuryWallet) Option {
	return func(e *Engine) { e.treasury = w }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.LedgerMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine constructs a refund engine over the shared database.
func NewEngine(db *gorm.DB, policy Policy, opts ...Option) *Engine {
	policy = policy.withDefaults()
	e := &Engine{
		db:      db,
		policy:  policy,
		metrics: observability.Ledger(),
		limiter: rate.NewLimiter(rate.Limit(policy.TransfersPerSecond), 1),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestRefund creates a refund obligation for the payment unless one is
// already pending or processing, and marks the payment refund_pending.
func (e *Engine) RequestRefund(ctx context.Context, voteID uuid.UUID, payerAddress string, amountCents int64, originalTxHash, reason string) error {
	if voteID == uuid.Nil {
		return fmt.Errorf("refund: vote id required")
	}
	if amountCents <= 0 {
		return fmt.Errorf("refund: amount must be positive, got %d", amountCents)
	}
	if !common.IsHexAddress(payerAddress) {
		return fmt.Errorf("refund: invalid payer address %q", payerAddress)
	}
	now := e.now().UTC()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&models.Refund{}).
			Where("clip_vote_id = ? AND status IN ?", voteID,
				[]models.RefundStatus{models.RefundStatusPending, models.RefundStatusProcessing}).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateRefund
		}
		row := models.Refund{
			ID:             uuid.New(),
			ClipVoteID:     voteID,
			PayerAddress:   payerAddress,
			AmountCents:    amountCents,
			OriginalTxHash: originalTxHash,
			Reason:         reason,
			Status:         models.RefundStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&models.ClipVote{}).Where("id = ?", voteID).
			Updates(map[string]interface{}{
				"payment_status": models.PaymentStatusRefundPending,
				"updated_at":     now,
			}).Error
	})
	if err != nil {
		return err
	}
	e.metrics.RecordRefund("created")
	e.log.Info("refund requested",
		"vote_id", voteID.String(), "amount_cents", amountCents, "reason", reason)
	return nil
}

// ProcessRefunds executes pending refunds as treasury transfers, mirroring
// the payout engine's claim-before-network idempotency discipline.
func (e *Engine) ProcessRefunds(ctx context.Context) (Stats, error) {
	stats := Stats{Errors: []string{}}
	if e.treasury == nil {
		return stats, fmt.Errorf("refund: treasury wallet not configured")
	}

	var batch []models.Refund
	err := e.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", models.RefundStatusPending, e.policy.MaxRetries).
		Order("created_at ASC").
		Limit(e.policy.BatchSize).
		Find(&batch).Error
	if err != nil {
		return stats, fmt.Errorf("refund: fetch pending: %w", err)
	}

	now := e.now().UTC()
	for i := range batch {
		row := batch[i]
		// Failed attempts return to pending but stay inside an exponential
		// backoff window before the next send.
		if row.RetryCount > 0 {
			wait := e.policy.BackoffBase << uint(row.RetryCount)
			if now.Sub(row.UpdatedAt) < wait {
				stats.Skipped++
				continue
			}
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
			stats.Errors = append(stats.Errors, fmt.Sprintf("refund %s: %v", row.ID, err))
			if ferr := e.markFailed(ctx, &row, err); ferr != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("mark failed %s: %v", row.ID, ferr))
			}
			continue
		}
		stats.Succeeded++
	}
	return stats, nil
}

func (e *Engine) claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res := e.db.WithContext(ctx).Model(&models.Refund{}).
		Where("id = ? AND status = ?", id, models.RefundStatusPending).
		Updates(map[string]interface{}{"status": models.RefundStatusProcessing, "updated_at": e.now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (e *Engine) execute(ctx context.Context, row *models.Refund) error {
	if row.TxHash != "" {
		succeeded, err := e.treasury.TransferSucceeded(ctx, row.TxHash)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", row.TxHash, err)
		}
		if succeeded {
			return e.markCompleted(ctx, row, row.TxHash)
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
	txHash, err := e.treasury.Transfer(ctx, e.policy.Asset, row.PayerAddress, amount)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	row.TxHash = txHash
	if err := e.db.WithContext(ctx).Model(&models.Refund{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{"tx_hash": txHash, "updated_at": e.now().UTC()}).Error; err != nil {
		return fmt.Errorf("record tx hash: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.policy.ConfirmTimeout)
	defer cancel()
	if err := e.treasury.WaitForConfirmations(confirmCtx, txHash, e.policy.Confirmations, e.policy.ConfirmPoll); err != nil {
		return fmt.Errorf("confirmation: %w", err)
	}
	return e.markCompleted(ctx, row, txHash)
}

func (e *Engine) markCompleted(ctx context.Context, row *models.Refund, txHash string) error {
	now := e.now().UTC()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Refund{}).
			Where("id = ? AND status = ?", row.ID, models.RefundStatusProcessing).
			Updates(map[string]interface{}{
				"status":       models.RefundStatusCompleted,
				"tx_hash":      txHash,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("refund %s no longer processing", row.ID)
		}
		return tx.Model(&models.ClipVote{}).Where("id = ?", row.ClipVoteID).
			Updates(map[string]interface{}{
				"payment_status": models.PaymentStatusRefunded,
				"updated_at":     now,
			}).Error
	})
	if err != nil {
		return err
	}
	e.metrics.RecordRefund("completed")
	e.log.Info("refund completed",
		"refund_id", row.ID.String(),
		"vote_id", row.ClipVoteID.String(),
		"amount_cents", row.AmountCents,
		"tx_hash", txHash)
	return nil
}

func (e *Engine) markFailed(ctx context.Context, row *models.Refund, cause error) error {
	now := e.now().UTC()
	retries := row.RetryCount + 1
	updates := map[string]interface{}{
		"retry_count":   retries,
		"error_message": cause.Error(),
		"updated_at":    now,
	}
	if retries >= e.policy.MaxRetries {
		// Terminal: logged for manual reconciliation, no further escalation.
		updates["status"] = models.RefundStatusFailed
	} else {
		updates["status"] = models.RefundStatusPending
	}
	res := e.db.WithContext(ctx).Model(&models.Refund{}).
		Where("id = ? AND status = ?", row.ID, models.RefundStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	e.metrics.RecordRefund("failed")
	e.log.Error("refund failed",
		"refund_id", row.ID.String(),
		"vote_id", row.ClipVoteID.String(),
		"amount_cents", row.AmountCents,
		"retry_count", retries,
		"error", cause.Error())
	return nil
}
