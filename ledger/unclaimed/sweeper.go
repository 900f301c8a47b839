// Package unclaimed escrows payout shares whose destination wallet is not yet
// known, converts them to real payouts once a wallet appears, and sweeps
// expired escrow to the platform treasury.
package unclaimed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clipstudio/ledger/models"
	"clipstudio/observability"
)

// ErrInvalidWallet rejects claims against a malformed creator wallet.
var ErrInvalidWallet = errors.New("unclaimed: invalid creator wallet")

// Sweeper manages the unclaimed fund lifecycle.
type Sweeper struct {
	db             *gorm.DB
	treasuryWallet string
	metrics        *observability.LedgerMetrics
	log            *slog.Logger
	now            func() time.Time
}

// NewSweeper constructs a sweeper. treasuryWallet receives expired escrow.
func NewSweeper(db *gorm.DB, treasuryWallet string, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		db:             db,
		treasuryWallet: treasuryWallet,
		metrics:        observability.Ledger(),
		log:            slog.Default(),
		now:            now,
	}
}

// ClaimResult reports what a wallet link converted.
type ClaimResult struct {
	ClaimedCount int      `json:"claimed"`
	ClaimedCents int64    `json:"claimed_cents"`
	PayoutIDs    []string `json:"payout_ids"`
}

// ClaimCreatorFunds converts every unclaimed, unswept, unexpired creator
// escrow row for the agent into a pending payout to the supplied wallet.
// Re-invoking after a claim produces zero new payouts: claimed rows are
// excluded by the claimed_at filter inside the same transaction.
func (s *Sweeper) ClaimCreatorFunds(ctx context.Context, agentID uuid.UUID, creatorWallet string) (*ClaimResult, error) {
	if agentID == uuid.Nil {
		return nil, fmt.Errorf("unclaimed: agent id required")
	}
	if !common.IsHexAddress(creatorWallet) {
		return nil, ErrInvalidWallet
	}
	now := s.now().UTC()
	result := &ClaimResult{PayoutIDs: []string{}}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.UnclaimedFund
		err := tx.
			Where("source_agent_id = ? AND recipient_type = ? AND claimed_at IS NULL AND swept_to_treasury_at IS NULL AND expires_at > ?",
				agentID, models.RecipientCreator, now).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			fund := rows[i]
			payout := models.Payout{
				ID:            uuid.New(),
				RecipientType: models.RecipientCreator,
				WalletAddress: creatorWallet,
				SourceAgentID: fund.SourceAgentID,
				ClipVoteID:    fund.ClipVoteID,
				AmountCents:   fund.AmountCents,
				SplitPercent:  fund.SplitPercent,
				Status:        models.PayoutStatusPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.Create(&payout).Error; err != nil {
				return err
			}
			res := tx.Model(&models.UnclaimedFund{}).
				Where("id = ? AND claimed_at IS NULL AND swept_to_treasury_at IS NULL", fund.ID).
				Updates(map[string]interface{}{"claimed_at": now, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("unclaimed: fund %s claimed concurrently", fund.ID)
			}
			result.ClaimedCount++
			result.ClaimedCents += fund.AmountCents
			result.PayoutIDs = append(result.PayoutIDs, payout.ID.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < result.ClaimedCount; i++ {
		s.metrics.RecordSweep("claimed")
	}
	if result.ClaimedCount > 0 {
		s.log.Info("unclaimed creator funds converted to payouts",
			"agent_id", agentID.String(),
			"count", result.ClaimedCount,
			"amount_cents", result.ClaimedCents)
	}
	return result, nil
}

// SweepStats summarises one expiry sweep.
type SweepStats struct {
	Swept      int      `json:"swept"`
	SweptCents int64    `json:"swept_cents"`
	Errors     []string `json:"errors"`
}

// SweepExpired marks expired, unclaimed escrow rows as swept to the platform
// treasury. One bad row never blocks the rest of the batch.
func (s *Sweeper) SweepExpired(ctx context.Context, limit int) (SweepStats, error) {
	if limit <= 0 {
		limit = 100
	}
	stats := SweepStats{Errors: []string{}}
	now := s.now().UTC()
	var rows []models.UnclaimedFund
	err := s.db.WithContext(ctx).
		Where("claimed_at IS NULL AND swept_to_treasury_at IS NULL AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return stats, fmt.Errorf("unclaimed: fetch expired: %w", err)
	}
	for i := range rows {
		fund := rows[i]
		res := s.db.WithContext(ctx).Model(&models.UnclaimedFund{}).
			Where("id = ? AND claimed_at IS NULL AND swept_to_treasury_at IS NULL", fund.ID).
			Updates(map[string]interface{}{"swept_to_treasury_at": now, "updated_at": now})
		if res.Error != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("sweep %s: %v", fund.ID, res.Error))
			s.metrics.RecordSweep("errored")
			continue
		}
		if res.RowsAffected == 0 {
			// Claimed between select and update; leave it alone.
			continue
		}
		stats.Swept++
		stats.SweptCents += fund.AmountCents
		s.metrics.RecordSweep("swept")
	}
	if stats.Swept > 0 {
		s.log.Info("expired unclaimed funds swept to treasury",
			"count", stats.Swept,
			"amount_cents", stats.SweptCents,
			"treasury", s.treasuryWallet)
	}
	return stats, nil
}
