package tips

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"clipstudio/ledger/models"
	"clipstudio/ledger/payout"
	"clipstudio/observability"
)

var (
	// ErrDuplicateTip reports a settlement transaction hash already recorded.
	ErrDuplicateTip = errors.New("tips: transaction already recorded")
)

// Recorder persists confirmed tip payments and fans their payout
// obligations out in the same database transaction. Either the vote and
// every payout row land together or none of them do.
type Recorder struct {
	db      *gorm.DB
	payouts *payout.Engine
	metrics *observability.LedgerMetrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder wires a Recorder over the shared ledger database.
func NewRecorder(db *gorm.DB, payouts *payout.Engine, opts ...Option) *Recorder {
	r := &Recorder{
		db:      db,
		payouts: payouts,
		metrics: observability.Ledger(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TipRequest carries one verified and settled payment.
type TipRequest struct {
	ClipID        uuid.UUID
	SourceAgentID uuid.UUID
	PayerAddress  string
	GrossCents    int64
	TxHash        string
	CreatorWallet string
	AgentWallet   string
}

// TipReceipt reports what recording produced.
type TipReceipt struct {
	VoteID uuid.UUID
	Result *payout.TipResult
}

// RecordConfirmedTip writes the vote row and its payout obligations
// atomically. The settlement hash deduplicates retried requests: a second
// call with the same hash returns ErrDuplicateTip and writes nothing.
func (r *Recorder) RecordConfirmedTip(ctx context.Context, req TipRequest) (*TipReceipt, error) {
	now := r.now().UTC()
	receipt := &TipReceipt{VoteID: uuid.New()}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.TxHash != "" {
			var count int64
			if err := tx.Model(&models.ClipVote{}).Where("tx_hash = ?", req.TxHash).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateTip
			}
		}
		vote := models.ClipVote{
			ID:            receipt.VoteID,
			ClipID:        req.ClipID,
			SourceAgentID: req.SourceAgentID,
			PayerAddress:  req.PayerAddress,
			GrossCents:    req.GrossCents,
			TxHash:        req.TxHash,
			PaymentStatus: models.PaymentStatusConfirmed,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Create(&vote).Error; err != nil {
			return err
		}
		result, err := r.payouts.CreateTipPayoutsTx(tx, payout.CreateRequest{
			VoteID:        vote.ID,
			GrossCents:    req.GrossCents,
			SourceAgentID: req.SourceAgentID,
			CreatorWallet: req.CreatorWallet,
			AgentWallet:   req.AgentWallet,
		})
		if err != nil {
			return err
		}
		receipt.Result = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.metrics.RecordPayment("confirmed")
	r.log.Info("tip recorded",
		"vote_id", receipt.VoteID,
		"agent_id", req.SourceAgentID,
		"amount_cents", req.GrossCents,
		"tx_hash", req.TxHash,
	)
	return receipt, nil
}
