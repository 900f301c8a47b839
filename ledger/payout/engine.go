// Package payout turns verified tip payments into per-recipient payout
// obligations and executes them as idempotent on-chain transfers.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"clipstudio/ledger/models"
	"clipstudio/ledger/split"
	"clipstudio/observability"
	"clipstudio/wallet"
)

var (
	// ErrAgentWalletMissing aborts tip processing when the authoring agent has
	// no payable wallet. Nothing is persisted in that case.
	ErrAgentWalletMissing = errors.New("payout: agent wallet not configured")
	// ErrAgentNotFound indicates the source agent id is unknown.
	ErrAgentNotFound = errors.New("payout: agent not found")
)

// Policy bounds retry, batching, and throttling behaviour for execution runs.
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
	UnclaimedExpiry    time.Duration
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
		p.BatchSize = 50
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
	if p.UnclaimedExpiry <= 0 {
		p.UnclaimedExpiry = 90 * 24 * time.Hour
	}
	return p
}

// RefundRequester escalates permanently failed creator payouts into refund
// obligations.
type RefundRequester interface {
	RequestRefund(ctx context.Context, voteID uuid.UUID, payerAddress string, amountCents int64, originalTxHash, reason string) error
}

// Stats summarises one execution run for the cron caller.
type Stats struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// Engine owns payout creation and execution against the shared ledger.
type Engine struct {
	db             *gorm.DB
	treasury       wallet.TreasuryWallet
	splits         split.Config
	policy         Policy
	platformWallet string
	refunds        RefundRequester
	metrics        *observability.LedgerMetrics
	limiter        *rate.Limiter
	log            *slog.Logger
	now            func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithWallet supplies the treasury wallet implementation.
func WithWallet(w wallet.TreasuryWallet) Option {
	return func(e *Engine) { e.treasury = w }
}

// WithRefunds supplies the refund escalation hook.
func WithRefunds(r RefundRequester) Option {
	return func(e *Engine) { e.refunds = r }
}

// WithSplits overrides the default split configuration.
func WithSplits(cfg split.Config) Option {
	return func(e *Engine) { e.splits = cfg }
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

// NewEngine constructs a payout engine over the shared database.
func NewEngine(db *gorm.DB, platformWallet string, policy Policy, opts ...Option) *Engine {
	policy = policy.withDefaults()
	e := &Engine{
		db:             db,
		splits:         split.DefaultConfig,
		policy:         policy,
		platformWallet: platformWallet,
		metrics:        observability.Ledger(),
		limiter:        rate.NewLimiter(rate.Limit(policy.TransfersPerSecond), 1),
		log:            slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest carries one confirmed tip into payout creation.
type CreateRequest struct {
	VoteID        uuid.UUID
	GrossCents    int64
	SourceAgentID uuid.UUID
	CreatorWallet string
	AgentWallet   string
}

// TipResult reports what one tip produced.
type TipResult struct {
	Shares        split.Shares
	PayoutIDs     []uuid.UUID
	UnclaimedID   *uuid.UUID
	CreatorEscrow bool
}

// CreateTipPayouts splits one tip and persists its payout obligations inside
// a single transaction. The agent must always be payable; a walletless agent
// fails the whole operation and nothing is written.
func (e *Engine) CreateTipPayouts(ctx context.Context, req CreateRequest) (*TipResult, error) {
	var result *TipResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = e.CreateTipPayoutsTx(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateTipPayoutsTx is CreateTipPayouts inside a caller-owned transaction,
// so tip recording and payout creation commit or roll back together.
func (e *Engine) CreateTipPayoutsTx(tx *gorm.DB, req CreateRequest) (*TipResult, error) {
	if req.GrossCents <= 0 {
		return nil, fmt.Errorf("payout: gross amount must be positive, got %d", req.GrossCents)
	}
	if req.SourceAgentID == uuid.Nil {
		return nil, fmt.Errorf("payout: source agent id required")
	}
	shares, err := e.splits.Calculate(req.GrossCents)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	result := &TipResult{Shares: shares}

	var agent models.Agent
	if err := tx.First(&agent, "id = ?", req.SourceAgentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	agentWallet := req.AgentWallet
	if agentWallet == "" {
		agentWallet = agent.WalletAddress
	}
	if agentWallet == "" {
		return nil, ErrAgentWalletMissing
	}
	creatorWallet := req.CreatorWallet
	if creatorWallet == "" {
		creatorWallet = agent.CreatorWallet
	}

	voteID := req.VoteID
	if shares.AgentCents > 0 {
		row := e.newPayout(now, models.RecipientAgent, agentWallet, req.SourceAgentID, &voteID, shares.AgentCents, e.splits.AgentPercent())
		row.RecipientAgentID = &agent.ID
		if err := tx.Create(row).Error; err != nil {
			return nil, err
		}
		result.PayoutIDs = append(result.PayoutIDs, row.ID)
	}
	if shares.PlatformCents > 0 {
		row := e.newPayout(now, models.RecipientPlatform, e.platformWallet, req.SourceAgentID, &voteID, shares.PlatformCents, e.splits.PlatformPercent())
		if err := tx.Create(row).Error; err != nil {
			return nil, err
		}
		result.PayoutIDs = append(result.PayoutIDs, row.ID)
	}
	if shares.CreatorCents > 0 {
		if creatorWallet == "" {
			escrow := models.UnclaimedFund{
				ID:            uuid.New(),
				SourceAgentID: req.SourceAgentID,
				RecipientType: models.RecipientCreator,
				ClipVoteID:    &voteID,
				AmountCents:   shares.CreatorCents,
				SplitPercent:  e.splits.CreatorPercent(),
				Reason:        "creator wallet not linked",
				ExpiresAt:     now.Add(e.policy.UnclaimedExpiry),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.Create(&escrow).Error; err != nil {
				return nil, err
			}
			result.UnclaimedID = &escrow.ID
			result.CreatorEscrow = true
		} else {
			row := e.newPayout(now, models.RecipientCreator, creatorWallet, req.SourceAgentID, &voteID, shares.CreatorCents, e.splits.CreatorPercent())
			if err := tx.Create(row).Error; err != nil {
				return nil, err
			}
			result.PayoutIDs = append(result.PayoutIDs, row.ID)
		}
	}

	// The agent counters move by the agent's own share only.
	if shares.AgentCents > 0 {
		res := tx.Model(&models.Agent{}).Where("id = ?", agent.ID).Updates(map[string]interface{}{
			"pending_payout_cents": gorm.Expr("pending_payout_cents + ?", shares.AgentCents),
			"total_earned_cents":   gorm.Expr("total_earned_cents + ?", shares.AgentCents),
			"updated_at":           now,
		})
		if res.Error != nil {
			return nil, res.Error
		}
	}

	for range result.PayoutIDs {
		e.metrics.RecordPayout("created")
	}
	e.metrics.AddRevenue(string(models.RecipientCreator), shares.CreatorCents)
	e.metrics.AddRevenue(string(models.RecipientPlatform), shares.PlatformCents)
	e.metrics.AddRevenue(string(models.RecipientAgent), shares.AgentCents)
	return result, nil
}

func (e *Engine) newPayout(now time.Time, recipient models.RecipientType, walletAddr string, sourceAgent uuid.UUID, voteID *uuid.UUID, cents int64, percent float64) *models.Payout {
	return &models.Payout{
		ID:            uuid.New(),
		RecipientType: recipient,
		WalletAddress: walletAddr,
		SourceAgentID: sourceAgent,
		ClipVoteID:    voteID,
		AmountCents:   cents,
		SplitPercent:  percent,
		Status:        models.PayoutStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
