// Package staking manages time-locked agent deposits and pro-rata reward
// accrual. Stake and unstake require wallet-ownership proof; rewards are paid
// out through the ordinary payout engine via the agent pending counter.
package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"clipstudio/auth/walletsig"
	"clipstudio/ledger/models"
	"clipstudio/observability"
)

const secondsPerYear = 365 * 24 * 60 * 60

var (
	// ErrPoolInactive rejects deposits into a disabled pool.
	ErrPoolInactive = errors.New("staking: pool is not active")
	// ErrPoolAtCapacity rejects deposits that would exceed the pool cap.
	ErrPoolAtCapacity = errors.New("staking: pool at capacity")
	// ErrBelowMinimum rejects deposits under the pool minimum.
	ErrBelowMinimum = errors.New("staking: amount below pool minimum")
	// ErrStakeNotActive rejects operations on unstaked deposits.
	ErrStakeNotActive = errors.New("staking: stake is not active")
	// ErrNoDefaultPool indicates no pool is flagged as the default.
	ErrNoDefaultPool = errors.New("staking: no default pool configured")
	// ErrNotStakeOwner rejects proofs signed by a wallet other than the
	// stake's.
	ErrNotStakeOwner = errors.New("staking: wallet does not own stake")
)

// TimeLockError reports how long an early unstake must still wait.
type TimeLockError struct {
	RemainingSeconds int64
}

func (e *TimeLockError) Error() string {
	return fmt.Sprintf("staking: time-lock active, %d seconds remaining", e.RemainingSeconds)
}

// Engine drives the staking state machine over the shared ledger.
type Engine struct {
	db             *gorm.DB
	sig            *walletsig.Verifier
	rewardInterval time.Duration
	metrics        *observability.LedgerMetrics
	log            *slog.Logger
	now            func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithRewardInterval sets the minimum elapsed time between accruals.
func WithRewardInterval(interval time.Duration) Option {
	return func(e *Engine) { e.rewardInterval = interval }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine constructs a staking engine. sig verifies wallet-ownership
// proofs for stake, unstake, and claim operations.
func NewEngine(db *gorm.DB, sig *walletsig.Verifier, opts ...Option) *Engine {
	e := &Engine{
		db:             db,
		sig:            sig,
		rewardInterval: time.Hour,
		metrics:        observability.Ledger(),
		log:            slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Proof carries a wallet-ownership message and its signature.
type Proof struct {
	Message   walletsig.Message
	Signature string
}

func (e *Engine) verifyProof(ctx context.Context, proof Proof, wantWallet string) error {
	result, err := e.sig.Verify(ctx, proof.Message, proof.Signature)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("staking: ownership proof rejected: %s", result.Error)
	}
	if wantWallet != "" && !strings.EqualFold(result.RecoveredAddress, wantWallet) {
		return ErrNotStakeOwner
	}
	return nil
}

// DefaultPool returns the pool flagged is_default.
func (e *Engine) DefaultPool(ctx context.Context) (*models.StakingPool, error) {
	var pool models.StakingPool
	if err := e.db.WithContext(ctx).First(&pool, "is_default = ?", true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoDefaultPool
		}
		return nil, err
	}
	return &pool, nil
}

// StakeRequest deposits into a pool. PoolID may be uuid.Nil to target the
// default pool.
type StakeRequest struct {
	AgentID     uuid.UUID
	PoolID      uuid.UUID
	AmountCents int64
	Proof       Proof
}

// Stake verifies wallet ownership and creates an active, time-locked deposit,
// updating pool totals in the same transaction.
func (e *Engine) Stake(ctx context.Context, req StakeRequest) (*models.Stake, error) {
	if req.AgentID == uuid.Nil {
		return nil, fmt.Errorf("staking: agent id required")
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("staking: amount must be positive, got %d", req.AmountCents)
	}
	if err := e.verifyProof(ctx, req.Proof, ""); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var created models.Stake
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pool models.StakingPool
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"})
		var err error
		if req.PoolID == uuid.Nil {
			err = query.First(&pool, "is_default = ?", true).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoDefaultPool
			}
		} else {
			err = query.First(&pool, "id = ?", req.PoolID).Error
		}
		if err != nil {
			return err
		}
		if !pool.IsActive {
			return ErrPoolInactive
		}
		if req.AmountCents < pool.MinStakeCents {
			return fmt.Errorf("%w: minimum %d cents", ErrBelowMinimum, pool.MinStakeCents)
		}
		if pool.MaxTotalStakedCents > 0 && pool.TotalStakedCents+req.AmountCents > pool.MaxTotalStakedCents {
			return ErrPoolAtCapacity
		}

		created = models.Stake{
			ID:               uuid.New(),
			PoolID:           pool.ID,
			AgentID:          req.AgentID,
			WalletAddress:    req.Proof.Message.WalletAddress,
			AmountCents:      req.AmountCents,
			Status:           models.StakeStatusActive,
			StakedAt:         now,
			CanUnstakeAt:     now.Add(time.Duration(pool.MinStakeDurationSecs) * time.Second),
			LastRewardCalcAt: now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		return tx.Model(&models.StakingPool{}).Where("id = ?", pool.ID).Updates(map[string]interface{}{
			"total_staked_cents": gorm.Expr("total_staked_cents + ?", req.AmountCents),
			"stake_count":        gorm.Expr("stake_count + 1"),
			"updated_at":         now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("stake created",
		"stake_id", created.ID.String(),
		"agent_id", req.AgentID.String(),
		"amount_cents", req.AmountCents)
	return &created, nil
}

// Unstake verifies ownership, enforces the time-lock, performs a final reward
// accrual, and flips the stake to its terminal state.
func (e *Engine) Unstake(ctx context.Context, stakeID uuid.UUID, proof Proof) (*models.Stake, error) {
	var stake models.Stake
	if err := e.db.WithContext(ctx).First(&stake, "id = ?", stakeID).Error; err != nil {
		return nil, err
	}
	if err := e.verifyProof(ctx, proof, stake.WalletAddress); err != nil {
		return nil, err
	}
	if stake.Status != models.StakeStatusActive {
		return nil, ErrStakeNotActive
	}
	now := e.now().UTC()
	if now.Before(stake.CanUnstakeAt) {
		return nil, &TimeLockError{RemainingSeconds: int64(stake.CanUnstakeAt.Sub(now).Seconds())}
	}

	// Final accrual covers the tail window before the stake stops earning.
	if _, err := e.accrue(ctx, stake.ID, true); err != nil {
		return nil, fmt.Errorf("staking: final reward accrual: %w", err)
	}

	var updated models.Stake
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Stake{}).
			Where("id = ? AND status = ?", stake.ID, models.StakeStatusActive).
			Updates(map[string]interface{}{
				"status":      models.StakeStatusUnstaked,
				"unstaked_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStakeNotActive
		}
		if err := tx.Model(&models.StakingPool{}).Where("id = ?", stake.PoolID).Updates(map[string]interface{}{
			"total_staked_cents": gorm.Expr("total_staked_cents - ?", stake.AmountCents),
			"stake_count":        gorm.Expr("stake_count - 1"),
			"updated_at":         now,
		}).Error; err != nil {
			return err
		}
		return tx.First(&updated, "id = ?", stake.ID).Error
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("stake withdrawn",
		"stake_id", stake.ID.String(),
		"agent_id", stake.AgentID.String(),
		"amount_cents", stake.AmountCents)
	return &updated, nil
}

// CalculateRewards accrues yield for one stake if the accrual interval has
// elapsed. The watermark advances only together with a non-zero reward, so
// sub-cent windows keep accruing against the original watermark.
func (e *Engine) CalculateRewards(ctx context.Context, stakeID uuid.UUID) (int64, error) {
	return e.accrue(ctx, stakeID, false)
}

func (e *Engine) accrue(ctx context.Context, stakeID uuid.UUID, force bool) (int64, error) {
	now := e.now().UTC()
	var rewardCents int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stake models.Stake
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&stake, "id = ?", stakeID).Error; err != nil {
			return err
		}
		if stake.Status != models.StakeStatusActive {
			return ErrStakeNotActive
		}
		elapsed := now.Sub(stake.LastRewardCalcAt)
		if elapsed <= 0 {
			return nil
		}
		if !force && elapsed < e.rewardInterval {
			return nil
		}
		var pool models.StakingPool
		if err := tx.First(&pool, "id = ?", stake.PoolID).Error; err != nil {
			return err
		}

		// floor(amount * apyBps * seconds / (10000 * secondsPerYear)),
		// in big math so large stakes cannot overflow.
		numer := new(big.Int).SetInt64(stake.AmountCents)
		numer.Mul(numer, big.NewInt(pool.APYBasisPoints))
		numer.Mul(numer, big.NewInt(int64(elapsed.Seconds())))
		denom := big.NewInt(10000 * secondsPerYear)
		rewardCents = new(big.Int).Quo(numer, denom).Int64()
		if rewardCents <= 0 {
			// Keep the watermark: the window continues to accumulate until it
			// produces at least one cent.
			rewardCents = 0
			return nil
		}

		reward := models.StakingReward{
			ID:          uuid.New(),
			StakeID:     stake.ID,
			AmountCents: rewardCents,
			PeriodStart: stake.LastRewardCalcAt,
			PeriodEnd:   now,
			CreatedAt:   now,
		}
		if err := tx.Create(&reward).Error; err != nil {
			return err
		}
		return tx.Model(&models.Stake{}).Where("id = ?", stake.ID).Updates(map[string]interface{}{
			"earned_rewards_cents": gorm.Expr("earned_rewards_cents + ?", rewardCents),
			"last_reward_calc_at":  now,
			"updated_at":           now,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	if rewardCents > 0 {
		e.metrics.RecordRewardAccrual()
	}
	return rewardCents, nil
}

// AccrualStats summarises one accrual sweep across all active stakes.
type AccrualStats struct {
	Processed    int      `json:"processed"`
	Accrued      int      `json:"accrued"`
	AccruedCents int64    `json:"accrued_cents"`
	Errors       []string `json:"errors"`
}

// AccrueAll runs reward calculation for every active stake. Per-stake errors
// are collected so one bad row never aborts the sweep.
func (e *Engine) AccrueAll(ctx context.Context) (AccrualStats, error) {
	stats := AccrualStats{Errors: []string{}}
	var ids []uuid.UUID
	err := e.db.WithContext(ctx).Model(&models.Stake{}).
		Where("status = ?", models.StakeStatusActive).
		Pluck("id", &ids).Error
	if err != nil {
		return stats, fmt.Errorf("staking: list active stakes: %w", err)
	}
	for _, id := range ids {
		stats.Processed++
		cents, err := e.CalculateRewards(ctx, id)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("stake %s: %v", id, err))
			continue
		}
		if cents > 0 {
			stats.Accrued++
			stats.AccruedCents += cents
		}
	}
	return stats, nil
}

// ClaimRewards verifies ownership, marks every unclaimed reward claimed, and
// adds the total to the agent's pending payout counter. The money leaves the
// platform through the ordinary payout engine, not a separate transfer path.
func (e *Engine) ClaimRewards(ctx context.Context, stakeID uuid.UUID, proof Proof) (int64, error) {
	var stake models.Stake
	if err := e.db.WithContext(ctx).First(&stake, "id = ?", stakeID).Error; err != nil {
		return 0, err
	}
	if err := e.verifyProof(ctx, proof, stake.WalletAddress); err != nil {
		return 0, err
	}

	now := e.now().UTC()
	var claimedCents int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rewards []models.StakingReward
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stake_id = ? AND is_claimed = ?", stake.ID, false).
			Find(&rewards).Error; err != nil {
			return err
		}
		if len(rewards) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(rewards))
		for _, r := range rewards {
			claimedCents += r.AmountCents
			ids = append(ids, r.ID)
		}
		if err := tx.Model(&models.StakingReward{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"is_claimed": true, "claimed_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Stake{}).Where("id = ?", stake.ID).Updates(map[string]interface{}{
			"claimed_rewards_cents": gorm.Expr("claimed_rewards_cents + ?", claimedCents),
			"updated_at":            now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.StakingPool{}).Where("id = ?", stake.PoolID).Updates(map[string]interface{}{
			"total_rewards_paid_cents": gorm.Expr("total_rewards_paid_cents + ?", claimedCents),
			"updated_at":               now,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Agent{}).Where("id = ?", stake.AgentID).Updates(map[string]interface{}{
			"pending_payout_cents": gorm.Expr("pending_payout_cents + ?", claimedCents),
			"total_earned_cents":   gorm.Expr("total_earned_cents + ?", claimedCents),
			"updated_at":           now,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	if claimedCents > 0 {
		e.log.Info("staking rewards claimed",
			"stake_id", stake.ID.String(),
			"agent_id", stake.AgentID.String(),
			"amount_cents", claimedCents)
	}
	return claimedCents, nil
}
