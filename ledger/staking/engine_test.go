package staking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clipstudio/auth/walletsig"
	"clipstudio/ledger/models"
)

const testStakerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func setupStakingTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func stakerWallet(t *testing.T) string {
	t.Helper()
	key, err := ethcrypto.HexToECDSA(testStakerKey)
	if err != nil {
		t.Fatalf("load test key: %v", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

func createPool(t *testing.T, db *gorm.DB, apyBps int64, minDuration time.Duration) models.StakingPool {
	t.Helper()
	now := time.Now().UTC()
	pool := models.StakingPool{
		ID:                   uuid.New(),
		Name:                 "pool-" + uuid.NewString()[:8],
		MinStakeCents:        1000,
		MinStakeDurationSecs: int64(minDuration.Seconds()),
		APYBasisPoints:       apyBps,
		IsActive:             true,
		IsDefault:            true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := db.Create(&pool).Error; err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return pool
}

func createStakingAgent(t *testing.T, db *gorm.DB) models.Agent {
	t.Helper()
	now := time.Now().UTC()
	agent := models.Agent{ID: uuid.New(), Name: "staker-" + uuid.NewString()[:8], CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&agent).Error; err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent
}

// makeProof issues a fresh nonce and signs an ownership message with the test
// key, the way a wallet client would.
func makeProof(t *testing.T, sig *walletsig.Verifier, wallet string, now time.Time, operation string) Proof {
	t.Helper()
	nonce, err := sig.IssueNonce(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	msg := walletsig.Message{
		Domain:        "clipstudio",
		SubjectType:   "stake",
		SubjectID:     uuid.NewString(),
		WalletAddress: wallet,
		Nonce:         nonce,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(5 * time.Minute).Unix(),
		ChainID:       8453,
		Operation:     operation,
	}
	signature, err := walletsig.Sign(msg, testStakerKey)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	return Proof{Message: msg, Signature: signature}
}

func newTestEngine(db *gorm.DB, now *time.Time) (*Engine, *walletsig.Verifier) {
	clock := func() time.Time { return *now }
	sig := walletsig.NewVerifier(db, clock)
	engine := NewEngine(db, sig, WithClock(clock), WithRewardInterval(time.Minute))
	return engine, sig
}

func TestStakeCreatesTimeLockedDeposit(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	pool := createPool(t, db, 500, 7*24*time.Hour)
	agent := createStakingAgent(t, db)

	stake, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		PoolID:      pool.ID,
		AmountCents: 100_000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if got, want := stake.CanUnstakeAt, now.Add(7*24*time.Hour); !got.Equal(want) {
		t.Fatalf("CanUnstakeAt = %s, want %s", got, want)
	}
	if stake.Status != models.StakeStatusActive {
		t.Fatalf("status = %s", stake.Status)
	}

	var reloadedPool models.StakingPool
	if err := db.First(&reloadedPool, "id = ?", pool.ID).Error; err != nil {
		t.Fatalf("reload pool: %v", err)
	}
	if reloadedPool.TotalStakedCents != 100_000 || reloadedPool.StakeCount != 1 {
		t.Fatalf("pool totals = %d/%d", reloadedPool.TotalStakedCents, reloadedPool.StakeCount)
	}
}

func TestStakeRejectsBelowMinimumAndCapacity(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC()
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	pool := createPool(t, db, 500, time.Hour)
	pool.MaxTotalStakedCents = 50_000
	if err := db.Save(&pool).Error; err != nil {
		t.Fatalf("update pool: %v", err)
	}
	agent := createStakingAgent(t, db)

	_, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		PoolID:      pool.ID,
		AmountCents: 500,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}

	_, err = engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		PoolID:      pool.ID,
		AmountCents: 60_000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if !errors.Is(err, ErrPoolAtCapacity) {
		t.Fatalf("expected ErrPoolAtCapacity, got %v", err)
	}
}

func TestStakeRejectsReplayedNonce(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC()
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	createPool(t, db, 500, time.Hour)
	agent := createStakingAgent(t, db)

	proof := makeProof(t, sig, wallet, now, "stake")
	if _, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 5_000,
		Proof:       proof,
	}); err != nil {
		t.Fatalf("first stake: %v", err)
	}
	_, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 5_000,
		Proof:       proof,
	})
	if !errors.Is(err, walletsig.ErrNonceUnknown) {
		t.Fatalf("expected nonce replay rejection, got %v", err)
	}
}

func TestUnstakeEnforcesTimeLock(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	pool := createPool(t, db, 500, 24*time.Hour)
	agent := createStakingAgent(t, db)

	stake, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 50_000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}

	now = now.Add(time.Hour)
	_, err = engine.Unstake(context.Background(), stake.ID, makeProof(t, sig, wallet, now, "unstake"))
	var timeLock *TimeLockError
	if !errors.As(err, &timeLock) {
		t.Fatalf("expected TimeLockError, got %v", err)
	}
	if want := int64((23 * time.Hour).Seconds()); timeLock.RemainingSeconds != want {
		t.Fatalf("remaining = %d, want %d", timeLock.RemainingSeconds, want)
	}

	now = now.Add(24 * time.Hour)
	updated, err := engine.Unstake(context.Background(), stake.ID, makeProof(t, sig, wallet, now, "unstake"))
	if err != nil {
		t.Fatalf("unstake after lock: %v", err)
	}
	if updated.Status != models.StakeStatusUnstaked || updated.UnstakedAt == nil {
		t.Fatalf("stake not terminal: %s", updated.Status)
	}

	var reloadedPool models.StakingPool
	if err := db.First(&reloadedPool, "id = ?", pool.ID).Error; err != nil {
		t.Fatalf("reload pool: %v", err)
	}
	if reloadedPool.TotalStakedCents != 0 || reloadedPool.StakeCount != 0 {
		t.Fatalf("pool totals after unstake = %d/%d", reloadedPool.TotalStakedCents, reloadedPool.StakeCount)
	}

	// A second unstake with a fresh proof finds a terminal stake.
	_, err = engine.Unstake(context.Background(), stake.ID, makeProof(t, sig, wallet, now, "unstake"))
	if !errors.Is(err, ErrStakeNotActive) {
		t.Fatalf("expected ErrStakeNotActive, got %v", err)
	}
}

func TestUnstakeRejectsForeignWallet(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC()
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	createPool(t, db, 500, 0)
	agent := createStakingAgent(t, db)

	stake, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 5_000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}

	// Rewrite the stake's wallet so the valid proof no longer matches it.
	other := "0x9999999999999999999999999999999999999999"
	if err := db.Model(&models.Stake{}).Where("id = ?", stake.ID).
		Update("wallet_address", other).Error; err != nil {
		t.Fatalf("update stake wallet: %v", err)
	}
	_, err = engine.Unstake(context.Background(), stake.ID, makeProof(t, sig, wallet, now, "unstake"))
	if !errors.Is(err, ErrNotStakeOwner) {
		t.Fatalf("expected ErrNotStakeOwner, got %v", err)
	}
}

func TestRewardAccrualMatchesAPY(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	createPool(t, db, 500, 0)
	agent := createStakingAgent(t, db)

	stake, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 100_000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}

	// One full year at 5% APY on $1000 yields exactly $50.
	now = now.Add(365 * 24 * time.Hour)
	cents, err := engine.CalculateRewards(context.Background(), stake.ID)
	if err != nil {
		t.Fatalf("calculate rewards: %v", err)
	}
	if cents != 5000 {
		t.Fatalf("reward = %d cents, want 5000", cents)
	}

	var reward models.StakingReward
	if err := db.First(&reward, "stake_id = ?", stake.ID).Error; err != nil {
		t.Fatalf("load reward: %v", err)
	}
	if !reward.PeriodStart.Equal(stake.LastRewardCalcAt) || !reward.PeriodEnd.Equal(now) {
		t.Fatalf("reward period %s..%s not anchored to watermark", reward.PeriodStart, reward.PeriodEnd)
	}
}

func TestRewardPeriodsAreContiguous(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	createPool(t, db, 500, 0)
	agent := createStakingAgent(t, db)

	stake, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 100_000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}

	now = now.Add(30 * 24 * time.Hour)
	if _, err := engine.CalculateRewards(context.Background(), stake.ID); err != nil {
		t.Fatalf("first accrual: %v", err)
	}
	now = now.Add(30 * 24 * time.Hour)
	if _, err := engine.CalculateRewards(context.Background(), stake.ID); err != nil {
		t.Fatalf("second accrual: %v", err)
	}

	var rewards []models.StakingReward
	if err := db.Order("period_start ASC").Find(&rewards, "stake_id = ?", stake.ID).Error; err != nil {
		t.Fatalf("load rewards: %v", err)
	}
	if len(rewards) != 2 {
		t.Fatalf("reward rows = %d, want 2", len(rewards))
	}
	if !rewards[1].PeriodStart.Equal(rewards[0].PeriodEnd) {
		t.Fatalf("periods not contiguous: %s then %s", rewards[0].PeriodEnd, rewards[1].PeriodStart)
	}
}

func TestSubCentWindowKeepsWatermark(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	createPool(t, db, 500, 0)
	agent := createStakingAgent(t, db)

	stake, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 1000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	stakedAt := stake.LastRewardCalcAt

	// Two minutes at 5% APY on $10 rounds to zero cents.
	now = now.Add(2 * time.Minute)
	cents, err := engine.CalculateRewards(context.Background(), stake.ID)
	if err != nil {
		t.Fatalf("calculate rewards: %v", err)
	}
	if cents != 0 {
		t.Fatalf("reward = %d, want 0", cents)
	}

	var reloaded models.Stake
	if err := db.First(&reloaded, "id = ?", stake.ID).Error; err != nil {
		t.Fatalf("reload stake: %v", err)
	}
	if !reloaded.LastRewardCalcAt.Equal(stakedAt) {
		t.Fatalf("watermark advanced on zero reward")
	}
}

func TestClaimRewardsMovesCentsToAgent(t *testing.T) {
	db := setupStakingTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	engine, sig := newTestEngine(db, &now)
	wallet := stakerWallet(t)
	pool := createPool(t, db, 500, 0)
	agent := createStakingAgent(t, db)

	stake, err := engine.Stake(context.Background(), StakeRequest{
		AgentID:     agent.ID,
		AmountCents: 100_000,
		Proof:       makeProof(t, sig, wallet, now, "stake"),
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}

	now = now.Add(365 * 24 * time.Hour)
	if _, err := engine.CalculateRewards(context.Background(), stake.ID); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	claimed, err := engine.ClaimRewards(context.Background(), stake.ID, makeProof(t, sig, wallet, now, "claim"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 5000 {
		t.Fatalf("claimed = %d, want 5000", claimed)
	}

	var reloadedAgent models.Agent
	if err := db.First(&reloadedAgent, "id = ?", agent.ID).Error; err != nil {
		t.Fatalf("reload agent: %v", err)
	}
	if reloadedAgent.PendingPayoutCents != 5000 || reloadedAgent.TotalEarnedCents != 5000 {
		t.Fatalf("agent counters = %d/%d", reloadedAgent.PendingPayoutCents, reloadedAgent.TotalEarnedCents)
	}

	var reloadedPool models.StakingPool
	if err := db.First(&reloadedPool, "id = ?", pool.ID).Error; err != nil {
		t.Fatalf("reload pool: %v", err)
	}
	if reloadedPool.TotalRewardsPaidCents != 5000 {
		t.Fatalf("pool rewards paid = %d", reloadedPool.TotalRewardsPaidCents)
	}

	// Re-claiming finds nothing unclaimed.
	again, err := engine.ClaimRewards(context.Background(), stake.ID, makeProof(t, sig, wallet, now, "claim"))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != 0 {
		t.Fatalf("second claim returned %d cents", again)
	}
}
