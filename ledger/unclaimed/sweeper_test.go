package unclaimed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clipstudio/ledger/models"
)

const (
	testCreator  = "0x2222222222222222222222222222222222222222"
	testTreasury = "0x3333333333333333333333333333333333333333"
)

func setupSweeperTestDB(t *testing.T) *gorm.DB {
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

func createEscrow(t *testing.T, db *gorm.DB, agentID uuid.UUID, cents int64, expiresAt time.Time) models.UnclaimedFund {
	t.Helper()
	now := time.Now().UTC()
	voteID := uuid.New()
	fund := models.UnclaimedFund{
		ID:            uuid.New(),
		SourceAgentID: agentID,
		RecipientType: models.RecipientCreator,
		ClipVoteID:    &voteID,
		AmountCents:   cents,
		SplitPercent:  80,
		Reason:        "creator wallet not linked",
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.Create(&fund).Error; err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return fund
}

func TestClaimCreatorFundsConvertsEscrow(t *testing.T) {
	db := setupSweeperTestDB(t)
	agentID := uuid.New()
	future := time.Now().UTC().Add(24 * time.Hour)
	createEscrow(t, db, agentID, 800, future)
	createEscrow(t, db, agentID, 240, future)
	createEscrow(t, db, uuid.New(), 999, future) // another agent's escrow

	sweeper := NewSweeper(db, testTreasury, nil)
	result, err := sweeper.ClaimCreatorFunds(context.Background(), agentID, testCreator)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.ClaimedCount != 2 || result.ClaimedCents != 1040 {
		t.Fatalf("claimed %d rows / %d cents, want 2 / 1040", result.ClaimedCount, result.ClaimedCents)
	}

	var payouts []models.Payout
	if err := db.Find(&payouts).Error; err != nil {
		t.Fatalf("load payouts: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payout rows = %d, want 2", len(payouts))
	}
	for _, row := range payouts {
		if row.WalletAddress != testCreator || row.Status != models.PayoutStatusPending {
			t.Fatalf("payout %s = %s/%s", row.ID, row.WalletAddress, row.Status)
		}
	}

	// Claiming again finds nothing: the rows now carry claimed_at.
	again, err := sweeper.ClaimCreatorFunds(context.Background(), agentID, testCreator)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again.ClaimedCount != 0 {
		t.Fatalf("second claim converted %d rows", again.ClaimedCount)
	}
	var count int64
	if err := db.Model(&models.Payout{}).Count(&count).Error; err != nil {
		t.Fatalf("count payouts: %v", err)
	}
	if count != 2 {
		t.Fatalf("payout rows after re-claim = %d, want 2", count)
	}
}

func TestClaimCreatorFundsRejectsMalformedWallet(t *testing.T) {
	db := setupSweeperTestDB(t)
	sweeper := NewSweeper(db, testTreasury, nil)
	_, err := sweeper.ClaimCreatorFunds(context.Background(), uuid.New(), "nope")
	if !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet, got %v", err)
	}
}

func TestClaimCreatorFundsSkipsExpired(t *testing.T) {
	db := setupSweeperTestDB(t)
	agentID := uuid.New()
	createEscrow(t, db, agentID, 500, time.Now().UTC().Add(-time.Hour))

	sweeper := NewSweeper(db, testTreasury, nil)
	result, err := sweeper.ClaimCreatorFunds(context.Background(), agentID, testCreator)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.ClaimedCount != 0 {
		t.Fatalf("expired escrow was claimed")
	}
}

func TestSweepExpiredIgnoresLiveAndClaimedRows(t *testing.T) {
	db := setupSweeperTestDB(t)
	agentID := uuid.New()
	now := time.Now().UTC()

	expired := createEscrow(t, db, agentID, 300, now.Add(-time.Minute))
	live := createEscrow(t, db, agentID, 400, now.Add(time.Hour))
	claimed := createEscrow(t, db, agentID, 500, now.Add(-time.Minute))
	if err := db.Model(&models.UnclaimedFund{}).Where("id = ?", claimed.ID).
		Update("claimed_at", now.Add(-time.Second)).Error; err != nil {
		t.Fatalf("mark claimed: %v", err)
	}

	sweeper := NewSweeper(db, testTreasury, nil)
	stats, err := sweeper.SweepExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Swept != 1 || stats.SweptCents != 300 {
		t.Fatalf("swept %d rows / %d cents, want 1 / 300", stats.Swept, stats.SweptCents)
	}

	var sweptRow models.UnclaimedFund
	if err := db.First(&sweptRow, "id = ?", expired.ID).Error; err != nil {
		t.Fatalf("reload expired: %v", err)
	}
	if sweptRow.SweptToTreasuryAt == nil {
		t.Fatalf("expired escrow not marked swept")
	}
	var liveRow models.UnclaimedFund
	if err := db.First(&liveRow, "id = ?", live.ID).Error; err != nil {
		t.Fatalf("reload live: %v", err)
	}
	if liveRow.SweptToTreasuryAt != nil {
		t.Fatalf("live escrow was swept early")
	}

	// Idempotent: a second sweep moves nothing.
	again, err := sweeper.SweepExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Swept != 0 {
		t.Fatalf("second sweep re-swept %d rows", again.Swept)
	}
}
