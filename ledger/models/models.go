package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus tracks the lifecycle of a verified on-chain tip payment.
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusConfirmed     PaymentStatus = "confirmed"
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	PaymentStatusRefunded      PaymentStatus = "refunded"
)

// PayoutStatus tracks a payout obligation through execution.
type PayoutStatus string

const (
	PayoutStatusPending           PayoutStatus = "pending"
	PayoutStatusProcessing        PayoutStatus = "processing"
	PayoutStatusCompleted         PayoutStatus = "completed"
	PayoutStatusFailed            PayoutStatus = "failed"
	PayoutStatusPermanentlyFailed PayoutStatus = "permanently_failed"
)

// RefundStatus tracks a refund obligation through execution.
type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusCompleted  RefundStatus = "completed"
	RefundStatusFailed     RefundStatus = "failed"
)

// RecipientType identifies who a payout share is owed to.
type RecipientType string

const (
	RecipientCreator  RecipientType = "creator"
	RecipientAgent    RecipientType = "agent"
	RecipientPlatform RecipientType = "platform"
)

// StakeStatus tracks a stake deposit.
type StakeStatus string

const (
	StakeStatusActive   StakeStatus = "active"
	StakeStatusUnstaked StakeStatus = "unstaked"
)

// Agent is the ledger view of a studio agent: wallets and running earnings
// counters. Counters are mutated only inside the same transaction as the
// payout rows that justify them.
type Agent struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name               string    `gorm:"size:128;uniqueIndex"`
	WalletAddress      string    `gorm:"size:64;index"`
	CreatorWallet      string    `gorm:"size:64"`
	PendingPayoutCents int64     `gorm:"not null;default:0"`
	TotalEarnedCents   int64     `gorm:"not null;default:0"`
	TotalPaidCents     int64     `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ClipVote records one verified, on-chain-settled tip payment attached to a
// clip vote. Rows are never deleted; only the payout and refund engines move
// the status.
type ClipVote struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ClipID        uuid.UUID     `gorm:"type:uuid;index"`
	SourceAgentID uuid.UUID     `gorm:"type:uuid;index"`
	PayerAddress  string        `gorm:"size:64;index"`
	GrossCents    int64         `gorm:"not null"`
	TxHash        string        `gorm:"size:80;index"`
	PaymentStatus PaymentStatus `gorm:"size:24;index;default:'pending'"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payout is one obligation to move platform-held funds to one recipient.
type Payout struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	RecipientType    RecipientType `gorm:"size:16;index"`
	WalletAddress    string        `gorm:"size:64;index"`
	SourceAgentID    uuid.UUID     `gorm:"type:uuid;index"`
	RecipientAgentID *uuid.UUID    `gorm:"type:uuid;index"`
	ClipVoteID       *uuid.UUID    `gorm:"type:uuid;index"`
	AmountCents      int64         `gorm:"not null"`
	SplitPercent     float64       `gorm:"not null"`
	Status           PayoutStatus  `gorm:"size:24;index;default:'pending'"`
	TxHash           string        `gorm:"size:80"`
	ErrorMessage     string        `gorm:"type:text"`
	RetryCount       int           `gorm:"not null;default:0"`
	CreatedAt        time.Time     `gorm:"index"`
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Refund is one obligation to return a tip to its payer out of the platform
// treasury.
type Refund struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	ClipVoteID     uuid.UUID    `gorm:"type:uuid;index"`
	PayerAddress   string       `gorm:"size:64"`
	AmountCents    int64        `gorm:"not null"`
	OriginalTxHash string       `gorm:"size:80"`
	Reason         string       `gorm:"type:text"`
	Status         RefundStatus `gorm:"size:24;index;default:'pending'"`
	TxHash         string       `gorm:"size:80"`
	ErrorMessage   string       `gorm:"type:text"`
	RetryCount     int          `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// UnclaimedFund escrows a payout share whose destination wallet is not yet
// known. A row is in at most one of the unclaimed/claimed/swept states.
type UnclaimedFund struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey"`
	SourceAgentID     uuid.UUID     `gorm:"type:uuid;index"`
	RecipientType     RecipientType `gorm:"size:16;index"`
	ClipVoteID        *uuid.UUID    `gorm:"type:uuid;index"`
	AmountCents       int64         `gorm:"not null"`
	SplitPercent      float64       `gorm:"not null"`
	Reason            string        `gorm:"type:text"`
	ExpiresAt         time.Time     `gorm:"index"`
	ClaimedAt         *time.Time
	SweptToTreasuryAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StakingPool holds pool-level staking configuration and running totals.
type StakingPool struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                  string    `gorm:"size:128;uniqueIndex"`
	MinStakeCents         int64     `gorm:"not null"`
	MinStakeDurationSecs  int64     `gorm:"not null"`
	APYBasisPoints        int64     `gorm:"not null"`
	MaxTotalStakedCents   int64     `gorm:"not null;default:0"`
	TotalStakedCents      int64     `gorm:"not null;default:0"`
	StakeCount            int64     `gorm:"not null;default:0"`
	TotalRewardsPaidCents int64     `gorm:"not null;default:0"`
	IsActive              bool      `gorm:"not null;default:true"`
	IsDefault             bool      `gorm:"not null;default:false;index"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Stake is one agent's deposit into a pool. CanUnstakeAt is immutable once
// written.
type Stake struct {
	ID                  uuid.UUID   `gorm:"type:uuid;primaryKey"`
	PoolID              uuid.UUID   `gorm:"type:uuid;index"`
	AgentID             uuid.UUID   `gorm:"type:uuid;index"`
	WalletAddress       string      `gorm:"size:64"`
	AmountCents         int64       `gorm:"not null"`
	Status              StakeStatus `gorm:"size:16;index;default:'active'"`
	StakedAt            time.Time
	CanUnstakeAt        time.Time `gorm:"index"`
	UnstakedAt          *time.Time
	EarnedRewardsCents  int64     `gorm:"not null;default:0"`
	ClaimedRewardsCents int64     `gorm:"not null;default:0"`
	LastRewardCalcAt    time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StakingReward is one accrual event. Periods for a given stake are
// contiguous and non-overlapping.
type StakingReward struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	StakeID     uuid.UUID `gorm:"type:uuid;index"`
	AmountCents int64     `gorm:"not null"`
	PeriodStart time.Time
	PeriodEnd   time.Time
	IsClaimed   bool `gorm:"not null;default:false;index"`
	ClaimedAt   *time.Time
	CreatedAt   time.Time
}

// SignatureNonce stores single-use nonces for wallet-ownership proofs.
type SignatureNonce struct {
	Nonce     string    `gorm:"primaryKey;size:64"`
	ExpiresAt time.Time `gorm:"index"`
	UsedAt    *time.Time
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agent{},
		&ClipVote{},
		&Payout{},
		&Refund{},
		&UnclaimedFund{},
		&StakingPool{},
		&Stake{},
		&StakingReward{},
		&SignatureNonce{},
	)
}
