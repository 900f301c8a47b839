package walletsig

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

	"clipstudio/ledger/models"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func setupSigTestDB(t *testing.T) *gorm.DB {
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

func testWallet(t *testing.T) string {
	t.Helper()
	key, err := ethcrypto.HexToECDSA(testKey)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

func testMessage(wallet, nonce string, now time.Time) Message {
	return Message{
		Domain:        "clipstudio",
		SubjectType:   "agent",
		SubjectID:     uuid.NewString(),
		WalletAddress: wallet,
		Nonce:         nonce,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(5 * time.Minute).Unix(),
		ChainID:       8453,
	}
}

func TestVerifyAcceptsOwnerSignature(t *testing.T) {
	db := setupSigTestDB(t)
	now := time.Now().UTC()
	verifier := NewVerifier(db, func() time.Time { return now })

	nonce, err := verifier.IssueNonce(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	msg := testMessage(testWallet(t), nonce, now)
	signature, err := Sign(msg, testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	result, err := verifier.Verify(context.Background(), msg, signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("valid signature rejected: %s", result.Error)
	}
}

func TestVerifyRejectsNonceReplay(t *testing.T) {
	db := setupSigTestDB(t)
	now := time.Now().UTC()
	verifier := NewVerifier(db, func() time.Time { return now })

	nonce, err := verifier.IssueNonce(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	msg := testMessage(testWallet(t), nonce, now)
	signature, err := Sign(msg, testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), msg, signature); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	_, err = verifier.Verify(context.Background(), msg, signature)
	if !errors.Is(err, ErrNonceUnknown) {
		t.Fatalf("expected ErrNonceUnknown on replay, got %v", err)
	}
}

func TestVerifyRejectsExpiredNonce(t *testing.T) {
	db := setupSigTestDB(t)
	now := time.Now().UTC()
	verifier := NewVerifier(db, func() time.Time { return now })

	nonce, err := verifier.IssueNonce(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	now = now.Add(time.Minute)
	msg := testMessage(testWallet(t), nonce, now)
	signature, err := Sign(msg, testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = verifier.Verify(context.Background(), msg, signature)
	if !errors.Is(err, ErrNonceExpired) {
		t.Fatalf("expected ErrNonceExpired, got %v", err)
	}
}

func TestVerifyRejectsWrongWallet(t *testing.T) {
	db := setupSigTestDB(t)
	now := time.Now().UTC()
	verifier := NewVerifier(db, func() time.Time { return now })

	nonce, err := verifier.IssueNonce(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	// Message claims a wallet the key does not control.
	msg := testMessage("0x9999999999999999999999999999999999999999", nonce, now)
	signature, err := Sign(msg, testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = verifier.Verify(context.Background(), msg, signature)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyRejectsExpiredMessage(t *testing.T) {
	db := setupSigTestDB(t)
	now := time.Now().UTC()
	verifier := NewVerifier(db, func() time.Time { return now })

	nonce, err := verifier.IssueNonce(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	msg := testMessage(testWallet(t), nonce, now.Add(-time.Hour))
	signature, err := Sign(msg, testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = verifier.Verify(context.Background(), msg, signature)
	if !errors.Is(err, ErrMessageExpired) {
		t.Fatalf("expected ErrMessageExpired, got %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	db := setupSigTestDB(t)
	now := time.Now().UTC()
	verifier := NewVerifier(db, func() time.Time { return now })

	nonce, err := verifier.IssueNonce(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	msg := testMessage(testWallet(t), nonce, now)
	signature, err := Sign(msg, testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	msg.SubjectID = uuid.NewString()
	_, err = verifier.Verify(context.Background(), msg, signature)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch for tampered message, got %v", err)
	}
}
