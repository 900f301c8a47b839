// Package walletsig proves that a caller controls a wallet address. Requests
// carry a structured message and a recoverable secp256k1 signature over its
// digest; nonces are issued server-side, are single-use, and expire.
package walletsig

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clipstudio/ledger/models"
)

var (
	// ErrNonceUnknown indicates the nonce was never issued or already consumed.
	ErrNonceUnknown = errors.New("walletsig: unknown or used nonce")
	// ErrNonceExpired indicates the nonce expired before use.
	ErrNonceExpired = errors.New("walletsig: nonce expired")
	// ErrMessageExpired indicates the signed message window has elapsed.
	ErrMessageExpired = errors.New("walletsig: message expired")
	// ErrSignatureMismatch indicates the recovered signer does not match the claimed wallet.
	ErrSignatureMismatch = errors.New("walletsig: signature does not match wallet")
)

// Message is the structured payload a wallet owner signs.
type Message struct {
	Domain        string `json:"domain"`
	SubjectType   string `json:"subjectType"`
	SubjectID     string `json:"subjectId"`
	WalletAddress string `json:"walletAddress"`
	Nonce         string `json:"nonce"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
	ChainID       int64  `json:"chainId"`
	Operation     string `json:"operation,omitempty"`
}

// Hash produces the deterministic digest the wallet signs.
func (m Message) Hash() ([]byte, error) {
	if strings.TrimSpace(m.Domain) == "" {
		return nil, fmt.Errorf("walletsig: domain required")
	}
	if !common.IsHexAddress(m.WalletAddress) {
		return nil, fmt.Errorf("walletsig: invalid wallet address %q", m.WalletAddress)
	}
	if strings.TrimSpace(m.Nonce) == "" {
		return nil, fmt.Errorf("walletsig: nonce required")
	}
	payload := fmt.Sprintf("%s|subject=%s:%s|wallet=%s|nonce=%s|iat=%d|exp=%d|chain=%d|op=%s",
		m.Domain,
		m.SubjectType,
		m.SubjectID,
		strings.ToLower(m.WalletAddress),
		strings.ToLower(m.Nonce),
		m.IssuedAt,
		m.ExpiresAt,
		m.ChainID,
		m.Operation,
	)
	return ethcrypto.Keccak256([]byte(payload)), nil
}

// Result reports the outcome of a verification attempt.
type Result struct {
	Valid            bool
	RecoveredAddress string
	Error            string
}

// Verifier checks wallet-ownership proofs against the nonce store.
type Verifier struct {
	db  *gorm.DB
	now func() time.Time
}

// NewVerifier constructs a verifier backed by the provided database.
func NewVerifier(db *gorm.DB, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{db: db, now: now}
}

// IssueNonce mints a single-use nonce valid for ttl.
func (v *Verifier) IssueNonce(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := v.now().UTC()
	nonce := models.SignatureNonce{
		Nonce:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := v.db.WithContext(ctx).Create(&nonce).Error; err != nil {
		return "", fmt.Errorf("walletsig: issue nonce: %w", err)
	}
	return nonce.Nonce, nil
}

// Verify validates the signature over the message and consumes its nonce.
// Any doubt rejects; there is no soft-fail path.
func (v *Verifier) Verify(ctx context.Context, msg Message, signatureHex string) (Result, error) {
	now := v.now().UTC()
	if msg.ExpiresAt > 0 && now.Unix() > msg.ExpiresAt {
		return Result{Error: ErrMessageExpired.Error()}, ErrMessageExpired
	}
	hash, err := msg.Hash()
	if err != nil {
		return Result{Error: err.Error()}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x"))
	if err != nil || len(sig) != 65 {
		err = fmt.Errorf("walletsig: malformed signature")
		return Result{Error: err.Error()}, err
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		err = fmt.Errorf("walletsig: recover signer: %w", err)
		return Result{Error: err.Error()}, err
	}
	recovered := ethcrypto.PubkeyToAddress(*pub).Hex()
	if !strings.EqualFold(recovered, msg.WalletAddress) {
		return Result{RecoveredAddress: recovered, Error: ErrSignatureMismatch.Error()}, ErrSignatureMismatch
	}

	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var nonce models.SignatureNonce
		if err := tx.First(&nonce, "nonce = ?", strings.TrimSpace(msg.Nonce)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNonceUnknown
			}
			return err
		}
		if nonce.UsedAt != nil {
			return ErrNonceUnknown
		}
		if now.After(nonce.ExpiresAt) {
			return ErrNonceExpired
		}
		res := tx.Model(&models.SignatureNonce{}).
			Where("nonce = ? AND used_at IS NULL", nonce.Nonce).
			Update("used_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNonceUnknown
		}
		return nil
	})
	if err != nil {
		return Result{RecoveredAddress: recovered, Error: err.Error()}, err
	}
	return Result{Valid: true, RecoveredAddress: recovered}, nil
}

// Sign produces a signature for the message with the supplied private key.
// Intended for clients and tests.
func Sign(msg Message, privKeyHex string) (string, error) {
	hash, err := msg.Hash()
	if err != nil {
		return "", err
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x"))
	if err != nil {
		return "", fmt.Errorf("walletsig: load key: %w", err)
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("walletsig: sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}
