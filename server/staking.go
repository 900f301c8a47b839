package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clipstudio/auth/walletsig"
	"clipstudio/ledger/models"
	"clipstudio/ledger/staking"
	"clipstudio/ledger/unclaimed"
)

type proofRequest struct {
	Message   walletsig.Message `json:"message"`
	Signature string            `json:"signature"`
}

func (p proofRequest) toProof() staking.Proof {
	return staking.Proof{Message: p.Message, Signature: p.Signature}
}

func (s *Server) handleIssueNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := s.signatures.IssueNonce(r.Context(), 5*time.Minute)
	if err != nil {
		s.log.Error("issue nonce failed", "err", err)
		respondError(w, http.StatusInternalServerError, "nonce could not be issued")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	var pools []models.StakingPool
	if err := s.db.WithContext(r.Context()).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&pools).Error; err != nil {
		s.log.Error("list pools failed", "err", err)
		respondError(w, http.StatusInternalServerError, "pools unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

type stakeRequest struct {
	AgentID     uuid.UUID    `json:"agent_id"`
	PoolID      uuid.UUID    `json:"pool_id"`
	AmountCents int64        `json:"amount_cents"`
	Proof       proofRequest `json:"proof"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stake, err := s.staking.Stake(r.Context(), staking.StakeRequest{
		AgentID:     req.AgentID,
		PoolID:      req.PoolID,
		AmountCents: req.AmountCents,
		Proof:       req.Proof.toProof(),
	})
	if err != nil {
		s.respondStakingError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, stake)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	stakeID, err := uuid.Parse(chi.URLParam(r, "stakeID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid stake id")
		return
	}
	var req proofRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stake, err := s.staking.Unstake(r.Context(), stakeID, req.toProof())
	if err != nil {
		s.respondStakingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stake)
}

func (s *Server) handleStakeRewards(w http.ResponseWriter, r *http.Request) {
	stakeID, err := uuid.Parse(chi.URLParam(r, "stakeID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid stake id")
		return
	}
	cents, err := s.staking.CalculateRewards(r.Context(), stakeID)
	if err != nil {
		s.respondStakingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stake_id":      stakeID,
		"accrued_cents": cents,
	})
}

func (s *Server) handleClaimRewards(w http.ResponseWriter, r *http.Request) {
	stakeID, err := uuid.Parse(chi.URLParam(r, "stakeID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid stake id")
		return
	}
	var req proofRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cents, err := s.staking.ClaimRewards(r.Context(), stakeID, req.toProof())
	if err != nil {
		s.respondStakingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stake_id":      stakeID,
		"claimed_cents": cents,
	})
}

type creatorClaimRequest struct {
	WalletAddress string       `json:"wallet_address"`
	Proof         proofRequest `json:"proof"`
}

// handleClaimCreatorFunds links a creator wallet and converts that agent's
// escrowed creator funds into pending payouts. The wallet proof must be
// signed by the wallet being linked.
func (s *Server) handleClaimCreatorFunds(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var req creatorClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.signatures.Verify(r.Context(), req.Proof.Message, req.Proof.Signature)
	if err != nil {
		s.respondStakingError(w, err)
		return
	}
	if !result.Valid {
		respondError(w, http.StatusForbidden, "wallet ownership proof rejected")
		return
	}
	// The proven wallet must be the wallet being linked.
	if !strings.EqualFold(req.Proof.Message.WalletAddress, req.WalletAddress) {
		respondError(w, http.StatusForbidden, "proof does not cover wallet being linked")
		return
	}
	claim, err := s.unclaimed.ClaimCreatorFunds(r.Context(), agentID, req.WalletAddress)
	if err != nil {
		if errors.Is(err, unclaimed.ErrInvalidWallet) {
			respondError(w, http.StatusBadRequest, "invalid wallet address")
			return
		}
		s.log.Error("creator claim failed", "agent_id", agentID, "err", err)
		respondError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	respondJSON(w, http.StatusOK, claim)
}

func (s *Server) respondStakingError(w http.ResponseWriter, err error) {
	var timeLock *staking.TimeLockError
	switch {
	case errors.As(err, &timeLock):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":             "time-lock active",
			"remaining_seconds": timeLock.RemainingSeconds,
		})
	case errors.Is(err, staking.ErrPoolInactive),
		errors.Is(err, staking.ErrPoolAtCapacity),
		errors.Is(err, staking.ErrBelowMinimum),
		errors.Is(err, staking.ErrStakeNotActive):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, staking.ErrNotStakeOwner),
		errors.Is(err, walletsig.ErrSignatureMismatch):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, walletsig.ErrNonceUnknown),
		errors.Is(err, walletsig.ErrNonceExpired),
		errors.Is(err, walletsig.ErrMessageExpired):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "not found")
	default:
		s.log.Error("staking operation failed", "err", err)
		respondError(w, http.StatusInternalServerError, "operation failed")
	}
}
