package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"clipstudio/ledger/models"
	"clipstudio/ledger/payout"
	"clipstudio/ledger/tips"
	"clipstudio/observability"
	"clipstudio/payments/x402"
)

const paymentHeader = "X-PAYMENT"
const paymentResponseHeader = "X-PAYMENT-RESPONSE"

type voteRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
}

type voteResponse struct {
	VoteID        uuid.UUID `json:"vote_id"`
	ClipID        uuid.UUID `json:"clip_id"`
	AmountCents   int64     `json:"amount_cents"`
	Settled       bool      `json:"settled"`
	TxHash        string    `json:"tx_hash,omitempty"`
	CreatorEscrow bool      `json:"creator_escrow,omitempty"`
}

type paymentRequiredResponse struct {
	X402Version int                 `json:"x402Version"`
	Error       string              `json:"error"`
	Accepts     []x402.Requirements `json:"accepts"`
}

// handleClipVote charges one vote through the x402 flow: without a valid
// payment proof the response is 402 plus the requirements; with one the vote
// and its payout obligations are recorded, then settlement is attempted.
// A settlement failure after the vote is recorded is reported, not rolled
// back; the reconciliation sweep picks it up.
func (s *Server) handleClipVote(w http.ResponseWriter, r *http.Request) {
	clipID, err := uuid.Parse(chi.URLParam(r, "clipID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid clip id")
		return
	}
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	resource := resourceURL(r)
	description := fmt.Sprintf("vote for clip %s", clipID)
	result, err := s.payments.VerifyTipPayment(r.Context(), r.Header.Get(paymentHeader), resource, s.voteAmountCents, description)
	if err != nil {
		s.log.Error("payment verification unavailable", "clip_id", clipID, "err", err)
		respondError(w, http.StatusBadGateway, "payment verification unavailable")
		return
	}
	if !result.Verified {
		observability.Ledger().RecordPayment("rejected")
		respondJSON(w, http.StatusPaymentRequired, paymentRequiredResponse{
			X402Version: 1,
			Error:       result.InvalidReason,
			Accepts:     []x402.Requirements{result.Requirements},
		})
		return
	}

	receipt, err := s.tips.RecordConfirmedTip(r.Context(), tips.TipRequest{
		ClipID:        clipID,
		SourceAgentID: req.AgentID,
		PayerAddress:  result.Payer,
		GrossCents:    s.voteAmountCents,
	})
	if err != nil {
		switch {
		case errors.Is(err, payout.ErrAgentNotFound):
			respondError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, payout.ErrAgentWalletMissing):
			respondError(w, http.StatusConflict, "agent wallet not configured")
		default:
			s.log.Error("record vote failed", "clip_id", clipID, "err", err)
			respondError(w, http.StatusInternalServerError, "vote could not be recorded")
		}
		return
	}

	resp := voteResponse{
		VoteID:      receipt.VoteID,
		ClipID:      clipID,
		AmountCents: s.voteAmountCents,
	}
	if receipt.Result != nil {
		resp.CreatorEscrow = receipt.Result.CreatorEscrow
	}

	settle, err := s.payments.Settle(r.Context(), *result.Payload, result.Requirements)
	if err != nil || !settle.Success {
		reason := settle.Error
		if err != nil {
			reason = err.Error()
		}
		observability.Ledger().RecordPayment("settle_failed")
		s.log.Error("settlement failed after vote recorded",
			"vote_id", receipt.VoteID,
			"clip_id", clipID,
			"reason", reason,
		)
		respondJSON(w, http.StatusCreated, resp)
		return
	}

	resp.Settled = true
	resp.TxHash = settle.TransactionHash
	if err := s.db.WithContext(r.Context()).Model(&models.ClipVote{}).
		Where("id = ?", receipt.VoteID).
		Update("tx_hash", settle.TransactionHash).Error; err != nil {
		s.log.Error("persist settlement hash failed", "vote_id", receipt.VoteID, "err", err)
	}
	if encoded, err := json.Marshal(settle); err == nil {
		w.Header().Set(paymentResponseHeader, base64.StdEncoding.EncodeToString(encoded))
	}
	respondJSON(w, http.StatusCreated, resp)
}

func resourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}
