package server

import (
	"net/http"
)

// The internal cron routes run one bounded batch per call and answer with
// the run's stats so the scheduler can alert on failure counts.

func (s *Server) handleCronPayouts(w http.ResponseWriter, r *http.Request) {
	stats, err := s.payouts.ProcessPayouts(r.Context())
	if err != nil {
		s.log.Error("payout run failed", "err", err)
		respondError(w, http.StatusInternalServerError, "payout run failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCronResetStuck(w http.ResponseWriter, r *http.Request) {
	reset, err := s.payouts.ResetStuckPayouts(r.Context(), s.stuckThreshold)
	if err != nil {
		s.log.Error("reset stuck payouts failed", "err", err)
		respondError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"reset": reset})
}

func (s *Server) handleCronRefunds(w http.ResponseWriter, r *http.Request) {
	stats, err := s.refunds.ProcessRefunds(r.Context())
	if err != nil {
		s.log.Error("refund run failed", "err", err)
		respondError(w, http.StatusInternalServerError, "refund run failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCronRewards(w http.ResponseWriter, r *http.Request) {
	stats, err := s.staking.AccrueAll(r.Context())
	if err != nil {
		s.log.Error("reward accrual failed", "err", err)
		respondError(w, http.StatusInternalServerError, "reward accrual failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCronSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := s.unclaimed.SweepExpired(r.Context(), 100)
	if err != nil {
		s.log.Error("sweep run failed", "err", err)
		respondError(w, http.StatusInternalServerError, "sweep run failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
