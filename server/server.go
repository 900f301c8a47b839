// Package server exposes the studio ledger over HTTP: paid clip votes,
// staking operations, creator fund claims, and the token-guarded internal
// processing routes driven by cron.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"clipstudio/auth/walletsig"
	"clipstudio/ledger/payout"
	"clipstudio/ledger/refund"
	"clipstudio/ledger/staking"
	"clipstudio/ledger/tips"
	"clipstudio/ledger/unclaimed"
	"clipstudio/payments/x402"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB              *gorm.DB
	Payments        *x402.Verifier
	Tips            *tips.Recorder
	Payouts         *payout.Engine
	Refunds         *refund.Engine
	Staking         *staking.Engine
	Unclaimed       *unclaimed.Sweeper
	Signatures      *walletsig.Verifier
	CronToken       string
	VoteAmountCents int64
	StuckThreshold  time.Duration
	Logger          *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db              *gorm.DB
	payments        *x402.Verifier
	tips            *tips.Recorder
	payouts         *payout.Engine
	refunds         *refund.Engine
	staking         *staking.Engine
	unclaimed       *unclaimed.Sweeper
	signatures      *walletsig.Verifier
	cronToken       string
	voteAmountCents int64
	stuckThreshold  time.Duration
	log             *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	if cfg.VoteAmountCents <= 0 {
		cfg.VoteAmountCents = 100
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:              cfg.DB,
		payments:        cfg.Payments,
		tips:            cfg.Tips,
		payouts:         cfg.Payouts,
		refunds:         cfg.Refunds,
		staking:         cfg.Staking,
		unclaimed:       cfg.Unclaimed,
		signatures:      cfg.Signatures,
		cronToken:       strings.TrimSpace(cfg.CronToken),
		voteAmountCents: cfg.VoteAmountCents,
		stuckThreshold:  cfg.StuckThreshold,
		log:             cfg.Logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/clips/{clipID}/votes", s.handleClipVote)
		api.Post("/auth/nonce", s.handleIssueNonce)
		api.Post("/agents/{agentID}/creator/claim", s.handleClaimCreatorFunds)

		api.Route("/staking", func(st chi.Router) {
			st.Get("/pools", s.handleListPools)
			st.Post("/stakes", s.handleStake)
			st.Get("/stakes/{stakeID}/rewards", s.handleStakeRewards)
			st.Post("/stakes/{stakeID}/unstake", s.handleUnstake)
			st.Post("/stakes/{stakeID}/claim", s.handleClaimRewards)
		})
	})

	r.Route("/internal/cron", func(cron chi.Router) {
		cron.Use(s.requireCronToken)
		cron.Post("/payouts", s.handleCronPayouts)
		cron.Post("/payouts/reset-stuck", s.handleCronResetStuck)
		cron.Post("/refunds", s.handleCronRefunds)
		cron.Post("/rewards", s.handleCronRewards)
		cron.Post("/sweep", s.handleCronSweep)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireCronToken enforces bearer authentication for internal routes.
func (s *Server) requireCronToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cronToken == "" {
			respondError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" || token != s.cronToken {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
