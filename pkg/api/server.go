// Package api serves refresh results as read-only JSON over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hed1ad/tokenwise/pkg/observability"
	"github.com/hed1ad/tokenwise/pkg/refresh"
	"github.com/hed1ad/tokenwise/pkg/store"
	"github.com/hed1ad/tokenwise/pkg/summary"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

// Results is the read side of a refresh loop.
type Results interface {
	Latest() (*refresh.Result, error)
	ScoreWallet(ctx context.Context, wallet string) ([]txn.Scored, error)
}

// Server holds the HTTP handlers.
type Server struct {
	results        Results
	metrics        *observability.Metrics
	logger         *slog.Logger
	whaleThreshold float64
}

// New creates a Server. metrics may be nil, in which case /metrics is not mounted.
func New(results Results, metrics *observability.Metrics, whaleThreshold float64, logger *slog.Logger) *Server {
	return &Server{
		results:        results,
		metrics:        metrics,
		logger:         logger.With("component", "api"),
		whaleThreshold: whaleThreshold,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger))

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/summary", s.summary)
		r.Get("/whales", s.whales)
		r.Get("/wallets/{wallet}/anomalies", s.anomalies)
		r.Get("/wallets/{wallet}/history", s.history)
	})

	return r
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	CycleID   string    `json:"cycle_id,omitempty"`
	LastCycle time.Time `json:"last_cycle,omitzero"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if res, err := s.results.Latest(); err == nil {
		resp.CycleID = res.CycleID
		resp.LastCycle = res.FinishedAt
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type summaryResponse struct {
	CycleID    string         `json:"cycle_id"`
	FinishedAt time.Time      `json:"finished_at"`
	Report     summary.Report `json:"report"`
}

// summary returns the latest report, optionally narrowed by wallet, from and to.
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latest(w)
	if !ok {
		return
	}

	q := r.URL.Query()
	report := res.Summary
	if q.Get("wallet") != "" || q.Get("from") != "" || q.Get("to") != "" {
		filter := summary.Filter{Wallet: q.Get("wallet")}
		var err error
		if filter.From, err = parseTime(q.Get("from")); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid_parameter", "from must be RFC3339")
			return
		}
		if filter.To, err = parseTime(q.Get("to")); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid_parameter", "to must be RFC3339")
			return
		}
		report = summary.Build(filter.Apply(res.Feed()), s.whaleThreshold)
	}

	s.writeJSON(w, http.StatusOK, summaryResponse{
		CycleID:    res.CycleID,
		FinishedAt: res.FinishedAt,
		Report:     report,
	})
}

type whalesResponse struct {
	Threshold    float64           `json:"threshold"`
	Count        int               `json:"count"`
	Transactions []txn.Transaction `json:"transactions"`
}

func (s *Server) whales(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latest(w)
	if !ok {
		return
	}

	threshold := s.whaleThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid_parameter", "threshold must be a non-negative number")
			return
		}
		threshold = v
	}

	whales := summary.Whales(res.Feed(), threshold)
	if whales == nil {
		whales = []txn.Transaction{}
	}
	s.writeJSON(w, http.StatusOK, whalesResponse{
		Threshold:    threshold,
		Count:        len(whales),
		Transactions: whales,
	})
}

type anomaliesResponse struct {
	Wallet    string       `json:"wallet"`
	CycleID   string       `json:"cycle_id"`
	Trained   bool         `json:"trained"`
	Scored    int          `json:"scored"`
	Anomalies []txn.Scored `json:"anomalies"`
}

// anomalies returns the new anomalies found for a wallet in the latest cycle.
func (s *Server) anomalies(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latest(w)
	if !ok {
		return
	}

	wallet := chi.URLParam(r, "wallet")
	o, found := res.Outcome(wallet)
	if !found {
		s.sendError(w, http.StatusNotFound, "not_modeled", "wallet is not modeled in the latest cycle")
		return
	}
	if o.Err != nil {
		s.sendStoreError(w, wallet, o.Err)
		return
	}

	anomalies := o.Anomalies()
	if anomalies == nil {
		anomalies = []txn.Scored{}
	}
	s.writeJSON(w, http.StatusOK, anomaliesResponse{
		Wallet:    wallet,
		CycleID:   res.CycleID,
		Trained:   o.Trained,
		Scored:    len(o.Scored),
		Anomalies: anomalies,
	})
}

type historyResponse struct {
	Wallet       string       `json:"wallet"`
	Count        int          `json:"count"`
	Anomalies    int          `json:"anomalies"`
	Transactions []txn.Scored `json:"transactions"`
}

// history classifies the wallet's full history against its baseline.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	scored, err := s.results.ScoreWallet(r.Context(), wallet)
	if err != nil {
		s.sendStoreError(w, wallet, err)
		return
	}

	anomalies := 0
	for _, sc := range scored {
		if sc.IsAnomaly() {
			anomalies++
		}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{
		Wallet:       wallet,
		Count:        len(scored),
		Anomalies:    anomalies,
		Transactions: scored,
	})
}

func (s *Server) latest(w http.ResponseWriter) (*refresh.Result, bool) {
	res, err := s.results.Latest()
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, "not_ready", "no refresh cycle has completed yet")
		return nil, false
	}
	return res, true
}

func (s *Server) sendStoreError(w http.ResponseWriter, wallet string, err error) {
	switch {
	case errors.Is(err, refresh.ErrNoResult):
		s.sendError(w, http.StatusServiceUnavailable, "not_ready", "no refresh cycle has completed yet")
	case errors.Is(err, refresh.ErrUnknownWallet):
		s.sendError(w, http.StatusNotFound, "unknown_wallet", "wallet not in feed")
	case errors.Is(err, store.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not_modeled", "wallet has no trained baseline")
	case errors.Is(err, store.ErrCorruptState):
		s.logger.Error("corrupt_state", "wallet", wallet, "error", err)
		s.sendError(w, http.StatusInternalServerError, "corrupt_state", "persisted model state is unreadable")
	default:
		s.logger.Error("wallet_request_failed", "wallet", wallet, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to score wallet")
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("json_encode_failed", "error", err)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
