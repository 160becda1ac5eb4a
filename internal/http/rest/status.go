// Package rest serves a read-only status API while a run is active: the
// live ledger view, a health check and the Prometheus metrics endpoint.
package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/icastillejo/vimeoarc/internal/ledger"
	"github.com/icastillejo/vimeoarc/internal/logctx"
	"github.com/icastillejo/vimeoarc/internal/storage"
	"github.com/icastillejo/vimeoarc/internal/telemetry"
)

// StatusHandler exposes the ledger over HTTP. The payload shape is
// observability output, not a stable contract.
type StatusHandler struct {
	ledger    *ledger.Ledger
	telemetry *telemetry.Telemetry
	history   storage.HistoryReadRepository
	runID     string
	startedAt time.Time
}

func NewStatusHandler(led *ledger.Ledger, tel *telemetry.Telemetry, history storage.HistoryReadRepository, runID string) *StatusHandler {
	return &StatusHandler{
		ledger:    led,
		telemetry: tel,
		history:   history,
		runID:     runID,
		startedAt: time.Now(),
	}
}

func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/history", h.runHistory)
	r.Handle("/metrics", h.telemetry.Handler())

	return r
}

type statusResponse struct {
	RunID     string          `json:"runId"`
	StartedAt time.Time       `json:"startedAt"`
	Uptime    string          `json:"uptime"`
	Active    int             `json:"active"`
	Failed    int             `json:"failed"`
	Total     int             `json:"total"`
	Downloads []ledger.Record `json:"downloads"`
}

func (h *StatusHandler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type historyResponse struct {
	RunID    string                  `json:"runId"`
	Outcomes []storage.HistoryRecord `json:"outcomes"`
}

// runHistory reads the terminal outcomes the current run has persisted so
// far. Unlike /status it survives ledger pruning: terminal records stay.
func (h *StatusHandler) runHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.NotFound(w, r)

		return
	}

	outcomes, err := h.history.OutcomesByRun(h.runID)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read run history", "err", err)
		http.Error(w, "failed to read run history", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(historyResponse{RunID: h.runID, Outcomes: outcomes}); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode history response", "err", err)
	}
}

func (h *StatusHandler) status(w http.ResponseWriter, r *http.Request) {
	all := h.ledger.All()

	resp := statusResponse{
		RunID:     h.runID,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Active:    len(h.ledger.Incomplete()),
		Failed:    len(h.ledger.Failed()),
		Total:     len(all),
		Downloads: all,
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode status response", "err", err)
	}
}
