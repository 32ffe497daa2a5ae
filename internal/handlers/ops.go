package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/simple-thumbnail-dvm/internal/config"
	"github.com/tendant/simple-thumbnail-dvm/internal/dedupe"
	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
)

// RelayController reports and changes the subscription set
type RelayController interface {
	Snapshot(ctx context.Context) ([]relay.Status, error)
	SetRelays(ctx context.Context, urls []string) error
	Reconnect()
}

// RelaysRequest is the body of PUT /v1/relays
type RelaysRequest struct {
	Relays []string `json:"relays"`
}

// JobLookup reads ledger entries
type JobLookup interface {
	Get(ctx context.Context, requestID string) (*dedupe.Entry, error)
}

// OpsHandler serves health, metrics and introspection endpoints
type OpsHandler struct {
	relays  RelayController
	jobs    JobLookup
	metrics http.Handler
	log     *slog.Logger
}

// NewOpsHandler creates the ops handler. jobs may be nil when no ledger is configured.
func NewOpsHandler(relays RelayController, jobs JobLookup, metrics http.Handler, log *slog.Logger) *OpsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OpsHandler{relays: relays, jobs: jobs, metrics: metrics, log: log.With("component", "ops")}
}

// Routes builds the router
func (h *OpsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", h.HandleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Get("/v1/relays", h.HandleRelays)
	r.Put("/v1/relays", h.HandleSetRelays)
	r.Post("/v1/relays/reconnect", h.HandleReconnect)
	r.Get("/v1/jobs/{requestID}", h.HandleJob)
	return r
}

// HandleHealth handles GET /health
func (h *OpsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// HandleRelays handles GET /v1/relays - returns subscription state per relay
func (h *OpsHandler) HandleRelays(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.relays.Snapshot(r.Context())
	if err != nil {
		h.log.WarnContext(r.Context(), "relay snapshot failed", "error", err)
		http.Error(w, "relay state unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// HandleSetRelays handles PUT /v1/relays - replaces the subscribed relay set.
// Relays left out are unsubscribed; results still go to the startup relays.
func (h *OpsHandler) HandleSetRelays(w http.ResponseWriter, r *http.Request) {
	var req RelaysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	urls := config.ParseRelays(strings.Join(req.Relays, ","))
	if len(urls) == 0 {
		http.Error(w, "at least one relay is required", http.StatusBadRequest)
		return
	}

	if err := h.relays.SetRelays(r.Context(), urls); err != nil {
		h.log.WarnContext(r.Context(), "relay update failed", "error", err)
		http.Error(w, "relay state unavailable", http.StatusServiceUnavailable)
		return
	}
	h.log.InfoContext(r.Context(), "relay set replaced", "relays", urls)
	writeJSON(w, http.StatusAccepted, RelaysRequest{Relays: urls})
}

// HandleReconnect handles POST /v1/relays/reconnect - sweeps ahead of the next tick
func (h *OpsHandler) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	h.relays.Reconnect()
	w.WriteHeader(http.StatusAccepted)
}

// HandleJob handles GET /v1/jobs/{requestID} - returns the ledger entry for a request
func (h *OpsHandler) HandleJob(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	if requestID == "" {
		http.Error(w, "request id is required", http.StatusBadRequest)
		return
	}
	if h.jobs == nil {
		http.Error(w, "job ledger not configured", http.StatusNotFound)
		return
	}

	entry, err := h.jobs.Get(r.Context(), requestID)
	if errors.Is(err, dedupe.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "job lookup failed", "request_id", requestID, "error", err)
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
