package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryDays  = 30
	defaultTrendDays    = 30
	defaultFairnessDays = 30
	maxBodyBytes        = 1 << 20
	retryAfterSeconds   = "60"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	scoring *service.ScoringService
	pricing *service.PricingService
	batch   BatchRunner
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		scoring: deps.Scoring,
		pricing: deps.Pricing,
		batch:   deps.Batch,
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		version: deps.Version,
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Subject string `json:"subject,omitempty"`
	Field   string `json:"field,omitempty"`
}

// ============================================================================
// HEALTH
// ============================================================================

// Health reports the state of every backing store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("event_bus", func() error { return h.bus.Ping(ctx) })
	}

	resp := map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	}
	if s, ok := h.cache.(interface{ Stats() cache.Stats }); ok {
		resp["cache"] = s.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server can price: storage reachable and a rule table loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pricing == nil || h.scoring == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":      true,
		"rule_table": h.pricing.ActiveRules().Table.Version,
	})
}

// ============================================================================
// SCORE HANDLERS
// ============================================================================

// LatestUserScore handles GET /score/user/{id}/latest.
func (h *Handler) LatestUserScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.scoring.LatestUserScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// ScoreHistory handles GET /score/user/{id}/history?days=N.
func (h *Handler) ScoreHistory(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultHistoryDays)
	if err != nil {
		writeError(w, err)
		return
	}

	scores, err := h.scoring.History(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": chi.URLParam(r, "id"),
		"days":    days,
		"scores":  scores,
	})
}

// ScoreTrend handles GET /score/user/{id}/trend.
func (h *Handler) ScoreTrend(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultTrendDays)
	if err != nil {
		writeError(w, err)
		return
	}

	trend, err := h.scoring.Trend(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// ComputeRequest optionally bounds the feature window of an on-demand score.
type ComputeRequest struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// ComputeUserScore handles POST /score/user/{id}/compute.
func (h *Handler) ComputeUserScore(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	var window *domain.Window
	if req.Start != nil || req.End != nil {
		if req.Start == nil || req.End == nil || !req.End.After(*req.Start) {
			writeError(w, fmt.Errorf("%w: start and end must both be set with end after start", domain.ErrInvalidInput))
			return
		}
		window = &domain.Window{Start: req.Start.UTC(), End: req.End.UTC()}
	}

	score, err := h.scoring.ComputeUser(r.Context(), chi.URLParam(r, "id"), window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, score)
}

// TripScore handles GET /score/trip/{id}.
func (h *Handler) TripScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.scoring.TripScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// ComputeTripScore handles POST /score/compute/trip/{id}.
func (h *Handler) ComputeTripScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.scoring.ComputeTrip(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, score)
}

// ComputeDaily handles POST /score/compute/daily?day=YYYY-MM-DD&async=true.
// Synchronous runs return the batch summary; async runs publish the trigger.
func (h *Handler) ComputeDaily(w http.ResponseWriter, r *http.Request) {
	var day time.Time
	if v := r.URL.Query().Get("day"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: day must be YYYY-MM-DD", domain.ErrInvalidInput))
			return
		}
		day = parsed
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event bus not available"})
			return
		}
		if day.IsZero() {
			day = time.Now().UTC().Truncate(24 * time.Hour)
		}
		if err := bus.PublishJSON(r.Context(), h.bus, domain.TopicBatchDaily, bus.BatchDaily{Day: day}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"day": day, "status": "queued"})
		return
	}

	if h.batch == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "batch worker not running"})
		return
	}
	result, err := h.batch.RunDaily(r.Context(), day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// PRICING HANDLERS
// ============================================================================

// Quote handles POST /pricing/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req service.QuoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PolicyID == "" && req.BasePremium == nil && req.Score == nil && req.UserID == "" {
		writeError(w, fmt.Errorf("%w: policy_id, base_premium, score or user_id is required", domain.ErrInvalidInput))
		return
	}

	q, err := h.pricing.Quote(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// PolicyAdjustments handles GET /pricing/policy/{id}/adjustments.
func (h *Handler) PolicyAdjustments(w http.ResponseWriter, r *http.Request) {
	adjustments, err := h.pricing.Adjustments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if adjustments == nil {
		adjustments = []*domain.PremiumAdjustment{}
	}
	writeJSON(w, http.StatusOK, adjustments)
}

// CurrentPremium handles GET /pricing/policy/{id}/current-premium.
func (h *Handler) CurrentPremium(w http.ResponseWriter, r *http.Request) {
	current, err := h.pricing.CurrentPremium(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

// Scenarios handles GET /pricing/scenarios?base_premium=X.
func (h *Handler) Scenarios(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("base_premium")
	base, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: base_premium must be a number", domain.ErrInvalidInput))
		return
	}

	scenarios, err := h.pricing.Scenarios(base)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scenarios)
}

// ImpactRequest is a band distribution of a book of business.
type ImpactRequest struct {
	Distribution map[domain.Band]float64 `json:"distribution"`
}

// Impact handles POST /pricing/impact.
func (h *Handler) Impact(w http.ResponseWriter, r *http.Request) {
	var req ImpactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	impact, err := h.pricing.Impact(req.Distribution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

// Fairness handles GET /pricing/fairness?days=N.
func (h *Handler) Fairness(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultFairnessDays)
	if err != nil {
		writeError(w, err)
		return
	}

	report, err := h.pricing.FairnessReport(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PricingMetrics handles GET /admin/pricing-metrics. Without days it covers every adjustment.
func (h *Handler) PricingMetrics(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics, err := h.pricing.Metrics(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// BulkAdjust handles POST /pricing/bulk-adjust.
func (h *Handler) BulkAdjust(w http.ResponseWriter, r *http.Request) {
	result, err := h.pricing.BulkAdjust(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// RULE TABLE HANDLERS
// ============================================================================

// GetRules handles GET /pricing/rules.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pricing.ActiveRules())
}

// RuleVersions handles GET /pricing/rules/versions.
func (h *Handler) RuleVersions(w http.ResponseWriter, r *http.Request) {
	tables, err := h.pricing.RuleVersions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

// PutRulesRequest uploads a new rule table version.
type PutRulesRequest struct {
	Version  string            `json:"version"`
	Rules    []domain.BandRule `json:"rules"`
	Activate bool              `json:"activate"`
}

// PutRules handles POST /pricing/rules.
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	var req PutRulesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.pricing.PutRuleTable(r.Context(), &domain.BandRuleTable{
		Version: req.Version,
		Rules:   req.Rules,
	}, req.Activate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ReloadRules handles POST /pricing/rules/reload.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	view, err := h.pricing.ReloadRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps engine and storage errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status, resp := classify(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, ErrorResponse) {
	if e, ok := domain.AsError(err); ok {
		resp := ErrorResponse{Error: e.Error(), Kind: string(e.Kind), Subject: e.Subject, Field: e.Field}
		switch e.Kind {
		case domain.KindModelNotAvailable:
			return http.StatusServiceUnavailable, resp
		case domain.KindFairnessViolation, domain.KindInvalidModelOutput, domain.KindInvalidFeatures:
			return http.StatusUnprocessableEntity, resp
		case domain.KindInvalidScore, domain.KindPricingError:
			return http.StatusBadRequest, resp
		}
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, key)
	}
	return n, nil
}
