package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/fairness"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "test-admin-token"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	repo   domain.Repository
	bus    *bus.ChannelBus
	batch  *worker.Worker
}

// newTestEnv wires the full stack over a temporary SQLite database with a fixed clock.
func newTestEnv(t *testing.T, adminToken string) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(1000)
	events := bus.NewChannelBus(100)
	t.Cleanup(func() { events.Close() })

	eng, err := engine.New(domain.DefaultEngineConfig())
	require.NoError(t, err)
	tables, err := service.LoadRuleTable(ctx, repo, nil)
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	scoring := service.NewScoringService(service.ScoringDeps{
		Engine:   eng,
		Features: aggregate.NewService(repo, lru, time.Minute),
		Models:   model.NewStoredProvider(repo, 48*time.Hour),
		Repo:     repo,
		Cache:    lru,
		Bus:      events,
		ScoreTTL: time.Minute,
		Clock:    clock,
	})
	pricing := service.NewPricingService(service.PricingDeps{
		Engine:  eng,
		Repo:    repo,
		Cache:   lru,
		Bus:     events,
		Tables:  tables,
		Monitor: fairness.NewMonitor(5, 100),
		Scores:  scoring,
		Clock:   clock,
	})
	batch := worker.NewWorker(events, repo, scoring, lru, worker.Config{Concurrency: 2})

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		AdminToken:   adminToken,
	}
	srv := NewServer(cfg, Deps{
		Scoring: scoring,
		Pricing: pricing,
		Batch:   batch,
		Repo:    repo,
		Cache:   lru,
		Bus:     events,
		Version: "test-v1",
	})
	return &testEnv{server: srv, repo: repo, bus: events, batch: batch}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		resp := decodeBody(t, rr)
		assert.Equal(t, "healthy", resp["status"])
		assert.Equal(t, "test-v1", resp["version"])
		assert.Equal(t, map[string]any{"repository": "ok", "cache": "ok", "event_bus": "ok"}, resp["checks"])
		stats, ok := resp["cache"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 1000.0, stats["capacity"])
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, domain.DefaultRuleTableVersion, decodeBody(t, rr)["rule_table"])
	})

	t.Run("NotReadyWithoutServices", func(t *testing.T) {
		srv := NewServer(domain.ServerConfig{}, Deps{Version: "bare"})
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"ModelNotAvailable", domain.NewError(domain.KindModelNotAvailable, "", nil, "stale"), http.StatusServiceUnavailable, "ModelNotAvailable"},
		{"FairnessViolation", domain.NewError(domain.KindFairnessViolation, "band.A", 0.3, "not monotonic"), http.StatusUnprocessableEntity, "FairnessViolation"},
		{"InvalidModelOutput", domain.NewError(domain.KindInvalidModelOutput, "claim_probability", 1.2, "out of range"), http.StatusUnprocessableEntity, "InvalidModelOutput"},
		{"InvalidScore", domain.NewError(domain.KindInvalidScore, "score", 101, "out of range"), http.StatusBadRequest, "InvalidScore"},
		{"PricingError", domain.NewError(domain.KindPricingError, "base_premium", 0, "must be positive"), http.StatusBadRequest, "PricingError"},
		{"NotFound", fmt.Errorf("policy p1: %w", domain.ErrNotFound), http.StatusNotFound, ""},
		{"Conflict", cache.ErrLockHeld, http.StatusConflict, ""},
		{"InvalidInput", fmt.Errorf("%w: days", domain.ErrInvalidInput), http.StatusBadRequest, ""},
		{"Unknown", errors.New("disk on fire"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)

			assert.Equal(t, tt.status, rr.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind, resp.Kind)
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, retryAfterSeconds, rr.Header().Get("Retry-After"))
			}
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", resp.Error)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var captured string
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetRequestID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, captured)
		assert.Equal(t, captured, rr.Header().Get(RequestIDHeader))
		assert.NotEmpty(t, rr.Header().Get(TraceIDHeader))
	})

	t.Run("TracingMiddlewareKeepsRequestID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		TracingMiddleware(ok).ServeHTTP(rr, req)

		assert.Equal(t, "req-123", rr.Header().Get(RequestIDHeader))
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("AdminMiddleware", func(t *testing.T) {
		tests := []struct {
			name   string
			token  string
			header string
			value  string
			status int
		}{
			{"Disabled", "", AdminTokenHeader, "anything", http.StatusForbidden},
			{"Missing", "secret", "", "", http.StatusUnauthorized},
			{"Wrong", "secret", AdminTokenHeader, "guess", http.StatusUnauthorized},
			{"Header", "secret", AdminTokenHeader, "secret", http.StatusOK},
			{"Bearer", "secret", "Authorization", "Bearer secret", http.StatusOK},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodPost, "/", nil)
				if tt.header != "" {
					req.Header.Set(tt.header, tt.value)
				}
				rr := httptest.NewRecorder()
				AdminMiddleware(tt.token)(ok).ServeHTTP(rr, req)
				assert.Equal(t, tt.status, rr.Code)
			})
		}
	})
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/pricing/quote", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestScoreEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	t.Run("LatestUnknownUser", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/score/user/nobody/latest", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("ComputeWithoutModelOutput", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/user/nobody/compute", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, retryAfterSeconds, rr.Header().Get("Retry-After"))
		assert.Equal(t, "ModelNotAvailable", decodeBody(t, rr)["kind"])
	})

	t.Run("ComputeRejectsHalfWindow", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/user/u1/compute", map[string]any{"start": testNow})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("HistoryBadDays", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/score/user/u1/history?days=abc", nil).Code)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/score/user/u1/history?days=0", nil).Code)
	})

	t.Run("TrendUnknownUser", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/score/user/nobody/trend?days=7", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody(t, rr)
		assert.Equal(t, 7.0, resp["days"])
		assert.Empty(t, resp["trend"])
	})

	t.Run("TrendBadDays", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/score/user/u1/trend?days=abc", nil).Code)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/score/user/u1/trend?days=-3", nil).Code)
	})

	t.Run("PricingMetricsRequiresAdmin", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/admin/pricing-metrics", nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("UnknownTrip", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/score/trip/missing", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = env.do(t, http.MethodPost, "/score/compute/trip/missing", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("DailyRequiresAdmin", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/compute/daily", nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestQuoteEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	t.Run("WhatIf", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", map[string]any{"score": 78.5, "base_premium": 1200})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		resp := decodeBody(t, rr)
		assert.Equal(t, "B", resp["band"])
		assert.Equal(t, -0.05, resp["delta_pct"])
		assert.Equal(t, 1140.0, resp["new_premium"])
		assert.Nil(t, resp["adjustment"])
		assert.NotEmpty(t, resp["rationale"])
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", "{not json")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("EmptyRequest", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("ScoreOutOfRange", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", map[string]any{"score": 150, "base_premium": 1000})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "InvalidScore", decodeBody(t, rr)["kind"])
	})

	t.Run("NegativePremium", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", map[string]any{"score": 80, "base_premium": -5})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "PricingError", decodeBody(t, rr)["kind"])
	})

	t.Run("UnknownPolicy", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", map[string]any{"policy_id": "missing", "score": 80})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("UnknownPolicyPremium", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/pricing/policy/missing/current-premium", nil).Code)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/pricing/policy/missing/adjustments", nil).Code)
	})
}

func TestScenariosAndImpact(t *testing.T) {
	env := newTestEnv(t, "")

	rr := env.do(t, http.MethodGet, "/pricing/scenarios", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/pricing/scenarios?base_premium=1000", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody(t, rr)
	assert.Len(t, resp["bands"], 5)
	assert.Equal(t, domain.DefaultRuleTableVersion, resp["table_version"])

	rr = env.do(t, http.MethodPost, "/pricing/impact", ImpactRequest{Distribution: map[domain.Band]float64{domain.BandC: 1}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 0.0, decodeBody(t, rr)["weighted_delta_pct"])
}

func TestRulesEndpoints(t *testing.T) {
	env := newTestEnv(t, testAdminToken)
	admin := []string{AdminTokenHeader, testAdminToken}

	rr := env.do(t, http.MethodGet, "/pricing/rules", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	table := decodeBody(t, rr)["table"].(map[string]any)
	assert.Equal(t, domain.DefaultRuleTableVersion, table["version"])

	bad := PutRulesRequest{
		Version:  "bad-v1",
		Activate: true,
		Rules: []domain.BandRule{
			{Band: domain.BandA, DeltaMin: 0.1, DeltaMax: 0.1},
			{Band: domain.BandB, DeltaMin: -0.05, DeltaMax: -0.05},
			{Band: domain.BandC, DeltaMin: 0, DeltaMax: 0},
			{Band: domain.BandD, DeltaMin: 0.1, DeltaMax: 0.1},
			{Band: domain.BandE, DeltaMin: 0.25, DeltaMax: 0.25},
		},
	}

	t.Run("RequiresToken", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/rules", bad)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("RejectsNonMonotonic", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/rules", bad, admin...)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Equal(t, "FairnessViolation", decodeBody(t, rr)["kind"])
	})

	t.Run("Activates", func(t *testing.T) {
		good := bad
		good.Version = "good-v2"
		good.Rules = domain.DefaultBandRuleTable().Rules
		good.Rules[0] = domain.BandRule{Band: domain.BandA, DeltaMin: -0.25, DeltaMax: -0.10}

		rr := env.do(t, http.MethodPost, "/pricing/rules", good, admin...)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		rr = env.do(t, http.MethodGet, "/pricing/rules", nil)
		table := decodeBody(t, rr)["table"].(map[string]any)
		assert.Equal(t, "good-v2", table["version"])
	})

	t.Run("Versions", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/pricing/rules/versions", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var tables []domain.BandRuleTable
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tables))
		assert.Len(t, tables, 2)
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/rules/reload", nil, admin...)
		require.Equal(t, http.StatusOK, rr.Code)
	})
}
