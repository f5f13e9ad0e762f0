package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type driver struct {
	userID, policyID string
	premium          float64
	probability      float64
	severity         float64
}

func seed(t *testing.T, repo domain.Repository, d driver) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.SavePolicy(ctx, &domain.Policy{
		ID: d.policyID, UserID: d.userID, PolicyNumber: "KP-" + d.policyID, BasePremium: d.premium,
		StartDate: testNow.AddDate(0, -1, 0), EndDate: testNow.AddDate(0, 11, 0),
	}))
	require.NoError(t, repo.SaveTrip(ctx, &domain.Trip{
		ID: "trip-" + d.userID, UserID: d.userID,
		StartedAt: testNow.Add(-26 * time.Hour), EndedAt: testNow.Add(-25 * time.Hour),
		Features: domain.TripFeatures{
			DistanceKm: 32, DurationMin: 45, MeanSpeedKph: 42.7, MaxSpeedKph: 88,
			NightFraction: 0.1, UrbanFraction: 0.6, HarshBrakeCount: 1,
		},
	}))
	require.NoError(t, repo.SaveModelOutput(ctx, domain.Subject{Type: domain.ScoreTypeDaily, UserID: d.userID}, &domain.ModelOutput{
		ClaimProbability: d.probability,
		ClaimSeverity:    d.severity,
		ModelVersion:     "freq-sev-v3",
		Importances: []domain.FeatureImportance{
			{Feature: domain.FeatureHarshBrakeRate, Value: 0.12},
			{Feature: domain.FeatureNightFraction, Value: -0.04},
		},
		GeneratedAt: testNow.Add(-2 * time.Hour),
	}))
}

// TestEndToEnd drives scoring and pricing through the HTTP stack over SQLite.
func TestEndToEnd(t *testing.T) {
	env := newTestEnv(t, testAdminToken)
	admin := []string{"Authorization", "Bearer " + testAdminToken}

	// EL 2150 scores 78.5 (Band B); EL 6000 scores 40 (Band D)
	seed(t, env.repo, driver{userID: "user-1", policyID: "pol-1", premium: 1200, probability: 0.1, severity: 21500})
	seed(t, env.repo, driver{userID: "user-2", policyID: "pol-2", premium: 800, probability: 0.25, severity: 24000})

	t.Run("DailyBatch", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score/compute/daily?day=2025-06-01", nil, admin...)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var result bus.BatchDailyCompleted
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		assert.Equal(t, 2, result.Users)
		assert.Equal(t, 2, result.Scored)
		assert.Equal(t, 0, result.Failed)
	})

	t.Run("LatestScore", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/score/user/user-1/latest", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var score domain.RiskScore
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &score))
		assert.Equal(t, 78.5, score.ScoreValue)
		assert.Equal(t, domain.BandB, score.Band)
		assert.Equal(t, "freq-sev-v3", score.ModelVersion)
		require.NotEmpty(t, score.Explanations)
		assert.Contains(t, score.Explanations, "Score 78.5 (Band B)")

		rr = env.do(t, http.MethodGet, "/score/user/user-2/history?days=7", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decodeBody(t, rr)["scores"], 1)
	})

	t.Run("ScoreTrend", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/score/user/user-1/trend", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var trend service.ScoreTrend
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &trend))
		assert.Equal(t, "user-1", trend.UserID)
		assert.Equal(t, 30, trend.Days)
		require.Len(t, trend.Trend, 1)
		assert.Equal(t, 78.5, trend.Trend[0].Score)
		assert.Equal(t, domain.BandB, trend.Trend[0].Band)
		assert.Zero(t, trend.SlopePerDay)
	})

	var firstAdjustment string
	t.Run("QuotePolicy", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", service.QuoteRequest{PolicyID: "pol-1"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		resp := decodeBody(t, rr)
		assert.Equal(t, "B", resp["band"])
		assert.Equal(t, 1140.0, resp["new_premium"])
		adj, ok := resp["adjustment"].(map[string]any)
		require.True(t, ok, "an actionable quote carries its adjustment")
		firstAdjustment = adj["id"].(string)
		assert.NotEmpty(t, adj["risk_score_id"])

		rr = env.do(t, http.MethodGet, "/pricing/policy/pol-1/current-premium", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1140.0, decodeBody(t, rr)["current_premium"])
	})

	t.Run("CooldownHolds", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/quote", service.QuoteRequest{PolicyID: "pol-1"})
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decodeBody(t, rr)
		assert.Equal(t, true, resp["cooldown_held"])
		assert.Nil(t, resp["adjustment"])

		rr = env.do(t, http.MethodGet, "/pricing/policy/pol-1/adjustments", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var adjustments []domain.PremiumAdjustment
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &adjustments))
		require.Len(t, adjustments, 1)
		assert.Equal(t, firstAdjustment, adjustments[0].ID)
	})

	t.Run("BulkAdjust", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/pricing/bulk-adjust", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = env.do(t, http.MethodPost, "/pricing/bulk-adjust", nil, admin...)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var result service.BulkResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		assert.Equal(t, 2, result.Policies)
		assert.Equal(t, 1, result.Adjusted)
		assert.Equal(t, 1, result.Held)

		rr = env.do(t, http.MethodGet, "/pricing/policy/pol-2/current-premium", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 880.0, decodeBody(t, rr)["current_premium"])
	})

	t.Run("FairnessReport", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/pricing/fairness?days=30", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		resp := decodeBody(t, rr)
		assert.Equal(t, 2.0, resp["total"])
		assert.Equal(t, true, resp["monotonic_means"])
		assert.Equal(t, true, resp["table_valid"])
	})

	t.Run("PricingMetrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/admin/pricing-metrics", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = env.do(t, http.MethodGet, "/admin/pricing-metrics", nil, admin...)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		resp := decodeBody(t, rr)
		assert.Equal(t, domain.DefaultRuleTableVersion, resp["pricing_rules_version"])
		assert.Equal(t, 2.0, resp["total_adjustments"])
		assert.Equal(t, 0.025, resp["average_adjustment_pct"])
		assert.Equal(t, map[string]any{"A": 0.0, "B": 1.0, "C": 0.0, "D": 1.0, "E": 0.0}, resp["adjustment_distribution"])
		assert.Equal(t, map[string]any{
			"total_premium_change": 20.0,
			"premium_increase":     80.0,
			"premium_decrease":     -60.0,
		}, resp["revenue_impact"])
		assert.Equal(t, testNow.Format(time.RFC3339), resp["last_bulk_adjustment"])

		rr = env.do(t, http.MethodGet, "/admin/pricing-metrics?days=-1", nil, admin...)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("TripScore", func(t *testing.T) {
		require.NoError(t, env.repo.SaveModelOutput(context.Background(),
			domain.Subject{Type: domain.ScoreTypeTrip, UserID: "user-1", TripID: "trip-user-1"},
			&domain.ModelOutput{ClaimProbability: 0.025, ClaimSeverity: 5020, ModelVersion: "trip-v1", GeneratedAt: testNow}))

		rr := env.do(t, http.MethodGet, "/score/trip/trip-user-1", nil)
		require.Equal(t, http.StatusNotFound, rr.Code, "reading an unscored trip must not compute it")

		rr = env.do(t, http.MethodPost, "/score/compute/trip/trip-user-1", nil)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var score domain.RiskScore
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &score))
		assert.Equal(t, domain.BandA, score.Band)
		assert.Equal(t, "trip-user-1", score.TripID)

		rr = env.do(t, http.MethodGet, "/score/trip/trip-user-1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var stored domain.RiskScore
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stored))
		assert.Equal(t, score.ID, stored.ID)
	})

	t.Run("AsyncBatchSkipsScoredUsers", func(t *testing.T) {
		done := make(chan bus.BatchDailyCompleted, 1)
		_, err := env.bus.Subscribe(context.Background(), domain.TopicBatchDailyCompleted, func(ctx context.Context, msg *domain.Message) error {
			var completed bus.BatchDailyCompleted
			if err := bus.DecodeJSON(msg, &completed); err != nil {
				return err
			}
			done <- completed
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, env.batch.Start())
		defer env.batch.Stop()

		rr := env.do(t, http.MethodPost, "/score/compute/daily?day=2025-06-01&async=true", nil, admin...)
		require.Equal(t, http.StatusAccepted, rr.Code)

		select {
		case completed := <-done:
			assert.Equal(t, 2, completed.Skipped)
			assert.Equal(t, 0, completed.Scored)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for async batch")
		}
	})
}
