package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claim-swarm/internal/claim"
	"claim-swarm/internal/models"
)

func TestCollectorCountsNotifications(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.OnJobDetected([]models.Job{{ID: "1"}, {ID: "2"}})
	c.OnClaimOutcome(models.ClaimOutcome{Reason: models.ReasonSecured, Category: models.CategorySingle})
	c.OnClaimOutcome(models.ClaimOutcome{Reason: models.ReasonTooLate, Category: models.CategorySingle})
	c.OnClaimOutcome(models.ClaimOutcome{Reason: models.ReasonSecured, Category: models.CategorySingle})
	c.OnStatus(models.StatusRecord{Status: models.StatusIgnoredLowPrice})
	c.OnCapacityReconciled(models.CapacityMismatch{Category: models.CategoryGrouped})
	c.OnAnomaly(models.Anomaly{Kind: models.AnomalyFloodGuard})
	c.SetModes(true, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.JobsDetected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ClaimAttempts.WithLabelValues("secured", "single")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ClaimAttempts.WithLabelValues("too_late", "single")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Statuses.WithLabelValues("ignored_low_price")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CapacityMismatch.WithLabelValues("grouped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Anomalies.WithLabelValues("flood_guard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BurstMode))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.CheckOnly))
}

func TestInstrumentStrategy(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	var inFlight float64
	inner := claim.StrategyFunc(func(_ context.Context, accountID int, job models.Job) models.ClaimOutcome {
		inFlight = testutil.ToFloat64(c.ClaimsInFlight)
		return models.NewOutcome(accountID, job, models.ReasonSecured, nil)
	})

	out := c.InstrumentStrategy(inner).AttemptClaim(context.Background(), 1, models.Job{ID: "5"})
	assert.True(t, out.OK)
	assert.Equal(t, 1.0, inFlight)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ClaimsInFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(c.ClaimDuration))
}

func TestInstrumentStrategyRecoversPanic(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	inner := claim.StrategyFunc(func(context.Context, int, models.Job) models.ClaimOutcome {
		panic("boom")
	})
	out := c.InstrumentStrategy(inner).AttemptClaim(context.Background(), 1, models.Job{ID: "5"})
	assert.Equal(t, models.ReasonException, out.Reason)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ClaimsInFlight))
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	cm := NewConsumerMetrics(reg, "graph_writer")
	cm.Received.WithLabelValues("claims.outcomes").Add(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(),
		`claim_swarm_graph_writer_messages_received_total{topic="claims.outcomes"} 3`))
}
