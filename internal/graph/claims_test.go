package graph_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"claim-swarm/internal/graph"
	"claim-swarm/internal/models"
	"claim-swarm/mocks"
)

func newWriter(t *testing.T, execErr error) (*graph.ClaimWriter, *int) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	driver := mocks.NewMockDriverSessioner(ctrl)
	session := mocks.NewMockSessionRunner(ctrl)
	calls := 0

	driver.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(session).AnyTimes()
	session.EXPECT().Close(gomock.Any()).Return(nil).AnyTimes()
	session.EXPECT().ExecuteWrite(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, work neo4j.ManagedTransactionWork, _ ...func(*neo4j.TransactionConfig)) (any, error) {
			calls++
			return nil, execErr
		},
	).AnyTimes()

	return graph.NewClaimWriter(driver, nil), &calls
}

func TestBuildOutcomeQuery(t *testing.T) {
	out := models.ClaimOutcome{
		RunID:     "r1",
		AccountID: 2,
		JobID:     "77",
		Category:  models.CategorySingle,
		Price:     30,
		OK:        true,
		Reason:    models.ReasonSecured,
		At:        time.Unix(0, 0),
	}
	query, params := graph.BuildOutcomeQuery(out)
	if !strings.Contains(query, "ATTEMPTED") || !strings.Contains(query, "CLAIMED") {
		t.Fatalf("unexpected query: %s", query)
	}
	if params["account_id"] != int64(2) || params["job_id"] != "77" || params["reason"] != "secured" {
		t.Fatalf("unexpected params: %+v", params)
	}

	out.OK = false
	out.Reason = models.ReasonTooLate
	query, _ = graph.BuildOutcomeQuery(out)
	if strings.Contains(query, "CLAIMED") {
		t.Fatalf("failed attempt must not create CLAIMED edge: %s", query)
	}

	out.AccountID = 0
	query, params = graph.BuildOutcomeQuery(out)
	if strings.Contains(query, "Account") {
		t.Fatalf("unassigned outcome must not touch accounts: %s", query)
	}
	if _, ok := params["account_id"]; ok {
		t.Fatalf("unexpected account param: %+v", params)
	}
}

func TestBuildDetectedQuery(t *testing.T) {
	query, params := graph.BuildDetectedQuery("r1", []models.Job{
		{ID: "1", Title: "Chair", Price: 30, VariationCount: 1},
		{ID: "2", Price: 40, IsGrouped: true, VariationCount: 4, PricePerUnit: 10},
	})
	if !strings.Contains(query, "UNWIND $jobs") || !strings.Contains(query, "SAW") {
		t.Fatalf("unexpected query: %s", query)
	}
	rows, ok := params["jobs"].([]map[string]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("unexpected jobs param: %+v", params["jobs"])
	}
	if rows[1]["price_per_unit"] != 10.0 || rows[1]["variation_count"] != int64(4) {
		t.Fatalf("unexpected grouped row: %+v", rows[1])
	}
	if rows[1]["title"] != nil {
		t.Fatalf("empty title should be null, got %v", rows[1]["title"])
	}
}

func TestBuildStatusQuery(t *testing.T) {
	query, params := graph.BuildStatusQuery("r1", models.StatusRecord{JobID: "5", Status: models.StatusIgnoredLowPrice})
	if !strings.Contains(query, "coalesce") {
		t.Fatalf("unexpected query: %s", query)
	}
	if params["label"] != "Ignored: Low Price" || params["detail"] != nil {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestWriteOutcome(t *testing.T) {
	writer, calls := newWriter(t, nil)
	payload, err := json.Marshal(models.ClaimOutcome{AccountID: 1, JobID: "9", Reason: models.ReasonSecured, OK: true})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if err := writer.WriteOutcome(context.Background(), payload); err != nil {
		t.Fatalf("write outcome error: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("expected 1 write, got %d", *calls)
	}
}

func TestWriteOutcomeSkipsMissingJob(t *testing.T) {
	writer, calls := newWriter(t, nil)
	if err := writer.WriteOutcome(context.Background(), []byte(`{"account_id":1}`)); err != nil {
		t.Fatalf("write outcome error: %v", err)
	}
	if *calls != 0 {
		t.Fatalf("expected no write, got %d", *calls)
	}
}

func TestWriteOutcomeBadPayload(t *testing.T) {
	writer, _ := newWriter(t, nil)
	if err := writer.WriteOutcome(context.Background(), []byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWriteEventRoutesByType(t *testing.T) {
	writer, calls := newWriter(t, nil)

	detected, err := models.NewEvent("r1", models.EventJobDetected, []models.Job{{ID: "1"}})
	if err != nil {
		t.Fatalf("event error: %v", err)
	}
	status, err := models.NewEvent("r1", models.EventStatus, models.StatusRecord{JobID: "1", Status: models.StatusTaken})
	if err != nil {
		t.Fatalf("event error: %v", err)
	}
	anomaly, err := models.NewEvent("r1", models.EventAnomaly, models.Anomaly{Kind: models.AnomalyFloodGuard})
	if err != nil {
		t.Fatalf("event error: %v", err)
	}

	for _, ev := range []models.Event{detected, status, anomaly} {
		payload, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}
		if err := writer.WriteEvent(context.Background(), payload); err != nil {
			t.Fatalf("write event error: %v", err)
		}
	}
	if *calls != 2 {
		t.Fatalf("expected 2 writes, got %d", *calls)
	}
}

func TestWriteEventPropagatesDriverError(t *testing.T) {
	writer, _ := newWriter(t, errors.New("neo4j down"))
	ev, err := models.NewEvent("r1", models.EventStatus, models.StatusRecord{JobID: "1", Status: models.StatusFailed})
	if err != nil {
		t.Fatalf("event error: %v", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if err := writer.WriteEvent(context.Background(), payload); err == nil {
		t.Fatal("expected driver error")
	}
}
