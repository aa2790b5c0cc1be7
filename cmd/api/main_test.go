package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"claim-swarm/internal/models"
	"claim-swarm/internal/store"
	"claim-swarm/mocks"
)

type fakeAudit struct {
	runID   string
	limit   int
	records []models.StatusRecord
	err     error
}

func (f *fakeAudit) Recent(_ context.Context, runID string, limit int) ([]models.StatusRecord, error) {
	f.runID, f.limit = runID, limit
	return f.records, f.err
}

func newTestServer(t *testing.T, reader auditReader) (http.Handler, *mocks.MockStatusStore) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	statusStore := mocks.NewMockStatusStore(ctrl)
	srv := newServer(statusStore, reader, zap.NewNop())
	return srv.routes(prometheus.NewRegistry()), statusStore
}

func TestHandleRunStatus(t *testing.T) {
	h, statusStore := newTestServer(t, nil)
	statusStore.EXPECT().
		GetStatus(gomock.Any(), "run-1").
		Return(models.RunStatus{RunID: "run-1", State: "running", Claimed: 2}, true, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var payload models.RunStatus
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.RunID != "run-1" || payload.Claimed != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleRunLatest(t *testing.T) {
	h, statusStore := newTestServer(t, nil)
	statusStore.EXPECT().
		GetStatus(gomock.Any(), store.LatestRunID).
		Return(models.RunStatus{RunID: "run-9"}, true, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/latest", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"run_id":"run-9"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleRunNotFound(t *testing.T) {
	h, statusStore := newTestServer(t, nil)
	statusStore.EXPECT().GetStatus(gomock.Any(), gomock.Any()).Return(models.RunStatus{}, false, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandleRunStoreError(t *testing.T) {
	h, statusStore := newTestServer(t, nil)
	statusStore.EXPECT().GetStatus(gomock.Any(), gomock.Any()).Return(models.RunStatus{}, false, errors.New("redis down"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}
}

func TestHandleRunMissingID(t *testing.T) {
	h, statusStore := newTestServer(t, nil)
	statusStore.EXPECT().GetStatus(gomock.Any(), gomock.Any()).Times(0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleRunMethodNotAllowed(t *testing.T) {
	h, statusStore := newTestServer(t, nil)
	statusStore.EXPECT().GetStatus(gomock.Any(), gomock.Any()).Times(0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/run-1", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestHandleAuditResolvesLatestRun(t *testing.T) {
	reader := &fakeAudit{records: []models.StatusRecord{
		{RunID: "run-9", JobID: "42", Status: models.StatusTaken},
	}}
	h, statusStore := newTestServer(t, reader)
	statusStore.EXPECT().
		GetStatus(gomock.Any(), store.LatestRunID).
		Return(models.RunStatus{RunID: "run-9"}, true, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/latest/audit?limit=5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if reader.runID != "run-9" || reader.limit != 5 {
		t.Fatalf("unexpected audit query run=%q limit=%d", reader.runID, reader.limit)
	}
	var payload []models.StatusRecord
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload) != 1 || payload[0].JobID != "42" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleAuditEmptyIsArray(t *testing.T) {
	h, statusStore := newTestServer(t, &fakeAudit{})
	statusStore.EXPECT().GetStatus(gomock.Any(), "run-1").Return(models.RunStatus{RunID: "run-1"}, true, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/audit", nil))

	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %q", rec.Body.String())
	}
}

func TestHandleAuditInvalidLimit(t *testing.T) {
	h, statusStore := newTestServer(t, &fakeAudit{})
	statusStore.EXPECT().GetStatus(gomock.Any(), "run-1").Return(models.RunStatus{RunID: "run-1"}, true, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/audit?limit=0", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleAuditNotConfigured(t *testing.T) {
	h, statusStore := newTestServer(t, nil)
	statusStore.EXPECT().GetStatus(gomock.Any(), "run-1").Return(models.RunStatus{RunID: "run-1"}, true, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/audit", nil))

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected status %d, got %d", http.StatusNotImplemented, rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}
