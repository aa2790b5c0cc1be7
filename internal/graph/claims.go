package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"claim-swarm/internal/models"
)

// ClaimWriter turns outcome and event messages into graph writes:
// (Run)-[:SAW]->(Job), (Account)-[:ATTEMPTED]->(Job) and (Account)-[:CLAIMED]->(Job).
type ClaimWriter struct {
	driver DriverSessioner
	logger *zap.Logger
}

// NewClaimWriter wraps a driver.
func NewClaimWriter(driver DriverSessioner, logger *zap.Logger) *ClaimWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimWriter{driver: driver, logger: logger}
}

// WriteOutcome records one claim attempt. Outcomes without an account (capacity
// exhausted before assignment) only touch the job node.
func (w *ClaimWriter) WriteOutcome(ctx context.Context, payload []byte) error {
	var out models.ClaimOutcome
	if err := json.Unmarshal(payload, &out); err != nil {
		return fmt.Errorf("decode outcome: %w", err)
	}
	if out.JobID == "" {
		return nil
	}
	query, params := BuildOutcomeQuery(out)
	return w.runWrite(ctx, query, params)
}

// WriteEvent records detections and status changes. Other event types are skipped.
func (w *ClaimWriter) WriteEvent(ctx context.Context, payload []byte) error {
	var ev models.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case models.EventJobDetected:
		var jobs []models.Job
		if err := json.Unmarshal(ev.Payload, &jobs); err != nil {
			return fmt.Errorf("decode detected jobs: %w", err)
		}
		if len(jobs) == 0 {
			return nil
		}
		query, params := BuildDetectedQuery(ev.RunID, jobs)
		return w.runWrite(ctx, query, params)
	case models.EventStatus:
		var rec models.StatusRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		if rec.JobID == "" {
			return nil
		}
		query, params := BuildStatusQuery(ev.RunID, rec)
		return w.runWrite(ctx, query, params)
	default:
		return nil
	}
}

func (w *ClaimWriter) runWrite(ctx context.Context, query string, params map[string]any) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := session.Close(ctx); err != nil {
			w.logger.Warn("neo4j session close error", zap.Error(err))
		}
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	return err
}

// BuildOutcomeQuery merges the job, the account and an ATTEMPTED edge per run. A
// successful attempt also gets a CLAIMED edge.
func BuildOutcomeQuery(out models.ClaimOutcome) (string, map[string]any) {
	params := map[string]any{
		"job_id":   out.JobID,
		"price":    out.Price,
		"category": string(out.Category),
		"run_id":   out.RunID,
		"reason":   string(out.Reason),
		"ok":       out.OK,
		"at":       out.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if out.AccountID == 0 {
		query := "MERGE (j:Job {id: $job_id}) " +
			"SET j.price = $price, j.category = $category, j.last_reason = $reason"
		return query, params
	}
	params["account_id"] = int64(out.AccountID)
	query := "MERGE (j:Job {id: $job_id}) " +
		"SET j.price = $price, j.category = $category " +
		"MERGE (a:Account {id: $account_id}) " +
		"MERGE (a)-[r:ATTEMPTED {run_id: $run_id}]->(j) " +
		"SET r.reason = $reason, r.ok = $ok, r.at = $at"
	if out.OK {
		query += " MERGE (a)-[c:CLAIMED]->(j) SET c.run_id = $run_id, c.at = $at"
	}
	return query, params
}

// BuildDetectedQuery merges every detected job and links it to the run.
func BuildDetectedQuery(runID string, jobs []models.Job) (string, map[string]any) {
	rows := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, map[string]any{
			"id":              job.ID,
			"url":             job.URL,
			"title":           nullable(job.Title),
			"price":           job.Price,
			"price_per_unit":  job.PricePerUnit,
			"grouped":         job.IsGrouped,
			"variation_count": int64(job.VariationCount),
		})
	}
	query := "MERGE (r:Run {id: $run_id}) " +
		"WITH r UNWIND $jobs AS job " +
		"MERGE (j:Job {id: job.id}) " +
		"SET j.url = job.url, j.title = coalesce(job.title, j.title), j.price = job.price, " +
		"j.price_per_unit = job.price_per_unit, j.grouped = job.grouped, " +
		"j.variation_count = job.variation_count " +
		"MERGE (r)-[:SAW]->(j)"
	return query, map[string]any{"run_id": runID, "jobs": rows}
}

// BuildStatusQuery stores the latest audit status on the job node.
func BuildStatusQuery(runID string, rec models.StatusRecord) (string, map[string]any) {
	query := "MERGE (j:Job {id: $job_id}) " +
		"SET j.status = $status, j.status_label = $label, j.status_run_id = $run_id, " +
		"j.status_detail = coalesce($detail, j.status_detail)"
	return query, map[string]any{
		"job_id": rec.JobID,
		"status": string(rec.Status),
		"label":  rec.Status.Label(),
		"run_id": runID,
		"detail": nullable(rec.Detail),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
