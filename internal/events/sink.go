// Package events fans core notifications out to logging, metrics and persistence sinks
// without blocking the detection and dispatch loop.
package events

import (
	"go.uber.org/zap"

	"claim-swarm/internal/models"
)

// Sink receives core notifications. Implementations must be safe for use from one
// goroutine at a time; the Emitter never calls a sink concurrently with itself.
type Sink interface {
	OnJobDetected(jobs []models.Job)
	OnClaimOutcome(out models.ClaimOutcome)
	OnCapacityReconciled(m models.CapacityMismatch)
	OnStatus(rec models.StatusRecord)
	OnAnomaly(a models.Anomaly)
}

// NopSink ignores everything. Embed it to implement only some callbacks.
type NopSink struct{}

func (NopSink) OnJobDetected([]models.Job)                  {}
func (NopSink) OnClaimOutcome(models.ClaimOutcome)          {}
func (NopSink) OnCapacityReconciled(models.CapacityMismatch) {}
func (NopSink) OnStatus(models.StatusRecord)                {}
func (NopSink) OnAnomaly(models.Anomaly)                    {}

// LogSink writes every notification as a structured log entry.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps a logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) OnJobDetected(jobs []models.Job) {
	for _, job := range jobs {
		s.logger.Info("new job detected",
			zap.String("job_id", job.ID),
			zap.Float64("price", job.Price),
			zap.Bool("grouped", job.IsGrouped),
			zap.Int("variations", job.VariationCount),
			zap.String("title", job.Title),
		)
	}
}

func (s *LogSink) OnClaimOutcome(out models.ClaimOutcome) {
	fields := []zap.Field{
		zap.Int("account_id", out.AccountID),
		zap.String("job_id", out.JobID),
		zap.String("reason", string(out.Reason)),
		zap.Float64("price", out.Price),
	}
	if out.Error != "" {
		fields = append(fields, zap.String("error", out.Error))
	}
	if out.OK {
		s.logger.Info("claim secured", fields...)
		return
	}
	s.logger.Warn("claim failed", fields...)
}

func (s *LogSink) OnCapacityReconciled(m models.CapacityMismatch) {
	s.logger.Warn("capacity mismatch after reconcile",
		zap.Int("account_id", m.AccountID),
		zap.String("category", string(m.Category)),
		zap.Int("expected_current", m.Expected.Current),
		zap.Int("actual_current", m.Actual.Current),
		zap.Int("expected_available", m.Expected.Available),
		zap.Int("actual_available", m.Actual.Available),
	)
}

func (s *LogSink) OnStatus(rec models.StatusRecord) {
	s.logger.Debug("status",
		zap.String("job_id", rec.JobID),
		zap.String("status", string(rec.Status)),
		zap.Int("account_id", rec.AccountID),
		zap.String("detail", rec.Detail),
	)
}

func (s *LogSink) OnAnomaly(a models.Anomaly) {
	s.logger.Error("anomaly",
		zap.String("kind", string(a.Kind)),
		zap.Int("account_id", a.AccountID),
		zap.String("job_id", a.JobID),
		zap.String("detail", a.Detail),
	)
}
