package events

import (
	"sync"

	"claim-swarm/internal/models"
)

// Recorder is a synchronous in-memory Sink. The feed-replay dry run prints from it and
// tests assert against it.
type Recorder struct {
	mu         sync.Mutex
	detected   []models.Job
	outcomes   []models.ClaimOutcome
	mismatches []models.CapacityMismatch
	statuses   []models.StatusRecord
	anomalies  []models.Anomaly
}

func (r *Recorder) OnJobDetected(jobs []models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detected = append(r.detected, jobs...)
}

func (r *Recorder) OnClaimOutcome(out models.ClaimOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
}

func (r *Recorder) OnCapacityReconciled(m models.CapacityMismatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches = append(r.mismatches, m)
}

func (r *Recorder) OnStatus(rec models.StatusRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, rec)
}

func (r *Recorder) OnAnomaly(a models.Anomaly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, a)
}

func (r *Recorder) Detected() []models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Job(nil), r.detected...)
}

func (r *Recorder) Outcomes() []models.ClaimOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ClaimOutcome(nil), r.outcomes...)
}

func (r *Recorder) Mismatches() []models.CapacityMismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CapacityMismatch(nil), r.mismatches...)
}

func (r *Recorder) Statuses() []models.StatusRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StatusRecord(nil), r.statuses...)
}

func (r *Recorder) Anomalies() []models.Anomaly {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Anomaly(nil), r.anomalies...)
}

// StatusesFor returns the statuses recorded for one job id, in order.
func (r *Recorder) StatusesFor(jobID string) []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Status
	for _, rec := range r.statuses {
		if rec.JobID == jobID {
			out = append(out, rec.Status)
		}
	}
	return out
}
