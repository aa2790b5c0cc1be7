package models

import "time"

// Status is the audit-log state attached to a job.
type Status string

const (
	StatusDetectedQueued    Status = "detected_queued"
	StatusTaken             Status = "taken"
	StatusFailed            Status = "failed"
	StatusCheckOnly         Status = "check_only"
	StatusIgnoredCapacity   Status = "ignored_capacity"
	StatusIgnoredLowPrice   Status = "ignored_low_price"
	StatusIgnoredKeyword    Status = "ignored_keyword"
	StatusIgnoredComplexity Status = "ignored_complexity"
)

var statusLabels = map[Status]string{
	StatusDetectedQueued:    "Detected (Queued)",
	StatusTaken:             "Job taken",
	StatusFailed:            "Failed to take job",
	StatusCheckOnly:         "Check Only Mode",
	StatusIgnoredCapacity:   "Ignored: Capacity Full",
	StatusIgnoredLowPrice:   "Ignored: Low Price",
	StatusIgnoredKeyword:    "Ignored: Excluded Keyword",
	StatusIgnoredComplexity: "Ignored: High Complexity",
}

// Label is the human-readable form written to the audit log.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return "Job ignored"
}

// StatusRecord is one audit-log row.
type StatusRecord struct {
	RunID          string    `json:"run_id,omitempty"`
	Status         Status    `json:"status"`
	JobID          string    `json:"job_id"`
	AccountID      int       `json:"account_id,omitempty"`
	URL            string    `json:"url,omitempty"`
	Title          string    `json:"title,omitempty"`
	Price          float64   `json:"price"`
	PricePerUnit   float64   `json:"price_per_unit"`
	IsGrouped      bool      `json:"is_grouped"`
	VariationCount int       `json:"variation_count"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// NewStatusRecord snapshots the job fields the audit log keeps.
func NewStatusRecord(job Job, status Status, accountID int, detail string) StatusRecord {
	return StatusRecord{
		Status:         status,
		JobID:          job.ID,
		AccountID:      accountID,
		URL:            job.URL,
		Title:          job.Title,
		Price:          job.Price,
		PricePerUnit:   job.PricePerUnit,
		IsGrouped:      job.IsGrouped,
		VariationCount: job.VariationCount,
		Detail:         detail,
		At:             time.Now().UTC(),
	}
}

// AnomalyKind classifies operator-facing anomalies.
type AnomalyKind string

const (
	AnomalyCapacityMismatch AnomalyKind = "capacity_mismatch"
	AnomalyRateLimited      AnomalyKind = "rate_limited"
	AnomalyFloodGuard       AnomalyKind = "flood_guard"
	AnomalySessionLost      AnomalyKind = "session_lost"
)

// Anomaly is raised loudly but never stops the run.
type Anomaly struct {
	RunID     string      `json:"run_id,omitempty"`
	Kind      AnomalyKind `json:"kind"`
	AccountID int         `json:"account_id,omitempty"`
	JobID     string      `json:"job_id,omitempty"`
	Detail    string      `json:"detail"`
	At        time.Time   `json:"at"`
}
