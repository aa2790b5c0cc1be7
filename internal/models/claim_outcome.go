package models

import "time"

// ClaimReason is the terminal reason for one claim attempt.
type ClaimReason string

const (
	ReasonSecured           ClaimReason = "secured"
	ReasonUnverified        ClaimReason = "unverified"
	ReasonTooLate           ClaimReason = "too_late"
	ReasonForbidden         ClaimReason = "forbidden"
	ReasonMissingControl    ClaimReason = "missing_control"
	ReasonException         ClaimReason = "exception"
	ReasonCapacityExhausted ClaimReason = "capacity_exhausted"
	ReasonRateLimited       ClaimReason = "rate_limited"
)

// ClaimOutcome is the immutable result of one (account, job) attempt.
type ClaimOutcome struct {
	RunID     string      `json:"run_id,omitempty"`
	AccountID int         `json:"account_id"`
	JobID     string      `json:"job_id"`
	Category  Category    `json:"category"`
	Price     float64     `json:"price"`
	OK        bool        `json:"ok"`
	Reason    ClaimReason `json:"reason"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// NewOutcome builds an outcome stamped with the current time.
func NewOutcome(accountID int, job Job, reason ClaimReason, err error) ClaimOutcome {
	out := ClaimOutcome{
		AccountID: accountID,
		JobID:     job.ID,
		Category:  job.Category(),
		Price:     job.Price,
		OK:        reason == ReasonSecured || reason == ReasonUnverified,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
