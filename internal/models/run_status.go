package models

import "time"

// RunStatus tracks the state of one agent run.
type RunStatus struct {
	RunID        string    `json:"run_id"`
	State        string    `json:"state"`
	Accounts     int       `json:"accounts"`
	CheckOnly    bool      `json:"check_only"`
	FloodTripped bool      `json:"flood_tripped"`
	Burst        bool      `json:"burst"`
	Detected     int       `json:"detected"`
	Claimed      int       `json:"claimed"`
	Failed       int       `json:"failed"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
