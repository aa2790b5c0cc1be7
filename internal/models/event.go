package models

import (
	"encoding/json"
	"time"
)

// EventType names the payload carried by an Event.
type EventType string

const (
	EventJobDetected        EventType = "job_detected"
	EventClaimOutcome       EventType = "claim_outcome"
	EventCapacityReconciled EventType = "capacity_reconciled"
	EventStatus             EventType = "status"
	EventAnomaly            EventType = "anomaly"
)

// Event is the envelope written to the events topic.
type Event struct {
	RunID   string          `json:"run_id"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent marshals payload into an envelope.
func NewEvent(runID string, eventType EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{RunID: runID, Type: eventType, Payload: raw, At: time.Now().UTC()}, nil
}
