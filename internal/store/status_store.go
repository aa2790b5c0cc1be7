// Package store keeps short-lived run state in Redis.
package store

//go:generate mockgen -destination=../../mocks/mock_store.go -package=mocks claim-swarm/internal/store StatusStore

import (
	"context"
	"time"

	"claim-swarm/internal/models"
)

// LatestRunID is the id under which the most recent run status is also stored.
const LatestRunID = "latest"

// Key prefixes shared by the agent and the API.
const (
	StatusPrefix = "claim-swarm:run:"
	AuditPrefix  = "claim-swarm:audit:"
)

// StatusStore persists agent run status.
type StatusStore interface {
	SetStatus(ctx context.Context, status models.RunStatus) error
	GetStatus(ctx context.Context, runID string) (models.RunStatus, bool, error)
}

// Deduper remembers keys for a window. SetNX reports true the first time a key is set
// within ttl.
type Deduper interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Close() error
}
