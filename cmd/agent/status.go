package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"claim-swarm/internal/detect"
	"claim-swarm/internal/events"
	"claim-swarm/internal/models"
	"claim-swarm/internal/store"
)

const (
	stateRunning  = "running"
	stateFinished = "finished"
	stateFailed   = "failed"
)

type snapshotter interface {
	Snapshot() detect.Snapshot
}

type modeGauge interface {
	SetModes(burst, checkOnly bool)
}

// statusReporter counts outcomes as an event sink and periodically writes the run
// status to the status store.
type statusReporter struct {
	events.NopSink

	store    store.StatusStore
	detector snapshotter
	modes    modeGauge
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	status  models.RunStatus
	claimed int
	failed  int
}

func newStatusReporter(st store.StatusStore, runID string, accounts int, modes modeGauge, logger *zap.Logger) *statusReporter {
	now := time.Now
	return &statusReporter{
		store:  st,
		modes:  modes,
		logger: logger,
		now:    now,
		status: models.RunStatus{
			RunID:     runID,
			State:     stateRunning,
			Accounts:  accounts,
			StartedAt: now().UTC(),
		},
	}
}

func (r *statusReporter) OnClaimOutcome(out models.ClaimOutcome) {
	if out.AccountID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if out.OK {
		r.claimed++
	} else {
		r.failed++
	}
}

func (r *statusReporter) attach(d snapshotter) {
	r.mu.Lock()
	r.detector = d
	r.mu.Unlock()
}

func (r *statusReporter) current(state string) models.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	if state != "" {
		st.State = state
	}
	if r.detector != nil {
		snap := r.detector.Snapshot()
		st.Burst = snap.Burst
		st.CheckOnly = snap.CheckOnly
		st.FloodTripped = snap.FloodTripped
		st.Detected = snap.Detected
		if r.modes != nil {
			r.modes.SetModes(snap.Burst, snap.CheckOnly)
		}
	}
	st.Claimed = r.claimed
	st.Failed = r.failed
	st.UpdatedAt = r.now().UTC()
	return st
}

func (r *statusReporter) publish(ctx context.Context, state string) {
	if r.store == nil {
		return
	}
	st := r.current(state)
	if err := r.store.SetStatus(ctx, st); err != nil {
		r.logger.Warn("run status write failed", zap.Error(err))
	}
}

// run writes the status every interval until ctx ends.
func (r *statusReporter) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			r.publish(writeCtx, "")
			cancel()
		}
	}
}
