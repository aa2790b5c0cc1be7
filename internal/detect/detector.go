// Package detect polls the job source, filters what it sees and hands candidates to the
// dispatch scheduler, adapting its cadence to recent activity.
package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"claim-swarm/internal/events"
	"claim-swarm/internal/filter"
	"claim-swarm/internal/models"
)

// Feed lists the claimable jobs visible to one account right now.
type Feed interface {
	Poll(ctx context.Context, accountID int) ([]models.Job, error)
}

// Scheduler is the dispatch surface the detector drives.
type Scheduler interface {
	Submit(ctx context.Context, res filter.Result)
	ReconcileIfIdle(ctx context.Context) bool
	// Halt drops anything queued and refuses further submissions.
	Halt()
	Fatal() <-chan error
}

// CapacityView reports whether any account still has expected room.
type CapacityView interface {
	AllFull() bool
}

// Options tunes the detection loop.
type Options struct {
	Accounts      []int
	PollInterval  time.Duration
	BurstInterval time.Duration
	BurstGrace    time.Duration
	FloodCeiling  int
	CheckOnly     bool
}

// Snapshot is a point-in-time view of the detector for run-status reporting.
type Snapshot struct {
	Burst        bool
	CheckOnly    bool
	FloodTripped bool
	Detected     int
	Ticks        int
}

// Detector runs the poll, filter and submit cycle.
type Detector struct {
	feed     Feed
	engine   *filter.Engine
	sched    Scheduler
	capacity CapacityView
	sink     events.Sink
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	seen          map[string]struct{}
	burst         bool
	lastDetection time.Time
	rr            int
	checkOnly     bool
	floodTripped  bool
	ticks         int
}

// New builds a detector. Accounts must be non-empty.
func New(feed Feed, engine *filter.Engine, sched Scheduler, capacity CapacityView, sink events.Sink, opts Options, logger *zap.Logger) (*Detector, error) {
	if len(opts.Accounts) == 0 {
		return nil, fmt.Errorf("detector needs at least one account")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Second
	}
	if opts.BurstInterval <= 0 {
		opts.BurstInterval = time.Second
	}
	if opts.BurstGrace <= 0 {
		opts.BurstGrace = time.Minute
	}
	if opts.FloodCeiling <= 0 {
		opts.FloodCeiling = 20
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		feed:      feed,
		engine:    engine,
		sched:     sched,
		capacity:  capacity,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		seen:      make(map[string]struct{}),
		checkOnly: opts.CheckOnly,
	}, nil
}

// DeferReconcile reports whether post-batch reconciles should be skipped (burst mode).
func (d *Detector) DeferReconcile() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.burst
}

// Snapshot returns the detector's current mode and counters.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Burst:        d.burst,
		CheckOnly:    d.checkOnly,
		FloodTripped: d.floodTripped,
		Detected:     len(d.seen),
		Ticks:        d.ticks,
	}
}

// Tick runs one poll cycle. Poll errors are returned; the caller decides whether to
// keep going.
func (d *Detector) Tick(ctx context.Context) error {
	account := d.pollAccount()
	jobs, err := d.feed.Poll(ctx, account)
	d.mu.Lock()
	d.ticks++
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("poll feed as account %d: %w", account, err)
	}

	jobs = latestByID(jobs)
	fresh := d.markSeen(jobs)
	if len(fresh) > 0 {
		d.sink.OnJobDetected(fresh)
		for _, job := range fresh {
			d.sink.OnStatus(models.NewStatusRecord(job, models.StatusDetectedQueued, 0, ""))
		}
		d.enterBurst()
	}
	if len(jobs) == 0 {
		return nil
	}

	res := d.engine.Apply(jobs)
	for _, r := range res.Rejected {
		d.sink.OnStatus(models.NewStatusRecord(r.Job, r.Status, 0, r.Detail))
	}

	if n := res.Len(); n > d.opts.FloodCeiling && d.tripFloodGuard() {
		d.sched.Halt()
		d.logger.Error("flood guard tripped, switching to check-only for the rest of the run",
			zap.Int("candidates", n), zap.Int("ceiling", d.opts.FloodCeiling))
		d.sink.OnAnomaly(models.Anomaly{
			Kind:   models.AnomalyFloodGuard,
			Detail: fmt.Sprintf("%d candidates in one tick exceeds ceiling %d", n, d.opts.FloodCeiling),
		})
	}

	candidates := res.Candidates()
	if len(candidates) == 0 {
		return nil
	}
	if d.Snapshot().CheckOnly {
		for _, job := range candidates {
			d.sink.OnStatus(models.NewStatusRecord(job, models.StatusCheckOnly, 0, ""))
		}
		return nil
	}
	if d.allFull(ctx) {
		for _, job := range candidates {
			d.sink.OnStatus(models.NewStatusRecord(job, models.StatusIgnoredCapacity, 0, "all accounts full"))
		}
		return nil
	}
	d.sched.Submit(ctx, res)
	return nil
}

// Run polls until ctx ends or the scheduler reports a fatal error. The interval is
// measured from the start of each cycle.
func (d *Detector) Run(ctx context.Context) error {
	for {
		start := d.now()
		if err := d.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("detection tick failed", zap.Error(err))
		}

		wait := d.interval() - d.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case err := <-d.sched.Fatal():
			timer.Stop()
			return fmt.Errorf("dispatch failed: %w", err)
		case <-timer.C:
		}
		d.maybeExitBurst(ctx)
	}
}

func (d *Detector) interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.burst {
		return d.opts.BurstInterval
	}
	return d.opts.PollInterval
}

// pollAccount round-robins across accounts in burst mode and sticks to the first
// account otherwise.
func (d *Detector) pollAccount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.burst {
		return d.opts.Accounts[0]
	}
	id := d.opts.Accounts[d.rr%len(d.opts.Accounts)]
	d.rr++
	return id
}

func (d *Detector) markSeen(jobs []models.Job) []models.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	var fresh []models.Job
	for _, job := range jobs {
		if _, ok := d.seen[job.ID]; ok {
			continue
		}
		d.seen[job.ID] = struct{}{}
		fresh = append(fresh, job)
	}
	return fresh
}

func (d *Detector) enterBurst() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastDetection = d.now()
	if !d.burst {
		d.burst = true
		d.logger.Info("burst mode on", zap.Duration("interval", d.opts.BurstInterval))
	}
}

func (d *Detector) maybeExitBurst(ctx context.Context) {
	d.mu.Lock()
	if !d.burst || d.now().Sub(d.lastDetection) < d.opts.BurstGrace {
		d.mu.Unlock()
		return
	}
	d.burst = false
	d.mu.Unlock()
	d.logger.Info("burst mode off, reconciling capacity")
	d.sched.ReconcileIfIdle(ctx)
}

// tripFloodGuard switches to check-only. It reports true only the first time.
func (d *Detector) tripFloodGuard() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOnly = true
	if d.floodTripped {
		return false
	}
	d.floodTripped = true
	return true
}

// allFull reports whether no account can take work. Outside burst mode a stale view is
// refreshed first. While a batch is in flight the candidates are queued instead, since
// rollbacks may free slots.
func (d *Detector) allFull(ctx context.Context) bool {
	if d.capacity == nil || !d.capacity.AllFull() {
		return false
	}
	if d.DeferReconcile() {
		return true
	}
	if !d.sched.ReconcileIfIdle(ctx) {
		return false
	}
	return d.capacity.AllFull()
}

// latestByID keeps one entry per id, the last one seen, at the position of the first.
func latestByID(jobs []models.Job) []models.Job {
	index := make(map[string]int, len(jobs))
	out := make([]models.Job, 0, len(jobs))
	for _, job := range jobs {
		if i, ok := index[job.ID]; ok {
			out[i] = job
			continue
		}
		index[job.ID] = len(out)
		out = append(out, job)
	}
	return out
}
