// Package dispatch routes ranked candidates to accounts and runs claim attempts, one
// batch at a time.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"claim-swarm/internal/capacity"
	"claim-swarm/internal/claim"
	"claim-swarm/internal/events"
	"claim-swarm/internal/filter"
	"claim-swarm/internal/models"
)

// State is the scheduler's position in its batch cycle.
type State int

const (
	Idle State = iota
	Dispatching
	Draining
)

func (s State) String() string {
	switch s {
	case Dispatching:
		return "dispatching"
	case Draining:
		return "draining"
	default:
		return "idle"
	}
}

// Capacity is the slice of the capacity tracker the scheduler mutates.
type Capacity interface {
	Accounts() []int
	TryReserve(accountID int, cat models.Category) bool
	Reserve(accountID int, cat models.Category, delta int) models.Capacity
	Reconcile(ctx context.Context) capacity.Reconciliation
}

// Options tunes the scheduler.
type Options struct {
	// FanOut is the number of simultaneous attempts per account.
	FanOut           int
	AttemptTimeout   time.Duration
	ReconcileTimeout time.Duration
	// DeferReconcile skips the post-batch reconcile while it reports true (burst mode).
	DeferReconcile func() bool
}

// Scheduler keeps at most one batch in flight. Batches that arrive meanwhile are merged
// by job id into a pending buffer that is dispatched as soon as the current one settles.
type Scheduler struct {
	capacity Capacity
	strategy claim.Strategy
	sink     events.Sink
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	pending map[string]models.Job
	order   []string
	idle    chan struct{}
	passes  int
	fatal   chan error
	halted  bool
}

// NewScheduler builds an idle scheduler.
func NewScheduler(capacity Capacity, strategy claim.Strategy, sink events.Sink, opts Options, logger *zap.Logger) *Scheduler {
	if opts.FanOut < 1 {
		opts.FanOut = 5
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 45 * time.Second
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = 30 * time.Second
	}
	if opts.DeferReconcile == nil {
		opts.DeferReconcile = func() bool { return false }
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		capacity: capacity,
		strategy: strategy,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		pending:  make(map[string]models.Job),
		idle:     idle,
		fatal:    make(chan error, 1),
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Passes is the number of batches dispatched so far.
func (s *Scheduler) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

// Fatal delivers an error when the scheduler's own bookkeeping fails. The run loop
// should stop when it fires.
func (s *Scheduler) Fatal() <-chan error {
	return s.fatal
}

// Submit hands a filtered detection to the scheduler. Candidates overwrite pending
// entries with the same id; ids the latest detection rejected are dropped from pending.
// If the scheduler is idle a dispatch starts in the background.
func (s *Scheduler) Submit(ctx context.Context, res filter.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return
	}
	for _, r := range res.Rejected {
		s.removePendingLocked(r.Job.ID)
	}
	for _, job := range res.Candidates() {
		if _, ok := s.pending[job.ID]; !ok {
			s.order = append(s.order, job.ID)
		}
		s.pending[job.ID] = job
	}
	if s.state == Idle && len(s.pending) > 0 {
		s.startLocked(ctx)
	}
}

// Halt stops all further claiming for the rest of the run. Pending jobs are dropped and
// reported check-only, and later Submit calls are ignored. A batch already in flight
// still settles.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	s.halted = true
	dropped := s.takePendingLocked()
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.logger.Warn("claiming halted, dropping pending jobs", zap.Int("jobs", len(dropped)))
	}
	for _, job := range dropped {
		s.sink.OnStatus(models.NewStatusRecord(job, models.StatusCheckOnly, 0, "claiming halted"))
	}
}

// Halted reports whether Halt has been called.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Wait blocks until the scheduler is idle or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReconcileIfIdle runs an out-of-band reconcile when no batch is in flight. It reports
// whether the reconcile ran.
func (s *Scheduler) ReconcileIfIdle(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return false
	}
	s.state = Draining
	s.idle = make(chan struct{})
	s.mu.Unlock()

	s.guard(func() { s.reconcile(ctx) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Draining {
		return true
	}
	if len(s.pending) > 0 {
		s.state = Dispatching
		go s.loop(ctx)
		return true
	}
	s.state = Idle
	close(s.idle)
	return true
}

func (s *Scheduler) startLocked(ctx context.Context) {
	s.state = Dispatching
	s.idle = make(chan struct{})
	go s.loop(ctx)
}

func (s *Scheduler) removePendingLocked(id string) {
	if _, ok := s.pending[id]; !ok {
		return
	}
	delete(s.pending, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) takePendingLocked() []models.Job {
	batch := make([]models.Job, 0, len(s.order))
	for _, id := range s.order {
		batch = append(batch, s.pending[id])
	}
	s.pending = make(map[string]models.Job)
	s.order = nil
	return batch
}

// guard runs fn and turns a panic into a fatal error, leaving the scheduler idle.
func (s *Scheduler) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("scheduler bookkeeping panic: %v", r)
			s.logger.Error("dispatch loop aborted", zap.Error(err))
			select {
			case s.fatal <- err:
			default:
			}
			s.mu.Lock()
			s.state = Idle
			close(s.idle)
			s.mu.Unlock()
		}
	}()
	fn()
}

// loop dispatches pending batches until none remain.
func (s *Scheduler) loop(ctx context.Context) {
	s.guard(func() { s.drain(ctx) })
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.state = Idle
			close(s.idle)
			s.mu.Unlock()
			return
		}
		batch := s.takePendingLocked()
		s.state = Dispatching
		s.passes++
		s.mu.Unlock()

		s.dispatch(ctx, batch)

		s.mu.Lock()
		s.state = Draining
		s.mu.Unlock()
		if s.opts.DeferReconcile() {
			s.logger.Debug("reconcile deferred")
			continue
		}
		s.reconcile(ctx)
	}
}

// Assign maps ranked candidates onto accounts. Singles go first, then grouped; each job
// goes to the lowest account id with expected room, which is reserved immediately.
func (s *Scheduler) Assign(single, grouped []models.Job) (map[int][]models.Job, []models.Job) {
	accounts := s.capacity.Accounts()
	sort.Ints(accounts)
	assigned := make(map[int][]models.Job)
	var exhausted []models.Job
	for _, list := range [][]models.Job{single, grouped} {
		for _, job := range list {
			placed := false
			for _, id := range accounts {
				if s.capacity.TryReserve(id, job.Category()) {
					assigned[id] = append(assigned[id], job)
					placed = true
					break
				}
			}
			if !placed {
				exhausted = append(exhausted, job)
			}
		}
	}
	return assigned, exhausted
}

func (s *Scheduler) dispatch(ctx context.Context, batch []models.Job) {
	single, grouped := filter.Rank(batch)
	assigned, exhausted := s.Assign(single, grouped)

	for _, job := range exhausted {
		s.sink.OnClaimOutcome(models.NewOutcome(0, job, models.ReasonCapacityExhausted, nil))
		s.sink.OnStatus(models.NewStatusRecord(job, models.StatusIgnoredCapacity, 0, "no account with room"))
	}

	accounts := make([]int, 0, len(assigned))
	for id := range assigned {
		accounts = append(accounts, id)
	}
	sort.Ints(accounts)
	s.logger.Info("dispatching batch",
		zap.Int("jobs", len(batch)),
		zap.Int("accounts", len(accounts)),
		zap.Int("capacity_exhausted", len(exhausted)),
	)

	var wg sync.WaitGroup
	for _, id := range accounts {
		wg.Add(1)
		go func(accountID int, jobs []models.Job) {
			defer wg.Done()
			s.runAccount(ctx, accountID, jobs)
		}(id, assigned[id])
	}
	wg.Wait()
}

// runAccount processes one account's jobs in chunks of FanOut, waiting for each chunk.
func (s *Scheduler) runAccount(ctx context.Context, accountID int, jobs []models.Job) {
	for start := 0; start < len(jobs); start += s.opts.FanOut {
		end := start + s.opts.FanOut
		if end > len(jobs) {
			end = len(jobs)
		}
		var wg sync.WaitGroup
		for _, job := range jobs[start:end] {
			wg.Add(1)
			go func(job models.Job) {
				defer wg.Done()
				attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AttemptTimeout)
				defer cancel()
				out := claim.Attempt(attemptCtx, s.strategy, accountID, job)
				s.record(accountID, job, out)
			}(job)
		}
		wg.Wait()
	}
}

func (s *Scheduler) record(accountID int, job models.Job, out models.ClaimOutcome) {
	if !out.OK {
		s.capacity.Reserve(accountID, job.Category(), -1)
	}
	s.sink.OnClaimOutcome(out)

	status := models.StatusTaken
	if !out.OK {
		status = models.StatusFailed
	}
	s.sink.OnStatus(models.NewStatusRecord(job, status, accountID, string(out.Reason)))

	if out.Reason == models.ReasonRateLimited {
		s.sink.OnAnomaly(models.Anomaly{
			Kind:      models.AnomalyRateLimited,
			AccountID: accountID,
			JobID:     job.ID,
			Detail:    "claim endpoint signalled rate limiting; consider pausing the run",
		})
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReconcileTimeout)
	defer cancel()
	res := s.capacity.Reconcile(rctx)
	for _, m := range res.Mismatches {
		s.sink.OnCapacityReconciled(m)
		s.sink.OnAnomaly(models.Anomaly{
			Kind:      models.AnomalyCapacityMismatch,
			AccountID: m.AccountID,
			Detail: fmt.Sprintf("%s expected %d/%d, site shows %d/%d",
				m.Category, m.Expected.Current, m.Expected.Max, m.Actual.Current, m.Actual.Max),
		})
	}
	for _, f := range res.Failures {
		s.sink.OnAnomaly(models.Anomaly{
			Kind:      models.AnomalySessionLost,
			AccountID: f.AccountID,
			Detail:    "capacity unreadable, account skipped until next reconcile: " + f.Err.Error(),
		})
	}
}
