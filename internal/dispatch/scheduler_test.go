package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claim-swarm/internal/capacity"
	"claim-swarm/internal/claim"
	"claim-swarm/internal/events"
	"claim-swarm/internal/filter"
	"claim-swarm/internal/models"
)

type fakeReader struct {
	mu    sync.Mutex
	snaps map[int]models.CapacitySnapshot
}

func newFakeReader(single map[int]models.Capacity) *fakeReader {
	r := &fakeReader{snaps: make(map[int]models.CapacitySnapshot)}
	for id, c := range single {
		r.snaps[id] = models.CapacitySnapshot{AccountID: id, Single: c, Grouped: models.Capacity{Max: 5, Available: 5}}
	}
	return r
}

func (r *fakeReader) ReadCapacity(_ context.Context, accountID int) (models.CapacitySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[accountID], nil
}

type recordingStrategy struct {
	mu       sync.Mutex
	attempts []models.Job
	accounts map[string]int
	reason   func(job models.Job) models.ClaimReason
}

func (s *recordingStrategy) AttemptClaim(_ context.Context, accountID int, job models.Job) models.ClaimOutcome {
	s.mu.Lock()
	s.attempts = append(s.attempts, job)
	if s.accounts == nil {
		s.accounts = make(map[string]int)
	}
	s.accounts[job.ID] = accountID
	s.mu.Unlock()
	reason := models.ReasonSecured
	if s.reason != nil {
		reason = s.reason(job)
	}
	return models.NewOutcome(accountID, job, reason, nil)
}

func (s *recordingStrategy) Attempts() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Job(nil), s.attempts...)
}

func seededTracker(t *testing.T, reader capacity.Reader, accounts ...int) *capacity.Tracker {
	t.Helper()
	tr := capacity.NewTracker(reader, accounts, capacity.Caps{}, nil)
	res := tr.Reconcile(context.Background())
	require.Empty(t, res.Failures)
	return tr
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func single(id string, price float64) models.Job {
	return models.Job{ID: id, Price: price, VariationCount: 1}
}

func TestAssignIsDeterministic(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{
		2: {Max: 1, Available: 1},
		1: {Max: 1, Available: 1},
	})
	tr := seededTracker(t, reader, 2, 1)
	s := NewScheduler(tr, &recordingStrategy{}, nil, Options{}, nil)

	ranked, _ := filter.Rank([]models.Job{single("30", 30), single("50", 50)})
	assigned, exhausted := s.Assign(ranked, nil)

	assert.Empty(t, exhausted)
	require.Len(t, assigned[1], 1)
	require.Len(t, assigned[2], 1)
	assert.Equal(t, "50", assigned[1][0].ID)
	assert.Equal(t, "30", assigned[2][0].ID)
	assert.Equal(t, 0, tr.Expected(1).Single.Available)
	assert.Equal(t, 0, tr.Expected(2).Single.Available)
}

func TestAssignSinglesBeforeGrouped(t *testing.T) {
	reader := &fakeReader{snaps: map[int]models.CapacitySnapshot{
		1: {Single: models.Capacity{Max: 1, Available: 1}, Grouped: models.Capacity{Max: 1, Available: 1}},
	}}
	tr := seededTracker(t, reader, 1)
	s := NewScheduler(tr, &recordingStrategy{}, nil, Options{}, nil)

	grouped := models.Job{ID: "g", Price: 400, IsGrouped: true, VariationCount: 4, PricePerUnit: 100}
	assigned, exhausted := s.Assign([]models.Job{single("s", 30), single("s2", 28)}, []models.Job{grouped})

	require.Len(t, assigned[1], 2)
	assert.Equal(t, "s", assigned[1][0].ID)
	assert.Equal(t, "g", assigned[1][1].ID)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "s2", exhausted[0].ID)
}

func TestSubmitDispatchesAndReportsOnce(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 1, Available: 1}})
	tr := seededTracker(t, reader, 1)
	strategy := &recordingStrategy{}
	rec := &events.Recorder{}
	s := NewScheduler(tr, strategy, rec, Options{DeferReconcile: func() bool { return true }}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("1", 30), single("2", 28)}})
	waitIdle(t, s)

	require.Len(t, strategy.Attempts(), 1)
	assert.Equal(t, "1", strategy.Attempts()[0].ID)

	outcomes := rec.Outcomes()
	require.Len(t, outcomes, 2)
	byJob := map[string]models.ClaimOutcome{}
	for _, o := range outcomes {
		byJob[o.JobID] = o
	}
	assert.Equal(t, models.ReasonSecured, byJob["1"].Reason)
	assert.Equal(t, models.ReasonCapacityExhausted, byJob["2"].Reason)
	assert.Equal(t, []models.Status{models.StatusTaken}, rec.StatusesFor("1"))
	assert.Equal(t, []models.Status{models.StatusIgnoredCapacity}, rec.StatusesFor("2"))
	assert.Equal(t, Idle, s.State())
}

func TestSecondBatchDuringDispatchRunsOnceAfterSettle(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 10, Available: 10}})
	tr := seededTracker(t, reader, 1)

	entered := make(chan struct{})
	gate := make(chan struct{})
	strategy := &recordingStrategy{}
	blocking := claim.StrategyFunc(func(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome {
		if job.ID == "X" {
			close(entered)
			<-gate
		}
		return strategy.AttemptClaim(ctx, accountID, job)
	})
	s := NewScheduler(tr, blocking, nil, Options{}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("X", 40)}})
	<-entered
	assert.Equal(t, Dispatching, s.State())

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("A", 30), single("B", 26)}})
	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("A", 30), single("B", 26)}})
	assert.Empty(t, strategy.Attempts(), "nothing from the second batch may start before the first settles")

	close(gate)
	waitIdle(t, s)

	ids := map[string]int{}
	for _, j := range strategy.Attempts() {
		ids[j.ID]++
	}
	assert.Equal(t, map[string]int{"X": 1, "A": 1, "B": 1}, ids)
	assert.Equal(t, 2, s.Passes())
}

func TestPendingKeepsLatestDetection(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 10, Available: 10}})
	tr := seededTracker(t, reader, 1)

	entered := make(chan struct{})
	gate := make(chan struct{})
	strategy := &recordingStrategy{}
	blocking := claim.StrategyFunc(func(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome {
		if job.ID == "first" {
			close(entered)
			<-gate
		}
		return strategy.AttemptClaim(ctx, accountID, job)
	})
	s := NewScheduler(tr, blocking, nil, Options{}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("first", 40)}})
	<-entered
	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("7", 20), single("9", 30)}})
	s.Submit(context.Background(), filter.Result{
		Single:   []models.Job{single("7", 25)},
		Rejected: []filter.Rejection{{Job: single("9", 10), Status: models.StatusIgnoredLowPrice}},
	})
	close(gate)
	waitIdle(t, s)

	var seven []models.Job
	for _, j := range strategy.Attempts() {
		require.NotEqual(t, "9", j.ID)
		if j.ID == "7" {
			seven = append(seven, j)
		}
	}
	require.Len(t, seven, 1)
	assert.Equal(t, 25.0, seven[0].Price)
}

func TestFailedAttemptsRollBackAndPanicsStayIsolated(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 5, Available: 5}})
	tr := seededTracker(t, reader, 1)
	rec := &events.Recorder{}
	strategy := claim.StrategyFunc(func(_ context.Context, accountID int, job models.Job) models.ClaimOutcome {
		switch job.ID {
		case "boom":
			panic("page crashed")
		case "late":
			return models.NewOutcome(accountID, job, models.ReasonTooLate, nil)
		}
		return models.NewOutcome(accountID, job, models.ReasonSecured, nil)
	})
	s := NewScheduler(tr, strategy, rec, Options{FanOut: 2, DeferReconcile: func() bool { return true }}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("ok", 50), single("boom", 40), single("late", 30)}})
	waitIdle(t, s)

	reasons := map[string]models.ClaimReason{}
	for _, o := range rec.Outcomes() {
		reasons[o.JobID] = o.Reason
	}
	assert.Equal(t, models.ReasonSecured, reasons["ok"])
	assert.Equal(t, models.ReasonException, reasons["boom"])
	assert.Equal(t, models.ReasonTooLate, reasons["late"])

	exp := tr.Expected(1).Single
	assert.Equal(t, 1, exp.Current)
	assert.Equal(t, 4, exp.Available)
}

func TestReconcileAfterBatchReportsMismatch(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 5, Available: 5}})
	tr := seededTracker(t, reader, 1)
	rec := &events.Recorder{}
	s := NewScheduler(tr, &recordingStrategy{}, rec, Options{}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("1", 30)}})
	waitIdle(t, s)

	mismatches := rec.Mismatches()
	require.Len(t, mismatches, 1)
	assert.Equal(t, models.CategorySingle, mismatches[0].Category)
	assert.Equal(t, 1, mismatches[0].Expected.Current)
	assert.Equal(t, 0, mismatches[0].Actual.Current)
	assert.Equal(t, 5, tr.Expected(1).Single.Available)

	var kinds []models.AnomalyKind
	for _, a := range rec.Anomalies() {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []models.AnomalyKind{models.AnomalyCapacityMismatch}, kinds)
}

func TestRateLimitedOutcomeRaisesAnomaly(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 5, Available: 5}})
	tr := seededTracker(t, reader, 1)
	rec := &events.Recorder{}
	strategy := &recordingStrategy{reason: func(models.Job) models.ClaimReason { return models.ReasonRateLimited }}
	s := NewScheduler(tr, strategy, rec, Options{DeferReconcile: func() bool { return true }}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("1", 30)}})
	waitIdle(t, s)

	require.Len(t, rec.Anomalies(), 1)
	assert.Equal(t, models.AnomalyRateLimited, rec.Anomalies()[0].Kind)
	assert.Equal(t, []models.Status{models.StatusFailed}, rec.StatusesFor("1"))
}

func TestReconcileIfIdle(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 5, Available: 5}})
	tr := capacity.NewTracker(reader, []int{1}, capacity.Caps{}, nil)
	s := NewScheduler(tr, &recordingStrategy{}, nil, Options{}, nil)

	assert.Equal(t, 0, tr.Expected(1).Single.Available)
	assert.True(t, s.ReconcileIfIdle(context.Background()))
	assert.Equal(t, 5, tr.Expected(1).Single.Available)
	assert.Equal(t, Idle, s.State())
}

func TestHaltDropsPendingAndIgnoresSubmit(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 10, Available: 10}})
	tr := seededTracker(t, reader, 1)

	entered := make(chan struct{})
	gate := make(chan struct{})
	strategy := &recordingStrategy{}
	blocking := claim.StrategyFunc(func(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome {
		if job.ID == "X" {
			close(entered)
			<-gate
		}
		return strategy.AttemptClaim(ctx, accountID, job)
	})
	rec := &events.Recorder{}
	s := NewScheduler(tr, blocking, rec, Options{DeferReconcile: func() bool { return true }}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("X", 40)}})
	<-entered
	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("A", 30)}})
	s.Halt()
	s.Halt()
	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("B", 30)}})

	close(gate)
	waitIdle(t, s)

	require.Len(t, strategy.Attempts(), 1)
	assert.Equal(t, "X", strategy.Attempts()[0].ID)
	assert.Equal(t, []models.Status{models.StatusCheckOnly}, rec.StatusesFor("A"))
	assert.Empty(t, rec.StatusesFor("B"))
	assert.Equal(t, 1, s.Passes())
	assert.True(t, s.Halted())
}

type brokenCapacity struct{ *capacity.Tracker }

func (brokenCapacity) Reconcile(context.Context) capacity.Reconciliation {
	panic("corrupt bookkeeping")
}

func TestBookkeepingPanicIsFatal(t *testing.T) {
	reader := newFakeReader(map[int]models.Capacity{1: {Max: 5, Available: 5}})
	tr := seededTracker(t, reader, 1)
	s := NewScheduler(brokenCapacity{tr}, &recordingStrategy{}, nil, Options{}, nil)

	s.Submit(context.Background(), filter.Result{Single: []models.Job{single("1", 30)}})
	select {
	case err := <-s.Fatal():
		assert.Contains(t, err.Error(), "corrupt bookkeeping")
	case <-time.After(2 * time.Second):
		t.Fatalf("expected fatal error")
	}
	waitIdle(t, s)
}
