package capacity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"claim-swarm/internal/models"
)

// Reader re-reads the confirmed counters for one account. Implementations may block
// while the page re-renders.
type Reader interface {
	ReadCapacity(ctx context.Context, accountID int) (models.CapacitySnapshot, error)
}

// ReadFailure is an account whose counters could not be read during reconciliation.
type ReadFailure struct {
	AccountID int
	Err       error
}

func (f ReadFailure) Error() string {
	return fmt.Sprintf("account %d: %v", f.AccountID, f.Err)
}

// Reconciliation is the result of one reconcile pass.
type Reconciliation struct {
	Mismatches []models.CapacityMismatch
	Failures   []ReadFailure
}

// Tracker keeps the actual (last confirmed) and expected (optimistic) views.
type Tracker struct {
	reader   Reader
	caps     Caps
	accounts []int
	logger   *zap.Logger

	mu       sync.Mutex
	actual   map[int]models.CapacitySnapshot
	expected map[int]models.CapacitySnapshot
	seeded   map[int]bool
}

// NewTracker builds a tracker for the given accounts. Expected capacity starts at zero
// until the first reconcile.
func NewTracker(reader Reader, accounts []int, caps Caps, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := append([]int(nil), accounts...)
	sort.Ints(ids)
	t := &Tracker{
		reader:   reader,
		caps:     caps,
		accounts: ids,
		logger:   logger,
		actual:   make(map[int]models.CapacitySnapshot, len(ids)),
		expected: make(map[int]models.CapacitySnapshot, len(ids)),
		seeded:   make(map[int]bool, len(ids)),
	}
	for _, id := range ids {
		t.expected[id] = models.CapacitySnapshot{AccountID: id}
		t.actual[id] = models.CapacitySnapshot{AccountID: id}
	}
	return t
}

// Accounts returns account ids in ascending (priority) order.
func (t *Tracker) Accounts() []int {
	return append([]int(nil), t.accounts...)
}

// GetSnapshot re-reads the confirmed counters for one account and records them as actual.
func (t *Tracker) GetSnapshot(ctx context.Context, accountID int) (models.CapacitySnapshot, error) {
	snap, err := t.reader.ReadCapacity(ctx, accountID)
	if err != nil {
		return models.CapacitySnapshot{}, err
	}
	snap.AccountID = accountID
	t.mu.Lock()
	t.actual[accountID] = snap
	t.mu.Unlock()
	return snap, nil
}

// Expected returns the optimistic view for an account.
func (t *Tracker) Expected(accountID int) models.CapacitySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expected[accountID]
}

// Actual returns the last confirmed view for an account.
func (t *Tracker) Actual(accountID int) models.CapacitySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actual[accountID]
}

// AllFull reports whether no account has expected room in either category.
func (t *Tracker) AllFull() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.accounts {
		if !t.expected[id].Full() {
			return false
		}
	}
	return true
}

// Reserve moves delta slots of a category into (delta > 0) or back out of (delta < 0)
// the expected held count. Available never goes negative.
func (t *Tracker) Reserve(accountID int, cat models.Category, delta int) models.Capacity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserveLocked(accountID, cat, delta)
}

// TryReserve takes one slot if the expected view has room.
func (t *Tracker) TryReserve(accountID int, cat models.Category) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.expected[accountID]
	if !ok || snap.Get(cat).Available <= 0 {
		return false
	}
	t.reserveLocked(accountID, cat, 1)
	return true
}

func (t *Tracker) reserveLocked(accountID int, cat models.Category, delta int) models.Capacity {
	snap, ok := t.expected[accountID]
	if !ok {
		return models.Capacity{}
	}
	c := snap.Get(cat)
	if delta > 0 && delta > c.Available {
		delta = c.Available
	}
	c.Current += delta
	c = ApplyCap(c, t.caps.For(cat))
	snap.Set(cat, c)
	t.expected[accountID] = snap
	return c
}

// Reconcile re-reads every account, reports where expected disagreed with the capped
// actual view, and resets expected to it. Accounts that cannot be read get zero expected
// availability until the next pass. Callers must not run it while attempts are in flight.
func (t *Tracker) Reconcile(ctx context.Context) Reconciliation {
	type read struct {
		id   int
		snap models.CapacitySnapshot
		err  error
	}
	results := make([]read, len(t.accounts))
	var wg sync.WaitGroup
	for i, id := range t.accounts {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			snap, err := t.reader.ReadCapacity(ctx, id)
			results[i] = read{id: id, snap: snap, err: err}
		}(i, id)
	}
	wg.Wait()

	var out Reconciliation
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range results {
		if r.err != nil {
			t.logger.Warn("capacity read failed, treating account as full",
				zap.Int("account_id", r.id), zap.Error(r.err))
			t.expected[r.id] = models.CapacitySnapshot{AccountID: r.id}
			t.seeded[r.id] = false
			out.Failures = append(out.Failures, ReadFailure{AccountID: r.id, Err: r.err})
			continue
		}
		r.snap.AccountID = r.id
		t.actual[r.id] = r.snap
		capped := ApplyCaps(r.snap, t.caps)
		if t.seeded[r.id] {
			prev := t.expected[r.id]
			for _, cat := range models.Categories {
				if prev.Get(cat) != capped.Get(cat) {
					out.Mismatches = append(out.Mismatches, models.CapacityMismatch{
						AccountID: r.id,
						Category:  cat,
						Expected:  prev.Get(cat),
						Actual:    capped.Get(cat),
					})
				}
			}
		}
		t.expected[r.id] = capped
		t.seeded[r.id] = true
	}
	return out
}
