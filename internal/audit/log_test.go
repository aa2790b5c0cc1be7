package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claim-swarm/internal/models"
	"claim-swarm/internal/store"
)

type fakeDB struct {
	mu       sync.Mutex
	execs    []string
	batches  [][]*pgx.QueuedQuery
	batchErr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr == nil {
		f.batches = append(f.batches, b.QueuedQueries)
	}
	return &fakeResults{err: f.batchErr}
}

func (f *fakeDB) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeResults struct{ err error }

func (r *fakeResults) Exec() (pgconn.CommandTag, error) { return pgconn.NewCommandTag("INSERT 0 1"), r.err }
func (r *fakeResults) Query() (pgx.Rows, error)         { return nil, r.err }
func (r *fakeResults) QueryRow() pgx.Row                { return nil }
func (r *fakeResults) Close() error                     { return nil }

func status(jobID string, s models.Status) models.StatusRecord {
	return models.NewStatusRecord(models.Job{ID: jobID, Price: 30, VariationCount: 1}, s, 0, "")
}

func TestEnsureSchemaQuotesTable(t *testing.T) {
	db := &fakeDB{}
	l := NewLog(db, nil, Options{Schema: "audit", Table: "claims"}, nil)
	require.NoError(t, l.EnsureSchema(context.Background()))
	require.Len(t, db.execs, 2)
	assert.Contains(t, db.execs[0], `"audit"."claims"`)
	assert.True(t, strings.HasPrefix(db.execs[1], "CREATE INDEX IF NOT EXISTS"))
}

func TestOnStatusDedupesWithinWindow(t *testing.T) {
	db := &fakeDB{}
	l := NewLog(db, store.NewMemoryDeduper(), Options{BatchSize: 10}, nil)

	l.OnStatus(status("1", models.StatusDetectedQueued))
	l.OnStatus(status("1", models.StatusDetectedQueued))
	l.OnStatus(status("1", models.StatusTaken))
	l.OnStatus(status("2", models.StatusDetectedQueued))

	assert.Equal(t, 3, l.Pending())
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, 3, db.rows())
	assert.Equal(t, 0, l.Pending())
}

func TestDedupeIsScopedToRun(t *testing.T) {
	shared := store.NewMemoryDeduper()
	dbA, dbB := &fakeDB{}, &fakeDB{}
	runA := NewLog(dbA, shared, Options{BatchSize: 10}, nil)
	runB := NewLog(dbB, shared, Options{BatchSize: 10}, nil)

	recA := status("7", models.StatusFailed)
	recA.RunID = "run-a"
	recB := status("7", models.StatusFailed)
	recB.RunID = "run-b"

	runA.OnStatus(recA)
	runA.OnStatus(recA)
	runB.OnStatus(recB)

	require.NoError(t, runA.Flush(context.Background()))
	require.NoError(t, runB.Flush(context.Background()))
	assert.Equal(t, 1, dbA.rows())
	assert.Equal(t, 1, dbB.rows())
}

func TestFullBatchFlushesImmediately(t *testing.T) {
	db := &fakeDB{}
	l := NewLog(db, nil, Options{BatchSize: 2}, nil)

	l.OnStatus(status("1", models.StatusCheckOnly))
	assert.Equal(t, 0, db.rows())
	l.OnStatus(status("2", models.StatusCheckOnly))
	assert.Equal(t, 2, db.rows())

	args := db.batches[0][0].Arguments
	assert.Equal(t, "check_only", args[1])
	assert.Equal(t, "Check Only Mode", args[2])
	assert.Nil(t, args[4], "unassigned account is stored as NULL")
}

func TestFailedFlushRequeuesAndBounds(t *testing.T) {
	db := &fakeDB{batchErr: errors.New("postgres down")}
	l := NewLog(db, nil, Options{BatchSize: 100, MaxBuffered: 3}, nil)

	for _, id := range []string{"1", "2", "3"} {
		l.OnStatus(status(id, models.StatusFailed))
	}
	require.Error(t, l.Flush(context.Background()))
	assert.Equal(t, 3, l.Pending())

	l.OnStatus(status("4", models.StatusFailed))
	require.Error(t, l.Flush(context.Background()))
	assert.Equal(t, 3, l.Pending())
	assert.Equal(t, 1, l.Dropped())

	db.mu.Lock()
	db.batchErr = nil
	db.mu.Unlock()
	require.NoError(t, l.Flush(context.Background()))
	require.Len(t, db.batches, 1)
	assert.Equal(t, "2", db.batches[0][0].Arguments[3], "oldest record is dropped first")
}

func TestRunFlushesOnShutdown(t *testing.T) {
	db := &fakeDB{}
	l := NewLog(db, nil, Options{BatchSize: 100, FlushInterval: time.Hour}, nil)
	l.OnStatus(status("1", models.StatusTaken))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Second)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, 1, db.rows())
}
