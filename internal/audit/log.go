// Package audit keeps a durable, human-readable log of every job status in Postgres.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"claim-swarm/internal/events"
	"claim-swarm/internal/models"
	"claim-swarm/internal/store"
)

// DB is the part of pgxpool.Pool the log uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Options tunes buffering and deduplication.
type Options struct {
	Schema        string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	DedupeWindow  time.Duration
	// MaxBuffered bounds how many records are kept while the database is unreachable.
	MaxBuffered int
}

// Log buffers status records and writes them in batches. The same (run, job, status)
// triple is written at most once per dedupe window. It implements events.Sink.
type Log struct {
	events.NopSink

	db     DB
	dedupe store.Deduper
	opts   Options
	table  string
	logger *zap.Logger

	mu      sync.Mutex
	buf     []models.StatusRecord
	flushMu sync.Mutex
	dropped int
}

// NewLog builds a log. dedupe may be nil to keep every record.
func NewLog(db DB, dedupe store.Deduper, opts Options, logger *zap.Logger) *Log {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.Table == "" {
		opts.Table = "claim_audit"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 6 * time.Hour
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 10 * opts.BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		db:     db,
		dedupe: dedupe,
		opts:   opts,
		table:  pgx.Identifier{opts.Schema, opts.Table}.Sanitize(),
		logger: logger,
	}
}

// EnsureSchema creates the audit table if it does not exist.
func (l *Log) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + l.table + ` (
		id              BIGSERIAL PRIMARY KEY,
		run_id          TEXT NOT NULL,
		status          TEXT NOT NULL,
		label           TEXT NOT NULL,
		job_id          TEXT NOT NULL,
		account_id      INTEGER,
		url             TEXT,
		title           TEXT,
		price           DOUBLE PRECISION,
		price_per_unit  DOUBLE PRECISION,
		is_grouped      BOOLEAN NOT NULL DEFAULT FALSE,
		variation_count INTEGER NOT NULL DEFAULT 1,
		detail          TEXT,
		recorded_at     TIMESTAMPTZ NOT NULL
	)`
	if _, err := l.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (run_id, recorded_at)`,
		pgx.Identifier{l.opts.Table + "_run_idx"}.Sanitize(), l.table)
	if _, err := l.db.Exec(ctx, index); err != nil {
		return fmt.Errorf("create audit index: %w", err)
	}
	return nil
}

// OnStatus queues a record unless it was already logged inside the dedupe window. A full
// batch is flushed immediately.
func (l *Log) OnStatus(rec models.StatusRecord) {
	if l.dedupe != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		first, err := l.dedupe.SetNX(ctx, dedupeKey(rec), "1", l.opts.DedupeWindow)
		cancel()
		if err != nil {
			l.logger.Warn("audit dedupe unavailable, logging anyway", zap.Error(err))
		} else if !first {
			return
		}
	}

	l.mu.Lock()
	l.buf = append(l.buf, rec)
	full := len(l.buf) >= l.opts.BatchSize
	l.mu.Unlock()

	if full {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.Flush(ctx); err != nil {
			l.logger.Warn("audit flush failed", zap.Error(err))
		}
	}
}

// Pending is the number of buffered records.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Dropped is the number of records discarded because the buffer overflowed.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Run flushes on FlushInterval until ctx ends, then makes one last best-effort flush
// bounded by finalTimeout.
func (l *Log) Run(ctx context.Context, finalTimeout time.Duration) {
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalTimeout)
			if err := l.Flush(flushCtx); err != nil {
				l.logger.Warn("final audit flush failed", zap.Error(err), zap.Int("pending", l.Pending()))
			}
			cancel()
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Warn("audit flush failed", zap.Error(err))
			}
		}
	}
}

// Flush writes every buffered record. On failure the records go back to the buffer,
// oldest dropped first once MaxBuffered is exceeded.
func (l *Log) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	for start := 0; start < len(batch); start += l.opts.BatchSize {
		end := start + l.opts.BatchSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := l.insert(ctx, batch[start:end]); err != nil {
			l.requeue(batch[start:])
			return err
		}
	}
	return nil
}

func (l *Log) requeue(records []models.StatusRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(append([]models.StatusRecord(nil), records...), l.buf...)
	if over := len(l.buf) - l.opts.MaxBuffered; over > 0 {
		l.buf = l.buf[over:]
		l.dropped += over
		l.logger.Error("audit buffer full, dropped oldest records", zap.Int("dropped", over))
	}
}

func (l *Log) insert(ctx context.Context, records []models.StatusRecord) error {
	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(
			`INSERT INTO `+l.table+`
			(run_id, status, label, job_id, account_id, url, title, price, price_per_unit,
			 is_grouped, variation_count, detail, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			r.RunID, string(r.Status), r.Status.Label(), r.JobID, nullableInt(r.AccountID),
			r.URL, r.Title, r.Price, r.PricePerUnit, r.IsGrouped, r.VariationCount,
			nullableString(r.Detail), recordedAt(r),
		)
	}
	br := l.db.SendBatch(ctx, b)
	for range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert audit rows: %w", err)
		}
	}
	return br.Close()
}

// Recent returns the newest records of a run, newest first.
func (l *Log) Recent(ctx context.Context, runID string, limit int) ([]models.StatusRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(ctx,
		`SELECT run_id, status, job_id, COALESCE(account_id, 0), COALESCE(url, ''), COALESCE(title, ''),
		        COALESCE(price, 0), COALESCE(price_per_unit, 0), is_grouped, variation_count,
		        COALESCE(detail, ''), recorded_at
		 FROM `+l.table+`
		 WHERE run_id = $1
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	var out []models.StatusRecord
	for rows.Next() {
		var r models.StatusRecord
		var status string
		if err := rows.Scan(&r.RunID, &status, &r.JobID, &r.AccountID, &r.URL, &r.Title,
			&r.Price, &r.PricePerUnit, &r.IsGrouped, &r.VariationCount, &r.Detail, &r.At); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.Status = models.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// dedupeKey scopes the window to one run so a later run logs its own history.
func dedupeKey(rec models.StatusRecord) string {
	return rec.RunID + ":" + rec.JobID + ":" + string(rec.Status)
}

func recordedAt(r models.StatusRecord) time.Time {
	if r.At.IsZero() {
		return time.Now().UTC()
	}
	return r.At
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
