package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"claim-swarm/internal/models"
)

type delivery func(Sink)

type sinkQueue struct {
	sink Sink
	ch   chan delivery
}

// Emitter is a Sink that forwards to many sinks asynchronously. Each sink has its own
// bounded queue; when a queue is full the notification is dropped for that sink only.
type Emitter struct {
	runID   string
	logger  *zap.Logger
	queues  []*sinkQueue
	wg      sync.WaitGroup
	dropped atomic.Uint64
	panics  atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewEmitter starts one delivery goroutine per sink. A sink that panics is logged and
// keeps receiving later notifications.
func NewEmitter(runID string, buffer int, logger *zap.Logger, sinks ...Sink) *Emitter {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{runID: runID, logger: logger}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		q := &sinkQueue{sink: s, ch: make(chan delivery, buffer)}
		e.queues = append(e.queues, q)
		e.wg.Add(1)
		go e.drain(q)
	}
	return e
}

func (e *Emitter) drain(q *sinkQueue) {
	defer e.wg.Done()
	for d := range q.ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.panics.Add(1)
					e.logger.Error("event sink panicked",
						zap.String("sink", fmt.Sprintf("%T", q.sink)),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
				}
			}()
			d(q.sink)
		}()
	}
}

// Dropped is the number of notifications discarded because a sink fell behind.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Panics is the number of notifications a sink panicked on.
func (e *Emitter) Panics() uint64 {
	return e.panics.Load()
}

func (e *Emitter) publish(d delivery) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(uint64(len(e.queues)))
		return
	}
	for _, q := range e.queues {
		select {
		case q.ch <- d:
		default:
			e.dropped.Add(1)
		}
	}
}

func (e *Emitter) OnJobDetected(jobs []models.Job) {
	cp := append([]models.Job(nil), jobs...)
	e.publish(func(s Sink) { s.OnJobDetected(cp) })
}

func (e *Emitter) OnClaimOutcome(out models.ClaimOutcome) {
	out.RunID = e.runID
	e.publish(func(s Sink) { s.OnClaimOutcome(out) })
}

func (e *Emitter) OnCapacityReconciled(m models.CapacityMismatch) {
	e.publish(func(s Sink) { s.OnCapacityReconciled(m) })
}

func (e *Emitter) OnStatus(rec models.StatusRecord) {
	rec.RunID = e.runID
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	e.publish(func(s Sink) { s.OnStatus(rec) })
}

func (e *Emitter) OnAnomaly(a models.Anomaly) {
	a.RunID = e.runID
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	e.publish(func(s Sink) { s.OnAnomaly(a) })
}

// Close stops accepting notifications and waits for queued ones to be delivered
// until ctx expires.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for _, q := range e.queues {
			close(q.ch)
		}
	}
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
