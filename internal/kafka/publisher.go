// Package kafka publishes claim outcomes and run events for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"claim-swarm/internal/models"
)

// Topics names the topics the publisher writes to.
type Topics struct {
	Outcomes string
	Events   string
}

// Publisher writes claim outcomes to the outcomes topic and every other notification,
// wrapped in a models.Event, to the events topic. It implements events.Sink.
type Publisher struct {
	writer  MessageWriter
	topics  Topics
	runID   string
	timeout time.Duration
	logger  *zap.Logger
}

// WriterBatchTimeout bounds how long a single-message write waits for a batch to fill.
const WriterBatchTimeout = 10 * time.Millisecond

// NewPublisher creates a publisher for the given broker.
func NewPublisher(broker string, topics Topics, runID string, logger *zap.Logger) *Publisher {
	return NewPublisherWithWriter(NewWriter(broker), topics, runID, logger)
}

// NewWriter builds the producer. Messages carry their topic, so the writer has none.
// Every sink callback writes one message synchronously, so batches are flushed after
// WriterBatchTimeout instead of the library's one second default.
func NewWriter(broker string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           WriterBatchTimeout,
		AllowAutoTopicCreation: false,
	}
}

// NewPublisherWithWriter builds a publisher using a custom writer (tests).
func NewPublisherWithWriter(writer MessageWriter, topics Topics, runID string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer:  writer,
		topics:  topics,
		runID:   runID,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// PublishOutcome writes one claim outcome keyed by account and job.
func (p *Publisher) PublishOutcome(ctx context.Context, out models.ClaimOutcome) error {
	if out.RunID == "" {
		out.RunID = p.runID
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topics.Outcomes,
		Key:   []byte(fmt.Sprintf("%d:%s", out.AccountID, out.JobID)),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

// PublishEvent wraps payload in an envelope keyed by run id.
func (p *Publisher) PublishEvent(ctx context.Context, eventType models.EventType, payload any) error {
	ev, err := models.NewEvent(p.runID, eventType, payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topics.Events,
		Key:   []byte(p.runID),
		Value: value,
		Time:  ev.At,
	})
}

func (p *Publisher) OnJobDetected(jobs []models.Job) {
	p.event(models.EventJobDetected, jobs)
}

func (p *Publisher) OnClaimOutcome(out models.ClaimOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.PublishOutcome(ctx, out); err != nil {
		p.logger.Warn("publish outcome failed",
			zap.Int("account_id", out.AccountID), zap.String("job_id", out.JobID), zap.Error(err))
	}
}

func (p *Publisher) OnCapacityReconciled(m models.CapacityMismatch) {
	p.event(models.EventCapacityReconciled, m)
}

func (p *Publisher) OnStatus(rec models.StatusRecord) {
	p.event(models.EventStatus, rec)
}

func (p *Publisher) OnAnomaly(a models.Anomaly) {
	p.event(models.EventAnomaly, a)
}

func (p *Publisher) event(eventType models.EventType, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.PublishEvent(ctx, eventType, payload); err != nil {
		p.logger.Warn("publish event failed", zap.String("type", string(eventType)), zap.Error(err))
	}
}
