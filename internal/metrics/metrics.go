// Package metrics exposes Prometheus metrics for the agent and the graph writer.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"claim-swarm/internal/claim"
	"claim-swarm/internal/models"
)

const (
	// Namespace prefixes every metric.
	Namespace = "claim_swarm"

	agentSubsystem = "agent"
)

// Collector records agent activity. It implements events.Sink.
type Collector struct {
	JobsDetected     prometheus.Counter
	Statuses         *prometheus.CounterVec
	ClaimAttempts    *prometheus.CounterVec
	ClaimDuration    *prometheus.HistogramVec
	ClaimsInFlight   prometheus.Gauge
	CapacityMismatch *prometheus.CounterVec
	Anomalies        *prometheus.CounterVec
	BurstMode        prometheus.Gauge
	CheckOnly        prometheus.Gauge
	EventsDropped    prometheus.Gauge
}

// NewCollector creates and registers the agent metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		JobsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "jobs_detected_total",
			Help:      "Distinct jobs seen on the listing.",
		}),
		Statuses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "job_status_total",
			Help:      "Audit statuses reported, by status.",
		}, []string{"status"}),
		ClaimAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "claim_outcomes_total",
			Help:      "Claim outcomes by reason and category.",
		}, []string{"reason", "category"}),
		ClaimDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "claim_duration_seconds",
			Help:      "Wall time of one claim attempt.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"reason"}),
		ClaimsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "claims_in_flight",
			Help:      "Claim attempts currently running.",
		}),
		CapacityMismatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "capacity_mismatches_total",
			Help:      "Reconciles where expected capacity disagreed with the site.",
		}, []string{"category"}),
		Anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "anomalies_total",
			Help:      "Operator-facing anomalies by kind.",
		}, []string{"kind"}),
		BurstMode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "burst_mode",
			Help:      "1 while polling at the burst interval.",
		}),
		CheckOnly: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "check_only",
			Help:      "1 when claims are disabled (configured or flood guard).",
		}),
		EventsDropped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: agentSubsystem,
			Name:      "events_dropped",
			Help:      "Notifications dropped because a sink fell behind.",
		}),
	}
}

func (c *Collector) OnJobDetected(jobs []models.Job) {
	c.JobsDetected.Add(float64(len(jobs)))
}

func (c *Collector) OnClaimOutcome(out models.ClaimOutcome) {
	c.ClaimAttempts.WithLabelValues(string(out.Reason), string(out.Category)).Inc()
}

func (c *Collector) OnCapacityReconciled(m models.CapacityMismatch) {
	c.CapacityMismatch.WithLabelValues(string(m.Category)).Inc()
}

func (c *Collector) OnStatus(rec models.StatusRecord) {
	c.Statuses.WithLabelValues(string(rec.Status)).Inc()
}

func (c *Collector) OnAnomaly(a models.Anomaly) {
	c.Anomalies.WithLabelValues(string(a.Kind)).Inc()
}

// SetModes mirrors the detector's burst and check-only flags.
func (c *Collector) SetModes(burst, checkOnly bool) {
	c.BurstMode.Set(boolToFloat(burst))
	c.CheckOnly.Set(boolToFloat(checkOnly))
}

// InstrumentStrategy times every attempt and tracks how many are running.
func (c *Collector) InstrumentStrategy(next claim.Strategy) claim.Strategy {
	return claim.StrategyFunc(func(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome {
		c.ClaimsInFlight.Inc()
		defer c.ClaimsInFlight.Dec()
		start := time.Now()
		out := claim.Attempt(ctx, next, accountID, job)
		c.ClaimDuration.WithLabelValues(string(out.Reason)).Observe(time.Since(start).Seconds())
		return out
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ConsumerMetrics counts messages handled by a Kafka consumer, by topic.
type ConsumerMetrics struct {
	Received *prometheus.CounterVec
	Written  *prometheus.CounterVec
	Failed   *prometheus.CounterVec
}

// NewConsumerMetrics creates and registers consumer counters under subsystem.
func NewConsumerMetrics(reg prometheus.Registerer, subsystem string) *ConsumerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	counter := func(name, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"topic"})
	}
	return &ConsumerMetrics{
		Received: counter("messages_received_total", "Messages fetched from Kafka."),
		Written:  counter("messages_written_total", "Messages written to the store."),
		Failed:   counter("messages_failed_total", "Messages the store rejected."),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx ends.
func StartServer(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
}
