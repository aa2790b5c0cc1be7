package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"claim-swarm/common"
	"claim-swarm/internal/config"
	"claim-swarm/internal/graph"
	ckafka "claim-swarm/internal/kafka"
	"claim-swarm/internal/logging"
	"claim-swarm/internal/metrics"
)

type writeFunc func(ctx context.Context, payload []byte) error

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Level: common.GetEnv("LOG_LEVEL", "info")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	kcfg := config.FromEnv().Kafka
	if kcfg.Broker == "" {
		kcfg.Broker = "localhost:9092"
	}
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9091")

	neo4jURI := common.GetEnv("NEO4J_URI", "neo4j://localhost:7687")
	neo4jUser := common.GetEnv("NEO4J_USER", "neo4j")
	neo4jPassword := common.GetEnv("NEO4J_PASSWORD", "neo4j")

	driver, err := graph.NewDriver(neo4jURI, neo4jUser, neo4jPassword)
	if err != nil {
		logger.Fatal("neo4j driver error", zap.Error(err))
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			logger.Warn("neo4j close error", zap.Error(err))
		}
	}()
	writer := graph.NewClaimWriter(driver, logger.Named("graph"))

	outcomesReader := newReader(kcfg.Broker, kcfg.OutcomesTopic, kcfg.GroupID+"-outcomes")
	defer closeReader(outcomesReader, kcfg.OutcomesTopic, logger)
	eventsReader := newReader(kcfg.Broker, kcfg.EventsTopic, kcfg.GroupID+"-events")
	defer closeReader(eventsReader, kcfg.EventsTopic, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	counters := metrics.NewConsumerMetrics(reg, "graph_writer")
	if metricsAddr != "" {
		metrics.StartServer(ctx, metricsAddr, reg, logger)
	}

	logger.Info("graph writer consuming",
		zap.String("broker", kcfg.Broker),
		zap.String("outcomes_topic", kcfg.OutcomesTopic),
		zap.String("events_topic", kcfg.EventsTopic),
	)
	go consume(ctx, outcomesReader, kcfg.OutcomesTopic, writer.WriteOutcome, counters, logger)
	go consume(ctx, eventsReader, kcfg.EventsTopic, writer.WriteEvent, counters, logger)

	<-ctx.Done()
}

func newReader(broker, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: group,
	})
}

func closeReader(r ckafka.MessageReader, topic string, logger *zap.Logger) {
	if err := r.Close(); err != nil {
		logger.Warn("reader close error", zap.String("topic", topic), zap.Error(err))
	}
}

// consume fetches, writes and commits until ctx ends. A message the store rejects is
// not committed and is redelivered after a restart or rebalance.
func consume(ctx context.Context, reader ckafka.MessageReader, topic string, write writeFunc, counters *metrics.ConsumerMetrics, logger *zap.Logger) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("fetch error", zap.String("topic", topic), zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		counters.Received.WithLabelValues(topic).Inc()
		if err := write(ctx, msg.Value); err != nil {
			counters.Failed.WithLabelValues(topic).Inc()
			logger.Warn("write error",
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}
		counters.Written.WithLabelValues(topic).Inc()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Warn("commit error", zap.String("topic", topic), zap.Error(err))
		}
	}
}
