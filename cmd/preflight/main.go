package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"claim-swarm/common"
	"claim-swarm/internal/browser"
	"claim-swarm/internal/config"
	"claim-swarm/internal/logging"
	"claim-swarm/internal/preflight"
)

type neo4jSettings struct {
	URI, User, Password string
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		os.Exit(1)
	}
	cfg := config.FromEnv()
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	client, err := browser.NewHTTPClient(cfg.ProxyURL, nil)
	if err != nil {
		logger.Fatal("http client", zap.Error(err))
	}
	neo := neo4jSettings{
		URI:      common.GetEnv("NEO4J_URI", ""),
		User:     common.GetEnv("NEO4J_USER", "neo4j"),
		Password: common.GetEnv("NEO4J_PASSWORD", "neo4j"),
	}

	timeout := common.ParseDuration(os.Getenv("PREFLIGHT_TIMEOUT"), 5*time.Second)
	results := preflight.RunAll(context.Background(), timeout, checks(cfg, client, neo)...)
	if !report(results, logger) {
		_ = logger.Sync()
		os.Exit(1)
	}
}

// checks probes the target and every backing service that is configured.
func checks(cfg config.Config, client *http.Client, neo neo4jSettings) []preflight.Check {
	var out []preflight.Check
	if cfg.TargetURL != "" {
		out = append(out, preflight.Target(client, cfg.TargetURL))
	}
	if cfg.Kafka.Broker != "" {
		out = append(out, preflight.Kafka(cfg.Kafka.Broker))
	}
	if cfg.RedisAddr != "" {
		out = append(out, preflight.Redis(cfg.RedisAddr))
	}
	if cfg.Audit.DSN != "" {
		out = append(out, preflight.Postgres(cfg.Audit.DSN))
	}
	if neo.URI != "" {
		out = append(out, preflight.Neo4j(neo.URI, neo.User, neo.Password))
	}
	return out
}

func report(results []preflight.Result, logger *zap.Logger) bool {
	ok := true
	for _, r := range results {
		if r.Err != nil {
			ok = false
			logger.Error("check failed", zap.String("check", r.Name), zap.Duration("took", r.Took), zap.Error(r.Err))
			continue
		}
		logger.Info("check passed", zap.String("check", r.Name), zap.Duration("took", r.Took))
	}
	return ok
}
