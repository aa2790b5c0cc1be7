package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"claim-swarm/common"
	"claim-swarm/internal/audit"
	"claim-swarm/internal/config"
	"claim-swarm/internal/logging"
	"claim-swarm/internal/metrics"
	"claim-swarm/internal/models"
	"claim-swarm/internal/store"
)

type auditReader interface {
	Recent(ctx context.Context, runID string, limit int) ([]models.StatusRecord, error)
}

type server struct {
	store  store.StatusStore
	audit  auditReader
	logger *zap.Logger
}

func newServer(st store.StatusStore, reader auditReader, logger *zap.Logger) *server {
	return &server{store: st, audit: reader, logger: logger}
}

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

	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")
	addr := common.GetEnv("API_ADDR", ":8080")
	dsn := common.GetEnv("PG_DSN", "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusStore := store.NewRedisStatusStore(redisAddr, store.StatusPrefix, 24*time.Hour)
	defer func() {
		if err := statusStore.Close(); err != nil {
			logger.Warn("failed to close status store", zap.Error(err))
		}
	}()

	var reader auditReader
	if dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer pool.Close()
		reader = audit.NewLog(pool, nil, audit.Options{
			Table: common.GetEnv("AUDIT_TABLE", "claim_audit"),
		}, logger.Named("audit"))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	srv := newServer(statusStore, reader, logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("api server failed", zap.Error(err))
	}
}

func (s *server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs/", s.handleRun)
	mux.Handle("/metrics", metrics.Handler(gatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleRun returns the status of a run, or its audit trail.
//
// Method: GET
// Path:   /runs/{runID} | /runs/latest | /runs/{runID}/audit?limit=N
// Example:
//
//	curl "http://localhost:8080/runs/latest"
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/"), "/")
	runID := parts[0]
	if runID == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}

	status, ok, err := s.store.GetStatus(r.Context(), runID)
	if err != nil {
		http.Error(w, "failed to load status", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		writeJSON(w, status, http.StatusOK)
	case len(parts) == 2 && parts[1] == "audit":
		s.handleAudit(w, r, status.RunID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request, runID string) {
	if s.audit == nil {
		http.Error(w, "audit log not configured", http.StatusNotImplemented)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	records, err := s.audit.Recent(ctx, runID, limit)
	if err != nil {
		s.logger.Warn("audit query failed", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "failed to load audit", http.StatusBadGateway)
		return
	}
	if records == nil {
		records = []models.StatusRecord{}
	}
	writeJSON(w, records, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
