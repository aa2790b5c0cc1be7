package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"claim-swarm/internal/feed"
	"claim-swarm/internal/logging"
)

var errEmptyFixture = errors.New("fixture has no records with an id")

const noJobsText = "Looks like all tasks were picked up before you"

var listingPage = template.Must(template.New("listing").Parse(`<!doctype html>
<html><head><meta name="csrf-token" content="{{.Token}}"><title>Modeling requests</title></head>
<body>
{{if .Jobs}}{{range .Jobs}}<div class="row">
  <span>{{.Title}}</span><span>${{printf "%.2f" .Price}}</span>{{if .IsGrouped}}<span>{{.VariationCount}} variations</span>{{end}}
  <a href="{{.URL}}">Open requirements</a>
</div>
{{end}}{{else}}<p>{{.NoJobs}}</p>{{end}}
</body></html>`))

type record struct {
	id  string
	raw json.RawMessage
}

// replay serves a recorded feed. Claimed records disappear from the feed; a second
// claim on the same id gets 409.
type replay struct {
	records  []record
	token    string
	revealAt time.Time
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	claimed map[string]int
}

func main() {
	fixture := flag.String("fixture", "testdata/feed.json", "Path to a recorded listing feed")
	addr := flag.String("addr", ":8088", "Listen address")
	token := flag.String("token", "replay-token", "Anti-forgery token served on the listing page")
	reveal := flag.Duration("reveal-after", 0, "Serve an empty listing for this long before revealing jobs")
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: "info", Development: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	body, err := os.ReadFile(*fixture)
	if err != nil {
		logger.Fatal("read fixture", zap.Error(err))
	}
	r, err := newReplay(body, *token, time.Now().Add(*reveal), logger)
	if err != nil {
		logger.Fatal("load fixture", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: *addr, Handler: r.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("feed replay listening", zap.String("addr", *addr), zap.Int("records", len(r.records)))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("replay server failed", zap.Error(err))
	}
}

func newReplay(body []byte, token string, revealAt time.Time, logger *zap.Logger) (*replay, error) {
	var wrapped struct {
		Data []json.RawMessage `json:"data"`
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &wrapped.Data); err != nil {
			return nil, fmt.Errorf("decode fixture: %w", err)
		}
	} else if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}

	r := &replay{token: token, revealAt: revealAt, now: time.Now, logger: logger, claimed: make(map[string]int)}
	for _, raw := range wrapped.Data {
		var listing feed.RawListing
		if err := json.Unmarshal(raw, &listing); err != nil {
			continue
		}
		job, ok := feed.ParseListing(listing, "")
		if !ok {
			continue
		}
		r.records = append(r.records, record{id: job.ID, raw: raw})
	}
	if len(r.records) == 0 {
		return nil, errEmptyFixture
	}
	return r, nil
}

func (r *replay) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.json", r.handleFeed)
	mux.HandleFunc("/", r.handleRoot)
	return mux
}

// open returns the raw records still available.
func (r *replay) open() []json.RawMessage {
	if r.now().Before(r.revealAt) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]json.RawMessage, 0, len(r.records))
	for _, rec := range r.records {
		if _, taken := r.claimed[rec.id]; !taken {
			out = append(out, rec.raw)
		}
	}
	return out
}

func (r *replay) handleFeed(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := map[string]any{"data": r.open(), "links": map[string]any{"next": nil}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// handleRoot serves the listing page and POST /{id}/claim.
func (r *replay) handleRoot(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(req.URL.Path, "/")
	if strings.HasSuffix(path, "/claim") {
		r.handleClaim(w, req, strings.TrimSuffix(path, "/claim"))
		return
	}
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var jobs []any
	for _, raw := range r.open() {
		var listing feed.RawListing
		if err := json.Unmarshal(raw, &listing); err != nil {
			continue
		}
		if job, ok := feed.ParseListing(listing, ""); ok {
			job.URL = "/" + job.ID + "/brief"
			jobs = append(jobs, job)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = listingPage.Execute(w, map[string]any{"Token": r.token, "Jobs": jobs, "NoJobs": noJobsText})
}

func (r *replay) handleClaim(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Header.Get("X-CSRF-Token") != r.token {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	if !r.known(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	r.mu.Lock()
	r.claimed[id]++
	first := r.claimed[id] == 1
	r.mu.Unlock()

	if !first {
		r.logger.Info("claim rejected, already taken", zap.String("job_id", id))
		http.Error(w, "already taken", http.StatusConflict)
		return
	}
	r.logger.Info("claim accepted", zap.String("job_id", id))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "claimed"})
}

func (r *replay) known(id string) bool {
	for _, rec := range r.records {
		if rec.id == id {
			return true
		}
	}
	return false
}
