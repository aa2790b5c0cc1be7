package claim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"claim-swarm/internal/models"
)

// DirectOptions tunes the direct strategy.
type DirectOptions struct {
	// ClaimURL is a template; "{id}" is replaced by the job id.
	ClaimURL  string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	UserAgent string
}

// DirectStrategy claims by calling the site's claim endpoint with the session cookies.
type DirectStrategy struct {
	clients ClientSource
	tokens  *TokenCache
	opts    DirectOptions
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

// NewDirectStrategy builds a direct strategy.
func NewDirectStrategy(clients ClientSource, tokens *TokenCache, opts DirectOptions, logger *zap.Logger) *DirectStrategy {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Burst < 1 {
		opts.Burst = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectStrategy{
		clients:  clients,
		tokens:   tokens,
		opts:     opts,
		logger:   logger,
		limiters: make(map[int]*rate.Limiter),
	}
}

type claimRequest struct {
	ClaimDeadline string `json:"claimDeadline"`
}

// AttemptClaim posts one claim request.
func (s *DirectStrategy) AttemptClaim(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	log := s.logger.With(zap.Int("account_id", accountID), zap.String("job_id", job.ID))

	if err := s.limiter(accountID).Wait(ctx); err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("rate limiter: %w", err))
	}

	token, err := s.tokens.Get(ctx, accountID)
	if err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("anti-forgery token: %w", err))
	}

	payload, err := json.Marshal(claimRequest{ClaimDeadline: job.ClaimDeadline})
	if err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, err)
	}
	url := strings.ReplaceAll(s.opts.ClaimURL, "{id}", job.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CSRF-Token", token)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.clients.HTTPClient(accountID).Do(req)
	if err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	reason := ReasonForStatus(resp.StatusCode)
	switch reason {
	case models.ReasonForbidden:
		s.tokens.Invalidate(accountID)
		log.Warn("claim forbidden, token invalidated", zap.Int("status", resp.StatusCode))
	case models.ReasonRateLimited:
		log.Error("claim endpoint rate limited", zap.Int("status", resp.StatusCode))
	case models.ReasonException:
		return models.NewOutcome(accountID, job, reason, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return models.NewOutcome(accountID, job, reason, nil)
}

// ReasonForStatus maps a claim endpoint status code to an outcome reason.
func ReasonForStatus(status int) models.ClaimReason {
	switch {
	case status >= 200 && status < 300:
		return models.ReasonSecured
	case status == http.StatusForbidden || status == 419:
		return models.ReasonForbidden
	case status == http.StatusConflict || status == http.StatusGone || status == http.StatusUnprocessableEntity:
		return models.ReasonTooLate
	case status == http.StatusNotFound:
		return models.ReasonMissingControl
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return models.ReasonRateLimited
	default:
		return models.ReasonException
	}
}

func (s *DirectStrategy) limiter(accountID int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.opts.RPS), s.opts.Burst)
		s.limiters[accountID] = l
	}
	return l
}
