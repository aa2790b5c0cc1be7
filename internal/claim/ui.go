package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"claim-swarm/internal/models"
)

// Page is one browser tab driven through the claim protocol.
type Page interface {
	Open(ctx context.Context, url string) error
	// FindClaimControl reports whether the claim control is present.
	FindClaimControl(ctx context.Context) (bool, error)
	// TooLate reports whether the page says the job was already taken.
	TooLate(ctx context.Context) (bool, error)
	Activate(ctx context.Context) error
	// Confirm clicks the confirmation control if it is showing.
	Confirm(ctx context.Context) (bool, error)
	Location() string
	Close() error
}

// PageOpener opens a fresh tab in an account's session.
type PageOpener interface {
	NewPage(ctx context.Context, accountID int) (Page, error)
}

// UIOptions tunes the UI strategy.
type UIOptions struct {
	Locate           Policy
	Confirm          Policy
	Timeout          time.Duration
	ForbiddenMarkers []string
}

// UIStrategy claims by driving the detail page.
type UIStrategy struct {
	opener PageOpener
	opts   UIOptions
	logger *zap.Logger
}

// NewUIStrategy fills unset options with defaults.
func NewUIStrategy(opener PageOpener, opts UIOptions, logger *zap.Logger) *UIStrategy {
	if len(opts.Locate.Delays) == 0 {
		opts.Locate = DefaultLocatePolicy
	}
	if len(opts.Confirm.Delays) == 0 {
		opts.Confirm = DefaultConfirmPolicy
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.ForbiddenMarkers) == 0 {
		opts.ForbiddenMarkers = []string{"/forbidden", "/403", "/users/login"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UIStrategy{opener: opener, opts: opts, logger: logger}
}

// AttemptClaim runs open, locate, activate, confirm, verify.
func (s *UIStrategy) AttemptClaim(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	log := s.logger.With(zap.Int("account_id", accountID), zap.String("job_id", job.ID))

	page, err := s.opener.NewPage(ctx, accountID)
	if err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("open tab: %w", err))
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug("page close error", zap.Error(err))
		}
	}()

	if err := page.Open(ctx, job.URL); err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("open job: %w", err))
	}

	tooLate := func(ctx context.Context) bool {
		late, err := page.TooLate(ctx)
		return err == nil && late
	}
	located, err := s.opts.Locate.Run(ctx, page.FindClaimControl, tooLate)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("locate: %w", err))
	case located == EarlyExit:
		log.Info("job already taken")
		return models.NewOutcome(accountID, job, models.ReasonTooLate, nil)
	case located == Exhausted:
		return models.NewOutcome(accountID, job, models.ReasonMissingControl, err)
	}

	if err := page.Activate(ctx); err != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("activate: %w", err))
	}

	confirmed, err := s.opts.Confirm.Run(ctx, page.Confirm, nil)
	if err != nil && ctx.Err() != nil {
		return models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("confirm: %w", err))
	}

	location := page.Location()
	for _, marker := range s.opts.ForbiddenMarkers {
		if strings.Contains(location, marker) {
			log.Warn("claim forbidden", zap.String("location", location))
			return models.NewOutcome(accountID, job, models.ReasonForbidden, nil)
		}
	}
	if confirmed != Succeeded {
		log.Info("confirmation not shown, claim unverified")
		return models.NewOutcome(accountID, job, models.ReasonUnverified, nil)
	}
	return models.NewOutcome(accountID, job, models.ReasonSecured, nil)
}
