// Package claim performs the claim protocol for one (account, job) pair.
package claim

import (
	"context"
	"fmt"

	"claim-swarm/internal/models"
)

// Strategy attempts one claim. Every failure mode is reported through the outcome's
// reason; implementations never return errors.
type Strategy interface {
	AttemptClaim(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome

// AttemptClaim calls f.
func (f StrategyFunc) AttemptClaim(ctx context.Context, accountID int, job models.Job) models.ClaimOutcome {
	return f(ctx, accountID, job)
}

// Attempt runs the strategy and converts a panic into an exception outcome.
func Attempt(ctx context.Context, s Strategy, accountID int, job models.Job) (out models.ClaimOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = models.NewOutcome(accountID, job, models.ReasonException, fmt.Errorf("panic: %v", r))
		}
	}()
	return s.AttemptClaim(ctx, accountID, job)
}
