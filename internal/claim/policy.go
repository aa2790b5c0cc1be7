package claim

import (
	"context"
	"time"
)

// Result is how a Policy run ended.
type Result int

const (
	// Exhausted means every delay was tried without success.
	Exhausted Result = iota
	// Succeeded means a try reported success.
	Succeeded
	// EarlyExit means the early-exit predicate fired after a failed try.
	EarlyExit
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case EarlyExit:
		return "early_exit"
	default:
		return "exhausted"
	}
}

// Policy is an ordered list of waits; one try follows each wait.
type Policy struct {
	Delays []time.Duration
}

// DefaultLocatePolicy gives the page time to render the claim control.
var DefaultLocatePolicy = Policy{Delays: []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond}}

// DefaultConfirmPolicy allows one retry for the confirmation dialog.
var DefaultConfirmPolicy = Policy{Delays: []time.Duration{0, time.Second}}

// Run calls try after each delay until it succeeds, earlyExit reports true, or the
// delays run out. Errors from try count as a failed try; the last one is returned with
// Exhausted. Context cancellation stops the run immediately.
func (p Policy) Run(ctx context.Context, try func(context.Context) (bool, error), earlyExit func(context.Context) bool) (Result, error) {
	delays := p.Delays
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}
	var lastErr error
	for _, delay := range delays {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Exhausted, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return Exhausted, err
		}
		ok, err := try(ctx)
		if ok {
			return Succeeded, nil
		}
		if err != nil {
			lastErr = err
		}
		if earlyExit != nil && earlyExit(ctx) {
			return EarlyExit, nil
		}
	}
	return Exhausted, lastErr
}
