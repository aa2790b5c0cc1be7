package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"claim-swarm/internal/models"
)

type fakePage struct {
	openErr     error
	controlAt   int // try index at which the control appears; -1 never
	tooLate     bool
	activateErr error
	confirm     bool
	location    string
	panicOnOpen bool

	findCalls int
	closed    bool
	opened    string
}

func (p *fakePage) Open(_ context.Context, url string) error {
	if p.panicOnOpen {
		panic("browser crashed")
	}
	p.opened = url
	return p.openErr
}

func (p *fakePage) FindClaimControl(context.Context) (bool, error) {
	p.findCalls++
	return p.controlAt >= 0 && p.findCalls > p.controlAt, nil
}

func (p *fakePage) TooLate(context.Context) (bool, error) { return p.tooLate, nil }
func (p *fakePage) Activate(context.Context) error       { return p.activateErr }
func (p *fakePage) Confirm(context.Context) (bool, error) { return p.confirm, nil }
func (p *fakePage) Location() string                     { return p.location }
func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeOpener struct {
	page *fakePage
	err  error
}

func (o fakeOpener) NewPage(context.Context, int) (Page, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.page, nil
}

func fastUI(page *fakePage) *UIStrategy {
	return NewUIStrategy(fakeOpener{page: page}, UIOptions{
		Locate:  Policy{Delays: []time.Duration{0, time.Millisecond, time.Millisecond}},
		Confirm: Policy{Delays: []time.Duration{0, time.Millisecond}},
		Timeout: time.Second,
	}, nil)
}

var uiJob = models.Job{ID: "42", URL: "https://example.invalid/modeling-requests/42/brief", Price: 30, VariationCount: 1}

func TestUIStrategySecured(t *testing.T) {
	page := &fakePage{controlAt: 1, confirm: true, location: uiJob.URL}
	out := fastUI(page).AttemptClaim(context.Background(), 1, uiJob)
	if !out.OK || out.Reason != models.ReasonSecured {
		t.Fatalf("expected secured, got %+v", out)
	}
	if page.findCalls != 2 {
		t.Fatalf("expected control found on second try, got %d calls", page.findCalls)
	}
	if !page.closed || page.opened != uiJob.URL {
		t.Fatalf("expected page opened at job url and closed: %+v", page)
	}
}

func TestUIStrategyTooLate(t *testing.T) {
	page := &fakePage{controlAt: -1, tooLate: true}
	out := fastUI(page).AttemptClaim(context.Background(), 1, uiJob)
	if out.OK || out.Reason != models.ReasonTooLate {
		t.Fatalf("expected too_late, got %+v", out)
	}
	if page.findCalls != 1 {
		t.Fatalf("expected early exit after first try, got %d", page.findCalls)
	}
}

func TestUIStrategyMissingControl(t *testing.T) {
	page := &fakePage{controlAt: -1}
	out := fastUI(page).AttemptClaim(context.Background(), 1, uiJob)
	if out.OK || out.Reason != models.ReasonMissingControl {
		t.Fatalf("expected missing_control, got %+v", out)
	}
	if page.findCalls != 3 {
		t.Fatalf("expected all locate tries, got %d", page.findCalls)
	}
}

func TestUIStrategyForbiddenLocation(t *testing.T) {
	page := &fakePage{controlAt: 0, confirm: true, location: "https://example.invalid/forbidden"}
	out := fastUI(page).AttemptClaim(context.Background(), 1, uiJob)
	if out.OK || out.Reason != models.ReasonForbidden {
		t.Fatalf("expected forbidden, got %+v", out)
	}
}

func TestUIStrategyUnverifiedWithoutConfirmation(t *testing.T) {
	page := &fakePage{controlAt: 0, confirm: false, location: uiJob.URL}
	out := fastUI(page).AttemptClaim(context.Background(), 1, uiJob)
	if !out.OK || out.Reason != models.ReasonUnverified {
		t.Fatalf("expected unverified ok outcome, got %+v", out)
	}
}

func TestUIStrategyExceptions(t *testing.T) {
	out := fastUI(&fakePage{openErr: errors.New("net::ERR")}).AttemptClaim(context.Background(), 1, uiJob)
	if out.Reason != models.ReasonException || out.Error == "" {
		t.Fatalf("expected exception on open error, got %+v", out)
	}

	out = fastUI(&fakePage{controlAt: 0, activateErr: errors.New("detached")}).AttemptClaim(context.Background(), 1, uiJob)
	if out.Reason != models.ReasonException {
		t.Fatalf("expected exception on activate error, got %+v", out)
	}

	s := NewUIStrategy(fakeOpener{err: errors.New("no session")}, UIOptions{}, nil)
	out = s.AttemptClaim(context.Background(), 1, uiJob)
	if out.Reason != models.ReasonException {
		t.Fatalf("expected exception when tab cannot open, got %+v", out)
	}
}

func TestAttemptRecoversPanic(t *testing.T) {
	out := Attempt(context.Background(), fastUI(&fakePage{panicOnOpen: true}), 3, uiJob)
	if out.OK || out.Reason != models.ReasonException || out.AccountID != 3 || out.JobID != "42" {
		t.Fatalf("expected exception outcome from panic, got %+v", out)
	}
}
