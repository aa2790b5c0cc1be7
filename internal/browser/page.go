package browser

import (
	"context"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	claimControlText = "Accept task"
	tooLateText      = "Looks like this task was picked up"
)

var confirmLabels = []string{"Yes", "Confirm", "OK"}

// claimPage drives one job detail tab.
type claimPage struct {
	page    playwright.Page
	timeout time.Duration
}

func newClaimPage(page playwright.Page, timeout time.Duration) *claimPage {
	return &claimPage{page: page, timeout: timeout}
}

// budget converts the remaining context time into a playwright timeout in milliseconds.
func (p *claimPage) budget(ctx context.Context) *float64 {
	return timeoutFor(ctx, p.timeout)
}

func timeoutFor(ctx context.Context, fallback time.Duration) *float64 {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func (p *claimPage) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   p.budget(ctx),
	})
	if err != nil {
		return err
	}
	// A short scroll lets lazily rendered controls mount.
	mouse := p.page.Mouse()
	_ = mouse.Wheel(0, 300)
	_ = mouse.Wheel(0, -300)
	return nil
}

func (p *claimPage) control() playwright.Locator {
	return p.page.GetByText(claimControlText, playwright.PageGetByTextOptions{Exact: playwright.Bool(true)}).
		Or(p.page.Locator(`button:has-text("` + claimControlText + `")`))
}

func (p *claimPage) FindClaimControl(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := p.control().Count()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *claimPage) TooLate(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := p.page.GetByText(tooLateText).Count()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *claimPage) Activate(ctx context.Context) error {
	return p.control().First().Click(playwright.LocatorClickOptions{Timeout: p.budget(ctx)})
}

func (p *claimPage) Confirm(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	button := p.page.GetByRole(playwright.AriaRole("button"), playwright.PageGetByRoleOptions{Name: confirmLabels[0]})
	for _, label := range confirmLabels[1:] {
		button = button.Or(p.page.GetByRole(playwright.AriaRole("button"), playwright.PageGetByRoleOptions{Name: label}))
	}
	n, err := button.Count()
	if err != nil || n == 0 {
		return false, err
	}
	if err := button.First().Click(playwright.LocatorClickOptions{Timeout: p.budget(ctx)}); err != nil {
		return false, err
	}
	return true, nil
}

func (p *claimPage) Location() string {
	return p.page.URL()
}

func (p *claimPage) Close() error {
	return p.page.Close()
}
