package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"claim-swarm/internal/capacity"
	"claim-swarm/internal/models"
)

// CapacitySelectors locate the limits widget in the sidebar.
type CapacitySelectors struct {
	Reveal  string
	Single  string
	Grouped string
}

// DefaultCapacitySelectors match the sidebar limits popover.
var DefaultCapacitySelectors = CapacitySelectors{
	Reveal:  `[class*="SidebarCapacityMenuItemContent"] svg`,
	Single:  `[class*="Limits-module__content"] > div:nth-child(2) > div:nth-child(1) > div:nth-child(1) > div:nth-child(2)`,
	Grouped: `div.row:nth-child(3) > div:nth-child(1) > div:nth-child(1) > div:nth-child(2)`,
}

// ErrCapacityUnreadable means neither counter could be read, usually a lost session.
var ErrCapacityUnreadable = errors.New("capacity counters unreadable")

// CapacityReader reads counters from the account's listing page.
type CapacityReader struct {
	pool      *Pool
	selectors CapacitySelectors
	wait      time.Duration
}

// NewCapacityReader builds a reader with the default selectors when sel is empty.
func NewCapacityReader(pool *Pool, sel CapacitySelectors) *CapacityReader {
	if sel.Single == "" || sel.Grouped == "" {
		sel = DefaultCapacitySelectors
	}
	return &CapacityReader{pool: pool, selectors: sel, wait: 2 * time.Second}
}

type navigator interface {
	URL() string
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Reload(options ...playwright.PageReloadOptions) (playwright.Response, error)
}

// refreshListing reloads the page so the counters reflect the site now. A page that was
// never opened, or sits on the login form, is sent to target instead. It reports whether
// the page ended on the login form.
func refreshListing(page navigator, target, loginURL string, timeout *float64) (bool, error) {
	location := page.URL()
	if location == "" || location == "about:blank" || NeedsLogin(location, loginURL) {
		if _, err := page.Goto(target, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
			Timeout:   timeout,
		}); err != nil {
			return false, fmt.Errorf("open listing: %w", err)
		}
	} else if _, err := page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   timeout,
	}); err != nil {
		return false, fmt.Errorf("reload listing: %w", err)
	}
	return NeedsLogin(page.URL(), loginURL), nil
}

// ReadCapacity reloads the listing, hovers the limits icon and parses both "current/max" counters.
func (r *CapacityReader) ReadCapacity(ctx context.Context, accountID int) (models.CapacitySnapshot, error) {
	s, err := r.pool.session(accountID)
	if err != nil {
		return models.CapacitySnapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.CapacitySnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	page := s.listing
	target := r.pool.opts.CapacityURL
	if target == "" {
		target = r.pool.opts.TargetURL
	}
	onLogin, err := refreshListing(page, target, r.pool.opts.LoginURL, timeoutFor(ctx, r.pool.opts.NavTimeout))
	if err != nil {
		return models.CapacitySnapshot{}, err
	}
	if onLogin {
		if err := r.pool.loginLocked(s); err != nil {
			return models.CapacitySnapshot{}, err
		}
	}

	if r.selectors.Reveal != "" {
		icon := page.Locator(r.selectors.Reveal).First()
		if n, err := icon.Count(); err == nil && n > 0 {
			_ = icon.Hover(playwright.LocatorHoverOptions{Timeout: timeoutFor(ctx, r.wait)})
		}
	}

	single, singleErr := page.Locator(r.selectors.Single).First().TextContent(
		playwright.LocatorTextContentOptions{Timeout: timeoutFor(ctx, r.wait)})
	grouped, groupedErr := page.Locator(r.selectors.Grouped).First().TextContent(
		playwright.LocatorTextContentOptions{Timeout: timeoutFor(ctx, r.wait)})
	if singleErr != nil && groupedErr != nil {
		return models.CapacitySnapshot{}, errors.Join(ErrCapacityUnreadable, singleErr)
	}
	return models.CapacitySnapshot{
		AccountID: accountID,
		Single:    capacity.Parse(single),
		Grouped:   capacity.Parse(grouped),
	}, nil
}
