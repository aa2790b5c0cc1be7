package browser

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"claim-swarm/internal/feed"
	"claim-swarm/internal/models"
)

var (
	cardPrice      = regexp.MustCompile(`\$(\d+(?:\.\d+)?)`)
	cardVariations = regexp.MustCompile(`(?i)(\d+)\s+variations`)
	jobIDSegment   = regexp.MustCompile(`/(\d+)(?:/brief)?/?$`)
)

const (
	cardLinkSelector = `a:has-text("Open requirements"), button:has-text("Open requirements")`
	cardXPath        = `xpath=./ancestor::div[contains(@class, "row") or contains(@class, "Card")]`
)

// PageFeed detects jobs by reloading the listing page. A visible no-jobs marker means an
// empty listing; otherwise jobs come from the captured feed response or, failing that,
// from the rendered cards.
type PageFeed struct {
	pool       *Pool
	listingURL string
	noJobsText string
	markerWait time.Duration
	logger     *zap.Logger
}

// NewPageFeed builds a page-mode detection source on top of the pool.
func NewPageFeed(pool *Pool, listingURL, noJobsText string, logger *zap.Logger) *PageFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageFeed{
		pool:       pool,
		listingURL: listingURL,
		noJobsText: noJobsText,
		markerWait: 3 * time.Second,
		logger:     logger,
	}
}

// Poll reloads the listing as accountID and returns the jobs shown.
func (f *PageFeed) Poll(ctx context.Context, accountID int) ([]models.Job, error) {
	s, err := f.pool.session(accountID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.feedMu.Lock()
	s.feed = nil
	s.feedMu.Unlock()

	page := s.listing
	if strings.HasPrefix(page.URL(), f.listingURL) {
		_, err = page.Reload(playwright.PageReloadOptions{WaitUntil: playwright.WaitUntilStateNetworkidle})
	} else {
		_, err = page.Goto(f.listingURL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateNetworkidle})
	}
	if err != nil {
		return nil, fmt.Errorf("reload listing: %w", err)
	}
	if NeedsLogin(page.URL(), f.pool.opts.LoginURL) {
		if err := f.pool.loginLocked(s); err != nil {
			return nil, fmt.Errorf("re-login: %w", err)
		}
	}

	if f.noJobsText != "" {
		err := page.GetByText(f.noJobsText).WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeoutFor(ctx, f.markerWait),
		})
		if err == nil {
			return nil, nil
		}
	}

	s.feedMu.Lock()
	body := s.feed
	s.feedMu.Unlock()
	if len(body) > 0 {
		parsed, err := feed.ParseFeed(body, f.listingURL)
		if err == nil {
			return parsed.Jobs, nil
		}
		f.logger.Warn("captured feed unreadable, scraping cards", zap.Error(err))
	}
	return f.scrapeCards(page)
}

func (f *PageFeed) scrapeCards(page playwright.Page) ([]models.Job, error) {
	links, err := page.Locator(cardLinkSelector).All()
	if err != nil {
		return nil, fmt.Errorf("find job cards: %w", err)
	}
	var jobs []models.Job
	for _, link := range links {
		href, err := link.GetAttribute("href")
		if err != nil || href == "" {
			continue
		}
		text := ""
		card := link.Locator(cardXPath).First()
		if n, err := card.Count(); err == nil && n > 0 {
			text, _ = card.InnerText()
		} else {
			text, _ = link.Locator("xpath=../..").InnerText()
		}
		if job, ok := ParseCard(text, href, f.listingURL); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// ParseCard builds a job from a rendered listing card. Cards carry only a price and an
// optional variation count; the job id comes from the detail link.
func ParseCard(text, href, listingURL string) (models.Job, bool) {
	full := resolve(listingURL, href)
	m := jobIDSegment.FindStringSubmatch(strings.SplitN(full, "?", 2)[0])
	if m == nil {
		return models.Job{}, false
	}
	job := models.Job{
		ID:             m[1],
		URL:            full,
		VariationCount: 1,
		Title:          firstLine(text),
	}
	if pm := cardPrice.FindStringSubmatch(text); pm != nil {
		job.Price, _ = strconv.ParseFloat(pm[1], 64)
	}
	if vm := cardVariations.FindStringSubmatch(text); vm != nil {
		if n, err := strconv.Atoi(vm[1]); err == nil && n >= 1 {
			job.IsGrouped = true
			job.VariationCount = n
		}
	}
	job.PricePerUnit = job.Price
	if job.IsGrouped {
		job.PricePerUnit = job.Price / float64(job.VariationCount)
	}
	return job, true
}

func resolve(base, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(u).String()
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !cardPrice.MatchString(line) {
			return line
		}
	}
	return ""
}

// MatchesFeed reports whether a response URL is the listing API, ignoring query strings.
func MatchesFeed(responseURL, feedURL string) bool {
	if feedURL == "" {
		return false
	}
	strip := func(s string) string { return strings.SplitN(s, "?", 2)[0] }
	return strings.HasPrefix(strip(responseURL), strip(feedURL))
}
