// Package browser runs one authenticated Chromium context per account and exposes it to
// the detector, the capacity tracker and the claim strategies.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"claim-swarm/internal/claim"
	"claim-swarm/internal/config"
	"claim-swarm/internal/feed"
)

// ErrUnknownAccount is returned for an account id the pool was not started with.
var ErrUnknownAccount = errors.New("unknown account")

// Options configure the pool.
type Options struct {
	TargetURL   string
	LoginURL    string
	CapacityURL string
	// FeedURL identifies the listing API response captured while the page reloads.
	FeedURL string
	// LoggedInPattern is the URL glob reached after a successful login.
	LoggedInPattern string
	SessionDir      string
	Headless        bool
	ProxyURL        string
	ProxyPool       string
	Hostname        string
	UserAgent       string
	NavTimeout      time.Duration
}

type session struct {
	account config.Account
	proxy   string
	ctx     playwright.BrowserContext

	// mu serialises use of the long-lived listing page.
	mu      sync.Mutex
	listing playwright.Page
	feedMu  sync.Mutex
	feed    []byte

	clientMu sync.RWMutex
	client   *http.Client
}

// Pool owns the browser and every account session.
type Pool struct {
	opts   Options
	logger *zap.Logger

	pw       *playwright.Playwright
	browser  playwright.Browser
	sessions map[int]*session
}

// Start launches Chromium and opens a context for every account, restoring stored
// session state when present. It does not log in; call Login for each account.
func Start(accounts []config.Account, opts Options, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.LoggedInPattern == "" {
		opts.LoggedInPattern = "**/modeling-requests**"
	}
	if opts.SessionDir != "" {
		if err := os.MkdirAll(opts.SessionDir, 0o700); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	p := &Pool{opts: opts, logger: logger, pw: pw, browser: b, sessions: make(map[int]*session)}
	for _, acct := range accounts {
		s, err := p.openSession(acct)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.sessions[acct.ID] = s
	}
	return p, nil
}

func (p *Pool) openSession(acct config.Account) (*session, error) {
	proxy := ProxyFor(p.opts.ProxyURL, p.opts.ProxyPool, p.opts.Hostname, acct.ID)
	ctxOpts := playwright.BrowserNewContextOptions{}
	if p.opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(p.opts.UserAgent)
	}
	if proxy != "" {
		ctxOpts.Proxy = &playwright.Proxy{Server: proxy}
		p.logger.Info("account proxy", zap.Int("account_id", acct.ID), zap.String("proxy", proxy))
	}
	if path := p.sessionPath(acct.ID); path != "" {
		if _, err := os.Stat(path); err == nil {
			ctxOpts.StorageStatePath = playwright.String(path)
		}
	}

	bctx, err := p.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("account %d: new context: %w", acct.ID, err)
	}
	bctx.SetDefaultNavigationTimeout(float64(p.opts.NavTimeout.Milliseconds()))
	bctx.SetDefaultTimeout(float64(p.opts.NavTimeout.Milliseconds()))

	listing, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("account %d: listing page: %w", acct.ID, err)
	}
	s := &session{account: acct, proxy: proxy, ctx: bctx, listing: listing}
	listing.OnResponse(func(resp playwright.Response) {
		if !MatchesFeed(resp.URL(), p.opts.FeedURL) || resp.Status() != http.StatusOK {
			return
		}
		body, err := resp.Body()
		if err != nil {
			return
		}
		s.feedMu.Lock()
		s.feed = body
		s.feedMu.Unlock()
	})
	return s, nil
}

func (p *Pool) sessionPath(accountID int) string {
	return SessionPath(p.opts.SessionDir, accountID)
}

// SessionPath is where the storage state of an account is kept.
func SessionPath(dir string, accountID int) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("account-%d.json", accountID))
}

func (p *Pool) session(accountID int) (*session, error) {
	s, ok := p.sessions[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, accountID)
	}
	return s, nil
}

// Accounts lists the pool's account ids in ascending order.
func (p *Pool) Accounts() []int {
	ids := make([]int, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LoginAll logs every account in. The first failure is returned after all were tried.
func (p *Pool) LoginAll(ctx context.Context) error {
	var firstErr error
	for _, id := range p.Accounts() {
		if err := p.Login(ctx, id); err != nil {
			p.logger.Error("login failed", zap.Int("account_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Login opens the listing page, signs in when redirected to the login form, saves the
// session state and refreshes the account's HTTP client cookies.
func (p *Pool) Login(ctx context.Context, accountID int) error {
	s, err := p.session(accountID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.listing.Goto(p.opts.TargetURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   timeoutFor(ctx, p.opts.NavTimeout),
	}); err != nil {
		return fmt.Errorf("open listing: %w", err)
	}
	return p.loginLocked(s)
}

// Relogin reopens the listing and signs in again after the account's session was lost.
// The account's HTTP client is rebuilt with the fresh cookies.
func (p *Pool) Relogin(ctx context.Context, accountID int) error {
	p.logger.Warn("session lost, signing in again", zap.Int("account_id", accountID))
	if err := p.Login(ctx, accountID); err != nil {
		return fmt.Errorf("relogin: %w", err)
	}
	return nil
}

// loginLocked signs in if the listing page sits on the login form. s.mu must be held.
func (p *Pool) loginLocked(s *session) error {
	page := s.listing
	accountID := s.account.ID
	if NeedsLogin(page.URL(), p.opts.LoginURL) {
		p.logger.Info("logging in", zap.Int("account_id", accountID))
		if err := page.Locator(`input[type="email"], input[name*="email"]`).First().Fill(s.account.Email); err != nil {
			return fmt.Errorf("fill email: %w", err)
		}
		if err := page.Locator(`input[type="password"]`).First().Fill(s.account.Password); err != nil {
			return fmt.Errorf("fill password: %w", err)
		}
		remember := page.GetByLabel("Remember me")
		if n, err := remember.Count(); err == nil && n > 0 {
			_ = remember.First().Check()
		}
		if err := page.Locator(`button[type="submit"], input[type="submit"]`).First().Click(); err != nil {
			return fmt.Errorf("submit login: %w", err)
		}
		if err := page.WaitForURL(p.opts.LoggedInPattern); err != nil {
			return fmt.Errorf("wait for listing after login: %w", err)
		}
		if path := p.sessionPath(accountID); path != "" {
			if _, err := s.ctx.StorageState(path); err != nil {
				p.logger.Warn("save session state failed", zap.Int("account_id", accountID), zap.Error(err))
			}
		}
	}

	return p.syncCookies(s)
}

// NeedsLogin reports whether the current location is the login form.
func NeedsLogin(location, loginURL string) bool {
	return feed.IsLoginLocation(location, loginURL)
}

func (p *Pool) syncCookies(s *session) error {
	cookies, err := s.ctx.Cookies()
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	jar, err := CookieJar(cookies)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	client, err := NewHTTPClient(s.proxy, jar)
	if err != nil {
		return err
	}
	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()
	return nil
}

// HTTPClient returns the account's cookie-carrying client. Before the first login it
// returns a client without cookies.
func (p *Pool) HTTPClient(accountID int) *http.Client {
	s, err := p.session(accountID)
	if err != nil {
		return http.DefaultClient
	}
	s.clientMu.RLock()
	client := s.client
	s.clientMu.RUnlock()
	if client != nil {
		return client
	}
	client, err = NewHTTPClient(s.proxy, nil)
	if err != nil {
		p.logger.Warn("proxy ignored", zap.Int("account_id", accountID), zap.Error(err))
		client, _ = NewHTTPClient("", nil)
	}
	return client
}

// NewPage opens a fresh tab in the account's context for one claim attempt.
func (p *Pool) NewPage(ctx context.Context, accountID int) (claim.Page, error) {
	s, err := p.session(accountID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := s.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new tab: %w", err)
	}
	return newClaimPage(page, p.opts.NavTimeout), nil
}

// Close shuts every context, the browser and the driver.
func (p *Pool) Close() {
	for id, s := range p.sessions {
		if err := s.ctx.Close(); err != nil {
			p.logger.Warn("close context", zap.Int("account_id", id), zap.Error(err))
		}
	}
	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			p.logger.Warn("close browser", zap.Error(err))
		}
	}
	if p.pw != nil {
		if err := p.pw.Stop(); err != nil {
			p.logger.Warn("stop playwright", zap.Error(err))
		}
	}
}
