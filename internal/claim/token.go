package claim

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ClientSource hands out the authenticated HTTP client for an account.
type ClientSource interface {
	HTTPClient(accountID int) *http.Client
}

type cachedToken struct {
	value     string
	fetchedAt time.Time
}

// TokenCache scrapes and caches the per-account anti-forgery token.
type TokenCache struct {
	clients   ClientSource
	pageURL   string
	selector  string
	ttl       time.Duration
	userAgent string
	now       func() time.Time

	mu     sync.Mutex
	tokens map[int]cachedToken
}

// NewTokenCache builds a cache that scrapes pageURL. ttl <= 0 defaults to 60s.
func NewTokenCache(clients ClientSource, pageURL string, ttl time.Duration, userAgent string) *TokenCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &TokenCache{
		clients:   clients,
		pageURL:   pageURL,
		selector:  `meta[name="csrf-token"]`,
		ttl:       ttl,
		userAgent: userAgent,
		now:       time.Now,
		tokens:    make(map[int]cachedToken),
	}
}

// Get returns a cached token younger than the TTL or scrapes a new one.
func (c *TokenCache) Get(ctx context.Context, accountID int) (string, error) {
	c.mu.Lock()
	tok, ok := c.tokens[accountID]
	c.mu.Unlock()
	if ok && c.now().Sub(tok.fetchedAt) < c.ttl {
		return tok.value, nil
	}

	value, err := c.fetch(ctx, accountID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.tokens[accountID] = cachedToken{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops an account's token so the next Get scrapes again.
func (c *TokenCache) Invalidate(accountID int) {
	c.mu.Lock()
	delete(c.tokens, accountID)
	c.mu.Unlock()
}

func (c *TokenCache) fetch(ctx context.Context, accountID int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL, nil)
	if err != nil {
		return "", err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.clients.HTTPClient(accountID).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token page status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse token page: %w", err)
	}
	value, ok := doc.Find(c.selector).First().Attr("content")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", fmt.Errorf("anti-forgery token not found on %s", c.pageURL)
	}
	return value, nil
}
