package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"claim-swarm/internal/models"
)

// MaxFeedBytes caps one feed page.
const MaxFeedBytes = 8 << 20

// ErrSessionLost means the feed answered as if the account were signed out.
var ErrSessionLost = errors.New("feed session lost")

// ErrFeedTooLarge is returned when a feed page exceeds MaxFeedBytes.
var ErrFeedTooLarge = errors.New("feed page too large")

// DefaultUserAgent identifies the agent on feed and claim requests.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

// ClientSource hands out the authenticated HTTP client for an account.
type ClientSource interface {
	HTTPClient(accountID int) *http.Client
}

// Reauthenticator signs an account in again after its session was lost.
type Reauthenticator interface {
	Relogin(ctx context.Context, accountID int) error
}

// Client polls the JSON listing feed with an account's session.
type Client struct {
	clients    ClientSource
	feedURL    string
	listingURL string
	loginURL   string
	maxPages   int
}

// NewClient builds a feed poller. maxPages < 1 means only the first page is read.
func NewClient(clients ClientSource, feedURL, listingURL string, maxPages int) *Client {
	if maxPages < 1 {
		maxPages = 1
	}
	return &Client{
		clients:    clients,
		feedURL:    feedURL,
		listingURL: listingURL,
		maxPages:   maxPages,
	}
}

// WithLoginURL treats responses that end on loginURL as a lost session, in addition to
// the site's default login path.
func (c *Client) WithLoginURL(loginURL string) *Client {
	c.loginURL = loginURL
	return c
}

// Poll fetches the feed as accountID, following next links up to maxPages. When the
// session is gone the account is signed in again, if the client source can do that,
// and ErrSessionLost is returned so the next cycle retries.
func (c *Client) Poll(ctx context.Context, accountID int) ([]models.Job, error) {
	client := c.clients.HTTPClient(accountID)
	next := c.feedURL
	var jobs []models.Job
	for page := 0; page < c.maxPages && next != ""; page++ {
		body, final, err := fetch(ctx, client, next)
		if err == nil && final != nil && IsLoginLocation(final.String(), c.loginURL) {
			err = fmt.Errorf("%w: redirected to %s", ErrSessionLost, final)
		}
		if err != nil {
			if errors.Is(err, ErrSessionLost) {
				return jobs, c.reauthenticate(ctx, accountID, err)
			}
			return jobs, err
		}
		parsed, err := ParseFeed(body, c.listingURL)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, parsed.Jobs...)
		next = resolveNext(next, parsed.Next)
	}
	return jobs, nil
}

func (c *Client) reauthenticate(ctx context.Context, accountID int, cause error) error {
	r, ok := c.clients.(Reauthenticator)
	if !ok {
		return cause
	}
	if err := r.Relogin(ctx, accountID); err != nil {
		return errors.Join(cause, fmt.Errorf("relogin account %d: %w", accountID, err))
	}
	return cause
}

// IsLoginLocation reports whether location is the login form.
func IsLoginLocation(location, loginURL string) bool {
	if strings.Contains(location, "/users/login") {
		return true
	}
	return loginURL != "" && strings.HasPrefix(location, loginURL)
}

func resolveNext(current, next string) string {
	if next == "" {
		return ""
	}
	base, err := url.Parse(current)
	if err != nil {
		return next
	}
	ref, err := url.Parse(next)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// StatusError is returned for non-2xx feed responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Status, e.URL)
}

// Unwrap maps 401 and 403 to ErrSessionLost.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrSessionLost
	}
	return nil
}

// FetchJSONWithClient retrieves a JSON document with the given client.
func FetchJSONWithClient(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	body, _, err := fetch(ctx, client, url)
	return body, err
}

// fetch returns the body and the final URL after redirects.
func fetch(ctx context.Context, client *http.Client, target string) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/vnd.api+json, application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &StatusError{URL: target, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFeedBytes+1))
	if err != nil {
		return nil, nil, err
	}
	if len(body) > MaxFeedBytes {
		return nil, nil, fmt.Errorf("%w: %s", ErrFeedTooLarge, target)
	}
	return body, resp.Request.URL, nil
}
