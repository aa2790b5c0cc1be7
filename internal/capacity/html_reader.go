package capacity

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"claim-swarm/internal/models"
)

// ClientSource hands out the authenticated HTTP client for an account.
type ClientSource interface {
	HTTPClient(accountID int) *http.Client
}

// Selectors locate the two counters on the limits page.
type Selectors struct {
	Single  string
	Grouped string
}

// DefaultSelectors match the data attributes on the limits widget.
var DefaultSelectors = Selectors{
	Single:  `[data-capacity="single"]`,
	Grouped: `[data-capacity="grouped"]`,
}

// HTMLReader reads counters from a server-rendered limits page without a browser.
type HTMLReader struct {
	clients   ClientSource
	pageURL   string
	selectors Selectors
	userAgent string
}

// NewHTMLReader builds a reader for pageURL.
func NewHTMLReader(clients ClientSource, pageURL string, selectors Selectors, userAgent string) *HTMLReader {
	if selectors.Single == "" || selectors.Grouped == "" {
		selectors = DefaultSelectors
	}
	return &HTMLReader{clients: clients, pageURL: pageURL, selectors: selectors, userAgent: userAgent}
}

// ReadCapacity fetches the page and parses both counters.
func (r *HTMLReader) ReadCapacity(ctx context.Context, accountID int) (models.CapacitySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.pageURL, nil)
	if err != nil {
		return models.CapacitySnapshot{}, err
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.clients.HTTPClient(accountID).Do(req)
	if err != nil {
		return models.CapacitySnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.CapacitySnapshot{}, fmt.Errorf("limits page status %d", resp.StatusCode)
	}
	if strings.Contains(resp.Request.URL.Path, "/users/login") {
		return models.CapacitySnapshot{}, fmt.Errorf("session expired for account %d", accountID)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return models.CapacitySnapshot{}, fmt.Errorf("parse limits page: %w", err)
	}
	return ParseSnapshot(accountID, doc, r.selectors)
}

// ParseSnapshot extracts both counters from a parsed document. A missing counter is an
// error so a changed page layout is not mistaken for a full account.
func ParseSnapshot(accountID int, doc *goquery.Document, selectors Selectors) (models.CapacitySnapshot, error) {
	single := doc.Find(selectors.Single).First()
	grouped := doc.Find(selectors.Grouped).First()
	if single.Length() == 0 || grouped.Length() == 0 {
		return models.CapacitySnapshot{}, fmt.Errorf("capacity counters not found")
	}
	return models.CapacitySnapshot{
		AccountID: accountID,
		Single:    Parse(single.Text()),
		Grouped:   Parse(grouped.Text()),
	}, nil
}
