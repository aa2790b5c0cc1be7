package browser

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"claim-swarm/common"
)

// HTTP timeouts so a hung request never holds an attempt slot.
const (
	connectTimeout  = 10 * time.Second
	responseTimeout = 25 * time.Second
	totalTimeout    = 30 * time.Second
)

// SelectProxy picks one URL from a comma-separated pool by hashing key, so each account
// keeps the same egress for the whole run. An empty pool yields "".
func SelectProxy(pool, key string) string {
	valid := common.SplitList(pool)
	if len(valid) == 0 {
		return ""
	}
	if key == "" {
		key = "0"
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return valid[h.Sum32()%uint32(len(valid))]
}

// ProxyFor resolves the proxy of one account: a fixed PROXY_URL wins over the pool.
func ProxyFor(proxyURL, pool, hostname string, accountID int) string {
	if proxyURL != "" {
		return proxyURL
	}
	return SelectProxy(pool, fmt.Sprintf("%s/account-%d", hostname, accountID))
}

// NewHTTPClient returns a client with explicit connect and response-header timeouts,
// routed through proxyURL when set.
func NewHTTPClient(proxyURL string, jar http.CookieJar) (*http.Client, error) {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: responseTimeout,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   totalTimeout,
	}, nil
}

// CookieJar copies browser cookies into a jar usable by net/http.
func CookieJar(cookies []playwright.Cookie) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		jar.SetCookies(&url.URL{Scheme: scheme, Host: host, Path: path}, []*http.Cookie{hc})
	}
	return jar, nil
}
