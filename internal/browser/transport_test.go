package browser

import (
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
)

func TestSelectProxyEmptyPool(t *testing.T) {
	if got := SelectProxy("", "worker-0"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := SelectProxy("  ,  ", "worker-0"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestSelectProxyDeterministic(t *testing.T) {
	pool := "http://p0:8080,http://p1:8080,http://p2:8080"
	got := SelectProxy(pool, "agent-0/account-1")
	if got != SelectProxy(pool, "agent-0/account-1") {
		t.Fatalf("same key must yield same proxy")
	}
	valid := map[string]bool{"http://p0:8080": true, "http://p1:8080": true, "http://p2:8080": true}
	if !valid[got] {
		t.Fatalf("got %q not in pool", got)
	}
}

func TestSelectProxySpreadsAccounts(t *testing.T) {
	pool := " http://a:80 , http://b:80 "
	seen := make(map[string]bool)
	for id := 1; id <= 4; id++ {
		got := ProxyFor("", pool, "agent-0", id)
		if got != "http://a:80" && got != "http://b:80" {
			t.Fatalf("account %d: expected trimmed pool entry, got %q", id, got)
		}
		seen[got] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected accounts spread over both proxies, got %v", seen)
	}
}

func TestProxyURLTakesPrecedence(t *testing.T) {
	if got := ProxyFor("http://single:9090", "http://p0:80,http://p1:80", "agent-0", 1); got != "http://single:9090" {
		t.Fatalf("expected fixed proxy, got %q", got)
	}
}

func TestNewHTTPClientTimeoutsAndProxy(t *testing.T) {
	client, err := NewHTTPClient("", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if transport.Proxy != nil {
		t.Fatal("expected no proxy")
	}
	if client.Timeout != 30*time.Second {
		t.Fatalf("expected total timeout 30s, got %v", client.Timeout)
	}

	client, err = NewHTTPClient("http://proxy.example:8080", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://site.example/feed.json", nil)
	u, err := client.Transport.(*http.Transport).Proxy(req)
	if err != nil || u == nil || u.String() != "http://proxy.example:8080" {
		t.Fatalf("unexpected proxy %v err=%v", u, err)
	}

	if _, err := NewHTTPClient("://invalid", nil); err == nil {
		t.Fatal("expected error for invalid proxy")
	}
}

func TestCookieJarCopiesBrowserCookies(t *testing.T) {
	jar, err := CookieJar([]playwright.Cookie{
		{Name: "session", Value: "abc", Domain: ".site.example", Path: "/", Secure: true},
		{Name: "orphan", Value: "x"},
	})
	if err != nil {
		t.Fatalf("jar: %v", err)
	}
	u, _ := url.Parse("https://www.site.example/modeling-requests")
	cookies := jar.Cookies(u)
	if len(cookies) != 1 || cookies[0].Name != "session" || cookies[0].Value != "abc" {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
}

func TestSessionPath(t *testing.T) {
	if got := SessionPath("", 1); got != "" {
		t.Fatalf("expected no path without dir, got %q", got)
	}
	if got := SessionPath("/tmp/s", 3); got != filepath.Join("/tmp/s", "account-3.json") {
		t.Fatalf("unexpected path %q", got)
	}
}
