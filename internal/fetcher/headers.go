package fetcher

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
}

// DefaultUserAgents returns a copy of the built-in browser identity pool.
func DefaultUserAgents() []string {
	out := make([]string, len(defaultUserAgents))
	copy(out, defaultUserAgents)
	return out
}

// HeaderProvider yields the headers for one attempt. attempt is 1-based.
type HeaderProvider interface {
	Headers(attempt int) http.Header
}

// RotatingHeaders cycles through a user-agent pool on top of a fixed header set, so every retry
// presents a different browser identity.
type RotatingHeaders struct {
	base       http.Header
	userAgents []string

	mu   sync.Mutex
	next int
}

// NewRotatingHeaders builds a provider. An empty pool falls back to the built-in one.
func NewRotatingHeaders(base map[string]string, userAgents []string) *RotatingHeaders {
	h := make(http.Header, len(base))
	for k, v := range base {
		h.Set(k, v)
	}
	pool := make([]string, 0, len(userAgents))
	for _, ua := range userAgents {
		if ua = strings.TrimSpace(ua); ua != "" {
			pool = append(pool, ua)
		}
	}
	if len(pool) == 0 {
		pool = DefaultUserAgents()
	}
	return &RotatingHeaders{base: h, userAgents: pool}
}

// Headers returns a fresh header set carrying the next user agent of the pool.
func (r *RotatingHeaders) Headers(int) http.Header {
	r.mu.Lock()
	ua := r.userAgents[r.next%len(r.userAgents)]
	r.next++
	r.mu.Unlock()

	h := r.base.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("User-Agent", ua)
	return h
}

// URLRewriter maps a target URL onto the URL actually requested.
type URLRewriter interface {
	Rewrite(target string) (string, error)
}

// TranslateProxy routes requests through the Google Translate page proxy, which serves pages from
// Google's network instead of the origin.
type TranslateProxy struct {
	Endpoint   string
	SourceLang string
	TargetLang string
}

const defaultTranslateEndpoint = "https://translate.google.com/translate"

// Rewrite returns the proxy URL for target.
func (p TranslateProxy) Rewrite(target string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("target url %q is not absolute", target)
	}

	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = defaultTranslateEndpoint
	}
	sl := p.SourceLang
	if sl == "" {
		sl = "auto"
	}
	tl := p.TargetLang
	if tl == "" {
		tl = "en"
	}
	// parameter order is sl, tl, u.
	return fmt.Sprintf("%s?sl=%s&tl=%s&u=%s", endpoint, url.QueryEscape(sl), url.QueryEscape(tl), url.QueryEscape(u.String())), nil
}
