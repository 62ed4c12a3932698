// Package robots gates article fetches on the publisher's robots.txt.
package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/Patrickmaimai/web-crawler-corpus/internal/config"
)

// Gate evaluates robots.txt rules with per-host caching and host overrides. A disabled gate
// allows everything without touching the network.
type Gate struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	cache     map[string]cacheEntry
	overrides map[string]struct{}
}

type cacheEntry struct {
	fetched time.Time
	data    *robotstxt.RobotsData
}

// NewGate constructs a gate from configuration.
func NewGate(cfg config.RobotsConfig, client *http.Client, logger *slog.Logger) *Gate {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			overrides[host] = struct{}{}
		}
	}

	return &Gate{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
		overrides: overrides,
	}
}

// Allowed reports whether rawURL may be fetched. Unparseable or relative URLs are refused.
// Failures to fetch robots.txt fail open and are cached like a successful lookup.
func (g *Gate) Allowed(ctx context.Context, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}
	if g == nil || !g.respect {
		return true
	}
	host := strings.ToLower(target.Hostname())
	if _, ok := g.overrides[host]; ok {
		return true
	}

	data := g.rules(ctx, target)
	if data == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return data.TestAgent(path, g.userAgent)
}

func (g *Gate) rules(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	key := strings.ToLower(target.Scheme + "://" + target.Host)

	g.mu.Lock()
	entry, ok := g.cache[key]
	g.mu.Unlock()
	if ok && g.now().Sub(entry.fetched) < g.ttl {
		return entry.data
	}

	data, err := g.fetch(ctx, key+"/robots.txt")
	if err != nil {
		g.logger.Warn("robots lookup failed, allowing host", "host", target.Host, "error", err)
		data = nil
	}

	g.mu.Lock()
	g.cache[key] = cacheEntry{fetched: g.now(), data: data}
	g.mu.Unlock()
	return data
}

func (g *Gate) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// robotstxt maps 4xx to allow-all and 5xx to disallow-all.
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}

// Purge evicts cached rules for a scheme and host such as "https://tass.ru".
func (g *Gate) Purge(origin string) {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" {
		return
	}
	g.mu.Lock()
	delete(g.cache, origin)
	g.mu.Unlock()
}
