package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Patrickmaimai/web-crawler-corpus/internal/config"
)

func TestGate_RespectsRules(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /search\n\nUser-agent: corpus-bot\nDisallow: /private\n"))
	}))
	defer srv.Close()

	gate := NewGate(config.RobotsConfig{Respect: true, UserAgent: "corpus-bot"}, srv.Client(), nil)
	ctx := context.Background()

	assert.False(t, gate.Allowed(ctx, srv.URL+"/private/1"))
	assert.True(t, gate.Allowed(ctx, srv.URL+"/search?text=huawei"), "agent group overrides the wildcard group")
	assert.True(t, gate.Allowed(ctx, srv.URL+"/ekonomika/1"))
	assert.EqualValues(t, 1, hits.Load(), "rules are cached per host")

	gate.Purge(srv.URL)
	assert.True(t, gate.Allowed(ctx, srv.URL+"/ekonomika/2"))
	assert.EqualValues(t, 2, hits.Load())
}

func TestGate_DisabledAndOverrides(t *testing.T) {
	ctx := context.Background()

	off := NewGate(config.RobotsConfig{Respect: false}, nil, nil)
	assert.True(t, off.Allowed(ctx, "https://tass.ru/search"))
	assert.False(t, off.Allowed(ctx, "/relative"))
	assert.False(t, off.Allowed(ctx, "://bad"))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	gate := NewGate(config.RobotsConfig{Respect: true, Overrides: []string{" 127.0.0.1 "}}, srv.Client(), nil)
	assert.True(t, gate.Allowed(ctx, srv.URL+"/anything"))
	assert.Zero(t, hits.Load())
}

func TestGate_FailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	gate := NewGate(config.RobotsConfig{Respect: true}, nil, nil)
	assert.True(t, gate.Allowed(context.Background(), addr+"/doc/1"))
}
