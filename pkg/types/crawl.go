package types

import (
	"net/http"
	"net/url"
	"time"
)

// Link is a discovered article URL. URL holds the canonical absolute form and is the identity.
type Link struct {
	URL   string
	Title string
}

// FetchRequest models a single fetch attempt handed to the fetch capability.
type FetchRequest struct {
	URL     *url.URL
	Headers http.Header
	Render  bool
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}

// PageFetchResult is the outcome of a resilient fetch. It is not persisted.
type PageFetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Body        []byte
	ContentType string
	RateLimited bool
	Attempts    int
	Elapsed     time.Duration
}

// MatchRecord is one matching sentence found in an article body.
type MatchRecord struct {
	Sequence  int64
	RunID     string
	SourceURL string
	Title     string
	Sentence  string
	Keyword   string
	MatchedAt time.Time
}
