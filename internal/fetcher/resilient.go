package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// Completeness decides whether a 2xx body is the real page rather than a truncated or placeholder
// one. A body passes when it is longer than MinBytes or contains any marker. The zero value
// accepts every body.
type Completeness struct {
	MinBytes int
	Markers  []string
}

// Complete reports whether body passes the check.
func (c Completeness) Complete(body []byte) bool {
	if c.MinBytes <= 0 && len(c.Markers) == 0 {
		return true
	}
	if c.MinBytes > 0 && len(body) > c.MinBytes {
		return true
	}
	text := string(body)
	for _, m := range c.Markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// TranslateCompleteness recognises a fully loaded Google Translate proxy page.
func TranslateCompleteness() Completeness {
	return Completeness{MinBytes: 5000, Markers: []string{"google-src-active", "result-container"}}
}

// ResilientOptions tunes the retry loop.
type ResilientOptions struct {
	// MaxRetries bounds the total number of attempts.
	MaxRetries       int
	RateLimitBackoff Backoff
	ErrorBackoff     Backoff
	// RateLimitMarkers are matched case-insensitively against response bodies.
	RateLimitMarkers []string
	Completeness     Completeness
	Headers          HeaderProvider
	Rewrite          URLRewriter
	Sleeper          Sleeper
	Render           bool
}

// DefaultResilientOptions returns the production retry settings.
func DefaultResilientOptions() ResilientOptions {
	return ResilientOptions{
		MaxRetries:       5,
		RateLimitBackoff: DefaultRateLimitBackoff(),
		ErrorBackoff:     DefaultErrorBackoff(),
		RateLimitMarkers: []string{"captcha"},
		Sleeper:          TimerSleeper,
	}
}

// Resilient retries a Fetcher with classified backoff until a complete 2xx page arrives or the
// attempt budget runs out.
type Resilient struct {
	fetcher Fetcher
	opts    ResilientOptions
	markers []string
	logger  *slog.Logger
}

// NewResilient wraps f. Unset backoffs wait nothing; an unset sleeper uses real timers.
func NewResilient(f Fetcher, opts ResilientOptions, logger *slog.Logger) (*Resilient, error) {
	if f == nil {
		return nil, errors.New("fetcher is nil")
	}
	if opts.MaxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be positive, got %d", opts.MaxRetries)
	}
	if opts.RateLimitBackoff == nil {
		opts.RateLimitBackoff = NoBackoff
	}
	if opts.ErrorBackoff == nil {
		opts.ErrorBackoff = NoBackoff
	}
	if opts.Sleeper == nil {
		opts.Sleeper = TimerSleeper
	}
	if logger == nil {
		logger = slog.Default()
	}
	markers := make([]string, 0, len(opts.RateLimitMarkers))
	for _, m := range opts.RateLimitMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	return &Resilient{fetcher: f, opts: opts, markers: markers, logger: logger}, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRateLimited
	outcomeTransient
)

// Fetch retrieves rawURL. It returns *ExhaustedError after MaxRetries failed attempts and the
// context error when ctx ends first.
func (r *Resilient) Fetch(ctx context.Context, rawURL string) (*types.PageFetchResult, error) {
	target := rawURL
	if r.opts.Rewrite != nil {
		rewritten, err := r.opts.Rewrite.Rewrite(rawURL)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", rawURL, err)
		}
		target = rewritten
	}
	reqURL, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse url %s: %w", target, err)
	}

	start := time.Now()
	var (
		lastStatus  int
		lastErr     error
		rateLimited bool
		last        outcome
	)

	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req := types.FetchRequest{URL: reqURL, Render: r.opts.Render}
		if r.opts.Headers != nil {
			req.Headers = r.opts.Headers.Headers(attempt)
		}

		page, err := r.fetcher.Fetch(ctx, req)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			last, lastErr, lastStatus = outcomeTransient, err, 0
		default:
			lastStatus = page.StatusCode
			last, lastErr = r.classify(page)
			if last == outcomeSuccess {
				result := &types.PageFetchResult{
					URL:         rawURL,
					FinalURL:    finalURL(page, target),
					StatusCode:  page.StatusCode,
					Body:        page.Body,
					ContentType: page.ContentType,
					RateLimited: rateLimited,
					Attempts:    attempt,
					Elapsed:     time.Since(start),
				}
				return result, nil
			}
		}
		if last == outcomeRateLimited {
			rateLimited = true
		}

		r.logger.Warn("fetch attempt failed",
			"url", rawURL,
			"attempt", attempt,
			"max_attempts", r.opts.MaxRetries,
			"status", lastStatus,
			"rate_limited", last == outcomeRateLimited,
			"error", lastErr,
		)

		if attempt == r.opts.MaxRetries {
			break
		}
		wait := r.opts.ErrorBackoff.Delay(attempt)
		if last == outcomeRateLimited {
			wait = r.opts.RateLimitBackoff.Delay(attempt)
		}
		if err := r.opts.Sleeper.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{
		URL:         rawURL,
		Attempts:    r.opts.MaxRetries,
		LastStatus:  lastStatus,
		RateLimited: last == outcomeRateLimited,
		LastErr:     lastErr,
	}
}

func (r *Resilient) classify(page *types.Page) (outcome, error) {
	status := page.StatusCode
	if status == 429 || status == 403 {
		return outcomeRateLimited, fmt.Errorf("%w: status %d", ErrRateLimited, status)
	}
	if len(r.markers) > 0 {
		lower := strings.ToLower(string(page.Body))
		for _, m := range r.markers {
			if strings.Contains(lower, m) {
				return outcomeRateLimited, fmt.Errorf("%w: body contains %q", ErrRateLimited, m)
			}
		}
	}
	if status < 200 || status > 299 {
		return outcomeTransient, fmt.Errorf("unexpected status %d", status)
	}
	if !r.opts.Completeness.Complete(page.Body) {
		return outcomeTransient, fmt.Errorf("incomplete body (%d bytes)", len(page.Body))
	}
	return outcomeSuccess, nil
}

func finalURL(page *types.Page, fallback string) string {
	if page.FinalURL != nil {
		return page.FinalURL.String()
	}
	return fallback
}
