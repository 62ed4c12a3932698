// Package crawler runs discovery over search seeds and extracts keyword sentences from the
// articles it finds.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/Patrickmaimai/web-crawler-corpus/internal/config"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/discovery"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/fetcher"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/linkcollect"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/logging"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/processor"
	robotsclient "github.com/Patrickmaimai/web-crawler-corpus/internal/robots"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/sentence"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/storage"
	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// Summary counts what a run did.
type Summary struct {
	// Seeds is the number of seeds whose discovery produced a result.
	Seeds    int
	Links    int
	Articles int
	// Failed counts articles whose fetch was exhausted or whose body could not be parsed.
	Failed int
	// Empty counts articles without usable text or without a matching sentence.
	Empty   int
	Skipped int
	Matches int64
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFetcher replaces the HTTP/renderer fetcher used for every request.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithSleeper replaces the timer used for retry backoff.
func WithSleeper(s fetcher.Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// WithSink sends match records to sink instead of the configured CSV file and database.
func WithSink(sink storage.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithRunID fixes the run identifier stamped on match records.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// Engine wires discovery, fetching, extraction and persistence together.
type Engine struct {
	cfg       config.Config
	fetcher   fetcher.Fetcher
	sleeper   fetcher.Sleeper
	extractor *processor.TextExtractor
	matcher   *sentence.Matcher
	robots    *robotsclient.Gate
	limiter   *DomainLimiter
	sink      storage.Sink
	runID     string

	logger *slog.Logger

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds an engine from a validated configuration.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		logger, closer, err := logging.New(cfg.Logging, os.Stdout)
		if err != nil {
			return nil, err
		}
		e.logger = logger
		e.closers = append(e.closers, closer.Close)
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	if e.sleeper == nil {
		e.sleeper = fetcher.TimerSleeper
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		Timeout:      cfg.Fetch.Timeout.Duration,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		ProxyURL:     cfg.Fetch.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}
	if e.fetcher == nil {
		var renderer fetcher.Renderer
		if cfg.Rendering.Enabled {
			renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
				Timeout:         cfg.Rendering.Timeout.Duration,
				WaitForSelector: cfg.Rendering.WaitForSelector,
				MaxBodyBytes:    cfg.Fetch.MaxBodyBytes,
				DisableHeadless: cfg.Rendering.DisableHeadless,
				Sessions:        cfg.Rendering.Sessions,
			}, e.logger)
		}
		e.fetcher = fetcher.NewComposite(httpFetcher, renderer, e.logger)
	}

	matcher, err := sentence.New(sentence.Options{
		Keywords:         cfg.Extract.Keywords,
		MinLength:        cfg.Extract.MinSentenceLength,
		MaxLength:        cfg.Extract.MaxSentenceLength,
		Dedupe:           cfg.Extract.Dedupe,
		IncludeSemicolon: cfg.Extract.IncludeSemicolon,
	})
	if err != nil {
		return nil, fmt.Errorf("sentence matcher: %w", err)
	}
	e.matcher = matcher
	e.extractor = processor.NewTextExtractor(processor.Options{
		ContentSelectors: cfg.Extract.ContentSelectors,
		DropSelectors:    cfg.Extract.DropSelectors,
		MinTextLength:    cfg.Extract.MinTextLength,
	})
	e.robots = robotsclient.NewGate(cfg.Robots, httpFetcher.Client(), e.logger)
	e.limiter = NewDomainLimiter(cfg.Politeness.Delay.Duration, cfg.Politeness.Jitter.Duration, RateLimiterSettings{
		Requests: cfg.Politeness.RateLimit.Requests,
		Window:   cfg.Politeness.RateLimit.Window.Duration,
	})
	return e, nil
}

// RunID identifies the records written by this engine.
func (e *Engine) RunID() string {
	return e.runID
}

// Run discovers links for every seed, merges the configured input link list, writes the merged
// list when a links file is configured and extracts matches from every link.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	links, seeds, discoverErr := e.discover(ctx)
	if discoverErr != nil && !isSeedFailure(discoverErr) {
		return Summary{Seeds: seeds, Links: len(links)}, discoverErr
	}

	if path := e.cfg.Extract.InputFile; path != "" {
		listed, err := storage.LoadLinkList(path)
		if err != nil {
			return Summary{Seeds: seeds, Links: len(links)}, err
		}
		links = mergeLinks(links, listed)
	}
	if discoverErr != nil {
		if len(links) == 0 {
			return Summary{}, discoverErr
		}
		e.logger.Warn("every seed failed, extracting from the input list only", "error", discoverErr)
	}

	if path := e.cfg.Output.LinksFile; path != "" {
		if err := storage.SaveLinkList(path, links); err != nil {
			return Summary{Seeds: seeds, Links: len(links)}, err
		}
	}

	summary, err := e.Extract(ctx, links)
	summary.Seeds = seeds
	return summary, err
}

// Discover runs one discovery session per seed and merges the links. A seed whose first page
// cannot be fetched is logged and skipped; when every seed fails the first such error is
// returned.
func (e *Engine) Discover(ctx context.Context) ([]types.Link, error) {
	links, _, err := e.discover(ctx)
	return links, err
}

func (e *Engine) discover(ctx context.Context) ([]types.Link, int, error) {
	merged := linkcollect.NewLinkSet()
	var (
		firstSeedErr error
		succeeded    int
	)

	for _, raw := range e.cfg.Seeds {
		seed := e.cfg.ResolveSeed(raw)
		result, err := e.discoverSeed(ctx, seed)
		if err != nil {
			var seedErr *discovery.SeedError
			if errors.As(err, &seedErr) {
				e.logger.Warn("seed failed", "seed", seed.URL, "label", seed.Label, "error", err)
				if firstSeedErr == nil {
					firstSeedErr = err
				}
				continue
			}
			return merged.Links(), succeeded, err
		}
		succeeded++

		added := 0
		for _, l := range result.Links {
			if merged.Add(l) {
				added++
			}
		}
		e.logger.Info("discovery finished",
			"seed", seed.URL,
			"label", seed.Label,
			"links", len(result.Links),
			"new_links", added,
			"param", result.ResolvedParam,
			"pages", result.Pages,
			"fetches", result.Fetches,
			"phase", result.Phase.String(),
			"reason", string(result.Reason),
		)
		if result.Err != nil {
			e.logger.Warn("discovery aborted", "seed", seed.URL, "error", result.Err)
		}
		if err := ctx.Err(); err != nil {
			return merged.Links(), succeeded, err
		}
	}

	if succeeded == 0 && firstSeedErr != nil {
		return nil, 0, firstSeedErr
	}
	return merged.Links(), succeeded, nil
}

func (e *Engine) discoverSeed(ctx context.Context, seed config.SeedConfig) (*discovery.Result, error) {
	shape, err := linkcollect.Shape{
		Contains: seed.Shape.Contains,
		Excludes: seed.Shape.Excludes,
		Pattern:  seed.Shape.Pattern,
	}.Predicate()
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", seed.URL, err)
	}
	canonical, err := linkcollect.ParseCanonical(seed.Canonical)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", seed.URL, err)
	}

	opts := e.resilientOptions(seed.Headers)
	opts.Render = seed.Render
	pages, err := fetcher.NewResilient(e.fetcher, opts, e.logger)
	if err != nil {
		return nil, err
	}

	logger := e.logger
	if seed.Label != "" {
		logger = logger.With("label", seed.Label)
	}
	loop, err := discovery.New(pages, discovery.Options{
		SeedURL:         seed.URL,
		ParamCandidates: seed.ParamCandidates,
		StartPage:       seed.StartPage,
		StallThreshold:  seed.StallThreshold,
		MaxLinks:        seed.MaxLinks,
		MaxPages:        seed.MaxPages,
		HintPattern:     seed.HintPattern,
		Collect:         linkcollect.Options{Shape: shape, Canonical: canonical},
		Pacer:           e.limiter,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", seed.URL, err)
	}
	return loop.Run(ctx)
}

func (e *Engine) resilientOptions(headers map[string]string) fetcher.ResilientOptions {
	fc := e.cfg.Fetch
	return fetcher.ResilientOptions{
		MaxRetries:       fc.MaxRetries,
		RateLimitBackoff: linearBackoff(fc.RateLimitBackoff),
		ErrorBackoff:     linearBackoff(fc.ErrorBackoff),
		RateLimitMarkers: fc.RateLimitMarkers,
		Headers:          fetcher.NewRotatingHeaders(headers, fc.UserAgents),
		Sleeper:          e.sleeper,
	}
}

func (e *Engine) articleFetcher() (*fetcher.Resilient, error) {
	opts := e.resilientOptions(e.cfg.Fetch.Headers)
	if tp := e.cfg.Extract.TranslateProxy; tp.Enabled {
		opts.Rewrite = fetcher.TranslateProxy{
			Endpoint:   tp.Endpoint,
			SourceLang: tp.SourceLang,
			TargetLang: tp.TargetLang,
		}
		opts.Completeness = fetcher.TranslateCompleteness()
	}
	return fetcher.NewResilient(e.fetcher, opts, e.logger)
}

type articleStatus int

const (
	articleMatched articleStatus = iota
	articleEmpty
	articleFailed
	articleSkipped
	articleCancelled
)

type articleOutcome struct {
	link    types.Link
	title   string
	matches []sentence.Match
	status  articleStatus
}

// Extract fetches every link, extracts its text and appends the keyword sentences to the
// configured sinks. Per-article failures are logged and counted; only sink errors and
// cancellation end the batch early.
func (e *Engine) Extract(ctx context.Context, links []types.Link) (summary Summary, err error) {
	summary.Links = len(links)
	if len(links) == 0 {
		return summary, nil
	}

	articles, err := e.articleFetcher()
	if err != nil {
		return summary, err
	}
	sink, err := e.openSink(ctx)
	if err != nil {
		return summary, err
	}
	seq := storage.NewSequencer(sink, e.runID)
	defer func() {
		if cerr := seq.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close sinks: %w", cerr))
		}
		summary.Matches = seq.Count()
		e.logger.Info("extraction finished",
			"run_id", e.runID,
			"links", summary.Links,
			"articles", summary.Articles,
			"failed", summary.Failed,
			"empty", summary.Empty,
			"skipped", summary.Skipped,
			"matches", summary.Matches,
		)
	}()

	record := func(out articleOutcome) error {
		switch out.status {
		case articleFailed:
			summary.Failed++
			return nil
		case articleSkipped:
			summary.Skipped++
			return nil
		case articleCancelled:
			return nil
		}
		summary.Articles++
		if out.status == articleEmpty {
			summary.Empty++
			return nil
		}
		for _, m := range out.matches {
			if _, err := seq.Append(ctx, types.MatchRecord{
				SourceURL: out.link.URL,
				Title:     out.title,
				Sentence:  m.Sentence,
				Keyword:   m.Keyword,
			}); err != nil {
				return fmt.Errorf("write match for %s: %w", out.link.URL, err)
			}
		}
		return nil
	}

	if e.cfg.Extract.Concurrency <= 1 {
		for i, link := range links {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			out := e.processArticle(ctx, articles, link)
			e.logProgress(i+1, len(links), out)
			if err := record(out); err != nil {
				return summary, err
			}
		}
		return summary, ctx.Err()
	}
	return summary, e.extractConcurrently(ctx, articles, links, record)
}

// extractConcurrently fans articles out to the worker pool and funnels outcomes into a single
// writer, which keeps record numbering gap-free.
func (e *Engine) extractConcurrently(ctx context.Context, articles *fetcher.Resilient, links []types.Link, record func(articleOutcome) error) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := NewWorkerPool(workCtx, e.cfg.Extract.Concurrency, e.cfg.Extract.Concurrency*2)
	if err != nil {
		return err
	}

	outcomes := make(chan articleOutcome)
	writeErr := make(chan error, 1)
	go func() {
		var first error
		done := 0
		for out := range outcomes {
			done++
			e.logProgress(done, len(links), out)
			if first != nil {
				continue
			}
			if err := record(out); err != nil {
				first = err
				cancel()
			}
		}
		writeErr <- first
	}()

	for _, link := range links {
		link := link
		if err := pool.Submit(workCtx, func(jobCtx context.Context) {
			if jobCtx.Err() != nil {
				return
			}
			outcomes <- e.processArticle(jobCtx, articles, link)
		}); err != nil {
			break
		}
	}
	pool.Close()
	close(outcomes)

	if err := <-writeErr; err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Engine) processArticle(ctx context.Context, articles *fetcher.Resilient, link types.Link) articleOutcome {
	out := articleOutcome{link: link, title: link.Title, status: articleFailed}

	target, err := url.Parse(link.URL)
	if err != nil || !target.IsAbs() {
		e.logger.Warn("skipping malformed link", "url", link.URL, "error", err)
		out.status = articleSkipped
		return out
	}
	if !e.robots.Allowed(ctx, link.URL) {
		e.logger.Debug("blocked by robots", "url", link.URL)
		out.status = articleSkipped
		return out
	}
	if err := e.limiter.Wait(ctx, target.Hostname()); err != nil {
		out.status = articleCancelled
		return out
	}

	page, err := articles.Fetch(ctx, link.URL)
	if err != nil {
		if ctx.Err() != nil {
			out.status = articleCancelled
			return out
		}
		e.logger.Warn("article fetch failed", "url", link.URL, "error", err)
		return out
	}

	article, err := e.extractor.Extract(ctx, page)
	if out.title == "" {
		out.title = article.Title
	}
	switch {
	case errors.Is(err, processor.ErrParseAnomaly):
		e.logger.Debug("article has no usable text", "url", link.URL, "error", err)
		out.status = articleEmpty
		return out
	case err != nil:
		e.logger.Warn("article extraction failed", "url", link.URL, "error", err)
		return out
	}

	out.matches = e.matcher.Matches(article.Text)
	if len(out.matches) == 0 {
		out.status = articleEmpty
		return out
	}
	out.status = articleMatched
	return out
}

func (e *Engine) logProgress(done, total int, out articleOutcome) {
	e.logger.Info("article processed",
		"progress", fmt.Sprintf("%d/%d", done, total),
		"url", out.link.URL,
		"matches", len(out.matches),
	)
}

func (e *Engine) openSink(ctx context.Context) (storage.Sink, error) {
	if e.sink != nil {
		return e.sink, nil
	}
	var sinks []storage.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}
	if path := e.cfg.Output.CSVPath; path != "" {
		csvSink, err := storage.CreateCSVSink(path, storage.CSVOptions{
			BOM:        e.cfg.Output.CSVBOM,
			FlushEvery: e.cfg.Output.FlushEvery,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, csvSink)
	}
	if e.cfg.DB.Enabled() {
		sqlSink, err := storage.NewSQLSink(ctx, e.cfg.DB, e.cfg.Output.FlushEvery)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sqlSink)
	}
	pipeline := storage.NewPipeline(sinks...)
	if pipeline == nil {
		return nil, errors.New("no output sink configured")
	}
	return pipeline, nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func linearBackoff(cfg config.BackoffConfig) fetcher.Backoff {
	return fetcher.LinearBackoff{
		Base:   cfg.Base.Duration,
		Step:   cfg.Step.Duration,
		Jitter: cfg.Jitter.Duration,
	}
}

func isSeedFailure(err error) bool {
	var seedErr *discovery.SeedError
	return errors.As(err, &seedErr)
}

func mergeLinks(groups ...[]types.Link) []types.Link {
	set := linkcollect.NewLinkSet()
	for _, group := range groups {
		for _, l := range group {
			set.Add(l)
		}
	}
	return set.Links()
}
