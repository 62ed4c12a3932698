// Package discovery walks the result pages of a search URL and accumulates article links until the
// results run out.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Patrickmaimai/web-crawler-corpus/internal/fetcher"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/linkcollect"
	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// PageFetcher fetches one results page, retrying internally. *fetcher.Resilient satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*types.PageFetchResult, error)
}

// Pacer blocks until the next request to host is allowed.
type Pacer interface {
	Wait(ctx context.Context, host string) error
}

// Phase is the state of a discovery session.
type Phase int

const (
	// PhaseProbing tries every pagination parameter candidate until one yields new links.
	PhaseProbing Phase = iota
	// PhaseAdvancing walks pages with the resolved parameter.
	PhaseAdvancing
	// PhaseStalling is advancing with at least one page in a row that produced nothing new.
	PhaseStalling
	// PhaseDone is the successful terminal state.
	PhaseDone
	// PhaseAborted is the terminal state after fetch exhaustion or cancellation.
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseProbing:
		return "probing"
	case PhaseAdvancing:
		return "advancing"
	case PhaseStalling:
		return "stalling"
	case PhaseDone:
		return "done"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether p ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// StopReason explains why a session ended.
type StopReason string

const (
	StopMaxLinks       StopReason = "max_links"
	StopExpectedTotal  StopReason = "expected_total"
	StopStalled        StopReason = "stalled"
	StopMaxPages       StopReason = "max_pages"
	StopFetchExhausted StopReason = "fetch_exhausted"
	StopCancelled      StopReason = "cancelled"
)

// Options configures one discovery session.
type Options struct {
	SeedURL string
	// ParamCandidates are tried in order while probing. Defaults to ["page"].
	ParamCandidates []string
	// StartPage is the first page index. Defaults to 1.
	StartPage int
	// StallThreshold is the number of consecutive empty pages that ends the session. Defaults to 3.
	StallThreshold int
	// MaxLinks caps the accumulated links; 0 means no cap.
	MaxLinks int
	// MaxPages caps the page indexes visited; 0 means no cap.
	MaxPages int
	// HintPattern extracts the expected result count from page text. The first capture group
	// holds the number.
	HintPattern string
	Collect     linkcollect.Options
	Pacer       Pacer
}

// Session is the mutable state of a running discovery. Only the loop driving it writes to it.
type Session struct {
	PageIndex        int
	Pages            int
	Fetches          int
	Links            *linkcollect.LinkSet
	ConsecutiveEmpty int
	ResolvedParam    string
	ExpectedTotal    int
	Phase            Phase
	Reason           StopReason
	Err              error
}

// Result is the outcome of a finished session. Aborted sessions keep the links gathered so far.
type Result struct {
	Seed          string
	Links         []types.Link
	ResolvedParam string
	ExpectedTotal int
	Pages         int
	Fetches       int
	Phase         Phase
	Reason        StopReason
	Err           error
}

// SeedError reports that the very first fetch of a session failed, so nothing was discovered.
type SeedError struct {
	Seed string
	Err  error
}

func (e *SeedError) Error() string {
	return fmt.Sprintf("seed %s: %v", e.Seed, e.Err)
}

func (e *SeedError) Unwrap() error { return e.Err }

// Loop drives one discovery session per Run call.
type Loop struct {
	fetch      PageFetcher
	opts       Options
	seed       *url.URL
	candidates []string
	hint       *regexp.Regexp
	logger     *slog.Logger
}

// New validates opts and builds a loop.
func New(fetch PageFetcher, opts Options, logger *slog.Logger) (*Loop, error) {
	if fetch == nil {
		return nil, errors.New("page fetcher is nil")
	}
	seed, err := url.Parse(strings.TrimSpace(opts.SeedURL))
	if err != nil {
		return nil, fmt.Errorf("parse seed url: %w", err)
	}
	if !seed.IsAbs() || seed.Host == "" {
		return nil, fmt.Errorf("seed url %q must be absolute", opts.SeedURL)
	}
	if opts.StartPage <= 0 {
		opts.StartPage = 1
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 3
	}
	if opts.MaxLinks < 0 || opts.MaxPages < 0 {
		return nil, errors.New("max links and max pages must not be negative")
	}

	candidates := make([]string, 0, len(opts.ParamCandidates))
	for _, c := range opts.ParamCandidates {
		if c = strings.TrimSpace(c); c != "" {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		candidates = []string{"page"}
	}

	var hint *regexp.Regexp
	if strings.TrimSpace(opts.HintPattern) != "" {
		hint, err = regexp.Compile(opts.HintPattern)
		if err != nil {
			return nil, fmt.Errorf("compile hint pattern: %w", err)
		}
		if hint.NumSubexp() < 1 {
			return nil, errors.New("hint pattern needs a capture group")
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		fetch:      fetch,
		opts:       opts,
		seed:       seed,
		candidates: candidates,
		hint:       hint,
		logger:     logger.With("seed", seed.String()),
	}, nil
}

// Run executes a session to its end. It returns *SeedError when the first fetch is exhausted;
// every other failure ends the session as PhaseAborted with the partial links in the result.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	s := &Session{
		PageIndex: l.opts.StartPage,
		Links:     linkcollect.NewLinkSet(),
		Phase:     PhaseProbing,
	}

	for !s.Phase.Terminal() {
		added, err := l.visitPage(ctx, s)
		if err != nil {
			if s.Fetches == 1 && errors.Is(err, fetcher.ErrFetchExhausted) {
				return nil, &SeedError{Seed: l.seed.String(), Err: err}
			}
			l.abort(s, err)
			break
		}
		l.advance(s, added)
	}

	return &Result{
		Seed:          l.seed.String(),
		Links:         s.Links.Links(),
		ResolvedParam: s.ResolvedParam,
		ExpectedTotal: s.ExpectedTotal,
		Pages:         s.Pages,
		Fetches:       s.Fetches,
		Phase:         s.Phase,
		Reason:        s.Reason,
		Err:           s.Err,
	}, nil
}

// visitPage fetches the current page index, once per candidate while probing, and returns the
// number of links it added.
func (l *Loop) visitPage(ctx context.Context, s *Session) (int, error) {
	s.Pages++
	if s.Phase != PhaseProbing {
		return l.fetchAndCollect(ctx, s, s.ResolvedParam)
	}

	for _, param := range l.candidates {
		added, err := l.fetchAndCollect(ctx, s, param)
		if err != nil {
			return 0, err
		}
		if added > 0 {
			s.ResolvedParam = param
			s.Phase = PhaseAdvancing
			l.logger.Info("pagination parameter resolved", "param", param, "page", s.PageIndex)
			return added, nil
		}
	}
	return 0, nil
}

func (l *Loop) fetchAndCollect(ctx context.Context, s *Session, param string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.opts.Pacer != nil {
		if err := l.opts.Pacer.Wait(ctx, l.seed.Host); err != nil {
			return 0, err
		}
	}

	pageURL := PageURL(l.seed, param, s.PageIndex)
	s.Fetches++
	res, err := l.fetch.Fetch(ctx, pageURL)
	if err != nil {
		return 0, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		l.logger.Warn("unparseable results page", "url", pageURL, "error", err)
		return 0, nil
	}

	base := l.seed
	if res.FinalURL != "" {
		if u, err := url.Parse(res.FinalURL); err == nil && u.IsAbs() {
			base = u
		}
	}

	if l.hint != nil && s.ExpectedTotal == 0 {
		if total := ExpectedTotal(l.hint, doc.Text()); total > 0 {
			s.ExpectedTotal = total
			l.logger.Info("expected total found", "total", total)
		}
	}

	added := 0
	for _, link := range linkcollect.Collect(doc, base, l.opts.Collect) {
		if l.opts.MaxLinks > 0 && s.Links.Len() >= l.opts.MaxLinks {
			break
		}
		if s.Links.Add(link) {
			added++
		}
	}
	l.logger.Debug("results page collected",
		"url", pageURL,
		"param", param,
		"page", s.PageIndex,
		"new_links", added,
		"total_links", s.Links.Len(),
		"attempts", res.Attempts,
	)
	return added, nil
}

// advance applies the end-of-page transitions in their fixed order.
func (l *Loop) advance(s *Session, added int) {
	if added > 0 {
		s.ConsecutiveEmpty = 0
		if s.Phase == PhaseStalling {
			s.Phase = PhaseAdvancing
		}
	} else {
		s.ConsecutiveEmpty++
		if s.Phase == PhaseAdvancing {
			s.Phase = PhaseStalling
		}
	}

	switch {
	case l.opts.MaxLinks > 0 && s.Links.Len() >= l.opts.MaxLinks:
		l.finish(s, StopMaxLinks)
		return
	case s.ExpectedTotal > 0 && s.Links.Len() >= s.ExpectedTotal:
		l.finish(s, StopExpectedTotal)
		return
	case s.ConsecutiveEmpty >= l.opts.StallThreshold:
		l.finish(s, StopStalled)
		return
	}

	s.PageIndex++
	if l.opts.MaxPages > 0 && s.Pages >= l.opts.MaxPages {
		l.finish(s, StopMaxPages)
	}
}

func (l *Loop) finish(s *Session, reason StopReason) {
	s.Phase = PhaseDone
	s.Reason = reason
	l.logger.Info("discovery finished",
		"reason", string(reason),
		"links", s.Links.Len(),
		"pages", s.Pages,
		"fetches", s.Fetches,
		"param", s.ResolvedParam,
	)
}

func (l *Loop) abort(s *Session, err error) {
	s.Phase = PhaseAborted
	s.Err = err
	s.Reason = StopFetchExhausted
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.Reason = StopCancelled
	}
	l.logger.Warn("discovery aborted",
		"reason", string(s.Reason),
		"links", s.Links.Len(),
		"page", s.PageIndex,
		"error", err,
	)
}

// PageURL sets param to page on a copy of seed. Other query parameters are kept.
func PageURL(seed *url.URL, param string, page int) string {
	u := *seed
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
