package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Patrickmaimai/web-crawler-corpus/internal/fetcher"
	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePages answers every fetch through respond and records the requested URLs.
type fakePages struct {
	urls    []string
	respond func(u *url.URL) (string, error)
}

func (f *fakePages) Fetch(_ context.Context, rawURL string) (*types.PageFetchResult, error) {
	f.urls = append(f.urls, rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	body, err := f.respond(u)
	if err != nil {
		return nil, err
	}
	return &types.PageFetchResult{URL: rawURL, FinalURL: rawURL, StatusCode: http.StatusOK, Body: []byte(body), Attempts: 1}, nil
}

func linksPage(prefix string, n int) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<a href="/doc/%s-%d">Story %d</a>`, prefix, i, i)
	}
	b.WriteString("</body></html>")
	return b.String()
}

const emptyPage = "<html><body><p>Nothing found</p></body></html>"

func pageNumber(u *url.URL, param string) int {
	n, _ := strconv.Atoi(u.Query().Get(param))
	return n
}

func exhausted(rawURL string) error {
	return &fetcher.ExhaustedError{URL: rawURL, Attempts: 5, LastStatus: http.StatusTooManyRequests, RateLimited: true}
}

func run(t *testing.T, f PageFetcher, opts Options) *Result {
	t.Helper()
	loop, err := New(f, opts, discardLogger())
	require.NoError(t, err)
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestRun_EndToEnd(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		switch pageNumber(u, "page") {
		case 1:
			return linksPage("a", 5), nil
		case 2:
			return linksPage("b", 3), nil
		default:
			return emptyPage, nil
		}
	}}

	res := run(t, f, Options{
		SeedURL:         "https://example.test/search?q=x",
		ParamCandidates: []string{"page", "p"},
		StallThreshold:  1,
	})

	assert.Len(t, res.Links, 8)
	assert.Equal(t, "page", res.ResolvedParam)
	assert.Equal(t, PhaseDone, res.Phase)
	assert.Equal(t, StopStalled, res.Reason)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{
		"https://example.test/search?page=1&q=x",
		"https://example.test/search?page=2&q=x",
		"https://example.test/search?page=3&q=x",
	}, f.urls)
	assert.Equal(t, "https://example.test/doc/a-0", res.Links[0].URL)
	assert.Equal(t, "Story 0", res.Links[0].Title)
}

func TestRun_StallThresholdCountsFetches(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		if n := pageNumber(u, "page"); n <= 3 {
			return linksPage(strconv.Itoa(n), 2), nil
		}
		return emptyPage, nil
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search?q=x", StallThreshold: 3})

	assert.Equal(t, 6, res.Fetches)
	assert.Len(t, f.urls, 6)
	assert.Len(t, res.Links, 6)
	assert.Equal(t, StopStalled, res.Reason)
}

func TestRun_RepeatedLinksCountAsEmpty(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		// the site keeps serving page 1 once results run out.
		if n := pageNumber(u, "page"); n == 2 {
			return linksPage("2", 2), nil
		}
		return linksPage("1", 2), nil
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search", StallThreshold: 2})
	assert.Len(t, res.Links, 4)
	assert.Equal(t, 4, res.Fetches)
}

func TestRun_StallCounterResets(t *testing.T) {
	productive := map[int]bool{1: true, 3: true}
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		n := pageNumber(u, "page")
		if productive[n] {
			return linksPage(strconv.Itoa(n), 1), nil
		}
		return emptyPage, nil
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search", StallThreshold: 2})
	assert.Equal(t, 5, res.Fetches)
	assert.Len(t, res.Links, 2)
}

func TestRun_HardLimit(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		return linksPage(u.Query().Get("page"), 3), nil
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search", MaxLinks: 10, StallThreshold: 1})
	assert.Len(t, res.Links, 10)
	assert.Equal(t, StopMaxLinks, res.Reason)
	assert.Equal(t, 4, res.Fetches)
}

func TestRun_MaxPages(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		return linksPage(u.Query().Get("page"), 1), nil
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search", MaxPages: 2})
	assert.Equal(t, StopMaxPages, res.Reason)
	assert.Equal(t, 2, res.Pages)
	assert.Len(t, res.Links, 2)
}

func TestRun_ExpectedTotalHint(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		page := linksPage(u.Query().Get("page"), 3)
		return strings.Replace(page, "<body>", "<body><p>About 4 results</p>", 1), nil
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search", HintPattern: `About ([\d,]+) results`})
	assert.Equal(t, 4, res.ExpectedTotal)
	assert.Equal(t, StopExpectedTotal, res.Reason)
	assert.Len(t, res.Links, 6)
	assert.Equal(t, 2, res.Fetches)
}

func TestRun_ProbingFallsBackToNextCandidate(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		if u.Query().Has("page") {
			return emptyPage, nil
		}
		if n := pageNumber(u, "p"); n == 1 {
			return linksPage("p1", 4), nil
		}
		return emptyPage, nil
	}}

	res := run(t, f, Options{
		SeedURL:         "https://example.test/search?q=x",
		ParamCandidates: []string{"page", "p"},
		StallThreshold:  1,
	})

	assert.Equal(t, "p", res.ResolvedParam)
	assert.Len(t, res.Links, 4)
	assert.Equal(t, []string{
		"https://example.test/search?page=1&q=x",
		"https://example.test/search?p=1&q=x",
		"https://example.test/search?p=2&q=x",
	}, f.urls)
}

func TestRun_FirstCandidateWinsTies(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		if u.Query().Has("p") {
			return linksPage("p"+u.Query().Get("p"), 9), nil
		}
		if pageNumber(u, "page") == 1 {
			return linksPage("page1", 1), nil
		}
		return emptyPage, nil
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search", ParamCandidates: []string{"page", "p"}, StallThreshold: 1})
	assert.Equal(t, "page", res.ResolvedParam)
	assert.Len(t, res.Links, 1)
}

func TestRun_UnresolvedProbingKeepsProbing(t *testing.T) {
	f := &fakePages{respond: func(*url.URL) (string, error) { return emptyPage, nil }}

	res := run(t, f, Options{SeedURL: "https://example.test/search", ParamCandidates: []string{"page", "p"}, StallThreshold: 2})
	assert.Empty(t, res.ResolvedParam)
	assert.Empty(t, res.Links)
	assert.Equal(t, 4, res.Fetches)
	assert.Equal(t, PhaseDone, res.Phase)
}

func TestRun_SeedExhaustion(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		return "", exhausted(u.String())
	}}

	loop, err := New(f, Options{SeedURL: "https://example.test/search"}, discardLogger())
	require.NoError(t, err)
	res, err := loop.Run(context.Background())

	assert.Nil(t, res)
	var seedErr *SeedError
	require.True(t, errors.As(err, &seedErr))
	assert.Equal(t, "https://example.test/search", seedErr.Seed)
	assert.True(t, errors.Is(err, fetcher.ErrFetchExhausted))
}

func TestRun_LaterExhaustionKeepsPartialLinks(t *testing.T) {
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		if pageNumber(u, "page") == 1 {
			return linksPage("1", 5), nil
		}
		return "", exhausted(u.String())
	}}

	res := run(t, f, Options{SeedURL: "https://example.test/search"})
	assert.Equal(t, PhaseAborted, res.Phase)
	assert.Equal(t, StopFetchExhausted, res.Reason)
	assert.True(t, errors.Is(res.Err, fetcher.ErrFetchExhausted))
	assert.Len(t, res.Links, 5)
}

type cancellingPacer struct {
	calls  int
	after  int
	cancel context.CancelFunc
	hosts  []string
}

func (p *cancellingPacer) Wait(ctx context.Context, host string) error {
	p.calls++
	p.hosts = append(p.hosts, host)
	if p.calls > p.after {
		p.cancel()
	}
	return ctx.Err()
}

func TestRun_CancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pacer := &cancellingPacer{after: 2, cancel: cancel}
	f := &fakePages{respond: func(u *url.URL) (string, error) {
		return linksPage(u.Query().Get("page"), 2), nil
	}}

	loop, err := New(f, Options{SeedURL: "https://example.test/search", Pacer: pacer}, discardLogger())
	require.NoError(t, err)
	res, err := loop.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, PhaseAborted, res.Phase)
	assert.Equal(t, StopCancelled, res.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Len(t, res.Links, 4)
	assert.Equal(t, 2, res.Fetches)
	assert.Equal(t, []string{"example.test", "example.test", "example.test"}, pacer.hosts)
}

func TestRun_LinksNeverShrink(t *testing.T) {
	counts := map[int]int{1: 3, 2: 0, 3: 2, 4: 0, 5: 1}
	source := func(u *url.URL) (string, error) {
		n := pageNumber(u, "page")
		return linksPage(strconv.Itoa(n), counts[n]), nil
	}

	prev := 0
	for pages := 1; pages <= 5; pages++ {
		res := run(t, &fakePages{respond: source}, Options{SeedURL: "https://example.test/search", StallThreshold: 5, MaxPages: pages})
		assert.GreaterOrEqual(t, len(res.Links), prev, "after %d pages", pages)
		prev = len(res.Links)
	}
	assert.Equal(t, 6, prev)
}

func TestNew_Validation(t *testing.T) {
	f := &fakePages{}
	_, err := New(nil, Options{SeedURL: "https://example.test"}, nil)
	assert.Error(t, err)
	_, err = New(f, Options{SeedURL: "/relative"}, nil)
	assert.Error(t, err)
	_, err = New(f, Options{SeedURL: "https://example.test", HintPattern: `\d+`}, nil)
	assert.Error(t, err)
	_, err = New(f, Options{SeedURL: "https://example.test", MaxLinks: -1}, nil)
	assert.Error(t, err)
}

func TestPageURL(t *testing.T) {
	seed, err := url.Parse("https://www.kommersant.ru/search/results?search_query=Huawei&sort_type=0&page=7")
	require.NoError(t, err)
	assert.Equal(t,
		"https://www.kommersant.ru/search/results?page=2&search_query=Huawei&sort_type=0",
		PageURL(seed, "page", 2))
	assert.Equal(t, "page=7&search_query=Huawei&sort_type=0", seed.RawQuery)
}

func TestExpectedTotal(t *testing.T) {
	ru := regexp.MustCompile(`Найдено\s+([\d\s\x{00a0}]+)\s+материал`)
	assert.Equal(t, 1234, ExpectedTotal(ru, "Найдено 1 234 материала"))
	assert.Equal(t, 12500, ExpectedTotal(regexp.MustCompile(`about ([\d,]+) results`), "about 12,500 results"))
	assert.Zero(t, ExpectedTotal(ru, "nothing here"))
	assert.Zero(t, ExpectedTotal(nil, "Найдено 5 материалов"))
}
