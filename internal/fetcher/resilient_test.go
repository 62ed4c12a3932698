package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

type response struct {
	status int
	body   string
	err    error
}

// scriptedFetcher replays responses in order and repeats the last one.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []response
	requests  []types.FetchRequest
}

func (s *scriptedFetcher) Fetch(_ context.Context, req types.FetchRequest) (*types.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.requests)
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.requests = append(s.requests, req)
	r := s.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &types.Page{URL: req.URL, FinalURL: req.URL, StatusCode: r.status, Body: []byte(r.body)}, nil
}

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func testOptions(sleeper Sleeper) ResilientOptions {
	return ResilientOptions{
		MaxRetries:       5,
		RateLimitBackoff: ConstantBackoff(time.Minute),
		ErrorBackoff:     ConstantBackoff(time.Second),
		RateLimitMarkers: []string{"captcha"},
		Sleeper:          sleeper,
	}
}

func newTestResilient(t *testing.T, f Fetcher, opts ResilientOptions) *Resilient {
	t.Helper()
	r, err := NewResilient(f, opts, discardLogger())
	require.NoError(t, err)
	return r
}

func TestResilient_RecoversAfterRateLimit(t *testing.T) {
	f := &scriptedFetcher{responses: []response{
		{status: http.StatusTooManyRequests},
		{status: http.StatusTooManyRequests},
		{status: http.StatusOK, body: `<a href="/doc/1">one</a>`},
	}}
	sleeper := &recordingSleeper{}

	res, err := newTestResilient(t, f, testOptions(sleeper)).Fetch(context.Background(), "https://example.test/search?page=1")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.True(t, res.RateLimited)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, sleeper.waits)
}

func TestResilient_ExhaustsWithoutTrailingWait(t *testing.T) {
	f := &scriptedFetcher{responses: []response{{status: http.StatusInternalServerError}}}
	sleeper := &recordingSleeper{}

	res, err := newTestResilient(t, f, testOptions(sleeper)).Fetch(context.Background(), "https://example.test/a")
	require.Error(t, err)
	assert.Nil(t, res)

	assert.True(t, errors.Is(err, ErrFetchExhausted))
	assert.False(t, errors.Is(err, ErrRateLimited))
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, http.StatusInternalServerError, exhausted.LastStatus)

	assert.Len(t, f.requests, 5)
	assert.Len(t, sleeper.waits, 4)
	for _, w := range sleeper.waits {
		assert.Equal(t, time.Second, w)
	}
}

func TestResilient_ClassifiesForbiddenAndMarkersAsRateLimited(t *testing.T) {
	f := &scriptedFetcher{responses: []response{
		{status: http.StatusForbidden},
		{status: http.StatusOK, body: "Please solve the CAPTCHA"},
		{status: http.StatusOK, body: "article"},
	}}
	sleeper := &recordingSleeper{}

	res, err := newTestResilient(t, f, testOptions(sleeper)).Fetch(context.Background(), "https://example.test/a")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, sleeper.waits)
}

func TestResilient_RateLimitedExhaustion(t *testing.T) {
	f := &scriptedFetcher{responses: []response{{status: http.StatusTooManyRequests}}}
	opts := testOptions(&recordingSleeper{})
	opts.MaxRetries = 2

	_, err := newTestResilient(t, f, opts).Fetch(context.Background(), "https://example.test/a")
	assert.True(t, errors.Is(err, ErrFetchExhausted))
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestResilient_TransientFailures(t *testing.T) {
	f := &scriptedFetcher{responses: []response{
		{err: &NetworkError{URL: "https://example.test/a", Err: errors.New("connection reset")}},
		{status: http.StatusOK, body: "short"},
		{status: http.StatusOK, body: "<div class=\"result-container\">text</div>"},
	}}
	sleeper := &recordingSleeper{}
	opts := testOptions(sleeper)
	opts.Completeness = TranslateCompleteness()

	res, err := newTestResilient(t, f, opts).Fetch(context.Background(), "https://example.test/a")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.RateLimited)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.waits)
}

func TestResilient_CancelledDuringWait(t *testing.T) {
	f := &scriptedFetcher{responses: []response{{status: http.StatusTooManyRequests}}}
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := SleeperFunc(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	_, err := newTestResilient(t, f, testOptions(sleeper)).Fetch(ctx, "https://example.test/a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrFetchExhausted))
	assert.Len(t, f.requests, 1)
}

func TestResilient_RotatesHeadersAndRewrites(t *testing.T) {
	f := &scriptedFetcher{responses: []response{
		{status: http.StatusServiceUnavailable},
		{status: http.StatusOK, body: "ok"},
	}}
	opts := testOptions(&recordingSleeper{})
	opts.Headers = NewRotatingHeaders(map[string]string{"Referer": "https://www.google.com/"}, []string{"ua-1", "ua-2"})
	opts.Rewrite = TranslateProxy{}

	res, err := newTestResilient(t, f, opts).Fetch(context.Background(), "https://tass.ru/ekonomika/1")
	require.NoError(t, err)
	assert.Equal(t, "https://tass.ru/ekonomika/1", res.URL)

	require.Len(t, f.requests, 2)
	assert.Equal(t, "ua-1", f.requests[0].Headers.Get("User-Agent"))
	assert.Equal(t, "ua-2", f.requests[1].Headers.Get("User-Agent"))
	assert.Equal(t, "https://www.google.com/", f.requests[1].Headers.Get("Referer"))
	assert.Equal(t, "translate.google.com", f.requests[0].URL.Host)
	assert.Equal(t, "https://tass.ru/ekonomika/1", f.requests[0].URL.Query().Get("u"))
}

func TestNewResilient_Validation(t *testing.T) {
	_, err := NewResilient(nil, DefaultResilientOptions(), nil)
	assert.Error(t, err)
	_, err = NewResilient(&scriptedFetcher{}, ResilientOptions{}, nil)
	assert.Error(t, err)
}

func TestTranslateProxy(t *testing.T) {
	got, err := TranslateProxy{}.Rewrite("https://tass.ru/ekonomika/1?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://translate.google.com/translate?sl=auto&tl=en&u=https%3A%2F%2Ftass.ru%2Fekonomika%2F1%3Fx%3D1", got)

	got, err = TranslateProxy{SourceLang: "ru", TargetLang: "zh-CN"}.Rewrite("https://tass.ru/1")
	require.NoError(t, err)
	assert.Contains(t, got, "sl=ru&tl=zh-CN&")

	_, err = TranslateProxy{}.Rewrite("/relative")
	assert.Error(t, err)
}

func TestLinearBackoff(t *testing.T) {
	b := LinearBackoff{Base: 80 * time.Second, Step: 20 * time.Second}
	assert.Equal(t, 80*time.Second, b.Delay(0))
	assert.Equal(t, 120*time.Second, b.Delay(2))

	jittered := LinearBackoff{Base: time.Second, Jitter: time.Second}
	for i := 0; i < 50; i++ {
		d := jittered.Delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
	assert.Zero(t, NoBackoff.Delay(3))
}

func TestCompleteness(t *testing.T) {
	assert.True(t, Completeness{}.Complete(nil))

	c := Completeness{MinBytes: 10, Markers: []string{"result-container"}}
	assert.False(t, c.Complete([]byte("tiny")))
	assert.True(t, c.Complete([]byte("more than ten bytes")))
	assert.True(t, c.Complete([]byte("result-container")))
}
