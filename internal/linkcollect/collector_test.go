package linkcollect

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

const searchPage = `
<html><body>
	<a href="/doc/100?from=search">  Huawei   expands </a>
	<a href="https://www.kommersant.ru/doc/100">duplicate</a>
	<a href="doc/200#comments">Relative doc</a>
	<a href="/search/results?search_query=Huawei&page=2">next</a>
	<a href="/doc/300?page=2">paged doc</a>
	<a href="#top">top</a>
	<a href="mailto:desk@example.com">mail</a>
	<a href="javascript:void(0)">js</a>
	<a href="ftp://files.example.com/doc/1">ftp</a>
	<a href="HTTPS://WWW.Kommersant.RU:443/doc/400">upper</a>
	<a href="">empty</a>
</body></html>`

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func kommersantShape(t *testing.T) Predicate {
	t.Helper()
	pred, err := Shape{Contains: []string{"/doc/"}, Excludes: []string{"page=", "search_query"}}.Predicate()
	require.NoError(t, err)
	return pred
}

func TestCollect_ShapeAndCanonicalisation(t *testing.T) {
	base := mustURL(t, "https://www.kommersant.ru/search/results?search_query=Huawei&page=1")
	links := Collect(mustDoc(t, searchPage), base, Options{Shape: kommersantShape(t)})

	assert.Equal(t, []types.Link{
		{URL: "https://www.kommersant.ru/doc/100", Title: "Huawei expands"},
		{URL: "https://www.kommersant.ru/search/doc/200", Title: "Relative doc"},
		{URL: "https://www.kommersant.ru/doc/400", Title: "upper"},
	}, links)
}

func TestCollect_KeepQuery(t *testing.T) {
	base := mustURL(t, "https://example.test/list")
	doc := mustDoc(t, `<a href="/a?id=1">one</a><a href="/a?id=2">two</a><a href="/a?id=1#x">again</a>`)

	links := Collect(doc, base, Options{Canonical: CanonicalKeepQuery})
	require.Len(t, links, 2)
	assert.Equal(t, "https://example.test/a?id=1", links[0].URL)
	assert.Equal(t, "https://example.test/a?id=2", links[1].URL)

	stripped := Collect(doc, base, Options{})
	require.Len(t, stripped, 1)
	assert.Equal(t, "https://example.test/a", stripped[0].URL)
}

func TestCollect_OnlyAbsoluteHTTPLinks(t *testing.T) {
	base := mustURL(t, "http://example.test/dir/page.html")
	for _, l := range Collect(mustDoc(t, searchPage), base, Options{}) {
		u, err := url.Parse(l.URL)
		require.NoError(t, err)
		assert.True(t, u.IsAbs(), l.URL)
		assert.Contains(t, []string{"http", "https"}, u.Scheme)
	}
}

func TestCollect_Idempotent(t *testing.T) {
	base := mustURL(t, "https://www.kommersant.ru/search/results")
	doc := mustDoc(t, searchPage)
	opts := Options{Shape: kommersantShape(t)}
	assert.Equal(t, Collect(doc, base, opts), Collect(doc, base, opts))
}

func TestCollect_NilInputs(t *testing.T) {
	assert.Nil(t, Collect(nil, mustURL(t, "https://example.test"), Options{}))
	assert.Nil(t, Collect(mustDoc(t, searchPage), nil, Options{}))
}

func TestShape_Pattern(t *testing.T) {
	pred, err := Shape{Pattern: `/news/\d+$`}.Predicate()
	require.NoError(t, err)
	assert.True(t, pred("https://tass.ru/news/123"))
	assert.False(t, pred("https://tass.ru/news/abc"))

	_, err = Shape{Pattern: "("}.Predicate()
	assert.Error(t, err)

	empty, err := Shape{}.Predicate()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestParseCanonical(t *testing.T) {
	mode, err := ParseCanonical("")
	require.NoError(t, err)
	assert.Equal(t, CanonicalStripQuery, mode)

	mode, err = ParseCanonical("KEEP_QUERY")
	require.NoError(t, err)
	assert.Equal(t, CanonicalKeepQuery, mode)

	_, err = ParseCanonical("lowercase")
	assert.Error(t, err)
}

func TestLinkSet(t *testing.T) {
	set := NewLinkSet()
	assert.True(t, set.Add(types.Link{URL: "https://a.test/1"}))
	assert.False(t, set.Add(types.Link{URL: "https://a.test/1", Title: "late title"}))
	assert.False(t, set.Add(types.Link{}))
	assert.True(t, set.Add(types.Link{URL: "https://a.test/2", Title: "two"}))

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Contains("https://a.test/2"))
	assert.Equal(t, "late title", set.Links()[0].Title)

	snapshot := set.Links()
	snapshot[0].URL = "mutated"
	assert.Equal(t, "https://a.test/1", set.Links()[0].URL)
}
