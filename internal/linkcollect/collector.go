// Package linkcollect extracts article links from parsed search result pages.
package linkcollect

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// Predicate decides whether an absolute URL has the shape of an article link.
type Predicate func(rawURL string) bool

// Canonical selects how surviving URLs are normalised before deduplication.
type Canonical int

const (
	// CanonicalStripQuery drops the query string.
	CanonicalStripQuery Canonical = iota
	// CanonicalKeepQuery keeps the query string as-is.
	CanonicalKeepQuery
)

// Options tunes link collection.
type Options struct {
	Shape     Predicate
	Canonical Canonical
}

var skippedPrefixes = []string{"javascript:", "mailto:", "tel:", "data:"}

// Collect walks anchors of doc, resolves them against base and returns the unique article links
// in order of first appearance.
func Collect(doc *goquery.Document, base *url.URL, opts Options) []types.Link {
	if doc == nil || base == nil {
		return nil
	}

	set := NewLinkSet()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || hasSkippedPrefix(href) {
			return
		}

		u, err := base.Parse(href)
		if err != nil {
			return
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""

		if opts.Shape != nil && !opts.Shape(u.String()) {
			return
		}

		set.Add(types.Link{
			URL:   Canonicalize(u, opts.Canonical),
			Title: strings.Join(strings.Fields(s.Text()), " "),
		})
	})
	return set.Links()
}

// Canonicalize returns the identity form of u: lower-case scheme and host, default port removed,
// empty path replaced by "/", fragment dropped and the query handled per mode.
func Canonicalize(u *url.URL, mode Canonical) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if mode == CanonicalKeepQuery && u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// CanonicalizeString parses raw and canonicalises it. Unparseable input is returned trimmed.
func CanonicalizeString(raw string, mode Canonical) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return Canonicalize(u, mode)
}

func hasSkippedPrefix(href string) bool {
	lower := strings.ToLower(href)
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
