// Package processor turns fetched article HTML into readable plain text.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// ErrParseAnomaly reports a document that yielded too little text to be a real article. Callers
// treat it as "no content".
var ErrParseAnomaly = errors.New("parse anomaly")

// Article is the readable part of a page.
type Article struct {
	Title string
	Text  string
}

// Options configures text extraction.
type Options struct {
	// ContentSelectors are tried in order; the first one matching anything scopes the text.
	// Without a match the whole body is used.
	ContentSelectors []string
	// DropSelectors are removed before extraction, in addition to script and style elements.
	DropSelectors []string
	// MinTextLength is the rune count below which a document is an anomaly.
	MinTextLength int
}

// TextExtractor strips noise from HTML and derives the article text.
type TextExtractor struct {
	opts Options
}

const alwaysDropped = "script,style,noscript,iframe,template,svg"

// NewTextExtractor constructs an extractor. Nil DropSelectors default to nav and footer.
func NewTextExtractor(opts Options) *TextExtractor {
	if opts.DropSelectors == nil {
		opts.DropSelectors = []string{"nav", "footer"}
	}
	return &TextExtractor{opts: opts}
}

var blockLevelTags = map[string]struct{}{
	"p":          {},
	"div":        {},
	"section":    {},
	"article":    {},
	"header":     {},
	"footer":     {},
	"h1":         {},
	"h2":         {},
	"h3":         {},
	"h4":         {},
	"h5":         {},
	"h6":         {},
	"ul":         {},
	"ol":         {},
	"li":         {},
	"blockquote": {},
	"table":      {},
	"tr":         {},
	"figure":     {},
	"figcaption": {},
}

// Extract parses page and returns its title and text. A text shorter than MinTextLength comes
// back together with ErrParseAnomaly.
func (e *TextExtractor) Extract(ctx context.Context, page *types.PageFetchResult) (Article, error) {
	if page == nil {
		return Article{}, fmt.Errorf("page is nil")
	}
	if err := ctx.Err(); err != nil {
		return Article{}, err
	}
	if len(page.Body) == 0 {
		return Article{}, fmt.Errorf("%w: empty body", ErrParseAnomaly)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Article{}, fmt.Errorf("parse html: %w", err)
	}

	doc.Find(alwaysDropped).Remove()
	for _, sel := range e.opts.DropSelectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			doc.Find(sel).Remove()
		}
	}

	article := Article{Title: extractTitle(doc)}

	acc := newTextAccumulator()
	for _, node := range e.contentNodes(doc) {
		acc.ensureNewline()
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulateExtractedText(child, acc)
		}
	}
	article.Text = collapseBlankLines(strings.TrimSpace(acc.String()))

	if n := utf8.RuneCountInString(article.Text); n < e.opts.MinTextLength {
		return article, fmt.Errorf("%w: %d characters of text, want at least %d", ErrParseAnomaly, n, e.opts.MinTextLength)
	}
	return article, nil
}

// contentNodes returns the outermost nodes of the first content selector that matches, or the
// body.
func (e *TextExtractor) contentNodes(doc *goquery.Document) []*html.Node {
	for _, sel := range e.opts.ContentSelectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		matched := doc.Find(sel)
		if matched.Length() == 0 {
			continue
		}
		outer := matched.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.ParentsFiltered(sel).Length() == 0
		})
		return outer.Nodes
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body.Nodes[:1]
	}
	return doc.Nodes
}

func extractTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if title := normalizeWhitespace(og); title != "" {
			return title
		}
	}
	if h1 := normalizeWhitespace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return normalizeWhitespace(doc.Find("title").First().Text())
}

type textAccumulator struct {
	builder   strings.Builder
	lastRune  rune
	hasLast   bool
	lastWasNL bool
}

func newTextAccumulator() *textAccumulator {
	return &textAccumulator{}
}

func (t *textAccumulator) String() string {
	return t.builder.String()
}

func (t *textAccumulator) append(value string) {
	if value == "" {
		return
	}
	t.builder.WriteString(value)
	for _, r := range value {
		t.lastRune = r
		t.hasLast = true
		t.lastWasNL = r == '\n'
	}
}

func (t *textAccumulator) ensureSpace() {
	if !t.hasLast || t.lastRune == ' ' || t.lastRune == '\n' {
		return
	}
	t.append(" ")
}

func (t *textAccumulator) ensureNewline() {
	if !t.hasLast || t.lastWasNL {
		return
	}
	t.append("\n")
}

func accumulateExtractedText(node *html.Node, acc *textAccumulator) {
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		text := normalizeWhitespace(node.Data)
		if text == "" {
			return
		}
		if startsWithSpace(node.Data) {
			acc.ensureSpace()
		}
		acc.append(text)
		if endsWithSpace(node.Data) {
			acc.ensureSpace()
		}
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if tag == "br" {
			acc.ensureNewline()
			return
		}

		_, block := blockLevelTags[tag]
		if block {
			acc.ensureNewline()
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulateExtractedText(child, acc)
		}

		switch tag {
		case "td", "th":
			acc.ensureSpace()
		default:
			if block {
				acc.ensureNewline()
			}
		}
	}
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
			result = append(result, "")
			continue
		}
		blank = 0
		result = append(result, line)
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
