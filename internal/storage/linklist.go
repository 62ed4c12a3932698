package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// ReadLinkList parses "title,url" lines. Titles may contain commas, so the split happens at the
// last ",http" and falls back to the first comma. Lines without a comma are skipped. URLs that
// picked up a second scheme from a bad paste ("https://a.test/https://b.test/x") keep only the
// last one.
func ReadLinkList(r io.Reader) ([]types.Link, error) {
	var links []types.Link
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			line = strings.TrimPrefix(line, string(utf8BOM))
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cut := strings.LastIndex(line, ",http")
		if cut < 0 {
			cut = strings.Index(line, ",")
		}
		if cut < 0 {
			continue
		}
		title := strings.TrimSpace(line[:cut])
		link := repairURL(strings.TrimSpace(line[cut+1:]))
		if link == "" {
			continue
		}
		links = append(links, types.Link{URL: link, Title: title})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read link list: %w", err)
	}
	return links, nil
}

// LoadLinkList reads the link list at path.
func LoadLinkList(path string) ([]types.Link, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open link list: %w", err)
	}
	defer fh.Close()
	return ReadLinkList(fh)
}

// WriteLinkList writes one "title,url" line per link.
func WriteLinkList(w io.Writer, links []types.Link) error {
	bw := bufio.NewWriter(w)
	for _, l := range links {
		title := strings.Join(strings.Fields(l.Title), " ")
		if _, err := fmt.Fprintf(bw, "%s,%s\n", title, l.URL); err != nil {
			return fmt.Errorf("write link list: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write link list: %w", err)
	}
	return nil
}

// SaveLinkList writes the link list to path, creating parent directories as needed.
func SaveLinkList(path string, links []types.Link) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create link list: %w", err)
	}
	if err := WriteLinkList(fh, links); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

// repairURL keeps the last URL when a paste glued several together. Only the part before the
// query or fragment is searched, so URLs carried as parameters stay intact.
func repairURL(raw string) string {
	head := raw
	if i := strings.IndexAny(head, "?#"); i >= 0 {
		head = head[:i]
	}
	if len(head) <= 8 {
		return raw
	}
	cut := -1
	for _, scheme := range []string{"https://", "http://"} {
		if i := strings.LastIndex(head[8:], scheme); i >= 0 && i+8 > cut {
			cut = i + 8
		}
	}
	if cut < 0 {
		return raw
	}
	return raw[cut:]
}
