package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

var csvHeader = []string{"seq", "url", "title", "sentence", "keyword"}

// utf8BOM lets spreadsheet tools detect UTF-8 in files holding Cyrillic and CJK text.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions configures a CSVSink.
type CSVOptions struct {
	BOM        bool
	FlushEvery int
}

// CSVSink writes records as CSV rows.
type CSVSink struct {
	mu         sync.Mutex
	w          *csv.Writer
	closer     io.Closer
	flushEvery int
	pending    int
}

// NewCSVSink writes the optional BOM and the header row to w.
func NewCSVSink(w io.Writer, opts CSVOptions) (*CSVSink, error) {
	if w == nil {
		return nil, errors.New("csv writer is nil")
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 10
	}
	if opts.BOM {
		if _, err := w.Write(utf8BOM); err != nil {
			return nil, fmt.Errorf("write bom: %w", err)
		}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	sink := &CSVSink{w: cw, flushEvery: opts.FlushEvery}
	if c, ok := w.(io.Closer); ok {
		sink.closer = c
	}
	return sink, nil
}

// CreateCSVSink creates (or truncates) the file at path, making parent directories as needed.
func CreateCSVSink(path string, opts CSVOptions) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	fh, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv: %w", err)
	}
	sink, err := NewCSVSink(fh, opts)
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	return sink, nil
}

// Write appends one row and flushes once FlushEvery rows are pending.
func (s *CSVSink) Write(ctx context.Context, rec types.MatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		strconv.FormatInt(rec.Sequence, 10),
		rec.SourceURL,
		rec.Title,
		rec.Sentence,
		rec.Keyword,
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.pending++
	if s.pending >= s.flushEvery {
		return s.flushLocked()
	}
	return nil
}

// Flush writes buffered rows through to the underlying writer.
func (s *CSVSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *CSVSink) flushLocked() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	s.pending = 0
	return nil
}

// Close flushes and closes the underlying writer when it is closable.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.flushLocked()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
		s.closer = nil
	}
	return err
}
