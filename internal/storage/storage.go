// Package storage persists match records and link lists.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// Sink is an append-only writer of match records. Implementations buffer and flush every K
// records; Flush forces buffered records out and Close flushes before releasing resources.
type Sink interface {
	Write(ctx context.Context, rec types.MatchRecord) error
	Flush(ctx context.Context) error
	Close() error
}

// Pipeline fans records out to every configured sink.
type Pipeline struct {
	sinks []Sink
}

// NewPipeline constructs a pipeline, skipping nil sinks. It returns nil when no sink remains.
func NewPipeline(sinks ...Sink) *Pipeline {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &Pipeline{sinks: kept}
}

// Write hands rec to every sink. One failing sink does not stop the others, so a record
// rejected by one sink may still be persisted by the rest.
func (p *Pipeline) Write(ctx context.Context, rec types.MatchRecord) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i, s := range p.sinks {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every sink.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i, s := range p.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for i, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Sequencer is the single writer in front of a sink. It numbers records 1..n per run; a record
// the sink rejects does not consume a number.
type Sequencer struct {
	mu    sync.Mutex
	sink  Sink
	runID string
	last  int64
	now   func() time.Time
}

// NewSequencer wraps sink for the run identified by runID.
func NewSequencer(sink Sink, runID string) *Sequencer {
	return &Sequencer{sink: sink, runID: runID, now: time.Now}
}

// Append stamps rec with the next sequence number, the run id and a match time, then writes it.
func (s *Sequencer) Append(ctx context.Context, rec types.MatchRecord) (types.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Sequence = s.last + 1
	rec.RunID = s.runID
	if rec.MatchedAt.IsZero() {
		rec.MatchedAt = s.now().UTC()
	}
	if err := s.sink.Write(ctx, rec); err != nil {
		return rec, err
	}
	s.last = rec.Sequence
	return rec, nil
}

// Count returns the number of records written so far.
func (s *Sequencer) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Flush flushes the wrapped sink.
func (s *Sequencer) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Flush(ctx)
}

// Close closes the wrapped sink.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Close()
}
