package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	pq "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Patrickmaimai/web-crawler-corpus/internal/config"
	"github.com/Patrickmaimai/web-crawler-corpus/pkg/types"
)

// SQLSink buffers records and inserts them in one transaction per batch. It speaks to Postgres
// through lib/pq and to SQLite through modernc.org/sqlite.
type SQLSink struct {
	db          *sql.DB
	driver      string
	table       string
	autoMigrate bool
	flushEvery  int

	mu      sync.Mutex
	pending []types.MatchRecord
}

// NewSQLSink connects to the configured database, creating it (Postgres only) and the table when
// asked to.
func NewSQLSink(ctx context.Context, cfg config.SQLConfig, flushEvery int) (*SQLSink, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	table := cfg.Table
	if table == "" {
		table = "match_records"
	}
	if flushEvery <= 0 {
		flushEvery = 10
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(cfg.Driver, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(pingCtx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}

	if cfg.Driver == "sqlite" {
		// one connection keeps ":memory:" databases alive and serialises writers.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	sink := &SQLSink{
		db:          db,
		driver:      cfg.Driver,
		table:       table,
		autoMigrate: cfg.AutoMigrate,
		flushEvery:  flushEvery,
	}
	if cfg.AutoMigrate {
		if err := sink.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return sink, nil
}

// Write buffers rec and inserts the batch once FlushEvery records are pending. When that insert
// fails rec is removed from the buffer again; records accepted earlier stay pending.
func (s *SQLSink) Write(ctx context.Context, rec types.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, rec)
	if len(s.pending) < s.flushEvery {
		return nil
	}
	if err := s.flushLocked(ctx); err != nil {
		s.pending = s.pending[:len(s.pending)-1]
		return err
	}
	return nil
}

// Flush inserts every pending record.
func (s *SQLSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *SQLSink) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	err := s.insertBatch(ctx, s.pending)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		err = s.insertBatch(ctx, s.pending)
	}
	if err != nil {
		return fmt.Errorf("insert match records: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *SQLSink) insertBatch(ctx context.Context, records []types.MatchRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	query := s.rebind(fmt.Sprintf(
		`INSERT INTO %s (run_id, seq, source_url, title, sentence, keyword, matched_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pq.QuoteIdentifier(s.table)))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.RunID,
			rec.Sequence,
			rec.SourceURL,
			rec.Title,
			rec.Sentence,
			rec.Keyword,
			rec.MatchedAt.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close flushes pending records and closes the connection pool.
func (s *SQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	err := s.flushLocked(ctx)
	s.mu.Unlock()
	return errors.Join(err, s.db.Close())
}

// DB exposes the connection pool.
func (s *SQLSink) DB() *sql.DB {
	return s.db
}

// rebind turns "?" placeholders into Postgres "$n" ones.
func (s *SQLSink) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	schemaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	table := pq.QuoteIdentifier(s.table)
	index := pq.QuoteIdentifier("idx_" + s.table + "_source_url")
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		    run_id TEXT NOT NULL,
		    seq BIGINT NOT NULL,
		    source_url TEXT NOT NULL,
		    title TEXT,
		    sentence TEXT NOT NULL,
		    keyword TEXT,
		    matched_at TIMESTAMP NOT NULL,
		    PRIMARY KEY (run_id, seq)
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source_url)`, index, table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "no such table") ||
		(strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist"))
}
