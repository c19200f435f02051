// Package database manages the SQLite store: connection pools, schema
// migrations and backup snapshots.
//
// Two pools are held: a single-connection writer (SQLite allows one writer at
// a time; funneling writes through one connection turns SQLITE_BUSY storms
// into queueing) and a reader pool. WAL mode keeps readers non-blocking while
// a write transaction is open.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Client wraps the writer and reader pools over one database file.
type Client struct {
	writer *sql.DB
	reader *sql.DB
	path   string
}

// NewClient opens the store, applies pragmas and runs pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := ensureDir(cfg.Path); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := cfg.Path + "?" + url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
		"_synchronous":  {"NORMAL"},
	}.Encode()

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer connection: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(cfg.ReadPoolSize)

	if err := writer.PingContext(ctx); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &Client{writer: writer, reader: reader, path: cfg.Path}

	if err := c.Migrate(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	slog.Info("Database ready", "path", cfg.Path)
	return c, nil
}

// Writer returns the single-connection write pool. Only the batch writer,
// retry worker and service mutations use it.
func (c *Client) Writer() *sql.DB { return c.writer }

// Reader returns the read pool used by search, rules and retention scans.
func (c *Client) Reader() *sql.DB { return c.reader }

// Path returns the database file path (used by the backup snapshotter).
func (c *Client) Path() string { return c.path }

// Close closes both pools.
func (c *Client) Close() error {
	rerr := c.reader.Close()
	werr := c.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Health pings the store and reports basic stats.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.reader.PingContext(ctx); err != nil {
		return map[string]any{"status": "unreachable"}, err
	}

	var pageCount, pageSize int64
	_ = c.reader.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	_ = c.reader.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)

	return map[string]any{
		"status":     "ok",
		"latency_ms": time.Since(start).Milliseconds(),
		"size_bytes": pageCount * pageSize,
	}, nil
}

// SnapshotTo writes a consistent copy of the store to destPath using
// VACUUM INTO, which snapshots without blocking writers in WAL mode.
func (c *Client) SnapshotTo(ctx context.Context, destPath string) error {
	if err := ensureDir(destPath); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	_, err := c.reader.ExecContext(ctx, "VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// VerifySnapshot opens the copy and runs a quick integrity check.
func VerifySnapshot(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("snapshot integrity query: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("snapshot integrity check failed: %s", result)
	}
	return nil
}

// Compact reclaims space after large evictions.
func (c *Client) Compact(ctx context.Context) error {
	if _, err := c.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if _, err := c.writer.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	return nil
}
