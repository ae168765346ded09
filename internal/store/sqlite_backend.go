package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	// Pure Go SQLite driver (no CGO, easier cross-compilation).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteBackend is the fallback C3 backend: chunk rows keyed by (id, offset)
// in a single "chunks" table, concatenated in offset order on read.
type sqliteBackend struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex
}

// newSQLiteBackend opens (creating if necessary) a WAL-mode SQLite database
// at path and applies the chunks-table schema via goose migrations.
func newSQLiteBackend(ctx context.Context, path string, logger *slog.Logger) (*sqliteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend requires a database path")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("invalid path contains '..': %s", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying chunks schema migrations: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("failed to set store database file permissions", "path", path, "error", err)
	}

	logger.Info("sqlite store backend initialized", "path", path, "wal_mode", true)

	return &sqliteBackend{db: db, logger: logger, path: path}, nil
}

func (b *sqliteBackend) WriteChunk(ctx context.Context, id string, offset int64, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO chunks (id, chunk_offset, data) VALUES (?, ?, ?)
		 ON CONFLICT(id, chunk_offset) DO UPDATE SET data = excluded.data`,
		id, offset, data,
	)
	if err != nil {
		return fmt.Errorf("writing chunk for %s at offset %d: %w", id, offset, err)
	}
	return nil
}

func (b *sqliteBackend) Finalize(ctx context.Context, id string) error {
	return nil
}

func (b *sqliteBackend) ReadData(ctx context.Context, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rows, err := b.db.QueryContext(ctx, `SELECT data FROM chunks WHERE id = ? ORDER BY chunk_offset ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("reading chunks for %s: %w", id, err)
	}
	defer rows.Close()

	var out []byte
	found := false
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("scanning chunk for %s: %w", id, err)
		}
		out = append(out, chunk...)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}

func (b *sqliteBackend) Delete(ctx context.Context, id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err := b.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", id, err)
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
