package orchestrator

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
)

//go:embed migrations/*.sql
var runMigrationsFS embed.FS

// RunStore is the orchestrator's own WAL-mode SQLite table ("runs"),
// separate from the C3 local store's chunks table, persisting
// MigrationProgress between phases so a restarted process can resume.
// Grounded on the same security-hardened constructor pattern as
// internal/store's SQLite backend.
type RunStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunStore opens (creating if necessary) the runs database at path.
func NewRunStore(ctx context.Context, path string, logger *slog.Logger) (*RunStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("run store requires a database path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating run store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run store ping failed: %w", err)
	}

	goose.SetBaseFS(runMigrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying runs schema migrations: %w", err)
	}

	return &RunStore{db: db, logger: logger}, nil
}

// Save upserts the full progress record for one run.
func (r *RunStore) Save(ctx context.Context, progress domain.MigrationProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling run progress: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, did, progress, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET did = excluded.did, progress = excluded.progress, updated_at = excluded.updated_at`,
		progress.RunID, progress.DID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", progress.RunID, err)
	}
	return nil
}

// Load returns the most recently saved progress for runID.
func (r *RunStore) Load(ctx context.Context, runID string) (domain.MigrationProgress, bool, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT progress FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.MigrationProgress{}, false, nil
	}
	if err != nil {
		return domain.MigrationProgress{}, false, fmt.Errorf("loading run %s: %w", runID, err)
	}
	var progress domain.MigrationProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return domain.MigrationProgress{}, false, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	return progress, true, nil
}

// FindActiveByDID returns the most recently updated, not-yet-complete run
// for did, if one exists — used to resume a crashed process without a
// known run ID.
func (r *RunStore) FindActiveByDID(ctx context.Context, did string) (domain.MigrationProgress, bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT progress FROM runs WHERE did = ? ORDER BY updated_at DESC`, did)
	if err != nil {
		return domain.MigrationProgress{}, false, fmt.Errorf("finding run for %s: %w", did, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return domain.MigrationProgress{}, false, err
		}
		var progress domain.MigrationProgress
		if err := json.Unmarshal([]byte(data), &progress); err != nil {
			return domain.MigrationProgress{}, false, err
		}
		if !progress.Done() {
			return progress, true, nil
		}
	}
	return domain.MigrationProgress{}, false, rows.Err()
}

func (r *RunStore) Close() error {
	return r.db.Close()
}
