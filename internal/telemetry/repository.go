package telemetry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

type Repository interface {
	Store(ctx context.Context, run *SessionRun) error
	Close() error
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(cfg Config) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing telemetry repository at: %s", cfg.DBPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{
		db: db,
	}, nil
}

// Store inserts run. A run with an existing id replaces the stored row.
func (r *sqliteRepository) Store(ctx context.Context, run *SessionRun) error {
	errFactory := errors.New()
	r.mu.Lock()
	defer r.mu.Unlock()

	c := run.Counters
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO sessions (
            id, started, ended, reason, exit_code, device_id, plugins,
            acquired, published, dropped, malformed, plugin_errors, timeouts,
            reconnects, memory_baseline, memory_latest
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            ended = excluded.ended,
            reason = excluded.reason,
            exit_code = excluded.exit_code,
            acquired = excluded.acquired,
            published = excluded.published,
            dropped = excluded.dropped,
            malformed = excluded.malformed,
            plugin_errors = excluded.plugin_errors,
            timeouts = excluded.timeouts,
            reconnects = excluded.reconnects,
            memory_baseline = excluded.memory_baseline,
            memory_latest = excluded.memory_latest
    `,
		run.ID,
		run.Started.UnixMilli(),
		run.Ended.UnixMilli(),
		run.Reason,
		run.ExitCode,
		run.DeviceID,
		run.pluginList(),
		int64(c.Acquired),
		int64(c.Published),
		int64(c.Dropped),
		int64(c.Malformed),
		int64(c.PluginErrors),
		int64(c.Timeouts),
		run.Reconnects,
		int64(run.MemoryBaseline),
		int64(run.MemoryLatest),
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	errFactory := errors.New()
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}
