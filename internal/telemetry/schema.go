package telemetry

import (
	"database/sql"

	"codeberg.org/mutker/spectractl/internal/errors"
)

// InitSchema creates the sessions table.
func InitSchema(db *sql.DB) error {
	errFactory := errors.New()

	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS sessions (
            id              TEXT PRIMARY KEY,
            started         INTEGER NOT NULL,
            ended           INTEGER NOT NULL,
            reason          TEXT NOT NULL,
            exit_code       INTEGER NOT NULL,
            device_id       TEXT,
            plugins         TEXT,
            acquired        INTEGER NOT NULL DEFAULT 0,
            published       INTEGER NOT NULL DEFAULT 0,
            dropped         INTEGER NOT NULL DEFAULT 0,
            malformed       INTEGER NOT NULL DEFAULT 0,
            plugin_errors   INTEGER NOT NULL DEFAULT 0,
            timeouts        INTEGER NOT NULL DEFAULT 0,
            reconnects      INTEGER NOT NULL DEFAULT 0,
            memory_baseline INTEGER,
            memory_latest   INTEGER
        );
        CREATE INDEX IF NOT EXISTS sessions_started ON sessions (started);
    `)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	return nil
}
