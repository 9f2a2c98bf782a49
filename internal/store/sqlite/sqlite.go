package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/loykin/launchr/internal/store"
)

// Dialect is the SQLite flavour of the startup_requests schema.
var Dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS startup_requests(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			project_ref TEXT NOT NULL,
			requester_ref TEXT NOT NULL,
			approver_ref TEXT NULL,
			status TEXT NOT NULL,
			request_reason TEXT NULL,
			reject_reason TEXT NULL,
			note TEXT NULL,
			approved_at TIMESTAMP NULL,
			started_at TIMESTAMP NULL,
			expires_at TIMESTAMP NULL,
			process_id INTEGER NULL,
			is_running BOOLEAN NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_startup_requests_project ON startup_requests(project_ref);`,
		`CREATE INDEX IF NOT EXISTS idx_startup_requests_status ON startup_requests(status, updated_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_startup_requests_running
			ON startup_requests(project_ref) WHERE is_running = 1;`,
	},
	UniqueViolation: isUniqueViolation,
}

// New opens a SQLite database at path. Use ":memory:" for an in-memory database.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: keeps ":memory:" a single database and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.NewSQL(d, Dialect), nil
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
