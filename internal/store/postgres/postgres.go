package postgres

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/launchr/internal/store"
)

// Dialect is the PostgreSQL flavour of the startup_requests schema.
var Dialect = store.Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS startup_requests(
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			project_ref TEXT NOT NULL,
			requester_ref TEXT NOT NULL,
			approver_ref TEXT NULL,
			status TEXT NOT NULL,
			request_reason TEXT NULL,
			reject_reason TEXT NULL,
			note TEXT NULL,
			approved_at TIMESTAMPTZ NULL,
			started_at TIMESTAMPTZ NULL,
			expires_at TIMESTAMPTZ NULL,
			process_id INTEGER NULL,
			is_running BOOLEAN NOT NULL DEFAULT false,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_startup_requests_project ON startup_requests(project_ref);`,
		`CREATE INDEX IF NOT EXISTS idx_startup_requests_status ON startup_requests(status, updated_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_startup_requests_running
			ON startup_requests(project_ref) WHERE is_running;`,
	},
	Numbered:        true,
	UniqueViolation: isUniqueViolation,
}

// New opens a PostgreSQL database through the pgx stdlib driver. No
// connection is made until the first query.
func New(dsn string) (*store.SQL, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(d, Dialect), nil
}

func isUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}
