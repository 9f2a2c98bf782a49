package factory

import (
	"errors"
	"strings"

	"github.com/loykin/launchr/internal/store"
	pg "github.com/loykin/launchr/internal/store/postgres"
	sq "github.com/loykin/launchr/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	// default to sqlite path
	return sq.New(d)
}

// SQLitePath returns the filesystem path of a sqlite DSN, or "" for
// postgres and in-memory databases.
func SQLitePath(dsn string) string {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return ""
	}
	if strings.HasPrefix(ld, "sqlite://") {
		d = d[len("sqlite://"):]
	}
	if i := strings.IndexByte(d, '?'); i >= 0 {
		d = d[:i]
	}
	if d == "" || d == ":memory:" || strings.HasPrefix(d, "file::memory:") {
		return ""
	}
	return strings.TrimPrefix(d, "file:")
}
