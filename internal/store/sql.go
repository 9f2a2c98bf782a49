package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when an update would move a request backwards
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Dialect carries what differs between the SQL backends.
type Dialect struct {
	Name string
	// Schema is executed statement by statement by EnsureSchema.
	Schema []string
	// Numbered placeholders ($1, $2...) instead of "?".
	Numbered bool
	// UniqueViolation reports whether err was raised by a unique index.
	UniqueViolation func(err error) bool
}

// SQL implements Store on top of database/sql. The sqlite and postgres
// packages provide the driver and dialect.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQL wraps an opened database handle.
func NewSQL(db *sql.DB, d Dialect) *SQL {
	return &SQL{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the underlying handle, mainly for tests.
func (s *SQL) DB() *sql.DB { return s.db }

// Backend returns the dialect name ("sqlite" or "postgres").
func (s *SQL) Backend() string { return s.dialect.Name }

const columns = `id, project_ref, requester_ref, approver_ref, status, request_reason, reject_reason, note,
	approved_at, started_at, expires_at, process_id, is_running, version, created_at, updated_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema (%s): %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

// rebind rewrites "?" placeholders for dialects that number them.
func (s *SQL) rebind(q string) string {
	if !s.dialect.Numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *SQL) Create(ctx context.Context, rec *Request) error {
	if rec.ProjectRef == "" || rec.RequesterRef == "" {
		return errors.New("project_ref and requester_ref are required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("create: unknown status %q", rec.Status)
	}
	if err := checkRunning(rec); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	if rec.Version == 0 {
		rec.Version = 1
	}
	q := s.rebind(`INSERT INTO startup_requests(` + columns + `)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.ProjectRef, rec.RequesterRef, nullString(rec.ApproverRef), string(rec.Status),
		nullString(rec.RequestReason), nullString(rec.RejectReason), nullString(rec.Note),
		nullTime(rec.ApprovedAt), nullTime(rec.StartedAt), nullTime(rec.ExpiresAt), nullInt(rec.ProcessID),
		rec.IsRunning, rec.Version, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		if rec.IsRunning && s.uniqueViolation(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("insert startup request: %w", err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (Request, error) {
	return s.one(ctx, s.db, `SELECT `+columns+` FROM startup_requests WHERE id=?`, id)
}

func (s *SQL) FindPending(ctx context.Context, projectRef, requesterRef string) (Request, error) {
	return s.one(ctx, s.db, `SELECT `+columns+` FROM startup_requests
		WHERE project_ref=? AND requester_ref=? AND status=?
		ORDER BY seq DESC LIMIT 1`, projectRef, requesterRef, string(StatusPending))
}

func (s *SQL) Latest(ctx context.Context, projectRef string) (Request, error) {
	return s.one(ctx, s.db, `SELECT `+columns+` FROM startup_requests
		WHERE project_ref=? ORDER BY seq DESC LIMIT 1`, projectRef)
}

func (s *SQL) Running(ctx context.Context, projectRef string) (Request, error) {
	return s.one(ctx, s.db, `SELECT `+columns+` FROM startup_requests
		WHERE project_ref=? AND is_running=? ORDER BY seq DESC LIMIT 1`, projectRef, true)
}

func (s *SQL) ListRunning(ctx context.Context) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+columns+` FROM startup_requests
		WHERE is_running=? ORDER BY seq ASC`), true)
	if err != nil {
		return nil, fmt.Errorf("list running: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

func (s *SQL) List(ctx context.Context, f Filter) ([]Request, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + columns + ` FROM startup_requests`)
	if len(f.Statuses) > 0 {
		b.WriteString(` WHERE status IN (`)
		for i, st := range f.Statuses {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, string(st))
		}
		b.WriteString(")")
	}
	b.WriteString(` ORDER BY updated_at DESC, seq DESC`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list startup requests: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

func (s *SQL) Update(ctx context.Context, prev Status, rec *Request) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("update: unknown status %q", rec.Status)
	}
	if prev != rec.Status && !CanTransition(prev, rec.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, rec.Status)
	}
	if err := checkRunning(rec); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec.IsRunning {
		var other string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM startup_requests
			WHERE project_ref=? AND is_running=? AND id<>? LIMIT 1`), rec.ProjectRef, true, rec.ID).Scan(&other)
		switch {
		case err == nil:
			return ErrAlreadyRunning
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check running: %w", err)
		}
	}

	updatedAt := s.now()
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE startup_requests SET
			approver_ref=?, status=?, request_reason=?, reject_reason=?, note=?,
			approved_at=?, started_at=?, expires_at=?, process_id=?, is_running=?,
			version=version+1, updated_at=?
		WHERE id=? AND status=? AND version=?`),
		nullString(rec.ApproverRef), string(rec.Status), nullString(rec.RequestReason),
		nullString(rec.RejectReason), nullString(rec.Note),
		nullTime(rec.ApprovedAt), nullTime(rec.StartedAt), nullTime(rec.ExpiresAt), nullInt(rec.ProcessID),
		rec.IsRunning, updatedAt, rec.ID, string(prev), rec.Version)
	if err != nil {
		if s.uniqueViolation(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("update startup request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update startup request: %w", err)
	}
	if n == 0 {
		if _, err := s.one(ctx, tx, `SELECT `+columns+` FROM startup_requests WHERE id=?`, rec.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	if err := tx.Commit(); err != nil {
		if s.uniqueViolation(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("commit update: %w", err)
	}
	rec.Version++
	rec.UpdatedAt = updatedAt
	return nil
}

func (s *SQL) one(ctx context.Context, q querier, query string, args ...any) (Request, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return Request{}, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanRequests(rows)
	if err != nil {
		return Request{}, err
	}
	if len(out) == 0 {
		return Request{}, ErrNotFound
	}
	return out[0], nil
}

func (s *SQL) uniqueViolation(err error) bool {
	return s.dialect.UniqueViolation != nil && s.dialect.UniqueViolation(err)
}

func checkRunning(rec *Request) error {
	if rec.IsRunning && (rec.Status != StatusApproved || rec.ProcessID == nil) {
		return fmt.Errorf("running request %s must be approved with a process id", rec.ID)
	}
	return nil
}

func scanRequests(rows *sql.Rows) ([]Request, error) {
	out := make([]Request, 0)
	for rows.Next() {
		var (
			r                                    Request
			status                               string
			approver, reqReason, rejReason, note sql.NullString
			approvedAt, startedAt, expiresAt     sql.NullTime
			pid                                  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ProjectRef, &r.RequesterRef, &approver, &status, &reqReason, &rejReason, &note,
			&approvedAt, &startedAt, &expiresAt, &pid, &r.IsRunning, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.ApproverRef = fromNullString(approver)
		r.RequestReason = fromNullString(reqReason)
		r.RejectReason = fromNullString(rejReason)
		r.Note = fromNullString(note)
		r.ApprovedAt = fromNullTime(approvedAt)
		r.StartedAt = fromNullTime(startedAt)
		r.ExpiresAt = fromNullTime(expiresAt)
		if pid.Valid {
			r.ProcessID = Ptr(int(pid.Int64))
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return Ptr(v.String)
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return Ptr(v.Time.UTC())
}

// MarkRunning records a successful launch on an approved request. The
// one-running-per-project check and the write share a transaction.
func MarkRunning(ctx context.Context, s Store, rec *Request, pid int, startedAt, expiresAt time.Time, note string) error {
	next := *rec
	next.ProcessID = Ptr(pid)
	next.StartedAt = Ptr(startedAt.UTC())
	next.ExpiresAt = Ptr(expiresAt.UTC())
	next.IsRunning = true
	if note != "" {
		next.Note = Ptr(note)
	}
	if err := s.Update(ctx, StatusApproved, &next); err != nil {
		return err
	}
	*rec = next
	return nil
}
