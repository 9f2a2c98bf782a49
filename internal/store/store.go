package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a startup request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusStopped  Status = "stopped"
	StatusExpired  Status = "expired"
)

var (
	ErrNotFound = errors.New("startup request not found")
	// ErrConflict is returned when a conditional update lost against a concurrent writer.
	ErrConflict = errors.New("startup request was modified concurrently")
	// ErrAlreadyRunning is returned when another request of the same project is running.
	ErrAlreadyRunning = errors.New("project already has a running startup request")
)

// transitions lists the allowed forward moves of the state graph.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusStopped, StatusExpired},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusStopped, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusStopped || s == StatusExpired
}

// ParseStatus converts a user supplied status filter value.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// CanTransition reports whether a request may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is one durable attempt to run a project's startup script.
// Optional fields are nil until set.
type Request struct {
	ID            string     `json:"id"`
	ProjectRef    string     `json:"project_ref"`
	RequesterRef  string     `json:"requester_ref"`
	ApproverRef   *string    `json:"approver_ref,omitempty"`
	Status        Status     `json:"status"`
	RequestReason *string    `json:"request_reason,omitempty"`
	RejectReason  *string    `json:"reject_reason,omitempty"`
	Note          *string    `json:"note,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ProcessID     *int       `json:"process_id,omitempty"`
	IsRunning     bool       `json:"is_running"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Filter selects requests for listing. An empty Statuses slice matches every status.
type Filter struct {
	Statuses []Status
	Limit    int
}

// Store is the persistence interface for startup requests. It is the only
// source of truth for what is supposed to be running.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Create inserts rec. ID, CreatedAt, UpdatedAt and Version are filled in when empty.
	Create(ctx context.Context, rec *Request) error
	Get(ctx context.Context, id string) (Request, error)
	// FindPending returns the pending request of requester for project, if any.
	FindPending(ctx context.Context, projectRef, requesterRef string) (Request, error)
	// Latest returns the most recently created request of project.
	Latest(ctx context.Context, projectRef string) (Request, error)
	// Running returns the request of project that has is_running set.
	Running(ctx context.Context, projectRef string) (Request, error)
	ListRunning(ctx context.Context) ([]Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	// Update writes rec when the stored row still has status prev and rec.Version.
	// It returns ErrConflict otherwise and ErrAlreadyRunning when rec.IsRunning would
	// give the project a second running request. On success rec.Version and
	// rec.UpdatedAt are advanced.
	Update(ctx context.Context, prev Status, rec *Request) error
	Close() error
}

// Ptr returns a pointer to v. It keeps optional field assignments short.
func Ptr[T any](v T) *T { return &v }
