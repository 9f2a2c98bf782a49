// Package audit records every startup request transition and intent outcome.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Action names the intent that produced an event.
type Action string

const (
	ActionRequestStartup Action = "request_startup"
	ActionStart          Action = "start"
	ActionApprove        Action = "approve_startup"
	ActionReject         Action = "reject_startup"
	ActionStop           Action = "stop"
	ActionExpire         Action = "expire"
	ActionShutdownStop   Action = "shutdown_stop"
)

// Outcome of an intent.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ResourceStartupRequest is the resource kind of workflow events.
const ResourceStartupRequest = "startup_request"

// Event is one audit record. Before and After hold the request status
// around the transition; both are empty for failed intents that never
// reached a record.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor"`
	Action     Action    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id"`
	Project    string    `json:"project"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for audit events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Close closes s when it holds resources.
func Close(s Sink) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Multi fans an event out to every sink. A failing sink does not stop the others.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := Close(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SlogSink writes events to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Send(ctx context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if e.Outcome == OutcomeFailed {
		level = slog.LevelWarn
	}
	l.LogAttrs(ctx, level, "audit",
		slog.String("actor", e.Actor),
		slog.String("action", string(e.Action)),
		slog.String("resource", e.Resource),
		slog.String("resource_id", e.ResourceID),
		slog.String("project", e.Project),
		slog.String("before", e.Before),
		slog.String("after", e.After),
		slog.String("outcome", string(e.Outcome)),
		slog.String("detail", e.Detail),
	)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
