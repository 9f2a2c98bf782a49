package workflow

import (
	"errors"
	"fmt"

	"github.com/loykin/launchr/internal/launcher"
	"github.com/loykin/launchr/internal/store"
	"github.com/loykin/launchr/internal/terminator"
)

// Launch and termination errors callers may match with errors.Is / errors.As.
var (
	ErrScriptNotFound        = launcher.ErrScriptNotFound
	ErrUnsupportedScriptKind = launcher.ErrUnsupportedScriptKind
	ErrTerminationTimeout    = terminator.ErrTerminationTimeout
	// ErrClosed is returned for intents submitted after Close.
	ErrClosed = errors.New("workflow is shut down")
)

// SpawnError is the launcher's OS-level start failure.
type SpawnError = launcher.SpawnError

// NotFoundError reports an unknown project or startup request.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// InvalidStateError reports an intent that does not fit the current state
// of the request or project.
type InvalidStateError struct {
	ID     string
	Status store.Status
	Want   store.Status
	Reason string
}

func (e *InvalidStateError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("startup request %s: %s", e.ID, e.Reason)
	case e.Want != "":
		return fmt.Sprintf("startup request %s is %s, want %s", e.ID, e.Status, e.Want)
	default:
		return fmt.Sprintf("startup request %s is %s", e.ID, e.Status)
	}
}

// PermissionError reports an actor lacking the privilege for an action.
type PermissionError struct {
	Actor  string
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %q is not allowed to %s", e.Actor, e.Action)
}

// ValidationError reports bad input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
