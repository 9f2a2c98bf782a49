// Package workflow implements the startup request lifecycle: submit,
// approve, reject, stop, status queries and lease expiry. Every mutating
// intent of a project runs on that project's lane, so launch and
// termination never happen on the caller's goroutine and never overlap.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/launchr/internal/audit"
	"github.com/loykin/launchr/internal/auth"
	"github.com/loykin/launchr/internal/launcher"
	"github.com/loykin/launchr/internal/lease"
	"github.com/loykin/launchr/internal/metrics"
	"github.com/loykin/launchr/internal/project"
	"github.com/loykin/launchr/internal/store"
	"github.com/loykin/launchr/internal/terminator"
)

const (
	DefaultPrivilegedReason = "privileged direct start"
	DefaultRequestReason    = "start requested"
	// SystemActor is recorded for transitions nobody asked for.
	SystemActor = "system"

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Launcher starts a project's startup script.
type Launcher interface {
	Launch(ctx context.Context, spec launcher.Spec) (launcher.Result, error)
}

// Terminator stops a process tree.
type Terminator interface {
	Terminate(ctx context.Context, target terminator.Target, timeout time.Duration) (terminator.Result, error)
}

// Deps are the collaborators of the Service. Audit may be nil.
type Deps struct {
	Store      store.Store
	Projects   project.Lookup
	Checker    auth.Checker
	Launcher   Launcher
	Terminator Terminator
	Audit      audit.Sink
}

type Options struct {
	Lease       time.Duration // default lease.DefaultDuration
	StopTimeout time.Duration // default terminator.DefaultStopTimeout
	LaneIdle    time.Duration // default DefaultLaneIdle
	Now         func() time.Time
}

type SubmitInput struct {
	ProjectRef   string
	RequesterRef string
	Reason       string
}

// StopResult is returned by Stop. Request is nil when nothing was running.
type StopResult struct {
	Request        *store.Request `json:"request,omitempty"`
	TerminatedPIDs []int          `json:"terminated_process_ids"`
	Note           string         `json:"note,omitempty"`
}

// StatusView is the run state of a project as seen by its latest request.
type StatusView struct {
	IsRunning bool         `json:"is_running"`
	Status    store.Status `json:"status"`
	RequestID string       `json:"request_id,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Reason    *string      `json:"reason,omitempty"`
	ProcessID *int         `json:"process_id,omitempty"`
	Note      *string      `json:"note,omitempty"`
}

type Service struct {
	store    store.Store
	projects project.Lookup
	checker  auth.Checker
	launcher Launcher
	term     Terminator
	audit    audit.Sink
	opts     Options
	log      *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(d Deps, opts Options, log *slog.Logger) *Service {
	if opts.Lease <= 0 {
		opts.Lease = lease.DefaultDuration
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = terminator.DefaultStopTimeout
	}
	if opts.LaneIdle <= 0 {
		opts.LaneIdle = DefaultLaneIdle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	sink := d.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		store:    d.Store,
		projects: d.Projects,
		checker:  d.Checker,
		launcher: d.Launcher,
		term:     d.Terminator,
		audit:    sink,
		opts:     opts,
		log:      log,
		lanes:    make(map[string]*lane),
		stop:     make(chan struct{}),
	}
}

// Close rejects new intents, finishes queued ones and waits for every lane.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit asks for a project's startup script to be launched. A privileged
// requester launches directly; anyone else gets a pending request. A
// pending request of the same requester is returned unchanged.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (rec store.Request, err error) {
	defer func() { s.finish(ctx, audit.ActionRequestStartup, in.RequesterRef, in.ProjectRef, rec.ID, err) }()
	if strings.TrimSpace(in.RequesterRef) == "" {
		return rec, &ValidationError{Field: "requester_ref", Message: "is required"}
	}
	proj, err := s.lookup(in.ProjectRef)
	if err != nil {
		return rec, err
	}
	return onLane(ctx, s, proj.Ref, func(ctx context.Context) (store.Request, error) {
		existing, err := s.store.FindPending(ctx, proj.Ref, in.RequesterRef)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return store.Request{}, fmt.Errorf("find pending request: %w", err)
		}
		privileged, err := s.isPrivileged(ctx, in.RequesterRef)
		if err != nil {
			return store.Request{}, err
		}
		if !privileged {
			return s.createPending(ctx, proj, in)
		}
		return s.startDirect(ctx, proj, in)
	})
}

func (s *Service) createPending(ctx context.Context, proj project.Project, in SubmitInput) (store.Request, error) {
	rec := store.Request{
		ProjectRef:    proj.Ref,
		RequesterRef:  in.RequesterRef,
		Status:        store.StatusPending,
		RequestReason: store.Ptr(reasonOr(in.Reason, DefaultRequestReason)),
	}
	if err := s.store.Create(ctx, &rec); err != nil {
		return store.Request{}, fmt.Errorf("create startup request: %w", err)
	}
	s.emit(ctx, s.event(audit.ActionRequestStartup, in.RequesterRef, &rec, "", "start requested"))
	s.log.Info("startup requested", "project", proj.Ref, "requester", in.RequesterRef, "request_id", rec.ID)
	return rec, nil
}

func (s *Service) startDirect(ctx context.Context, proj project.Project, in SubmitInput) (store.Request, error) {
	running, err := s.runningRecord(ctx, proj.Ref)
	if err != nil {
		return store.Request{}, err
	}
	if running != nil {
		return store.Request{}, &InvalidStateError{ID: running.ID, Status: running.Status, Reason: fmt.Sprintf("project %s is already running", proj.Ref)}
	}
	now := s.now()
	rec := store.Request{
		ProjectRef:    proj.Ref,
		RequesterRef:  in.RequesterRef,
		ApproverRef:   store.Ptr(in.RequesterRef),
		Status:        store.StatusApproved,
		RequestReason: store.Ptr(reasonOr(in.Reason, DefaultPrivilegedReason)),
		ApprovedAt:    store.Ptr(now),
	}
	if err := s.store.Create(ctx, &rec); err != nil {
		return store.Request{}, fmt.Errorf("create startup request: %w", err)
	}
	s.emit(ctx, s.event(audit.ActionRequestStartup, in.RequesterRef, &rec, "", "privileged direct start"))
	metrics.RecordTransition("none", string(store.StatusApproved))
	return s.launch(ctx, proj, rec, in.RequesterRef)
}

// Approve moves a pending request to approved and launches the script.
func (s *Service) Approve(ctx context.Context, id, approver string) (rec store.Request, err error) {
	defer func() { s.finish(ctx, audit.ActionApprove, approver, rec.ProjectRef, id, err) }()
	if err := s.requirePrivileged(ctx, approver, "approve startup requests"); err != nil {
		return rec, err
	}
	cur, err := s.get(ctx, id)
	if err != nil {
		return rec, err
	}
	rec.ProjectRef = cur.ProjectRef
	out, err := onLane(ctx, s, cur.ProjectRef, func(ctx context.Context) (store.Request, error) {
		cur, err := s.get(ctx, id)
		if err != nil {
			return store.Request{}, err
		}
		if cur.Status != store.StatusPending {
			return cur, &InvalidStateError{ID: id, Status: cur.Status, Want: store.StatusPending}
		}
		proj, err := s.lookup(cur.ProjectRef)
		if err != nil {
			return cur, err
		}
		running, err := s.runningRecord(ctx, cur.ProjectRef)
		if err != nil {
			return cur, err
		}
		if running != nil {
			return cur, &InvalidStateError{ID: id, Status: cur.Status, Reason: fmt.Sprintf("project %s is already running", cur.ProjectRef)}
		}
		next := cur
		next.Status = store.StatusApproved
		next.ApproverRef = store.Ptr(approver)
		next.ApprovedAt = store.Ptr(s.now())
		if err := s.store.Update(ctx, store.StatusPending, &next); err != nil {
			return cur, s.updateErr(ctx, cur, store.StatusPending, err)
		}
		metrics.RecordTransition(string(store.StatusPending), string(store.StatusApproved))
		s.emit(ctx, s.event(audit.ActionApprove, approver, &next, store.StatusPending, ""))
		return s.launch(ctx, proj, next, approver)
	})
	if out.ID != "" {
		rec = out
	}
	return rec, err
}

// launch runs the script of an approved request and records the outcome.
// A failed launch is not an error of the intent: the request stays
// approved, not running, with the failure in its note.
func (s *Service) launch(ctx context.Context, proj project.Project, rec store.Request, actor string) (store.Request, error) {
	res, lerr := s.launcher.Launch(ctx, launcher.Spec{Name: proj.Ref, Script: proj.Script, Env: proj.Env})
	if lerr != nil {
		next := rec
		next.Note = store.Ptr("launch failed: " + lerr.Error())
		if err := s.store.Update(ctx, store.StatusApproved, &next); err != nil {
			return rec, s.updateErr(ctx, rec, store.StatusApproved, err)
		}
		s.log.Warn("launch failed", "project", proj.Ref, "request_id", rec.ID, "error", lerr)
		ev := s.event(audit.ActionStart, actor, &next, store.StatusApproved, *next.Note)
		ev.Outcome = audit.OutcomeFailed
		s.emit(ctx, ev)
		return next, nil
	}

	started := s.now()
	next := rec
	err := store.MarkRunning(ctx, s.store, &next, res.PID, started, lease.Deadline(started, s.opts.Lease), res.Note)
	if err != nil {
		// the process is not tracked anywhere, take it down again
		if _, terr := s.term.Terminate(ctx, terminator.Target{PID: res.PID, StartedAt: started}, s.opts.StopTimeout); terr != nil {
			s.log.Warn("terminate untracked process", "project", proj.Ref, "pid", res.PID, "error", terr)
		}
		if errors.Is(err, store.ErrAlreadyRunning) {
			return rec, &InvalidStateError{ID: rec.ID, Status: rec.Status, Reason: fmt.Sprintf("project %s is already running", proj.Ref)}
		}
		return rec, s.updateErr(ctx, rec, store.StatusApproved, err)
	}
	s.emit(ctx, s.event(audit.ActionStart, actor, &next, store.StatusApproved, res.Note))
	s.refreshRunning(ctx)
	return next, nil
}

// Reject closes a pending request without launching anything.
func (s *Service) Reject(ctx context.Context, id, approver, reason string) (rec store.Request, err error) {
	defer func() { s.finish(ctx, audit.ActionReject, approver, rec.ProjectRef, id, err) }()
	if err := s.requirePrivileged(ctx, approver, "reject startup requests"); err != nil {
		return rec, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return rec, &ValidationError{Field: "reject_reason", Message: "must not be empty"}
	}
	cur, err := s.get(ctx, id)
	if err != nil {
		return rec, err
	}
	rec.ProjectRef = cur.ProjectRef
	out, err := onLane(ctx, s, cur.ProjectRef, func(ctx context.Context) (store.Request, error) {
		cur, err := s.get(ctx, id)
		if err != nil {
			return store.Request{}, err
		}
		if cur.Status != store.StatusPending {
			return cur, &InvalidStateError{ID: id, Status: cur.Status, Want: store.StatusPending}
		}
		next := cur
		next.Status = store.StatusRejected
		next.ApproverRef = store.Ptr(approver)
		next.RejectReason = store.Ptr(reason)
		if err := s.store.Update(ctx, store.StatusPending, &next); err != nil {
			return cur, s.updateErr(ctx, cur, store.StatusPending, err)
		}
		metrics.RecordTransition(string(store.StatusPending), string(store.StatusRejected))
		s.emit(ctx, s.event(audit.ActionReject, approver, &next, store.StatusPending, reason))
		return next, nil
	})
	if out.ID != "" {
		rec = out
	}
	return rec, err
}

// Stop terminates the running process of a project and closes its request.
// Nothing running is not an error.
func (s *Service) Stop(ctx context.Context, projectRef, actor string) (res StopResult, err error) {
	defer func() {
		id := ""
		if res.Request != nil {
			id = res.Request.ID
		}
		s.finish(ctx, audit.ActionStop, actor, projectRef, id, err)
	}()
	if err := s.requirePrivileged(ctx, actor, "stop projects"); err != nil {
		return res, err
	}
	proj, err := s.lookup(projectRef)
	if err != nil {
		return res, err
	}
	return onLane(ctx, s, proj.Ref, func(ctx context.Context) (StopResult, error) {
		rec, err := s.store.Running(ctx, proj.Ref)
		if errors.Is(err, store.ErrNotFound) {
			return StopResult{Note: "no running process"}, nil
		}
		if err != nil {
			return StopResult{}, fmt.Errorf("find running request: %w", err)
		}
		return s.terminate(ctx, rec, store.StatusStopped, actor, audit.ActionStop)
	})
}

// terminate stops the process of a running request and moves the request
// to the terminal status to. The transition happens even when the process
// was already gone or could not be signalled.
func (s *Service) terminate(ctx context.Context, rec store.Request, to store.Status, actor string, action audit.Action) (StopResult, error) {
	var (
		tres terminator.Result
		terr error
	)
	if rec.ProcessID != nil {
		target := terminator.Target{PID: *rec.ProcessID}
		if rec.StartedAt != nil {
			target.StartedAt = *rec.StartedAt
		}
		tres, terr = s.term.Terminate(ctx, target, s.opts.StopTimeout)
		if terr != nil {
			s.log.Warn("terminate", "project", rec.ProjectRef, "pid", *rec.ProcessID, "error", terr)
		}
	}
	note := StopNote(to, tres, terr)

	next := rec
	next.Status = to
	next.IsRunning = false
	next.Note = store.Ptr(note)
	if err := s.store.Update(ctx, store.StatusApproved, &next); err != nil {
		return StopResult{}, s.updateErr(ctx, rec, store.StatusApproved, err)
	}
	metrics.RecordTransition(string(store.StatusApproved), string(to))
	if to == store.StatusExpired {
		metrics.IncLeaseExpiration()
	}
	s.emit(ctx, s.event(action, actor, &next, store.StatusApproved, note))
	s.refreshRunning(ctx)
	s.log.Info("project stopped", "project", rec.ProjectRef, "request_id", rec.ID, "status", to, "terminated", tres.Terminated)
	return StopResult{Request: &next, TerminatedPIDs: nonNil(tres.Terminated), Note: note}, nil
}

// StopNote describes the outcome of a termination for the request note.
func StopNote(to store.Status, res terminator.Result, err error) string {
	var b strings.Builder
	b.WriteString(string(to))
	switch {
	case res.AlreadyGone:
		b.WriteString("; process already exited")
	case len(res.Terminated) > 0:
		fmt.Fprintf(&b, "; terminated pids %v", res.Terminated)
	}
	if res.Forced {
		b.WriteString("; force killed after timeout")
	}
	if err != nil && !errors.Is(err, terminator.ErrTerminationTimeout) {
		fmt.Fprintf(&b, "; termination error: %v", err)
	}
	return b.String()
}

// Status reports the run state of a project. It never fails: unknown
// projects and storage errors read as not running.
func (s *Service) Status(ctx context.Context, projectRef string) StatusView {
	rec, err := s.store.Running(ctx, projectRef)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = s.store.Latest(ctx, projectRef)
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("status query", "project", projectRef, "error", err)
		}
		return StatusView{}
	}
	now := s.now()
	v := StatusView{
		IsRunning: lease.Active(rec, now),
		Status:    rec.Status,
		RequestID: rec.ID,
		StartedAt: rec.StartedAt,
		ExpiresAt: rec.ExpiresAt,
		Reason:    rec.RequestReason,
		ProcessID: rec.ProcessID,
		Note:      rec.Note,
	}
	if lease.Expired(rec, now) {
		v.Status = store.StatusExpired
		id := rec.ID
		s.schedule(ctx, projectRef, func(ctx context.Context) error { return s.expireOnLane(ctx, id) })
	}
	return v
}

// ListPending returns every pending request, newest first.
func (s *Service) ListPending(ctx context.Context, actor string) (out []store.Request, err error) {
	if err := s.requirePrivileged(ctx, actor, "list pending requests"); err != nil {
		return nil, err
	}
	out, err = s.store.List(ctx, store.Filter{Statuses: []store.Status{store.StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out, nil
}

// ParseHistoryFilter turns a comma separated status list into a filter.
// Empty means approved and rejected, "all" means every status.
func ParseHistoryFilter(v string) ([]store.Status, error) {
	v = strings.TrimSpace(v)
	switch v {
	case "":
		return []store.Status{store.StatusApproved, store.StatusRejected}, nil
	case "all":
		return nil, nil
	}
	var out []store.Status
	for _, part := range strings.Split(v, ",") {
		st, err := store.ParseStatus(strings.TrimSpace(part))
		if err != nil {
			return nil, &ValidationError{Field: "status", Message: err.Error()}
		}
		out = append(out, st)
	}
	return out, nil
}

// History returns decided requests, most recently updated first.
func (s *Service) History(ctx context.Context, actor, statusFilter string, limit int) ([]store.Request, error) {
	if err := s.requirePrivileged(ctx, actor, "read request history"); err != nil {
		return nil, err
	}
	statuses, err := ParseHistoryFilter(statusFilter)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	out, err := s.store.List(ctx, store.Filter{Statuses: statuses, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// Expire terminates the process of a running request whose lease ran out
// and moves it to expired. Requests that are no longer running are left
// alone.
func (s *Service) Expire(ctx context.Context, id string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	_, err = onLane(ctx, s, rec.ProjectRef, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.expireOnLane(ctx, id)
	})
	return err
}

func (s *Service) expireOnLane(ctx context.Context, id string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.IsRunning || rec.Status != store.StatusApproved {
		return nil
	}
	if !lease.Expired(rec, s.now()) {
		return &InvalidStateError{ID: id, Status: rec.Status, Reason: "lease has not expired"}
	}
	_, err = s.terminate(ctx, rec, store.StatusExpired, SystemActor, audit.ActionExpire)
	return err
}

// MarkStopped forces a running request to stopped without touching its
// process. The shutdown sweep uses it after terminating the tree itself.
// It bypasses the lanes so it works after Close.
func (s *Service) MarkStopped(ctx context.Context, id, actor, note string) error {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.get(ctx, id)
		if err != nil {
			return err
		}
		if !rec.IsRunning || rec.Status != store.StatusApproved {
			return nil
		}
		next := rec
		next.Status = store.StatusStopped
		next.IsRunning = false
		next.Note = store.Ptr(note)
		err = s.store.Update(ctx, store.StatusApproved, &next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mark stopped: %w", err)
		}
		metrics.RecordTransition(string(store.StatusApproved), string(store.StatusStopped))
		s.emit(ctx, s.event(audit.ActionShutdownStop, actor, &next, store.StatusApproved, note))
		s.refreshRunning(ctx)
		return nil
	}
	return &InvalidStateError{ID: id, Status: store.StatusApproved, Reason: "concurrent updates while stopping"}
}

// runningRecord returns the running request of project, or nil. A request
// whose lease ran out is expired first so it does not block a new start.
func (s *Service) runningRecord(ctx context.Context, projectRef string) (*store.Request, error) {
	rec, err := s.store.Running(ctx, projectRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find running request: %w", err)
	}
	if lease.Expired(rec, s.now()) {
		if _, err := s.terminate(ctx, rec, store.StatusExpired, SystemActor, audit.ActionExpire); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &rec, nil
}

func (s *Service) lookup(ref string) (project.Project, error) {
	if strings.TrimSpace(ref) == "" {
		return project.Project{}, &ValidationError{Field: "project_ref", Message: "is required"}
	}
	p, err := s.projects.Lookup(ref)
	if err != nil {
		if errors.Is(err, project.ErrUnknownProject) {
			return project.Project{}, &NotFoundError{Resource: "project", ID: ref}
		}
		return project.Project{}, fmt.Errorf("lookup project: %w", err)
	}
	return p, nil
}

func (s *Service) get(ctx context.Context, id string) (store.Request, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return rec, &NotFoundError{Resource: "startup request", ID: id}
	}
	if err != nil {
		return rec, fmt.Errorf("get startup request: %w", err)
	}
	return rec, nil
}

// updateErr maps store errors of a conditional update.
func (s *Service) updateErr(ctx context.Context, rec store.Request, from store.Status, err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		cur, gerr := s.store.Get(ctx, rec.ID)
		if gerr != nil {
			cur = rec
		}
		return &InvalidStateError{ID: rec.ID, Status: cur.Status, Want: from}
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Resource: "startup request", ID: rec.ID}
	case errors.Is(err, store.ErrAlreadyRunning):
		return &InvalidStateError{ID: rec.ID, Status: rec.Status, Reason: fmt.Sprintf("project %s is already running", rec.ProjectRef)}
	}
	return fmt.Errorf("update startup request: %w", err)
}

func (s *Service) isPrivileged(ctx context.Context, actor string) (bool, error) {
	ok, err := s.checker.IsPrivileged(ctx, actor)
	if err != nil {
		return false, fmt.Errorf("permission check: %w", err)
	}
	return ok, nil
}

func (s *Service) requirePrivileged(ctx context.Context, actor, action string) error {
	ok, err := s.isPrivileged(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionError{Actor: actor, Action: action}
	}
	return nil
}

func (s *Service) event(action audit.Action, actor string, rec *store.Request, before store.Status, detail string) audit.Event {
	return audit.Event{
		OccurredAt: s.now(),
		Actor:      actor,
		Action:     action,
		Resource:   audit.ResourceStartupRequest,
		ResourceID: rec.ID,
		Project:    rec.ProjectRef,
		Before:     string(before),
		After:      string(rec.Status),
		Outcome:    audit.OutcomeSuccess,
		Detail:     detail,
	}
}

// emit sends e to the audit sink. Audit failures are logged, never returned.
func (s *Service) emit(ctx context.Context, e audit.Event) {
	if err := s.audit.Send(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("audit send failed", "action", e.Action, "resource_id", e.ResourceID, "error", err)
	}
}

// finish counts an intent and audits it when it failed.
func (s *Service) finish(ctx context.Context, action audit.Action, actor, projectRef, id string, err error) {
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailed
		s.emit(ctx, audit.Event{
			OccurredAt: s.now(),
			Actor:      actor,
			Action:     action,
			Resource:   audit.ResourceStartupRequest,
			ResourceID: id,
			Project:    projectRef,
			Outcome:    audit.OutcomeFailed,
			Detail:     err.Error(),
		})
	}
	metrics.IncRequest(string(action), string(outcome))
}

func (s *Service) refreshRunning(ctx context.Context) {
	recs, err := s.store.ListRunning(ctx)
	if err != nil {
		return
	}
	metrics.SetRunningProjects(len(recs))
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func reasonOr(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
