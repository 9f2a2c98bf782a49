package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/launchr/internal/audit"
	"github.com/loykin/launchr/internal/auth"
	"github.com/loykin/launchr/internal/launcher"
	"github.com/loykin/launchr/internal/project"
	"github.com/loykin/launchr/internal/store"
	"github.com/loykin/launchr/internal/store/sqlite"
	"github.com/loykin/launchr/internal/terminator"
)

type fakeLauncher struct {
	mu    sync.Mutex
	next  int
	calls []launcher.Spec
	err   error
}

func (f *fakeLauncher) Launch(_ context.Context, spec launcher.Spec) (launcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spec)
	if f.err != nil {
		return launcher.Result{}, f.err
	}
	f.next++
	pid := 40000 + f.next
	return launcher.Result{PID: pid, Alive: true, Kind: "shell", Note: fmt.Sprintf("started with pid %d", pid)}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTerminator struct {
	mu      sync.Mutex
	targets []terminator.Target
	gone    bool
}

func (f *fakeTerminator) Terminate(_ context.Context, t terminator.Target, _ time.Duration) (terminator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
	if f.gone {
		return terminator.Result{AlreadyGone: true}, nil
	}
	return terminator.Result{Terminated: []int{t.PID}}, nil
}

func (f *fakeTerminator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

type recordSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordSink) Send(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordSink) find(action audit.Action, outcome audit.Outcome) (audit.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Action == action && e.Outcome == outcome {
			return e, true
		}
	}
	return audit.Event{}, false
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc    *Service
	store  store.Store
	launch *fakeLauncher
	term   *fakeTerminator
	sink   *recordSink
	clock  *clock
}

const (
	admin = "root-admin"
	alice = "alice"
	bob   = "bob"
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:  st,
		launch: &fakeLauncher{},
		term:   &fakeTerminator{},
		sink:   &recordSink{},
		clock:  &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	catalog := project.NewCatalog(
		project.Project{Ref: "alpha", Name: "Alpha", Script: "/srv/alpha/start.sh"},
		project.Project{Ref: "beta", Name: "Beta", Script: "/srv/beta/start.sh"},
	)
	checker := auth.NewRoleChecker(nil, map[string][]string{admin: {"admin"}, alice: {"viewer"}})
	h.svc = New(Deps{
		Store:      st,
		Projects:   catalog,
		Checker:    checker,
		Launcher:   h.launch,
		Terminator: h.term,
		Audit:      h.sink,
	}, Options{Lease: time.Hour, Now: h.clock.Now, LaneIdle: 50 * time.Millisecond}, nil)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) assertOneRunning(t *testing.T) {
	t.Helper()
	recs, err := h.store.ListRunning(context.Background())
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, r := range recs {
		assert.False(t, seen[r.ProjectRef], "project %s has two running requests", r.ProjectRef)
		seen[r.ProjectRef] = true
		assert.Equal(t, store.StatusApproved, r.Status)
		assert.NotNil(t, r.ProcessID)
	}
}

func TestSubmitNonPrivilegedIsPendingAndIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, first.Status)
	assert.Equal(t, DefaultRequestReason, *first.RequestReason)
	assert.False(t, first.IsRunning)

	second, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice, Reason: "again"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, h.launch.count())

	pending, err := h.svc.ListPending(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	v := h.svc.Status(ctx, "alpha")
	assert.False(t, v.IsRunning)
	assert.Equal(t, store.StatusPending, v.Status)

	_, ok := h.sink.find(audit.ActionRequestStartup, audit.OutcomeSuccess)
	assert.True(t, ok)
}

func TestSubmitConcurrentNonPrivilegedYieldsOneRecord(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.svc.Submit(context.Background(), SubmitInput{ProjectRef: "alpha", RequesterRef: bob})
			assert.NoError(t, err)
			ids[i] = rec.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := h.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "requester_ref", verr.Field)

	_, err = h.svc.Submit(ctx, SubmitInput{ProjectRef: "nope", RequesterRef: alice})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "project", nf.Resource)

	_, ok := h.sink.find(audit.ActionRequestStartup, audit.OutcomeFailed)
	assert.True(t, ok, "failed intents are audited")
}

func TestPrivilegedSubmitLaunchesDirectly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, rec.Status)
	assert.True(t, rec.IsRunning)
	require.NotNil(t, rec.ProcessID)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.StartedAt.Add(time.Hour).Equal(*rec.ExpiresAt))
	assert.Equal(t, admin, *rec.ApproverRef)
	assert.Equal(t, DefaultPrivilegedReason, *rec.RequestReason)
	assert.Contains(t, *rec.Note, fmt.Sprintf("pid %d", *rec.ProcessID))

	h.launch.mu.Lock()
	assert.Equal(t, "/srv/alpha/start.sh", h.launch.calls[0].Script)
	h.launch.mu.Unlock()

	_, err = h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Contains(t, ise.Error(), "already running")
	h.assertOneRunning(t)

	_, ok := h.sink.find(audit.ActionStart, audit.OutcomeSuccess)
	assert.True(t, ok)
}

func TestPrivilegedSubmitConcurrentStartsOnce(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Submit(context.Background(), SubmitInput{ProjectRef: "beta", RequesterRef: admin})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			var ise *InvalidStateError
			assert.ErrorAs(t, err, &ise)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.launch.count())
	h.assertOneRunning(t)
}

// Scenario A with fakes: pending, then approve launches.
func TestApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice, Reason: "demo"})
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, pending.ID, alice)
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	_, err = h.svc.Approve(ctx, "missing-id", admin)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	rec, err := h.svc.Approve(ctx, pending.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, rec.Status)
	assert.True(t, rec.IsRunning)
	assert.NotNil(t, rec.ProcessID)
	assert.NotNil(t, rec.ApprovedAt)
	assert.Equal(t, "demo", *rec.RequestReason)

	v := h.svc.Status(ctx, "alpha")
	assert.True(t, v.IsRunning)
	assert.Equal(t, rec.ID, v.RequestID)

	_, err = h.svc.Approve(ctx, pending.ID, admin)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, store.StatusPending, ise.Want)
}

func TestApproveConcurrentSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Approve(ctx, pending.ID, admin)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			var ise *InvalidStateError
			assert.ErrorAs(t, err, &ise)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.launch.count())
}

func TestApproveWhileRunningStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, pending.ID, admin)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)

	got, err := h.store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	h.assertOneRunning(t)
}

func TestApproveTerminalStatusesFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rejected, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)
	_, err = h.svc.Reject(ctx, rejected.ID, admin, "not today")
	require.NoError(t, err)

	started, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "beta", RequesterRef: admin})
	require.NoError(t, err)
	_, err = h.svc.Stop(ctx, "beta", admin)
	require.NoError(t, err)

	for _, id := range []string{rejected.ID, started.ID} {
		_, err := h.svc.Approve(ctx, id, admin)
		var ise *InvalidStateError
		require.ErrorAs(t, err, &ise, "approve %s", id)
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)

	_, err = h.svc.Reject(ctx, pending.ID, bob, "no")
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	_, err = h.svc.Reject(ctx, pending.ID, admin, "   ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reject_reason", verr.Field)

	_, err = h.svc.Reject(ctx, "nope", admin, "no")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	rec, err := h.svc.Reject(ctx, pending.ID, admin, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, rec.Status)
	assert.Equal(t, "maintenance window", *rec.RejectReason)
	assert.Equal(t, admin, *rec.ApproverRef)
	assert.Equal(t, 0, h.launch.count())

	_, err = h.svc.Reject(ctx, pending.ID, admin, "again")
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
}

func TestRacingApproveAndReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = h.svc.Approve(ctx, pending.ID, admin) }()
	go func() { defer wg.Done(); _, errs[1] = h.svc.Reject(ctx, pending.ID, admin, "race") }()
	wg.Wait()

	var ise *InvalidStateError
	if errs[0] == nil {
		require.ErrorAs(t, errs[1], &ise)
	} else {
		require.NoError(t, errs[1])
		require.ErrorAs(t, errs[0], &ise)
	}
}

// Scenario B with fakes: a missing script leaves the request approved and not running.
func TestLaunchFailureIsRecordedInNote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.launch.err = fmt.Errorf("%w: /srv/alpha/start.sh", launcher.ErrScriptNotFound)

	rec, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, rec.Status)
	assert.False(t, rec.IsRunning)
	assert.Nil(t, rec.ProcessID)
	require.NotNil(t, rec.Note)
	assert.Contains(t, *rec.Note, "script not found")

	e, ok := h.sink.find(audit.ActionStart, audit.OutcomeFailed)
	require.True(t, ok)
	assert.Contains(t, e.Detail, "script not found")

	// a failed launch does not block the next start
	h.launch.err = nil
	again, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)
	assert.True(t, again.IsRunning)
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Stop(ctx, "alpha", alice)
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	_, err = h.svc.Stop(ctx, "nope", admin)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	res, err := h.svc.Stop(ctx, "alpha", admin)
	require.NoError(t, err)
	assert.Nil(t, res.Request)
	assert.Equal(t, 0, h.term.count())

	rec, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)
	res, err = h.svc.Stop(ctx, "alpha", admin)
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	assert.Equal(t, store.StatusStopped, res.Request.Status)
	assert.False(t, res.Request.IsRunning)
	assert.Equal(t, []int{*rec.ProcessID}, res.TerminatedPIDs)

	h.term.mu.Lock()
	assert.Equal(t, *rec.ProcessID, h.term.targets[0].PID)
	assert.True(t, rec.StartedAt.Equal(h.term.targets[0].StartedAt))
	h.term.mu.Unlock()

	v := h.svc.Status(ctx, "alpha")
	assert.False(t, v.IsRunning)
	assert.Equal(t, store.StatusStopped, v.Status)
}

func TestStopAlreadyDeadProcess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)
	h.term.gone = true

	res, err := h.svc.Stop(ctx, "alpha", admin)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, res.Request.Status)
	assert.Empty(t, res.TerminatedPIDs)
	assert.Contains(t, res.Note, "already exited")
	assert.Equal(t, store.StatusStopped, h.svc.Status(ctx, "alpha").Status)
}

func TestStatusUnknownProject(t *testing.T) {
	h := newHarness(t)
	v := h.svc.Status(context.Background(), "does-not-exist")
	assert.False(t, v.IsRunning)
	assert.Equal(t, store.Status(""), v.Status)
}

// Scenario C with fakes: lazy expiry on query.
func TestStatusLazyExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)

	h.clock.Advance(time.Hour + time.Second)
	v := h.svc.Status(ctx, "alpha")
	assert.False(t, v.IsRunning)
	assert.Equal(t, store.StatusExpired, v.Status)

	require.Eventually(t, func() bool {
		got, err := h.store.Get(ctx, rec.ID)
		return err == nil && got.Status == store.StatusExpired && !got.IsRunning
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.term.count())

	_, ok := h.sink.find(audit.ActionExpire, audit.OutcomeSuccess)
	assert.True(t, ok)
}

func TestStatusRunningOnlyInsideLeaseWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)

	v := h.svc.Status(ctx, "alpha")
	assert.True(t, v.IsRunning)
	assert.Equal(t, rec.ID, v.RequestID)

	// a start time ahead of the clock is not an active lease yet
	h.clock.Advance(-time.Minute)
	v = h.svc.Status(ctx, "alpha")
	assert.False(t, v.IsRunning)
	assert.Equal(t, store.StatusApproved, v.Status)

	got, err := h.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRunning, "status query must not finalize a request that has not expired")
	assert.Equal(t, 0, h.term.count())
}

func TestExpiredRecordDoesNotBlockNewStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	second, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)
	assert.True(t, second.IsRunning)

	old, err := h.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, old.Status)
	h.assertOneRunning(t)
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)

	err = h.svc.Expire(ctx, rec.ID)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.svc.Expire(ctx, rec.ID))
	got, err := h.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)
	assert.False(t, got.IsRunning)

	// already expired: nothing to do
	require.NoError(t, h.svc.Expire(ctx, rec.ID))
	assert.Equal(t, 1, h.term.count())

	var nf *NotFoundError
	require.ErrorAs(t, h.svc.Expire(ctx, "nope"), &nf)
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p1, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)
	_, err = h.svc.Reject(ctx, p1.ID, admin, "no")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.svc.Submit(ctx, SubmitInput{ProjectRef: "beta", RequesterRef: admin})
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: bob})
	require.NoError(t, err)

	_, err = h.svc.History(ctx, alice, "", 0)
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	def, err := h.svc.History(ctx, admin, "", 0)
	require.NoError(t, err)
	require.Len(t, def, 2)
	for _, r := range def {
		assert.Contains(t, []store.Status{store.StatusApproved, store.StatusRejected}, r.Status)
	}

	all, err := h.svc.History(ctx, admin, "all", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pend, err := h.svc.History(ctx, admin, "pending", 0)
	require.NoError(t, err)
	assert.Len(t, pend, 1)

	one, err := h.svc.History(ctx, admin, "all", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = h.svc.History(ctx, admin, "approved,bogus", 0)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.svc.ListPending(ctx, bob)
	require.ErrorAs(t, err, &perr)
}

func TestParseHistoryFilter(t *testing.T) {
	got, err := ParseHistoryFilter("")
	require.NoError(t, err)
	assert.Equal(t, []store.Status{store.StatusApproved, store.StatusRejected}, got)

	got, err = ParseHistoryFilter("all")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ParseHistoryFilter("stopped, expired")
	require.NoError(t, err)
	assert.Equal(t, []store.Status{store.StatusStopped, store.StatusExpired}, got)
}

func TestMarkStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	require.NoError(t, err)

	require.NoError(t, h.svc.MarkStopped(ctx, rec.ID, "shutdown", "shutdown: stopped"))
	got, err := h.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status)
	assert.False(t, got.IsRunning)
	assert.Equal(t, "shutdown: stopped", *got.Note)

	// idempotent, also after Close
	h.svc.Close()
	require.NoError(t, h.svc.MarkStopped(ctx, rec.ID, "shutdown", "again"))
	_, ok := h.sink.find(audit.ActionShutdownStop, audit.OutcomeSuccess)
	assert.True(t, ok)
}

func TestClosedServiceRejectsIntents(t *testing.T) {
	h := newHarness(t)
	h.svc.Close()
	_, err := h.svc.Submit(context.Background(), SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCallerCancellationDoesNotAbortLaunch(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Submit(ctx, SubmitInput{ProjectRef: "alpha", RequesterRef: admin})
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
	// whatever the caller saw, the record is consistent
	h.assertOneRunning(t)
}

func TestLanesExitWhenIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Submit(context.Background(), SubmitInput{ProjectRef: "alpha", RequesterRef: alice})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.svc.lanesActive() == 0 }, 2*time.Second, 10*time.Millisecond)

	// a new intent recreates the lane
	_, err = h.svc.Submit(context.Background(), SubmitInput{ProjectRef: "alpha", RequesterRef: bob})
	require.NoError(t, err)
}

func TestStopNote(t *testing.T) {
	assert.Equal(t, "stopped; terminated pids [1 2]", StopNote(store.StatusStopped, terminator.Result{Terminated: []int{1, 2}}, nil))
	assert.Equal(t, "expired; process already exited", StopNote(store.StatusExpired, terminator.Result{AlreadyGone: true}, nil))
	assert.Equal(t, "stopped; terminated pids [3]; force killed after timeout",
		StopNote(store.StatusStopped, terminator.Result{Terminated: []int{3}, Forced: true}, terminator.ErrTerminationTimeout))
	assert.Contains(t, StopNote(store.StatusStopped, terminator.Result{}, errors.New("boom")), "termination error: boom")
}
