// Package storetest holds the behaviour checks every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/launchr/internal/store"
)

// Run exercises s against the Store contract. s must have an empty schema.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// twice: schema creation is idempotent
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema again: %v", err)
	}

	t.Run("CreateGet", func(t *testing.T) { createGet(t, s) })
	t.Run("ConditionalUpdate", func(t *testing.T) { conditionalUpdate(t, s) })
	t.Run("OneRunningPerProject", func(t *testing.T) { oneRunning(t, s) })
	t.Run("ForwardOnly", func(t *testing.T) { forwardOnly(t, s) })
	t.Run("ListAndLatest", func(t *testing.T) { listAndLatest(t, s) })
	t.Run("RacingDecisions", func(t *testing.T) { racingDecisions(t, s) })
}

func pending(project, requester string) *store.Request {
	return &store.Request{
		ProjectRef:    project,
		RequesterRef:  requester,
		Status:        store.StatusPending,
		RequestReason: store.Ptr("test"),
	}
}

func createGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := pending("p-create", "alice")
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.Version != 1 || rec.CreatedAt.IsZero() {
		t.Fatalf("create did not fill bookkeeping fields: %+v", rec)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProjectRef != "p-create" || got.Status != store.StatusPending || got.IsRunning {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.RequestReason == nil || *got.RequestReason != "test" {
		t.Fatalf("request reason lost: %+v", got.RequestReason)
	}
	if got.ApproverRef != nil || got.ProcessID != nil || got.StartedAt != nil {
		t.Fatalf("optional fields should be nil: %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	p, err := s.FindPending(ctx, "p-create", "alice")
	if err != nil || p.ID != rec.ID {
		t.Fatalf("find pending: %v %+v", err, p)
	}
	if _, err := s.FindPending(ctx, "p-create", "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no pending for bob, got %v", err)
	}
}

func conditionalUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := pending("p-update", "alice")
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := *rec

	now := time.Now().UTC()
	rec.Status = store.StatusApproved
	rec.ApproverRef = store.Ptr("root")
	rec.ApprovedAt = &now
	if err := s.Update(ctx, store.StatusPending, rec); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("version not advanced: %d", rec.Version)
	}

	stale.Status = store.StatusRejected
	stale.RejectReason = store.Ptr("late")
	if err := s.Update(ctx, store.StatusPending, &stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	if err := store.MarkRunning(ctx, s, rec, 4242, now, now.Add(time.Hour), "pid 4242"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsRunning || got.ProcessID == nil || *got.ProcessID != 4242 || got.ExpiresAt == nil {
		t.Fatalf("running fields not stored: %+v", got)
	}
	if !got.ExpiresAt.After(*got.StartedAt) {
		t.Fatalf("expires_at must be after started_at")
	}
	running, err := s.Running(ctx, "p-update")
	if err != nil || running.ID != rec.ID {
		t.Fatalf("running lookup: %v %+v", err, running)
	}

	missing := store.Request{ID: "missing", ProjectRef: "x", Status: store.StatusRejected, Version: 1}
	if err := s.Update(ctx, store.StatusPending, &missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func oneRunning(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	var recs []*store.Request
	for i := 0; i < 2; i++ {
		r := &store.Request{ProjectRef: "p-single", RequesterRef: "root", Status: store.StatusApproved, ApproverRef: store.Ptr("root"), ApprovedAt: &now}
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		recs = append(recs, r)
	}
	if err := store.MarkRunning(ctx, s, recs[0], 100, now, now.Add(time.Hour), ""); err != nil {
		t.Fatalf("first mark running: %v", err)
	}
	if err := store.MarkRunning(ctx, s, recs[1], 101, now, now.Add(time.Hour), ""); !errors.Is(err, store.ErrAlreadyRunning) {
		t.Fatalf("second mark running should fail with ErrAlreadyRunning, got %v", err)
	}
	if recs[1].IsRunning {
		t.Fatalf("failed MarkRunning must leave the record untouched")
	}
	list, err := s.ListRunning(ctx)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	n := 0
	for _, r := range list {
		if r.ProjectRef == "p-single" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly one running record, got %d", n)
	}

	// stopping the first frees the slot
	recs[0].Status = store.StatusStopped
	recs[0].IsRunning = false
	if err := s.Update(ctx, store.StatusApproved, recs[0]); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := store.MarkRunning(ctx, s, recs[1], 101, now, now.Add(time.Hour), ""); err != nil {
		t.Fatalf("mark running after stop: %v", err)
	}
}

func forwardOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := pending("p-forward", "alice")
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.Status = store.StatusRejected
	rec.RejectReason = store.Ptr("no")
	if err := s.Update(ctx, store.StatusPending, rec); err != nil {
		t.Fatalf("reject: %v", err)
	}
	for _, to := range []store.Status{store.StatusPending, store.StatusApproved, store.StatusStopped} {
		next := *rec
		next.Status = to
		if err := s.Update(ctx, store.StatusRejected, &next); !errors.Is(err, store.ErrInvalidTransition) {
			t.Fatalf("rejected -> %s should be refused, got %v", to, err)
		}
	}
}

func listAndLatest(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := pending("p-list", "alice")
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	b := pending("p-list", "bob")
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	latest, err := s.Latest(ctx, "p-list")
	if err != nil || latest.ID != b.ID {
		t.Fatalf("latest: %v %+v", err, latest)
	}
	if _, err := s.Latest(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	a.Status = store.StatusRejected
	a.RejectReason = store.Ptr("no")
	if err := s.Update(ctx, store.StatusPending, a); err != nil {
		t.Fatalf("reject a: %v", err)
	}

	all, err := s.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) == 0 || all[0].ID != a.ID {
		t.Fatalf("list should be ordered by updated_at desc, first=%+v", all[0])
	}
	rejected, err := s.List(ctx, store.Filter{Statuses: []store.Status{store.StatusRejected}})
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	for _, r := range rejected {
		if r.Status != store.StatusRejected {
			t.Fatalf("filter leaked %s", r.Status)
		}
	}
	one, err := s.List(ctx, store.Filter{Limit: 1})
	if err != nil || len(one) != 1 {
		t.Fatalf("limit: %v len=%d", err, len(one))
	}
}

func racingDecisions(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := pending("p-race", "alice")
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := *rec
			if i%2 == 0 {
				next.Status = store.StatusApproved
				next.ApproverRef = store.Ptr("root")
			} else {
				next.Status = store.StatusRejected
				next.RejectReason = store.Ptr("no")
			}
			err := s.Update(ctx, store.StatusPending, &next)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrConflict) {
				t.Errorf("loser should see ErrConflict, got %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one decision must win, got %d", wins)
	}
}
