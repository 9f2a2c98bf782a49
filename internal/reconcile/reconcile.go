// Package reconcile stops every process the store still marks running.
// It runs once at service shutdown and on demand from the CLI.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/launchr/internal/store"
	"github.com/loykin/launchr/internal/terminator"
	"github.com/loykin/launchr/internal/workflow"
)

// DefaultParallelism bounds how many process trees are stopped at once.
const DefaultParallelism = 8

// ShutdownActor is recorded as the actor of sweep transitions.
const ShutdownActor = "shutdown"

// Lister lists requests marked running.
type Lister interface {
	ListRunning(ctx context.Context) ([]store.Request, error)
}

// Finalizer forces a running request to stopped.
type Finalizer interface {
	MarkStopped(ctx context.Context, id, actor, note string) error
}

// Outcome is the sweep result for one request.
type Outcome struct {
	RequestID  string
	ProjectRef string
	Success    bool
	Terminated []int
	Err        error
}

type Reconciler struct {
	list        Lister
	term        workflow.Terminator
	fin         Finalizer
	timeout     time.Duration
	parallelism int
	log         *slog.Logger
}

func New(list Lister, term workflow.Terminator, fin Finalizer, timeout time.Duration, log *slog.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = terminator.DefaultShutdownTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{list: list, term: term, fin: fin, timeout: timeout, parallelism: DefaultParallelism, log: log}
}

// WithParallelism sets the sweep width; n <= 0 keeps the default.
func (r *Reconciler) WithParallelism(n int) *Reconciler {
	if n > 0 {
		r.parallelism = n
	}
	return r
}

// Sweep terminates the process of every running request and marks it
// stopped whether or not a live process was found. One failure never
// stops the others; every request gets an Outcome. A termination error
// other than the grace timeout leaves Success false although the request
// is stopped.
func (r *Reconciler) Sweep(ctx context.Context) []Outcome {
	recs, err := r.list.ListRunning(ctx)
	if err != nil {
		r.log.Error("shutdown sweep: list running", "error", err)
		return []Outcome{{Err: fmt.Errorf("list running: %w", err)}}
	}
	if len(recs) == 0 {
		return nil
	}
	r.log.Info("shutdown sweep", "running", len(recs))

	out := make([]Outcome, len(recs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, rec := range recs {
		g.Go(func() error {
			o := r.sweepOne(gctx, rec)
			mu.Lock()
			out[i] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range out {
		if o.Err != nil {
			r.log.Warn("shutdown sweep failed", "request_id", o.RequestID, "project", o.ProjectRef, "error", o.Err)
		}
	}
	return out
}

func (r *Reconciler) sweepOne(ctx context.Context, rec store.Request) Outcome {
	o := Outcome{RequestID: rec.ID, ProjectRef: rec.ProjectRef}
	var (
		res  terminator.Result
		terr error
	)
	if rec.ProcessID != nil {
		target := terminator.Target{PID: *rec.ProcessID}
		if rec.StartedAt != nil {
			target.StartedAt = *rec.StartedAt
		}
		res, terr = r.term.Terminate(ctx, target, r.timeout)
		o.Terminated = res.Terminated
	}
	note := "shutdown: " + workflow.StopNote(store.StatusStopped, res, terr)
	if err := r.fin.MarkStopped(context.WithoutCancel(ctx), rec.ID, ShutdownActor, note); err != nil {
		o.Err = fmt.Errorf("mark stopped: %w", err)
		return o
	}
	if terr != nil && !errors.Is(terr, terminator.ErrTerminationTimeout) {
		o.Err = fmt.Errorf("terminate pid %d: %w", *rec.ProcessID, terr)
		return o
	}
	o.Success = true
	return o
}
