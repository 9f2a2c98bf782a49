package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/launchr/internal/store"
)

// Modes for lease enforcement.
const (
	ModeActive = "active" // a Reaper expires leases on a timer
	ModeLazy   = "lazy"   // leases expire only when queried or at shutdown
)

// DefaultReapInterval is how often the Reaper looks for expired leases.
const DefaultReapInterval = 30 * time.Second

// Lister lists startup requests marked running.
type Lister interface {
	ListRunning(ctx context.Context) ([]store.Request, error)
}

// Expirer moves a request to expired and stops its process.
type Expirer interface {
	Expire(ctx context.Context, id string) error
}

// Reaper periodically expires running requests whose lease ran out.
type Reaper struct {
	list     Lister
	exp      Expirer
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(list Lister, exp Expirer, interval time.Duration, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{list: list, exp: exp, interval: interval, now: time.Now, log: log}
}

// WithClock replaces the time source used to judge expiry.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	if now != nil {
		r.now = now
	}
	return r
}

// Start runs the reaper loop in the background until Stop or ctx cancellation.
// Calling Start on a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(cctx, r.done)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce expires every running request past its deadline and returns how
// many were expired.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	recs, err := r.list.ListRunning(ctx)
	if err != nil {
		r.log.Error("lease reaper: list running", "error", err)
		return 0
	}
	now := r.now()
	n := 0
	for _, rec := range recs {
		if !Expired(rec, now) {
			continue
		}
		if err := r.exp.Expire(ctx, rec.ID); err != nil {
			r.log.Warn("lease reaper: expire failed", "request_id", rec.ID, "project", rec.ProjectRef, "error", err)
			continue
		}
		n++
		r.log.Info("lease expired", "request_id", rec.ID, "project", rec.ProjectRef)
	}
	return n
}
