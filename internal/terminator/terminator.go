// Package terminator stops a launched script together with every process it spawned.
package terminator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/launchr/internal/metrics"
)

// Default grace windows before the tree is force-killed.
const (
	DefaultStopTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 3 * time.Second
)

// ErrTerminationTimeout is returned with a valid Result when the target
// outlived the grace window and was force-killed.
var ErrTerminationTimeout = errors.New("process did not exit in time and was killed")

// Target identifies the process to stop. StartedAt guards against pid
// reuse: a live process created after it is left alone.
type Target struct {
	PID       int
	StartedAt time.Time
}

// Result describes what Terminate did.
type Result struct {
	Terminated  []int
	Forced      bool
	AlreadyGone bool
}

// Terminator signals process trees. The zero value is not usable; use New.
type Terminator struct {
	log       *slog.Logger
	poll      time.Duration
	tolerance time.Duration
}

func New(log *slog.Logger) *Terminator {
	if log == nil {
		log = slog.Default()
	}
	return &Terminator{log: log, poll: 50 * time.Millisecond, tolerance: 5 * time.Second}
}

// Terminate sends graceful termination to the descendants of target and
// then to target, waits up to timeout for target to exit and force-kills
// whatever is left. A failure on one process is logged and skipped.
func (t *Terminator) Terminate(ctx context.Context, target Target, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	if target.PID <= 0 {
		return Result{AlreadyGone: true}, nil
	}
	proc, live := t.lookup(ctx, int32(target.PID))
	if !live {
		t.log.Debug("process already gone", "pid", target.PID)
		return Result{AlreadyGone: true}, nil
	}
	if t.reused(ctx, proc, target.StartedAt) {
		t.log.Warn("pid reused by a newer process, leaving it alone", "pid", target.PID)
		return Result{AlreadyGone: true}, nil
	}

	desc := descendants(ctx, int32(target.PID))
	var res Result
	for _, p := range desc {
		if err := p.TerminateWithContext(ctx); err != nil {
			t.log.Debug("terminate descendant failed", "pid", p.Pid, "error", err)
			continue
		}
		res.Terminated = append(res.Terminated, int(p.Pid))
	}
	if err := proc.TerminateWithContext(ctx); err != nil {
		t.log.Debug("terminate target failed", "pid", target.PID, "error", err)
	} else {
		res.Terminated = append(res.Terminated, target.PID)
	}
	signalGroup(target.PID, false)

	if t.waitGone(ctx, int32(target.PID), timeout) {
		metrics.IncTermination(false)
		return res, nil
	}

	// grace window exhausted: kill the target and every survivor
	res.Forced = true
	signalGroup(target.PID, true)
	for _, p := range append(desc, proc) {
		if _, ok := t.lookup(ctx, p.Pid); !ok {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			t.log.Debug("kill failed", "pid", p.Pid, "error", err)
			continue
		}
		if !slices.Contains(res.Terminated, int(p.Pid)) {
			res.Terminated = append(res.Terminated, int(p.Pid))
		}
	}
	_ = t.waitGone(ctx, int32(target.PID), 500*time.Millisecond)
	metrics.IncTermination(true)
	return res, ErrTerminationTimeout
}

// Alive reports whether pid refers to a live, non-zombie process.
func (t *Terminator) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	_, ok := t.lookup(ctx, int32(pid))
	return ok
}

func (t *Terminator) lookup(ctx context.Context, pid int32) (*gopsproc.Process, bool) {
	ok, err := gopsproc.PidExistsWithContext(ctx, pid)
	if err != nil || !ok {
		return nil, false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, false
	}
	if st, err := p.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return p, false
	}
	return p, true
}

func (t *Terminator) reused(ctx context.Context, p *gopsproc.Process, startedAt time.Time) bool {
	if startedAt.IsZero() {
		return false
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return false
	}
	return time.UnixMilli(ms).After(startedAt.Add(t.tolerance))
}

func (t *Terminator) waitGone(ctx context.Context, pid int32, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	for {
		if _, ok := t.lookup(ctx, pid); !ok {
			return true
		}
		select {
		case <-deadline.C:
			_, ok := t.lookup(ctx, pid)
			return !ok
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

// descendants returns every process below root, children before grandchildren.
func descendants(ctx context.Context, root int32) []*gopsproc.Process {
	all, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	byParent := make(map[int32][]*gopsproc.Process)
	for _, p := range all {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		byParent[ppid] = append(byParent[ppid], p)
	}
	var out []*gopsproc.Process
	seen := map[int32]bool{root: true}
	queue := []int32{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range byParent[pid] {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, c)
			queue = append(queue, c.Pid)
		}
	}
	return out
}
