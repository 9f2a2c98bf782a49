package workflow

import (
	"context"
	"fmt"
	"time"
)

// DefaultLaneIdle is how long a project lane waits for work before exiting.
const DefaultLaneIdle = 30 * time.Second

// op is a control message for a lane.
type op struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// lane serializes every mutating intent of one project on a single goroutine.
type lane struct {
	project string
	ops     chan op
	refs    int // callers between acquire and send
}

type reply[T any] struct {
	v   T
	err error
}

// onLane runs fn on the project's lane and waits for its reply or for ctx.
// fn keeps running when the caller gives up so a started launch is always
// recorded.
func onLane[T any](ctx context.Context, s *Service, project string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ch := make(chan reply[T], 1)
	err := s.enqueue(ctx, project, true, func(ctx context.Context) {
		var r reply[T]
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("workflow lane panic", "project", project, "panic", p)
				r = reply[T]{err: fmt.Errorf("workflow lane panic: %v", p)}
			}
			ch <- r
		}()
		r.v, r.err = fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// schedule queues fn on the project's lane without waiting. The work is
// dropped when the lane is busy or the service is closed; the next query or
// reaper tick retries it.
func (s *Service) schedule(ctx context.Context, project string, fn func(ctx context.Context) error) bool {
	err := s.enqueue(ctx, project, false, func(ctx context.Context) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("workflow lane panic", "project", project, "panic", p)
			}
		}()
		if err := fn(ctx); err != nil {
			s.log.Warn("scheduled workflow step failed", "project", project, "error", err)
		}
	})
	return err == nil
}

var errLaneBusy = fmt.Errorf("project lane is busy")

func (s *Service) enqueue(ctx context.Context, project string, wait bool, fn func(ctx context.Context)) error {
	l, err := s.acquire(project)
	if err != nil {
		return err
	}
	defer s.release(l)
	o := op{ctx: context.WithoutCancel(ctx), fn: fn}
	if !wait {
		select {
		case l.ops <- o:
			return nil
		default:
			return errLaneBusy
		}
	}
	select {
	case l.ops <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns the lane of project, starting it when needed.
func (s *Service) acquire(project string) (*lane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	l, ok := s.lanes[project]
	if !ok {
		l = &lane{project: project, ops: make(chan op, 16)}
		s.lanes[project] = l
		s.wg.Add(1)
		go s.runLane(l)
	}
	l.refs++
	return l, nil
}

func (s *Service) release(l *lane) {
	s.mu.Lock()
	l.refs--
	s.mu.Unlock()
}

func (s *Service) runLane(l *lane) {
	defer s.wg.Done()
	idle := time.NewTimer(s.opts.LaneIdle)
	defer idle.Stop()
	for {
		select {
		case <-s.stop:
			s.drain(l)
			return
		case o := <-l.ops:
			o.fn(o.ctx)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.opts.LaneIdle)
		case <-idle.C:
			s.mu.Lock()
			if l.refs == 0 && len(l.ops) == 0 {
				delete(s.lanes, l.project)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.opts.LaneIdle)
		}
	}
}

// drain finishes queued work after Close, including sends from callers
// that acquired the lane just before it, so no caller waits forever.
func (s *Service) drain(l *lane) {
	for {
		select {
		case o := <-l.ops:
			o.fn(o.ctx)
			continue
		default:
		}
		s.mu.Lock()
		done := l.refs == 0 && len(l.ops) == 0
		s.mu.Unlock()
		if done {
			return
		}
		select {
		case o := <-l.ops:
			o.fn(o.ctx)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// lanesActive reports the number of live lanes.
func (s *Service) lanesActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
