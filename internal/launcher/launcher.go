// Package launcher starts a project's startup script as a detached OS process.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/launchr/internal/env"
	"github.com/loykin/launchr/internal/logger"
	"github.com/loykin/launchr/internal/metrics"
)

// DefaultSettleDelay is how long Launch waits before re-checking liveness.
const DefaultSettleDelay = time.Second

// WarnMayHaveExited is appended to the note when the child is gone after the settle delay.
const WarnMayHaveExited = "process may have exited"

var (
	ErrUnsupportedScriptKind = errors.New("unsupported script kind")
	ErrScriptNotFound        = errors.New("script not found")
)

// SpawnError reports an OS-level failure to start the interpreter.
type SpawnError struct {
	Script string
	Err    error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Script, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// Kind describes how a script extension is executed: Program Args... <script>.
type Kind struct {
	Name    string
	Program string
	Args    []string
}

// Registry maps lower-case file extensions (".sh") to script kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry returns a registry preloaded with shell, batch and PowerShell kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Kind)}
	r.Register(".sh", Kind{Name: "shell", Program: "bash"})
	r.Register(".bat", Kind{Name: "batch", Program: "cmd.exe", Args: []string{"/c"}})
	r.Register(".cmd", Kind{Name: "batch", Program: "cmd.exe", Args: []string{"/c"}})
	r.Register(".ps1", Kind{Name: "powershell", Program: "powershell.exe", Args: []string{"-ExecutionPolicy", "Bypass", "-File"}})
	return r
}

// Register adds or replaces the kind used for ext.
func (r *Registry) Register(ext string, k Kind) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	r.mu.Lock()
	r.kinds[ext] = k
	r.mu.Unlock()
}

// Lookup returns the kind registered for the extension of script.
func (r *Registry) Lookup(script string) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(script))
	r.mu.RLock()
	k, ok := r.kinds[ext]
	r.mu.RUnlock()
	return k, ok
}

// Config holds launcher settings.
type Config struct {
	SettleDelay time.Duration
	// Log configures rotated stdout/stderr files. Without Dir (or explicit
	// paths) output is discarded.
	Log logger.Config
	// Env ("K=V") is layered over the inherited environment of every script.
	Env []string
	// Isolated stops scripts from inheriting the service environment.
	Isolated bool
	// Liveness re-checks the child after the settle delay. Nil means a plain
	// pid existence check.
	Liveness AliveChecker
}

// AliveChecker reports whether pid is a live process.
type AliveChecker interface {
	Alive(ctx context.Context, pid int) bool
}

// Spec is one launch request.
type Spec struct {
	Name   string // used for log file names
	Script string
	Env    []string
}

// Result describes a started process.
type Result struct {
	PID   int
	Alive bool
	Kind  string
	Note  string
}

// Launcher spawns scripts. It does not keep track of what it started;
// the caller persists the pid.
type Launcher struct {
	cfg      Config
	registry *Registry
	env      *env.Env
	log      *slog.Logger
}

// New creates a launcher. A nil registry means NewRegistry().
func New(cfg Config, reg *Registry, log *slog.Logger) *Launcher {
	if reg == nil {
		reg = NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	e := env.New()
	if cfg.Isolated {
		e.Isolate()
	} else {
		e.FromOS()
	}
	e.Apply(cfg.Env)
	return &Launcher{cfg: cfg, registry: reg, env: e, log: log}
}

// Registry returns the kind registry so callers can add kinds.
func (l *Launcher) Registry() *Registry { return l.registry }

// Launch starts spec.Script in its own directory and process group. The
// child is reaped in the background. After the settle delay the pid is
// re-checked; a dead child is reported in Result.Note, not as an error.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (Result, error) {
	script, err := filepath.Abs(spec.Script)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrScriptNotFound, spec.Script)
	}
	fi, err := os.Stat(script)
	if err != nil || fi.IsDir() {
		metrics.IncLaunch("not_found")
		return Result{}, fmt.Errorf("%w: %s", ErrScriptNotFound, script)
	}
	kind, ok := l.registry.Lookup(script)
	if !ok {
		metrics.IncLaunch("unsupported")
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedScriptKind, filepath.Ext(script))
	}

	args := append(append([]string{}, kind.Args...), script)
	// #nosec G204 -- program comes from the kind registry, script from the project catalog
	cmd := exec.Command(kind.Program, args...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = l.env.Merge(spec.Env)
	configureSysProcAttr(cmd)

	name := spec.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(script), filepath.Ext(script))
	}
	var closers []io.Closer
	if l.cfg.Log.Enabled() {
		if l.cfg.Log.Dir != "" {
			_ = os.MkdirAll(l.cfg.Log.Dir, 0o750)
		}
		outW, errW, _ := l.cfg.Log.Writers(name)
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		metrics.IncLaunch("spawn_error")
		return Result{}, &SpawnError{Script: script, Err: err}
	}
	pid := cmd.Process.Pid
	l.log.Info("script started", "project", name, "script", script, "kind", kind.Name, "pid", pid)

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		closeAll(closers)
		close(exited)
		l.log.Debug("script exited", "project", name, "pid", pid, "err", err)
	}()

	alive := l.settle(ctx, pid, exited)
	res := Result{PID: pid, Alive: alive, Kind: kind.Name, Note: fmt.Sprintf("started with pid %d", pid)}
	if !alive {
		res.Note += "; " + WarnMayHaveExited
		l.log.Warn("script not alive after settle delay", "project", name, "pid", pid)
		metrics.IncLaunch("exited")
	} else {
		metrics.IncLaunch("alive")
	}
	return res, nil
}

func (l *Launcher) settle(ctx context.Context, pid int, exited <-chan struct{}) bool {
	if d := l.cfg.SettleDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-exited:
			return false
		case <-t.C:
		case <-ctx.Done():
		}
	}
	select {
	case <-exited:
		return false
	default:
	}
	ctx = context.WithoutCancel(ctx)
	if l.cfg.Liveness != nil {
		return l.cfg.Liveness.Alive(ctx, pid)
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
