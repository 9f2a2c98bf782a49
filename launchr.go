// Package launchr runs project startup scripts behind an approval workflow.
// An App wires the store, audit sinks, launcher, terminator, lease reaper and
// HTTP router from one Config.
package launchr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/launchr/internal/audit"
	auditfactory "github.com/loykin/launchr/internal/audit/factory"
	"github.com/loykin/launchr/internal/auth"
	cfg "github.com/loykin/launchr/internal/config"
	"github.com/loykin/launchr/internal/launcher"
	"github.com/loykin/launchr/internal/lease"
	"github.com/loykin/launchr/internal/logger"
	"github.com/loykin/launchr/internal/metrics"
	"github.com/loykin/launchr/internal/project"
	"github.com/loykin/launchr/internal/reconcile"
	"github.com/loykin/launchr/internal/server"
	"github.com/loykin/launchr/internal/store"
	storefactory "github.com/loykin/launchr/internal/store/factory"
	"github.com/loykin/launchr/internal/terminator"
	itls "github.com/loykin/launchr/internal/tls"
	"github.com/loykin/launchr/internal/workflow"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Request = store.Request

type StatusView = workflow.StatusView

type StopResult = workflow.StopResult

type SubmitInput = workflow.SubmitInput

type Outcome = reconcile.Outcome

type Project = project.Project

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Options override parts of the wiring, mainly for embedding and tests.
type Options struct {
	// Logger replaces the logger built from Config.Log.
	Logger *slog.Logger
	// Registerer receives the collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// App is a running launchr instance.
type App struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer

	store     store.Store
	audit     audit.Sink
	catalog   *project.Catalog
	term      *terminator.Terminator
	svc       *workflow.Service
	reaper    *lease.Reaper
	resources *metrics.ResourceCollector
	router    *server.Router
	metricsH  http.Handler

	mu      sync.Mutex
	servers []*http.Server
	cancel  context.CancelFunc

	// closed stops config reloads; viper's watcher cannot be stopped.
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open wires an App from c. The store schema is created when missing.
// Background loops do not run until Start or Serve.
func Open(ctx context.Context, c *Config, o Options) (_ *App, err error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	a := &App{cfg: c, log: o.Logger}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	if a.log == nil {
		l, closer, lerr := logger.New(logger.Options{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		}, os.Stderr)
		if lerr != nil {
			return nil, fmt.Errorf("logger: %w", lerr)
		}
		a.log, a.logCloser = l, closer
	}

	a.store, err = storefactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err = a.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}
	a.audit, err = auditfactory.NewFromDSNs(c.Audit.Sinks, a.log.With("component", "audit"))
	if err != nil {
		return nil, err
	}

	var tokens *auth.Tokens
	if c.Auth.Enabled {
		if tokens, err = auth.NewTokens(c.Auth.JWTSecret); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	actors := make(map[string][]string, len(c.Auth.Actors))
	for _, ac := range c.Auth.Actors {
		actors[ac.Name] = append(actors[ac.Name], ac.Roles...)
	}

	a.catalog = project.NewCatalog(project.FromConfig(c)...)
	a.term = terminator.New(a.log.With("component", "terminator"))
	l := launcher.New(launcher.Config{
		SettleDelay: c.Launcher.SettleDelay,
		Log: logger.Config{
			Dir:        c.Launcher.LogDir,
			MaxSizeMB:  c.Launcher.MaxSizeMB,
			MaxBackups: c.Launcher.MaxBackups,
			MaxAgeDays: c.Launcher.MaxAgeDays,
			Compress:   c.Launcher.Compress,
		},
		Env:      c.Launcher.ResolvedEnv,
		Isolated: !c.Launcher.UseOSEnv,
		Liveness: a.term,
	}, nil, a.log.With("component", "launcher"))

	a.svc = workflow.New(workflow.Deps{
		Store:      a.store,
		Projects:   a.catalog,
		Checker:    auth.NewRoleChecker(c.Auth.PrivilegedRoles, actors),
		Launcher:   l,
		Terminator: a.term,
		Audit:      a.audit,
	}, workflow.Options{
		Lease:       c.Lease.Duration,
		StopTimeout: c.Terminator.StopTimeout,
	}, a.log.With("component", "workflow"))

	if c.Lease.Mode != cfg.LeaseModeLazy {
		a.reaper = lease.NewReaper(a.store, a.svc, c.Lease.ReapInterval, a.log.With("component", "reaper"))
	}

	a.router = server.NewRouter(a.svc, a.catalog, auth.NewMiddleware(tokens, c.Auth.Enabled), c.Server.BasePath, a.log.With("component", "http"))
	if c.Metrics.Enabled {
		if err = a.setupMetrics(o); err != nil {
			return nil, err
		}
	}

	if c.File != "" {
		err = cfg.Watch(c.File, a.reload, func(werr error) {
			a.log.Warn("config reload rejected", "file", c.File, "error", werr)
		})
		if err != nil {
			return nil, fmt.Errorf("watch config: %w", err)
		}
	}
	return a, nil
}

func (a *App) setupMetrics(o Options) error {
	reg := o.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	a.resources = metrics.NewResourceCollector(metrics.ResourceConfig{
		Enabled:  a.cfg.Metrics.Resources.Enabled,
		Interval: a.cfg.Metrics.Resources.Interval,
	}, a.log.With("component", "resources"))
	if err := a.resources.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("register resource metrics: %w", err)
	}
	a.metricsH = metrics.Handler()
	if o.Gatherer != nil {
		a.metricsH = metrics.HandlerFor(o.Gatherer)
	}
	if a.cfg.Metrics.Listen == "" {
		a.router.WithMetrics(a.metricsH)
	}
	return nil
}

// reload swaps the project catalog. Other settings need a restart.
func (a *App) reload(c *Config) {
	if a.closed.Load() {
		return
	}
	ps := project.FromConfig(c)
	a.catalog.Replace(ps)
	a.log.Info("project catalog reloaded", "projects", len(ps))
}

// Workflow exposes the approval workflow for embedding without HTTP.
func (a *App) Workflow() *workflow.Service { return a.svc }

// Projects lists the current catalog.
func (a *App) Projects() []Project { return a.catalog.List() }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Start runs the lease reaper and resource sampler until Shutdown.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	if a.reaper != nil {
		a.reaper.Start(ctx)
	}
	if a.resources != nil {
		a.resources.Start(ctx, a.runningPIDs)
	}
}

func (a *App) runningPIDs(ctx context.Context) (map[string]int32, error) {
	recs, err := a.store.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int32, len(recs))
	for _, r := range recs {
		if r.ProcessID != nil {
			out[r.ProjectRef] = int32(*r.ProcessID)
		}
	}
	return out, nil
}

// Serve starts the background loops and the HTTP servers, blocks until ctx
// is done or a server fails, then runs Shutdown.
func (a *App) Serve(ctx context.Context) error {
	tlsCfg, err := itls.Setup(a.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	api := server.NewServer(a.cfg.Server.Listen, a.Handler(), tlsCfg)
	servers := []*http.Server{api}
	if a.metricsH != nil && a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metricsH)
		servers = append(servers, server.NewServer(a.cfg.Metrics.Listen, mux, nil))
	}
	a.mu.Lock()
	a.servers = servers
	a.mu.Unlock()

	a.Start(ctx)
	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			var err error
			if s.TLSConfig != nil {
				err = s.ListenAndServeTLS("", "")
			} else {
				err = s.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", s.Addr, err)
			}
		}(s)
	}
	a.log.Info("launchr listening", "addr", api.Addr, "base_path", a.cfg.Server.BasePath, "tls", tlsCfg != nil)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(sctx))
}

// Sweep stops every process the store marks running.
func (a *App) Sweep(ctx context.Context) []Outcome {
	return reconcile.New(a.store, a.term, a.svc, a.cfg.Terminator.ShutdownTimeout, a.log.With("component", "sweep")).Sweep(ctx)
}

// Shutdown stops accepting intents, drains in-flight ones, sweeps running
// processes and releases the store and audit sinks. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.mu.Lock()
		cancel, servers := a.cancel, a.servers
		a.mu.Unlock()

		if a.reaper != nil {
			a.reaper.Stop()
		}
		if a.resources != nil {
			a.resources.Stop()
		}
		if cancel != nil {
			cancel()
		}
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Addr, err))
			}
		}
		a.svc.Close()

		failed := 0
		outs := a.Sweep(ctx)
		for _, o := range outs {
			if !o.Success {
				failed++
			}
		}
		if len(outs) > 0 {
			a.log.Info("shutdown sweep done", "requests", len(outs), "failed", failed)
		}
		errs = append(errs, a.closeResources())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Close is Shutdown without a deadline.
func (a *App) Close() error { return a.Shutdown(context.Background()) }

func (a *App) closeResources() error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, audit.Close(a.audit))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
