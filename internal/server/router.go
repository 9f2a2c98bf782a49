package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/launchr/internal/auth"
	"github.com/loykin/launchr/internal/project"
	"github.com/loykin/launchr/internal/store"
	"github.com/loykin/launchr/internal/workflow"
)

// Workflow is the set of intents the router exposes.
type Workflow interface {
	Submit(ctx context.Context, in workflow.SubmitInput) (store.Request, error)
	Approve(ctx context.Context, id, approver string) (store.Request, error)
	Reject(ctx context.Context, id, approver, reason string) (store.Request, error)
	Stop(ctx context.Context, projectRef, actor string) (workflow.StopResult, error)
	Status(ctx context.Context, projectRef string) workflow.StatusView
	ListPending(ctx context.Context, actor string) ([]store.Request, error)
	History(ctx context.Context, actor, statusFilter string, limit int) ([]store.Request, error)
}

// Catalog lists the configured projects.
type Catalog interface {
	List() []project.Project
}

// Router provides embeddable HTTP handlers for the startup workflow.
// Endpoints, relative to basePath:
//
//	POST /projects/:project/start          body: {"request_reason": "..."} (optional)
//	GET  /projects/:project/status
//	POST /projects/:project/stop
//	GET  /projects
//	GET  /startup-requests/pending
//	GET  /startup-requests/history         query: status=approved,rejected|all&limit=50
//	POST /startup-requests/:id/approve
//	POST /startup-requests/:id/reject      body: {"reject_reason": "..."}
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      Workflow
	projects Catalog
	auth     *auth.Middleware
	metrics  http.Handler
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router. A nil middleware trusts the X-Actor header.
func NewRouter(svc Workflow, projects Catalog, mw *auth.Middleware, basePath string, log *slog.Logger) *Router {
	if mw == nil {
		mw = auth.NewMiddleware(nil, false)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{svc: svc, projects: projects, auth: mw, basePath: sanitizeBase(basePath), log: log}
}

// WithMetrics serves h at /metrics, outside the base path and without auth.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.Use(r.auth.GinAuth())
	group.GET("/projects", r.handleProjects)
	group.POST("/projects/:project/start", r.handleStart)
	group.GET("/projects/:project/status", r.handleStatus)
	group.POST("/projects/:project/stop", r.handleStop)
	group.GET("/startup-requests/pending", r.handlePending)
	group.GET("/startup-requests/history", r.handleHistory)
	group.POST("/startup-requests/:id/approve", r.handleApprove)
	group.POST("/startup-requests/:id/reject", r.handleReject)
	return g
}

// NewServer returns an http.Server for h. tlsCfg may be nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type startReq struct {
	RequestReason string `json:"request_reason"`
}

type rejectReq struct {
	RejectReason string `json:"reject_reason"`
}

type projectResp struct {
	Ref     string `json:"ref"`
	Name    string `json:"name"`
	Script  string `json:"script"`
	Running bool   `json:"running"`
}

func (r *Router) handleProjects(c *gin.Context) {
	ps := r.projects.List()
	out := make([]projectResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, projectResp{
			Ref:     p.Ref,
			Name:    p.Name,
			Script:  p.Script,
			Running: r.svc.Status(c.Request.Context(), p.Ref).IsRunning,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStart(c *gin.Context) {
	ref, ok := projectParam(c)
	if !ok {
		return
	}
	var body startReq
	// the body is optional
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rec, err := r.svc.Submit(c.Request.Context(), workflow.SubmitInput{
		ProjectRef:   ref,
		RequesterRef: actorOf(c),
		Reason:       body.RequestReason,
	})
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStatus(c *gin.Context) {
	ref, ok := projectParam(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.svc.Status(c.Request.Context(), ref))
}

func (r *Router) handleStop(c *gin.Context) {
	ref, ok := projectParam(c)
	if !ok {
		return
	}
	res, err := r.svc.Stop(c.Request.Context(), ref, actorOf(c))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handlePending(c *gin.Context) {
	recs, err := r.svc.ListPending(c.Request.Context(), actorOf(c))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, nonNil(recs))
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative number"})
			return
		}
		limit = n
	}
	recs, err := r.svc.History(c.Request.Context(), actorOf(c), c.Query("status"), limit)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, nonNil(recs))
}

func (r *Router) handleApprove(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rec, err := r.svc.Approve(c.Request.Context(), id, actorOf(c))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleReject(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body rejectReq
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rec, err := r.svc.Reject(c.Request.Context(), id, actorOf(c), body.RejectReason)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		r.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
