package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/enginectl/internal/registry"
	"github.com/loykin/enginectl/internal/supervisor"
)

// Engine is the part of supervisor.Service the control API drives.
type Engine interface {
	Start(ctx context.Context) (registry.ServerInfo, error)
	Stop(ctx context.Context) error
	Abort() bool
	Query() (registry.ServerInfo, bool)
}

// Router provides embeddable HTTP handlers for controlling the engine.
// Endpoints:
//
//	POST {basePath}/start   starts or returns the running engine
//	POST {basePath}/stop    kills the engine
//	POST {basePath}/abort   cancels a start in progress
//	GET  {basePath}/status  ServerInfo, 204 when not started
//	GET  {basePath}/events  WebSocket event stream (when a hub is set)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	eng      Engine
	events   http.Handler
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router. events may be nil to disable /events.
func NewRouter(eng Engine, events http.Handler, basePath string) *Router {
	return &Router{eng: eng, events: events, basePath: sanitizeBase(basePath), log: slog.Default()}
}

// WithLogger sets the logger used for request failures.
func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.log = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Mount(g.Group(r.basePath))
	return g
}

// Mount registers the endpoints on an existing gin group.
func (r *Router) Mount(group *gin.RouterGroup) {
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/abort", r.handleAbort)
	group.GET("/status", r.handleStatus)
	if r.events != nil {
		group.GET("/events", gin.WrapH(r.events))
	}
}

// NewServer returns a standalone HTTP server on addr using this router.
// The caller runs ListenAndServe and shuts it down.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// starts may legitimately take as long as the readiness budget
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string          `json:"error"`
	Kind  supervisor.Kind `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type abortResp struct {
	Aborted bool `json:"aborted"`
}

func (r *Router) fail(c *gin.Context, op string, err error) {
	kind := supervisor.KindOf(err)
	code := statusFor(kind)
	if errors.Is(err, context.Canceled) && kind == "" {
		code = http.StatusConflict
	}
	if code >= http.StatusInternalServerError {
		r.log.Error("control request failed", "op", op, "kind", kind, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: kind})
}

func (r *Router) handleStart(c *gin.Context) {
	// a client that gives up waiting does not abort the start; /abort does
	info, err := r.eng.Start(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		r.fail(c, "start", err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.eng.Stop(c.Request.Context()); err != nil {
		r.fail(c, "stop", err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAbort(c *gin.Context) {
	writeJSON(c, http.StatusOK, abortResp{Aborted: r.eng.Abort()})
}

func (r *Router) handleStatus(c *gin.Context) {
	info, ok := r.eng.Query()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	writeJSON(c, http.StatusOK, info)
}
