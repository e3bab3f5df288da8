// Package server exposes the build orchestration over HTTP. The handlers are
// embeddable (Handler returns a plain http.Handler for any mux) and the same
// surface backs the standalone daemon.
//
// Endpoints under {basePath}:
//
//	POST   /sessions               body: {prompt, template?} -> 202 {sessionId}
//	GET    /sessions               recent archive rows (404 without a store)
//	GET    /sessions/:id/progress  poll the session record (drains new logs)
//	GET    /sessions/:id/events    SSE stream of session events
//	POST   /sessions/:id/chat      body: {message} -> change result
//	DELETE /sessions/:id           kill the dev server and evict subscribers
//	GET    /healthz                liveness, never authenticated
//
// basePath may be empty or start with '/'; no trailing slash.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/appdraft/appdraft/internal/store"
	"github.com/appdraft/appdraft/internal/workflow"
)

// Options carries the optional knobs of a Router.
type Options struct {
	BasePath  string
	AuthToken string      // non-empty enables bearer auth on every endpoint but healthz
	Archive   store.Store // nil disables GET /sessions
}

type Router struct {
	wf       *workflow.Workflow
	archive  store.Store
	basePath string
	token    string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api/v1" results in /api/v1/sessions etc.
func NewRouter(wf *workflow.Workflow, opts Options) *Router {
	return &Router{
		wf:       wf,
		archive:  opts.Archive,
		basePath: sanitizeBase(opts.BasePath),
		token:    opts.AuthToken,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)

	authed := group.Group("")
	if r.token != "" {
		authed.Use(r.requireToken)
	}
	authed.POST("/sessions", r.handleCreate)
	authed.GET("/sessions", r.handleList)
	authed.GET("/sessions/:id/progress", r.handleProgress)
	authed.GET("/sessions/:id/events", r.handleEvents)
	authed.POST("/sessions/:id/chat", r.handleChat)
	authed.DELETE("/sessions/:id", r.handleClose)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// WriteTimeout stays zero: the event stream holds its response open for the
// whole life of the subscription.
func NewServer(addr string, wf *workflow.Workflow, opts Options) (*http.Server, error) {
	r := NewRouter(wf, opts)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type createReq struct {
	Prompt   string `json:"prompt"`
	Template string `json:"template"`
}

type createResp struct {
	SessionID string `json:"sessionId"`
}

type chatReq struct {
	Message string `json:"message"`
}

// sessionRow is the archive row as served; it hides database/sql null types.
type sessionRow struct {
	SessionID  string     `json:"sessionId"`
	Prompt     string     `json:"prompt"`
	Template   string     `json:"template"`
	Port       int        `json:"port,omitempty"`
	URL        string     `json:"url,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func toSessionRow(s store.Session) sessionRow {
	row := sessionRow{
		SessionID: s.SessionID,
		Prompt:    s.Prompt,
		Template:  s.Template,
		Port:      s.Port,
		URL:       s.URL,
		Status:    s.Status,
		StartedAt: s.StartedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Error.Valid {
		row.Error = s.Error.String
	}
	if s.FinishedAt.Valid {
		t := s.FinishedAt.Time
		row.FinishedAt = &t
	}
	return row
}

func (r *Router) requireToken(c *gin.Context) {
	const scheme = "Bearer "
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, scheme) ||
		subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(h, scheme)), []byte(r.token)) != 1 {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "missing or invalid bearer token"})
		c.Abort()
		return
	}
	c.Next()
}

func (r *Router) handleCreate(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "prompt required"})
		return
	}
	id := uuid.NewString()
	// The build outlives this request; detach it from the request context.
	go func() {
		if err := r.wf.StartBuild(context.Background(), id, req.Prompt, req.Template); err != nil {
			slog.Error("Build failed", "session", id, "error", err)
		}
	}()
	writeJSON(c, http.StatusAccepted, createResp{SessionID: id})
}

func (r *Router) handleProgress(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid session id"})
		return
	}
	writeJSON(c, http.StatusOK, r.wf.Progress(id))
}

func (r *Router) handleChat(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid session id"})
		return
	}
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "message required"})
		return
	}
	res, err := r.wf.ApplyChange(c.Request.Context(), id, req.Message)
	if err != nil {
		if errors.Is(err, workflow.ErrNoWorkspace) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleClose(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid session id"})
		return
	}
	r.wf.Cleanup(id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleList(c *gin.Context) {
	if r.archive == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "session archive not configured"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	if limit > 200 {
		limit = 200
	}
	sessions, err := r.archive.ListRecent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	rows := make([]sessionRow, len(sessions))
	for i, s := range sessions {
		rows[i] = toSessionRow(s)
	}
	writeJSON(c, http.StatusOK, rows)
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
