// Package httpapi implements the HTTP API gateway for ngome.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 10 MB)
//   - Per-caller rate limiting via token bucket
//   - All executions logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/ngome/internal/contentstore"
	"github.com/jkaninda/ngome/internal/engine"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/quota"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/registry"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/ngome/internal/syncer"
)

const defaultMaxRequestSize = 10 << 20 // 10 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKey         string // Empty = no authentication (development only).
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 10 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz endpoint.
	Metrics         *observability.Metrics       // Metrics for HTTP middleware.
	Tracer          trace.Tracer                 // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway over the workspace engine.
type Gateway struct {
	config  Config
	engine  *engine.Engine
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket event endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, eng *engine.Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxBody := cfg.MaxRequestSize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		engine:  eng,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxBody)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket event endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "ngome",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{
			observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		}, middlewares...)
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", middlewares...)

	// Workspace endpoints.
	g.group.Post("/workspaces", g.handleWorkspaceCreate,
		okapi.DocSummary("Create (or ensure) a workspace sandbox"),
		okapi.DocTags("Workspaces"),
		okapi.DocRequestBody(WorkspaceCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, WorkspaceCreateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/workspaces", g.handleWorkspaceList,
		okapi.DocSummary("List all workspaces"),
		okapi.DocTags("Workspaces"),
		okapi.DocResponse([]engine.WorkspaceInfo{}),
	)
	g.group.Get("/workspaces/{id}", g.handleWorkspaceGet,
		okapi.DocSummary("Get workspace metadata and storage usage"),
		okapi.DocTags("Workspaces"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocResponse(engine.WorkspaceInfo{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/workspaces/{id}", g.handleWorkspaceDelete,
		okapi.DocSummary("Delete a workspace sandbox and its record"),
		okapi.DocTags("Workspaces"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// File endpoints.
	g.group.Post("/workspaces/{id}/files", g.handleFileWrite,
		okapi.DocSummary("Write a file into the sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocRequestBody(FileWriteRequest{}),
		okapi.DocResponse(http.StatusCreated, FileWriteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
	)
	g.group.Get("/workspaces/{id}/files", g.handleFileRead,
		okapi.DocSummary("Read a file from the sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocResponse(FileReadResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/workspaces/{id}/ls", g.handleFileList,
		okapi.DocSummary("List a sandbox directory"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocResponse([]registry.FileEntry{}),
	)
	g.group.Delete("/workspaces/{id}/files", g.handleFileDelete,
		okapi.DocSummary("Delete a file or directory from the sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Execution endpoint.
	g.group.Post("/workspaces/{id}/exec", g.handleExec,
		okapi.DocSummary("Execute a command inside the sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(executor.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Sync endpoints.
	g.group.Post("/workspaces/{id}/sync", g.handleSync,
		okapi.DocSummary("Snapshot the sandbox into the content store"),
		okapi.DocTags("Sync"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocResponse(syncer.Report{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/workspaces/{id}/restore", g.handleRestore,
		okapi.DocSummary("Restore a sandbox from a synced manifest"),
		okapi.DocTags("Sync"),
		okapi.DocPathParam("id", "string", "Workspace ID"),
		okapi.DocRequestBody(RestoreRequest{}),
		okapi.DocResponse(RestoreResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket event endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Workspace handlers ---

// WorkspaceCreateRequest is the JSON body for POST /v1/workspaces.
type WorkspaceCreateRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

// WorkspaceCreateResponse is the JSON response for POST /v1/workspaces.
type WorkspaceCreateResponse struct {
	WorkspaceID string `json:"workspace_id"`
	SandboxRoot string `json:"sandbox_root"`
}

func (g *Gateway) handleWorkspaceCreate(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req WorkspaceCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.WorkspaceID == "" {
		return c.AbortBadRequest("workspace_id is required")
	}

	root, err := g.engine.EnsureSandbox(c.Context(), req.WorkspaceID)
	if err != nil {
		return g.engineError(c, err)
	}
	return c.JSON(http.StatusCreated, WorkspaceCreateResponse{
		WorkspaceID: req.WorkspaceID,
		SandboxRoot: root,
	})
}

func (g *Gateway) handleWorkspaceList(c *okapi.Context) error {
	infos, err := g.engine.Workspaces(c.Context())
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(infos)
}

func (g *Gateway) handleWorkspaceGet(c *okapi.Context) error {
	info, err := g.engine.Workspace(c.Context(), c.Param("id"))
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(info)
}

func (g *Gateway) handleWorkspaceDelete(c *okapi.Context) error {
	if err := g.engine.DeleteSandbox(c.Context(), c.Param("id")); err != nil {
		return g.engineError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

// --- File handlers ---

// FileWriteRequest is the JSON body for POST /v1/workspaces/{id}/files.
type FileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileWriteResponse is the JSON response after a successful write.
type FileWriteResponse struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

func (g *Gateway) handleFileWrite(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req FileWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	workspaceID := c.Param("id")
	if err := g.engine.WriteFile(c.Context(), workspaceID, req.Path, []byte(req.Content)); err != nil {
		return g.engineError(c, err)
	}
	return c.JSON(http.StatusCreated, FileWriteResponse{
		Path:  req.Path,
		Bytes: len(req.Content),
	})
}

// FileReadResponse is the JSON response for GET /v1/workspaces/{id}/files.
type FileReadResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return c.AbortBadRequest("path query parameter is required")
	}
	data, err := g.engine.ReadFile(c.Context(), c.Param("id"), path)
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(FileReadResponse{Path: path, Content: string(data)})
}

func (g *Gateway) handleFileList(c *okapi.Context) error {
	entries, err := g.engine.ListFiles(c.Context(), c.Param("id"), c.Request().URL.Query().Get("path"))
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(entries)
}

func (g *Gateway) handleFileDelete(c *okapi.Context) error {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return c.AbortBadRequest("path query parameter is required")
	}
	if err := g.engine.DeleteFile(c.Context(), c.Param("id"), path); err != nil {
		return g.engineError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

// --- Execution handler ---

// ExecRequest is the JSON body for POST /v1/workspaces/{id}/exec.
type ExecRequest struct {
	Command        string            `json:"command"`
	Backend        string            `json:"backend,omitempty"` // native, container, wasm. Empty = default.
	Module         string            `json:"module,omitempty"`  // WASM module path; forces the wasm backend.
	ModuleArgs     []string          `json:"module_args,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" && req.Module == "" {
		return c.AbortBadRequest("command or module is required")
	}

	workspaceID := c.Param("id")
	opts := engine.ExecOptions{
		Backend:    req.Backend,
		Module:     req.Module,
		ModuleArgs: req.ModuleArgs,
		Env:        req.Env,
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	res, err := g.engine.Execute(c.Context(), workspaceID, req.Command, opts)
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(res)
}

// --- Sync handlers ---

func (g *Gateway) handleSync(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	report, err := g.engine.Sync(c.Context(), c.Param("id"))
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(report)
}

// RestoreRequest is the JSON body for POST /v1/workspaces/{id}/restore.
type RestoreRequest struct {
	ManifestID string `json:"manifest_id"`
}

// RestoreResponse reports how many files a restore materialized.
type RestoreResponse struct {
	ManifestID    string `json:"manifest_id"`
	RestoredFiles int    `json:"restored_files"`
}

func (g *Gateway) handleRestore(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req RestoreRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ManifestID == "" {
		return c.AbortBadRequest("manifest_id is required")
	}

	restored, err := g.engine.Restore(c.Context(), c.Param("id"), req.ManifestID)
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(RestoreResponse{ManifestID: req.ManifestID, RestoredFiles: restored})
}

// --- Health handlers ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key. An empty configured key disables
// authentication entirely (development mode).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.APIKey == "" {
			c.Set("caller", callerKey(c))
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("caller", callerKey(c))
		return next(c)
	}
}

// callerKey identifies a caller for rate limiting: the remote host.
func callerKey(c *okapi.Context) string {
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}

// allow applies the rate limit to mutating endpoints.
func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(c.GetString("caller")); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// --- Helpers ---

// engineError maps engine errors to appropriate HTTP responses.
func (g *Gateway) engineError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, policy.ErrValidation):
		return c.JSON(http.StatusBadRequest, okapi.M{"error": err.Error()})
	case errors.Is(err, quota.ErrQuotaExceeded):
		return c.JSON(http.StatusRequestEntityTooLarge, okapi.M{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, contentstore.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "not found"})
	case errors.Is(err, syncer.ErrSyncFailed):
		return c.JSON(http.StatusBadGateway, okapi.M{"error": err.Error()})
	default:
		g.logger.Error("request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("internal error")
	}
}
