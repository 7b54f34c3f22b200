// Package engine is the workspace execution facade. It composes the
// policy layer, quota accounting, the sandbox registry, the execution
// backends and the syncer behind one API, serializing operations per
// workspace and publishing structured events for everything it does.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/events"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/quota"
	"github.com/jkaninda/ngome/internal/registry"
	"github.com/jkaninda/ngome/internal/syncer"
)

// ExecOptions tunes one execution request.
type ExecOptions struct {
	// Backend is an explicit backend preference (native, container,
	// wasm). Empty means the configured default.
	Backend string
	// Module names a WASM module, relative to the sandbox root or
	// absolute. When set, WASM execution takes precedence over any
	// other preference.
	Module     string
	ModuleArgs []string

	Timeout time.Duration
	Env     map[string]string
	Limits  executor.ResourceLimits
}

// Config carries engine-level settings.
type Config struct {
	// DefaultBackend used when a request has no preference.
	DefaultBackend string
}

// Engine orchestrates all workspace sandbox operations.
type Engine struct {
	reg        *registry.Registry
	accountant *quota.Accountant
	syncer     *syncer.Syncer
	bus        *events.Bus
	metrics    *observability.Metrics
	logger     *slog.Logger

	native    *executor.NativeBackend
	container *executor.ContainerBackend
	wasm      *executor.WASMBackend

	defaultBackend string

	// locks serializes operations per workspace. Different workspaces
	// never contend.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wires the engine from its injected collaborators. metrics may be
// nil when observability is disabled.
func New(
	cfg Config,
	reg *registry.Registry,
	accountant *quota.Accountant,
	sy *syncer.Syncer,
	native *executor.NativeBackend,
	container *executor.ContainerBackend,
	wasm *executor.WASMBackend,
	bus *events.Bus,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Engine {
	defaultBackend := cfg.DefaultBackend
	if defaultBackend == "" {
		defaultBackend = executor.KindNative
	}
	return &Engine{
		reg:            reg,
		accountant:     accountant,
		syncer:         sy,
		bus:            bus,
		metrics:        metrics,
		logger:         logger,
		native:         native,
		container:      container,
		wasm:           wasm,
		defaultBackend: defaultBackend,
		locks:          make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex for one workspace, creating it on first use.
func (e *Engine) lock(workspaceID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[workspaceID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[workspaceID] = mu
	}
	return mu
}

// EnsureSandbox materializes the sandbox for a workspace and returns
// its root path.
func (e *Engine) EnsureSandbox(ctx context.Context, workspaceID string) (string, error) {
	mu := e.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	existed := e.reg.Exists(workspaceID)
	root, err := e.reg.Ensure(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	if !existed {
		e.bus.Publish(events.TypeSandboxCreated, workspaceID, map[string]any{"root": root})
	}
	return root, nil
}

// WriteFile stores content at a sandbox-relative path, enforcing path
// policy, extension policy and the storage quota before any byte hits
// disk.
func (e *Engine) WriteFile(ctx context.Context, workspaceID, relPath string, content []byte) error {
	mu := e.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	// 1. Policy first: id, path shape, extension.
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return err
	}
	clean, err := policy.ValidatePath(relPath)
	if err != nil {
		e.denied(workspaceID, "path", relPath, err)
		return err
	}
	if err := policy.ValidateExtension(clean); err != nil {
		e.denied(workspaceID, "extension", clean, err)
		return err
	}

	// 2. Materialize the sandbox and re-check containment on the
	// resolved destination.
	root, err := e.reg.Ensure(ctx, workspaceID)
	if err != nil {
		return err
	}
	dest, err := policy.ResolveWithinRoot(root, filepath.Join(root, filepath.FromSlash(clean)))
	if err != nil {
		e.denied(workspaceID, "path", clean, err)
		return err
	}

	// 3. Quota: current usage plus the incoming bytes must fit.
	if err := e.accountant.CheckWrite(root, int64(len(content))); err != nil {
		e.bus.Publish(events.TypeQuotaRejected, workspaceID, map[string]any{
			"path":           clean,
			"incoming_bytes": len(content),
		})
		if e.metrics != nil {
			e.metrics.RecordQuotaRejection()
		}
		return err
	}

	// 4. Write.
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", clean, err)
	}
	if err := os.WriteFile(dest, content, 0640); err != nil {
		return fmt.Errorf("writing %s: %w", clean, err)
	}

	e.bus.Publish(events.TypeFileWritten, workspaceID, map[string]any{
		"path":  clean,
		"bytes": len(content),
	})
	return nil
}

// ReadFile returns the content of a sandbox-relative path.
func (e *Engine) ReadFile(ctx context.Context, workspaceID, relPath string) ([]byte, error) {
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	clean, err := policy.ValidatePath(relPath)
	if err != nil {
		e.denied(workspaceID, "path", relPath, err)
		return nil, err
	}

	root, err := e.reg.Ensure(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	src, err := policy.ResolveWithinRoot(root, filepath.Join(root, filepath.FromSlash(clean)))
	if err != nil {
		e.denied(workspaceID, "path", clean, err)
		return nil, err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", clean, err)
	}
	return data, nil
}

// ListFiles lists a sandbox directory; empty relPath lists the root.
func (e *Engine) ListFiles(ctx context.Context, workspaceID, relPath string) ([]registry.FileEntry, error) {
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	clean := ""
	if relPath != "" && relPath != "." {
		var err error
		clean, err = policy.ValidatePath(relPath)
		if err != nil {
			e.denied(workspaceID, "path", relPath, err)
			return nil, err
		}
	}
	if _, err := e.reg.Ensure(ctx, workspaceID); err != nil {
		return nil, err
	}
	return e.reg.List(workspaceID, clean)
}

// DeleteFile removes a file or directory inside the sandbox. The
// skeleton directories themselves cannot be deleted.
func (e *Engine) DeleteFile(ctx context.Context, workspaceID, relPath string) error {
	mu := e.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return err
	}
	clean, err := policy.ValidatePath(relPath)
	if err != nil {
		e.denied(workspaceID, "path", relPath, err)
		return err
	}
	if err := policy.ValidateDeletable(clean); err != nil {
		e.denied(workspaceID, "delete", clean, err)
		return err
	}

	root, err := e.reg.Ensure(ctx, workspaceID)
	if err != nil {
		return err
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	if _, err := policy.ResolveWithinRoot(root, target); err != nil {
		e.denied(workspaceID, "path", clean, err)
		return err
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("deleting %s: %w", clean, err)
	}

	e.bus.Publish(events.TypeFileDeleted, workspaceID, map[string]any{"path": clean})
	return nil
}

// Execute runs a command through the selection rules: an explicit
// preference wins over the default, a named WASM module wins over
// everything, and a requested-but-unavailable container backend falls
// back to native with a degraded-mode event instead of failing.
func (e *Engine) Execute(ctx context.Context, workspaceID, command string, opts ExecOptions) (*executor.Result, error) {
	mu := e.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	// 1. Policy.
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	backend, err := e.selectBackend(ctx, workspaceID, command, opts)
	if err != nil {
		return nil, err
	}
	if backend.Kind() != executor.KindWASM {
		if err := policy.ValidateCommand(command); err != nil {
			e.denied(workspaceID, "command", command, err)
			return nil, err
		}
	}

	// 2. Sandbox.
	root, err := e.reg.Ensure(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	// 3. Build the request.
	req := executor.Request{
		SandboxRoot: root,
		Command:     command,
		Timeout:     opts.Timeout,
		Env:         opts.Env,
		Limits:      opts.Limits,
		ModuleArgs:  opts.ModuleArgs,
	}
	if backend.Kind() == executor.KindWASM {
		req.ModulePath, err = e.resolveModulePath(root, opts.Module)
		if err != nil {
			e.denied(workspaceID, "wasm_module", opts.Module, err)
			return nil, err
		}
	}

	// 4. Execute.
	execID := uuid.NewString()
	e.bus.Publish(events.TypeExecStarted, workspaceID, map[string]any{
		"exec_id": execID,
		"backend": backend.Kind(),
		"command": command,
	})

	res, err := backend.Execute(ctx, req)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordExecution(backend.Kind(), "error", 0)
		}
		return nil, err
	}

	status := "success"
	if !res.Success {
		status = "failure"
	}
	e.bus.Publish(events.TypeExecFinished, workspaceID, map[string]any{
		"exec_id":   execID,
		"backend":   backend.Kind(),
		"success":   res.Success,
		"exit_code": res.ExitCode,
	})
	if e.metrics != nil {
		e.metrics.RecordExecution(backend.Kind(), status, res.Duration)
	}
	return res, nil
}

// selectBackend applies the precedence rules and the container
// fallback.
func (e *Engine) selectBackend(ctx context.Context, workspaceID, command string, opts ExecOptions) (executor.Backend, error) {
	// A named module always means WASM.
	if opts.Module != "" {
		return e.wasm, nil
	}

	kind := opts.Backend
	if kind == "" {
		kind = e.defaultBackend
	}

	switch kind {
	case executor.KindNative:
		return e.native, nil
	case executor.KindWASM:
		return nil, fmt.Errorf("%w: wasm backend requested without a module", policy.ErrValidation)
	case executor.KindContainer:
		if e.container != nil && e.container.Available(ctx) {
			return e.container, nil
		}
		e.logger.Warn("container backend unavailable, falling back to native",
			slog.String("workspace_id", workspaceID),
			slog.String("command", command),
		)
		e.bus.Publish(events.TypeBackendDegraded, workspaceID, map[string]any{
			"requested": executor.KindContainer,
			"fallback":  executor.KindNative,
		})
		if e.metrics != nil {
			e.metrics.RecordBackendFallback(executor.KindContainer)
		}
		return e.native, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", policy.ErrValidation, kind)
	}
}

// resolveModulePath accepts an absolute module path or resolves it
// against the sandbox root, enforcing containment for relative paths.
func (e *Engine) resolveModulePath(root, module string) (string, error) {
	if filepath.IsAbs(module) {
		return module, nil
	}
	clean, err := policy.ValidatePath(module)
	if err != nil {
		return "", err
	}
	resolved, err := policy.ResolveWithinRoot(root, filepath.Join(root, filepath.FromSlash(clean)))
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// Sync pushes the workspace's sandbox to the content store.
func (e *Engine) Sync(ctx context.Context, workspaceID string) (*syncer.Report, error) {
	mu := e.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	report, err := e.syncer.SyncToStore(ctx, workspaceID)
	if err != nil {
		e.bus.Publish(events.TypeSyncFailed, workspaceID, map[string]any{"error": err.Error()})
		if e.metrics != nil {
			e.metrics.RecordSync("failure")
		}
		return nil, err
	}

	e.bus.Publish(events.TypeSyncCompleted, workspaceID, map[string]any{
		"manifest_id": report.ManifestID,
		"files":       report.FileCount,
		"bytes":       report.TotalBytes,
	})
	if e.metrics != nil {
		e.metrics.RecordSync("success")
	}
	return report, nil
}

// Restore materializes a previously synced manifest into the sandbox.
func (e *Engine) Restore(ctx context.Context, workspaceID, manifestID string) (int, error) {
	mu := e.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	restored, err := e.syncer.RestoreFromStore(ctx, workspaceID, manifestID)
	if err != nil {
		return restored, err
	}
	e.bus.Publish(events.TypeRestoreDone, workspaceID, map[string]any{
		"manifest_id": manifestID,
		"files":       restored,
	})
	return restored, nil
}

// DeleteSandbox removes the workspace's entire sandbox and record.
func (e *Engine) DeleteSandbox(ctx context.Context, workspaceID string) error {
	mu := e.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.reg.Delete(ctx, workspaceID); err != nil {
		return err
	}
	e.bus.Publish(events.TypeSandboxDeleted, workspaceID, nil)
	return nil
}

// Workspace returns the persisted metadata for one workspace.
func (e *Engine) Workspace(ctx context.Context, workspaceID string) (*WorkspaceInfo, error) {
	if err := policy.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	rec, err := e.reg.Record(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	root := e.reg.SandboxRoot(workspaceID)
	used, err := e.accountant.DirSize(root)
	if err != nil {
		return nil, err
	}
	return &WorkspaceInfo{
		WorkspaceID:         rec.WorkspaceID,
		Namespace:           rec.Namespace,
		SandboxRoot:         root,
		CreatedAt:           rec.CreatedAt,
		UsedBytes:           used,
		MaxBytes:            e.accountant.MaxBytes(),
		LastSyncFingerprint: rec.LastSyncFingerprint,
		LastSyncedAt:        rec.LastSyncedAt,
	}, nil
}

// Workspaces lists the metadata of every known workspace.
func (e *Engine) Workspaces(ctx context.Context) ([]WorkspaceInfo, error) {
	recs, err := e.reg.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WorkspaceInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, WorkspaceInfo{
			WorkspaceID:         rec.WorkspaceID,
			Namespace:           rec.Namespace,
			SandboxRoot:         e.reg.SandboxRoot(rec.WorkspaceID),
			CreatedAt:           rec.CreatedAt,
			UsedBytes:           rec.TotalSizeBytes,
			MaxBytes:            e.accountant.MaxBytes(),
			LastSyncFingerprint: rec.LastSyncFingerprint,
			LastSyncedAt:        rec.LastSyncedAt,
		})
	}
	return out, nil
}

// WorkspaceInfo is the external view of one workspace's sandbox state.
type WorkspaceInfo struct {
	WorkspaceID         string     `json:"workspace_id"`
	Namespace           string     `json:"namespace"`
	SandboxRoot         string     `json:"sandbox_root"`
	CreatedAt           time.Time  `json:"created_at"`
	UsedBytes           int64      `json:"used_bytes"`
	MaxBytes            int64      `json:"max_bytes"`
	LastSyncFingerprint string     `json:"last_sync_fingerprint,omitempty"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
}

// denied publishes a policy-denial event and bumps the metric.
func (e *Engine) denied(workspaceID, kind, subject string, err error) {
	e.bus.Publish(events.TypePolicyDenied, workspaceID, map[string]any{
		"kind":    kind,
		"subject": subject,
		"error":   err.Error(),
	})
	if e.metrics != nil {
		e.metrics.RecordPolicyDenial(kind)
	}
}
