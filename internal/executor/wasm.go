package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/wasmruntime"
)

// WASMConfig configures the WASM backend.
type WASMConfig struct {
	DefaultTimeout time.Duration
}

// WASMBackend executes modules through an injected WASM runtime. The
// module path is resolved by the engine before the request reaches this
// backend; a missing module file is a validation rejection, not a
// runtime failure.
type WASMBackend struct {
	runtime wasmruntime.Runtime
	config  WASMConfig
	logger  *slog.Logger
}

// NewWASMBackend creates the WASM backend over an injected runtime.
func NewWASMBackend(rt wasmruntime.Runtime, cfg WASMConfig, logger *slog.Logger) *WASMBackend {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &WASMBackend{
		runtime: rt,
		config:  cfg,
		logger:  logger,
	}
}

func (b *WASMBackend) Kind() string { return KindWASM }

// Execute runs the module named in the request.
func (b *WASMBackend) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.ModulePath == "" {
		return nil, fmt.Errorf("%w: no wasm module specified", policy.ErrValidation)
	}

	// Verify the module exists before touching the runtime.
	if info, err := os.Stat(req.ModulePath); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: wasm module not found: %s", policy.ErrValidation, req.ModulePath)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.config.DefaultTimeout
	}

	b.logger.Info("wasm backend executing",
		slog.String("module", req.ModulePath),
		slog.Any("args", req.ModuleArgs),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	out, err := b.runtime.Run(ctx, req.ModulePath, wasmruntime.RunOptions{
		Args:    req.ModuleArgs,
		Env:     req.Env,
		Timeout: timeout,
		Dir:     req.SandboxRoot,
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn("wasm execution timed out",
				slog.String("module", req.ModulePath),
				slog.Duration("timeout", timeout),
			)
			return timeoutResult(timeout, "", "", duration), nil
		}
		return nil, fmt.Errorf("running wasm module: %w", err)
	}

	return &Result{
		Success:  out.ExitCode == 0,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Duration: out.Duration,
	}, nil
}

var _ Backend = (*WASMBackend)(nil)
