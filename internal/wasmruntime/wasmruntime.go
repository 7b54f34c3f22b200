// Package wasmruntime defines the external WASM runtime collaborator
// and a wasmtime-CLI implementation of it.
package wasmruntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

const (
	defaultWasmtimeBinary = "wasmtime"
	defaultRunTimeout     = 30 * time.Second

	// maxOutputBytes caps captured stdout/stderr per run.
	maxOutputBytes = 1 << 20 // 1 MB
)

// ErrUnavailable is returned when the runtime binary cannot be found.
var ErrUnavailable = errors.New("wasm runtime unavailable")

// RunOptions carries the argument and environment vectors for a module
// invocation.
type RunOptions struct {
	Args    []string
	Env     map[string]string
	Timeout time.Duration // 0 = runtime default.
	Dir     string        // Preopened directory granted to the module.
}

// RunResult is the captured output of a module invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runtime is the WASM execution collaborator.
type Runtime interface {
	Run(ctx context.Context, modulePath string, opts RunOptions) (*RunResult, error)
}

// WasmtimeConfig configures the wasmtime-CLI runtime.
type WasmtimeConfig struct {
	Binary         string        // Path to the wasmtime binary.
	DefaultTimeout time.Duration // Wall-clock timeout per run.
}

// WasmtimeRuntime runs modules through the wasmtime CLI. Modules get no
// host access beyond an optionally preopened directory; stdout/stderr
// are capped like the other backends.
type WasmtimeRuntime struct {
	config WasmtimeConfig
	logger *slog.Logger
}

// NewWasmtimeRuntime creates a wasmtime-backed WASM runtime.
func NewWasmtimeRuntime(cfg WasmtimeConfig, logger *slog.Logger) *WasmtimeRuntime {
	if cfg.Binary == "" {
		cfg.Binary = defaultWasmtimeBinary
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultRunTimeout
	}
	return &WasmtimeRuntime{
		config: cfg,
		logger: logger,
	}
}

// Run executes a module and captures its output.
func (r *WasmtimeRuntime) Run(ctx context.Context, modulePath string, opts RunOptions) (*RunResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = r.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"run"}
	if opts.Dir != "" {
		args = append(args, "--dir", opts.Dir)
	}
	for k, v := range opts.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, modulePath)
	args = append(args, opts.Args...)

	cmd := exec.CommandContext(ctx, r.config.Binary, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Info("wasm module executing",
		slog.String("module", modulePath),
		slog.Any("args", opts.Args),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrNotFound):
			return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, r.config.Binary)
		default:
			return nil, fmt.Errorf("wasm execution failed: %w", runErr)
		}
	}

	r.logger.Info("wasm module completed",
		slog.String("module", modulePath),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &RunResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

type cappedWriter struct {
	w         io.Writer
	remaining int
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	if cw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > cw.remaining {
		p = p[:cw.remaining]
	}
	n, err := cw.w.Write(p)
	cw.remaining -= n
	return n, err
}

var _ Runtime = (*WasmtimeRuntime)(nil)
