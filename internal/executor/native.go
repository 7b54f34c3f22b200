package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// NativeConfig configures the native process backend.
type NativeConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
}

// NativeBackend executes commands as OS processes confined to the
// sandbox root.
//
// Security guarantees:
//   - Working directory is the sandbox root
//   - HOME and TMPDIR are redirected into the sandbox, so dotfiles and
//     temp files cannot land outside it
//   - Process runs in its own process group (Setpgid); the entire
//     group is killed on timeout/cancel
//   - No environment inheritance from the service process — only a
//     minimal safe set plus request extras
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type NativeBackend struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	logger         *slog.Logger
}

// NewNativeBackend creates the native process backend.
func NewNativeBackend(cfg NativeConfig, logger *slog.Logger) *NativeBackend {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	return &NativeBackend{
		defaultTimeout: timeout,
		defaultLimits:  limits,
		logger:         logger,
	}
}

func (b *NativeBackend) Kind() string { return KindNative }

// Execute runs a shell command line inside the sandbox root.
func (b *NativeBackend) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if req.SandboxRoot == "" {
		return nil, fmt.Errorf("missing sandbox root")
	}

	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Temp space lives inside the sandbox so cleanup and quota
	// accounting both see it.
	tmpDir := filepath.Join(req.SandboxRoot, ".tmp")
	if err := os.MkdirAll(tmpDir, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			b.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	// 3. Resolve resource limits.
	limits := b.resolveLimits(req.Limits)

	// 4. Wrap with ulimit enforcement. The command line is passed as a
	// positional parameter, never interpolated into the wrapper script.
	memKB := limits.MaxMemoryMB * 1024
	wrapper := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		memKB, limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", wrapper, "_", req.Command)
	cmd.Dir = req.SandboxRoot

	// 5. Process group isolation — kill the whole group on cancel so
	// children spawned by the command die too.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// 6. Sanitized environment — no inheritance from the service.
	cmd.Env = b.buildEnv(req.SandboxRoot, tmpDir, req.Env)

	// 7. Capture stdout/stderr with size cap.
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	// 8. Execute and measure.
	b.logger.Info("native backend executing",
		slog.String("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// 9. Interpret the result.
	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.Warn("native execution timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return timeoutResult(timeout, stdoutBuf.String(), stderrBuf.String(), duration), nil
		}

		// Non-zero exit code is not an error — it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	b.logger.Info("native execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &Result{
		Success:  exitCode == 0,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (b *NativeBackend) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := b.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// buildEnv constructs a minimal environment rooted inside the sandbox.
// The service's own environment is never inherited, so credentials
// cannot leak into sandboxed commands.
func (b *NativeBackend) buildEnv(sandboxRoot, tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + sandboxRoot,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

var _ Backend = (*NativeBackend)(nil)
