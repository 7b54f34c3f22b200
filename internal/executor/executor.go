// Package executor implements the interchangeable execution backends:
// native OS process, containerized job, and WASM module. Each backend
// runs a command inside one workspace's sandbox and reports a uniform
// non-throwing result.
package executor

import (
	"context"
	"io"
	"time"
)

// Backend kinds. An explicit per-call preference selects among these;
// the engine owns the selection rules.
const (
	KindNative    = "native"
	KindContainer = "container"
	KindWASM      = "wasm"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// ResourceLimits bounds one execution. Zero values fall back to
// backend defaults.
type ResourceLimits struct {
	MaxCPUSeconds int
	MaxMemoryMB   int
	GPU           bool
}

// Request describes one command execution inside a sandbox.
type Request struct {
	SandboxRoot string            // Absolute sandbox root on the host.
	Command     string            // Shell command line (already policy-checked).
	Timeout     time.Duration     // 0 = backend default.
	Env         map[string]string // Extra environment variables.
	Limits      ResourceLimits

	// WASM-only fields.
	ModulePath string   // Resolved absolute path to the .wasm module.
	ModuleArgs []string // Argument vector passed to the module.
}

// Result is the uniform outcome of an execution. Failures the sandboxed
// command can cause — non-zero exit, timeout — are reported here, not
// as Go errors: a non-zero exit sets Success=false with no Error text,
// a timeout sets Success=false with Error set and whatever partial
// output was captured.
type Result struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Backend is one isolation strategy. Execute returns a Go error only
// for infrastructure faults (backend unreachable, invalid request); the
// command's own outcome always lands in the Result.
type Backend interface {
	Kind() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// timeoutResult builds the uniform timed-out result with whatever
// partial output was captured.
func timeoutResult(timeout time.Duration, stdout, stderr string, duration time.Duration) *Result {
	return &Result{
		Success:  false,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: -1,
		Error:    "execution timed out after " + timeout.String(),
		Duration: duration,
	}
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
