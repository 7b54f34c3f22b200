package executor

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newNative(t *testing.T) (*NativeBackend, string) {
	t.Helper()
	return NewNativeBackend(NativeConfig{}, testLogger()), t.TempDir()
}

func TestNative_Success(t *testing.T) {
	b, root := newNative(t)

	res, err := b.Execute(context.Background(), Request{
		SandboxRoot: root,
		Command:     "echo hello",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.ExitCode != 0 || res.Stdout != "hello\n" || res.Error != "" {
		t.Errorf("result = %+v", res)
	}
	if res.Duration <= 0 {
		t.Error("duration not measured")
	}
}

func TestNative_NonZeroExitIsResultNotError(t *testing.T) {
	b, root := newNative(t)

	res, err := b.Execute(context.Background(), Request{
		SandboxRoot: root,
		Command:     "echo oops >&2; exit 3",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Error != "" {
		t.Errorf("Error = %q, want empty for plain non-zero exit", res.Error)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestNative_TimeoutReturnsPartialOutput(t *testing.T) {
	b, root := newNative(t)

	res, err := b.Execute(context.Background(), Request{
		SandboxRoot: root,
		Command:     "echo partial; sleep 10",
		Timeout:     300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true for timed-out execution")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("Error = %q, want a timeout message", res.Error)
	}
	if res.Stdout != "partial\n" {
		t.Errorf("Stdout = %q, want partial output preserved", res.Stdout)
	}
}

func TestNative_RunsInSandboxRoot(t *testing.T) {
	b, root := newNative(t)

	res, err := b.Execute(context.Background(), Request{
		SandboxRoot: root,
		Command:     "pwd",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != root {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(res.Stdout), root)
	}
}

func TestNative_SanitizedEnvironment(t *testing.T) {
	t.Setenv("NGOME_SECRET_TOKEN", "leakme")
	b, root := newNative(t)

	res, err := b.Execute(context.Background(), Request{
		SandboxRoot: root,
		Command:     "env",
		Env:         map[string]string{"EXTRA": "yes"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Stdout, "NGOME_SECRET_TOKEN") {
		t.Error("host environment leaked into sandbox")
	}
	if !strings.Contains(res.Stdout, "HOME="+root) {
		t.Errorf("HOME not redirected into sandbox:\n%s", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "EXTRA=yes") {
		t.Error("request env var missing")
	}
}

func TestNative_EmptyCommandRejected(t *testing.T) {
	b, root := newNative(t)
	if _, err := b.Execute(context.Background(), Request{SandboxRoot: root}); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := b.Execute(context.Background(), Request{Command: "echo"}); err == nil {
		t.Error("missing sandbox root accepted")
	}
}

func TestNative_OutputCapped(t *testing.T) {
	b, root := newNative(t)

	// Emit ~2 MB; capture must stop at the cap without failing.
	res, err := b.Execute(context.Background(), Request{
		SandboxRoot: root,
		Command:     "head -c 2097152 /dev/zero | tr '\\0' 'a'",
		Timeout:     30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stdout) > maxOutputBytes {
		t.Errorf("stdout length %d exceeds cap %d", len(res.Stdout), maxOutputBytes)
	}
}
