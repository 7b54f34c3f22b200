package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/contentstore"
	"github.com/jkaninda/ngome/internal/events"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/orchestrator"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/quota"
	"github.com/jkaninda/ngome/internal/registry"
	sqlitestore "github.com/jkaninda/ngome/internal/storage/sqlite"
	"github.com/jkaninda/ngome/internal/syncer"
)

// downOrchestrator always reports unavailable, forcing native fallback.
type downOrchestrator struct{}

func (downOrchestrator) Available(context.Context) bool { return false }
func (downOrchestrator) Deploy(context.Context, orchestrator.JobSpec) (string, error) {
	return "", orchestrator.ErrUnavailable
}
func (downOrchestrator) Exec(context.Context, string, []string) (*orchestrator.ExecOutput, error) {
	return nil, orchestrator.ErrUnavailable
}
func (downOrchestrator) Stop(context.Context, string) error   { return nil }
func (downOrchestrator) Remove(context.Context, string) error { return nil }
func (downOrchestrator) Status(context.Context, string) (*orchestrator.ServiceStatus, error) {
	return nil, orchestrator.ErrUnavailable
}

func newTestEngine(t *testing.T, maxQuotaBytes int64) (*Engine, *events.Bus) {
	t.Helper()
	tmp := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := sqlitestore.Open(sqlitestore.Config{Path: filepath.Join(tmp, "meta.db")}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New(filepath.Join(tmp, "storage"), "default", store, logger)
	if err != nil {
		t.Fatal(err)
	}

	accountant := quota.NewAccountant(maxQuotaBytes)
	cs := contentstore.NewMemoryStore()
	sy := syncer.New(cs, reg, accountant, logger)
	bus := events.NewBus(logger)

	native := executor.NewNativeBackend(executor.NativeConfig{}, logger)
	container := executor.NewContainerBackend(downOrchestrator{}, executor.ContainerConfig{}, logger)
	wasm := executor.NewWASMBackend(nil, executor.WASMConfig{}, logger)

	eng := New(Config{}, reg, accountant, sy, native, container, wasm, bus, nil, logger)
	return eng, bus
}

func TestWriteRead_RoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()

	if err := eng.WriteFile(ctx, "ws1", "code/main.py", []byte("print('hi')\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := eng.ReadFile(ctx, "ws1", "code/main.py")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "print('hi')\n" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteFile_PolicyRejections(t *testing.T) {
	eng, bus := newTestEngine(t, 0)
	ctx := context.Background()

	ch, cancel := bus.Subscribe()
	defer cancel()

	cases := []struct {
		name, path string
	}{
		{"traversal", "../../etc/passwd"},
		{"absolute", "/etc/passwd"},
		{"unknown extension", "code/a.xyz123"},
	}
	for _, tc := range cases {
		if err := eng.WriteFile(ctx, "ws1", tc.path, []byte("x")); !errors.Is(err, policy.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}

	// Each rejection publishes a policy.denied event.
	denials := 0
	deadline := time.After(time.Second)
	for denials < len(cases) {
		select {
		case ev := <-ch:
			if ev.Type == events.TypePolicyDenied {
				denials++
			}
		case <-deadline:
			t.Fatalf("saw %d policy.denied events, want %d", denials, len(cases))
		}
	}
}

func TestWriteFile_QuotaRejected(t *testing.T) {
	eng, bus := newTestEngine(t, 100)
	ctx := context.Background()

	ch, cancel := bus.Subscribe()
	defer cancel()

	if err := eng.WriteFile(ctx, "ws1", "data/small.txt", make([]byte, 60)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := eng.WriteFile(ctx, "ws1", "data/big.txt", make([]byte, 60))
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	// The rejected file never landed.
	if _, err := eng.ReadFile(ctx, "ws1", "data/big.txt"); err == nil {
		t.Error("rejected file exists on disk")
	}

	saw := false
	deadline := time.After(time.Second)
	for !saw {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeQuotaRejected {
				saw = true
			}
		case <-deadline:
			t.Fatal("no quota.rejected event")
		}
	}
}

func TestDeleteFile_SkeletonProtected(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()

	if err := eng.WriteFile(ctx, "ws1", "code/a.go", []byte("package a")); err != nil {
		t.Fatal(err)
	}

	for _, dir := range registry.SkeletonDirs {
		if err := eng.DeleteFile(ctx, "ws1", dir); !errors.Is(err, policy.ErrValidation) {
			t.Errorf("delete %q = %v, want ErrValidation", dir, err)
		}
	}

	// Files inside skeleton dirs are deletable.
	if err := eng.DeleteFile(ctx, "ws1", "code/a.go"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := eng.ReadFile(ctx, "ws1", "code/a.go"); err == nil {
		t.Error("deleted file still readable")
	}
}

func TestExecute_Native(t *testing.T) {
	eng, _ := newTestEngine(t, 0)

	res, err := eng.Execute(context.Background(), "ws1", "echo hello", ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Stdout != "hello\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_BlockedCommand(t *testing.T) {
	eng, _ := newTestEngine(t, 0)

	_, err := eng.Execute(context.Background(), "ws1", "rm -rf /", ExecOptions{})
	if !errors.Is(err, policy.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestExecute_ContainerFallsBackToNative(t *testing.T) {
	eng, bus := newTestEngine(t, 0)

	ch, cancel := bus.Subscribe()
	defer cancel()

	res, err := eng.Execute(context.Background(), "ws1", "echo hello", ExecOptions{
		Backend: executor.KindContainer,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Stdout != "hello\n" {
		t.Errorf("result = %+v", res)
	}

	saw := false
	deadline := time.After(time.Second)
	for !saw {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeBackendDegraded {
				saw = true
				if ev.Fields["fallback"] != executor.KindNative {
					t.Errorf("degraded event = %+v", ev)
				}
			}
		case <-deadline:
			t.Fatal("no backend.degraded event")
		}
	}
}

func TestExecute_WASMPrecedenceAndMissingModule(t *testing.T) {
	eng, _ := newTestEngine(t, 0)

	// A named module forces the WASM backend even with a native
	// preference; a missing module is a validation rejection.
	_, err := eng.Execute(context.Background(), "ws1", "", ExecOptions{
		Backend: executor.KindNative,
		Module:  "code/missing.wasm",
	})
	if !errors.Is(err, policy.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}

	// WASM preference without a module is also a validation error.
	_, err = eng.Execute(context.Background(), "ws1", "echo x", ExecOptions{
		Backend: executor.KindWASM,
	})
	if !errors.Is(err, policy.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestExecute_UnknownWorkspaceRejected(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	_, err := eng.Execute(context.Background(), "../bad", "echo", ExecOptions{})
	if !errors.Is(err, policy.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestSyncAndRestore(t *testing.T) {
	eng, bus := newTestEngine(t, 0)
	ctx := context.Background()

	ch, cancel := bus.Subscribe()
	defer cancel()

	if err := eng.WriteFile(ctx, "ws1", "code/main.go", []byte("package main\n")); err != nil {
		t.Fatal(err)
	}

	report, err := eng.Sync(ctx, "ws1")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.ManifestID == "" || report.FileCount != 1 {
		t.Errorf("report = %+v", report)
	}

	restored, err := eng.Restore(ctx, "ws2", report.ManifestID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 1 {
		t.Errorf("restored = %d", restored)
	}
	data, err := eng.ReadFile(ctx, "ws2", "code/main.go")
	if err != nil || string(data) != "package main\n" {
		t.Errorf("restored content = %q, err = %v", data, err)
	}

	sawSync, sawRestore := false, false
	deadline := time.After(time.Second)
	for !sawSync || !sawRestore {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.TypeSyncCompleted:
				sawSync = true
			case events.TypeRestoreDone:
				sawRestore = true
			}
		case <-deadline:
			t.Fatalf("events: sync=%v restore=%v", sawSync, sawRestore)
		}
	}
}

func TestWorkspaceInfoAndDelete(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()

	if err := eng.WriteFile(ctx, "ws1", "data/f.txt", []byte("12345")); err != nil {
		t.Fatal(err)
	}

	info, err := eng.Workspace(ctx, "ws1")
	if err != nil {
		t.Fatalf("Workspace: %v", err)
	}
	if info.UsedBytes != 5 {
		t.Errorf("UsedBytes = %d, want 5", info.UsedBytes)
	}
	if info.MaxBytes != quota.DefaultMaxBytes {
		t.Errorf("MaxBytes = %d", info.MaxBytes)
	}
	if !strings.Contains(info.SandboxRoot, filepath.Join("workspaces", "ws1", "sandbox")) {
		t.Errorf("SandboxRoot = %q", info.SandboxRoot)
	}

	all, err := eng.Workspaces(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("Workspaces = %v, err = %v", all, err)
	}

	if err := eng.DeleteSandbox(ctx, "ws1"); err != nil {
		t.Fatalf("DeleteSandbox: %v", err)
	}
	if _, err := eng.Workspace(ctx, "ws1"); err == nil {
		t.Error("workspace still present after delete")
	}
}

func TestEnsureSandbox_EmitsCreatedOnce(t *testing.T) {
	eng, bus := newTestEngine(t, 0)
	ctx := context.Background()

	ch, cancel := bus.Subscribe()
	defer cancel()

	if _, err := eng.EnsureSandbox(ctx, "ws1"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.EnsureSandbox(ctx, "ws1"); err != nil {
		t.Fatal(err)
	}

	created := 0
	timeout := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeSandboxCreated {
				created++
			}
		case <-timeout:
			break loop
		}
	}
	if created != 1 {
		t.Errorf("sandbox.created events = %d, want 1", created)
	}
}

func TestFileOps_SymlinkEscapeRejected(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()

	root, err := eng.EnsureSandbox(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}

	// A command run in the sandbox can plant a link pointing anywhere.
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top-secret"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "code", "esc")); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.ReadFile(ctx, "ws1", "code/esc/secret.txt"); !errors.Is(err, policy.ErrValidation) {
		t.Errorf("read through escaping symlink = %v, want ErrValidation", err)
	}
	if err := eng.WriteFile(ctx, "ws1", "code/esc/new.txt", []byte("x")); !errors.Is(err, policy.ErrValidation) {
		t.Errorf("write through escaping symlink = %v, want ErrValidation", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "new.txt")); err == nil {
		t.Error("write landed outside the sandbox")
	}
	if err := eng.DeleteFile(ctx, "ws1", "code/esc/secret.txt"); !errors.Is(err, policy.ErrValidation) {
		t.Errorf("delete through escaping symlink = %v, want ErrValidation", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "secret.txt")); err != nil {
		t.Error("file outside the sandbox was removed")
	}
}
