package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/ngome/internal/orchestrator"
)

// sandboxMountPath is the fixed in-container path the sandbox root is
// bind-mounted to.
const sandboxMountPath = "/workspace"

// ContainerConfig configures the container backend.
type ContainerConfig struct {
	Image          string        // Job image reference.
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	DefaultLimits  ResourceLimits
	NetworkAllowed bool // false = no network stack inside the job.
}

// ContainerBackend executes commands inside ephemeral orchestrated
// jobs. Each execution deploys a one-shot job with the sandbox root
// bind-mounted read-write at a fixed path, execs the command through
// the orchestrator, then tears the job down. Teardown is best-effort:
// its failure never changes the reported result.
type ContainerBackend struct {
	orch   orchestrator.Orchestrator
	config ContainerConfig
	logger *slog.Logger
}

// NewContainerBackend creates the container backend over an injected
// orchestrator.
func NewContainerBackend(orch orchestrator.Orchestrator, cfg ContainerConfig, logger *slog.Logger) *ContainerBackend {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.DefaultLimits.MaxMemoryMB == 0 {
		cfg.DefaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	return &ContainerBackend{
		orch:   orch,
		config: cfg,
		logger: logger,
	}
}

func (b *ContainerBackend) Kind() string { return KindContainer }

// Available reports whether the orchestration collaborator answers.
func (b *ContainerBackend) Available(ctx context.Context) bool {
	return b.orch.Available(ctx)
}

// Execute deploys a job, execs the command, and tears the job down.
func (b *ContainerBackend) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if req.SandboxRoot == "" {
		return nil, fmt.Errorf("missing sandbox root")
	}

	// 1. Apply timeout. Deploy and exec share the same deadline.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Build the one-shot job descriptor.
	jobName, err := generateJobName()
	if err != nil {
		return nil, fmt.Errorf("generating job name: %w", err)
	}

	memoryMB := b.config.DefaultLimits.MaxMemoryMB
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = req.Limits.MaxMemoryMB
	}

	spec := orchestrator.JobSpec{
		Name:        jobName,
		Image:       b.config.Image,
		MountSource: req.SandboxRoot,
		MountTarget: sandboxMountPath,
		MemoryMB:    memoryMB,
		GPU:         req.Limits.GPU || b.config.DefaultLimits.GPU,
		NetworkOn:   b.config.NetworkAllowed,
		Env:         req.Env,
	}

	// 3. Deploy.
	b.logger.Info("container backend deploying job",
		slog.String("job", jobName),
		slog.String("image", spec.Image),
		slog.Int("memory_mb", memoryMB),
		slog.Duration("timeout", timeout),
	)

	deploymentID, err := b.orch.Deploy(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("deploying job: %w", err)
	}

	// 4. Best-effort teardown, regardless of exec outcome. A fresh
	// context: the request deadline may already be spent.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if rmErr := b.orch.Remove(rmCtx, jobName); rmErr != nil {
			b.logger.Warn("job teardown failed",
				slog.String("job", jobName),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	// 5. Exec the command inside the job.
	start := time.Now()
	out, err := b.orch.Exec(ctx, jobName, []string{"/bin/sh", "-c", req.Command})
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn("container execution timed out",
				slog.String("job", jobName),
				slog.Duration("timeout", timeout),
			)
			return timeoutResult(timeout, "", "", duration), nil
		}
		return nil, fmt.Errorf("exec in job %s: %w", jobName, err)
	}

	b.logger.Info("container execution completed",
		slog.String("job", jobName),
		slog.String("deployment_id", deploymentID),
		slog.Int("exit_code", out.ExitCode),
		slog.Duration("duration", duration),
	)

	return &Result{
		Success:  out.ExitCode == 0,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Duration: duration,
	}, nil
}

// generateJobName returns a unique job name: ngome-job-<16 hex chars>.
func generateJobName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ngome-job-" + hex.EncodeToString(b), nil
}

var _ Backend = (*ContainerBackend)(nil)
