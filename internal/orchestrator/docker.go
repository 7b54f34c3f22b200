package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerImage     = "ngome-runtime:latest"
	defaultDockerMemoryMB  = 512
	defaultDockerCPUCores  = 1.0
	defaultDockerPIDsLimit = 64

	// maxExecOutputBytes caps captured stdout/stderr per exec.
	maxExecOutputBytes = 1 << 20 // 1 MB
)

// DockerConfig configures the Docker-CLI orchestrator.
type DockerConfig struct {
	Image     string  // Default image when JobSpec.Image is empty.
	MemoryMB  int     // Default --memory hard limit.
	CPUCores  float64 // Default --cpus rate limit.
	PIDsLimit int     // --pids-limit (prevents fork bombs).
}

// DockerOrchestrator drives jobs through the local docker CLI.
//
// Jobs are long-lived hardened containers the engine execs into:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit, CPU rate limit
//   - Network disabled unless the job asks for it
//   - Only the job's sandbox subtree is mounted from the host
type DockerOrchestrator struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerOrchestrator creates a Docker-backed orchestrator.
func NewDockerOrchestrator(cfg DockerConfig, logger *slog.Logger) *DockerOrchestrator {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerOrchestrator{
		config: cfg,
		logger: logger,
	}
}

// Available reports whether the docker daemon answers.
func (o *DockerOrchestrator) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Run() == nil
}

// Deploy starts a hardened detached container and returns its id.
func (o *DockerOrchestrator) Deploy(ctx context.Context, spec JobSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("job spec missing name")
	}

	image := spec.Image
	if image == "" {
		image = o.config.Image
	}
	memoryMB := spec.MemoryMB
	if memoryMB <= 0 {
		memoryMB = o.config.MemoryMB
	}
	cpuCores := spec.CPUCores
	if cpuCores <= 0 {
		cpuCores = o.config.CPUCores
	}

	memoryFlag := strconv.Itoa(memoryMB) + "m"
	args := []string{
		"run", "-d",
		"--name", spec.Name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(cpuCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(o.config.PIDsLimit),

		"--env", "HOME=" + spec.MountTarget,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if spec.NetworkOn {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	if spec.GPU {
		args = append(args, "--gpus=all")
	}
	if spec.MountSource != "" && spec.MountTarget != "" {
		args = append(args, "--volume", spec.MountSource+":"+spec.MountTarget+":rw")
		args = append(args, "--workdir", spec.MountTarget)
	}
	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Keep the container alive so the engine can exec into it.
	args = append(args, image, "sleep", "infinity")

	o.logger.Info("deploying job",
		slog.String("name", spec.Name),
		slog.String("image", image),
		slog.Int("memory_mb", memoryMB),
		slog.Float64("cpu_cores", cpuCores),
		slog.Bool("gpu", spec.GPU),
	)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		if isDaemonDown(out, err) {
			return "", fmt.Errorf("%w: %s", ErrUnavailable, strings.TrimSpace(string(out)))
		}
		return "", fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	deploymentID := strings.TrimSpace(string(out))
	if deploymentID == "" {
		return "", fmt.Errorf("docker run returned no container id")
	}
	return deploymentID, nil
}

// Exec runs argv inside the named running job.
func (o *DockerOrchestrator) Exec(ctx context.Context, serviceName string, argv []string) (*ExecOutput, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	args := append([]string{"exec", serviceName}, argv...)
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, remaining: maxExecOutputBytes}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, remaining: maxExecOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
	}

	o.logger.Info("job exec completed",
		slog.String("service", serviceName),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecOutput{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
	}, nil
}

// Stop halts the named job.
func (o *DockerOrchestrator) Stop(ctx context.Context, serviceName string) error {
	out, err := exec.CommandContext(ctx, "docker", "stop", serviceName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker stop failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Remove force-removes the named job. Best-effort: "No such container"
// is not an error, it means the job is already gone.
func (o *DockerOrchestrator) Remove(ctx context.Context, serviceName string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", serviceName).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		o.logger.Warn("docker rm -f failed",
			slog.String("service", serviceName),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
		return fmt.Errorf("docker rm failed: %w", err)
	}
	return nil
}

// Status polls docker for the named job's state.
func (o *DockerOrchestrator) Status(ctx context.Context, serviceName string) (*ServiceStatus, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect",
		"--format", "{{.State.Status}}", serviceName).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such object")) || bytes.Contains(out, []byte("No such container")) {
			return &ServiceStatus{Status: StateStopped, Replicas: 0}, nil
		}
		if isDaemonDown(out, err) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, strings.TrimSpace(string(out)))
		}
		return nil, fmt.Errorf("docker inspect failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	switch strings.TrimSpace(string(out)) {
	case "running":
		return &ServiceStatus{Status: StateRunning, Replicas: 1}, nil
	case "created", "restarting":
		return &ServiceStatus{Status: StateDeploying, Replicas: 0}, nil
	case "dead":
		return &ServiceStatus{Status: StateFailed, Replicas: 0}, nil
	default: // exited, paused, removing
		return &ServiceStatus{Status: StateStopped, Replicas: 0}, nil
	}
}

func isDaemonDown(out []byte, err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	return bytes.Contains(out, []byte("Cannot connect to the Docker daemon")) ||
		bytes.Contains(out, []byte("docker daemon is not running"))
}

// cappedWriter stops writing after a byte limit. Excess data is
// silently discarded, not an error.
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

var _ Orchestrator = (*DockerOrchestrator)(nil)
