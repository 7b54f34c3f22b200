// Package orchestrator defines the external container-orchestration
// collaborator: deploy an ephemeral job, exec into it, poll its status,
// and tear it down. The engine never talks to a container runtime
// directly; it goes through this interface so tests can substitute a
// fake.
package orchestrator

import (
	"context"
	"errors"
)

// Service lifecycle states as reported by Status. The orchestrator is
// authoritative; this service only polls.
const (
	StateStopped   = "stopped"
	StateDeploying = "deploying"
	StateRunning   = "running"
	StateFailed    = "failed"
)

// ErrUnavailable is returned when the orchestration backend cannot be
// reached. Callers use it to decide on native fallback.
var ErrUnavailable = errors.New("orchestrator unavailable")

// JobSpec describes a one-shot containerized job.
type JobSpec struct {
	Name        string            // Unique job/service name.
	Image       string            // Container image reference.
	MountSource string            // Host path bind-mounted into the job.
	MountTarget string            // Fixed in-container mount path.
	CPUCores    float64           // CPU rate limit (0 = orchestrator default).
	MemoryMB    int               // Memory hard limit (0 = orchestrator default).
	GPU         bool              // Request GPU access.
	NetworkOn   bool              // false = no network stack.
	Env         map[string]string // Extra environment variables.
}

// ExecOutput is the captured result of an exec inside a running job.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ServiceStatus is the polled state of a deployed job.
type ServiceStatus struct {
	Status   string // One of the State* constants.
	Replicas int
}

// Orchestrator is the container/job orchestration collaborator.
type Orchestrator interface {
	// Available reports whether the backend can currently accept jobs.
	Available(ctx context.Context) bool

	// Deploy submits a job and returns its deployment id.
	Deploy(ctx context.Context, spec JobSpec) (string, error)

	// Exec runs argv inside the named running job.
	Exec(ctx context.Context, serviceName string, argv []string) (*ExecOutput, error)

	// Stop halts the named job without removing it.
	Stop(ctx context.Context, serviceName string) error

	// Remove tears the named job down. Best-effort: callers treat
	// failure as a warning, not an execution failure.
	Remove(ctx context.Context, serviceName string) error

	// Status polls the current state of the named job.
	Status(ctx context.Context, serviceName string) (*ServiceStatus, error)
}
