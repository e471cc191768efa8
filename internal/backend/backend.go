// Package backend abstracts the container runtime the fleet runs on.
// The rest of the manager only sees this interface; the production
// implementation talks to the Docker Engine API.
package backend

import (
	"context"
	"time"
)

// Container is the runtime view of a single proxy process. It is derived
// state, never the source of truth for what should be running.
// ConfigHash is the fingerprint the container was started with, read
// back from its labels; empty for containers started by other tools.
type Container struct {
	Name       string
	Running    bool
	State      string
	StartedAt  time.Time
	ConfigHash string
}

// StartSpec describes a container to create and start. The container is
// bound to 0.0.0.0:Port on the host and restarts unless stopped.
// ConfigHash fingerprints the image and command; it is stored on the
// container so a later reconcile can tell whether the running process
// still matches the declared state.
type StartSpec struct {
	Name       string
	Image      string
	Port       int
	Cmd        []string
	ConfigHash string
}

// ExecResult is the outcome of a command executed inside a container's
// namespace.
type ExecResult struct {
	ExitCode int
	Output   string
}

// NetCounters are raw cumulative interface byte counts. They are
// monotonic for the lifetime of a container and reset to zero when it
// restarts.
type NetCounters struct {
	Rx int64
	Tx int64
}

// Runtime is the container backend contract. All calls must be bounded
// by the passed context; implementations apply their own short default
// timeouts on top.
type Runtime interface {
	// List returns all containers (running or not) whose name starts
	// with prefix.
	List(ctx context.Context, prefix string) ([]Container, error)

	// Start creates and starts a container per spec. An existing
	// container with the same name is an error; callers remove first.
	Start(ctx context.Context, spec StartSpec) error

	// Inspect returns the current state of a named container.
	Inspect(ctx context.Context, name string) (Container, error)

	// StopRemove stops (best-effort) and removes a named container.
	// Removing a container that does not exist is not an error.
	StopRemove(ctx context.Context, name string) error

	// Exec runs a command inside the container's namespace and returns
	// its exit code and combined output.
	Exec(ctx context.Context, name string, cmd []string) (ExecResult, error)

	// Stats reads the cumulative byte counters of the container's
	// primary network interface. ok is false when no interface data is
	// available this cycle.
	Stats(ctx context.Context, name string) (counters NetCounters, ok bool, err error)

	// Logs returns the last tail lines of the container's output.
	Logs(ctx context.Context, name string, tail int) (string, error)

	// EnsureImage pulls the image if it is not present locally.
	EnsureImage(ctx context.Context, image string) error
}
