// Package fleet converges the running proxy containers to the declared
// user list: one container per enabled user, named by its port.
package fleet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kansean/mtproto-manager/internal/backend"
	"github.com/kansean/mtproto-manager/internal/store"
)

// NamePrefix is the common prefix of all fleet containers. The bare
// prefix itself is the legacy single-container deployment name and is
// always removed on reconcile.
const NamePrefix = "mtg-proxy"

const diagnosticTailLines = 20

// ContainerName returns the deterministic container name for a port.
func ContainerName(port int) string {
	return NamePrefix + "-" + strconv.Itoa(port)
}

// PortFromName recovers the user port from a container name. The legacy
// name (no port suffix) and foreign names report ok=false.
func PortFromName(name string) (int, bool) {
	suffix, found := strings.CutPrefix(name, NamePrefix+"-")
	if !found {
		return 0, false
	}
	port, err := strconv.Atoi(suffix)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

// StartFailure describes one container that failed to start, with the
// diagnostic output captured for reporting.
type StartFailure struct {
	Name  string `json:"name"`
	Port  int    `json:"port"`
	Error string `json:"error"`
	Logs  string `json:"logs,omitempty"`
}

// ReconcileResult is the aggregate outcome of a reconcile. Success is
// true when at least one container is running; partial failures are
// reported alongside.
type ReconcileResult struct {
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	RunningCount int            `json:"running_count"`
	TotalCount   int            `json:"total_count"`
	Failures     []StartFailure `json:"failures,omitempty"`
}

// Supervisor starts and stops individual proxy containers. It holds no
// state of its own; the runtime is queried fresh on every call.
type Supervisor struct {
	rt          backend.Runtime
	logger      *slog.Logger
	verifyDelay time.Duration
}

func NewSupervisor(rt backend.Runtime, verifyDelay time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		rt:          rt,
		logger:      logger.With("component", "supervisor"),
		verifyDelay: verifyDelay,
	}
}

// Reconcile converges the container set to the enabled users. The stop
// phase removes every container not owned by an enabled user (legacy
// names included); the start phase starts what is missing. Containers
// already running for an enabled user are left alone, so a reconcile
// with an unchanged user set drops no connections.
func (s *Supervisor) Reconcile(ctx context.Context, rec store.Record) ReconcileResult {
	enabled := store.EnabledUsers(rec)
	if len(enabled) == 0 {
		// Expected configuration state, not a fault: report it and
		// leave nothing running.
		s.StopAll(ctx)
		return ReconcileResult{Error: "no enabled users configured"}
	}
	if len(enabled) > 1 && !rec.Settings.SNISharing {
		// Without SNI sharing each user needs its own public port, but
		// the edge only exposes one. Refuse instead of silently serving
		// a single user.
		return ReconcileResult{
			Error:      "multiple enabled users require sni_sharing to be enabled",
			TotalCount: len(enabled),
		}
	}

	desired := make(map[string]backend.StartSpec, len(enabled))
	for _, u := range enabled {
		desired[ContainerName(u.Port)] = startSpec(u, rec.Settings)
	}

	existing, err := s.rt.List(ctx, NamePrefix)
	if err != nil {
		return ReconcileResult{Error: fmt.Sprintf("listing containers: %v", err), TotalCount: len(enabled)}
	}

	// Stop phase: best-effort per container; one failure does not stop
	// the rest. A running container survives only when its recorded
	// fingerprint still matches the declared spec, so a reissued secret
	// or changed image/settings forces a restart.
	keep := make(map[string]bool, len(existing))
	for _, c := range existing {
		if spec, ok := desired[c.Name]; ok && c.Running && c.ConfigHash == spec.ConfigHash {
			keep[c.Name] = true
			continue
		}
		if err := s.rt.StopRemove(ctx, c.Name); err != nil {
			s.logger.Warn("failed to remove container", "container", c.Name, "err", err)
		}
	}

	result := ReconcileResult{TotalCount: len(enabled)}

	if err := s.rt.EnsureImage(ctx, rec.Settings.ProxyImage); err != nil {
		result.Error = fmt.Sprintf("ensuring image: %v", err)
		// Containers kept from the stop phase still count as running.
		result.RunningCount = len(keep)
		result.Success = result.RunningCount > 0
		return result
	}

	// Start phase.
	for _, u := range enabled {
		name := ContainerName(u.Port)
		if keep[name] {
			result.RunningCount++
			continue
		}
		if fail := s.startOne(ctx, name, u, rec.Settings); fail != nil {
			result.Failures = append(result.Failures, *fail)
			continue
		}
		result.RunningCount++
	}

	result.Success = result.RunningCount > 0
	if !result.Success && result.Error == "" {
		result.Error = "no containers reached running state"
	}
	return result
}

// startSpec derives the container spec for a user. The fingerprint
// covers everything that requires a restart to change.
func startSpec(u store.User, settings store.Settings) backend.StartSpec {
	spec := backend.StartSpec{
		Name:  ContainerName(u.Port),
		Image: settings.ProxyImage,
		Port:  u.Port,
		Cmd: []string{
			"simple-run",
			fmt.Sprintf("0.0.0.0:%d", u.Port),
			u.Secret,
			"--prefer-ip", preferIP(settings.PreferIP),
			"--concurrency", strconv.Itoa(concurrency(settings.Concurrency)),
		},
	}
	h := sha256.New()
	h.Write([]byte(spec.Image))
	for _, arg := range spec.Cmd {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}
	spec.ConfigHash = hex.EncodeToString(h.Sum(nil))
	return spec
}

func (s *Supervisor) startOne(ctx context.Context, name string, u store.User, settings store.Settings) *StartFailure {
	spec := startSpec(u, settings)

	if err := s.rt.Start(ctx, spec); err != nil {
		s.logger.Error("failed to start container", "container", name, "user", u.Name, "err", err)
		return &StartFailure{Name: name, Port: u.Port, Error: err.Error()}
	}

	// Give the process a moment, then verify it is actually up; a bad
	// secret or occupied port makes mtg exit immediately.
	if s.verifyDelay > 0 {
		select {
		case <-time.After(s.verifyDelay):
		case <-ctx.Done():
			return &StartFailure{Name: name, Port: u.Port, Error: ctx.Err().Error()}
		}
	}
	c, err := s.rt.Inspect(ctx, name)
	if err != nil {
		return &StartFailure{Name: name, Port: u.Port, Error: err.Error()}
	}
	if !c.Running {
		logs, logErr := s.rt.Logs(ctx, name, diagnosticTailLines)
		if logErr != nil {
			logs = fmt.Sprintf("(logs unavailable: %v)", logErr)
		}
		s.logger.Error("container exited after start", "container", name, "user", u.Name)
		return &StartFailure{
			Name:  name,
			Port:  u.Port,
			Error: fmt.Sprintf("container is %s after start", c.State),
			Logs:  logs,
		}
	}

	s.logger.Info("container started", "container", name, "user", u.Name, "port", u.Port)
	return nil
}

// StopAll stops and removes every fleet container, best-effort.
func (s *Supervisor) StopAll(ctx context.Context) error {
	existing, err := s.rt.List(ctx, NamePrefix)
	if err != nil {
		return fmt.Errorf("fleet: listing containers: %w", err)
	}
	var firstErr error
	for _, c := range existing {
		if err := s.rt.StopRemove(ctx, c.Name); err != nil {
			s.logger.Warn("failed to remove container", "container", c.Name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func preferIP(v string) string {
	switch v {
	case "v4", "prefer-v4", "prefer-ipv4":
		return "prefer-ipv4"
	case "v6", "prefer-v6", "prefer-ipv6":
		return "prefer-ipv6"
	default:
		return "prefer-ipv4"
	}
}

func concurrency(v int) int {
	if v <= 0 {
		return 4096
	}
	return v
}
