// Package throttle enforces per-user bandwidth caps by installing tc
// rate-limit rules inside each proxy container's network namespace.
//
// The in-memory throttled set is the single source of truth for "is
// this container throttled". A kernel rule dies with its container, so
// the set is pruned against the running container set every cycle
// before any transition is evaluated.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/kansean/mtproto-manager/internal/backend"
)

const (
	iface      = "eth0"
	latency    = "50ms"
	burstFloor = 1600 // bytes, tc's practical minimum for tbf
)

// Controller owns the throttled-container set and applies transitions.
type Controller struct {
	mu     sync.Mutex
	rt     backend.Runtime
	logger *slog.Logger
	active map[string]bool
}

func New(rt backend.Runtime, logger *slog.Logger) *Controller {
	return &Controller{
		rt:     rt,
		logger: logger.With("component", "throttle"),
		active: make(map[string]bool),
	}
}

// Throttled reports whether name is currently rate-limited.
func (c *Controller) Throttled(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[name]
}

// ActiveCount returns the number of throttled containers.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Prune drops membership for containers that are no longer running. A
// container that restarted lost its kernel rule, so it must be
// re-evaluated from the unthrottled state.
func (c *Controller) Prune(running []string) {
	set := make(map[string]bool, len(running))
	for _, name := range running {
		set[name] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.active {
		if !set[name] {
			delete(c.active, name)
			c.logger.Debug("container gone, dropping throttle state", "container", name)
		}
	}
}

// Evaluate applies the state machine for one running container:
// usage at or above the limit throttles it, dropping below (or the
// limit becoming unset) unthrottles it. Rule application is
// best-effort; a failure leaves the state unchanged and is retried
// next cycle.
func (c *Controller) Evaluate(ctx context.Context, name string, usageBytes, limitBytes int64, speedMbps float64) {
	c.mu.Lock()
	active := c.active[name]
	c.mu.Unlock()

	switch {
	case limitBytes <= 0:
		if active {
			c.remove(ctx, name)
		}
	case usageBytes >= limitBytes && !active:
		c.apply(ctx, name, speedMbps)
	case usageBytes < limitBytes && active:
		c.remove(ctx, name)
	}
}

// ClearAll removes the rule from every throttled container. Used after
// a traffic reset.
func (c *Controller) ClearAll(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.active))
	for name := range c.active {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.remove(ctx, name)
	}
}

// Burst returns the tbf burst in bytes for a rate: 1% of one second's
// worth of traffic, floored at tc's practical minimum.
func Burst(speedMbps float64) int64 {
	b := int64(speedMbps * 1e6 / 8 * 0.01)
	if b < burstFloor {
		b = burstFloor
	}
	return b
}

func rateArg(speedMbps float64) string {
	return strconv.FormatFloat(speedMbps, 'f', -1, 64) + "mbit"
}

func (c *Controller) apply(ctx context.Context, name string, speedMbps float64) {
	// Idempotent apply: any pre-existing rule is removed first. Absence
	// of a rule makes the delete fail, which is fine.
	c.execRule(ctx, name, delCmd())

	cmd := []string{
		"tc", "qdisc", "add", "dev", iface, "root", "tbf",
		"rate", rateArg(speedMbps),
		"burst", strconv.FormatInt(Burst(speedMbps), 10),
		"latency", latency,
	}
	if err := c.execRule(ctx, name, cmd); err != nil {
		c.logger.Warn("failed to apply throttle", "container", name, "err", err)
		return
	}

	c.mu.Lock()
	c.active[name] = true
	c.mu.Unlock()
	c.logger.Info("throttle applied", "container", name, "rate", rateArg(speedMbps))
}

func (c *Controller) remove(ctx context.Context, name string) {
	// Absence of an existing rule is not an error.
	if err := c.execRule(ctx, name, delCmd()); err != nil {
		c.logger.Debug("throttle removal", "container", name, "err", err)
	}
	c.mu.Lock()
	delete(c.active, name)
	c.mu.Unlock()
	c.logger.Info("throttle removed", "container", name)
}

func delCmd() []string {
	return []string{"tc", "qdisc", "del", "dev", iface, "root"}
}

func (c *Controller) execRule(ctx context.Context, name string, cmd []string) error {
	res, err := c.rt.Exec(ctx, name, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("throttle: %q exited %d: %s", cmd[0], res.ExitCode, res.Output)
	}
	return nil
}
