// Package manager ties the fleet together: it owns the periodic monitor
// loop and serializes every operation that touches the container set,
// the traffic ledger or the throttle state behind one mutex.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kansean/mtproto-manager/internal/backend"
	"github.com/kansean/mtproto-manager/internal/fleet"
	"github.com/kansean/mtproto-manager/internal/history"
	"github.com/kansean/mtproto-manager/internal/metrics"
	"github.com/kansean/mtproto-manager/internal/nginx"
	"github.com/kansean/mtproto-manager/internal/store"
	"github.com/kansean/mtproto-manager/internal/throttle"
	"github.com/kansean/mtproto-manager/internal/traffic"
)

const historyKeepDays = 90

// Deps collects the collaborators of the controller. History is
// optional; a nil store disables daily rollups.
type Deps struct {
	Store      *store.Store
	Runtime    backend.Runtime
	Supervisor *fleet.Supervisor
	Sampler    *traffic.Sampler
	Ledger     *traffic.Ledger
	Throttle   *throttle.Controller
	Nginx      *nginx.Builder
	History    *history.Store
	Interval   time.Duration
	Logger     *slog.Logger
}

// Controller runs the monitor loop and exposes the fleet operations.
// The mutex is the single mutual-exclusion domain for the container
// set, the ledger and the throttle state: a monitor cycle never
// interleaves with a reconcile, restart or traffic reset.
type Controller struct {
	mu          sync.Mutex
	st          *store.Store
	rt          backend.Runtime
	sup         *fleet.Supervisor
	sampler     *traffic.Sampler
	ledger      *traffic.Ledger
	throttle    *throttle.Controller
	nginx       *nginx.Builder
	history     *history.Store
	interval    time.Duration
	logger      *slog.Logger
	reconcileCh chan struct{}
}

func New(d Deps) *Controller {
	return &Controller{
		st:          d.Store,
		rt:          d.Runtime,
		sup:         d.Supervisor,
		sampler:     d.Sampler,
		ledger:      d.Ledger,
		throttle:    d.Throttle,
		nginx:       d.Nginx,
		history:     d.History,
		interval:    d.Interval,
		logger:      d.Logger.With("component", "controller"),
		reconcileCh: make(chan struct{}, 1),
	}
}

// RequestReconcile schedules a reconcile on the controller's loop. The
// request channel holds one pending request; further requests coalesce
// into it, so a burst of user edits converges in a single pass.
func (c *Controller) RequestReconcile() {
	select {
	case c.reconcileCh <- struct{}{}:
	default:
	}
}

// Run drives the monitor loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("monitor loop started", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("monitor loop stopped")
			return ctx.Err()
		case <-c.reconcileCh:
			c.Reconcile(ctx)
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

func (c *Controller) cycle(ctx context.Context) {
	// A panic in one cycle must not take the daemon down with it.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("monitor cycle panicked", "panic", r)
			metrics.CycleErrorsTotal.Inc()
		}
	}()
	if err := c.monitorCycle(ctx); err != nil {
		c.logger.Warn("monitor cycle failed", "err", err)
		metrics.CycleErrorsTotal.Inc()
	}
}

// monitorCycle meters traffic, folds it into the ledger and history,
// and drives the throttle state machine for every running container.
func (c *Controller) monitorCycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.st.Snapshot()

	samples, running, err := c.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("manager: sampling containers: %w", err)
	}

	prev := c.ledger.Totals()
	deltas, err := c.ledger.ApplyDeltas(samples, func(name string) (int, bool) {
		port, ok := fleet.PortFromName(name)
		if !ok {
			return 0, false
		}
		if _, ok := store.UserByPort(rec, port); !ok {
			return 0, false
		}
		return port, true
	})
	if err != nil {
		// Counters advanced in memory; persisting retries next cycle.
		c.logger.Warn("failed to persist traffic ledger", "err", err)
	}

	if c.history != nil {
		now := time.Now()
		for port, d := range deltas {
			if err := c.history.Add(now, port, d.Rx, d.Tx); err != nil {
				c.logger.Warn("failed to record usage history", "port", port, "err", err)
			}
		}
		if err := c.history.Prune(now, historyKeepDays); err != nil {
			c.logger.Warn("failed to prune usage history", "err", err)
		}
	}

	c.throttle.Prune(running)
	for _, name := range running {
		port, ok := fleet.PortFromName(name)
		if !ok {
			continue
		}
		u, ok := store.UserByPort(rec, port)
		if !ok {
			continue
		}
		limit := traffic.GBToBytes(rec.Settings.EffectiveLimitGB(u))
		c.throttle.Evaluate(ctx, name, c.ledger.UserUsageBytes(port), limit, rec.Settings.EffectiveThrottleMbps(u))
	}

	c.publishMetrics(rec, running, prev)
	return nil
}

func (c *Controller) publishMetrics(rec store.Record, running []string, prevTotals traffic.Counters) {
	metrics.ContainersRunning.Set(float64(len(running)))
	metrics.ContainersDesired.Set(float64(len(store.EnabledUsers(rec))))
	metrics.ThrottledContainers.Set(float64(c.throttle.ActiveCount()))

	cur := c.ledger.Totals()
	if d := cur.Rx - prevTotals.Rx; d > 0 {
		metrics.TrafficBytesTotal.WithLabelValues("rx").Add(float64(d))
	}
	if d := cur.Tx - prevTotals.Tx; d > 0 {
		metrics.TrafficBytesTotal.WithLabelValues("tx").Add(float64(d))
	}

	metrics.UserUsageBytes.Reset()
	for _, u := range rec.Users {
		uc := c.ledger.UserCounters(u.Port)
		port := strconv.Itoa(u.Port)
		metrics.UserUsageBytes.WithLabelValues(port, "rx").Set(float64(uc.Rx))
		metrics.UserUsageBytes.WithLabelValues(port, "tx").Set(float64(uc.Tx))
	}
}

// Reconcile converges the fleet to the declared state and rebuilds the
// SNI routing table.
func (c *Controller) Reconcile(ctx context.Context) fleet.ReconcileResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.st.Snapshot()
	res := c.sup.Reconcile(ctx, rec)
	if res.Success {
		metrics.ReconcilesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.ReconcilesTotal.WithLabelValues("failure").Inc()
	}

	if c.nginx != nil {
		if err := c.nginx.Build(ctx, rec); err != nil {
			c.logger.Warn("failed to rebuild routing table", "err", err)
		}
	}

	metrics.ContainersDesired.Set(float64(res.TotalCount))
	metrics.ContainersRunning.Set(float64(res.RunningCount))
	return res
}

// StopAll stops every fleet container.
func (c *Controller) StopAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sup.StopAll(ctx)
	metrics.ContainersRunning.Set(0)
	return err
}

// Restart stops the whole fleet and reconciles it back up.
func (c *Controller) Restart(ctx context.Context) fleet.ReconcileResult {
	c.mu.Lock()
	if err := c.sup.StopAll(ctx); err != nil {
		c.logger.Warn("stop phase of restart", "err", err)
	}
	c.mu.Unlock()
	return c.Reconcile(ctx)
}

// ContainerStatus is one row of the fleet status report.
type ContainerStatus struct {
	Name      string `json:"name"`
	Port      int    `json:"port,omitempty"`
	User      string `json:"user,omitempty"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
	StartedAt string `json:"started_at,omitempty"`
	Throttled bool   `json:"throttled"`
}

// Status reports the live container set joined with the user list.
func (c *Controller) Status(ctx context.Context) ([]ContainerStatus, error) {
	rec := c.st.Snapshot()
	list, err := c.rt.List(ctx, fleet.NamePrefix)
	if err != nil {
		return nil, fmt.Errorf("manager: listing containers: %w", err)
	}

	out := make([]ContainerStatus, 0, len(list))
	for _, ct := range list {
		s := ContainerStatus{
			Name:      ct.Name,
			Running:   ct.Running,
			State:     ct.State,
			Throttled: c.throttle.Throttled(ct.Name),
		}
		if !ct.StartedAt.IsZero() {
			s.StartedAt = ct.StartedAt.Format(time.RFC3339)
		}
		if port, ok := fleet.PortFromName(ct.Name); ok {
			s.Port = port
			if u, ok := store.UserByPort(rec, port); ok {
				s.User = u.Name
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Logs returns the log tail of the container owned by port.
func (c *Controller) Logs(ctx context.Context, port, tail int) (string, error) {
	return c.rt.Logs(ctx, fleet.ContainerName(port), tail)
}

// AggregatedLogs tails every fleet container into one report, sections
// headed by container name. Unreadable logs are reported in place, not
// fatal.
func (c *Controller) AggregatedLogs(ctx context.Context, tail int) (string, error) {
	list, err := c.rt.List(ctx, fleet.NamePrefix)
	if err != nil {
		return "", fmt.Errorf("manager: listing containers: %w", err)
	}

	var b strings.Builder
	for _, ct := range list {
		fmt.Fprintf(&b, "=== %s (%s) ===\n", ct.Name, ct.State)
		logs, err := c.rt.Logs(ctx, ct.Name, tail)
		if err != nil {
			c.logger.Warn("failed to read container logs", "container", ct.Name, "err", err)
			fmt.Fprintf(&b, "(logs unavailable: %v)\n", err)
			continue
		}
		b.WriteString(logs)
		if !strings.HasSuffix(logs, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// TrafficSummary builds the operator-facing traffic report.
func (c *Controller) TrafficSummary() traffic.Summary {
	rec := c.st.Snapshot()
	return c.ledger.Summarize(rec, func(port int) bool {
		return c.throttle.Throttled(fleet.ContainerName(port))
	})
}

// ResetTraffic zeroes the ledger and lifts every active throttle, so
// the next cycle re-evaluates from a clean slate.
func (c *Controller) ResetTraffic(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ledger.Reset(); err != nil {
		return fmt.Errorf("manager: resetting ledger: %w", err)
	}
	c.throttle.ClearAll(ctx)
	metrics.UserUsageBytes.Reset()
	metrics.ThrottledContainers.Set(0)
	c.logger.Info("traffic counters reset")
	return nil
}

// History returns the daily usage rollups for the last n days.
func (c *Controller) History(days int) ([]history.DayUsage, error) {
	if c.history == nil {
		return nil, nil
	}
	return c.history.Range(time.Now(), days)
}
