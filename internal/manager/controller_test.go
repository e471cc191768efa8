package manager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kansean/mtproto-manager/internal/backend"
	"github.com/kansean/mtproto-manager/internal/fleet"
	"github.com/kansean/mtproto-manager/internal/nginx"
	"github.com/kansean/mtproto-manager/internal/store"
	"github.com/kansean/mtproto-manager/internal/throttle"
	"github.com/kansean/mtproto-manager/internal/traffic"
)

type fakeRuntime struct {
	containers map[string]backend.Container
	stats      map[string]backend.NetCounters
	execs      []string
	logs       map[string]string
	logsErr    map[string]error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: map[string]backend.Container{},
		stats:      map[string]backend.NetCounters{},
		logs:       map[string]string{},
		logsErr:    map[string]error{},
	}
}

func (f *fakeRuntime) List(_ context.Context, prefix string) ([]backend.Container, error) {
	var out []backend.Container
	for name, c := range f.containers {
		if strings.HasPrefix(name, prefix) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRuntime) Start(_ context.Context, spec backend.StartSpec) error {
	f.containers[spec.Name] = backend.Container{
		Name: spec.Name, Running: true, State: "running", ConfigHash: spec.ConfigHash,
	}
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, name string) (backend.Container, error) {
	return f.containers[name], nil
}

func (f *fakeRuntime) StopRemove(_ context.Context, name string) error {
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, name string, cmd []string) (backend.ExecResult, error) {
	f.execs = append(f.execs, name+": "+strings.Join(cmd, " "))
	return backend.ExecResult{ExitCode: 0}, nil
}

func (f *fakeRuntime) Stats(_ context.Context, name string) (backend.NetCounters, bool, error) {
	c, ok := f.stats[name]
	return c, ok, nil
}

func (f *fakeRuntime) Logs(_ context.Context, name string, _ int) (string, error) {
	if err := f.logsErr[name]; err != nil {
		return "", err
	}
	return f.logs[name], nil
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testController(t *testing.T, rt *fakeRuntime, rec store.Record) *Controller {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	st, err := store.Open(filepath.Join(dir, "config.json"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.Replace(rec); err != nil {
		t.Fatalf("store.Replace: %v", err)
	}

	return New(Deps{
		Store:      st,
		Runtime:    rt,
		Supervisor: fleet.NewSupervisor(rt, 0, logger),
		Sampler:    traffic.NewSampler(rt, fleet.NamePrefix, logger),
		Ledger:     traffic.OpenLedger(filepath.Join(dir, "traffic.json"), logger),
		Throttle:   throttle.New(rt, logger),
		Nginx:      nginx.NewBuilder(filepath.Join(dir, "stream.d"), rt, "mtproto-nginx", logger),
		Interval:   time.Hour, // tests drive cycles by hand
		Logger:     logger,
	})
}

func oneUserRecord(limitGB float64) store.Record {
	return store.Record{
		Settings: store.Settings{
			ProxyPort:      2443,
			ProxyImage:     "nineseconds/mtg:2",
			TrafficLimitGB: limitGB,
			ThrottleMbps:   2,
			SNISharing:     true,
		},
		Users: []store.User{
			{Name: "alice", Secret: "ee00", Port: 2443, Enabled: true, FrontingDomain: "a.example"},
		},
	}
}

func TestMonitorCycleAccumulatesUsage(t *testing.T) {
	rt := newFakeRuntime()
	name := fleet.ContainerName(2443)
	rt.containers[name] = backend.Container{Name: name, Running: true, State: "running"}
	rt.stats[name] = backend.NetCounters{Rx: 100, Tx: 50}

	c := testController(t, rt, oneUserRecord(0))
	ctx := context.Background()

	if err := c.monitorCycle(ctx); err != nil {
		t.Fatal(err)
	}
	rt.stats[name] = backend.NetCounters{Rx: 160, Tx: 90}
	if err := c.monitorCycle(ctx); err != nil {
		t.Fatal(err)
	}

	if got := c.ledger.UserUsageBytes(2443); got != 250 {
		t.Fatalf("usage = %d, want 250", got)
	}
	// No limit set: nothing throttled, no tc invocations.
	if c.throttle.ActiveCount() != 0 {
		t.Fatal("throttle active without a limit")
	}
	for _, e := range rt.execs {
		if strings.Contains(e, "tc qdisc add") {
			t.Fatalf("unexpected tc command: %s", e)
		}
	}
}

func TestMonitorCycleThrottlesOverLimit(t *testing.T) {
	rt := newFakeRuntime()
	name := fleet.ContainerName(2443)
	rt.containers[name] = backend.Container{Name: name, Running: true, State: "running"}
	rt.stats[name] = backend.NetCounters{Rx: 0, Tx: 0}

	// 1 GB limit; the container then reports 2 GB on its counters.
	c := testController(t, rt, oneUserRecord(1))
	ctx := context.Background()

	if err := c.monitorCycle(ctx); err != nil {
		t.Fatal(err)
	}
	rt.stats[name] = backend.NetCounters{Rx: 2 << 30, Tx: 0}
	if err := c.monitorCycle(ctx); err != nil {
		t.Fatal(err)
	}

	if !c.throttle.Throttled(name) {
		t.Fatal("container should be throttled over its limit")
	}
	var applied bool
	for _, e := range rt.execs {
		if strings.Contains(e, "tc qdisc add dev eth0 root tbf rate 2mbit") {
			applied = true
		}
	}
	if !applied {
		t.Fatalf("tc rule not applied: %v", rt.execs)
	}

	summary := c.TrafficSummary()
	if len(summary.PerUser) != 1 || !summary.PerUser[0].Throttled {
		t.Fatalf("summary: %+v", summary.PerUser)
	}
}

func TestResetTrafficLiftsThrottle(t *testing.T) {
	rt := newFakeRuntime()
	name := fleet.ContainerName(2443)
	rt.containers[name] = backend.Container{Name: name, Running: true, State: "running"}
	rt.stats[name] = backend.NetCounters{Rx: 2 << 30, Tx: 0}

	c := testController(t, rt, oneUserRecord(1))
	ctx := context.Background()
	if err := c.monitorCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.throttle.Throttled(name) {
		t.Fatal("precondition: container throttled")
	}

	if err := c.ResetTraffic(ctx); err != nil {
		t.Fatal(err)
	}
	if c.throttle.Throttled(name) {
		t.Fatal("throttle should be lifted after reset")
	}
	if c.ledger.UserUsageBytes(2443) != 0 {
		t.Fatal("usage should be zero after reset")
	}

	// The raw sample survives the reset, so the next cycle attributes
	// only new traffic.
	rt.stats[name] = backend.NetCounters{Rx: 2<<30 + 10, Tx: 0}
	if err := c.monitorCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.ledger.UserUsageBytes(2443); got != 10 {
		t.Fatalf("usage after reset = %d, want 10", got)
	}
}

func TestReconcileStartsFleetAndWritesRoutingTable(t *testing.T) {
	rt := newFakeRuntime()
	c := testController(t, rt, oneUserRecord(0))

	res := c.Reconcile(context.Background())
	if !res.Success || res.RunningCount != 1 {
		t.Fatalf("reconcile: %+v", res)
	}
	if _, ok := rt.containers[fleet.ContainerName(2443)]; !ok {
		t.Fatal("container not started")
	}

	data, err := os.ReadFile(filepath.Join(c.nginx.Dir(), "proxy.conf"))
	if err != nil {
		t.Fatalf("routing table not written: %v", err)
	}
	if !strings.Contains(string(data), "a.example  mtg-proxy-2443:2443;") {
		t.Fatalf("routing table content:\n%s", data)
	}
}

func TestRequestReconcileCoalesces(t *testing.T) {
	c := testController(t, newFakeRuntime(), oneUserRecord(0))
	c.RequestReconcile()
	c.RequestReconcile()
	c.RequestReconcile()
	if len(c.reconcileCh) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(c.reconcileCh))
	}
}

func TestStatusJoinsUsers(t *testing.T) {
	rt := newFakeRuntime()
	name := fleet.ContainerName(2443)
	started := time.Date(2026, 8, 23, 9, 30, 0, 0, time.UTC)
	rt.containers[name] = backend.Container{Name: name, Running: true, State: "running", StartedAt: started}

	c := testController(t, rt, oneUserRecord(0))
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 {
		t.Fatalf("status: %+v", status)
	}
	s := status[0]
	if s.Port != 2443 || s.User != "alice" || !s.Running {
		t.Fatalf("status row: %+v", s)
	}
	if s.StartedAt != "2026-08-23T09:30:00Z" {
		t.Fatalf("started_at: %q", s.StartedAt)
	}
}

func TestStatusOmitsUnknownStartTime(t *testing.T) {
	rt := newFakeRuntime()
	name := fleet.ContainerName(2443)
	rt.containers[name] = backend.Container{Name: name, Running: false, State: "exited"}

	c := testController(t, rt, oneUserRecord(0))
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status[0].StartedAt != "" {
		t.Fatalf("zero start time must render empty, got %q", status[0].StartedAt)
	}
}

func TestAggregatedLogs(t *testing.T) {
	rt := newFakeRuntime()
	a, b := fleet.ContainerName(2443), fleet.ContainerName(2444)
	rt.containers[a] = backend.Container{Name: a, Running: true, State: "running"}
	rt.containers[b] = backend.Container{Name: b, Running: true, State: "running"}
	rt.logs[a] = "mtg: listening on 0.0.0.0:2443\n"
	rt.logsErr[b] = errors.New("log driver gone")

	c := testController(t, rt, oneUserRecord(0))
	out, err := c.AggregatedLogs(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"=== mtg-proxy-2443 (running) ===",
		"mtg: listening on 0.0.0.0:2443",
		"=== mtg-proxy-2444 (running) ===",
		"(logs unavailable: log driver gone)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("aggregated logs missing %q:\n%s", want, out)
		}
	}
}
