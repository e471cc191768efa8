package throttle

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/kansean/mtproto-manager/internal/backend"
)

// fakeRuntime records exec calls; everything else is unused here.
type fakeRuntime struct {
	execs    []string // "<container> <cmd...>"
	failNext bool
}

func (f *fakeRuntime) List(context.Context, string) ([]backend.Container, error) { return nil, nil }
func (f *fakeRuntime) Start(context.Context, backend.StartSpec) error            { return nil }
func (f *fakeRuntime) Inspect(context.Context, string) (backend.Container, error) {
	return backend.Container{}, nil
}
func (f *fakeRuntime) StopRemove(context.Context, string) error { return nil }
func (f *fakeRuntime) Stats(context.Context, string) (backend.NetCounters, bool, error) {
	return backend.NetCounters{}, false, nil
}
func (f *fakeRuntime) Logs(context.Context, string, int) (string, error) { return "", nil }
func (f *fakeRuntime) EnsureImage(context.Context, string) error         { return nil }

func (f *fakeRuntime) Exec(_ context.Context, name string, cmd []string) (backend.ExecResult, error) {
	f.execs = append(f.execs, name+" "+strings.Join(cmd, " "))
	if f.failNext && strings.Contains(strings.Join(cmd, " "), "add") {
		return backend.ExecResult{ExitCode: 2, Output: "RTNETLINK answers: operation not permitted"}, nil
	}
	// "del" with no rule present exits non-zero, like real tc.
	return backend.ExecResult{ExitCode: 0}, nil
}

func testController(t *testing.T) (*Controller, *fakeRuntime) {
	t.Helper()
	rt := &fakeRuntime{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(rt, logger), rt
}

func TestThrottleTransitions(t *testing.T) {
	c, rt := testController(t)
	ctx := context.Background()
	const name = "mtg-proxy-2443"
	limit := int64(1 << 30)

	// Under the limit: nothing happens.
	c.Evaluate(ctx, name, limit-1, limit, 1)
	if c.Throttled(name) {
		t.Fatal("should not be throttled under the limit")
	}
	if len(rt.execs) != 0 {
		t.Fatalf("unexpected execs: %v", rt.execs)
	}

	// Crossing the limit throttles exactly once.
	c.Evaluate(ctx, name, limit, limit, 1)
	if !c.Throttled(name) {
		t.Fatal("should be throttled at the limit")
	}
	execsAfterApply := len(rt.execs)
	c.Evaluate(ctx, name, limit+5, limit, 1)
	if len(rt.execs) != execsAfterApply {
		t.Fatal("already-throttled container must not be re-applied")
	}

	// Dropping below (after a reset) unthrottles.
	c.Evaluate(ctx, name, 0, limit, 1)
	if c.Throttled(name) {
		t.Fatal("should be unthrottled below the limit")
	}
}

func TestThrottleApplyCommand(t *testing.T) {
	c, rt := testController(t)
	c.Evaluate(context.Background(), "mtg-proxy-2443", 10, 5, 2)

	if len(rt.execs) != 2 {
		t.Fatalf("want del+add, got %v", rt.execs)
	}
	if !strings.Contains(rt.execs[0], "tc qdisc del dev eth0 root") {
		t.Errorf("first exec should delete any existing rule: %s", rt.execs[0])
	}
	add := rt.execs[1]
	for _, part := range []string{"tbf", "rate 2mbit", "burst 2500", "latency 50ms"} {
		if !strings.Contains(add, part) {
			t.Errorf("add command missing %q: %s", part, add)
		}
	}
}

func TestBurstFloor(t *testing.T) {
	// 1 Mbit/s: 1e6/8*0.01 = 1250 bytes, below the floor.
	if got := Burst(1); got != 1600 {
		t.Errorf("burst(1): got %d, want 1600", got)
	}
	if got := Burst(8); got != 10000 {
		t.Errorf("burst(8): got %d, want 10000", got)
	}
}

func TestUnsetLimitRemovesThrottle(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	c.Evaluate(ctx, "mtg-proxy-2443", 100, 50, 1)
	if !c.Throttled("mtg-proxy-2443") {
		t.Fatal("setup: should be throttled")
	}
	c.Evaluate(ctx, "mtg-proxy-2443", 100, 0, 1)
	if c.Throttled("mtg-proxy-2443") {
		t.Fatal("unset limit must remove the throttle")
	}
}

func TestApplyFailureLeavesUnthrottled(t *testing.T) {
	c, rt := testController(t)
	rt.failNext = true
	c.Evaluate(context.Background(), "mtg-proxy-2443", 100, 50, 1)
	if c.Throttled("mtg-proxy-2443") {
		t.Fatal("failed apply must not mark the container throttled")
	}
}

func TestPruneDropsStaleMembers(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	c.Evaluate(ctx, "mtg-proxy-2443", 100, 50, 1)
	c.Evaluate(ctx, "mtg-proxy-2444", 100, 50, 1)
	if c.ActiveCount() != 2 {
		t.Fatalf("setup: active=%d", c.ActiveCount())
	}

	// 2444 restarted or disappeared; its kernel rule is gone.
	c.Prune([]string{"mtg-proxy-2443"})
	if c.Throttled("mtg-proxy-2444") {
		t.Fatal("pruned container still marked throttled")
	}
	if !c.Throttled("mtg-proxy-2443") {
		t.Fatal("running container lost its throttle state")
	}
}

func TestClearAll(t *testing.T) {
	c, rt := testController(t)
	ctx := context.Background()
	c.Evaluate(ctx, "mtg-proxy-2443", 100, 50, 1)
	c.Evaluate(ctx, "mtg-proxy-2444", 100, 50, 1)

	before := len(rt.execs)
	c.ClearAll(ctx)
	if c.ActiveCount() != 0 {
		t.Fatalf("active after clear: %d", c.ActiveCount())
	}
	// One del per previously-throttled container.
	if len(rt.execs)-before != 2 {
		t.Fatalf("expected 2 del execs, got %v", rt.execs[before:])
	}
}
