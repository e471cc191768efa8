// Package traffic meters per-container network usage and keeps the
// durable traffic ledger: cumulative aggregate and per-user byte counts
// derived from raw interface counters.
package traffic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kansean/mtproto-manager/internal/store"
)

// Counters is a pair of byte counts.
type Counters struct {
	Rx int64 `json:"rx"`
	Tx int64 `json:"tx"`
}

// DeltaTracker derives usage deltas from raw cumulative counters that
// reset to zero when a container restarts. Each container is either
// unknown (no sample seen) or known with its last raw sample; in both
// cases a counter below the previous value is treated as a restart and
// the whole new value is attributed as fresh usage.
type DeltaTracker struct {
	last map[string]Counters
}

// NewDeltaTracker seeds the tracker with previously observed raw
// samples (e.g. restored from the persisted ledger).
func NewDeltaTracker(seed map[string]Counters) *DeltaTracker {
	last := make(map[string]Counters, len(seed))
	for k, v := range seed {
		last[k] = v
	}
	return &DeltaTracker{last: last}
}

// Advance records the current raw sample for name and returns the usage
// delta since the previous one. The stored sample is updated even when
// the delta is zero.
func (t *DeltaTracker) Advance(name string, cur Counters) Counters {
	prev := t.last[name] // zero value for unknown containers
	t.last[name] = cur

	delta := Counters{Rx: cur.Rx - prev.Rx, Tx: cur.Tx - prev.Tx}
	if delta.Rx < 0 {
		delta.Rx = cur.Rx
	}
	if delta.Tx < 0 {
		delta.Tx = cur.Tx
	}
	return delta
}

// Snapshot returns a copy of the last raw samples.
func (t *DeltaTracker) Snapshot() map[string]Counters {
	out := make(map[string]Counters, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}

type ledgerFile struct {
	RxBytes    int64               `json:"rx_bytes"`
	TxBytes    int64               `json:"tx_bytes"`
	PerUser    map[int]Counters    `json:"per_user"`
	LastSample map[string]Counters `json:"last_per_container"`
	LastReset  string              `json:"last_reset"`
}

// Ledger is the durable usage store. Every mutation is persisted with a
// write-temp-then-rename so a crash mid-write never corrupts the
// previous durable state.
type Ledger struct {
	mu      sync.Mutex
	path    string
	logger  *slog.Logger
	data    ledgerFile
	tracker *DeltaTracker
}

// OpenLedger loads the ledger at path. A missing file starts fresh; an
// unreadable one is logged and replaced on the next persist.
func OpenLedger(path string, logger *slog.Logger) *Ledger {
	l := &Ledger{path: path, logger: logger.With("component", "ledger")}
	l.data = ledgerFile{PerUser: map[int]Counters{}, LastSample: map[string]Counters{}}

	data, err := os.ReadFile(path)
	if err == nil {
		var f ledgerFile
		if jerr := json.Unmarshal(data, &f); jerr != nil {
			l.logger.Warn("ledger file unreadable, starting fresh", "path", path, "err", jerr)
		} else {
			if f.PerUser == nil {
				f.PerUser = map[int]Counters{}
			}
			if f.LastSample == nil {
				f.LastSample = map[string]Counters{}
			}
			l.data = f
		}
	} else if !os.IsNotExist(err) {
		l.logger.Warn("ledger file unreadable, starting fresh", "path", path, "err", err)
	}

	l.tracker = NewDeltaTracker(l.data.LastSample)
	return l
}

// ApplyDeltas folds one cycle of raw samples into the ledger and
// persists it. portFor maps a container name to the user port its usage
// is attributed to; unattributed containers still count toward the
// aggregate. Returns the per-port deltas of this cycle.
func (l *Ledger) ApplyDeltas(samples map[string]Counters, portFor func(name string) (int, bool)) (map[int]Counters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deltas := make(map[int]Counters)
	for name, cur := range samples {
		d := l.tracker.Advance(name, cur)
		l.data.RxBytes += d.Rx
		l.data.TxBytes += d.Tx
		if port, ok := portFor(name); ok {
			u := l.data.PerUser[port]
			u.Rx += d.Rx
			u.Tx += d.Tx
			l.data.PerUser[port] = u
			if d.Rx != 0 || d.Tx != 0 {
				acc := deltas[port]
				acc.Rx += d.Rx
				acc.Tx += d.Tx
				deltas[port] = acc
			}
		}
	}
	l.data.LastSample = l.tracker.Snapshot()

	if err := l.persistLocked(); err != nil {
		return deltas, err
	}
	return deltas, nil
}

// Reset zeroes the cumulative counters and stamps the reset time. Raw
// last samples survive so usage counts from the reset point instead of
// re-attributing each container's lifetime counters.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data.RxBytes = 0
	l.data.TxBytes = 0
	l.data.PerUser = map[int]Counters{}
	l.data.LastReset = time.Now().Format(time.RFC3339)
	return l.persistLocked()
}

// Totals returns the aggregate cumulative counters.
func (l *Ledger) Totals() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Counters{Rx: l.data.RxBytes, Tx: l.data.TxBytes}
}

// UserUsageBytes returns the cumulative usage attributed to port.
func (l *Ledger) UserUsageBytes(port int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.data.PerUser[port]
	return u.Rx + u.Tx
}

// UserCounters returns the per-direction usage attributed to port.
func (l *Ledger) UserCounters(port int) Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.PerUser[port]
}

// LastSample returns the raw counters observed for name at the last
// cycle, for tests and diagnostics.
func (l *Ledger) LastSample(name string) (Counters, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.data.LastSample[name]
	return c, ok
}

func (l *Ledger) persistLocked() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %q: %w", dir, err)
	}
	data, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".traffic-*.json.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("ledger: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("ledger: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("ledger: rename into place: %w", err)
	}
	return nil
}

// UserUsage is one row of the per-user traffic breakdown.
type UserUsage struct {
	Name      string  `json:"name"`
	Port      int     `json:"port"`
	Enabled   bool    `json:"enabled"`
	RxBytes   int64   `json:"rx_bytes"`
	TxBytes   int64   `json:"tx_bytes"`
	LimitGB   float64 `json:"limit_gb"`
	UsedPct   float64 `json:"limit_used_pct"`
	Throttled bool    `json:"throttled"`
}

// Summary is the operator-facing traffic report.
type Summary struct {
	RxBytes   int64       `json:"rx_bytes"`
	TxBytes   int64       `json:"tx_bytes"`
	LimitGB   float64     `json:"limit_gb"`
	UsedPct   float64     `json:"limit_used_pct"`
	LastReset string      `json:"last_reset"`
	PerUser   []UserUsage `json:"per_user"`
}

// GBToBytes converts a gibibyte limit to bytes.
func GBToBytes(gb float64) int64 {
	return int64(gb * float64(1<<30))
}

func usedPct(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	pct := float64(used) / float64(limit) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Summarize builds the traffic summary for the given declared state.
// throttled reports the live throttle status per port.
func (l *Ledger) Summarize(rec store.Record, throttled func(port int) bool) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		RxBytes:   l.data.RxBytes,
		TxBytes:   l.data.TxBytes,
		LimitGB:   rec.Settings.TrafficLimitGB,
		UsedPct:   usedPct(l.data.RxBytes+l.data.TxBytes, GBToBytes(rec.Settings.TrafficLimitGB)),
		LastReset: l.data.LastReset,
	}

	users := make([]store.User, len(rec.Users))
	copy(users, rec.Users)
	sort.Slice(users, func(i, j int) bool { return users[i].Port < users[j].Port })

	for _, u := range users {
		c := l.data.PerUser[u.Port]
		limit := rec.Settings.EffectiveLimitGB(u)
		s.PerUser = append(s.PerUser, UserUsage{
			Name:      u.Name,
			Port:      u.Port,
			Enabled:   u.Enabled,
			RxBytes:   c.Rx,
			TxBytes:   c.Tx,
			LimitGB:   limit,
			UsedPct:   usedPct(c.Rx+c.Tx, GBToBytes(limit)),
			Throttled: throttled(u.Port),
		})
	}
	return s
}
