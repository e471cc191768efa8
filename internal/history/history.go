// Package history keeps daily per-user usage rollups in SQLite, fed by
// the monitor loop's per-cycle deltas. The ledger answers "how much in
// total"; this store answers "how much per day".
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const dayFormat = "2006-01-02"

// Store is a SQLite-backed usage history store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises
// the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS usage_daily (
  day TEXT NOT NULL,
  port INTEGER NOT NULL,
  rx_bytes INTEGER NOT NULL DEFAULT 0,
  tx_bytes INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (day, port)
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("history: init schema: %w", err)
	}
	return nil
}

// Add folds one cycle's delta for a port into the day bucket of t.
func (s *Store) Add(t time.Time, port int, rxBytes, txBytes int64) error {
	if rxBytes == 0 && txBytes == 0 {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO usage_daily (day, port, rx_bytes, tx_bytes) VALUES (?, ?, ?, ?)
		 ON CONFLICT(day, port) DO UPDATE SET
		   rx_bytes = rx_bytes + excluded.rx_bytes,
		   tx_bytes = tx_bytes + excluded.tx_bytes`,
		t.Format(dayFormat), port, rxBytes, txBytes,
	)
	if err != nil {
		return fmt.Errorf("history: add usage for port %d: %w", port, err)
	}
	return nil
}

// DayUsage is one persisted rollup row.
type DayUsage struct {
	Day     string `json:"day"`
	Port    int    `json:"port"`
	RxBytes int64  `json:"rx_bytes"`
	TxBytes int64  `json:"tx_bytes"`
}

// Range returns all rollups for the last n days (today included),
// oldest first, ports ascending within a day.
func (s *Store) Range(now time.Time, n int) ([]DayUsage, error) {
	since := now.AddDate(0, 0, -(n - 1)).Format(dayFormat)
	rows, err := s.db.Query(
		`SELECT day, port, rx_bytes, tx_bytes FROM usage_daily
		 WHERE day >= ? ORDER BY day, port`, since)
	if err != nil {
		return nil, fmt.Errorf("history: query range: %w", err)
	}
	defer rows.Close()

	var out []DayUsage
	for rows.Next() {
		var d DayUsage
		if err := rows.Scan(&d.Day, &d.Port, &d.RxBytes, &d.TxBytes); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}
	return out, nil
}

// Prune drops rollups older than keepDays. Called opportunistically by
// the monitor loop.
func (s *Store) Prune(now time.Time, keepDays int) error {
	cutoff := now.AddDate(0, 0, -keepDays).Format(dayFormat)
	if _, err := s.db.Exec(`DELETE FROM usage_daily WHERE day < ?`, cutoff); err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}
