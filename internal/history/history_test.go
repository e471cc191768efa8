package history

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAccumulatesWithinDay(t *testing.T) {
	s := testStore(t)
	day := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	if err := s.Add(day, 2443, 100, 50); err != nil {
		t.Fatal(err)
	}
	// Same day, later cycle: folds into the same bucket.
	if err := s.Add(day.Add(3*time.Hour), 2443, 20, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(day, 2444, 7, 7); err != nil {
		t.Fatal(err)
	}

	rows, err := s.Range(day, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: %+v", rows)
	}
	if rows[0].Port != 2443 || rows[0].RxBytes != 120 || rows[0].TxBytes != 55 {
		t.Fatalf("port 2443 rollup: %+v", rows[0])
	}
	if rows[1].Port != 2444 || rows[1].RxBytes != 7 {
		t.Fatalf("port 2444 rollup: %+v", rows[1])
	}
}

func TestZeroDeltaIsNotStored(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	if err := s.Add(now, 2443, 0, 0); err != nil {
		t.Fatal(err)
	}
	rows, err := s.Range(now, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("zero delta created a row: %+v", rows)
	}
}

func TestRangeAndPrune(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	for daysAgo := 0; daysAgo < 10; daysAgo++ {
		if err := s.Add(now.AddDate(0, 0, -daysAgo), 2443, 10, 10); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.Range(now, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 7 {
		t.Fatalf("range(7): %d rows", len(rows))
	}
	// Oldest first.
	if rows[0].Day != "2026-08-17" || rows[6].Day != "2026-08-23" {
		t.Fatalf("order: first=%s last=%s", rows[0].Day, rows[6].Day)
	}

	// Prune keeps the cutoff day itself: 8 days survive.
	if err := s.Prune(now, 7); err != nil {
		t.Fatal(err)
	}
	rows, err = s.Range(now, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 8 {
		t.Fatalf("after prune: %d rows", len(rows))
	}
}
