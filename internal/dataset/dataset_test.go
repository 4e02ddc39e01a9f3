package dataset

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cartunes/tunectl/internal/telemetry"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}
	return rows
}

func TestWriterCreatesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.csv")
	services := []string{"svc-a"}

	if _, err := NewWriter(path, services); err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Re-opening an existing dataset must not duplicate the header.
	if _, err := NewWriter(path, services); err != nil {
		t.Fatalf("NewWriter reopen: %v", err)
	}

	rows := readAll(t, path)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want header only", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][1] != "service" {
		t.Errorf("header = %v, want timestamp and service first", rows[0][:2])
	}
	if len(rows[0]) != 2+len(columns) {
		t.Errorf("header width = %d, want %d", len(rows[0]), 2+len(columns))
	}
}

// TestAppendWritesOneRowPerService verifies values land under their
// column and missing metrics leave empty cells.
func TestAppendWritesOneRowPerService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.csv")
	services := []string{"svc-a", "svc-b"}

	w, err := NewWriter(path, services)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	qos := map[telemetry.MetricKey][]telemetry.Sample{
		{ID: "cpu.quota.used.percent", Agg: "avg"}: {
			{Service: "svc-a", Value: 40},
			{Service: "svc-a", Value: 60},
			{Service: "svc-b", Value: 10},
		},
	}
	if err := w.Append(time.Unix(1700000000, 0).UTC(), qos); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rows := readAll(t, path)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus one per service", len(rows))
	}

	// Column 2 is cpu.quota.used.percent; svc-a's cycle mean is 50.
	if rows[1][1] != "svc-a" || rows[1][2] != "50" {
		t.Errorf("svc-a row = %v, want cpu mean 50", rows[1][:3])
	}
	if rows[2][1] != "svc-b" || rows[2][2] != "10" {
		t.Errorf("svc-b row = %v, want cpu 10", rows[2][:3])
	}

	// A metric that never arrived stays empty, not zero.
	if rows[1][3] != "" {
		t.Errorf("missing metric cell = %q, want empty", rows[1][3])
	}
}
