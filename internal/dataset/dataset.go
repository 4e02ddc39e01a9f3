// Package dataset appends the long-form per-service metric history the
// controller accumulates for offline analysis.
package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cartunes/tunectl/internal/telemetry"
)

// columns is the fixed CSV schema: identity first, then one column per
// monitored metric.
var columns = []struct {
	header string
	key    telemetry.MetricKey
}{
	{"cpu.quota.used.percent", telemetry.MetricKey{ID: "cpu.quota.used.percent", Agg: "avg"}},
	{"memory.limit.used.percent", telemetry.MetricKey{ID: "memory.limit.used.percent", Agg: "avg"}},
	{"jvm.heap.used.percent", telemetry.MetricKey{ID: "jvm.heap.used.percent", Agg: "avg"}},
	{"jvm.gc.global.time", telemetry.MetricKey{ID: "jvm.gc.global.time", Agg: "avg"}},
	{"kubernetes.deployment.replicas.available", telemetry.MetricKey{ID: "kubernetes.deployment.replicas.available", Agg: "max"}},
	{"net.http.request.time", telemetry.MetricKey{ID: "net.http.request.time", Agg: "max"}},
	{"net.request.count.in", telemetry.MetricKey{ID: "net.request.count.in", Agg: "sum"}},
	{"net.http.error.count", telemetry.MetricKey{ID: "net.http.error.count", Agg: "sum"}},
	{"net.request.time.in", telemetry.MetricKey{ID: "net.request.time.in", Agg: "max"}},
	{"net.bytes.in", telemetry.MetricKey{ID: "net.bytes.in", Agg: "max"}},
	{"net.bytes.out", telemetry.MetricKey{ID: "net.bytes.out", Agg: "max"}},
	{"net.bytes.total", telemetry.MetricKey{ID: "net.bytes.total", Agg: "max"}},
	{"jvm.nonHeap.used.percent", telemetry.MetricKey{ID: "jvm.nonHeap.used.percent", Agg: "avg"}},
	{"jvm.thread.count", telemetry.MetricKey{ID: "jvm.thread.count", Agg: "max"}},
	{"jvm.gc.global.count", telemetry.MetricKey{ID: "jvm.gc.global.count", Agg: "sum"}},
}

// Writer appends cycle rows to the dataset CSV.
type Writer struct {
	path     string
	services []string
}

// NewWriter creates the dataset file with its header when absent.
func NewWriter(path string, services []string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create dataset: %w", err)
		}
		w := csv.NewWriter(f)
		header := []string{"timestamp", "service"}
		for _, c := range columns {
			header = append(header, c.header)
		}
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write dataset header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush dataset header: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("close dataset: %w", err)
		}
	}

	return &Writer{path: path, services: services}, nil
}

// Append writes one row per service for the cycle. Metrics without data
// leave their cell empty rather than recording a fake zero.
func (w *Writer) Append(ts time.Time, qos map[telemetry.MetricKey][]telemetry.Sample) error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	means := cycleMeans(qos, w.services)

	cw := csv.NewWriter(f)
	stamp := ts.Format(time.RFC3339)
	for _, svc := range w.services {
		row := []string{stamp, svc}
		for _, c := range columns {
			if v, ok := means[svc][c.key]; ok {
				row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write dataset row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush dataset: %w", err)
	}
	return nil
}

// cycleMeans folds samples into per-service means per metric key.
func cycleMeans(qos map[telemetry.MetricKey][]telemetry.Sample, services []string) map[string]map[telemetry.MetricKey]float64 {
	known := make(map[string]bool, len(services))
	for _, svc := range services {
		known[svc] = true
	}

	sums := make(map[string]map[telemetry.MetricKey]float64)
	counts := make(map[string]map[telemetry.MetricKey]int)
	for key, samples := range qos {
		for _, s := range samples {
			if !known[s.Service] {
				continue
			}
			if sums[s.Service] == nil {
				sums[s.Service] = make(map[telemetry.MetricKey]float64)
				counts[s.Service] = make(map[telemetry.MetricKey]int)
			}
			sums[s.Service][key] += s.Value
			counts[s.Service][key]++
		}
	}

	means := make(map[string]map[telemetry.MetricKey]float64, len(sums))
	for svc, metricSums := range sums {
		means[svc] = make(map[telemetry.MetricKey]float64, len(metricSums))
		for key, sum := range metricSums {
			means[svc][key] = sum / float64(counts[svc][key])
		}
	}
	return means
}
