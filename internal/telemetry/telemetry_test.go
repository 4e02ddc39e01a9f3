package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMetricKeyString(t *testing.T) {
	key := MetricKey{ID: "net.request.time.in", Agg: "avg"}
	if got, want := key.String(), "net_request_time_in_avg"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}

// TestFetchMetricParsesSegmentedSamples verifies the request document
// and the {t, [deployment, value]} response rows.
func TestFetchMetricParsesSegmentedSamples(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/data" {
			t.Errorf("path = %q, want /api/data", r.URL.Path)
		}
		if got := r.Header.Get("IBMInstanceID"); got != "guid-1" {
			t.Errorf("IBMInstanceID = %q, want guid-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("Authorization = %q, want Bearer key-1", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"t": 1700000000, "d": ["cartunes-app", 41.5]},
			{"t": 1700000010, "d": ["cartunes-app", 43.5]},
			{"t": 1700000000, "d": ["other-svc", 12.0]}
		]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	client := NewClusterClient(ClusterOptions{
		BaseURL:   srv.URL,
		GUID:      "guid-1",
		APIKey:    "key-1",
		Namespace: "cartunes",
		Window:    60 * time.Second,
		RawDir:    dir,
	}, zap.NewNop().Sugar())

	samples, err := client.FetchMetric(context.Background(), MetricKey{ID: "cpu.quota.used.percent", Agg: "avg"})
	if err != nil {
		t.Fatalf("FetchMetric: %v", err)
	}

	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}
	if samples[0].Service != "cartunes-app" || samples[0].Value != 41.5 {
		t.Errorf("samples[0] = %+v, want cartunes-app/41.5", samples[0])
	}

	// The window must be relative: [-60, 0] at 10s sampling.
	if got := gotBody["start"].(float64); got != -60 {
		t.Errorf("start = %v, want -60", got)
	}
	if got := gotBody["end"].(float64); got != 0 {
		t.Errorf("end = %v, want 0", got)
	}
	if got := gotBody["sampling"].(float64); got != 10 {
		t.Errorf("sampling = %v, want 10", got)
	}
	if got := gotBody["filter"].(string); got != `kube_namespace_name="cartunes"` {
		t.Errorf("filter = %q, want namespace filter", got)
	}

	// Raw dump lands under the metric/aggregation keyed filename.
	raw := filepath.Join(dir, "cpu_quota_used_percent_avg_metric.json")
	if _, err := os.Stat(raw); err != nil {
		t.Errorf("raw dump %s missing: %v", raw, err)
	}
}

// TestFetchMetricProviderError verifies non-200 answers surface as
// errors (the driver logs them and treats the metric as missing).
func TestFetchMetricProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClusterClient(ClusterOptions{
		BaseURL: srv.URL, Window: 60 * time.Second,
	}, zap.NewNop().Sugar())

	if _, err := client.FetchMetric(context.Background(), MetricKey{ID: "x", Agg: "avg"}); err == nil {
		t.Fatal("FetchMetric succeeded, want provider error")
	}
}

// TestFetchMetricSkipsMalformedRows verifies rows with missing segments
// are dropped rather than failing the whole fetch.
func TestFetchMetricSkipsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"t": 1, "d": ["svc", 1.0]},
			{"t": 2, "d": ["only-name"]},
			{"t": 3, "d": [42, 1.0]}
		]}`))
	}))
	defer srv.Close()

	client := NewClusterClient(ClusterOptions{BaseURL: srv.URL, Window: time.Minute}, zap.NewNop().Sugar())
	samples, err := client.FetchMetric(context.Background(), MetricKey{ID: "x", Agg: "avg"})
	if err != nil {
		t.Fatalf("FetchMetric: %v", err)
	}
	if len(samples) != 1 {
		t.Errorf("samples = %+v, want only the well-formed row", samples)
	}
}

func TestHitRatioPercent(t *testing.T) {
	tests := []struct {
		name string
		pair [2]int
		want float64
	}{
		{"mostly hits", [2]int{80, 20}, 80},
		{"mostly misses", [2]int{1, 3}, 25},
		{"empty cache reads healthy", [2]int{0, 0}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := QoEMetrics{CacheHitRatio: tt.pair}
			if got := m.HitRatioPercent(); got != tt.want {
				t.Errorf("HitRatioPercent = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestQoEFetch verifies the application snapshot decode.
func TestQoEFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/metrics" {
			t.Errorf("path = %q, want /api/metrics", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"disk_usage": 72.5,
			"cache_hit_ratio": [120, 30],
			"avg_playback_latency": 1.8,
			"avg_download_time": 6.2
		}`))
	}))
	defer srv.Close()

	client := NewAppClient(srv.URL, 0, zap.NewNop().Sugar())
	m, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if m.DiskUsage != 72.5 || m.AvgPlaybackLatency != 1.8 || m.AvgDownloadTime != 6.2 {
		t.Errorf("metrics = %+v, want decoded snapshot", m)
	}
	if got := m.HitRatioPercent(); got != 80 {
		t.Errorf("HitRatioPercent = %v, want 80", got)
	}
}

// TestQoEFetchUnreachable verifies a dead endpoint returns the neutral
// zero record with an error.
func TestQoEFetchUnreachable(t *testing.T) {
	client := NewAppClient("http://127.0.0.1:1", 200*time.Millisecond, zap.NewNop().Sugar())
	m, err := client.Fetch(context.Background())
	if err == nil {
		t.Fatal("Fetch succeeded against a dead endpoint")
	}
	if m != (QoEMetrics{}) {
		t.Errorf("metrics = %+v, want zero record on failure", m)
	}
}
