// Package telemetry fetches the two signal streams the controller fuses:
// QoS metrics from the cluster telemetry provider and QoE metrics from the
// streaming application itself.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MetricKey identifies one (metric id, time aggregation) request.
type MetricKey struct {
	ID  string
	Agg string
}

// String renders the key the way raw dump filenames use it.
func (m MetricKey) String() string {
	return strings.ReplaceAll(m.ID, ".", "_") + "_" + m.Agg
}

// Sample is one segmented data point from the provider: a timestamp, the
// deployment the value belongs to, and the value itself.
type Sample struct {
	Timestamp int64
	Service   string
	Value     float64
}

// QoSClient fetches per-deployment metric aggregations over the last
// control window.
type QoSClient interface {
	FetchMetric(ctx context.Context, key MetricKey) ([]Sample, error)
}

// samplingSeconds is the fixed provider-side sampling period.
const samplingSeconds = 10

// ClusterClient is the production QoSClient. It speaks the IBM Cloud
// Monitoring data API: a POST with the metric descriptor, a relative
// window, and a namespace filter, authenticated with the instance GUID and
// API key.
type ClusterClient struct {
	baseURL   string
	guid      string
	apiKey    string
	namespace string
	window    time.Duration
	rawDir    string
	client    *http.Client
	log       *zap.SugaredLogger
}

// ClusterOptions configures a ClusterClient.
type ClusterOptions struct {
	BaseURL   string
	GUID      string
	APIKey    string
	Namespace string
	// Window is the control period T; each fetch covers [now-T, now].
	Window time.Duration
	// RawDir, when set, receives one JSON dump per (metric, agg).
	RawDir  string
	Timeout time.Duration
}

// NewClusterClient builds the production telemetry client.
func NewClusterClient(opts ClusterOptions, log *zap.SugaredLogger) *ClusterClient {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ClusterClient{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		guid:      opts.GUID,
		apiKey:    opts.APIKey,
		namespace: opts.Namespace,
		window:    opts.Window,
		rawDir:    opts.RawDir,
		client:    &http.Client{Timeout: timeout},
		log:       log,
	}
}

// dataRequest is the provider's query document. Metrics are segmented by
// deployment name, so every sample carries the service it belongs to.
type dataRequest struct {
	Metrics  []metricDescriptor `json:"metrics"`
	Start    int64              `json:"start"`
	End      int64              `json:"end"`
	Sampling int64              `json:"sampling"`
	Filter   string             `json:"filter"`
}

type metricDescriptor struct {
	ID           string            `json:"id"`
	Aggregations map[string]string `json:"aggregations,omitempty"`
}

// dataResponse mirrors the provider's answer: rows of {t, [segment, value]}.
type dataResponse struct {
	Data []dataRow `json:"data"`
}

type dataRow struct {
	T int64             `json:"t"`
	D []json.RawMessage `json:"d"`
}

// FetchMetric requests one metric aggregation segmented by deployment.
// Provider errors are returned to the caller, which treats them as an
// empty result for the cycle.
func (c *ClusterClient) FetchMetric(ctx context.Context, key MetricKey) ([]Sample, error) {
	req := dataRequest{
		Metrics: []metricDescriptor{
			{ID: "kubernetes.deployment.name"},
			{ID: key.ID, Aggregations: map[string]string{"time": key.Agg, "group": "avg"}},
		},
		Start:    -int64(c.window / time.Second),
		End:      0,
		Sampling: samplingSeconds,
		Filter:   fmt.Sprintf("kube_namespace_name=%q", c.namespace),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal data request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/data", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build data request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("IBMInstanceID", c.guid)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: provider returned %s", key, resp.Status)
	}

	var raw bytes.Buffer
	var decoded dataResponse
	if err := json.NewDecoder(io.TeeReader(resp.Body, &raw)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", key, err)
	}

	if c.rawDir != "" {
		c.dumpRaw(key, raw.Bytes())
	}

	return parseSamples(decoded), nil
}

func parseSamples(resp dataResponse) []Sample {
	samples := make([]Sample, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row.D) < 2 {
			continue
		}
		var svc string
		var value float64
		if err := json.Unmarshal(row.D[0], &svc); err != nil {
			continue
		}
		if err := json.Unmarshal(row.D[1], &value); err != nil {
			continue
		}
		samples = append(samples, Sample{Timestamp: row.T, Service: svc, Value: value})
	}
	return samples
}

// dumpRaw persists the provider's response for offline inspection. Dump
// failures are logged, never surfaced: the cycle does not depend on them.
func (c *ClusterClient) dumpRaw(key MetricKey, payload []byte) {
	if err := os.MkdirAll(c.rawDir, 0o755); err != nil {
		c.log.Warnw("create raw dump dir", zap.Error(err))
		return
	}
	path := filepath.Join(c.rawDir, key.String()+"_metric.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		c.log.Warnw("write raw dump", "path", path, zap.Error(err))
	}
}

// MonitorMetrics is the full catalog the Monitor collects each cycle; the
// Analyzer consumes the AnalyzeMetrics subset and the rest feeds the
// dataset writer.
func MonitorMetrics() []MetricKey {
	return []MetricKey{
		{"jvm.heap.used.percent", "avg"},
		{"jvm.gc.global.time", "avg"},
		{"jvm.nonHeap.used.percent", "avg"},
		{"cpu.quota.used.percent", "avg"},
		{"memory.limit.used.percent", "avg"},
		{"net.request.time.in", "avg"},
		{"jvm.thread.count", "max"},
		{"net.http.request.time", "max"},
		{"net.request.time.in", "max"},
		{"net.bytes.in", "max"},
		{"net.bytes.out", "max"},
		{"net.bytes.total", "max"},
		{"kubernetes.deployment.replicas.available", "max"},
		{"jvm.gc.global.count", "sum"},
		{"net.request.count.in", "sum"},
		{"net.http.error.count", "sum"},
		{"net.bytes.total", "sum"},
	}
}

// AnalyzeMetrics is the four-golden-signals subset the Analyzer evaluates.
func AnalyzeMetrics() []MetricKey {
	return []MetricKey{
		{"net.request.time.in", "avg"},
		{"net.request.time.in", "max"},
		{"net.request.count.in", "sum"},
		{"net.bytes.total", "sum"},
		{"net.http.error.count", "sum"},
		{"cpu.quota.used.percent", "avg"},
		{"memory.limit.used.percent", "avg"},
		{"jvm.gc.global.time", "avg"},
		{"kubernetes.deployment.replicas.available", "max"},
	}
}
