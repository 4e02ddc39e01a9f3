package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// QoEMetrics is the application's self-reported experience snapshot.
type QoEMetrics struct {
	// DiskUsage is the cache volume usage percentage.
	DiskUsage float64 `json:"disk_usage"`
	// CacheHitRatio is the raw [hits, misses] pair.
	CacheHitRatio [2]int `json:"cache_hit_ratio"`
	// AvgPlaybackLatency is seconds from song selection to audio start.
	AvgPlaybackLatency float64 `json:"avg_playback_latency"`
	// AvgDownloadTime is seconds to fetch and transcode one track.
	AvgDownloadTime float64 `json:"avg_download_time"`
}

// HitRatioPercent folds the hit/miss pair into a percentage. An empty
// cache reports 100 so a cold start never looks like a miss storm.
func (m QoEMetrics) HitRatioPercent() float64 {
	total := m.CacheHitRatio[0] + m.CacheHitRatio[1]
	if total == 0 {
		return 100
	}
	return float64(m.CacheHitRatio[0]) / float64(total) * 100
}

// QoEClient fetches the application metrics snapshot.
type QoEClient interface {
	Fetch(ctx context.Context) (QoEMetrics, error)
}

// AppClient is the production QoEClient: a single GET against the
// streaming application's metrics endpoint.
type AppClient struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

// NewAppClient builds a QoE client for the application at baseURL.
func NewAppClient(baseURL string, timeout time.Duration, log *zap.SugaredLogger) *AppClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AppClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Fetch returns the current QoE snapshot. On any failure it returns a
// zero-valued record and the error; callers log and continue, so a
// telemetry outage reads as "QoE healthy" rather than triggering retunes.
func (c *AppClient) Fetch(ctx context.Context) (QoEMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/metrics", nil)
	if err != nil {
		return QoEMetrics{}, fmt.Errorf("build metrics request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return QoEMetrics{}, fmt.Errorf("fetch app metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QoEMetrics{}, fmt.Errorf("fetch app metrics: app returned %s", resp.Status)
	}

	var m QoEMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return QoEMetrics{}, fmt.Errorf("decode app metrics: %w", err)
	}
	return m, nil
}
