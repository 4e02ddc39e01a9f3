package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cartunes/tunectl/internal/knowledge"
	"github.com/cartunes/tunectl/internal/planner"
)

// BackupHandle points at one pre-apply snapshot.
type BackupHandle struct {
	Service string
	Path    string
}

// Applier is the cluster-side boundary of the transaction. Production is
// a CLI wrapper; tests use an in-memory fake.
type Applier interface {
	// DryRun verifies the service can be updated, without writing.
	DryRun(ctx context.Context, svc string) error
	// Backup snapshots the live configuration for rollback.
	Backup(ctx context.Context, svc string) (*BackupHandle, error)
	// Apply pushes the target resources for the given situation.
	Apply(ctx context.Context, svc string, cfg knowledge.ResourceConfig, situation planner.Situation) error
	// Rollback restores a service from its snapshot.
	Rollback(ctx context.Context, handle *BackupHandle) error
}

// KnobApplier pushes application-level quality knobs; this is the
// separate apply path for QoE retunes.
type KnobApplier interface {
	PushKnobs(ctx context.Context, svc string, cfg knowledge.ResourceConfig) error
}

// backupTimestamp is the snapshot filename time layout.
const backupTimestamp = "20060102_150405"

// ClusterApplier drives the `oc` CLI. Command shapes carry exactly the
// fields the controller owns: requests/limits in mCPU and MiB, the
// replica count, rollout restarts, and the full redeploy script.
type ClusterApplier struct {
	runner         CommandRunner
	backupDir      string
	redeployScript string
	log            *zap.SugaredLogger
}

// NewClusterApplier creates the production Applier.
func NewClusterApplier(runner CommandRunner, backupDir, redeployScript string, log *zap.SugaredLogger) *ClusterApplier {
	return &ClusterApplier{
		runner:         runner,
		backupDir:      backupDir,
		redeployScript: redeployScript,
		log:            log,
	}
}

func (a *ClusterApplier) run(ctx context.Context, name string, args ...string) error {
	res, err := a.runner.Run(ctx, name, args...)
	if err != nil {
		return err
	}
	if res.Failed() {
		return fmt.Errorf("%s %s: exit %d: %s", name, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// DryRun checks that the deployment exists and is addressable.
func (a *ClusterApplier) DryRun(ctx context.Context, svc string) error {
	if err := a.run(ctx, "oc", "get", "deploy", svc); err != nil {
		return fmt.Errorf("dry-run %s: %w", svc, err)
	}
	return nil
}

// Backup fetches the live deployment manifest, verifies it parses as
// YAML, and writes it to a timestamped file under the backup directory.
func (a *ClusterApplier) Backup(ctx context.Context, svc string) (*BackupHandle, error) {
	res, err := a.runner.Run(ctx, "oc", "get", "deploy", svc, "-o", "yaml")
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, fmt.Errorf("backup %s: exit %d: %s", svc, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(res.Stdout), &doc); err != nil {
		return nil, fmt.Errorf("backup %s: manifest not valid yaml: %w", svc, err)
	}

	if err := os.MkdirAll(a.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(a.backupDir, fmt.Sprintf("%s_%s.yaml", svc, time.Now().Format(backupTimestamp)))
	if err := os.WriteFile(path, []byte(res.Stdout), 0o644); err != nil {
		return nil, fmt.Errorf("write backup %s: %w", path, err)
	}

	a.log.Infow("backup written", "service", svc, "path", path)
	return &BackupHandle{Service: svc, Path: path}, nil
}

// Apply issues the situation-specific commands.
func (a *ClusterApplier) Apply(ctx context.Context, svc string, cfg knowledge.ResourceConfig, situation planner.Situation) error {
	deployment := "deployment/" + svc

	switch situation {
	case planner.SituationSelfHealHard:
		return a.run(ctx, "bash", a.redeployScript)

	case planner.SituationSelfHealSoft:
		if err := a.run(ctx, "oc", "rollout", "restart", deployment); err != nil {
			return err
		}
		replicas := cfg.Replica
		if replicas < 1 {
			replicas = 1
		}
		return a.run(ctx, "oc", "scale", deployment, fmt.Sprintf("--replicas=%d", replicas))

	case planner.SituationQoSWarning:
		limits := fmt.Sprintf("--limits=cpu=%dm,memory=%dMi", cfg.Limits.CPU, cfg.Limits.Memory)
		if err := a.run(ctx, "oc", "set", "resources", deployment, limits); err != nil {
			return err
		}
		return a.run(ctx, "oc", "scale", deployment, fmt.Sprintf("--replicas=%d", cfg.Replica))

	case planner.SituationQoSUnhealthy:
		requests := fmt.Sprintf("--requests=cpu=%dm,memory=%dMi", cfg.Requests.CPU, cfg.Requests.Memory)
		limits := fmt.Sprintf("--limits=cpu=%dm,memory=%dMi", cfg.Limits.CPU, cfg.Limits.Memory)
		if err := a.run(ctx, "oc", "set", "resources", deployment, requests, limits); err != nil {
			return err
		}
		return a.run(ctx, "oc", "scale", deployment, fmt.Sprintf("--replicas=%d", cfg.Replica))

	case planner.SituationQoEUnhealthy:
		// Knob pushes go through the application path, not the cluster.
		return nil

	default:
		return fmt.Errorf("apply %s: unknown situation %q", svc, situation)
	}
}

// Rollback restores a service from its snapshot file.
func (a *ClusterApplier) Rollback(ctx context.Context, handle *BackupHandle) error {
	if handle == nil {
		return fmt.Errorf("rollback: no backup handle")
	}
	if _, err := os.Stat(handle.Path); err != nil {
		return fmt.Errorf("rollback %s: backup missing: %w", handle.Service, err)
	}
	if err := a.run(ctx, "oc", "apply", "-f", handle.Path); err != nil {
		return fmt.Errorf("rollback %s: %w", handle.Service, err)
	}
	return nil
}

// AppKnobClient pushes song quality, cache size, and preload depth to the
// streaming application's configuration endpoint.
type AppKnobClient struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

// NewAppKnobClient builds the production KnobApplier.
func NewAppKnobClient(baseURL string, timeout time.Duration, log *zap.SugaredLogger) *AppKnobClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AppKnobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// knobDocument is the application's config update payload.
type knobDocument struct {
	SongQuality int `json:"song_quality"`
	CacheSizeMB int `json:"cache_size_mb"`
	PreloadSong int `json:"preload_song"`
}

// PushKnobs POSTs the knob document to the application.
func (c *AppKnobClient) PushKnobs(ctx context.Context, svc string, cfg knowledge.ResourceConfig) error {
	payload, err := json.Marshal(knobDocument{
		SongQuality: cfg.SongQuality,
		CacheSizeMB: cfg.CacheSize,
		PreloadSong: cfg.PreloadSong,
	})
	if err != nil {
		return fmt.Errorf("marshal knobs for %s: %w", svc, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/config", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build knob request for %s: %w", svc, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("push knobs for %s: %w", svc, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push knobs for %s: app returned %s", svc, resp.Status)
	}
	c.log.Infow("knobs pushed", "service", svc,
		"song_quality", cfg.SongQuality, "cache_size", cfg.CacheSize, "preload_song", cfg.PreloadSong)
	return nil
}
