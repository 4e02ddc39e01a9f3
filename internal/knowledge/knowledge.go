package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var (
	// ErrConfigMissing is returned when the knowledge file does not exist.
	ErrConfigMissing = errors.New("knowledge file missing")
	// ErrConfigInvalid is returned when required sections or fields are
	// absent or inconsistent.
	ErrConfigInvalid = errors.New("knowledge file invalid")
)

// Knowledge is the loaded knowledge base. Accessors return copies so the
// in-memory snapshot cannot be mutated behind the store's back. All
// methods are intended for the single control-loop goroutine; the only
// cross-goroutine state is the dirty flag set by the file watcher.
type Knowledge struct {
	path         string
	doc          Document
	lastModified time.Time
	dirty        atomic.Bool
	watcher      *fsnotify.Watcher
	log          *zap.SugaredLogger
}

// Load reads and validates the knowledge file at path. A file watcher is
// attached so writes that land within the same mtime granularity still
// trigger a reload on the next cycle.
func Load(path string, log *zap.SugaredLogger) (*Knowledge, error) {
	k := &Knowledge{path: path, log: log}
	if err := k.read(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnw("knowledge watcher unavailable, falling back to mtime checks", zap.Error(err))
	} else if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warnw("knowledge watcher failed to add directory", zap.Error(err))
		watcher.Close()
	} else {
		k.watcher = watcher
		go k.watch()
	}

	return k, nil
}

func (k *Knowledge) read() error {
	info, err := os.Stat(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigMissing, k.path)
		}
		return fmt.Errorf("stat %s: %w", k.path, err)
	}

	data, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", k.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := Validate(&doc); err != nil {
		return err
	}

	k.doc = doc
	k.lastModified = info.ModTime()
	return nil
}

// watch marks the snapshot dirty whenever the knowledge file is written.
// The actual reload happens on the loop goroutine in ReloadIfUpdated.
func (k *Knowledge) watch() {
	base := filepath.Base(k.path)
	for {
		select {
		case ev, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == base && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				k.dirty.Store(true)
			}
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			k.log.Warnw("knowledge watcher error", zap.Error(err))
		}
	}
}

// Validate checks the document for the fields the controller cannot run
// without.
func Validate(doc *Document) error {
	if len(doc.Resources) == 0 {
		return fmt.Errorf("%w: no resources section", ErrConfigInvalid)
	}

	w := doc.Weights
	for name, v := range map[string]float64{
		"cpu": w.CPU, "memory": w.Memory, "latency": w.Latency, "error_rate": w.ErrorRate,
	} {
		if v < 0 {
			return fmt.Errorf("%w: negative weight %s", ErrConfigInvalid, name)
		}
	}
	if sum := w.CPU + w.Memory + w.Latency + w.ErrorRate; math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("%w: weights sum to %.4f, want 1", ErrConfigInvalid, sum)
	}

	t := doc.Thresholds
	if t.CPU.High <= t.CPU.Low || t.Memory.High <= t.Memory.Low {
		return fmt.Errorf("%w: threshold bands inverted", ErrConfigInvalid)
	}
	if t.Latency.Avg <= 0 || t.ErrorRate <= 0 {
		return fmt.Errorf("%w: latency/error thresholds must be positive", ErrConfigInvalid)
	}

	l := doc.Limitations.Single
	if l.MaxCPU < l.MinCPU || l.MaxMemory < l.MinMemory || l.MaxReplica < l.MinReplica {
		return fmt.Errorf("%w: resource limitations inverted", ErrConfigInvalid)
	}
	if l.MinReplica < 1 {
		return fmt.Errorf("%w: min_replica must be >= 1", ErrConfigInvalid)
	}

	for svc, cfg := range doc.Resources {
		if !l.WithinLimits(cfg) {
			return fmt.Errorf("%w: baseline for %s outside limitations", ErrConfigInvalid, svc)
		}
	}
	return nil
}

// ReloadIfUpdated re-reads the file when its mtime has advanced or the
// watcher flagged a write. A reload that fails validation keeps the
// previous snapshot.
func (k *Knowledge) ReloadIfUpdated() error {
	changed := k.dirty.Swap(false)
	if !changed {
		info, err := os.Stat(k.path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", k.path, err)
		}
		changed = !info.ModTime().Equal(k.lastModified)
	}
	if !changed {
		return nil
	}

	prev := k.doc
	prevMod := k.lastModified
	if err := k.read(); err != nil {
		k.doc = prev
		k.lastModified = prevMod
		return fmt.Errorf("reload knowledge: %w", err)
	}
	k.log.Infow("knowledge reloaded", "path", k.path)
	return nil
}

// Close stops the file watcher.
func (k *Knowledge) Close() error {
	if k.watcher != nil {
		return k.watcher.Close()
	}
	return nil
}

// Thresholds returns a copy of the current thresholds.
func (k *Knowledge) Thresholds() Thresholds { return k.doc.Thresholds }

// Weights returns a copy of the current utility weights.
func (k *Knowledge) Weights() Weights { return k.doc.Weights }

// Limits returns a copy of the per-service tunable bounds.
func (k *Knowledge) Limits() Limits { return k.doc.Limitations.Single }

// Services returns the regulated service names, as declared by the
// resources section.
func (k *Knowledge) Services() []string {
	names := make([]string, 0, len(k.doc.Resources))
	for svc := range k.doc.Resources {
		names = append(names, svc)
	}
	return names
}

// Resources returns a copy of every baseline ResourceConfig keyed by
// service.
func (k *Knowledge) Resources() map[string]ResourceConfig {
	out := make(map[string]ResourceConfig, len(k.doc.Resources))
	for svc, cfg := range k.doc.Resources {
		out[svc] = cfg
	}
	return out
}

// ResourceFor returns the baseline ResourceConfig for one service.
func (k *Knowledge) ResourceFor(svc string) (ResourceConfig, bool) {
	cfg, ok := k.doc.Resources[svc]
	return cfg, ok
}

// SetThresholds replaces the thresholds section and writes through.
func (k *Knowledge) SetThresholds(t Thresholds) error {
	prev := k.doc.Thresholds
	k.doc.Thresholds = t
	if err := k.save(); err != nil {
		k.doc.Thresholds = prev
		return err
	}
	return nil
}

// SetWeights replaces the weights section and writes through.
func (k *Knowledge) SetWeights(w Weights) error {
	prev := k.doc.Weights
	k.doc.Weights = w
	if err := k.save(); err != nil {
		k.doc.Weights = prev
		return err
	}
	return nil
}

// SetResourceConfig replaces one service's baseline and writes through.
func (k *Knowledge) SetResourceConfig(svc string, cfg ResourceConfig) error {
	prev, had := k.doc.Resources[svc]
	k.doc.Resources[svc] = cfg
	if err := k.save(); err != nil {
		if had {
			k.doc.Resources[svc] = prev
		} else {
			delete(k.doc.Resources, svc)
		}
		return err
	}
	return nil
}

// save atomically rewrites the knowledge file: temp file in the same
// directory, fsync, rename over the original.
func (k *Knowledge) save() error {
	data, err := json.MarshalIndent(&k.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal knowledge: %w", err)
	}

	dir := filepath.Dir(k.path)
	tmp, err := os.CreateTemp(dir, ".knowledge-*.json")
	if err != nil {
		return fmt.Errorf("create temp knowledge file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp knowledge file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp knowledge file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp knowledge file: %w", err)
	}
	if err := os.Rename(tmpName, k.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace knowledge file: %w", err)
	}

	if info, err := os.Stat(k.path); err == nil {
		k.lastModified = info.ModTime()
	}
	// Our own rename fires the watcher; the snapshot is already current.
	k.dirty.Store(false)
	return nil
}
