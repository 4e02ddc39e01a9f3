// Package knowledge persists the controller's shared knowledge base:
// thresholds, utility weights, per-service baseline resources, and the
// global tunable bounds. The backing store is a single JSON document that
// is rewritten atomically on mutation and hot-reloaded when it changes.
package knowledge

// Resources holds a CPU/memory pair in millicores and MiB.
type Resources struct {
	CPU    int `json:"cpu"`
	Memory int `json:"memory"`
}

// ResourceConfig is the mutable per-service configuration the controller
// owns: container requests/limits, replica count, and the application
// quality knobs.
type ResourceConfig struct {
	Requests    Resources `json:"requests"`
	Limits      Resources `json:"limits"`
	Replica     int       `json:"replica"`
	SongQuality int       `json:"song_quality"`
	CacheSize   int       `json:"cache_size"`
	PreloadSong int       `json:"preload_song"`
}

// Band is a low/high threshold pair for a single metric.
type Band struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// LatencyThresholds separates the average and maximum latency bounds (ms).
type LatencyThresholds struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// Thresholds defines all health bands the Analyzer evaluates against,
// plus the ROI gate the Planner applies to QoS moves.
type Thresholds struct {
	CPU             Band              `json:"cpu"`
	Memory          Band              `json:"memory"`
	Latency         LatencyThresholds `json:"latency"`
	ErrorRate       float64           `json:"error_rate"`
	PlaybackLatency Band              `json:"playback_latency"`
	DownloadTime    Band              `json:"download_time"`
	CacheHit        float64           `json:"cache_hit"`
	DiskUsage       float64           `json:"disk_usage"`
	ROI             float64           `json:"roi"`
}

// Weights are the utility function coefficients. They must be
// non-negative and sum to 1.
type Weights struct {
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory"`
	Latency   float64 `json:"latency"`
	ErrorRate float64 `json:"error_rate"`
}

// Limits bounds every tunable in ResourceConfig. The Planner never emits
// a value outside these.
type Limits struct {
	MinCPU         int `json:"min_cpu"`
	MaxCPU         int `json:"max_cpu"`
	MinMemory      int `json:"min_memory"`
	MaxMemory      int `json:"max_memory"`
	MinReplica     int `json:"min_replica"`
	MaxReplica     int `json:"max_replica"`
	MinSongQuality int `json:"min_song_quality"`
	MaxSongQuality int `json:"max_song_quality"`
	MinCacheSize   int `json:"min_cache_size"`
	MaxCacheSize   int `json:"max_cache_size"`
	MinPreloadSong int `json:"min_preload_song"`
	MaxPreloadSong int `json:"max_preload_song"`
}

// Limitations wraps the per-service bounds. The document keeps them under
// a "single" key so cluster-wide aggregate bounds can be added later
// without a schema break.
type Limitations struct {
	Single Limits `json:"single"`
}

// Document is the full on-disk knowledge schema.
type Document struct {
	Thresholds  Thresholds                `json:"thresholds"`
	Weights     Weights                   `json:"weights"`
	Resources   map[string]ResourceConfig `json:"resources"`
	Limitations Limitations               `json:"resources_limitations"`
}

// WithinLimits reports whether every field of cfg lies inside the declared
// bounds and limits cover requests componentwise.
func (l Limits) WithinLimits(cfg ResourceConfig) bool {
	switch {
	case cfg.Requests.CPU < l.MinCPU || cfg.Requests.CPU > l.MaxCPU,
		cfg.Limits.CPU < l.MinCPU || cfg.Limits.CPU > l.MaxCPU,
		cfg.Requests.Memory < l.MinMemory || cfg.Requests.Memory > l.MaxMemory,
		cfg.Limits.Memory < l.MinMemory || cfg.Limits.Memory > l.MaxMemory,
		cfg.Replica < l.MinReplica || cfg.Replica > l.MaxReplica,
		cfg.SongQuality < l.MinSongQuality || cfg.SongQuality > l.MaxSongQuality,
		cfg.CacheSize < l.MinCacheSize || cfg.CacheSize > l.MaxCacheSize,
		cfg.PreloadSong < l.MinPreloadSong || cfg.PreloadSong > l.MaxPreloadSong:
		return false
	}
	return cfg.Limits.CPU >= cfg.Requests.CPU && cfg.Limits.Memory >= cfg.Requests.Memory
}

// ClampCPU bounds a CPU value to [MinCPU, MaxCPU].
func (l Limits) ClampCPU(v int) int {
	if v < l.MinCPU {
		return l.MinCPU
	}
	if v > l.MaxCPU {
		return l.MaxCPU
	}
	return v
}

// ClampMemory bounds a memory value to [MinMemory, MaxMemory].
func (l Limits) ClampMemory(v int) int {
	if v < l.MinMemory {
		return l.MinMemory
	}
	if v > l.MaxMemory {
		return l.MaxMemory
	}
	return v
}

// ClampReplica bounds a replica count to [MinReplica, MaxReplica].
func (l Limits) ClampReplica(v int) int {
	if v < l.MinReplica {
		return l.MinReplica
	}
	if v > l.MaxReplica {
		return l.MaxReplica
	}
	return v
}
