package analyzer

import "sort"

// Flag names one unhealthy condition. The vocabulary is closed: the
// Analyzer only ever emits the constants below, so downstream matching is
// exhaustive.
type Flag string

const (
	FlagCPUHigh          Flag = "cpu_high"
	FlagCPULow           Flag = "cpu_low"
	FlagMemoryHigh       Flag = "memory_high"
	FlagMemoryLow        Flag = "memory_low"
	FlagLatencyAvgHigh   Flag = "latency_avg_high"
	FlagErrorRateHigh    Flag = "error_rate_high"
	FlagNoReplicas       Flag = "no_replicas"
	FlagPlaybackLatHigh  Flag = "playback_latency_high"
	FlagPlaybackLatLow   Flag = "playback_latency_low"
	FlagDownloadTimeHigh Flag = "download_time_high"
	FlagDownloadTimeLow  Flag = "download_time_low"
	FlagCacheHitLow      Flag = "cache_hit_low"
	FlagDiskUsageHigh    Flag = "disk_usage_high"
)

// FlagSet is an unordered set over the closed flag vocabulary.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a set from the given flags.
func NewFlagSet(flags ...Flag) FlagSet {
	s := make(FlagSet, len(flags))
	for _, f := range flags {
		s.Add(f)
	}
	return s
}

// Add inserts a flag.
func (s FlagSet) Add(f Flag) { s[f] = struct{}{} }

// Has reports membership.
func (s FlagSet) Has(f Flag) bool {
	_, ok := s[f]
	return ok
}

// HasAll reports whether every given flag is present.
func (s FlagSet) HasAll(flags ...Flag) bool {
	for _, f := range flags {
		if !s.Has(f) {
			return false
		}
	}
	return true
}

// Len is the number of flags set.
func (s FlagSet) Len() int { return len(s) }

// Sorted returns the flags in lexical order for stable logs and tests.
func (s FlagSet) Sorted() []Flag {
	out := make([]Flag, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tag is one verdict component. Tags are ordered: self-heal first, then
// the QoE verdict, then the QoS tier.
type Tag string

const (
	TagSelfHeal     Tag = "self_heal"
	TagQoEHealthy   Tag = "qoe_healthy"
	TagQoEUnhealthy Tag = "qoe_unhealthy"
	TagQoSHealthy   Tag = "qos_healthy"
	TagQoSWarning   Tag = "qos_warning"
	TagQoSUnhealthy Tag = "qos_unhealthy"
)

// hasTag reports whether the ordered tag list contains t.
func hasTag(tags []Tag, t Tag) bool {
	for _, have := range tags {
		if have == t {
			return true
		}
	}
	return false
}
