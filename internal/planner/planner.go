// Package planner maps health verdicts to at most one adaptation per
// service. It is pure: decisions are a function of the analysis result,
// the current configuration, and the knowledge bounds, so every branch is
// testable without I/O.
package planner

import (
	"sort"

	"github.com/cartunes/tunectl/internal/analyzer"
	"github.com/cartunes/tunectl/internal/knowledge"
)

// Situation selects the Executor path for one service.
type Situation string

const (
	SituationSelfHealHard Situation = "self_heal_hard"
	SituationSelfHealSoft Situation = "self_heal_soft"
	SituationQoEUnhealthy Situation = "qoe_unhealthy"
	SituationQoSWarning   Situation = "qos_warning"
	SituationQoSUnhealthy Situation = "qos_unhealthy"
)

// Step sizes for resource moves, in millicores and MiB.
const (
	cpuStep    = 250
	memoryStep = 256
)

// roiEpsilon keeps the ROI ratio finite when a candidate costs nothing.
const roiEpsilon = 1e-6

// flagCacheHitHigh is referenced by the cache shrink rule but is outside
// the analyzer's closed vocabulary, so the branch is unreachable. Kept
// until the operator decides whether a high hit ratio should ever shrink
// the cache.
const flagCacheHitHigh analyzer.Flag = "cache_hit_high"

// Decision is one planned adaptation: the situation tag that selects the
// apply path and the target configuration.
type Decision struct {
	Service   string
	Situation Situation
	Target    knowledge.ResourceConfig
}

// Plan is the cycle's full set of decisions in deterministic order.
// Services without an entry are no-ops.
type Plan struct {
	Decisions map[string]*Decision
	Order     []string
}

// Empty reports whether the plan contains no decisions.
func (p *Plan) Empty() bool { return len(p.Decisions) == 0 }

// Planner converts analysis results into plans under the knowledge
// bounds and ROI gate.
type Planner struct {
	limits knowledge.Limits
	roi    float64
}

// New creates a Planner with the given bounds and ROI threshold.
func New(limits knowledge.Limits, roi float64) *Planner {
	return &Planner{limits: limits, roi: roi}
}

// Evaluate produces at most one decision per service. Service order in
// the returned plan is lexical so apply and rollback sequences are
// reproducible.
func (p *Planner) Evaluate(results map[string]*analyzer.Result, configs map[string]knowledge.ResourceConfig) *Plan {
	plan := &Plan{Decisions: make(map[string]*Decision)}

	services := make([]string, 0, len(results))
	for svc := range results {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		current, ok := configs[svc]
		if !ok {
			continue
		}
		if d := p.decide(svc, results[svc], current); d != nil {
			plan.Decisions[svc] = d
			plan.Order = append(plan.Order, svc)
		}
	}
	return plan
}

// decide implements the precedence ladder: self-heal bypasses everything
// including ROI, QoE rules always apply when flagged, and QoS moves pass
// through the Pareto frontier and the ROI gate.
func (p *Planner) decide(svc string, res *analyzer.Result, current knowledge.ResourceConfig) *Decision {
	if res.SelfHeal() {
		situation := SituationSelfHealSoft
		if res.QoSUnhealthy.Has(analyzer.FlagNoReplicas) {
			situation = SituationSelfHealHard
		}
		// Self-heal restores the current configuration; the Executor
		// decides how.
		return &Decision{Service: svc, Situation: situation, Target: current}
	}

	qoeTarget := current
	if res.Has(analyzer.TagQoEUnhealthy) {
		qoeTarget = p.applyQoERules(res.QoEUnhealthy, current)
	}
	qoeChanged := qoeTarget != current

	var situation Situation
	switch {
	case res.Has(analyzer.TagQoSWarning):
		situation = SituationQoSWarning
	case res.Has(analyzer.TagQoSUnhealthy):
		situation = SituationQoSUnhealthy
	default:
		// QoS healthy: at most a knob retune this cycle.
		if qoeChanged {
			return &Decision{Service: svc, Situation: SituationQoEUnhealthy, Target: qoeTarget}
		}
		return nil
	}

	target := qoeTarget
	if situation == SituationQoSWarning {
		target = p.applyWarningRules(res.QoSUnhealthy, target)
	} else {
		target = p.applyUnhealthyRules(res.QoSUnhealthy, target)
	}

	if sameResources(target, qoeTarget) {
		// No rule fired; a warning on utility alone is not acted on, which
		// keeps borderline services from flapping.
		if qoeChanged {
			return &Decision{Service: svc, Situation: SituationQoEUnhealthy, Target: qoeTarget}
		}
		return nil
	}

	target = p.refineCPU(res, current, target, situation)

	if p.passROI(current, target) {
		return &Decision{Service: svc, Situation: situation, Target: target}
	}

	// ROI suppresses only the QoS portion; QoE retunes are never gated.
	if qoeChanged {
		return &Decision{Service: svc, Situation: SituationQoEUnhealthy, Target: qoeTarget}
	}
	return nil
}

// sameResources compares only the fields QoS rules touch.
func sameResources(a, b knowledge.ResourceConfig) bool {
	return a.Requests == b.Requests && a.Limits == b.Limits && a.Replica == b.Replica
}

// applyQoERules adjusts the application knobs.
func (p *Planner) applyQoERules(flags analyzer.FlagSet, cfg knowledge.ResourceConfig) knowledge.ResourceConfig {
	l := p.limits

	if flags.HasAll(analyzer.FlagPlaybackLatHigh, analyzer.FlagDownloadTimeHigh) {
		cfg.SongQuality = maxInt(cfg.SongQuality-1, l.MinSongQuality)
	}
	if flags.HasAll(analyzer.FlagPlaybackLatLow, analyzer.FlagDownloadTimeLow) {
		cfg.SongQuality = minInt(cfg.SongQuality+1, l.MaxSongQuality)
	}

	if flags.Has(flagCacheHitHigh) {
		cfg.CacheSize = maxInt(cfg.CacheSize-100, l.MinCacheSize)
	}
	if flags.Has(analyzer.FlagCacheHitLow) {
		cfg.CacheSize = minInt(cfg.CacheSize+500, l.MaxCacheSize)
	}

	if flags.HasAll(analyzer.FlagDownloadTimeHigh, analyzer.FlagCacheHitLow) {
		cfg.PreloadSong = maxInt(cfg.PreloadSong-2, l.MinPreloadSong)
	}
	if flags.Has(analyzer.FlagDownloadTimeLow) {
		cfg.PreloadSong = minInt(cfg.PreloadSong+2, l.MaxPreloadSong)
	}

	return cfg
}

// applyWarningRules moves limits only: vertical steps first, horizontal
// scaling when the vertical headroom is exhausted.
func (p *Planner) applyWarningRules(flags analyzer.FlagSet, cfg knowledge.ResourceConfig) knowledge.ResourceConfig {
	l := p.limits

	if flags.HasAll(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh) {
		cfg.Limits.CPU = l.ClampCPU(cfg.Limits.CPU + cpuStep)
	}
	if flags.Has(analyzer.FlagMemoryHigh) {
		cfg.Limits.Memory = l.ClampMemory(cfg.Limits.Memory + memoryStep)
	}
	if flags.Has(analyzer.FlagCPULow) {
		cfg.Limits.CPU = l.ClampCPU(cfg.Limits.CPU - cpuStep)
	}
	if flags.Has(analyzer.FlagMemoryLow) {
		cfg.Limits.Memory = l.ClampMemory(cfg.Limits.Memory - memoryStep)
	}
	cfg.Limits.CPU = maxInt(cfg.Limits.CPU, cfg.Requests.CPU)
	cfg.Limits.Memory = maxInt(cfg.Limits.Memory, cfg.Requests.Memory)

	ceilingHit := cfg.Limits.CPU >= l.MaxCPU || cfg.Limits.Memory >= l.MaxMemory
	pressured := flags.Has(analyzer.FlagLatencyAvgHigh) || flags.Has(analyzer.FlagErrorRateHigh)
	if ceilingHit && pressured {
		cfg.Replica = l.ClampReplica(cfg.Replica + 1)
	}
	if flags.HasAll(analyzer.FlagCPULow, analyzer.FlagMemoryLow) {
		cfg.Replica = l.ClampReplica(cfg.Replica - 1)
	}

	return cfg
}

// applyUnhealthyRules moves requests and limits together, keeping the
// deployment's headroom shape intact.
func (p *Planner) applyUnhealthyRules(flags analyzer.FlagSet, cfg knowledge.ResourceConfig) knowledge.ResourceConfig {
	l := p.limits

	if flags.HasAll(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh) {
		cfg.Requests.CPU = l.ClampCPU(cfg.Requests.CPU + cpuStep)
		cfg.Limits.CPU = l.ClampCPU(cfg.Limits.CPU + cpuStep)
	}
	if flags.Has(analyzer.FlagMemoryHigh) {
		cfg.Requests.Memory = l.ClampMemory(cfg.Requests.Memory + memoryStep)
		cfg.Limits.Memory = l.ClampMemory(cfg.Limits.Memory + memoryStep)
	}
	if flags.Has(analyzer.FlagCPULow) {
		cfg.Requests.CPU = l.ClampCPU(cfg.Requests.CPU - cpuStep)
		cfg.Limits.CPU = l.ClampCPU(cfg.Limits.CPU - cpuStep)
	}
	if flags.Has(analyzer.FlagMemoryLow) {
		cfg.Requests.Memory = l.ClampMemory(cfg.Requests.Memory - memoryStep)
		cfg.Limits.Memory = l.ClampMemory(cfg.Limits.Memory - memoryStep)
	}
	cfg.Limits.CPU = maxInt(cfg.Limits.CPU, cfg.Requests.CPU)
	cfg.Limits.Memory = maxInt(cfg.Limits.Memory, cfg.Requests.Memory)

	pressured := flags.Has(analyzer.FlagLatencyAvgHigh) || flags.Has(analyzer.FlagErrorRateHigh)
	saturated := flags.Has(analyzer.FlagCPUHigh) || flags.Has(analyzer.FlagMemoryHigh)
	if pressured && saturated {
		cfg.Replica = l.ClampReplica(cfg.Replica + 1)
	}
	if flags.HasAll(analyzer.FlagCPULow, analyzer.FlagMemoryLow) {
		cfg.Replica = l.ClampReplica(cfg.Replica - 1)
	}

	return cfg
}

// candidate is one CPU setting under evaluation: its cost axis and the
// latency the proportional model predicts for it.
type candidate struct {
	cpu     int
	latency float64
}

// refineCPU enumerates CPU settings around the current value, keeps the
// Pareto-optimal subset over (CPU, predicted latency), and confirms the
// rule-based move with the highest-ROI survivor. Ties go to the candidate
// nearest the rule target so refinement never reverses the rule's
// direction on equal footing.
func (p *Planner) refineCPU(res *analyzer.Result, current, target knowledge.ResourceConfig, situation Situation) knowledge.ResourceConfig {
	axis := func(cfg knowledge.ResourceConfig) int {
		if situation == SituationQoSUnhealthy {
			return cfg.Requests.CPU
		}
		return cfg.Limits.CPU
	}

	cpuNow := axis(current)
	ruleCPU := axis(target)
	if cpuNow <= 0 || ruleCPU == cpuNow {
		return target
	}

	latencyNow := res.LatencyAvg

	seen := make(map[int]bool, 3)
	var candidates []candidate
	for _, delta := range []int{-cpuStep, 0, cpuStep} {
		cpu := p.limits.ClampCPU(cpuNow + delta)
		if cpu < target.Requests.CPU && situation == SituationQoSWarning {
			cpu = target.Requests.CPU
		}
		if seen[cpu] {
			continue
		}
		seen[cpu] = true
		candidates = append(candidates, candidate{
			cpu:     cpu,
			latency: latencyNow * float64(cpuNow) / float64(cpu),
		})
	}

	frontier := paretoFrontier(candidates)

	best := frontier[0]
	bestROI := -1.0
	for _, c := range frontier {
		withCPU := p.withCPU(target, c.cpu, situation)
		cost := p.moveCost(current, withCPU)
		benefit := float64(cpuNow-c.cpu) / float64(cpuNow)
		roi := abs(benefit) / (cost + roiEpsilon)
		switch {
		case roi > bestROI:
			bestROI = roi
			best = c
		case roi == bestROI && absInt(c.cpu-ruleCPU) < absInt(best.cpu-ruleCPU):
			best = c
		}
	}

	return p.withCPU(target, best.cpu, situation)
}

// withCPU lands a chosen CPU setting on the fields the situation owns. An
// unhealthy move sets requests and keeps the limits-over-requests headroom
// of cfg, bounded by the CPU maximum.
func (p *Planner) withCPU(cfg knowledge.ResourceConfig, cpu int, situation Situation) knowledge.ResourceConfig {
	if situation == SituationQoSUnhealthy {
		headroom := maxInt(cfg.Limits.CPU-cfg.Requests.CPU, 0)
		cfg.Requests.CPU = cpu
		cfg.Limits.CPU = p.limits.ClampCPU(cpu + headroom)
	} else {
		cfg.Limits.CPU = maxInt(cpu, cfg.Requests.CPU)
	}
	return cfg
}

// paretoFrontier keeps candidates not dominated on (cpu down, latency
// down).
func paretoFrontier(candidates []candidate) []candidate {
	var frontier []candidate
	for i, c1 := range candidates {
		dominated := false
		for j, c2 := range candidates {
			if i == j {
				continue
			}
			if c2.cpu <= c1.cpu && c2.latency <= c1.latency &&
				(c2.cpu < c1.cpu || c2.latency < c1.latency) {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, c1)
		}
	}
	return frontier
}

// moveCost is the weighted relative magnitude of the move from the
// pre-cycle configuration: 0.4 CPU, 0.4 memory, 0.2 replicas.
func (p *Planner) moveCost(current, target knowledge.ResourceConfig) float64 {
	oldCPU := float64(current.Requests.CPU+current.Limits.CPU) / 2
	newCPU := float64(target.Requests.CPU+target.Limits.CPU) / 2
	oldMem := float64(current.Requests.Memory+current.Limits.Memory) / 2
	newMem := float64(target.Requests.Memory+target.Limits.Memory) / 2

	var cpuCost, memCost, replicaCost float64
	if oldCPU > 0 {
		cpuCost = abs(newCPU-oldCPU) / oldCPU
	}
	if oldMem > 0 {
		memCost = abs(newMem-oldMem) / oldMem
	}
	if current.Replica > 0 {
		replicaCost = abs(float64(target.Replica-current.Replica)) / float64(current.Replica)
	}
	return 0.4*cpuCost + 0.4*memCost + 0.2*replicaCost
}

// passROI gates the combined QoS move. Benefit is the relative CPU and
// memory shift; self-heal and QoE moves never come through here.
func (p *Planner) passROI(current, target knowledge.ResourceConfig) bool {
	oldCPU := float64(current.Requests.CPU+current.Limits.CPU) / 2
	newCPU := float64(target.Requests.CPU+target.Limits.CPU) / 2
	oldMem := float64(current.Requests.Memory+current.Limits.Memory) / 2
	newMem := float64(target.Requests.Memory+target.Limits.Memory) / 2

	var benefit float64
	if oldCPU > 0 {
		benefit += 0.5 * (newCPU - oldCPU) / oldCPU
	}
	if oldMem > 0 {
		benefit += 0.5 * (newMem - oldMem) / oldMem
	}

	cost := p.moveCost(current, target)
	roi := abs(benefit) / (cost + roiEpsilon)
	return roi >= p.roi
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
