package planner

import (
	"testing"

	"github.com/cartunes/tunectl/internal/analyzer"
	"github.com/cartunes/tunectl/internal/knowledge"
)

const testService = "cartunes-app"

func testLimits() knowledge.Limits {
	return knowledge.Limits{
		MinCPU: 250, MaxCPU: 2000,
		MinMemory: 256, MaxMemory: 4096,
		MinReplica: 1, MaxReplica: 5,
		MinSongQuality: 1, MaxSongQuality: 3,
		MinCacheSize: 0, MaxCacheSize: 5000,
		MinPreloadSong: 0, MaxPreloadSong: 10,
	}
}

func baseConfig() knowledge.ResourceConfig {
	return knowledge.ResourceConfig{
		Requests:    knowledge.Resources{CPU: 500, Memory: 512},
		Limits:      knowledge.Resources{CPU: 500, Memory: 512},
		Replica:     1,
		SongQuality: 2,
		CacheSize:   300,
		PreloadSong: 2,
	}
}

// result builds an analyzer.Result with the given verdict parts.
func result(tags []analyzer.Tag, qos, qoe analyzer.FlagSet, latencyAvg float64) *analyzer.Result {
	return &analyzer.Result{
		Service:      testService,
		LatencyAvg:   latencyAvg,
		QoSUnhealthy: qos,
		QoEUnhealthy: qoe,
		Adaptation:   tags,
	}
}

func evaluate(p *Planner, res *analyzer.Result) *Decision {
	plan := p.Evaluate(
		map[string]*analyzer.Result{testService: res},
		map[string]knowledge.ResourceConfig{testService: baseConfig()},
	)
	return plan.Decisions[testService]
}

// TestHealthyVerdictIsNoOp: a healthy QoS verdict with no QoE flags and
// no self-heal never produces a decision.
func TestHealthyVerdictIsNoOp(t *testing.T) {
	p := New(testLimits(), 0.3)
	res := result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSHealthy},
		analyzer.NewFlagSet(), analyzer.NewFlagSet(), 80)

	if d := evaluate(p, res); d != nil {
		t.Errorf("decision = %+v, want no-op for healthy verdict", d)
	}
}

// TestWarningWithoutFlagsIsNoOp: a utility-only warning (no threshold
// crossings) is not acted on, suppressing flapping on borderline
// services.
func TestWarningWithoutFlagsIsNoOp(t *testing.T) {
	p := New(testLimits(), 0.3)
	res := result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSWarning},
		analyzer.NewFlagSet(), analyzer.NewFlagSet(), 80)

	if d := evaluate(p, res); d != nil {
		t.Errorf("decision = %+v, want no-op for flagless warning", d)
	}
}

// TestSustainedSaturationScalesUp covers the saturation scenario: CPU and
// latency high under qos_unhealthy step requests and limits up together
// and pass the ROI gate.
func TestSustainedSaturationScalesUp(t *testing.T) {
	p := New(testLimits(), 0.3)
	res := result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSUnhealthy},
		analyzer.NewFlagSet(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh),
		analyzer.NewFlagSet(), 320)

	d := evaluate(p, res)
	if d == nil {
		t.Fatal("no decision, want qos_unhealthy scale-up")
	}
	if d.Situation != SituationQoSUnhealthy {
		t.Errorf("situation = %q, want qos_unhealthy", d.Situation)
	}
	if d.Target.Requests.CPU != 750 || d.Target.Limits.CPU != 750 {
		t.Errorf("cpu = %d/%d, want 750/750 (requests and limits together)",
			d.Target.Requests.CPU, d.Target.Limits.CPU)
	}
	if d.Target.Limits.CPU < d.Target.Requests.CPU {
		t.Errorf("limits.cpu %d < requests.cpu %d", d.Target.Limits.CPU, d.Target.Requests.CPU)
	}
}

// TestWarningMovesLimitsOnly: the same flags under qos_warning touch
// limits but leave requests alone.
func TestWarningMovesLimitsOnly(t *testing.T) {
	p := New(testLimits(), 0.1)
	res := result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSWarning},
		analyzer.NewFlagSet(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh),
		analyzer.NewFlagSet(), 320)

	d := evaluate(p, res)
	if d == nil {
		t.Fatal("no decision, want qos_warning limits move")
	}
	if d.Situation != SituationQoSWarning {
		t.Errorf("situation = %q, want qos_warning", d.Situation)
	}
	if d.Target.Requests.CPU != 500 {
		t.Errorf("requests.cpu = %d, want unchanged 500", d.Target.Requests.CPU)
	}
	if d.Target.Limits.CPU != 750 {
		t.Errorf("limits.cpu = %d, want 750", d.Target.Limits.CPU)
	}
}

// TestReplicaOutageIsHardSelfHeal covers the outage scenario: no
// replicas available escalates straight to self_heal_hard, bypassing
// ROI entirely.
func TestReplicaOutageIsHardSelfHeal(t *testing.T) {
	// An absurd ROI gate proves self-heal is never suppressed by it.
	p := New(testLimits(), 1e9)
	res := result([]analyzer.Tag{analyzer.TagSelfHeal, analyzer.TagQoEHealthy, analyzer.TagQoSUnhealthy},
		analyzer.NewFlagSet(analyzer.FlagNoReplicas), analyzer.NewFlagSet(), 0)

	d := evaluate(p, res)
	if d == nil {
		t.Fatal("no decision, want self_heal_hard")
	}
	if d.Situation != SituationSelfHealHard {
		t.Errorf("situation = %q, want self_heal_hard", d.Situation)
	}
	if d.Target != baseConfig() {
		t.Errorf("target = %+v, want current config preserved", d.Target)
	}
}

// TestSelfHealSoftWithoutReplicaLoss: a self_heal verdict without the
// no_replicas flag takes the soft path.
func TestSelfHealSoftWithoutReplicaLoss(t *testing.T) {
	p := New(testLimits(), 0.3)
	res := result([]analyzer.Tag{analyzer.TagSelfHeal, analyzer.TagQoEHealthy, analyzer.TagQoSWarning},
		analyzer.NewFlagSet(), analyzer.NewFlagSet(), 0)

	d := evaluate(p, res)
	if d == nil {
		t.Fatal("no decision, want self_heal_soft")
	}
	if d.Situation != SituationSelfHealSoft {
		t.Errorf("situation = %q, want self_heal_soft", d.Situation)
	}
}

// TestQoEOnlyRetune covers the degraded-experience scenario: downloads
// slow and cache cold while QoS is healthy grows the cache, trims the
// preload depth, and leaves every QoS knob untouched.
func TestQoEOnlyRetune(t *testing.T) {
	p := New(testLimits(), 0.3)
	res := result([]analyzer.Tag{analyzer.TagQoEUnhealthy, analyzer.TagQoSHealthy},
		analyzer.NewFlagSet(),
		analyzer.NewFlagSet(analyzer.FlagDownloadTimeHigh, analyzer.FlagCacheHitLow), 80)

	d := evaluate(p, res)
	if d == nil {
		t.Fatal("no decision, want qoe_unhealthy retune")
	}
	if d.Situation != SituationQoEUnhealthy {
		t.Errorf("situation = %q, want qoe_unhealthy", d.Situation)
	}
	if d.Target.CacheSize != 800 {
		t.Errorf("cache_size = %d, want 800 (+500)", d.Target.CacheSize)
	}
	if d.Target.PreloadSong != 0 {
		t.Errorf("preload_song = %d, want 0 (-2)", d.Target.PreloadSong)
	}

	base := baseConfig()
	if d.Target.Requests != base.Requests || d.Target.Limits != base.Limits || d.Target.Replica != base.Replica {
		t.Errorf("QoS knobs moved on a QoE-only retune: %+v", d.Target)
	}
}

// TestQoEKnobClamps verifies the song-quality rules hold at their floor
// and cap, and the preload rule steps by two.
func TestQoEKnobClamps(t *testing.T) {
	p := New(testLimits(), 0.3)

	tests := []struct {
		name  string
		flags analyzer.FlagSet
		check func(t *testing.T, cfg knowledge.ResourceConfig)
	}{
		{
			"quality floor",
			analyzer.NewFlagSet(analyzer.FlagPlaybackLatHigh, analyzer.FlagDownloadTimeHigh),
			func(t *testing.T, cfg knowledge.ResourceConfig) {
				if cfg.SongQuality != 1 {
					t.Errorf("song_quality = %d, want 1", cfg.SongQuality)
				}
			},
		},
		{
			"quality cap",
			analyzer.NewFlagSet(analyzer.FlagPlaybackLatLow, analyzer.FlagDownloadTimeLow),
			func(t *testing.T, cfg knowledge.ResourceConfig) {
				if cfg.SongQuality != 3 {
					t.Errorf("song_quality = %d, want 3", cfg.SongQuality)
				}
			},
		},
		{
			"preload increase",
			analyzer.NewFlagSet(analyzer.FlagDownloadTimeLow),
			func(t *testing.T, cfg knowledge.ResourceConfig) {
				if cfg.PreloadSong != 4 {
					t.Errorf("preload_song = %d, want 4", cfg.PreloadSong)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.SongQuality = 2
			// Drive the quality floor and cap tests from the bottom and
			// top tiers.
			if tt.name == "quality floor" {
				cfg.SongQuality = 1
			}
			if tt.name == "quality cap" {
				cfg.SongQuality = 3
			}
			got := p.applyQoERules(tt.flags, cfg)
			tt.check(t, got)
		})
	}
}

// TestROISuppressesQoSOnly verifies invariant: a QoS-only move below the
// ROI gate is suppressed, while a pending QoE retune still goes out.
func TestROISuppressesQoSOnly(t *testing.T) {
	// Gate far above anything a single step can earn.
	p := New(testLimits(), 100)

	qosOnly := result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSUnhealthy},
		analyzer.NewFlagSet(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh),
		analyzer.NewFlagSet(), 320)
	if d := evaluate(p, qosOnly); d != nil {
		t.Errorf("decision = %+v, want QoS move suppressed by ROI", d)
	}

	withQoE := result([]analyzer.Tag{analyzer.TagQoEUnhealthy, analyzer.TagQoSUnhealthy},
		analyzer.NewFlagSet(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh),
		analyzer.NewFlagSet(analyzer.FlagCacheHitLow), 320)
	d := evaluate(p, withQoE)
	if d == nil {
		t.Fatal("QoE retune suppressed by ROI, want it to survive")
	}
	if d.Situation != SituationQoEUnhealthy {
		t.Errorf("situation = %q, want qoe_unhealthy fallback", d.Situation)
	}
	if d.Target.CacheSize != 800 {
		t.Errorf("cache_size = %d, want 800", d.Target.CacheSize)
	}
	if d.Target.Requests.CPU != 500 || d.Target.Limits.CPU != 500 {
		t.Errorf("cpu = %d/%d, want QoS knobs untouched at 500/500",
			d.Target.Requests.CPU, d.Target.Limits.CPU)
	}
}

// TestTargetsStayWithinLimits sweeps flag combinations and verifies every
// emitted target lies inside the declared bounds with limits >= requests.
func TestTargetsStayWithinLimits(t *testing.T) {
	limits := testLimits()
	p := New(limits, 0)

	flagCombos := []analyzer.FlagSet{
		analyzer.NewFlagSet(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh),
		analyzer.NewFlagSet(analyzer.FlagCPULow, analyzer.FlagMemoryLow),
		analyzer.NewFlagSet(analyzer.FlagMemoryHigh, analyzer.FlagErrorRateHigh),
		analyzer.NewFlagSet(analyzer.FlagCPUHigh, analyzer.FlagMemoryHigh, analyzer.FlagLatencyAvgHigh),
	}
	configs := []knowledge.ResourceConfig{
		baseConfig(),
		{Requests: knowledge.Resources{CPU: 250, Memory: 256}, Limits: knowledge.Resources{CPU: 250, Memory: 256}, Replica: 1, SongQuality: 1, CacheSize: 0, PreloadSong: 0},
		{Requests: knowledge.Resources{CPU: 2000, Memory: 4096}, Limits: knowledge.Resources{CPU: 2000, Memory: 4096}, Replica: 5, SongQuality: 3, CacheSize: 5000, PreloadSong: 10},
	}

	for _, situation := range []analyzer.Tag{analyzer.TagQoSWarning, analyzer.TagQoSUnhealthy} {
		for _, flags := range flagCombos {
			for _, cfg := range configs {
				res := result([]analyzer.Tag{analyzer.TagQoEHealthy, situation}, flags, analyzer.NewFlagSet(), 320)
				plan := p.Evaluate(
					map[string]*analyzer.Result{testService: res},
					map[string]knowledge.ResourceConfig{testService: cfg},
				)
				d := plan.Decisions[testService]
				if d == nil {
					continue
				}
				if !limits.WithinLimits(d.Target) {
					t.Errorf("tier=%v flags=%v start=%+v: target outside limits: %+v",
						situation, flags.Sorted(), cfg, d.Target)
				}
			}
		}
	}
}

// TestReplicaScalingRules verifies horizontal moves: up only at the
// vertical ceiling under pressure, down only when both CPU and memory
// run low.
func TestReplicaScalingRules(t *testing.T) {
	p := New(testLimits(), 0)

	// At the CPU ceiling with high latency: replica goes up.
	atCeiling := baseConfig()
	atCeiling.Limits.CPU = 2000
	res := result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSWarning},
		analyzer.NewFlagSet(analyzer.FlagMemoryHigh, analyzer.FlagLatencyAvgHigh),
		analyzer.NewFlagSet(), 320)
	plan := p.Evaluate(
		map[string]*analyzer.Result{testService: res},
		map[string]knowledge.ResourceConfig{testService: atCeiling},
	)
	if d := plan.Decisions[testService]; d == nil || d.Target.Replica != 2 {
		t.Errorf("decision = %+v, want replica scaled to 2 at ceiling", plan.Decisions[testService])
	}

	// Both resources low: replica comes down.
	tall := baseConfig()
	tall.Replica = 3
	res = result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSWarning},
		analyzer.NewFlagSet(analyzer.FlagCPULow, analyzer.FlagMemoryLow),
		analyzer.NewFlagSet(), 80)
	plan = p.Evaluate(
		map[string]*analyzer.Result{testService: res},
		map[string]knowledge.ResourceConfig{testService: tall},
	)
	if d := plan.Decisions[testService]; d == nil || d.Target.Replica != 2 {
		t.Errorf("decision = %+v, want replica scaled down to 2", plan.Decisions[testService])
	}
}

// TestPlanOrderIsDeterministic verifies services are planned in lexical
// order so apply and rollback sequences reproduce.
func TestPlanOrderIsDeterministic(t *testing.T) {
	p := New(testLimits(), 0)

	results := map[string]*analyzer.Result{}
	configs := map[string]knowledge.ResourceConfig{}
	for _, svc := range []string{"svc-c", "svc-a", "svc-b"} {
		r := result([]analyzer.Tag{analyzer.TagQoEHealthy, analyzer.TagQoSUnhealthy},
			analyzer.NewFlagSet(analyzer.FlagCPUHigh, analyzer.FlagLatencyAvgHigh),
			analyzer.NewFlagSet(), 320)
		r.Service = svc
		results[svc] = r
		configs[svc] = baseConfig()
	}

	plan := p.Evaluate(results, configs)
	want := []string{"svc-a", "svc-b", "svc-c"}
	if len(plan.Order) != len(want) {
		t.Fatalf("plan order length = %d, want %d", len(plan.Order), len(want))
	}
	for i, svc := range want {
		if plan.Order[i] != svc {
			t.Errorf("plan.Order[%d] = %q, want %q", i, plan.Order[i], svc)
		}
	}
}

func TestParetoFrontier(t *testing.T) {
	candidates := []candidate{
		{cpu: 250, latency: 640},
		{cpu: 500, latency: 320},
		{cpu: 750, latency: 213},
		{cpu: 750, latency: 640}, // dominated by both 500 and 750/213
	}
	frontier := paretoFrontier(candidates)

	for _, c := range frontier {
		if c.cpu == 750 && c.latency == 640 {
			t.Errorf("dominated candidate survived the frontier: %+v", c)
		}
	}
	if len(frontier) != 3 {
		t.Errorf("frontier size = %d, want 3", len(frontier))
	}
}
