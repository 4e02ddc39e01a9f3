// Package driver runs the MAPE-K control loop: monitor, analyze, plan,
// execute, persist, sleep. One goroutine owns the whole cycle; only the
// QoS fetches fan out, and they join before analysis starts.
package driver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cartunes/tunectl/internal/analyzer"
	"github.com/cartunes/tunectl/internal/dataset"
	"github.com/cartunes/tunectl/internal/executor"
	"github.com/cartunes/tunectl/internal/knowledge"
	"github.com/cartunes/tunectl/internal/metrics"
	"github.com/cartunes/tunectl/internal/planner"
	"github.com/cartunes/tunectl/internal/telemetry"
)

// Driver wires the five MAPE-K components together.
type Driver struct {
	knowledge *knowledge.Knowledge
	qos       telemetry.QoSClient
	qoe       telemetry.QoEClient
	analyzer  *analyzer.Analyzer
	executor  *executor.Executor
	dataset   *dataset.Writer
	metrics   *metrics.Metrics
	interval  time.Duration
	services  []string
	log       *zap.SugaredLogger

	// configs is the authoritative per-service configuration; it advances
	// only after a successful transaction.
	configs map[string]knowledge.ResourceConfig
	cycles  int
}

// Options assembles a Driver.
type Options struct {
	Knowledge *knowledge.Knowledge
	QoS       telemetry.QoSClient
	QoE       telemetry.QoEClient
	Analyzer  *analyzer.Analyzer
	Executor  *executor.Executor
	Dataset   *dataset.Writer
	Metrics   *metrics.Metrics
	Interval  time.Duration
	Logger    *zap.SugaredLogger
}

// New creates a Driver seeded with the knowledge baselines.
func New(opts Options) *Driver {
	return &Driver{
		knowledge: opts.Knowledge,
		qos:       opts.QoS,
		qoe:       opts.QoE,
		analyzer:  opts.Analyzer,
		executor:  opts.Executor,
		dataset:   opts.Dataset,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		services:  opts.Knowledge.Services(),
		log:       opts.Logger,
		configs:   opts.Knowledge.Resources(),
	}
}

// Configs returns a copy of the authoritative configuration view.
func (d *Driver) Configs() map[string]knowledge.ResourceConfig {
	out := make(map[string]knowledge.ResourceConfig, len(d.configs))
	for svc, cfg := range d.configs {
		out[svc] = cfg
	}
	return out
}

// Run executes cycles until the context is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Infow("starting adaptation loop", "interval", d.interval, "services", len(d.services))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.RunCycle(ctx)

		select {
		case <-ctx.Done():
			d.log.Infow("adaptation loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle executes one full MAPE pass. Failures inside a cycle degrade
// gracefully; the loop never dies on telemetry or apply errors.
func (d *Driver) RunCycle(ctx context.Context) {
	d.cycles++
	d.log.Infow("=== adaptation cycle ===", "cycle", d.cycles)

	if err := d.knowledge.ReloadIfUpdated(); err != nil {
		d.log.Warnw("knowledge reload failed, keeping previous snapshot", zap.Error(err))
	}

	// MONITOR
	start := time.Now()
	qosData := d.fetchQoS(ctx)
	qoeData, qoeOK := d.fetchQoE(ctx)
	d.metrics.ObservePhase("monitor", start)

	// ANALYZE
	start = time.Now()
	results := d.analyzer.Process(analyzer.Input{
		QoS:          qosData,
		QoE:          qoeData,
		QoEAvailable: qoeOK,
	}, d.knowledge.Thresholds(), d.knowledge.Weights())
	d.metrics.ObservePhase("analyze", start)

	for svc, res := range results {
		d.metrics.Utility.WithLabelValues(svc).Set(res.Utility)
		d.log.Infow("analysis",
			"service", svc,
			"cpu", res.CPU, "memory", res.Memory,
			"latency_avg_ms", res.LatencyAvg, "error_rate", res.ErrorRate,
			"utility", res.Utility,
			"qos_flags", res.QoSUnhealthy.Sorted(),
			"qoe_flags", res.QoEUnhealthy.Sorted(),
			"adaptation", res.Adaptation)
	}

	if len(results) == 0 {
		d.log.Infow("windows not confident yet, gathering more data before adapting")
		d.persist(qosData)
		return
	}

	// PLAN
	start = time.Now()
	pl := planner.New(d.knowledge.Limits(), d.knowledge.Thresholds().ROI)
	plan := pl.Evaluate(results, d.configs)
	d.metrics.ObservePhase("plan", start)

	for _, svc := range plan.Order {
		decision := plan.Decisions[svc]
		d.metrics.Decisions.WithLabelValues(string(decision.Situation)).Inc()
		d.log.Infow("decision", "service", svc, "situation", string(decision.Situation))
	}

	// EXECUTE
	start = time.Now()
	if !plan.Empty() {
		if err := d.executor.Execute(ctx, plan, d.configs); err != nil {
			d.metrics.ApplyFailures.Inc()
			d.log.Errorw("adaptation failed, configuration unchanged", zap.Error(err))
		} else {
			d.advance(plan)
		}
	}
	d.metrics.ObservePhase("execute", start)

	d.persist(qosData)
	d.metrics.Cycles.Inc()
}

// fetchQoS issues all metric fetches concurrently and joins the results.
// A failed fetch contributes nothing; the analyzer treats the metric as
// missing for the cycle.
func (d *Driver) fetchQoS(ctx context.Context) map[telemetry.MetricKey][]telemetry.Sample {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		data = make(map[telemetry.MetricKey][]telemetry.Sample)
	)

	for _, key := range telemetry.MonitorMetrics() {
		wg.Add(1)
		go func(key telemetry.MetricKey) {
			defer wg.Done()
			samples, err := d.qos.FetchMetric(ctx, key)
			if err != nil {
				d.log.Warnw("metric fetch failed", "metric", key.ID, "agg", key.Agg, zap.Error(err))
				return
			}
			mu.Lock()
			data[key] = samples
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	return data
}

// fetchQoE fetches the application snapshot; an unreachable endpoint
// reads as "no QoE signal", never as "everything degraded".
func (d *Driver) fetchQoE(ctx context.Context) (telemetry.QoEMetrics, bool) {
	m, err := d.qoe.Fetch(ctx)
	if err != nil {
		d.log.Warnw("app metrics unavailable, skipping QoE flags this cycle", zap.Error(err))
		return telemetry.QoEMetrics{}, false
	}
	return m, true
}

// advance commits the plan targets as the new authoritative view and
// writes them through to knowledge.
func (d *Driver) advance(plan *planner.Plan) {
	for _, svc := range plan.Order {
		target := plan.Decisions[svc].Target
		d.configs[svc] = target
		if err := d.knowledge.SetResourceConfig(svc, target); err != nil {
			d.log.Warnw("knowledge write-through failed", "service", svc, zap.Error(err))
		}
	}
}

// persist appends the cycle's telemetry to the dataset.
func (d *Driver) persist(qos map[telemetry.MetricKey][]telemetry.Sample) {
	if d.dataset == nil {
		return
	}
	if err := d.dataset.Append(time.Now(), qos); err != nil {
		d.log.Warnw("dataset append failed", zap.Error(err))
	}
}
