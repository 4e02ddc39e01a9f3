// Package analyzer fuses QoS and QoE telemetry into per-service health
// verdicts. Each cycle it folds raw samples into per-service cycle means,
// smooths the four golden-signal metrics over a sliding window, and
// evaluates thresholds and the weighted utility function.
package analyzer

import (
	"github.com/cartunes/tunectl/internal/knowledge"
	"github.com/cartunes/tunectl/internal/telemetry"
	"go.uber.org/zap"
)

// WindowSize is the number of cycle means each sliding window retains.
const WindowSize = 5

// confidenceThreshold is the minimum window fill before a verdict is
// emitted, preventing adaptation flapping on cold starts.
const confidenceThreshold = 0.8

// nsPerMs converts the provider's request-time samples (nanoseconds) to
// the millisecond scale the latency thresholds use.
const nsPerMs = 1e6

// Result is the per-service analysis output for one cycle.
type Result struct {
	Service string

	// Windowed means used for thresholding.
	CPU        float64
	Memory     float64
	LatencyAvg float64
	ErrorRate  float64

	// Cycle means, not windowed. ReplicasAvailable feeds the no_replicas
	// flag; the others are informational.
	LatencyMax        float64
	RequestCount      float64
	RequestsPerSec    float64
	BytesTotal        float64
	GCTime            float64
	ReplicasAvailable float64

	// Application-level snapshot; zero-valued when QoE was unavailable.
	Playback     float64
	DownloadTime float64
	CacheHit     float64
	DiskUsage    float64

	Utility      float64
	QoSUnhealthy FlagSet
	QoEUnhealthy FlagSet
	Adaptation   []Tag
}

// SelfHeal reports whether the verdict carries the self-heal tag.
func (r *Result) SelfHeal() bool { return hasTag(r.Adaptation, TagSelfHeal) }

// Has reports whether the verdict carries the given tag.
func (r *Result) Has(t Tag) bool { return hasTag(r.Adaptation, t) }

// Analyzer holds the window store and the health policy inputs.
type Analyzer struct {
	services []string
	// appService is the deployment that owns the application-level knobs;
	// QoE flags are attached to it alone.
	appService     string
	windows        *Store
	confidenceGate bool
	log            *zap.SugaredLogger
}

// Options configures an Analyzer.
type Options struct {
	Services   []string
	AppService string
	// ConfidenceGate suppresses verdicts until windows are 80% full.
	// Default-on for production loops; tests may disable it.
	ConfidenceGate bool
}

// New creates an Analyzer with empty windows.
func New(opts Options, log *zap.SugaredLogger) *Analyzer {
	return &Analyzer{
		services:       opts.Services,
		appService:     opts.AppService,
		windows:        NewStore(WindowSize),
		confidenceGate: opts.ConfidenceGate,
		log:            log,
	}
}

// Input is one cycle's joined telemetry.
type Input struct {
	QoS map[telemetry.MetricKey][]telemetry.Sample
	QoE telemetry.QoEMetrics
	// QoEAvailable is false when the application endpoint was
	// unreachable; no QoE flags are raised then.
	QoEAvailable bool
}

// Process folds one cycle of telemetry into per-service results. Services
// whose windows are not confident yet are omitted; an empty map tells the
// driver to keep gathering.
func (a *Analyzer) Process(in Input, thresholds knowledge.Thresholds, weights knowledge.Weights) map[string]*Result {
	perService := a.cycleMeans(in.QoS)

	results := make(map[string]*Result, len(a.services))
	for _, svc := range a.services {
		values := perService[svc]
		res := a.evaluate(svc, values, in, thresholds, weights)
		if res != nil {
			results[svc] = res
		}
	}
	return results
}

// cycleMeans groups samples by service and reduces each (service, metric)
// to the mean over the cycle window.
func (a *Analyzer) cycleMeans(qos map[telemetry.MetricKey][]telemetry.Sample) map[string]map[telemetry.MetricKey]float64 {
	known := make(map[string]bool, len(a.services))
	for _, svc := range a.services {
		known[svc] = true
	}

	sums := make(map[string]map[telemetry.MetricKey]float64)
	counts := make(map[string]map[telemetry.MetricKey]int)
	for key, samples := range qos {
		for _, s := range samples {
			if !known[s.Service] {
				continue
			}
			if sums[s.Service] == nil {
				sums[s.Service] = make(map[telemetry.MetricKey]float64)
				counts[s.Service] = make(map[telemetry.MetricKey]int)
			}
			sums[s.Service][key] += s.Value
			counts[s.Service][key]++
		}
	}

	means := make(map[string]map[telemetry.MetricKey]float64, len(sums))
	for svc, metricSums := range sums {
		means[svc] = make(map[telemetry.MetricKey]float64, len(metricSums))
		for key, sum := range metricSums {
			means[svc][key] = sum / float64(counts[svc][key])
		}
	}
	return means
}

func metricValue(values map[telemetry.MetricKey]float64, id, agg string) float64 {
	return values[telemetry.MetricKey{ID: id, Agg: agg}]
}

func (a *Analyzer) evaluate(svc string, values map[telemetry.MetricKey]float64, in Input, t knowledge.Thresholds, w knowledge.Weights) *Result {
	if len(values) == 0 {
		// Telemetry outage: the service is missing this cycle, not at
		// zero. Windows keep their history and no verdict is emitted.
		a.log.Warnw("no telemetry for service this cycle", "service", svc)
		return nil
	}

	latencyAvg := metricValue(values, "net.request.time.in", "avg") / nsPerMs
	latencyMax := metricValue(values, "net.request.time.in", "max") / nsPerMs
	requestCount := metricValue(values, "net.request.count.in", "sum")
	bytesTotal := metricValue(values, "net.bytes.total", "sum")
	errors := metricValue(values, "net.http.error.count", "sum")
	cpu := metricValue(values, "cpu.quota.used.percent", "avg")
	memory := metricValue(values, "memory.limit.used.percent", "avg")
	gcTime := metricValue(values, "jvm.gc.global.time", "avg")
	replicas, replicasKnown := values[telemetry.MetricKey{ID: "kubernetes.deployment.replicas.available", Agg: "max"}]

	errorRate := 0.0
	if requestCount > 0 {
		errorRate = errors / requestCount
	}

	// Only observed metrics enter their windows; a missing metric keeps
	// its history instead of recording a fake zero.
	push := func(metric, id, agg string, v float64) {
		if _, ok := values[telemetry.MetricKey{ID: id, Agg: agg}]; ok {
			a.windows.Window(svc, metric).Push(v)
		}
	}
	push("cpu", "cpu.quota.used.percent", "avg", cpu)
	push("memory", "memory.limit.used.percent", "avg", memory)
	push("latency_avg", "net.request.time.in", "avg", latencyAvg)
	push("error_rate", "net.request.count.in", "sum", errorRate)

	fill := a.windows.Fill(svc)
	if a.confidenceGate && fill < confidenceThreshold {
		a.log.Debugw("window not confident yet", "service", svc, "fill", fill)
		return nil
	}

	res := &Result{
		Service:           svc,
		CPU:               a.windows.Window(svc, "cpu").Mean(),
		Memory:            a.windows.Window(svc, "memory").Mean(),
		LatencyAvg:        a.windows.Window(svc, "latency_avg").Mean(),
		ErrorRate:         a.windows.Window(svc, "error_rate").Mean(),
		LatencyMax:        latencyMax,
		RequestCount:      requestCount,
		RequestsPerSec:    requestCount / samplingSeconds,
		BytesTotal:        bytesTotal,
		GCTime:            gcTime,
		ReplicasAvailable: replicas,
		QoSUnhealthy:      NewFlagSet(),
		QoEUnhealthy:      NewFlagSet(),
	}

	res.Utility = utility(res, t, w)
	a.flagQoS(res, t, replicasKnown)

	if in.QoEAvailable && svc == a.appService {
		res.Playback = in.QoE.AvgPlaybackLatency
		res.DownloadTime = in.QoE.AvgDownloadTime
		res.CacheHit = in.QoE.HitRatioPercent()
		res.DiskUsage = in.QoE.DiskUsage
		a.flagQoE(res, t)
	}

	res.Adaptation = verdict(res)
	return res
}

// utility is the weighted QoS utility in [0, 1]: a linear band norm for
// CPU/memory, (value-low)/(high-low) clamped to [0, 1], so the score rises
// from the low threshold to the high one; inverse norm for latency and
// error rate (lower is better).
func utility(r *Result, t knowledge.Thresholds, w knowledge.Weights) float64 {
	cpuU := bandNorm(t.CPU.Low, t.CPU.High, r.CPU)
	memU := bandNorm(t.Memory.Low, t.Memory.High, r.Memory)
	latU := inverseNorm(t.Latency.Avg, r.LatencyAvg)
	errU := inverseNorm(t.ErrorRate, r.ErrorRate)
	return cpuU*w.CPU + memU*w.Memory + latU*w.Latency + errU*w.ErrorRate
}

func bandNorm(low, high, value float64) float64 {
	norm := (value - low) / (high - low)
	if norm < 0 {
		return 0
	}
	if norm > 1 {
		return 1
	}
	return norm
}

func inverseNorm(threshold, value float64) float64 {
	if threshold <= 0 {
		return 0
	}
	ratio := value / threshold
	if ratio > 1 {
		ratio = 1
	}
	return 1 - ratio
}

func (a *Analyzer) flagQoS(r *Result, t knowledge.Thresholds, replicasKnown bool) {
	switch {
	case r.CPU > t.CPU.High:
		r.QoSUnhealthy.Add(FlagCPUHigh)
	case r.CPU < t.CPU.Low:
		r.QoSUnhealthy.Add(FlagCPULow)
	}

	switch {
	case r.Memory > t.Memory.High:
		r.QoSUnhealthy.Add(FlagMemoryHigh)
	case r.Memory < t.Memory.Low:
		r.QoSUnhealthy.Add(FlagMemoryLow)
	}

	if r.LatencyAvg > t.Latency.Avg {
		r.QoSUnhealthy.Add(FlagLatencyAvgHigh)
	}
	if r.ErrorRate > t.ErrorRate {
		r.QoSUnhealthy.Add(FlagErrorRateHigh)
	}
	// Replica loss is only declared on evidence: a missing replica metric
	// must not trigger a redeploy.
	if replicasKnown && r.ReplicasAvailable <= 0 {
		r.QoSUnhealthy.Add(FlagNoReplicas)
	}
}

func (a *Analyzer) flagQoE(r *Result, t knowledge.Thresholds) {
	switch {
	case r.Playback > t.PlaybackLatency.High:
		r.QoEUnhealthy.Add(FlagPlaybackLatHigh)
	case r.Playback < t.PlaybackLatency.Low:
		r.QoEUnhealthy.Add(FlagPlaybackLatLow)
	}

	switch {
	case r.DownloadTime > t.DownloadTime.High:
		r.QoEUnhealthy.Add(FlagDownloadTimeHigh)
	case r.DownloadTime < t.DownloadTime.Low:
		r.QoEUnhealthy.Add(FlagDownloadTimeLow)
	}

	if r.CacheHit < t.CacheHit {
		r.QoEUnhealthy.Add(FlagCacheHitLow)
	}
	if r.DiskUsage > t.DiskUsage {
		r.QoEUnhealthy.Add(FlagDiskUsageHigh)
	}
}

// verdict composes the ordered adaptation tags: self-heal first, then the
// QoE verdict, then the QoS tier.
func verdict(r *Result) []Tag {
	var tags []Tag

	if r.QoSUnhealthy.Has(FlagNoReplicas) {
		tags = append(tags, TagSelfHeal)
	}

	if r.QoEUnhealthy.Len() > 0 {
		tags = append(tags, TagQoEUnhealthy)
	} else {
		tags = append(tags, TagQoEHealthy)
	}

	qosFlags := r.QoSUnhealthy.Len()
	switch {
	case r.Utility >= 0.8 && qosFlags == 0:
		tags = append(tags, TagQoSHealthy)
	case r.Utility < 0.5 || qosFlags >= 2:
		tags = append(tags, TagQoSUnhealthy)
	default:
		tags = append(tags, TagQoSWarning)
	}
	return tags
}

// samplingSeconds mirrors the provider-side sampling period used to turn
// a request count into a rate.
const samplingSeconds = 10
