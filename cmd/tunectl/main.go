// tunectl — self-adaptive controller for the CarTunes streaming service.
//
// Runs a MAPE-K loop over cluster (QoS) and application (QoE) telemetry
// and adapts container resources, replica counts, and audio quality knobs
// to keep both within their target bands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cartunes/tunectl/internal/analyzer"
	"github.com/cartunes/tunectl/internal/config"
	"github.com/cartunes/tunectl/internal/dataset"
	"github.com/cartunes/tunectl/internal/driver"
	"github.com/cartunes/tunectl/internal/executor"
	"github.com/cartunes/tunectl/internal/knowledge"
	"github.com/cartunes/tunectl/internal/metrics"
	"github.com/cartunes/tunectl/internal/planner"
	"github.com/cartunes/tunectl/internal/telemetry"
)

var version = "0.1.0"

func main() {
	var (
		knowledgePath  string
		dataDir        string
		backupDir      string
		redeployScript string
		appService     string
		dryRunPolicy   string
		metricsAddr    string
		confidenceGate bool
		once           bool
		verbose        bool
	)

	rootCmd := &cobra.Command{
		Use:     "tunectl",
		Short:   "Self-adaptive controller for the CarTunes streaming service",
		Version: version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the MAPE-K adaptation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			env, err := config.Process()
			if err != nil {
				return err
			}

			kb, err := knowledge.Load(knowledgePath, log)
			if err != nil {
				return fmt.Errorf("load knowledge: %w", err)
			}
			defer kb.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			m.Serve(ctx, metricsAddr, log)

			qos := telemetry.NewClusterClient(telemetry.ClusterOptions{
				BaseURL:   env.URL,
				GUID:      env.GUID,
				APIKey:    env.APIKey,
				Namespace: env.Namespace,
				Window:    env.Interval(),
				RawDir:    filepath.Join(dataDir, "raw"),
			}, log)
			qoe := telemetry.NewAppClient(env.AppURL, 5*time.Second, log)

			an := analyzer.New(analyzer.Options{
				Services:       kb.Services(),
				AppService:     appService,
				ConfidenceGate: confidenceGate,
			}, log)

			runner := executor.NewRunner(2 * time.Minute)
			applier := executor.NewClusterApplier(runner, backupDir, redeployScript, log)
			var knobs executor.KnobApplier
			if env.AppURL != "" {
				knobs = executor.NewAppKnobClient(env.AppURL, 5*time.Second, log)
			}
			exec := executor.New(applier, knobs, executor.DryRunPolicy(dryRunPolicy), log)

			ds, err := dataset.NewWriter(filepath.Join(dataDir, "cartunes_metrics_dataset.csv"), kb.Services())
			if err != nil {
				return err
			}

			d := driver.New(driver.Options{
				Knowledge: kb,
				QoS:       qos,
				QoE:       qoe,
				Analyzer:  an,
				Executor:  exec,
				Dataset:   ds,
				Metrics:   m,
				Interval:  env.Interval(),
				Logger:    log,
			})

			if once {
				d.RunCycle(ctx)
				return nil
			}
			if err := d.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	runCmd.Flags().StringVar(&knowledgePath, "knowledge", "./knowledge.json", "Path to the knowledge file")
	runCmd.Flags().StringVar(&dataDir, "data-dir", "./datasets", "Directory for raw dumps and the metrics dataset")
	runCmd.Flags().StringVar(&backupDir, "backup-dir", "./backup", "Directory for pre-apply snapshots")
	runCmd.Flags().StringVar(&redeployScript, "redeploy-script", "./deployment.sh", "Script run on hard self-heal")
	runCmd.Flags().StringVar(&appService, "app-service", "cartunes-app", "Service that owns the application quality knobs")
	runCmd.Flags().StringVar(&dryRunPolicy, "dry-run-policy", string(executor.PolicyAbort), "Dry-run failure policy: abort or escalate")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for prometheus metrics (empty disables)")
	runCmd.Flags().BoolVar(&confidenceGate, "confidence-gate", true, "Suppress verdicts until sliding windows are 80% full")
	runCmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and exit")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	validateCmd := &cobra.Command{
		Use:   "validate <knowledge.json>",
		Short: "Validate a knowledge file and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(false)
			if err != nil {
				return err
			}
			defer log.Sync()

			kb, err := knowledge.Load(args[0], log)
			if err != nil {
				return err
			}
			defer kb.Close()

			t := kb.Thresholds()
			fmt.Printf("knowledge ok: %d services, roi gate %.2f\n", len(kb.Services()), t.ROI)
			for _, svc := range kb.Services() {
				cfg, _ := kb.ResourceFor(svc)
				fmt.Printf("  %-28s cpu %d/%dm  mem %d/%dMi  replicas %d  quality %d\n",
					svc, cfg.Requests.CPU, cfg.Limits.CPU,
					cfg.Requests.Memory, cfg.Limits.Memory, cfg.Replica, cfg.SongQuality)
			}
			return nil
		},
	}

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Run one monitor/analyze/plan pass and print decisions without executing",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			env, err := config.Process()
			if err != nil {
				return err
			}
			kb, err := knowledge.Load(knowledgePath, log)
			if err != nil {
				return fmt.Errorf("load knowledge: %w", err)
			}
			defer kb.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			qos := telemetry.NewClusterClient(telemetry.ClusterOptions{
				BaseURL:   env.URL,
				GUID:      env.GUID,
				APIKey:    env.APIKey,
				Namespace: env.Namespace,
				Window:    env.Interval(),
			}, log)
			qoe := telemetry.NewAppClient(env.AppURL, 5*time.Second, log)

			// A single pass cannot fill a window, so the gate is off here.
			an := analyzer.New(analyzer.Options{
				Services:   kb.Services(),
				AppService: appService,
			}, log)

			data := make(map[telemetry.MetricKey][]telemetry.Sample)
			for _, key := range telemetry.MonitorMetrics() {
				samples, err := qos.FetchMetric(ctx, key)
				if err != nil {
					log.Warnw("metric fetch failed", "metric", key.ID, zap.Error(err))
					continue
				}
				data[key] = samples
			}
			qoeData, qoeErr := qoe.Fetch(ctx)

			results := an.Process(analyzer.Input{
				QoS:          data,
				QoE:          qoeData,
				QoEAvailable: qoeErr == nil,
			}, kb.Thresholds(), kb.Weights())

			pl := planner.New(kb.Limits(), kb.Thresholds().ROI)
			plan := pl.Evaluate(results, kb.Resources())

			if plan.Empty() {
				fmt.Println("no adaptation needed")
				return nil
			}
			for _, svc := range plan.Order {
				d := plan.Decisions[svc]
				fmt.Printf("%-28s %-16s cpu %d/%dm  mem %d/%dMi  replicas %d  quality %d  cache %dMi  preload %d\n",
					svc, d.Situation,
					d.Target.Requests.CPU, d.Target.Limits.CPU,
					d.Target.Requests.Memory, d.Target.Limits.Memory,
					d.Target.Replica, d.Target.SongQuality, d.Target.CacheSize, d.Target.PreloadSong)
			}
			return nil
		},
	}
	planCmd.Flags().StringVar(&knowledgePath, "knowledge", "./knowledge.json", "Path to the knowledge file")
	planCmd.Flags().StringVar(&appService, "app-service", "cartunes-app", "Service that owns the application quality knobs")

	rootCmd.AddCommand(runCmd, validateCmd, planCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger: production JSON by default,
// development encoding with debug level when verbose.
func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}
