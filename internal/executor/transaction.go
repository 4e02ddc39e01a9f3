package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cartunes/tunectl/internal/knowledge"
	"github.com/cartunes/tunectl/internal/planner"
)

// DryRunPolicy selects what happens when the prepare phase fails.
type DryRunPolicy string

const (
	// PolicyAbort drops the whole plan for the cycle.
	PolicyAbort DryRunPolicy = "abort"
	// PolicyEscalate falls back to one hard self-heal (the full redeploy)
	// instead of silently skipping the cycle.
	PolicyEscalate DryRunPolicy = "escalate"
)

// Executor applies plans transactionally.
type Executor struct {
	applier Applier
	knobs   KnobApplier
	policy  DryRunPolicy
	log     *zap.SugaredLogger
}

// New creates an Executor. knobs may be nil when no application endpoint
// is configured; QoE decisions then fail apply rather than pass silently.
func New(applier Applier, knobs KnobApplier, policy DryRunPolicy, log *zap.SugaredLogger) *Executor {
	if policy == "" {
		policy = PolicyAbort
	}
	return &Executor{applier: applier, knobs: knobs, policy: policy, log: log}
}

// Execute runs one plan as a transaction. On success the caller advances
// its authoritative configs to the plan targets. When a backup or apply
// fails, the services applied before the failing one are restored from
// their backups in reverse order; the failing service itself is not rolled
// back. Rollback failures are logged loudly and left for the operator.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan, current map[string]knowledge.ResourceConfig) error {
	if plan.Empty() {
		return nil
	}

	tx := &transaction{
		executor: e,
		plan:     plan,
		current:  current,
	}

	if err := tx.prepare(ctx); err != nil {
		if e.policy == PolicyEscalate {
			return tx.escalate(ctx, err)
		}
		return fmt.Errorf("prepare: %w", err)
	}

	return tx.commit(ctx)
}

// transaction is one two-phase apply: prepare dry-runs every planned
// service before anything is written; commit backs up and applies in plan
// order and rolls back in reverse apply order on failure.
type transaction struct {
	executor *Executor
	plan     *planner.Plan
	current  map[string]knowledge.ResourceConfig
	applied  []*BackupHandle
}

func (t *transaction) prepare(ctx context.Context) error {
	for _, svc := range t.plan.Order {
		if err := t.executor.applier.DryRun(ctx, svc); err != nil {
			t.executor.log.Errorw("dry-run failed", "service", svc, zap.Error(err))
			return err
		}
		t.executor.log.Infow("dry-run ok", "service", svc)
	}
	return nil
}

func (t *transaction) commit(ctx context.Context) error {
	for _, svc := range t.plan.Order {
		decision := t.plan.Decisions[svc]

		handle, err := t.executor.applier.Backup(ctx, svc)
		if err != nil {
			t.executor.log.Errorw("backup failed", "service", svc, zap.Error(err))
			t.rollback(ctx)
			return fmt.Errorf("backup %s: %w", svc, err)
		}

		if err := t.apply(ctx, decision); err != nil {
			t.executor.log.Errorw("apply failed", "service", svc,
				"situation", string(decision.Situation), zap.Error(err))
			t.rollback(ctx)
			return fmt.Errorf("apply %s: %w", svc, err)
		}

		t.applied = append(t.applied, handle)
		t.executor.log.Infow("applied", "service", svc, "situation", string(decision.Situation))

		// A hard self-heal redeploys everything from scratch; later
		// per-service changes would race the redeploy.
		if decision.Situation == planner.SituationSelfHealHard {
			t.executor.log.Warnw("hard self-heal issued, transaction ends", "service", svc)
			break
		}
	}
	return nil
}

// apply pushes the cluster-side change, then the application knobs when
// the decision retunes them.
func (t *transaction) apply(ctx context.Context, d *planner.Decision) error {
	if err := t.executor.applier.Apply(ctx, d.Service, d.Target, d.Situation); err != nil {
		return err
	}

	if !t.knobsChanged(d) {
		return nil
	}
	if t.executor.knobs == nil {
		return fmt.Errorf("knob retune planned for %s but no application endpoint configured", d.Service)
	}
	return t.executor.knobs.PushKnobs(ctx, d.Service, d.Target)
}

// knobsChanged reports whether the decision moves any application knob
// relative to the pre-cycle configuration.
func (t *transaction) knobsChanged(d *planner.Decision) bool {
	if d.Situation == planner.SituationSelfHealSoft || d.Situation == planner.SituationSelfHealHard {
		return false
	}
	cur, ok := t.current[d.Service]
	if !ok {
		return d.Situation == planner.SituationQoEUnhealthy
	}
	return cur.SongQuality != d.Target.SongQuality ||
		cur.CacheSize != d.Target.CacheSize ||
		cur.PreloadSong != d.Target.PreloadSong
}

// rollback restores previously applied services in reverse order. A
// missing backup is logged and skipped: the operator reconciles.
func (t *transaction) rollback(ctx context.Context) {
	for i := len(t.applied) - 1; i >= 0; i-- {
		handle := t.applied[i]
		if err := t.executor.applier.Rollback(ctx, handle); err != nil {
			t.executor.log.Errorw("ROLLBACK FAILED, manual reconciliation required",
				"service", handle.Service, "backup", handle.Path, zap.Error(err))
			continue
		}
		t.executor.log.Infow("rolled back", "service", handle.Service)
	}
}

// escalate is the configured alternative to aborting on a dry-run
// failure: run a hard self-heal so the cluster converges to a known
// state.
func (t *transaction) escalate(ctx context.Context, cause error) error {
	t.executor.log.Warnw("dry-run failed, escalating to hard self-heal", zap.Error(cause))

	for _, svc := range t.plan.Order {
		cfg := t.current[svc]
		if err := t.executor.applier.Apply(ctx, svc, cfg, planner.SituationSelfHealHard); err != nil {
			return fmt.Errorf("escalated self-heal: %w", err)
		}
		// The redeploy script restores every service at once.
		break
	}
	return fmt.Errorf("prepare: %w (escalated to hard self-heal)", cause)
}
