// Package reconciler periodically checks recorded PIDs against reality.
// An instance claiming RUNNING or STOP_FAILED whose process is gone on the
// machine is reset to NOT_STARTED so operators can start it again.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/metrics"
	"github.com/loykin/flotilla/internal/remote"
	"github.com/loykin/flotilla/internal/repository"
)

type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Grace skips instances whose state changed recently; a process mid
	// startup has a PID on record before it settles.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	return c
}

type Reconciler struct {
	store  repository.Store
	exec   remote.Executor
	cfg    Config
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store repository.Store, exec remote.Executor, cfg Config, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, exec: exec, cfg: cfg.withDefaults(), log: log}
}

// Start launches the sweep loop. Stop must be called to end it.
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.SweepOnce(ctx); err != nil {
					r.log.Error("reconciler sweep", "error", err)
				}
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// SweepOnce probes every instance with a recorded PID. Per-instance
// failures are logged and never abort the sweep.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	instances, err := r.store.Instances().FindWithPID(ctx)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	now := time.Now()
	for _, inst := range instances {
		if inst.State != fleet.StateRunning && inst.State != fleet.StateStopFailed {
			continue
		}
		if now.Sub(inst.StateChangedAt) < r.cfg.Grace {
			continue
		}
		if err := r.probe(ctx, inst); err != nil {
			r.log.Warn("probe instance", "instance", inst.ID, "error", err)
		}
	}
	r.updateStateGauge(ctx)
	metrics.IncReconcilerSweep()
	return nil
}

// probe checks the PID on the instance's machine. An unreachable machine
// proves nothing, so the instance is assumed alive and left alone.
func (r *Reconciler) probe(ctx context.Context, inst fleet.Instance) error {
	m, err := r.store.Machines().GetByID(ctx, inst.MachineID)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`ps -p %s -o pid= || echo "not found"`, inst.PID)
	out, err := r.exec.ExecuteCommand(ctx, m, cmd)
	if err != nil {
		if remote.IsUnreachable(err) {
			return nil
		}
		return err
	}
	out = strings.TrimSpace(out)
	if out != "" && !strings.Contains(out, "not found") {
		return nil
	}
	r.log.Info("recorded PID is dead, resetting instance",
		"instance", inst.ID, "pid", inst.PID, "state", inst.State)
	if err := r.store.Instances().ClearPIDAndSetState(ctx, inst.ID, fleet.StateNotStarted, time.Now()); err != nil {
		return err
	}
	metrics.IncReconcilerReset()
	return nil
}

func (r *Reconciler) updateStateGauge(ctx context.Context) {
	procs, err := r.store.Processes().List(ctx)
	if err != nil {
		return
	}
	counts := make(map[fleet.InstanceState]int)
	for _, p := range procs {
		insts, err := r.store.Instances().FindByProcess(ctx, p.ID)
		if err != nil {
			continue
		}
		for _, inst := range insts {
			counts[inst.State]++
		}
	}
	for _, s := range []fleet.InstanceState{
		fleet.StateNotStarted, fleet.StateInitializing, fleet.StateStartFailed,
		fleet.StateStarting, fleet.StateRunning, fleet.StateStopping, fleet.StateStopFailed,
	} {
		metrics.SetInstanceStateCount(string(s), counts[s])
	}
}
