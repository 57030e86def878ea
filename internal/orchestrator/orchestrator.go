// Package orchestrator is the engine's front door: it owns machine and
// process registration, instance placement, and every lifecycle operation.
// Mutations go through tasks so each one leaves an auditable step trail.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/repository"
	"github.com/loykin/flotilla/internal/state"
	"github.com/loykin/flotilla/internal/step"
	"github.com/loykin/flotilla/internal/task"
)

// Config tunes placement defaults.
type Config struct {
	// DeployBaseDir is used when a process does not carry its own base dir.
	DeployBaseDir string
}

type Orchestrator struct {
	store  repository.Store
	tasks  *task.Service
	states *state.Manager
	steps  map[fleet.StepKind]step.Executor
	cfg    Config
	log    *slog.Logger
}

func New(store repository.Store, tasks *task.Service, states *state.Manager, steps map[fleet.StepKind]step.Executor, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.DeployBaseDir == "" {
		cfg.DeployBaseDir = "/opt/flotilla"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{store: store, tasks: tasks, states: states, steps: steps, cfg: cfg, log: log}
}

// Tasks exposes the task service for progress queries.
func (o *Orchestrator) Tasks() *task.Service { return o.tasks }

// Store exposes the backing repositories for read-side handlers.
func (o *Orchestrator) Store() repository.Store { return o.store }

// RegisterMachine records a machine after basic validation.
func (o *Orchestrator) RegisterMachine(ctx context.Context, m *fleet.Machine) error {
	if strings.TrimSpace(m.Name) == "" {
		return apperrors.Validation("machine name is required")
	}
	if strings.TrimSpace(m.Host) == "" {
		return apperrors.Validation("machine host is required")
	}
	if m.Port <= 0 {
		m.Port = 22
	}
	return o.store.Machines().Create(ctx, m)
}

// ListMachines returns all registered machines.
func (o *Orchestrator) ListMachines(ctx context.Context) ([]fleet.Machine, error) {
	return o.store.Machines().List(ctx)
}

// DeleteMachine removes a machine that has no instances left on it.
func (o *Orchestrator) DeleteMachine(ctx context.Context, id int64) error {
	instances, err := o.instancesOnMachine(ctx, id)
	if err != nil {
		return err
	}
	if len(instances) > 0 {
		return apperrors.Conflict("machine %d still hosts %d instance(s)", id, len(instances))
	}
	return o.store.Machines().Delete(ctx, id)
}

func (o *Orchestrator) instancesOnMachine(ctx context.Context, machineID int64) ([]fleet.Instance, error) {
	procs, err := o.store.Processes().List(ctx)
	if err != nil {
		return nil, err
	}
	var out []fleet.Instance
	for _, p := range procs {
		insts, err := o.store.Instances().FindByProcess(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, inst := range insts {
			if inst.MachineID == machineID {
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

// CreateProcess records a process definition and places one instance on
// each of the given machines at the default deploy path. Every placement
// is checked before the first instance row is written; if a row still
// collides with a concurrent create, the rows written so far are rolled
// back so a failed call leaves nothing behind.
func (o *Orchestrator) CreateProcess(ctx context.Context, p *fleet.Process, machineIDs []int64) ([]fleet.Instance, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, apperrors.Validation("process name is required")
	}
	if len(machineIDs) == 0 {
		return nil, apperrors.Validation("at least one machine is required")
	}
	if _, err := o.store.Processes().GetByName(ctx, p.Name); err == nil {
		return nil, apperrors.Conflict("process %q already exists", p.Name)
	}
	for _, mid := range machineIDs {
		if _, err := o.store.Machines().GetByID(ctx, mid); err != nil {
			return nil, err
		}
	}
	if err := o.store.Processes().Create(ctx, p); err != nil {
		return nil, err
	}
	for _, mid := range machineIDs {
		if err := o.checkPlacement(ctx, *p, mid, ""); err != nil {
			_ = o.store.Processes().Delete(ctx, p.ID)
			return nil, err
		}
	}
	instances := make([]fleet.Instance, 0, len(machineIDs))
	for _, mid := range machineIDs {
		inst, err := o.createInstance(ctx, *p, mid, "")
		if err != nil {
			o.rollbackInstances(ctx, instances)
			_ = o.store.Processes().Delete(ctx, p.ID)
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (o *Orchestrator) deployPathFor(p fleet.Process, customPath string) string {
	if customPath != "" {
		return customPath
	}
	base := p.DeployBaseDir
	if base == "" {
		base = o.cfg.DeployBaseDir
	}
	return path.Join(base, fmt.Sprintf("process-%d", p.ID))
}

// checkPlacement rejects a (machine, deploy path) pair an existing instance
// already occupies, before any row for the request is written.
func (o *Orchestrator) checkPlacement(ctx context.Context, p fleet.Process, machineID int64, customPath string) error {
	deployPath := o.deployPathFor(p, customPath)
	existing, err := o.store.Instances().FindByMachineAndPath(ctx, machineID, deployPath)
	if err == nil {
		return apperrors.Conflict("deploy path %s on machine %d is used by instance %d of process %d",
			deployPath, machineID, existing.ID, existing.ProcessID)
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// createInstance places one instance; the backing store rejects an already
// occupied (machine, deploy path) pair, closing the race the pre-check
// cannot.
func (o *Orchestrator) createInstance(ctx context.Context, p fleet.Process, machineID int64, customPath string) (fleet.Instance, error) {
	inst := fleet.Instance{
		ProcessID:  p.ID,
		MachineID:  machineID,
		DeployPath: o.deployPathFor(p, customPath),
		State:      fleet.StateNotStarted,
	}
	if err := o.store.Instances().Create(ctx, &inst); err != nil {
		return fleet.Instance{}, err
	}
	return inst, nil
}

// rollbackInstances removes rows created earlier in a request that failed
// partway through.
func (o *Orchestrator) rollbackInstances(ctx context.Context, instances []fleet.Instance) {
	for _, inst := range instances {
		if err := o.store.Instances().Delete(ctx, inst.ID); err != nil {
			o.log.Warn("roll back instance row", "instance", inst.ID, "error", err)
		}
	}
}

// GetProcess returns one process definition.
func (o *Orchestrator) GetProcess(ctx context.Context, id int64) (fleet.Process, error) {
	return o.store.Processes().GetByID(ctx, id)
}

// ListProcesses returns all process definitions.
func (o *Orchestrator) ListProcesses(ctx context.Context) ([]fleet.Process, error) {
	return o.store.Processes().List(ctx)
}

// ListInstances returns a process's instances.
func (o *Orchestrator) ListInstances(ctx context.Context, processID int64) ([]fleet.Instance, error) {
	return o.store.Instances().FindByProcess(ctx, processID)
}

// UpdateProcessConfig replaces the process's config content and flags every
// instance stale until a refresh lands the new content on disk.
func (o *Orchestrator) UpdateProcessConfig(ctx context.Context, processID int64, configContent, jvmOptions string) error {
	p, err := o.store.Processes().GetByID(ctx, processID)
	if err != nil {
		return err
	}
	if configContent != "" {
		p.ConfigContent = configContent
	}
	if jvmOptions != "" {
		p.JvmOptions = jvmOptions
	}
	p.UpdatedAt = time.Now()
	if err := o.store.Processes().Update(ctx, p); err != nil {
		return err
	}
	return o.store.Instances().SetConfigStale(ctx, processID, true)
}

// DeleteProcess removes a process whose instances are all stopped, deletes
// the instance rows, and reclaims remote directories in the background.
// Task and step history for the process is retained.
func (o *Orchestrator) DeleteProcess(ctx context.Context, processID int64) error {
	instances, err := o.store.Instances().FindByProcess(ctx, processID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.State != fleet.StateNotStarted && inst.State != fleet.StateStartFailed {
			return apperrors.Conflict("instance %d is %s; stop it before deleting the process",
				inst.ID, inst.State)
		}
	}
	targets, err := o.resolveTargets(ctx, instances)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if err := o.store.Instances().Delete(ctx, inst.ID); err != nil {
			return err
		}
	}
	if err := o.store.Processes().Delete(ctx, processID); err != nil {
		return err
	}
	o.deleteDirectoriesAsync(targets)
	return nil
}

// resolveTargets loads the process and machine rows the step executors need.
func (o *Orchestrator) resolveTargets(ctx context.Context, instances []fleet.Instance) ([]step.Target, error) {
	targets := make([]step.Target, 0, len(instances))
	for _, inst := range instances {
		p, err := o.store.Processes().GetByID(ctx, inst.ProcessID)
		if err != nil {
			return nil, err
		}
		m, err := o.store.Machines().GetByID(ctx, inst.MachineID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, step.Target{Instance: inst, Process: p, Machine: m})
	}
	return targets, nil
}
