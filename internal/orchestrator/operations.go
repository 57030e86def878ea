package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/state"
	"github.com/loykin/flotilla/internal/step"
)

// InitializeProcess deploys the agent onto every instance of the process.
func (o *Orchestrator) InitializeProcess(ctx context.Context, processID int64) (string, error) {
	return o.processOperation(ctx, processID, fleet.OpInitialize)
}

// StartProcess starts every instance of the process.
func (o *Orchestrator) StartProcess(ctx context.Context, processID int64) (string, error) {
	return o.processOperation(ctx, processID, fleet.OpStart)
}

// StopProcess stops every instance of the process.
func (o *Orchestrator) StopProcess(ctx context.Context, processID int64) (string, error) {
	return o.processOperation(ctx, processID, fleet.OpStop)
}

// ForceStopProcess stops every instance with best effort and resets them to
// NOT_STARTED whatever the remote outcome was.
func (o *Orchestrator) ForceStopProcess(ctx context.Context, processID int64) (string, error) {
	return o.processOperation(ctx, processID, fleet.OpForceStop)
}

// RestartProcess stops then starts every instance of the process.
func (o *Orchestrator) RestartProcess(ctx context.Context, processID int64) (string, error) {
	return o.processOperation(ctx, processID, fleet.OpRestart)
}

// RefreshProcessConfig rewrites config files on every instance and clears
// their stale flags.
func (o *Orchestrator) RefreshProcessConfig(ctx context.Context, processID int64) (string, error) {
	return o.processOperation(ctx, processID, fleet.OpRefreshConfig)
}

func (o *Orchestrator) processOperation(ctx context.Context, processID int64, op fleet.OperationType) (string, error) {
	if _, err := o.store.Processes().GetByID(ctx, processID); err != nil {
		return "", err
	}
	instances, err := o.store.Instances().FindByProcess(ctx, processID)
	if err != nil {
		return "", err
	}
	return o.launch(ctx, processID, nil, op, instances)
}

// InitializeInstance deploys the agent onto one instance.
func (o *Orchestrator) InitializeInstance(ctx context.Context, instanceID int64) (string, error) {
	return o.instanceOperation(ctx, instanceID, fleet.OpInitialize)
}

// StartInstance starts one instance.
func (o *Orchestrator) StartInstance(ctx context.Context, instanceID int64) (string, error) {
	return o.instanceOperation(ctx, instanceID, fleet.OpStart)
}

// StopInstance stops one instance.
func (o *Orchestrator) StopInstance(ctx context.Context, instanceID int64) (string, error) {
	return o.instanceOperation(ctx, instanceID, fleet.OpStop)
}

// ForceStopInstance force-stops one instance.
func (o *Orchestrator) ForceStopInstance(ctx context.Context, instanceID int64) (string, error) {
	return o.instanceOperation(ctx, instanceID, fleet.OpForceStop)
}

// RestartInstance stops then starts one instance.
func (o *Orchestrator) RestartInstance(ctx context.Context, instanceID int64) (string, error) {
	return o.instanceOperation(ctx, instanceID, fleet.OpRestart)
}

// RefreshInstanceConfig rewrites config files on one instance.
func (o *Orchestrator) RefreshInstanceConfig(ctx context.Context, instanceID int64) (string, error) {
	return o.instanceOperation(ctx, instanceID, fleet.OpRefreshConfig)
}

func (o *Orchestrator) instanceOperation(ctx context.Context, instanceID int64, op fleet.OperationType) (string, error) {
	inst, err := o.store.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return o.launch(ctx, inst.ProcessID, &inst.ID, op, []fleet.Instance{inst})
}

// launch validates every instance against the state machine, records the
// task with all step rows, and hands execution to the worker pool. The
// returned id can be polled immediately.
func (o *Orchestrator) launch(ctx context.Context, processID int64, instanceID *int64, op fleet.OperationType, instances []fleet.Instance) (string, error) {
	if len(instances) == 0 {
		return "", apperrors.Validation("process %d has no instances", processID)
	}
	for _, inst := range instances {
		if err := state.CheckAllowed(inst, op); err != nil {
			return "", err
		}
	}
	kinds := kindsFor(op)
	targets, err := o.resolveTargets(ctx, instances)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s process %d", strings.ToLower(string(op)), processID)
	desc := fmt.Sprintf("%s across %d instance(s)", op, len(instances))
	id, err := o.tasks.Create(ctx, processID, instanceID, op, name, desc, targets, kinds)
	if err != nil {
		return "", err
	}
	o.tasks.Run(id, func(ctx context.Context) error {
		if op == fleet.OpRestart {
			return o.runRestart(ctx, id, instances, targets)
		}
		return o.states.ExecuteOperation(ctx, id, op, instances, func(ctx context.Context) (map[int64]bool, error) {
			return o.tasks.RunSteps(ctx, id, targets, kinds), nil
		})
	})
	o.log.Info("operation launched",
		"task", id, "operation", op, "process", processID, "instances", len(instances))
	return id, nil
}

// runRestart executes the stop phase, then starts only the instances whose
// stop completed. An instance whose old process survived the stop lands in
// STOP_FAILED with its PID intact, so a stop retry and the reconciler can
// still reach the live process; its start steps are skipped.
func (o *Orchestrator) runRestart(ctx context.Context, taskID string, instances []fleet.Instance, targets []step.Target) error {
	var stopOK map[int64]bool
	stopErr := o.states.ExecuteOperation(ctx, taskID, fleet.OpStop, instances, func(ctx context.Context) (map[int64]bool, error) {
		stopOK = o.tasks.RunSteps(ctx, taskID, targets, fleet.StopSteps())
		return stopOK, nil
	})
	var survivors []fleet.Instance
	var survivorTargets []step.Target
	var blocked []int64
	for i, inst := range instances {
		if stopOK[inst.ID] {
			inst.State = fleet.StateNotStarted
			survivors = append(survivors, inst)
			survivorTargets = append(survivorTargets, targets[i])
		} else {
			blocked = append(blocked, inst.ID)
		}
	}
	if len(blocked) > 0 {
		o.tasks.SkipSteps(ctx, taskID, blocked, fleet.StartSteps())
	}
	if len(survivors) == 0 {
		return stopErr
	}
	startErr := o.states.ExecuteOperation(ctx, taskID, fleet.OpStart, survivors, func(ctx context.Context) (map[int64]bool, error) {
		return o.tasks.RunSteps(ctx, taskID, survivorTargets, fleet.StartSteps()), nil
	})
	return errors.Join(stopErr, startErr)
}

func kindsFor(op fleet.OperationType) []fleet.StepKind {
	switch op {
	case fleet.OpInitialize:
		return fleet.InitializeSteps()
	case fleet.OpStart:
		return fleet.StartSteps()
	case fleet.OpStop, fleet.OpForceStop:
		return fleet.StopSteps()
	case fleet.OpRestart:
		return fleet.RestartSteps()
	case fleet.OpRefreshConfig:
		return fleet.RefreshConfigSteps()
	default:
		return nil
	}
}

// deleteDirectoriesAsync reclaims deploy directories in the background.
// Removal already succeeded by the time this runs, so failures are logged
// and otherwise ignored.
func (o *Orchestrator) deleteDirectoriesAsync(targets []step.Target) {
	exec, ok := o.steps[fleet.StepDeleteDirectory]
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		for _, tg := range targets {
			if err := exec.Execute(ctx, tg); err != nil {
				o.log.Warn("delete deploy directory",
					"instance", tg.Instance.ID, "path", tg.Instance.DeployPath, "error", err)
			}
		}
	}()
}
