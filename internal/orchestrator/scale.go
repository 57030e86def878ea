package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/step"
)

// ScaleRequest asks for one scaling direction: new instances on the given
// machines, or removal of existing instances. Mixing both is rejected.
type ScaleRequest struct {
	AddMachineIDs     []int64 `json:"add_machine_ids,omitempty"`
	RemoveInstanceIDs []int64 `json:"remove_instance_ids,omitempty"`
	// CustomDeployPath overrides the default per-process path for added
	// instances. Required when adding a second instance of the same
	// process to a machine.
	CustomDeployPath string `json:"custom_deploy_path,omitempty"`
	// Force lets scale-in take instances that are not stopped: they are
	// force-stopped first and removed regardless of the stop outcome.
	Force bool `json:"force,omitempty"`
}

// ScaleResult reports what a scale call did. TaskID is empty for a
// scale-in that had nothing to stop.
type ScaleResult struct {
	TaskID             string  `json:"task_id,omitempty"`
	AddedInstanceIDs   []int64 `json:"added_instance_ids,omitempty"`
	RemovedInstanceIDs []int64 `json:"removed_instance_ids,omitempty"`
}

// Scale grows or shrinks a process's fleet.
func (o *Orchestrator) Scale(ctx context.Context, processID int64, req ScaleRequest) (ScaleResult, error) {
	add, remove := len(req.AddMachineIDs) > 0, len(req.RemoveInstanceIDs) > 0
	if add == remove {
		return ScaleResult{}, apperrors.Validation("exactly one of add_machine_ids or remove_instance_ids is required")
	}
	if add {
		return o.scaleOut(ctx, processID, req)
	}
	return o.scaleIn(ctx, processID, req)
}

// scaleOut places new instances, then runs one task that initializes them
// all and starts the ones whose initialize completed.
func (o *Orchestrator) scaleOut(ctx context.Context, processID int64, req ScaleRequest) (ScaleResult, error) {
	p, err := o.store.Processes().GetByID(ctx, processID)
	if err != nil {
		return ScaleResult{}, err
	}
	for _, mid := range req.AddMachineIDs {
		if _, err := o.store.Machines().GetByID(ctx, mid); err != nil {
			return ScaleResult{}, err
		}
		if err := o.checkPlacement(ctx, p, mid, req.CustomDeployPath); err != nil {
			return ScaleResult{}, err
		}
	}
	instances := make([]fleet.Instance, 0, len(req.AddMachineIDs))
	for _, mid := range req.AddMachineIDs {
		inst, err := o.createInstance(ctx, p, mid, req.CustomDeployPath)
		if err != nil {
			o.rollbackInstances(ctx, instances)
			return ScaleResult{}, err
		}
		instances = append(instances, inst)
	}
	targets, err := o.resolveTargets(ctx, instances)
	if err != nil {
		return ScaleResult{}, err
	}
	kinds := append(fleet.InitializeSteps(), fleet.StartSteps()...)
	desc := fmt.Sprintf("scale out onto %d machine(s)", len(req.AddMachineIDs))
	id, err := o.tasks.Create(ctx, processID, nil, fleet.OpScaleOut,
		fmt.Sprintf("scale out process %d", processID), desc, targets, kinds)
	if err != nil {
		return ScaleResult{}, err
	}
	o.tasks.Run(id, func(ctx context.Context) error {
		return o.runScaleOut(ctx, id, instances, targets)
	})
	res := ScaleResult{TaskID: id}
	for _, inst := range instances {
		res.AddedInstanceIDs = append(res.AddedInstanceIDs, inst.ID)
	}
	return res, nil
}

func (o *Orchestrator) runScaleOut(ctx context.Context, taskID string, instances []fleet.Instance, targets []step.Target) error {
	var initOK map[int64]bool
	initErr := o.states.ExecuteOperation(ctx, taskID, fleet.OpInitialize, instances, func(ctx context.Context) (map[int64]bool, error) {
		initOK = o.tasks.RunSteps(ctx, taskID, targets, fleet.InitializeSteps())
		return initOK, nil
	})
	var survivors []fleet.Instance
	var survivorTargets []step.Target
	var dead []int64
	for i, inst := range instances {
		if initOK[inst.ID] {
			survivors = append(survivors, inst)
			survivorTargets = append(survivorTargets, targets[i])
		} else {
			dead = append(dead, inst.ID)
		}
	}
	if len(dead) > 0 {
		o.tasks.SkipSteps(ctx, taskID, dead, fleet.StartSteps())
	}
	if len(survivors) == 0 {
		return initErr
	}
	startErr := o.states.ExecuteOperation(ctx, taskID, fleet.OpStart, survivors, func(ctx context.Context) (map[int64]bool, error) {
		return o.tasks.RunSteps(ctx, taskID, survivorTargets, fleet.StartSteps()), nil
	})
	return errors.Join(initErr, startErr)
}

// scaleIn removes instances. At least one instance of the process must
// survive. Without force only stopped instances may go; with force the
// instances are force-stopped first and removed whatever the stop did.
// Task and step history for removed instances is retained.
func (o *Orchestrator) scaleIn(ctx context.Context, processID int64, req ScaleRequest) (ScaleResult, error) {
	all, err := o.store.Instances().FindByProcess(ctx, processID)
	if err != nil {
		return ScaleResult{}, err
	}
	byID := make(map[int64]fleet.Instance, len(all))
	for _, inst := range all {
		byID[inst.ID] = inst
	}
	removing := make([]fleet.Instance, 0, len(req.RemoveInstanceIDs))
	for _, id := range req.RemoveInstanceIDs {
		inst, ok := byID[id]
		if !ok {
			return ScaleResult{}, apperrors.NotFound("instance", id)
		}
		if inst.ProcessID != processID {
			return ScaleResult{}, apperrors.Validation("instance %d does not belong to process %d", id, processID)
		}
		removing = append(removing, inst)
	}
	if len(all)-len(removing) < 1 {
		return ScaleResult{}, apperrors.Validation("process %d must keep at least one instance", processID)
	}
	if !req.Force {
		for _, inst := range removing {
			if inst.State != fleet.StateNotStarted && inst.State != fleet.StateStartFailed {
				return ScaleResult{}, apperrors.Conflict("instance %d is %s; stop it first or use force", inst.ID, inst.State)
			}
		}
	}
	targets, err := o.resolveTargets(ctx, removing)
	if err != nil {
		return ScaleResult{}, err
	}
	var res ScaleResult
	if req.Force {
		taskID, err := o.forceStopForRemoval(ctx, processID, removing, targets)
		if err != nil {
			return ScaleResult{}, err
		}
		res.TaskID = taskID
	}
	for _, inst := range removing {
		if err := o.store.Instances().Delete(ctx, inst.ID); err != nil {
			return res, err
		}
		res.RemovedInstanceIDs = append(res.RemovedInstanceIDs, inst.ID)
	}
	o.deleteDirectoriesAsync(targets)
	return res, nil
}

// forceStopForRemoval stops the condemned instances synchronously so their
// rows can be deleted right after. Stop failures do not block removal.
func (o *Orchestrator) forceStopForRemoval(ctx context.Context, processID int64, instances []fleet.Instance, targets []step.Target) (string, error) {
	desc := fmt.Sprintf("force stop %d instance(s) before removal", len(instances))
	id, err := o.tasks.Create(ctx, processID, nil, fleet.OpForceStop,
		fmt.Sprintf("scale in process %d", processID), desc, targets, fleet.StopSteps())
	if err != nil {
		return "", err
	}
	o.tasks.RunSync(ctx, id, func(ctx context.Context) error {
		return o.states.ExecuteOperation(ctx, id, fleet.OpForceStop, instances, func(ctx context.Context) (map[int64]bool, error) {
			return o.tasks.RunSteps(ctx, id, targets, fleet.StopSteps()), nil
		})
	})
	return id, nil
}
