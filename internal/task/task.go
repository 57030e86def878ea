// Package task records orchestrated operations and runs their steps. A task
// owns a set of (instance, step kind) rows created up front as PENDING; the
// runner fans out across instances and reports a per-instance verdict.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/metrics"
	"github.com/loykin/flotilla/internal/repository"
	"github.com/loykin/flotilla/internal/step"
)

type Service struct {
	store repository.Store
	steps map[fleet.StepKind]step.Executor
	sem   chan struct{}
	log   *slog.Logger
	wg    sync.WaitGroup
}

func NewService(store repository.Store, steps map[fleet.StepKind]step.Executor, workers int, log *slog.Logger) *Service {
	if workers <= 0 {
		workers = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: store,
		steps: steps,
		sem:   make(chan struct{}, workers),
		log:   log,
	}
}

// Create records a new PENDING task plus one PENDING step row per
// (instance, kind) pair, and returns the task id.
func (s *Service) Create(ctx context.Context, processID int64, instanceID *int64, op fleet.OperationType, name, description string, targets []step.Target, kinds []fleet.StepKind) (string, error) {
	t := fleet.Task{
		ID:            uuid.NewString(),
		ProcessID:     processID,
		InstanceID:    instanceID,
		Name:          name,
		Description:   description,
		OperationType: op,
		Status:        fleet.TaskPending,
	}
	if err := s.store.Tasks().Create(ctx, t); err != nil {
		return "", err
	}
	rows := make([]fleet.Step, 0, len(targets)*len(kinds))
	for _, tg := range targets {
		for _, k := range kinds {
			rows = append(rows, fleet.Step{
				TaskID:     t.ID,
				InstanceID: tg.Instance.ID,
				MachineID:  tg.Machine.ID,
				Kind:       k,
				Status:     fleet.StepPending,
			})
		}
	}
	if len(rows) > 0 {
		if err := s.store.Steps().CreateBatch(ctx, rows); err != nil {
			return "", err
		}
	}
	return t.ID, nil
}

// Run executes fn on the worker pool. The task is moved to RUNNING before fn
// and to COMPLETED or FAILED after, even if fn panics.
func (s *Service) Run(taskID string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.RunSync(context.Background(), taskID, fn)
	}()
}

// RunSync executes fn inline with the same status bookkeeping as Run.
func (s *Service) RunSync(ctx context.Context, taskID string, fn func(ctx context.Context) error) {
	var op fleet.OperationType
	if t, gerr := s.store.Tasks().GetByID(ctx, taskID); gerr == nil {
		op = t.OperationType
	}
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			s.log.Error("task panicked", "task", taskID, "panic", r)
		}
		s.finish(ctx, taskID, op, err)
	}()
	if uerr := s.store.Tasks().UpdateStatus(ctx, taskID, fleet.TaskRunning); uerr != nil {
		s.log.Error("mark task running", "task", taskID, "error", uerr)
	}
	metrics.IncTaskStarted(string(op))
	err = fn(ctx)
}

func (s *Service) finish(ctx context.Context, taskID string, op fleet.OperationType, err error) {
	status := fleet.TaskCompleted
	if err != nil {
		status = fleet.TaskFailed
		if serr := s.store.Tasks().SetError(ctx, taskID, err.Error()); serr != nil {
			s.log.Error("record task error", "task", taskID, "error", serr)
		}
	}
	if uerr := s.store.Tasks().UpdateStatus(ctx, taskID, status); uerr != nil {
		s.log.Error("finish task", "task", taskID, "error", uerr)
	}
	metrics.IncTaskFinished(string(op), string(status))
	s.log.Info("task finished", "task", taskID, "status", status)
}

// Wait blocks until every task started with Run has finished.
func (s *Service) Wait() { s.wg.Wait() }

// RunSteps executes kinds in order for every target concurrently and
// returns which instances completed all of them. Once a step fails for an
// instance, its remaining steps are marked SKIPPED.
func (s *Service) RunSteps(ctx context.Context, taskID string, targets []step.Target, kinds []fleet.StepKind) map[int64]bool {
	results := make(map[int64]bool, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, tg := range targets {
		wg.Add(1)
		go func(tg step.Target) {
			defer wg.Done()
			ok := s.runInstanceSteps(ctx, taskID, tg, kinds)
			mu.Lock()
			results[tg.Instance.ID] = ok
			mu.Unlock()
		}(tg)
	}
	wg.Wait()
	return results
}

func (s *Service) runInstanceSteps(ctx context.Context, taskID string, tg step.Target, kinds []fleet.StepKind) bool {
	failed := false
	for _, kind := range kinds {
		if failed {
			s.updateStep(ctx, taskID, tg.Instance.ID, kind, fleet.StepSkipped, "")
			continue
		}
		exec, ok := s.steps[kind]
		if !ok {
			failed = true
			s.updateStep(ctx, taskID, tg.Instance.ID, kind, fleet.StepFailed, "no executor for "+string(kind))
			continue
		}
		s.updateStep(ctx, taskID, tg.Instance.ID, kind, fleet.StepRunning, "")
		if err := exec.Execute(ctx, tg); err != nil {
			failed = true
			metrics.IncStepFailure(string(kind))
			s.log.Warn("step failed",
				"task", taskID, "instance", tg.Instance.ID, "step", kind, "error", err)
			s.updateStep(ctx, taskID, tg.Instance.ID, kind, fleet.StepFailed, err.Error())
			continue
		}
		s.updateStep(ctx, taskID, tg.Instance.ID, kind, fleet.StepCompleted, "")
	}
	return !failed
}

func (s *Service) updateStep(ctx context.Context, taskID string, instanceID int64, kind fleet.StepKind, status fleet.StepStatus, errMsg string) {
	if err := s.store.Steps().UpdateStatus(ctx, taskID, instanceID, kind, status, errMsg); err != nil {
		s.log.Error("update step",
			"task", taskID, "instance", instanceID, "step", kind, "error", err)
	}
}

// SkipSteps marks kinds SKIPPED for instances that never reached them.
func (s *Service) SkipSteps(ctx context.Context, taskID string, instanceIDs []int64, kinds []fleet.StepKind) {
	for _, id := range instanceIDs {
		for _, k := range kinds {
			s.updateStep(ctx, taskID, id, k, fleet.StepSkipped, "")
		}
	}
}

// Get returns the task row.
func (s *Service) Get(ctx context.Context, taskID string) (fleet.Task, error) {
	return s.store.Tasks().GetByID(ctx, taskID)
}

// IDsByProcess returns ids of tasks recorded for the process.
func (s *Service) IDsByProcess(ctx context.Context, processID int64) ([]string, error) {
	return s.store.Tasks().FindIDsByProcess(ctx, processID)
}

// IDsByInstance returns ids of tasks scoped to the instance.
func (s *Service) IDsByInstance(ctx context.Context, instanceID int64) ([]string, error) {
	return s.store.Tasks().FindIDsByInstance(ctx, instanceID)
}
