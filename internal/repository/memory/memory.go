// Package memory implements repository.Store in process memory. It backs
// tests and embedded single-node setups where no external store is wanted.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/repository"
)

type Store struct {
	mu        sync.RWMutex
	machines  map[int64]fleet.Machine
	processes map[int64]fleet.Process
	instances map[int64]fleet.Instance
	tasks     map[string]fleet.Task
	taskOrder []string
	steps     map[string][]fleet.Step // by task id, in creation order
	nextID    int64
}

func New() *Store {
	return &Store{
		machines:  make(map[int64]fleet.Machine),
		processes: make(map[int64]fleet.Process),
		instances: make(map[int64]fleet.Instance),
		tasks:     make(map[string]fleet.Task),
		steps:     make(map[string][]fleet.Step),
	}
}

func (s *Store) Machines() repository.MachineRepo   { return (*machineRepo)(s) }
func (s *Store) Processes() repository.ProcessRepo  { return (*processRepo)(s) }
func (s *Store) Instances() repository.InstanceRepo { return (*instanceRepo)(s) }
func (s *Store) Tasks() repository.TaskRepo         { return (*taskRepo)(s) }
func (s *Store) Steps() repository.StepRepo         { return (*stepRepo)(s) }

func (s *Store) EnsureSchema(_ context.Context) error { return nil }
func (s *Store) Close() error                         { return nil }

func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

// --- machines ---

type machineRepo Store

func (r *machineRepo) Create(_ context.Context, m *fleet.Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = (*Store)(r).allocID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.machines[m.ID] = *m
	return nil
}

func (r *machineRepo) GetByID(_ context.Context, id int64) (fleet.Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	if !ok {
		return fleet.Machine{}, apperrors.NotFound("machine", id)
	}
	return m, nil
}

func (r *machineRepo) List(_ context.Context) ([]fleet.Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fleet.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *machineRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
	return nil
}

// --- processes ---

type processRepo Store

func (r *processRepo) Create(_ context.Context, p *fleet.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.processes {
		if existing.Name == p.Name {
			return apperrors.Conflict("process name %q already exists", p.Name)
		}
	}
	p.ID = (*Store)(r).allocID()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.processes[p.ID] = *p
	return nil
}

func (r *processRepo) GetByID(_ context.Context, id int64) (fleet.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[id]
	if !ok {
		return fleet.Process{}, apperrors.NotFound("process", id)
	}
	return p, nil
}

func (r *processRepo) GetByName(_ context.Context, name string) (fleet.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.processes {
		if p.Name == name {
			return p, nil
		}
	}
	return fleet.Process{}, apperrors.NotFound("process", name)
}

func (r *processRepo) Update(_ context.Context, p fleet.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processes[p.ID]; !ok {
		return apperrors.NotFound("process", p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	r.processes[p.ID] = p
	return nil
}

func (r *processRepo) List(_ context.Context) ([]fleet.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fleet.Process, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *processRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, id)
	return nil
}

// --- instances ---

type instanceRepo Store

func (r *instanceRepo) Create(_ context.Context, inst *fleet.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.instances {
		if existing.MachineID == inst.MachineID && existing.DeployPath == inst.DeployPath {
			return apperrors.Conflict(
				"deploy path %q on machine %d already occupied by instance %d of process %d",
				inst.DeployPath, inst.MachineID, existing.ID, existing.ProcessID)
		}
	}
	inst.ID = (*Store)(r).allocID()
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.StateChangedAt.IsZero() {
		inst.StateChangedAt = now
	}
	if inst.State == "" {
		inst.State = fleet.StateNotStarted
	}
	r.instances[inst.ID] = *inst
	return nil
}

func (r *instanceRepo) GetByID(_ context.Context, id int64) (fleet.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return fleet.Instance{}, apperrors.NotFound("instance", id)
	}
	return inst, nil
}

func (r *instanceRepo) FindByProcess(_ context.Context, processID int64) ([]fleet.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []fleet.Instance
	for _, inst := range r.instances {
		if inst.ProcessID == processID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *instanceRepo) FindByMachineAndPath(_ context.Context, machineID int64, deployPath string) (fleet.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if inst.MachineID == machineID && inst.DeployPath == deployPath {
			return inst, nil
		}
	}
	return fleet.Instance{}, apperrors.NotFound("instance", deployPath)
}

func (r *instanceRepo) FindWithPID(_ context.Context) ([]fleet.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []fleet.Instance
	for _, inst := range r.instances {
		if inst.PID != "" {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *instanceRepo) UpdateState(_ context.Context, id int64, state fleet.InstanceState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return apperrors.NotFound("instance", id)
	}
	inst.State = state
	inst.StateChangedAt = at
	r.instances[id] = inst
	return nil
}

func (r *instanceRepo) UpdatePID(_ context.Context, id int64, pid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return apperrors.NotFound("instance", id)
	}
	inst.PID = pid
	r.instances[id] = inst
	return nil
}

func (r *instanceRepo) ClearPIDAndSetState(_ context.Context, id int64, state fleet.InstanceState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return apperrors.NotFound("instance", id)
	}
	inst.PID = ""
	inst.State = state
	inst.StateChangedAt = at
	r.instances[id] = inst
	return nil
}

func (r *instanceRepo) SetConfigStale(_ context.Context, processID int64, stale bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.instances {
		if inst.ProcessID == processID {
			inst.ConfigStale = stale
			r.instances[id] = inst
		}
	}
	return nil
}

func (r *instanceRepo) ClearConfigStale(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return apperrors.NotFound("instance", id)
	}
	inst.ConfigStale = false
	r.instances[id] = inst
	return nil
}

func (r *instanceRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
	return nil
}

// --- tasks ---

type taskRepo Store

func (r *taskRepo) Create(_ context.Context, t fleet.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = fleet.TaskPending
	}
	r.tasks[t.ID] = t
	r.taskOrder = append(r.taskOrder, t.ID)
	return nil
}

func (r *taskRepo) GetByID(_ context.Context, id string) (fleet.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return fleet.Task{}, apperrors.NotFound("task", id)
	}
	return t, nil
}

func (r *taskRepo) UpdateStatus(_ context.Context, id string, status fleet.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	now := time.Now().UTC()
	t.Status = status
	if status == fleet.TaskRunning && t.StartTime == nil {
		t.StartTime = &now
	}
	if status.Terminal() && t.EndTime == nil {
		t.EndTime = &now
	}
	r.tasks[id] = t
	return nil
}

func (r *taskRepo) SetError(_ context.Context, id string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	t.ErrorMessage = message
	r.tasks[id] = t
	return nil
}

func (r *taskRepo) FindIDsByProcess(_ context.Context, processID int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.taskOrder {
		if t, ok := r.tasks[id]; ok && t.ProcessID == processID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *taskRepo) FindIDsByInstance(_ context.Context, instanceID int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.taskOrder {
		t, ok := r.tasks[id]
		if !ok {
			continue
		}
		if t.InstanceID != nil && *t.InstanceID == instanceID {
			out = append(out, id)
			continue
		}
		for _, st := range r.steps[id] {
			if st.InstanceID == instanceID {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// --- steps ---

type stepRepo Store

func (r *stepRepo) CreateBatch(_ context.Context, steps []fleet.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range steps {
		for _, existing := range r.steps[st.TaskID] {
			if existing.InstanceID == st.InstanceID && existing.Kind == st.Kind {
				return apperrors.Conflict("step (%s, %d, %s) already exists", st.TaskID, st.InstanceID, st.Kind)
			}
		}
		if st.Status == "" {
			st.Status = fleet.StepPending
		}
		r.steps[st.TaskID] = append(r.steps[st.TaskID], st)
	}
	return nil
}

func (r *stepRepo) FindByTask(_ context.Context, taskID string) ([]fleet.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fleet.Step, len(r.steps[taskID]))
	copy(out, r.steps[taskID])
	return out, nil
}

func (r *stepRepo) UpdateStatus(_ context.Context, taskID string, instanceID int64, kind fleet.StepKind, status fleet.StepStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.steps[taskID]
	for i, st := range rows {
		if st.InstanceID != instanceID || st.Kind != kind {
			continue
		}
		now := time.Now().UTC()
		st.Status = status
		if status == fleet.StepRunning && st.StartTime == nil {
			st.StartTime = &now
		}
		if status.Terminal() && st.EndTime == nil {
			st.EndTime = &now
		}
		if errMsg != "" {
			st.ErrorMessage = errMsg
		}
		rows[i] = st
		return nil
	}
	return apperrors.NotFound("step", string(kind))
}

func (r *stepRepo) DeleteByTask(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.steps, taskID)
	return nil
}
