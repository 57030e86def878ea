package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/repository/memory"
	"github.com/loykin/flotilla/internal/state"
	"github.com/loykin/flotilla/internal/step"
	"github.com/loykin/flotilla/internal/task"
)

// fakeRemote answers commands from ordered substring rules.
type fakeRemote struct {
	mu       sync.Mutex
	rules    []remoteRule
	commands []string
}

type remoteRule struct {
	contains string
	output   string
	err      error
}

func (f *fakeRemote) ExecuteCommand(_ context.Context, _ fleet.Machine, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	for _, r := range f.rules {
		if strings.Contains(cmd, r.contains) {
			return r.output, r.err
		}
	}
	return "", nil
}

func (f *fakeRemote) UploadFile(_ context.Context, _ fleet.Machine, _, _ string) error {
	return nil
}

func (f *fakeRemote) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	orch  *Orchestrator
	store *memory.Store
	tasks *task.Service
	exec  *fakeRemote
}

func newHarness(t *testing.T, rules []remoteRule) *harness {
	t.Helper()
	store := memory.New()
	exec := &fakeRemote{rules: rules}
	stepCfg := step.Config{
		PackagePath:    "/tmp/agent.tar.gz",
		VerifyAttempts: 2,
		VerifyInterval: time.Millisecond,
		StopAttempts:   2,
		StopInterval:   time.Millisecond,
	}
	registry := step.NewRegistry(exec, store.Instances(), stepCfg)
	tasks := task.NewService(store, registry, 4, nil)
	states := state.NewManager(store, nil, nil)
	orch := New(store, tasks, states, registry, Config{}, nil)
	return &harness{orch: orch, store: store, tasks: tasks, exec: exec}
}

func (h *harness) seed(t *testing.T, machines int) (fleet.Process, []fleet.Instance, []fleet.Machine) {
	t.Helper()
	ctx := context.Background()
	ms := make([]fleet.Machine, 0, machines)
	ids := make([]int64, 0, machines)
	for i := 0; i < machines; i++ {
		m := fleet.Machine{Name: "node-" + string(rune('a'+i)), Host: "10.0.0.1", Port: 22}
		require.NoError(t, h.orch.RegisterMachine(ctx, &m))
		ms = append(ms, m)
		ids = append(ids, m.ID)
	}
	p := fleet.Process{Name: "shipper", ConfigContent: "input {}\n"}
	instances, err := h.orch.CreateProcess(ctx, &p, ids)
	require.NoError(t, err)
	return p, instances, ms
}

func aliveRules(pid string) []remoteRule {
	return []remoteRule{
		{contains: "agent.pid 2>/dev/null", output: pid + "\n"},
		{contains: "ps -p " + pid, output: pid + "\n"},
	}
}

func TestRegisterMachineValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.orch.RegisterMachine(ctx, &fleet.Machine{Host: "10.0.0.1"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	err = h.orch.RegisterMachine(ctx, &fleet.Machine{Name: "node-a"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	m := fleet.Machine{Name: "node-a", Host: "10.0.0.1"}
	require.NoError(t, h.orch.RegisterMachine(ctx, &m))
	require.Equal(t, 22, m.Port)
}

func TestCreateProcessPlacesDefaultPath(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, ms := h.seed(t, 2)

	require.Len(t, instances, 2)
	for i, inst := range instances {
		require.Equal(t, fmt.Sprintf("/opt/flotilla/process-%d", p.ID), inst.DeployPath)
		require.Equal(t, fleet.StateNotStarted, inst.State)
		require.Equal(t, ms[i].ID, inst.MachineID)
		require.Equal(t, p.ID, inst.ProcessID)
	}
}

func TestCreateProcessRejectsDuplicateName(t *testing.T) {
	h := newHarness(t, nil)
	_, _, ms := h.seed(t, 1)

	dup := fleet.Process{Name: "shipper"}
	_, err := h.orch.CreateProcess(context.Background(), &dup, []int64{ms[0].ID})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCreateProcessRejectsUnknownMachine(t *testing.T) {
	h := newHarness(t, nil)
	p := fleet.Process{Name: "shipper"}
	_, err := h.orch.CreateProcess(context.Background(), &p, []int64{42})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteMachineConflictsWhileHosting(t *testing.T) {
	h := newHarness(t, nil)
	_, _, ms := h.seed(t, 1)
	ctx := context.Background()

	err := h.orch.DeleteMachine(ctx, ms[0].ID)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	spare := fleet.Machine{Name: "node-z", Host: "10.0.0.9"}
	require.NoError(t, h.orch.RegisterMachine(ctx, &spare))
	require.NoError(t, h.orch.DeleteMachine(ctx, spare.ID))
}

func TestInitializeProcessRunsDeploySteps(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()

	taskID, err := h.orch.InitializeProcess(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	got, err := h.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.TaskCompleted, got.Status)

	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateNotStarted, inst.State)

	require.True(t, h.exec.ran(fmt.Sprintf("mkdir -p /opt/flotilla/process-%d", p.ID)))
	require.True(t, h.exec.ran("tar -xzf"))
	require.True(t, h.exec.ran("config/pipeline.conf"))
	require.True(t, h.exec.ran("config/agent.yml"))
}

func TestStartProcessLandsRunning(t *testing.T) {
	h := newHarness(t, aliveRules("4242"))
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()

	taskID, err := h.orch.StartProcess(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	got, err := h.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.TaskCompleted, got.Status)

	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateRunning, inst.State)
	require.Equal(t, "4242", inst.PID)
}

func TestStartFailureLandsStartFailed(t *testing.T) {
	// pid file never appears and ps never answers
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()

	taskID, err := h.orch.StartProcess(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	got, err := h.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.TaskFailed, got.Status)

	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateStartFailed, inst.State)
}

func TestStopProcessClearsPID(t *testing.T) {
	h := newHarness(t, []remoteRule{
		{contains: "agent.pid 2>/dev/null", output: "4242\n"},
		{contains: "ps -p 4242", output: ""},
	})
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()
	require.NoError(t, h.store.Instances().UpdateState(ctx, instances[0].ID, fleet.StateRunning, time.Now()))
	require.NoError(t, h.store.Instances().UpdatePID(ctx, instances[0].ID, "4242"))

	_, err := h.orch.StopProcess(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateNotStarted, inst.State)
	require.Empty(t, inst.PID)
}

func TestStopCancelsInitializing(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()
	require.NoError(t, h.store.Instances().UpdateState(ctx, instances[0].ID, fleet.StateInitializing, time.Now()))

	taskID, err := h.orch.StopProcess(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	got, err := h.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.TaskCompleted, got.Status)

	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateNotStarted, inst.State)
}

func TestStopFromNotStartedRejected(t *testing.T) {
	h := newHarness(t, nil)
	p, _, _ := h.seed(t, 1)

	_, err := h.orch.StopProcess(context.Background(), p.ID)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestOperationFailsFastWhenOneInstanceDisallows(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 2)
	ctx := context.Background()
	require.NoError(t, h.store.Instances().UpdateState(ctx, instances[1].ID, fleet.StateRunning, time.Now()))

	// one NOT_STARTED instance blocks a process-wide stop entirely
	_, err := h.orch.StopProcess(ctx, p.ID)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	tasks, err := h.tasks.IDsByProcess(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestInstanceOperationTargetsOneInstance(t *testing.T) {
	h := newHarness(t, aliveRules("17"))
	_, instances, _ := h.seed(t, 2)
	ctx := context.Background()

	taskID, err := h.orch.StartInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	h.tasks.Wait()

	a, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateRunning, a.State)
	b, err := h.store.Instances().GetByID(ctx, instances[1].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateNotStarted, b.State)

	got, err := h.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, got.InstanceID)
	require.Equal(t, instances[0].ID, *got.InstanceID)
}

// restartRemote simulates a process that dies when killed and comes back
// once the start script runs again.
type restartRemote struct {
	mu    sync.Mutex
	alive bool
}

func (f *restartRemote) ExecuteCommand(_ context.Context, _ fleet.Machine, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "kill"):
		f.alive = false
	case strings.Contains(cmd, "chmod") && strings.Contains(cmd, "start.sh"):
		f.alive = true
	case strings.Contains(cmd, "agent.pid 2>/dev/null"):
		return "4242\n", nil
	case strings.Contains(cmd, "ps -p 4242"):
		if f.alive {
			return "4242\n", nil
		}
	}
	return "", nil
}

func (f *restartRemote) UploadFile(context.Context, fleet.Machine, string, string) error {
	return nil
}

func TestRestartStopsThenStarts(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()
	require.NoError(t, h.store.Instances().UpdateState(ctx, instances[0].ID, fleet.StateRunning, time.Now()))
	require.NoError(t, h.store.Instances().UpdatePID(ctx, instances[0].ID, "4242"))

	exec := &restartRemote{alive: true}
	registry := step.NewRegistry(exec, h.store.Instances(), step.Config{
		VerifyAttempts: 2, VerifyInterval: time.Millisecond,
		StopAttempts: 2, StopInterval: time.Millisecond,
	})
	tasks := task.NewService(h.store, registry, 4, nil)
	orch := New(h.store, tasks, state.NewManager(h.store, nil, nil), registry, Config{}, nil)

	taskID, err := orch.RestartProcess(ctx, p.ID)
	require.NoError(t, err)
	tasks.Wait()

	got, err := tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.TaskCompleted, got.Status)

	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateRunning, inst.State)
	require.Equal(t, "4242", inst.PID)

	steps, err := h.store.Steps().FindByTask(ctx, taskID)
	require.NoError(t, err)
	for _, st := range steps {
		require.Equal(t, fleet.StepCompleted, st.Status, st.Kind)
	}
}

func TestRestartStopFailureLandsStopFailed(t *testing.T) {
	// the old process survives SIGKILL, so the stop phase fails
	h := newHarness(t, aliveRules("4242"))
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()
	require.NoError(t, h.store.Instances().UpdateState(ctx, instances[0].ID, fleet.StateRunning, time.Now()))
	require.NoError(t, h.store.Instances().UpdatePID(ctx, instances[0].ID, "4242"))

	taskID, err := h.orch.RestartProcess(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	got, err := h.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.TaskFailed, got.Status)

	// the live process stays reachable: STOP_FAILED with the PID intact
	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Equal(t, fleet.StateStopFailed, inst.State)
	require.Equal(t, "4242", inst.PID)

	steps, err := h.store.Steps().FindByTask(ctx, taskID)
	require.NoError(t, err)
	byKind := map[fleet.StepKind]fleet.StepStatus{}
	for _, st := range steps {
		byKind[st.Kind] = st.Status
	}
	require.Equal(t, fleet.StepFailed, byKind[fleet.StepStopProcess])
	require.Equal(t, fleet.StepSkipped, byKind[fleet.StepStartProcess])
	require.Equal(t, fleet.StepSkipped, byKind[fleet.StepVerifyProcess])
}

func TestCreateProcessConflictLeavesNoRows(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	m := fleet.Machine{Name: "node-a", Host: "10.0.0.1"}
	require.NoError(t, h.orch.RegisterMachine(ctx, &m))

	// the same machine twice resolves to the same default deploy path
	p := fleet.Process{Name: "shipper"}
	_, err := h.orch.CreateProcess(ctx, &p, []int64{m.ID, m.ID})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = h.store.Processes().GetByName(ctx, "shipper")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	instances, err := h.store.Instances().FindByProcess(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, instances)
}

func TestUpdateProcessConfigMarksInstancesStale(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 2)
	ctx := context.Background()

	require.NoError(t, h.orch.UpdateProcessConfig(ctx, p.ID, "input { beats {} }\n", "-Xmx256m"))

	got, err := h.orch.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "input { beats {} }\n", got.ConfigContent)
	require.Equal(t, "-Xmx256m", got.JvmOptions)

	for _, inst := range instances {
		cur, err := h.store.Instances().GetByID(ctx, inst.ID)
		require.NoError(t, err)
		require.True(t, cur.ConfigStale)
	}
}

func TestRefreshConfigClearsStale(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()
	require.NoError(t, h.orch.UpdateProcessConfig(ctx, p.ID, "input { beats {} }\n", ""))

	_, err := h.orch.RefreshProcessConfig(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	inst, err := h.store.Instances().GetByID(ctx, instances[0].ID)
	require.NoError(t, err)
	require.False(t, inst.ConfigStale)
}

func TestDeleteProcessRequiresStoppedInstances(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()
	require.NoError(t, h.store.Instances().UpdateState(ctx, instances[0].ID, fleet.StateRunning, time.Now()))

	err := h.orch.DeleteProcess(ctx, p.ID)
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestDeleteProcessRemovesRowsKeepsHistory(t *testing.T) {
	h := newHarness(t, nil)
	p, instances, _ := h.seed(t, 1)
	ctx := context.Background()

	taskID, err := h.orch.InitializeProcess(ctx, p.ID)
	require.NoError(t, err)
	h.tasks.Wait()

	require.NoError(t, h.orch.DeleteProcess(ctx, p.ID))

	_, err = h.orch.GetProcess(ctx, p.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = h.store.Instances().GetByID(ctx, instances[0].ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	// the audit trail survives the rows
	got, err := h.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.TaskCompleted, got.Status)
}
