package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMachineRoundtrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := fleet.Machine{Name: "node-a", Host: "10.0.0.1", Port: 22, User: "deploy"}
	require.NoError(t, db.Machines().Create(ctx, &m))
	require.NotZero(t, m.ID)

	got, err := db.Machines().GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "node-a", got.Name)
	require.Equal(t, "deploy", got.User)

	dup := fleet.Machine{Name: "node-a", Host: "10.0.0.2", Port: 22}
	require.ErrorIs(t, db.Machines().Create(ctx, &dup), apperrors.ErrConflict)

	list, err := db.Machines().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, db.Machines().Delete(ctx, m.ID))
	require.ErrorIs(t, db.Machines().Delete(ctx, m.ID), apperrors.ErrNotFound)
	_, err = db.Machines().GetByID(ctx, m.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestProcessRoundtrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p := fleet.Process{Name: "shipper", Module: "logstash", ConfigContent: "input {}\n"}
	require.NoError(t, db.Processes().Create(ctx, &p))

	dup := fleet.Process{Name: "shipper"}
	require.ErrorIs(t, db.Processes().Create(ctx, &dup), apperrors.ErrConflict)

	byName, err := db.Processes().GetByName(ctx, "shipper")
	require.NoError(t, err)
	require.Equal(t, p.ID, byName.ID)

	p.ConfigContent = "input { beats {} }\n"
	p.UpdatedAt = time.Now()
	require.NoError(t, db.Processes().Update(ctx, p))
	got, err := db.Processes().GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "input { beats {} }\n", got.ConfigContent)
}

func TestInstancePlacementConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := fleet.Instance{ProcessID: 1, MachineID: 1, DeployPath: "/opt/flotilla/process-1", State: fleet.StateNotStarted}
	require.NoError(t, db.Instances().Create(ctx, &a))

	b := fleet.Instance{ProcessID: 2, MachineID: 1, DeployPath: "/opt/flotilla/process-1", State: fleet.StateNotStarted}
	err := db.Instances().Create(ctx, &b)
	require.ErrorIs(t, err, apperrors.ErrConflict)
	require.Contains(t, err.Error(), "/opt/flotilla/process-1")

	// same path on another machine is fine
	c := fleet.Instance{ProcessID: 2, MachineID: 2, DeployPath: "/opt/flotilla/process-1", State: fleet.StateNotStarted}
	require.NoError(t, db.Instances().Create(ctx, &c))
}

func TestInstanceStateAndPID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	inst := fleet.Instance{ProcessID: 1, MachineID: 1, DeployPath: "/opt/p", State: fleet.StateNotStarted}
	require.NoError(t, db.Instances().Create(ctx, &inst))

	at := time.Now().UTC()
	require.NoError(t, db.Instances().UpdateState(ctx, inst.ID, fleet.StateRunning, at))
	require.NoError(t, db.Instances().UpdatePID(ctx, inst.ID, "4242"))

	withPID, err := db.Instances().FindWithPID(ctx)
	require.NoError(t, err)
	require.Len(t, withPID, 1)
	require.Equal(t, fleet.StateRunning, withPID[0].State)
	require.Equal(t, "4242", withPID[0].PID)

	require.NoError(t, db.Instances().ClearPIDAndSetState(ctx, inst.ID, fleet.StateNotStarted, time.Now()))
	got, err := db.Instances().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	require.Empty(t, got.PID)
	require.Equal(t, fleet.StateNotStarted, got.State)

	require.ErrorIs(t, db.Instances().UpdatePID(ctx, 9999, "1"), apperrors.ErrNotFound)
}

func TestConfigStaleFlags(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := fleet.Instance{ProcessID: 1, MachineID: 1, DeployPath: "/opt/a", State: fleet.StateNotStarted}
	b := fleet.Instance{ProcessID: 1, MachineID: 2, DeployPath: "/opt/b", State: fleet.StateNotStarted}
	require.NoError(t, db.Instances().Create(ctx, &a))
	require.NoError(t, db.Instances().Create(ctx, &b))

	require.NoError(t, db.Instances().SetConfigStale(ctx, 1, true))
	insts, err := db.Instances().FindByProcess(ctx, 1)
	require.NoError(t, err)
	for _, i := range insts {
		require.True(t, i.ConfigStale)
	}

	require.NoError(t, db.Instances().ClearConfigStale(ctx, a.ID))
	got, err := db.Instances().GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, got.ConfigStale)
}

func TestTaskTimeStamping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := uuid.NewString()
	task := fleet.Task{ID: id, ProcessID: 1, Name: "start process 1", OperationType: fleet.OpStart, Status: fleet.TaskPending}
	require.NoError(t, db.Tasks().Create(ctx, task))

	require.NoError(t, db.Tasks().UpdateStatus(ctx, id, fleet.TaskRunning))
	got, err := db.Tasks().GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.StartTime)
	require.Nil(t, got.EndTime)
	start := *got.StartTime

	// a second RUNNING update must not move the start time
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.Tasks().UpdateStatus(ctx, id, fleet.TaskRunning))
	got, err = db.Tasks().GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, start, *got.StartTime)

	require.NoError(t, db.Tasks().UpdateStatus(ctx, id, fleet.TaskFailed))
	require.NoError(t, db.Tasks().SetError(ctx, id, "verify timed out"))
	got, err = db.Tasks().GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	require.Equal(t, "verify timed out", got.ErrorMessage)
	end := *got.EndTime

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.Tasks().UpdateStatus(ctx, id, fleet.TaskFailed))
	got, err = db.Tasks().GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, end, *got.EndTime)
}

func TestTaskLookupByProcessAndInstance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	instanceID := int64(7)
	direct := fleet.Task{ID: uuid.NewString(), ProcessID: 1, InstanceID: &instanceID, Name: "start", OperationType: fleet.OpStart, Status: fleet.TaskPending}
	require.NoError(t, db.Tasks().Create(ctx, direct))

	fanout := fleet.Task{ID: uuid.NewString(), ProcessID: 1, Name: "stop", OperationType: fleet.OpStop, Status: fleet.TaskPending}
	require.NoError(t, db.Tasks().Create(ctx, fanout))
	require.NoError(t, db.Steps().CreateBatch(ctx, []fleet.Step{
		{TaskID: fanout.ID, InstanceID: instanceID, MachineID: 1, Kind: fleet.StepStopProcess, Status: fleet.StepPending},
	}))

	byProcess, err := db.Tasks().FindIDsByProcess(ctx, 1)
	require.NoError(t, err)
	require.Len(t, byProcess, 2)

	byInstance, err := db.Tasks().FindIDsByInstance(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, byInstance, 2)
	require.Contains(t, byInstance, direct.ID)
	require.Contains(t, byInstance, fanout.ID)
}

func TestStepBatchAndStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	require.NoError(t, db.Tasks().Create(ctx, fleet.Task{ID: taskID, ProcessID: 1, Name: "init", OperationType: fleet.OpInitialize, Status: fleet.TaskPending}))

	var batch []fleet.Step
	for _, k := range fleet.InitializeSteps() {
		batch = append(batch, fleet.Step{TaskID: taskID, InstanceID: 1, MachineID: 1, Kind: k, Status: fleet.StepPending})
	}
	require.NoError(t, db.Steps().CreateBatch(ctx, batch))

	steps, err := db.Steps().FindByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, steps, len(fleet.InitializeSteps()))

	require.NoError(t, db.Steps().UpdateStatus(ctx, taskID, 1, fleet.StepCreateDirectory, fleet.StepRunning, ""))
	require.NoError(t, db.Steps().UpdateStatus(ctx, taskID, 1, fleet.StepCreateDirectory, fleet.StepFailed, "mkdir: permission denied"))

	steps, err = db.Steps().FindByTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, fleet.StepCreateDirectory, steps[0].Kind)
	require.Equal(t, fleet.StepFailed, steps[0].Status)
	require.Equal(t, "mkdir: permission denied", steps[0].ErrorMessage)
	require.NotNil(t, steps[0].StartTime)
	require.NotNil(t, steps[0].EndTime)

	err = db.Steps().UpdateStatus(ctx, taskID, 99, fleet.StepCreateDirectory, fleet.StepRunning, "")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}
