package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
)

func TestInstancePlacementConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := fleet.Instance{ProcessID: 1, MachineID: 1, DeployPath: "/opt/a"}
	require.NoError(t, s.Instances().Create(ctx, &a))
	require.Equal(t, fleet.StateNotStarted, a.State)

	b := fleet.Instance{ProcessID: 2, MachineID: 1, DeployPath: "/opt/a"}
	require.ErrorIs(t, s.Instances().Create(ctx, &b), apperrors.ErrConflict)

	c := fleet.Instance{ProcessID: 2, MachineID: 2, DeployPath: "/opt/a"}
	require.NoError(t, s.Instances().Create(ctx, &c))
}

func TestProcessNameConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := fleet.Process{Name: "shipper"}
	require.NoError(t, s.Processes().Create(ctx, &p))
	dup := fleet.Process{Name: "shipper"}
	require.ErrorIs(t, s.Processes().Create(ctx, &dup), apperrors.ErrConflict)
}

func TestTaskTimeStampedOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Tasks().Create(ctx, fleet.Task{ID: "t1", ProcessID: 1, Status: fleet.TaskPending}))
	require.NoError(t, s.Tasks().UpdateStatus(ctx, "t1", fleet.TaskRunning))
	first, err := s.Tasks().GetByID(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, first.StartTime)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Tasks().UpdateStatus(ctx, "t1", fleet.TaskRunning))
	again, err := s.Tasks().GetByID(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, *first.StartTime, *again.StartTime)

	require.NoError(t, s.Tasks().UpdateStatus(ctx, "t1", fleet.TaskCompleted))
	done, err := s.Tasks().GetByID(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, done.EndTime)
}

func TestFindIDsByInstanceIncludesFanOutTasks(t *testing.T) {
	ctx := context.Background()
	s := New()

	instanceID := int64(7)
	require.NoError(t, s.Tasks().Create(ctx, fleet.Task{ID: "direct", ProcessID: 1, InstanceID: &instanceID}))
	require.NoError(t, s.Tasks().Create(ctx, fleet.Task{ID: "fanout", ProcessID: 1}))
	require.NoError(t, s.Steps().CreateBatch(ctx, []fleet.Step{
		{TaskID: "fanout", InstanceID: instanceID, MachineID: 1, Kind: fleet.StepStopProcess},
	}))

	ids, err := s.Tasks().FindIDsByInstance(ctx, instanceID)
	require.NoError(t, err)
	require.Equal(t, []string{"direct", "fanout"}, ids)
}

func TestStepBatchRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	st := fleet.Step{TaskID: "t1", InstanceID: 1, MachineID: 1, Kind: fleet.StepStartProcess}
	require.NoError(t, s.Steps().CreateBatch(ctx, []fleet.Step{st}))
	require.ErrorIs(t, s.Steps().CreateBatch(ctx, []fleet.Step{st}), apperrors.ErrConflict)
}
