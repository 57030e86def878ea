// Package repository defines the narrow persistence interfaces the
// orchestration engine runs against. Implementations must make every
// single-row update atomic; the (machine_id, deploy_path) uniqueness of
// instances is enforced at insert time by the backing store.
package repository

import (
	"context"
	"time"

	"github.com/loykin/flotilla/internal/fleet"
)

// MachineRepo stores registered machines.
type MachineRepo interface {
	Create(ctx context.Context, m *fleet.Machine) error
	GetByID(ctx context.Context, id int64) (fleet.Machine, error)
	List(ctx context.Context) ([]fleet.Machine, error)
	Delete(ctx context.Context, id int64) error
}

// ProcessRepo stores process definitions.
type ProcessRepo interface {
	Create(ctx context.Context, p *fleet.Process) error
	GetByID(ctx context.Context, id int64) (fleet.Process, error)
	GetByName(ctx context.Context, name string) (fleet.Process, error)
	Update(ctx context.Context, p fleet.Process) error
	List(ctx context.Context) ([]fleet.Process, error)
	Delete(ctx context.Context, id int64) error
}

// InstanceRepo stores instances. Create fails with apperrors.ErrConflict
// when the (machine, deploy path) pair is already occupied.
type InstanceRepo interface {
	Create(ctx context.Context, inst *fleet.Instance) error
	GetByID(ctx context.Context, id int64) (fleet.Instance, error)
	FindByProcess(ctx context.Context, processID int64) ([]fleet.Instance, error)
	FindByMachineAndPath(ctx context.Context, machineID int64, deployPath string) (fleet.Instance, error)
	FindWithPID(ctx context.Context) ([]fleet.Instance, error)
	UpdateState(ctx context.Context, id int64, state fleet.InstanceState, at time.Time) error
	UpdatePID(ctx context.Context, id int64, pid string) error
	// ClearPIDAndSetState atomically clears the recorded PID and moves the
	// instance to the given state in one write.
	ClearPIDAndSetState(ctx context.Context, id int64, state fleet.InstanceState, at time.Time) error
	SetConfigStale(ctx context.Context, processID int64, stale bool) error
	ClearConfigStale(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// TaskRepo stores tasks. UpdateStatus stamps start time on the first
// transition to RUNNING and end time on the first terminal transition;
// both are set at most once.
type TaskRepo interface {
	Create(ctx context.Context, t fleet.Task) error
	GetByID(ctx context.Context, id string) (fleet.Task, error)
	UpdateStatus(ctx context.Context, id string, status fleet.TaskStatus) error
	SetError(ctx context.Context, id string, message string) error
	FindIDsByProcess(ctx context.Context, processID int64) ([]string, error)
	FindIDsByInstance(ctx context.Context, instanceID int64) ([]string, error)
}

// StepRepo stores step rows keyed (task, instance, kind). UpdateStatus
// stamps start/end times the same way TaskRepo does.
type StepRepo interface {
	CreateBatch(ctx context.Context, steps []fleet.Step) error
	FindByTask(ctx context.Context, taskID string) ([]fleet.Step, error)
	UpdateStatus(ctx context.Context, taskID string, instanceID int64, kind fleet.StepKind, status fleet.StepStatus, errMsg string) error
	DeleteByTask(ctx context.Context, taskID string) error
}

// Store bundles all repositories over one backend.
type Store interface {
	Machines() MachineRepo
	Processes() ProcessRepo
	Instances() InstanceRepo
	Tasks() TaskRepo
	Steps() StepRepo
	EnsureSchema(ctx context.Context) error
	Close() error
}
