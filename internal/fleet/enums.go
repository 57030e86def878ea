package fleet

// InstanceState is the lifecycle state of a single instance.
type InstanceState string

const (
	StateNotStarted   InstanceState = "NOT_STARTED"
	StateInitializing InstanceState = "INITIALIZING"
	StateStartFailed  InstanceState = "START_FAILED"
	StateStarting     InstanceState = "STARTING"
	StateRunning      InstanceState = "RUNNING"
	StateStopping     InstanceState = "STOPPING"
	StateStopFailed   InstanceState = "STOP_FAILED"
)

// Transient reports whether the state marks an operation in flight. A crash
// while transient requires operator inspection; the reconciler only heals
// RUNNING/STOP_FAILED liveness.
func (s InstanceState) Transient() bool {
	return s == StateInitializing || s == StateStarting || s == StateStopping
}

// TaskStatus transitions monotonically PENDING -> RUNNING -> terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// StepStatus is the status of one (task, instance, step kind) row.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Terminal reports whether the status ends a step's lifecycle.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// OperationType labels a task with the operator action that created it.
type OperationType string

const (
	OpInitialize    OperationType = "INITIALIZE"
	OpStart         OperationType = "START"
	OpStop          OperationType = "STOP"
	OpForceStop     OperationType = "FORCE_STOP"
	OpRestart       OperationType = "RESTART"
	OpRefreshConfig OperationType = "REFRESH_CONFIG"
	OpScaleOut      OperationType = "SCALE_OUT"
)

// StepKind identifies one unit of remote work.
type StepKind string

const (
	StepCreateDirectory StepKind = "CREATE_REMOTE_DIR"
	StepUploadPackage   StepKind = "UPLOAD_PACKAGE"
	StepExtractPackage  StepKind = "EXTRACT_PACKAGE"
	StepWriteConfig     StepKind = "WRITE_CONFIG"
	StepWriteSystemCfg  StepKind = "WRITE_SYSTEM_CONFIG"
	StepStartProcess    StepKind = "START_PROCESS"
	StepVerifyProcess   StepKind = "VERIFY_PROCESS"
	StepStopProcess     StepKind = "STOP_PROCESS"
	StepRefreshConfig   StepKind = "REFRESH_CONFIG"
	StepDeleteDirectory StepKind = "DELETE_DIR"
)

var stepKindNames = map[StepKind]string{
	StepCreateDirectory: "Create remote directory",
	StepUploadPackage:   "Upload agent package",
	StepExtractPackage:  "Extract agent package",
	StepWriteConfig:     "Write pipeline config",
	StepWriteSystemCfg:  "Write system config",
	StepStartProcess:    "Start agent process",
	StepVerifyProcess:   "Verify agent process",
	StepStopProcess:     "Stop agent process",
	StepRefreshConfig:   "Refresh pipeline config",
	StepDeleteDirectory: "Delete remote directory",
}

// DisplayName returns the human-readable name for the step kind.
func (k StepKind) DisplayName() string {
	if n, ok := stepKindNames[k]; ok {
		return n
	}
	return string(k)
}

// InitializeSteps is the fixed step order for initialize operations.
func InitializeSteps() []StepKind {
	return []StepKind{
		StepCreateDirectory,
		StepUploadPackage,
		StepExtractPackage,
		StepWriteConfig,
		StepWriteSystemCfg,
	}
}

// StartSteps is the fixed step order for start operations.
func StartSteps() []StepKind {
	return []StepKind{StepStartProcess, StepVerifyProcess}
}

// StopSteps is the fixed step order for stop operations.
func StopSteps() []StepKind {
	return []StepKind{StepStopProcess}
}

// RefreshConfigSteps is the step order for config refresh operations.
func RefreshConfigSteps() []StepKind {
	return []StepKind{StepRefreshConfig}
}

// RestartSteps is the step order for restart operations.
func RestartSteps() []StepKind {
	return []StepKind{StepStopProcess, StepStartProcess, StepVerifyProcess}
}
