package fleet

import "time"

// Machine is one remote host that instances can be deployed to.
type Machine struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// Process is the logical definition of a log-shipping pipeline: its config
// and JVM options, independent of any machine. Instances reference it.
type Process struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Module        string    `json:"module"`
	ConfigContent string    `json:"config_content"`
	JvmOptions    string    `json:"jvm_options"`
	DeployBaseDir string    `json:"deploy_base_dir"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Instance is one deployment of a Process onto one machine at one deploy
// path. The (MachineID, DeployPath) pair is unique across all instances.
type Instance struct {
	ID             int64         `json:"id"`
	ProcessID      int64         `json:"process_id"`
	MachineID      int64         `json:"machine_id"`
	DeployPath     string        `json:"deploy_path"`
	State          InstanceState `json:"state"`
	PID            string        `json:"pid,omitempty"`
	ConfigStale    bool          `json:"config_stale"`
	StateChangedAt time.Time     `json:"state_changed_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Task is one recorded orchestrated operation targeting one or more
// instances. InstanceID is nil for process-wide tasks.
type Task struct {
	ID            string        `json:"id"`
	ProcessID     int64         `json:"process_id"`
	InstanceID    *int64        `json:"instance_id,omitempty"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	OperationType OperationType `json:"operation_type"`
	Status        TaskStatus    `json:"status"`
	StartTime     *time.Time    `json:"start_time,omitempty"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Step is one unit of remote work within a Task, scoped to exactly one
// instance. Identity is (TaskID, InstanceID, Kind). MachineID is carried
// for display only; the instance owns the machine relation.
type Step struct {
	TaskID       string     `json:"task_id"`
	InstanceID   int64      `json:"instance_id"`
	MachineID    int64      `json:"machine_id"`
	Kind         StepKind   `json:"kind"`
	Status       StepStatus `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
