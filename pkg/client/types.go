package client

import "time"

// Wire types mirroring the HTTP API payloads.

type Machine struct {
	ID        int64     `json:"id,omitempty"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port,omitempty"`
	User      string    `json:"user,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Process struct {
	ID            int64     `json:"id,omitempty"`
	Name          string    `json:"name"`
	Module        string    `json:"module,omitempty"`
	ConfigContent string    `json:"config_content,omitempty"`
	JvmOptions    string    `json:"jvm_options,omitempty"`
	DeployBaseDir string    `json:"deploy_base_dir,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

type Instance struct {
	ID             int64     `json:"id"`
	ProcessID      int64     `json:"process_id"`
	MachineID      int64     `json:"machine_id"`
	DeployPath     string    `json:"deploy_path"`
	State          string    `json:"state"`
	PID            string    `json:"pid,omitempty"`
	ConfigStale    bool      `json:"config_stale"`
	StateChangedAt time.Time `json:"state_changed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type CreateProcessRequest struct {
	Name          string  `json:"name"`
	Module        string  `json:"module,omitempty"`
	ConfigContent string  `json:"config_content,omitempty"`
	JvmOptions    string  `json:"jvm_options,omitempty"`
	DeployBaseDir string  `json:"deploy_base_dir,omitempty"`
	MachineIDs    []int64 `json:"machine_ids"`
}

type CreateProcessResponse struct {
	Process   Process    `json:"process"`
	Instances []Instance `json:"instances"`
}

type UpdateConfigRequest struct {
	ConfigContent string `json:"config_content,omitempty"`
	JvmOptions    string `json:"jvm_options,omitempty"`
}

type ScaleRequest struct {
	AddMachineIDs     []int64 `json:"add_machine_ids,omitempty"`
	RemoveInstanceIDs []int64 `json:"remove_instance_ids,omitempty"`
	CustomDeployPath  string  `json:"custom_deploy_path,omitempty"`
	Force             bool    `json:"force,omitempty"`
}

type ScaleResult struct {
	TaskID             string  `json:"task_id,omitempty"`
	AddedInstanceIDs   []int64 `json:"added_instance_ids,omitempty"`
	RemovedInstanceIDs []int64 `json:"removed_instance_ids,omitempty"`
}

type Task struct {
	ID            string     `json:"id"`
	ProcessID     int64      `json:"process_id"`
	InstanceID    *int64     `json:"instance_id,omitempty"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	OperationType string     `json:"operation_type"`
	Status        string     `json:"status"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type StepView struct {
	Kind         string     `json:"kind"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type InstanceProgress struct {
	InstanceID int64      `json:"instance_id"`
	MachineID  int64      `json:"machine_id"`
	Steps      []StepView `json:"steps"`
}

type TaskCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Skipped   int `json:"skipped"`
}

type TaskDetail struct {
	Task      Task               `json:"task"`
	Instances []InstanceProgress `json:"instances"`
	Counts    TaskCounts         `json:"counts"`
}
