package task

import (
	"context"
	"sort"
	"time"

	"github.com/loykin/flotilla/internal/fleet"
)

// StepView is one step row prepared for display.
type StepView struct {
	Kind         fleet.StepKind   `json:"kind"`
	Name         string           `json:"name"`
	Status       fleet.StepStatus `json:"status"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// InstanceProgress groups a task's steps for one instance.
type InstanceProgress struct {
	InstanceID int64      `json:"instance_id"`
	MachineID  int64      `json:"machine_id"`
	Steps      []StepView `json:"steps"`
}

// Counts summarizes step statuses across the whole task.
type Counts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Skipped   int `json:"skipped"`
}

// Detail is the full progress view of one task.
type Detail struct {
	Task      fleet.Task         `json:"task"`
	Instances []InstanceProgress `json:"instances"`
	Counts    Counts             `json:"counts"`
}

// Detail loads a task with its steps grouped per instance.
func (s *Service) Detail(ctx context.Context, taskID string) (Detail, error) {
	t, err := s.store.Tasks().GetByID(ctx, taskID)
	if err != nil {
		return Detail{}, err
	}
	steps, err := s.store.Steps().FindByTask(ctx, taskID)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{Task: t}
	byInstance := make(map[int64]*InstanceProgress)
	for _, row := range steps {
		ip, ok := byInstance[row.InstanceID]
		if !ok {
			ip = &InstanceProgress{InstanceID: row.InstanceID, MachineID: row.MachineID}
			byInstance[row.InstanceID] = ip
		}
		ip.Steps = append(ip.Steps, StepView{
			Kind:         row.Kind,
			Name:         row.Kind.DisplayName(),
			Status:       row.Status,
			StartTime:    row.StartTime,
			EndTime:      row.EndTime,
			ErrorMessage: row.ErrorMessage,
		})
		switch row.Status {
		case fleet.StepCompleted:
			d.Counts.Completed++
		case fleet.StepFailed:
			d.Counts.Failed++
		case fleet.StepRunning:
			d.Counts.Running++
		case fleet.StepSkipped:
			d.Counts.Skipped++
		default:
			d.Counts.Pending++
		}
	}
	d.Instances = make([]InstanceProgress, 0, len(byInstance))
	for _, ip := range byInstance {
		d.Instances = append(d.Instances, *ip)
	}
	sort.Slice(d.Instances, func(i, j int) bool {
		return d.Instances[i].InstanceID < d.Instances[j].InstanceID
	})
	return d, nil
}
