package history

import (
	"context"
	"time"

	"github.com/loykin/flotilla/internal/fleet"
)

// Event is one instance state transition exported to external systems.
type Event struct {
	OccurredAt time.Time           `json:"occurred_at"`
	ProcessID  int64               `json:"process_id"`
	InstanceID int64               `json:"instance_id"`
	TaskID     string              `json:"task_id,omitempty"`
	Operation  fleet.OperationType `json:"operation"`
	FromState  fleet.InstanceState `json:"from_state"`
	ToState    fleet.InstanceState `json:"to_state"`
	Success    bool                `json:"success"`
	Message    string              `json:"message,omitempty"`
}

// Sink is a destination for transition events (analytics/audit systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Send(context.Context, Event) error { return nil }
func (Noop) Close() error                      { return nil }
