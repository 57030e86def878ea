package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/history"
	"github.com/loykin/flotilla/internal/metrics"
	"github.com/loykin/flotilla/internal/repository"
)

// Manager persists state transitions around operation execution: transient
// state before the work, final state from the outcome after, one instance
// at a time so a partial fan-out failure never smears across instances.
type Manager struct {
	store repository.Store
	hist  history.Sink
	log   *slog.Logger
}

func NewManager(store repository.Store, hist history.Sink, log *slog.Logger) *Manager {
	if hist == nil {
		hist = history.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, hist: hist, log: log}
}

// ExecuteOperation moves every instance through op's transient state, runs
// the operation body, then lands each instance in the final state its own
// outcome dictates. The body returns per-instance success; instances the
// body does not report on are treated as failed. A non-nil error from the
// body fails every instance.
func (m *Manager) ExecuteOperation(ctx context.Context, taskID string, op fleet.OperationType, instances []fleet.Instance, body func(ctx context.Context) (map[int64]bool, error)) error {
	transient := TransientFor(op)
	if transient != "" {
		for _, inst := range instances {
			m.setState(ctx, inst, transient, op, taskID, true, "")
		}
	}
	outcomes, err := body(ctx)
	failures := 0
	for _, inst := range instances {
		ok := err == nil && outcomes[inst.ID]
		if op == fleet.OpForceStop {
			ok = true
		}
		if !ok {
			failures++
		}
		final := FinalFor(op, inst.State, ok)
		if final == "" {
			continue
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		m.setState(ctx, fleet.Instance{ID: inst.ID, ProcessID: inst.ProcessID, State: transient}, final, op, taskID, ok, msg)
	}
	if err != nil {
		return err
	}
	if failures > 0 {
		return fmt.Errorf("%s failed on %d of %d instances", op, failures, len(instances))
	}
	return nil
}

// setState writes the state and records the transition. A landing in
// NOT_STARTED also clears the recorded PID in the same write; every other
// state keeps it so the reconciler and retries can still probe.
func (m *Manager) setState(ctx context.Context, inst fleet.Instance, to fleet.InstanceState, op fleet.OperationType, taskID string, success bool, msg string) {
	now := time.Now()
	var err error
	if to == fleet.StateNotStarted {
		err = m.store.Instances().ClearPIDAndSetState(ctx, inst.ID, to, now)
	} else {
		err = m.store.Instances().UpdateState(ctx, inst.ID, to, now)
	}
	if err != nil {
		m.log.Error("persist instance state",
			"instance", inst.ID, "state", to, "error", err)
		return
	}
	metrics.RecordStateTransition(string(inst.State), string(to))
	ev := history.Event{
		OccurredAt: now,
		ProcessID:  inst.ProcessID,
		InstanceID: inst.ID,
		TaskID:     taskID,
		Operation:  op,
		FromState:  inst.State,
		ToState:    to,
		Success:    success,
		Message:    msg,
	}
	if herr := m.hist.Send(ctx, ev); herr != nil {
		m.log.Warn("send history event", "instance", inst.ID, "error", herr)
	}
	m.log.Debug("instance state changed",
		"instance", inst.ID, "from", inst.State, "to", to, "operation", op)
}
