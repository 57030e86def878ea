// Package state owns the instance lifecycle machine. Which operations a
// state admits, which transient state an operation passes through, and
// which state it lands in are all table-driven here; nothing else in the
// engine writes instance states directly.
package state

import (
	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
)

type capability struct {
	initialize bool
	start      bool
	stop       bool
}

// Transient states admit nothing, with one exception: INITIALIZING admits
// stop, which cancels the deployment and returns the instance to
// NOT_STARTED. That is the only supported cancellation.
var caps = map[fleet.InstanceState]capability{
	fleet.StateNotStarted:   {initialize: true, start: true},
	fleet.StateStartFailed:  {initialize: true, start: true},
	fleet.StateRunning:      {stop: true},
	fleet.StateStopFailed:   {stop: true},
	fleet.StateInitializing: {stop: true},
}

// Allowed reports whether op may begin from state. Force stop is the
// escape hatch and is admitted from every state, transient included.
func Allowed(state fleet.InstanceState, op fleet.OperationType) bool {
	if op == fleet.OpForceStop {
		return true
	}
	c := caps[state]
	switch op {
	case fleet.OpInitialize:
		return c.initialize
	case fleet.OpStart:
		return c.start
	case fleet.OpStop:
		return c.stop
	case fleet.OpRestart:
		// a restart must actually start afterwards, so the cancel-only
		// stop admitted from INITIALIZING does not extend to it
		return c.stop && !state.Transient()
	case fleet.OpRefreshConfig:
		return !state.Transient()
	default:
		return false
	}
}

// CheckAllowed returns a validation error naming the rejected transition.
func CheckAllowed(inst fleet.Instance, op fleet.OperationType) error {
	if !Allowed(inst.State, op) {
		return apperrors.Validation("instance %d in state %s does not allow %s",
			inst.ID, inst.State, op)
	}
	return nil
}

// TransientFor returns the in-flight state persisted before op runs.
// Operations that do not move the machine return the empty state. Restart
// has no entry of its own: it executes as a stop phase followed by a start
// phase, each carrying that phase's states.
func TransientFor(op fleet.OperationType) fleet.InstanceState {
	switch op {
	case fleet.OpInitialize:
		return fleet.StateInitializing
	case fleet.OpStart:
		return fleet.StateStarting
	case fleet.OpStop, fleet.OpForceStop:
		return fleet.StateStopping
	default:
		return ""
	}
}

// FinalFor returns the state persisted after op finished, given the state
// the instance was in when the operation began. Force stop lands
// NOT_STARTED regardless of outcome, as does a stop that cancelled an
// instance still INITIALIZING. Operations without a transient state leave
// the machine where it was, signalled by the empty state.
func FinalFor(op fleet.OperationType, from fleet.InstanceState, ok bool) fleet.InstanceState {
	switch op {
	case fleet.OpInitialize:
		return fleet.StateNotStarted
	case fleet.OpStart:
		if ok {
			return fleet.StateRunning
		}
		return fleet.StateStartFailed
	case fleet.OpStop:
		if ok || from == fleet.StateInitializing {
			return fleet.StateNotStarted
		}
		return fleet.StateStopFailed
	case fleet.OpForceStop:
		return fleet.StateNotStarted
	default:
		return ""
	}
}
