// Package remote abstracts command execution on fleet machines. The
// orchestration engine only ever talks to the Executor interface; the
// concrete transport (SSH, agent, local shell) is supplied by the caller.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/flotilla/internal/fleet"
)

// Executor runs commands on a machine and copies files to it.
// Implementations must be safe for concurrent use.
type Executor interface {
	// ExecuteCommand runs a shell command and returns its combined output.
	// A non-zero exit is returned as a *CommandError; a transport failure
	// as a *UnreachableError.
	ExecuteCommand(ctx context.Context, m fleet.Machine, command string) (string, error)
	// UploadFile copies a local file to a path on the machine.
	UploadFile(ctx context.Context, m fleet.Machine, localPath, remotePath string) error
}

// UnreachableError means the machine could not be reached at all. The
// reconciler treats this distinctly from a command failure: it assumes the
// probed process is still alive rather than resetting state.
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("machine %s unreachable: %v", e.Host, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err indicates an unreachable machine.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// CommandError means the machine was reached but the command exited
// non-zero. Output carries whatever the command produced.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("command failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("command failed: %v", e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
