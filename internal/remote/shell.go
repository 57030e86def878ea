package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/flotilla/internal/fleet"
)

// ShellExecutor runs commands through the local shell. It serves loopback
// machines (the orchestrator host itself) and tests; anything else needs a
// real transport behind the Executor interface.
type ShellExecutor struct{}

func NewShellExecutor() *ShellExecutor { return &ShellExecutor{} }

func (s *ShellExecutor) ExecuteCommand(ctx context.Context, m fleet.Machine, command string) (string, error) {
	cmd := buildShellCommand(ctx, command)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return string(out), &CommandError{Command: command, Output: strings.TrimSpace(string(out)), Err: err}
	}
	return "", &UnreachableError{Host: m.Host, Err: err}
}

func (s *ShellExecutor) UploadFile(ctx context.Context, m fleet.Machine, localPath, remotePath string) error {
	src, err := os.Open(filepath.Clean(localPath))
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := os.Create(filepath.Clean(remotePath))
	if err != nil {
		return &CommandError{Command: "upload " + remotePath, Err: err}
	}
	defer func() { _ = dst.Close() }()
	if _, err := io.Copy(dst, src); err != nil {
		return &CommandError{Command: "upload " + remotePath, Err: err}
	}
	return nil
}

// buildShellCommand avoids invoking a shell unless shell metacharacters are
// present (G204 mitigation).
func buildShellCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~#") {
		// #nosec G204
		return exec.CommandContext(ctx, "sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return exec.CommandContext(ctx, "true")
	}
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}
