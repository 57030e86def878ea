package step

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/remote"
	"github.com/loykin/flotilla/internal/repository"
)

type createDirectory struct {
	exec remote.Executor
}

func (e *createDirectory) Kind() fleet.StepKind { return fleet.StepCreateDirectory }

func (e *createDirectory) Execute(ctx context.Context, t Target) error {
	dir := t.Instance.DeployPath
	cmd := fmt.Sprintf("mkdir -p %s %s %s %s %s",
		dir, configDir(dir), logsDir(dir), dataDir(dir), filepath.Dir(binPath(dir)))
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

type uploadPackage struct {
	exec remote.Executor
	cfg  Config
}

func (e *uploadPackage) Kind() fleet.StepKind { return fleet.StepUploadPackage }

func (e *uploadPackage) Execute(ctx context.Context, t Target) error {
	archive := packageFile(t.Instance.DeployPath, filepath.Base(e.cfg.PackagePath))
	out, err := e.exec.ExecuteCommand(ctx, t.Machine,
		fmt.Sprintf("test -f %s && echo present || echo absent", archive))
	if err != nil {
		return fmt.Errorf("check package: %w", err)
	}
	if strings.Contains(out, "present") {
		return nil
	}
	if err := e.exec.UploadFile(ctx, t.Machine, e.cfg.PackagePath, archive); err != nil {
		return fmt.Errorf("upload package: %w", err)
	}
	return nil
}

type extractPackage struct {
	exec remote.Executor
}

func (e *extractPackage) Kind() fleet.StepKind { return fleet.StepExtractPackage }

func (e *extractPackage) Execute(ctx context.Context, t Target) error {
	dir := t.Instance.DeployPath
	out, err := e.exec.ExecuteCommand(ctx, t.Machine,
		fmt.Sprintf("test -x %s && echo present || echo absent", binPath(dir)))
	if err != nil {
		return fmt.Errorf("check binary: %w", err)
	}
	if strings.Contains(out, "present") {
		return nil
	}
	cmd := fmt.Sprintf("cd %s && tar -xzf *.tar.gz --strip-components=1", dir)
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("extract package: %w", err)
	}
	return nil
}

type writeConfig struct {
	exec remote.Executor
	kind fleet.StepKind
}

func (e *writeConfig) Kind() fleet.StepKind { return e.kind }

func (e *writeConfig) Execute(ctx context.Context, t Target) error {
	return renderConfig(ctx, e.exec, t)
}

// renderConfig writes the pipeline config and, when present, the JVM
// options. Shared by the initialize and refresh paths.
func renderConfig(ctx context.Context, exec remote.Executor, t Target) error {
	dir := t.Instance.DeployPath
	cmd := writeFileCommand(pipelineFile(dir), t.Process.ConfigContent)
	if _, err := exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("write pipeline config: %w", err)
	}
	if t.Process.JvmOptions != "" {
		cmd = writeFileCommand(jvmOptionsFile(dir), t.Process.JvmOptions)
		if _, err := exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
			return fmt.Errorf("write jvm options: %w", err)
		}
	}
	return nil
}

type writeSystemConfig struct {
	exec remote.Executor
}

func (e *writeSystemConfig) Kind() fleet.StepKind { return fleet.StepWriteSystemCfg }

func (e *writeSystemConfig) Execute(ctx context.Context, t Target) error {
	dir := t.Instance.DeployPath
	content := fmt.Sprintf("node.name: %s-%d\npath.data: %s\npath.logs: %s\n",
		t.Process.Name, t.Instance.ID, dataDir(dir), logsDir(dir))
	cmd := writeFileCommand(systemConfigFile(dir), content)
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("write system config: %w", err)
	}
	return nil
}

type startProcess struct {
	exec      remote.Executor
	instances repository.InstanceRepo
}

func (e *startProcess) Kind() fleet.StepKind { return fleet.StepStartProcess }

// Execute spawns the agent detached and records the PID when the pid file
// is already populated. A missing PID here is not a failure; the verify
// step owns the liveness decision.
func (e *startProcess) Execute(ctx context.Context, t Target) error {
	dir := t.Instance.DeployPath
	script := fmt.Sprintf("#!/bin/sh\ncd %s\nnohup %s -f %s --path.settings %s > %s 2>&1 &\necho $! > %s\n",
		dir, binPath(dir), pipelineFile(dir), configDir(dir), logFile(dir), pidFile(dir))
	cmd := writeFileCommand(scriptPath(dir), script)
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("write start script: %w", err)
	}
	cmd = fmt.Sprintf("rm -f %s && chmod +x %s && %s", pidFile(dir), scriptPath(dir), scriptPath(dir))
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	pid, err := readPidFile(ctx, e.exec, t)
	if err != nil || pid == "" {
		return nil
	}
	return e.instances.UpdatePID(ctx, t.Instance.ID, pid)
}

type verifyProcess struct {
	exec      remote.Executor
	instances repository.InstanceRepo
	cfg       Config
}

func (e *verifyProcess) Kind() fleet.StepKind { return fleet.StepVerifyProcess }

func (e *verifyProcess) Execute(ctx context.Context, t Target) error {
	for attempt := 1; attempt <= e.cfg.VerifyAttempts; attempt++ {
		pid, err := readPidFile(ctx, e.exec, t)
		if err != nil {
			return fmt.Errorf("read pid file: %w", err)
		}
		if pid != "" {
			alive, err := pidAlive(ctx, e.exec, t.Machine, pid)
			if err != nil {
				return err
			}
			if alive {
				return e.instances.UpdatePID(ctx, t.Instance.ID, pid)
			}
		}
		if attempt < e.cfg.VerifyAttempts {
			if err := sleepCtx(ctx, e.cfg.VerifyInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("process not alive after %d checks", e.cfg.VerifyAttempts)
}

type stopProcess struct {
	exec remote.Executor
	cfg  Config
}

func (e *stopProcess) Kind() fleet.StepKind { return fleet.StepStopProcess }

// Execute terminates the agent. No pid file and no recorded PID means there
// is nothing to stop, which counts as success so stop stays idempotent.
func (e *stopProcess) Execute(ctx context.Context, t Target) error {
	pid, err := readPidFile(ctx, e.exec, t)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	if pid == "" {
		pid = t.Instance.PID
	}
	if pid == "" {
		return nil
	}
	cmd := fmt.Sprintf("kill %s 2>/dev/null || true", pid)
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("signal process: %w", err)
	}
	for attempt := 0; attempt < e.cfg.StopAttempts; attempt++ {
		alive, err := pidAlive(ctx, e.exec, t.Machine, pid)
		if err != nil {
			return err
		}
		if !alive {
			return e.removePidFile(ctx, t)
		}
		if err := sleepCtx(ctx, e.cfg.StopInterval); err != nil {
			return err
		}
	}
	cmd = fmt.Sprintf("kill -9 %s 2>/dev/null || true", pid)
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("force kill: %w", err)
	}
	alive, err := pidAlive(ctx, e.exec, t.Machine, pid)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("pid %s survived SIGKILL", pid)
	}
	return e.removePidFile(ctx, t)
}

func (e *stopProcess) removePidFile(ctx context.Context, t Target) error {
	cmd := fmt.Sprintf("rm -f %s", pidFile(t.Instance.DeployPath))
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

type refreshConfig struct {
	exec      remote.Executor
	instances repository.InstanceRepo
}

func (e *refreshConfig) Kind() fleet.StepKind { return fleet.StepRefreshConfig }

func (e *refreshConfig) Execute(ctx context.Context, t Target) error {
	if err := renderConfig(ctx, e.exec, t); err != nil {
		return err
	}
	return e.instances.ClearConfigStale(ctx, t.Instance.ID)
}

type deleteDirectory struct {
	exec remote.Executor
}

func (e *deleteDirectory) Kind() fleet.StepKind { return fleet.StepDeleteDirectory }

func (e *deleteDirectory) Execute(ctx context.Context, t Target) error {
	cmd := fmt.Sprintf("rm -rf %s", t.Instance.DeployPath)
	if _, err := e.exec.ExecuteCommand(ctx, t.Machine, cmd); err != nil {
		return fmt.Errorf("delete %s: %w", t.Instance.DeployPath, err)
	}
	return nil
}

func readPidFile(ctx context.Context, exec remote.Executor, t Target) (string, error) {
	cmd := fmt.Sprintf("cat %s 2>/dev/null || true", pidFile(t.Instance.DeployPath))
	out, err := exec.ExecuteCommand(ctx, t.Machine, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func pidAlive(ctx context.Context, exec remote.Executor, m fleet.Machine, pid string) (bool, error) {
	cmd := fmt.Sprintf("ps -p %s -o pid= 2>/dev/null || true", pid)
	out, err := exec.ExecuteCommand(ctx, m, cmd)
	if err != nil {
		return false, fmt.Errorf("probe pid %s: %w", pid, err)
	}
	return strings.TrimSpace(out) != "", nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
