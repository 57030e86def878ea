package step

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/repository/memory"
)

// scriptedExecutor answers ExecuteCommand from an ordered list of rules and
// records everything it was asked to run.
type scriptedExecutor struct {
	rules    []rule
	commands []string
	uploads  [][2]string
}

type rule struct {
	contains string
	output   string
	err      error
}

func (s *scriptedExecutor) ExecuteCommand(_ context.Context, _ fleet.Machine, cmd string) (string, error) {
	s.commands = append(s.commands, cmd)
	for _, r := range s.rules {
		if strings.Contains(cmd, r.contains) {
			return r.output, r.err
		}
	}
	return "", nil
}

func (s *scriptedExecutor) UploadFile(_ context.Context, _ fleet.Machine, local, remote string) error {
	s.uploads = append(s.uploads, [2]string{local, remote})
	return nil
}

func (s *scriptedExecutor) ran(substr string) bool {
	for _, c := range s.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func testTarget() Target {
	return Target{
		Instance: fleet.Instance{ID: 1, ProcessID: 1, MachineID: 1, DeployPath: "/opt/flotilla/process-1"},
		Process:  fleet.Process{ID: 1, Name: "shipper", ConfigContent: "input {}\n"},
		Machine:  fleet.Machine{ID: 1, Host: "10.0.0.5", Port: 22},
	}
}

func fastConfig() Config {
	return Config{
		PackagePath:    "/tmp/agent-1.0.tar.gz",
		VerifyAttempts: 2,
		VerifyInterval: time.Millisecond,
		StopAttempts:   2,
		StopInterval:   time.Millisecond,
	}
}

func TestCreateDirectoryMakesLayout(t *testing.T) {
	exec := &scriptedExecutor{}
	e := &createDirectory{exec: exec}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.Len(t, exec.commands, 1)
	require.Contains(t, exec.commands[0], "mkdir -p /opt/flotilla/process-1")
	require.Contains(t, exec.commands[0], "/opt/flotilla/process-1/config")
	require.Contains(t, exec.commands[0], "/opt/flotilla/process-1/logs")
	require.Contains(t, exec.commands[0], "/opt/flotilla/process-1/data")
	require.Contains(t, exec.commands[0], "/opt/flotilla/process-1/bin")
}

func TestUploadPackageSkipsWhenPresent(t *testing.T) {
	exec := &scriptedExecutor{rules: []rule{{contains: "test -f", output: "present\n"}}}
	e := &uploadPackage{exec: exec, cfg: fastConfig()}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.Empty(t, exec.uploads)
}

func TestUploadPackageUploadsWhenAbsent(t *testing.T) {
	exec := &scriptedExecutor{rules: []rule{{contains: "test -f", output: "absent\n"}}}
	e := &uploadPackage{exec: exec, cfg: fastConfig()}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.Len(t, exec.uploads, 1)
	require.Equal(t, "/tmp/agent-1.0.tar.gz", exec.uploads[0][0])
	require.Equal(t, "/opt/flotilla/process-1/agent-1.0.tar.gz", exec.uploads[0][1])
}

func TestExtractPackageSkipsWhenBinaryPresent(t *testing.T) {
	exec := &scriptedExecutor{rules: []rule{{contains: "test -x", output: "present\n"}}}
	e := &extractPackage{exec: exec}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.False(t, exec.ran("tar -xzf"))
}

func TestExtractPackageExtractsWhenAbsent(t *testing.T) {
	exec := &scriptedExecutor{rules: []rule{{contains: "test -x", output: "absent\n"}}}
	e := &extractPackage{exec: exec}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.True(t, exec.ran("tar -xzf"))
}

func TestWriteConfigRendersJvmOptionsOnlyWhenSet(t *testing.T) {
	exec := &scriptedExecutor{}
	e := &writeConfig{exec: exec, kind: fleet.StepWriteConfig}
	tg := testTarget()
	require.NoError(t, e.Execute(context.Background(), tg))
	require.True(t, exec.ran("config/pipeline.conf"))
	require.False(t, exec.ran("config/jvm.options"))

	tg.Process.JvmOptions = "-Xmx512m"
	exec.commands = nil
	require.NoError(t, e.Execute(context.Background(), tg))
	require.True(t, exec.ran("config/jvm.options"))
}

func TestVerifyProcessRecordsPID(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	inst := fleet.Instance{ProcessID: 1, MachineID: 1, DeployPath: "/opt/flotilla/process-1"}
	require.NoError(t, store.Instances().Create(ctx, &inst))

	exec := &scriptedExecutor{rules: []rule{
		{contains: "cat /opt/flotilla/process-1/agent.pid", output: "4242\n"},
		{contains: "ps -p 4242", output: "4242\n"},
	}}
	e := &verifyProcess{exec: exec, instances: store.Instances(), cfg: fastConfig()}
	tg := testTarget()
	tg.Instance = inst
	require.NoError(t, e.Execute(ctx, tg))

	got, err := store.Instances().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, "4242", got.PID)
}

func TestVerifyProcessFailsWhenNeverAlive(t *testing.T) {
	exec := &scriptedExecutor{} // pid file empty, ps never answers
	e := &verifyProcess{exec: exec, instances: memory.New().Instances(), cfg: fastConfig()}
	err := e.Execute(context.Background(), testTarget())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not alive after 2 checks")
}

func TestStopProcessNothingToStop(t *testing.T) {
	exec := &scriptedExecutor{} // no pid file, no recorded PID
	e := &stopProcess{exec: exec, cfg: fastConfig()}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.False(t, exec.ran("kill"))
}

func TestStopProcessKillsAndCleansUp(t *testing.T) {
	exec := &scriptedExecutor{rules: []rule{
		{contains: "cat /opt/flotilla/process-1/agent.pid", output: "4242\n"},
		{contains: "ps -p 4242", output: ""}, // dead after the first signal
	}}
	e := &stopProcess{exec: exec, cfg: fastConfig()}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.True(t, exec.ran("kill 4242"))
	require.True(t, exec.ran("rm -f /opt/flotilla/process-1/agent.pid"))
	require.False(t, exec.ran("kill -9"))
}

func TestStopProcessEscalatesToSigkill(t *testing.T) {
	exec := &scriptedExecutor{rules: []rule{
		{contains: "cat /opt/flotilla/process-1/agent.pid", output: "4242\n"},
		{contains: "kill -9", output: ""},
		{contains: "ps -p 4242", output: "4242\n"}, // survives polite signals
	}}
	// the final liveness probe after SIGKILL still reports alive, so the
	// step must fail
	e := &stopProcess{exec: exec, cfg: fastConfig()}
	err := e.Execute(context.Background(), testTarget())
	require.Error(t, err)
	require.True(t, exec.ran("kill -9 4242"))
}

func TestStopProcessFallsBackToRecordedPID(t *testing.T) {
	exec := &scriptedExecutor{} // empty pid file, process already gone
	e := &stopProcess{exec: exec, cfg: fastConfig()}
	tg := testTarget()
	tg.Instance.PID = "777"
	require.NoError(t, e.Execute(context.Background(), tg))
	require.True(t, exec.ran("kill 777"))
}

func TestRefreshConfigClearsStaleFlag(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	inst := fleet.Instance{ProcessID: 1, MachineID: 1, DeployPath: "/opt/flotilla/process-1"}
	require.NoError(t, store.Instances().Create(ctx, &inst))
	require.NoError(t, store.Instances().SetConfigStale(ctx, inst.ProcessID, true))

	exec := &scriptedExecutor{}
	e := &refreshConfig{exec: exec, instances: store.Instances()}
	tg := testTarget()
	tg.Instance = inst
	require.NoError(t, e.Execute(ctx, tg))
	require.True(t, exec.ran("config/pipeline.conf"))

	got, err := store.Instances().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	require.False(t, got.ConfigStale)
}

func TestDeleteDirectory(t *testing.T) {
	exec := &scriptedExecutor{}
	e := &deleteDirectory{exec: exec}
	require.NoError(t, e.Execute(context.Background(), testTarget()))
	require.True(t, exec.ran("rm -rf /opt/flotilla/process-1"))
}

func TestRegistryCoversAllKinds(t *testing.T) {
	reg := NewRegistry(&scriptedExecutor{}, memory.New().Instances(), Config{})
	for _, k := range []fleet.StepKind{
		fleet.StepCreateDirectory, fleet.StepUploadPackage, fleet.StepExtractPackage,
		fleet.StepWriteConfig, fleet.StepWriteSystemCfg, fleet.StepStartProcess,
		fleet.StepVerifyProcess, fleet.StepStopProcess, fleet.StepRefreshConfig,
		fleet.StepDeleteDirectory,
	} {
		require.Contains(t, reg, k)
		require.Equal(t, k, reg[k].Kind())
	}
}
