package fleet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransientStates(t *testing.T) {
	require.True(t, StateInitializing.Transient())
	require.True(t, StateStarting.Transient())
	require.True(t, StateStopping.Transient())
	require.False(t, StateNotStarted.Transient())
	require.False(t, StateStartFailed.Transient())
	require.False(t, StateRunning.Transient())
	require.False(t, StateStopFailed.Transient())
}

func TestTerminalStatuses(t *testing.T) {
	require.False(t, TaskPending.Terminal())
	require.False(t, TaskRunning.Terminal())
	require.True(t, TaskCompleted.Terminal())
	require.True(t, TaskFailed.Terminal())
	require.True(t, TaskCancelled.Terminal())

	require.False(t, StepPending.Terminal())
	require.False(t, StepRunning.Terminal())
	require.True(t, StepCompleted.Terminal())
	require.True(t, StepFailed.Terminal())
	require.True(t, StepSkipped.Terminal())
}

func TestStepSequences(t *testing.T) {
	require.Equal(t, []StepKind{
		StepCreateDirectory, StepUploadPackage, StepExtractPackage,
		StepWriteConfig, StepWriteSystemCfg,
	}, InitializeSteps())
	require.Equal(t, []StepKind{StepStartProcess, StepVerifyProcess}, StartSteps())
	require.Equal(t, []StepKind{StepStopProcess}, StopSteps())
	require.Equal(t, []StepKind{StepRefreshConfig}, RefreshConfigSteps())
	require.Equal(t, []StepKind{StepStopProcess, StepStartProcess, StepVerifyProcess}, RestartSteps())
}

func TestDisplayName(t *testing.T) {
	require.Equal(t, "Upload agent package", StepUploadPackage.DisplayName())
	require.Equal(t, "CUSTOM", StepKind("CUSTOM").DisplayName())
}
