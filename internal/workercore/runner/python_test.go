package runner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/job"
	"github.com/windmill-labs/workercore/internal/workercore/runner"
)

func TestRunPython_FailsFastWhenNoMainFunction(t *testing.T) {
	outcome, err := runner.RunPython(nil, runner.PythonConfig{
		Job:      &job.Job{},
		Prepared: &runner.Prepared{InnerContent: "print('no main here')"},
	})
	require.Error(t, err)
	assert.Nil(t, outcome)
}

func TestRunPython_RejectsMissingLockBeforeParsingSignature(t *testing.T) {
	outcome, err := runner.RunPython(nil, runner.PythonConfig{
		Job:      &job.Job{},
		Prepared: &runner.Prepared{InnerContent: "print('no main here')", LockMissing: true},
	})
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Contains(t, err.Error(), "lockfile missing")
}
