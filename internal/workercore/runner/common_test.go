package runner_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/job"
	"github.com/windmill-labs/workercore/internal/workercore/queue"
	"github.com/windmill-labs/workercore/internal/workercore/runner"
)

func TestFinishSuccess_ParsesLastLine(t *testing.T) {
	outcome, err := runner.FinishSuccess("hello\nworld\n{\"ok\":true}")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.JSONEq(t, `{"ok":true}`, string(outcome.Result))
}

func TestFinishSuccess_FailsOnNonJSONLastLine(t *testing.T) {
	_, err := runner.FinishSuccess("some output\nnot json at all")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not json at all is not parsable")
}

func TestFinishFailure_SummarizesLastFiveLinesAndMarksLogs(t *testing.T) {
	logs := "l1\nl2\nl3\nl4\nl5\nl6\nl7"
	outcome := runner.FinishFailure(logs)
	assert.False(t, outcome.Success)
	assert.Equal(t, "l3\nl4\nl5\nl6\nl7", outcome.ErrorMessage)
	assert.Contains(t, outcome.Logs, runner.ErrorMarker)
}

func TestBanner(t *testing.T) {
	assert.Equal(t, "--- PYTHON CODE EXECUTION ---", runner.Banner("PYTHON CODE EXECUTION"))
}

func TestPrepare_PreviewPythonScansImportsIntoLock(t *testing.T) {
	j := &job.Job{
		ID:       uuid.New(),
		Kind:     job.KindPreview,
		Language: job.LanguagePython,
		RawCode:  "import requests\nimport os\n\ndef main():\n    pass\n",
	}
	p, err := runner.Prepare(context.Background(), j, nil, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "requests", p.Lock)
	assert.False(t, p.LockMissing)
}

func TestPrepare_PreviewNonPythonNeverScansImports(t *testing.T) {
	j := &job.Job{
		ID:       uuid.New(),
		Kind:     job.KindPreview,
		Language: job.LanguageTypeScript,
		RawCode:  "import x from 'y'",
	}
	p, err := runner.Prepare(context.Background(), j, nil, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, p.Lock)
	assert.False(t, p.LockMissing)
}

func TestPrepare_ScriptPythonUnresolvedLockIsMissing(t *testing.T) {
	j := &job.Job{ID: uuid.New(), Kind: job.KindScript, Language: job.LanguagePython}
	script := &queue.ScriptRow{Content: "def main(): pass", LockValid: false}
	p, err := runner.Prepare(context.Background(), j, script, t.TempDir(), nil)
	require.NoError(t, err)
	assert.True(t, p.LockMissing)
}

func TestPrepare_ScriptPythonResolvedEmptyLockIsNotMissing(t *testing.T) {
	j := &job.Job{ID: uuid.New(), Kind: job.KindScript, Language: job.LanguagePython}
	script := &queue.ScriptRow{Content: "def main(): pass", Lock: "", LockValid: true}
	p, err := runner.Prepare(context.Background(), j, script, t.TempDir(), nil)
	require.NoError(t, err)
	assert.False(t, p.LockMissing)
	assert.Empty(t, p.Lock)
}
