package reserved_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/job"
	"github.com/windmill-labs/workercore/internal/workercore/reserved"
)

type fakeParentLookup struct {
	scriptPath string
	err        error
}

func (f *fakeParentLookup) GetParentScriptPath(ctx context.Context, parentJobID uuid.UUID) (string, error) {
	return f.scriptPath, f.err
}

func TestBuild_NoParent(t *testing.T) {
	j := &job.Job{ID: uuid.New(), WorkspaceID: "demo", ScriptPath: "f/foo", CreatedBy: "alice"}
	v, err := reserved.Build(context.Background(), j, "alice@example.com", &fakeParentLookup{})
	require.NoError(t, err)
	assert.Equal(t, "", v.FlowPath)
	assert.Equal(t, "f/foo", v.ScriptPath)
	assert.Contains(t, v.Env(), "WM_EMAIL=alice@example.com")
}

func TestBuild_FlowStepUsesParentScriptPath(t *testing.T) {
	parentID := uuid.New()
	j := &job.Job{
		ID:          uuid.New(),
		WorkspaceID: "demo",
		ScriptPath:  "f/flow/step_1",
		CreatedBy:   "alice",
		ParentJob:   &parentID,
		IsFlowStep:  true,
	}
	lookup := &fakeParentLookup{scriptPath: "f/flow/main"}
	v, err := reserved.Build(context.Background(), j, "alice@example.com", lookup)
	require.NoError(t, err)
	assert.Equal(t, "f/flow/main", v.FlowPath)
	assert.Equal(t, "f/flow/step_1", v.ScriptPath)
}
