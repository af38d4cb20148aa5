// Package reserved builds the WM_*-prefixed environment variables every
// script execution receives (§6 "reserved variables"), including the
// flow_path lookup that, for a flow-step job, reads the *parent* job's
// script_path rather than the child's own (SUPPLEMENTED FEATURES #5).
package reserved

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/windmill-labs/workercore/internal/workercore/job"
)

// ParentScriptPathGetter is the narrow queue.Store slice this package
// needs, declared at the point of use.
type ParentScriptPathGetter interface {
	GetParentScriptPath(ctx context.Context, parentJobID uuid.UUID) (string, error)
}

// Variables is the reserved variable set injected into a job's
// execution environment.
type Variables struct {
	Workspace      string
	Email          string
	Username       string
	JobID          string
	FlowPath       string
	SchedulePath   string
	ScriptPath     string
	PermissionedAs string
	IsFlowStep     bool
}

// Build assembles the reserved variable set for j. email is resolved
// separately (token.Store.GetEmailFromUsername) since it requires a
// username-to-email lookup the caller already has handy from
// CreatedBy.
func Build(ctx context.Context, j *job.Job, email string, store ParentScriptPathGetter) (Variables, error) {
	v := Variables{
		Workspace:      j.WorkspaceID,
		Email:          email,
		Username:       j.CreatedBy,
		JobID:          j.ID.String(),
		SchedulePath:   j.SchedulePath,
		ScriptPath:     j.ScriptPath,
		PermissionedAs: j.PermissionedAs,
		IsFlowStep:     j.IsFlowStep,
	}

	if j.ParentJob != nil {
		flowPath, err := store.GetParentScriptPath(ctx, *j.ParentJob)
		if err != nil {
			return Variables{}, err
		}
		v.FlowPath = flowPath
	}

	return v, nil
}

// Env renders v as a WM_*-prefixed environment slice suitable for
// exec.Cmd.Env.
func (v Variables) Env() []string {
	return []string{
		fmt.Sprintf("WM_WORKSPACE=%s", v.Workspace),
		fmt.Sprintf("WM_EMAIL=%s", v.Email),
		fmt.Sprintf("WM_USERNAME=%s", v.Username),
		fmt.Sprintf("WM_JOB_ID=%s", v.JobID),
		fmt.Sprintf("WM_FLOW_PATH=%s", v.FlowPath),
		fmt.Sprintf("WM_SCHEDULE_PATH=%s", v.SchedulePath),
		fmt.Sprintf("WM_SCRIPT_PATH=%s", v.ScriptPath),
		fmt.Sprintf("WM_PERMISSIONED_AS=%s", v.PermissionedAs),
	}
}
