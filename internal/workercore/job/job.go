// Package job defines the queued-job data model shared by every
// workercore package: the dispatcher pulls rows shaped like this, the
// supervisor and runners act on them, and the queue store persists them
// back.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the handling a queued row receives once it is
// pulled off the queue.
type Kind string

const (
	// KindScript runs a saved script identified by ScriptHash/ScriptPath.
	KindScript Kind = "script"
	// KindPreview runs ad-hoc RawCode with no persisted script row.
	KindPreview Kind = "preview"
	// KindScriptHub runs a script fetched from the public Script Hub.
	KindScriptHub Kind = "script_hub"
	// KindDependencies runs a dependency-lock job (pip-compile et al.)
	// rather than user code.
	KindDependencies Kind = "dependencies"
	// KindFlow advances a persisted flow's next step.
	KindFlow Kind = "flow"
	// KindFlowPreview advances an ad-hoc, unsaved flow's next step.
	KindFlowPreview Kind = "flow_preview"
)

// Language selects the runner a job executes under. The empty value
// indicates a job kind (Dependencies, Flow) that has no language of its
// own.
type Language string

const (
	LanguagePython     Language = "python3"
	LanguageTypeScript Language = "deno"
	LanguageNone       Language = ""
)

// Job is a row leased from the queue table. Field names mirror the
// columns named across spec §3/§6 rather than the original snake_case
// column names.
type Job struct {
	ID             uuid.UUID
	WorkspaceID    string
	Kind           Kind
	Language       Language
	ScriptHash     string
	ScriptPath     string
	RawCode        string
	Args           json.RawMessage
	PermissionedAs string
	CreatedBy      string
	SchedulePath   string

	// ParentJob is non-nil for flow-step jobs; its value is the flow
	// job's ID, used both to escalate failures (§4.6) and to look up
	// flow_path via the parent's ScriptPath (§6 reserved variables).
	ParentJob  *uuid.UUID
	IsFlowStep bool

	StartedAt time.Time
	LastPing  time.Time

	Running        bool
	Canceled       bool
	CanceledBy     string
	CanceledReason string

	// Logs accumulates stdout/stderr plus phase banners. It is owned by
	// the supervisor goroutine for the lifetime of one job execution and
	// is never read concurrently with a write (§4.4).
	Logs string
}

// NoRawCode is the sentinel substituted for a Preview/ScriptHub job
// whose RawCode column is empty, matching the original worker's
// behavior of proceeding rather than failing fast.
const NoRawCode = "no raw code"

// InnerContent returns the code this job should execute: RawCode for
// Preview/ScriptHub/FlowPreview kinds (falling back to NoRawCode when
// empty), or the caller-supplied script content for Kind.
func (j *Job) InnerContent(scriptContent string) string {
	switch j.Kind {
	case KindPreview, KindScriptHub, KindFlowPreview:
		if j.RawCode == "" {
			return NoRawCode
		}
		return j.RawCode
	default:
		return scriptContent
	}
}
