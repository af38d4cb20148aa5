// Package runner implements the language-specific execution paths (C3):
// pre-execution setup shared by every language, then a Python and a
// TypeScript/Deno path, each built on internal/workercore/supervisor.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/log"
	"github.com/windmill-labs/workercore/internal/workercore/flow"
	"github.com/windmill-labs/workercore/internal/workercore/job"
	"github.com/windmill-labs/workercore/internal/workercore/parser"
	"github.com/windmill-labs/workercore/internal/workercore/queue"
)

var logger = log.New("runner")

// ErrorMarker is appended to a job's logs on a non-zero/interrupted
// exit, matching the original worker's log-tail sentinel
// (SUPPLEMENTED FEATURES #1).
const ErrorMarker = "--- ERROR ---"

// Prepared is the outcome of pre-execution setup: the resolved code to
// run, its dependency lock (if any), and the scratch directory it runs
// from.
type Prepared struct {
	InnerContent string
	Lock         string
	// LockMissing is set only for a Kind Script Python job whose script
	// row has never had its dependencies resolved (lock column is
	// NULL, not merely empty) — the runner must refuse to execute it
	// rather than silently run with no installed third-party packages.
	LockMissing bool
	ScratchDir  string
	DepsDir     string
}

// Prepare performs the pre-execution steps common to every language
// (§4.3): resolve inner content/lock from the script row (or RawCode
// for Preview/ScriptHub/FlowPreview kinds, scanning Python imports to
// seed requirements directly since no dependencies job has run for
// ad-hoc code), mark a flow-step job's flow in-progress, and create the
// job's scratch directory tree.
func Prepare(ctx context.Context, j *job.Job, script *queue.ScriptRow, tmpDir string, flowInterp flow.Interpreter) (*Prepared, error) {
	var content, lock string
	var lockMissing bool
	if script != nil {
		content = j.InnerContent(script.Content)
		lock = script.Lock
		lockMissing = j.Language == job.LanguagePython && !script.LockValid
	} else {
		content = j.InnerContent("")
		if j.Language == job.LanguagePython {
			lock = strings.Join(parser.PythonImportScanner{}.Scan(content), "\n")
		}
	}

	if j.IsFlowStep && flowInterp != nil {
		if err := flowInterp.UpdateStatusInProgress(ctx, j.ID); err != nil {
			return nil, err
		}
	}

	scratchDir := filepath.Join(tmpDir, "jobs", j.ID.String())
	depsDir := filepath.Join(scratchDir, "dependencies")
	if err := os.MkdirAll(depsDir, 0o755); err != nil {
		return nil, workererrors.InternalErrf("create scratch dir; job: %s: %v", j.ID, err)
	}

	return &Prepared{InnerContent: content, Lock: lock, LockMissing: lockMissing, ScratchDir: scratchDir, DepsDir: depsDir}, nil
}

// Cleanup removes a job's scratch directory. Called unconditionally
// after a run, success or failure — nothing under ScratchDir survives
// past one job.
func Cleanup(p *Prepared) {
	if p == nil || p.ScratchDir == "" {
		return
	}
	if err := os.RemoveAll(p.ScratchDir); err != nil {
		logger.Warnf("cleanup scratch dir %s: %v", p.ScratchDir, err)
	}
}

// Outcome is what a language runner returns to the dispatcher.
type Outcome struct {
	Success bool
	Result  json.RawMessage
	// ErrorMessage is the value written to completed_job.result on
	// failure: the last 5 log lines, matching worker.rs's
	// `set_job_completed` error summarization.
	ErrorMessage string
	Logs         string
}

// FinishSuccess parses the last non-empty line of logs as the job's
// JSON result (worker.rs's `last_line` convention). An unparsable
// result is itself a job failure (§4.3.4) — it is reported as an error,
// not silently wrapped as a JSON string, and carries no last-5-lines
// summary or ErrorMarker since the child's exit status was success.
func FinishSuccess(logs string) (Outcome, error) {
	last := lastNonEmptyLine(logs)
	var parsed json.RawMessage
	if err := json.Unmarshal([]byte(last), &parsed); err != nil {
		return Outcome{}, workererrors.ExecutionErrf("result %s is not parsable.\n err: %s", last, err)
	}
	return Outcome{Success: true, Result: parsed, Logs: logs}, nil
}

// FinishFailure builds the last-5-log-lines error summary and appends
// ErrorMarker to logs itself (SUPPLEMENTED FEATURES #1).
func FinishFailure(logs string) Outcome {
	summary := lastNLines(logs, 5)
	markedLogs := logs
	if markedLogs == "" {
		markedLogs = ErrorMarker
	} else {
		markedLogs = markedLogs + "\n" + ErrorMarker
	}
	return Outcome{
		Success:      false,
		ErrorMessage: summary,
		Logs:         markedLogs,
	}
}

func lastNonEmptyLine(logs string) string {
	lines := strings.Split(logs, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func lastNLines(logs string, n int) string {
	lines := strings.Split(logs, "\n")
	if len(lines) <= n {
		return logs
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// Banner formats a phase-transition line pushed into the log buffer at
// phase boundaries (SUPPLEMENTED FEATURES #2).
func Banner(phase string) string {
	return fmt.Sprintf("--- %s ---", phase)
}

// WriteFile writes content to path inside dir, creating dir if needed.
func WriteFile(dir, name, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", workererrors.InternalErrf("create dir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", workererrors.InternalErrf("write file %s: %v", path, err)
	}
	return path, nil
}

