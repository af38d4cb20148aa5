// Package depends implements dependency-lock jobs (C4): writing
// requirements.in, running pip-compile under supervision, and
// persisting the resulting lock file (or the failure's logs) back to
// the owning script row (§4.5).
package depends

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/log"
	"github.com/windmill-labs/workercore/internal/workercore/sandbox"
	"github.com/windmill-labs/workercore/internal/workercore/supervisor"
)

var logger = log.New("depends")

// Store is the narrow queue.Store slice this package needs.
type Store interface {
	supervisor.JobStore
	SetLogs(ctx context.Context, jobID uuid.UUID, logs string) error
}

// Config describes one dependency-lock run.
type Config struct {
	JobID      uuid.UUID
	RawCode    string // the job's raw_code, written verbatim to requirements.in
	ScratchDir string
	CacheDir   string
	WorkerDir  string

	DisableSandbox bool
	SandboxLoader  *sandbox.Loader

	Store Store
}

// Result carries the outcome the caller persists onto the owning
// script row and the completed-job row.
type Result struct {
	Lock          string
	LockErrorLogs string
	Success       bool
	// Logs is the full accumulated log, including the "content of
	// requirements" header line, for the completed-job row.
	Logs string
}

// Run writes requirements.in from cfg.RawCode, runs pip-compile (direct
// or sandboxed per cfg.DisableSandbox), strips comment lines from the
// resulting requirements.txt (SUPPLEMENTED FEATURES #3), and returns
// the lock content or the failure's logs.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, workererrors.InternalErrf("create scratch dir; job: %s: %v", cfg.JobID, err)
	}

	header := "content of requirements:\n" + cfg.RawCode + "\n"

	reqInPath := filepath.Join(cfg.ScratchDir, "requirements.in")
	if err := os.WriteFile(reqInPath, []byte(cfg.RawCode), 0o644); err != nil {
		return nil, workererrors.InternalErrf("write requirements.in; job: %s: %v", cfg.JobID, err)
	}

	command, args, env, err := cfg.commandLine()
	if err != nil {
		return nil, err
	}

	res, err := supervisor.Run(ctx, supervisor.Config{
		JobID:   cfg.JobID,
		Command: command,
		Args:    args,
		Dir:     cfg.ScratchDir,
		Env:     env,
		Timeout: 5 * time.Minute,
		Store:   cfg.Store,
	})
	if err != nil {
		return nil, err
	}

	logs := header + res.Logs
	if res.ExitCode != 0 || res.TimedOut || res.Canceled {
		return &Result{LockErrorLogs: logs, Logs: logs, Success: false}, nil
	}

	reqTxtPath := filepath.Join(cfg.ScratchDir, "requirements.txt")
	raw, err := os.ReadFile(reqTxtPath)
	if err != nil {
		logs = logs + "\nrequirements.txt not produced"
		return &Result{LockErrorLogs: logs, Logs: logs, Success: false}, nil
	}

	return &Result{Lock: stripComments(string(raw)), Logs: logs, Success: true}, nil
}

// LockResult builds the completed-job result literal
// `{"success":"Successful lock file generation","lock":"<content>"}`,
// matching worker.rs's handle_dependency_job last_line format exactly.
func LockResult(lock string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Success string `json:"success"`
		Lock    string `json:"lock"`
	}{Success: "Successful lock file generation", Lock: lock})
	return b
}

// stripComments drops every line whose first non-whitespace rune is
// '#', matching the original worker's lock-file post-processing
// (SUPPLEMENTED FEATURES #3). A single trailing newline ends the last
// line rather than starting an empty one, so the result has no trailing
// newline.
func stripComments(content string) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func (cfg Config) commandLine() (command string, args []string, env []string, err error) {
	env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	if cfg.DisableSandbox {
		return "pip-compile", []string{"-q", "--no-header", "--cache-dir=" + cfg.CacheDir, "requirements.in"}, env, nil
	}

	tmpl, err := cfg.SandboxLoader.Load(sandbox.PythonDownload)
	if err != nil {
		return "", nil, nil, err
	}
	rendered, err := sandbox.Render(tmpl, sandbox.Values{
		JobDir:       cfg.ScratchDir,
		WorkerDir:    cfg.WorkerDir,
		CacheDir:     cfg.CacheDir,
		CloneNewuser: true,
	})
	if err != nil {
		return "", nil, nil, err
	}

	configPath := filepath.Join(cfg.ScratchDir, "download.config.proto")
	if err := os.WriteFile(configPath, []byte(rendered), 0o644); err != nil {
		return "", nil, nil, workererrors.InternalErrf("write sandbox config: %v", err)
	}
	return "nsjail", []string{"--config", configPath}, env, nil
}
