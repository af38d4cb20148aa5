package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/workercore/args"
	"github.com/windmill-labs/workercore/internal/workercore/job"
	"github.com/windmill-labs/workercore/internal/workercore/parser"
	"github.com/windmill-labs/workercore/internal/workercore/pubsub"
	"github.com/windmill-labs/workercore/internal/workercore/queue"
	"github.com/windmill-labs/workercore/internal/workercore/reserved"
	"github.com/windmill-labs/workercore/internal/workercore/sandbox"
	"github.com/windmill-labs/workercore/internal/workercore/supervisor"
	tokenpkg "github.com/windmill-labs/workercore/internal/workercore/token"
)

const pythonMainTemplate = `import base64
import datetime
import json

%s

with open(%q) as f:
    _wm_args = json.load(f)

for _wm_k in list(_wm_args.keys()):
    if _wm_args[_wm_k] == '<function call>':
        del _wm_args[_wm_k]
%s
_wm_result = main(**_wm_args)
print("result:")
print(json.dumps(_wm_result, default=str))
`

// PythonConfig describes one Python execution.
type PythonConfig struct {
	Job      *job.Job
	Prepared *Prepared
	RawArgs  json.RawMessage

	Store         queue.Store
	TokenStore    tokenpkg.Store
	ArgsResolver  args.Resolver
	SandboxLoader *sandbox.Loader
	Publisher     *pubsub.Publisher
	SigParser     parser.SignatureParser

	WorkerDir string
	CacheDir  string

	DisableSandbox bool // disable_nsjail: gates the dependency-install phase only
	DisableUser    bool // disable_nuser: gates the code-execution phase only

	Timeout time.Duration
}

// RunPython executes cfg.Prepared.InnerContent as a Python script and
// returns its Outcome.
func RunPython(ctx context.Context, cfg PythonConfig) (*Outcome, error) {
	j := cfg.Job
	p := cfg.Prepared

	if p.LockMissing {
		return nil, workererrors.InternalErrf("lockfile missing; job: %s", j.ID)
	}

	sigParser := cfg.SigParser
	if sigParser == nil {
		sigParser = parser.PythonSignatureParser{}
	}
	sig, err := sigParser.Parse(p.InnerContent)
	if err != nil {
		return nil, err
	}

	var logs string
	var jobToken string

	err = cfg.Store.WithTx(ctx, func(ctx context.Context, tx queue.Tx) error {
		issued, err := tx.CreateTokenForOwner(ctx, j.WorkspaceID, j.PermissionedAs, tokenpkg.EphemeralLabel, time.Now().Add(2*cfg.Timeout), j.CreatedBy)
		if err != nil {
			return err
		}
		jobToken = issued

		walker := args.NewWalker(cfg.ArgsResolver, j.WorkspaceID, jobToken)
		resolvedArgs, err := walker.Walk(ctx, cfg.RawArgs)
		if err != nil {
			return err
		}

		argsPath, err := WriteFile(p.ScratchDir, "args.json", string(resolvedArgs))
		if err != nil {
			return err
		}
		mainPy := fmt.Sprintf(pythonMainTemplate, p.InnerContent, argsPath, pythonKwargTransforms(sig))
		if _, err := WriteFile(p.ScratchDir, "main.py", mainPy); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	email, err := cfg.TokenStore.GetEmailFromUsername(ctx, j.WorkspaceID, j.CreatedBy)
	if err != nil {
		return nil, err
	}
	reservedVars, err := reserved.Build(ctx, j, email, cfg.Store)
	if err != nil {
		return nil, err
	}
	env := append(reservedVars.Env(), "WM_TOKEN="+jobToken)
	if cfg.DisableUser {
		// PYTHONPATH is only needed to find the job-local dependencies
		// directory when running outside nsjail; the sandboxed config
		// mounts the shared worker dependencies directory directly
		// instead (worker.rs only inserts PYTHONPATH in the disable_nuser
		// branch).
		env = append(env, "PYTHONPATH="+p.DepsDir)
	}

	// The install phase always runs, even against an empty
	// requirements.txt (a script with no third-party imports): the
	// original worker never skips it, it just finishes instantly.
	logs = appendLine(logs, Banner("PIP DEPENDENCIES INSTALL"))
	if err := cfg.Store.SetLogs(ctx, j.ID, logs); err != nil {
		return nil, err
	}

	installRes, err := cfg.installDependencies(ctx, p)
	if err != nil {
		return nil, err
	}
	logs = appendLine(logs, installRes.Logs)
	if installRes.ExitCode != 0 {
		outcome := FinishFailure(logs)
		return &outcome, nil
	}

	logs = appendLine(logs, Banner("PYTHON CODE EXECUTION"))
	if err := cfg.Store.SetLogs(ctx, j.ID, logs); err != nil {
		return nil, err
	}

	command, cmdArgs, err := cfg.codeExecutionCommand(p)
	if err != nil {
		return nil, err
	}

	res, err := supervisor.Run(ctx, supervisor.Config{
		JobID:     j.ID,
		Command:   command,
		Args:      cmdArgs,
		Dir:       p.ScratchDir,
		Env:       env,
		Timeout:   cfg.Timeout,
		Store:     cfg.Store,
		Publisher: cfg.Publisher,
	})
	if err != nil {
		return nil, err
	}
	logs = appendLine(logs, res.Logs)

	if res.ExitCode != 0 || res.TimedOut || res.Canceled {
		outcome := FinishFailure(logs)
		return &outcome, nil
	}
	outcome, err := FinishSuccess(logs)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// pythonKwargTransforms renders the lines that coerce bytes- and
// datetime-typed parameters out of their JSON-native representation
// before main(**_wm_args) is called: base64-decode for bytes, ISO-8601
// parsing for datetime (§4.3.2). Parameters with no such annotation
// pass through untouched.
func pythonKwargTransforms(sig []parser.Arg) string {
	var lines []string
	for _, a := range sig {
		switch {
		case a.IsBytes():
			lines = append(lines, fmt.Sprintf(
				"if _wm_args.get(%q) is not None:\n    _wm_args[%q] = base64.b64decode(_wm_args[%q])",
				a.Name, a.Name, a.Name))
		case a.IsDatetime():
			lines = append(lines, fmt.Sprintf(
				"if _wm_args.get(%q) is not None:\n    _wm_args[%q] = datetime.datetime.fromisoformat(_wm_args[%q])",
				a.Name, a.Name, a.Name))
		}
	}
	return strings.Join(lines, "\n")
}

func appendLine(logs, line string) string {
	if logs == "" {
		return line
	}
	return logs + "\n" + line
}

func (cfg PythonConfig) installDependencies(ctx context.Context, p *Prepared) (*supervisor.Result, error) {
	reqPath, err := WriteFile(p.ScratchDir, "requirements.txt", p.Lock)
	if err != nil {
		return nil, err
	}

	if cfg.DisableSandbox {
		return supervisor.Run(ctx, supervisor.Config{
			JobID:   cfg.Job.ID,
			Command: "pip",
			Args:    []string{"install", "--no-color", "--isolated", "--no-warn-conflicts", "--disable-pip-version-check", "-t", p.DepsDir, "-r", reqPath},
			Dir:     p.ScratchDir,
			Timeout: 2 * time.Minute,
			Store:   cfg.Store,
		})
	}

	tmpl, err := cfg.SandboxLoader.Load(sandbox.PythonInstall)
	if err != nil {
		return nil, err
	}
	rendered, err := sandbox.Render(tmpl, sandbox.Values{
		JobDir:       p.ScratchDir,
		WorkerDir:    cfg.WorkerDir,
		CacheDir:     cfg.CacheDir,
		CloneNewuser: true,
	})
	if err != nil {
		return nil, err
	}
	configPath, err := WriteFile(p.ScratchDir, "install.config.proto", rendered)
	if err != nil {
		return nil, err
	}
	return supervisor.Run(ctx, supervisor.Config{
		JobID:   cfg.Job.ID,
		Command: "nsjail",
		Args:    []string{"--config", configPath},
		Dir:     p.ScratchDir,
		Timeout: 2 * time.Minute,
		Store:   cfg.Store,
	})
}

func (cfg PythonConfig) codeExecutionCommand(p *Prepared) (string, []string, error) {
	if cfg.DisableUser {
		return "python3", []string{"-u", filepath.Join(p.ScratchDir, "main.py")}, nil
	}

	tmpl, err := cfg.SandboxLoader.Load(sandbox.PythonRun)
	if err != nil {
		return "", nil, err
	}
	rendered, err := sandbox.Render(tmpl, sandbox.Values{
		JobDir:       p.ScratchDir,
		WorkerDir:    cfg.WorkerDir,
		CacheDir:     cfg.CacheDir,
		CloneNewuser: true,
	})
	if err != nil {
		return "", nil, err
	}
	configPath, err := WriteFile(p.ScratchDir, "run.config.proto", rendered)
	if err != nil {
		return "", nil, err
	}
	return "nsjail", []string{"--config", configPath}, nil
}
