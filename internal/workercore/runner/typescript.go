package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

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

const denoMainTemplate = `%s

const _wmArgs = JSON.parse(await Deno.readTextFile(%q));
const _wmResult = await main(%s);
console.log("result:");
console.log(JSON.stringify(_wmResult === undefined ? null : _wmResult));
`

// TypeScriptConfig describes one Deno execution. Field meanings mirror
// PythonConfig; unlike Python, Deno has no separate lock-install phase
// of its own (module resolution happens through Deno's own cache, set
// via DENO_DIR in the reserved/sandbox environment).
type TypeScriptConfig struct {
	Job      *job.Job
	Prepared *Prepared
	RawArgs  json.RawMessage

	Store         queue.Store
	TokenStore    tokenpkg.Store
	ArgsResolver  args.Resolver
	SandboxLoader *sandbox.Loader
	SigParser     parser.SignatureParser
	Publisher     *pubsub.Publisher

	WorkerDir string
	CacheDir  string

	DisableUser bool

	Timeout time.Duration
}

// RunTypeScript executes cfg.Prepared.InnerContent as a Deno script and
// returns its Outcome.
func RunTypeScript(ctx context.Context, cfg TypeScriptConfig) (*Outcome, error) {
	j := cfg.Job
	p := cfg.Prepared

	sigParser := cfg.SigParser
	if sigParser == nil {
		sigParser = parser.DenoSignatureParser{}
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
		mainTs := fmt.Sprintf(denoMainTemplate, p.InnerContent, argsPath, positionalCallArgs(sig))
		if _, err := WriteFile(p.ScratchDir, "main.ts", mainTs); err != nil {
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
	env := append(reservedVars.Env(), "WM_TOKEN="+jobToken, "DENO_DIR="+cfg.CacheDir, "RUST_LOG=info")

	logs = appendLine(logs, Banner("DENO CODE EXECUTION"))
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

// positionalCallArgs renders main(...)'s call site, pulling each
// parameter by name out of the JSON args object — Deno/JS has no
// kwargs, so argument order must be recovered from the signature
// (unlike Python's **kwargs path).
func positionalCallArgs(sig []parser.Arg) string {
	parts := make([]string, 0, len(sig))
	for _, a := range sig {
		parts = append(parts, fmt.Sprintf("_wmArgs[%q]", a.Name))
	}
	return strings.Join(parts, ", ")
}

func (cfg TypeScriptConfig) codeExecutionCommand(p *Prepared) (string, []string, error) {
	if cfg.DisableUser {
		return "deno", []string{"run", "--unstable", "--v8-flags=--max-heap-size=2048", "-A", filepath.Join(p.ScratchDir, "main.ts")}, nil
	}

	tmpl, err := cfg.SandboxLoader.Load(sandbox.DenoRun)
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
