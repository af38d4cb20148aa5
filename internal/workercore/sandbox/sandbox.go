// Package sandbox materializes the text "proto" config the external
// sandbox binary (nsjail-compatible) reads to isolate a child process
// (§4.3, §6 "child process surface"). The core never manages cgroups or
// namespaces itself — it only renders a template's placeholders and
// writes the result next to the job's scratch directory.
package sandbox

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
)

//go:embed templates/*.proto
var defaultTemplates embed.FS

// Name identifies one of the four default templates.
type Name string

const (
	PythonRun      Name = "python_run"
	PythonDownload Name = "python_download"
	PythonInstall  Name = "python_install"
	DenoRun        Name = "deno_run"
)

var defaultPaths = map[Name]string{
	PythonRun:      "templates/python_run.config.proto",
	PythonDownload: "templates/python_download.config.proto",
	PythonInstall:  "templates/python_install.config.proto",
	DenoRun:        "templates/deno_run.config.proto",
}

// Values supplies the placeholder substitutions a rendered template
// needs. Every field must correspond to a placeholder the template
// actually contains (see Render) — an operator-edited template that
// drops, say, {CACHE_DIR} gets caught at render time rather than
// silently losing the cache mount.
type Values struct {
	JobDir       string
	WorkerDir    string
	CacheDir     string
	CloneNewuser bool
}

func (v Values) asMap() map[string]string {
	newuser := "false"
	if v.CloneNewuser {
		newuser = "true"
	}
	return map[string]string{
		"{JOB_DIR}":       v.JobDir,
		"{WORKER_DIR}":    v.WorkerDir,
		"{CACHE_DIR}":     v.CacheDir,
		"{CLONE_NEWUSER}": newuser,
	}
}

// Render substitutes every placeholder in Values into tmpl. It fails
// closed: if a placeholder this Values carries does not appear in tmpl
// at all, that is treated as a misconfigured template rather than a
// silent no-op, per the design note in §9. The error names every
// missing placeholder.
func Render(tmpl string, values Values) (string, error) {
	placeholders := values.asMap()
	var missing []string
	for placeholder := range placeholders {
		if !strings.Contains(tmpl, placeholder) {
			missing = append(missing, placeholder)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", workererrors.InternalErrf("sandbox template missing required placeholder(s) %s", strings.Join(missing, ", "))
	}
	for placeholder, value := range placeholders {
		tmpl = strings.ReplaceAll(tmpl, placeholder, value)
	}
	return tmpl, nil
}

// Loader resolves a Name to its raw (unrendered) template body, reading
// from an operator-supplied override directory when configured and
// falling back to the embedded defaults otherwise. Load rereads an
// override on every call, so edits take effect on the next Load without
// a restart; Watcher only reports such edits.
type Loader struct {
	overrideDir string
}

// NewLoader creates a Loader. overrideDir may be empty, in which case
// every template resolves to its embedded default.
func NewLoader(overrideDir string) *Loader {
	return &Loader{overrideDir: overrideDir}
}

// Load returns the current raw template body for name.
func (l *Loader) Load(name Name) (string, error) {
	path, ok := defaultPaths[name]
	if !ok {
		return "", workererrors.InternalErrf("unknown sandbox template %s", name)
	}

	if l.overrideDir != "" {
		overridePath := l.overrideDir + "/" + string(name) + ".config.proto"
		b, err := os.ReadFile(overridePath)
		if err == nil {
			return string(b), nil
		}
		if !os.IsNotExist(err) {
			return "", workererrors.InternalErrf("read sandbox template override %s: %v", overridePath, err)
		}
	}

	b, err := defaultTemplates.ReadFile(path)
	if err != nil {
		return "", workererrors.InternalErrf("read embedded sandbox template %s: %v", path, err)
	}
	return string(b), nil
}

// OverridePath returns the path Load would read an override from for
// name, for use by Watcher.
func (l *Loader) OverridePath(name Name) string {
	if l.overrideDir == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s.config.proto", l.overrideDir, name)
}

// Names lists every template name Load knows how to resolve, for
// callers (bootstrap's Watcher wiring) that need to enumerate them
// without duplicating the set.
func Names() []Name {
	return []Name{PythonRun, PythonDownload, PythonInstall, DenoRun}
}
