// Package parser provides the script-introspection interfaces the
// runners depend on (§6 "script parser" collaborator — explicitly out
// of scope as a full implementation) plus a regexp-based default
// implementation sufficient to drive argument ordering and the pip
// import-to-package heuristic.
package parser

import (
	"regexp"
	"strings"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
)

// Arg is one parameter of a script's entrypoint, in declaration order.
type Arg struct {
	Name       string
	Type       string // raw type annotation, e.g. "bytes", "datetime.datetime"; empty if unannotated
	HasDefault bool
}

// IsBytes reports whether the parameter is annotated as a bytes type,
// the case the Python wrapper base64-decodes before calling main (§4.3.2).
func (a Arg) IsBytes() bool {
	return a.Type == "bytes"
}

// IsDatetime reports whether the parameter is annotated as a datetime
// type, the case the Python wrapper parses from ISO-8601 text before
// calling main (§4.3.2).
func (a Arg) IsDatetime() bool {
	switch a.Type {
	case "datetime", "datetime.datetime":
		return true
	default:
		return false
	}
}

// SignatureParser extracts a script's parameter list from its main
// entrypoint so the runner can build a positional argument list from
// the (unordered) args JSON object.
type SignatureParser interface {
	Parse(code string) ([]Arg, error)
}

// ImportScanner extracts third-party import names referenced by a
// script, used to seed a dependency-lock job's requirements.in.
type ImportScanner interface {
	Scan(code string) []string
}

var pythonDefRe = regexp.MustCompile(`(?m)^def\s+main\s*\(([^)]*)\)`)

// PythonSignatureParser extracts `def main(...)`'s parameter list via
// regexp rather than a real AST — the real parser is explicitly out of
// scope (§1); this is the minimal compliant stand-in the runner calls
// through the SignatureParser interface.
type PythonSignatureParser struct{}

func (PythonSignatureParser) Parse(code string) ([]Arg, error) {
	m := pythonDefRe.FindStringSubmatch(code)
	if m == nil {
		return nil, workererrors.ExecutionErr("no main function found")
	}
	return parseParamList(m[1]), nil
}

var denoDefRe = regexp.MustCompile(`(?m)export\s+(?:async\s+)?function\s+main\s*\(([^)]*)\)`)

// DenoSignatureParser extracts `export function main(...)`'s parameter
// list, same caveats as PythonSignatureParser.
type DenoSignatureParser struct{}

func (DenoSignatureParser) Parse(code string) ([]Arg, error) {
	m := denoDefRe.FindStringSubmatch(code)
	if m == nil {
		return nil, workererrors.ExecutionErr("no main function found")
	}
	return parseParamList(m[1]), nil
}

func parseParamList(raw string) []Arg {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	args := make([]Arg, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name := p
		typ := ""
		hasDefault := false
		rest := p
		if idx := strings.IndexAny(p, ":="); idx >= 0 {
			name = strings.TrimSpace(p[:idx])
			rest = p[idx:]
		} else {
			rest = ""
		}
		if strings.HasPrefix(rest, ":") {
			rest = rest[1:]
			if eq := strings.Index(rest, "="); eq >= 0 {
				typ = strings.TrimSpace(rest[:eq])
			} else {
				typ = strings.TrimSpace(rest)
			}
		}
		if strings.Contains(p, "=") {
			hasDefault = true
		}
		args = append(args, Arg{Name: name, Type: typ, HasDefault: hasDefault})
	}
	return args
}

var pythonImportRe = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([a-zA-Z0-9_\.]+)`)

// stdlibPackages is a small denylist of top-level modules never worth
// locking as a PyPI dependency. It is intentionally not exhaustive —
// pip-compile silently ignores names that are not real packages, so
// over-inclusion here is harmless.
var stdlibPackages = map[string]bool{
	"os": true, "sys": true, "json": true, "re": true, "time": true,
	"typing": true, "dataclasses": true, "collections": true,
	"itertools": true, "functools": true, "pathlib": true, "math": true,
	"datetime": true, "wmill": true,
}

// PythonImportScanner extracts top-level package names from import
// statements via regexp, skipping the standard library and the
// injected wmill client module.
type PythonImportScanner struct{}

func (PythonImportScanner) Scan(code string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range pythonImportRe.FindAllStringSubmatch(code, -1) {
		root := strings.SplitN(m[1], ".", 2)[0]
		if stdlibPackages[root] || seen[root] {
			continue
		}
		seen[root] = true
		out = append(out, root)
	}
	return out
}
