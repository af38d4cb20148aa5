// Package args implements the $var:/$res: argument resolver (C5, §6):
// a job's args JSON object is walked recursively, replacing any string
// value of the form "$var:<path>" or "$res:<path>" with the fetched
// variable/resource value. Per the preserved open question (§9), only
// object values are recursed into — array elements are never walked,
// matching transform_json_value's Value::Object-only match arm.
package args

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
)

const (
	varPrefix = "$var:"
	resPrefix = "$res:"
)

// Resolver fetches a variable or resource by path, scoped to workspace
// and authenticated with token. internal/workercore/resolver.Client
// implements this.
type Resolver interface {
	GetVariable(ctx context.Context, workspace, path, token string) (string, error)
	GetResource(ctx context.Context, workspace, path, token string) (json.RawMessage, error)
}

// Walker resolves one argument tree's $var:/$res: references, de-duping
// concurrent fetches of the same path within that single tree via
// singleflight — a real cost when, e.g., the same resource is
// referenced from several argument keys.
type Walker struct {
	resolver  Resolver
	workspace string
	token     string
	group     singleflight.Group
}

// NewWalker creates a Walker scoped to one job's workspace/token. Build
// a fresh Walker per job; its singleflight.Group should not be shared
// across jobs with different tokens.
func NewWalker(resolver Resolver, workspace, token string) *Walker {
	return &Walker{resolver: resolver, workspace: workspace, token: token}
}

// Walk resolves every $var:/$res: reference in raw (expected to
// unmarshal to a JSON object) and returns the transformed JSON.
func (w *Walker) Walk(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, workererrors.InternalErrf("unmarshal args: %v", err)
	}

	resolved, err := w.walkValue(ctx, v)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, workererrors.InternalErrf("marshal resolved args: %v", err)
	}
	return out, nil
}

func (w *Walker) walkValue(ctx context.Context, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		// Resolve sibling keys concurrently: two keys referencing the
		// same $res:/$var: path within this object race through
		// singleflight.Do together instead of one waiting on the
		// other's cached-and-already-forgotten result.
		// Results go into a fresh map so t is only ever read here: t may
		// be a fetched resource value that singleflight handed to several
		// callers at once.
		var mu sync.Mutex
		out := make(map[string]interface{}, len(t))
		g, gctx := errgroup.WithContext(ctx)
		for k, vv := range t {
			k, vv := k, vv
			g.Go(func() error {
				resolved, err := w.walkValue(gctx, vv)
				if err != nil {
					return err
				}
				mu.Lock()
				out[k] = resolved
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	case string:
		return w.resolveString(ctx, t)
	default:
		// Arrays, numbers, bools, and null pass through unchanged (§9
		// open question: arrays are never walked).
		return t, nil
	}
}

// resolveString never returns an error for a malformed path or a failed
// fetch — both become a literal placeholder string substituted in
// place, matching transform_json_value's unwrap_or_else fallbacks. The
// returned error is reserved for context cancellation.
func (w *Walker) resolveString(ctx context.Context, s string) (interface{}, error) {
	switch {
	case strings.HasPrefix(s, varPrefix):
		path := strings.TrimPrefix(s, varPrefix)
		result, err, _ := w.group.Do("var:"+path, func() (interface{}, error) {
			return w.resolver.GetVariable(ctx, w.workspace, path, w.token)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return "error fetching variable " + path, nil
		}
		return result.(string), nil
	case strings.HasPrefix(s, resPrefix):
		path := strings.TrimPrefix(s, resPrefix)
		// Only $res: paths require at least two '/'-separated segments;
		// $var: paths are used as-is, matching worker.rs's
		// transform_json_value, which only checks path.split("/").count()
		// on the $res: arm.
		if len(strings.Split(path, "/")) < 2 {
			return fmt.Sprintf("resource path: %s is ill-defined", path), nil
		}
		result, err, _ := w.group.Do("res:"+path, func() (interface{}, error) {
			raw, err := w.resolver.GetResource(ctx, w.workspace, path, w.token)
			if err != nil {
				return nil, err
			}
			var decoded interface{}
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, err
			}
			return decoded, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return "error fetching resource " + path, nil
		}
		// The fetched resource value is itself walked for nested
		// $var:/$res: references, matching worker.rs's recursive
		// transform_json_value(...).await call on the fetched value.
		return w.walkValue(ctx, result)
	default:
		return s, nil
	}
}
