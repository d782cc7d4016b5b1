package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/convergo/convergo/pkg/engine"
)

// StarlarkGuards evaluates when guard expressions as single Starlark
// expressions. The environment exposes run variables at top level, the
// fact set as "facts", the bound item as "item", and a defined("name")
// builtin for probing whether a variable is bound. Referencing an
// unbound name directly reports UNDEFINED_VARIABLE; the engine decides
// whether that skips or fails.
type StarlarkGuards struct {
	timeout time.Duration
}

// NewStarlarkGuards creates a guard evaluator. Zero timeout means 5s.
func NewStarlarkGuards(timeout time.Duration) *StarlarkGuards {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkGuards{timeout: timeout}
}

// Validate implements engine.GuardEvaluator.
func (g *StarlarkGuards) Validate(expr string) error {
	if _, err := syntax.ParseExpr("guard", expr, 0); err != nil {
		return fmt.Errorf("parse guard: %w", err)
	}
	return nil
}

// Eval implements engine.GuardEvaluator. Evaluation runs in its own
// goroutine under a timeout; a guard that loops forever cannot wedge
// the run.
func (g *StarlarkGuards) Eval(ctx context.Context, expr string, env map[string]any) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type evalResult struct {
		value bool
		err   error
	}
	resultCh := make(chan evalResult, 1)

	go func() {
		v, err := g.evalSync(expr, env)
		resultCh <- evalResult{value: v, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return false, engine.NewTimeoutError(
			fmt.Sprintf("guard evaluation exceeded %v", g.timeout), evalCtx.Err())
	case res := <-resultCh:
		return res.value, res.err
	}
}

func (g *StarlarkGuards) evalSync(expr string, env map[string]any) (bool, error) {
	predeclared := make(starlark.StringDict, len(env)+1)
	for key, val := range env {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return false, engine.NewConfigError(
				fmt.Sprintf("cannot convert variable %s", key), err).
				WithCode(engine.ErrCodeGuardSyntax)
		}
		predeclared[key] = sv
	}
	predeclared["defined"] = starlark.NewBuiltin("defined",
		func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackPositionalArgs("defined", args, kwargs, 1, &name); err != nil {
				return nil, err
			}
			_, found := env[name]
			return starlark.Bool(found), nil
		})

	thread := &starlark.Thread{
		Name:  "guard",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	v, err := starlark.Eval(thread, "guard", expr, predeclared)
	if err != nil {
		// The resolver reports unbound identifiers as "undefined: name".
		if strings.Contains(err.Error(), "undefined:") {
			return false, engine.NewConfigError("guard references undefined variable", err).
				WithCode(engine.ErrCodeUndefinedVariable)
		}
		return false, engine.NewConfigError("guard evaluation failed", err).
			WithCode(engine.ErrCodeGuardSyntax)
	}
	return bool(v.Truth()), nil
}

// toStarlarkValue converts a Go value from YAML or the fact set into a
// Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
