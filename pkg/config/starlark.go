package config

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark manifests. A script declares its
// resources by assigning a list to the global "resources", and may assign a
// dict to "variables".
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes script and returns its exported globals. Names starting
// with an underscore are not exported.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, script string) (map[string]any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", name).Msg(msg)
		},
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-stop:
		}
	}()

	predeclared := starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"resource": starlark.NewBuiltin("resource", builtinResource),
	}

	globals, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		if ctxErr := evalCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("starlark execution interrupted after %v: %w", se.timeout, ctxErr)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]any)
	for key, val := range globals {
		if key == "" || key[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", key, err)
		}
		output[key] = goVal
	}
	return output, nil
}

func (l *Loader) decodeStarlark(ctx context.Context, name string, data []byte) (*Manifest, error) {
	globals, err := l.starlark.Evaluate(ctx, name, string(data))
	if err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}

	out := map[string]any{"resources": []any{}}
	for _, key := range []string{"name", "variables", "resources"} {
		if v, ok := globals[key]; ok {
			out[key] = v
		}
	}
	return decodeGeneric(name, out)
}

// builtinResource implements resource(kind, name, action="", **attributes),
// returning a dict in manifest shape.
func builtinResource(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind, name, action string
	var fixed, attrs []starlark.Tuple
	for _, kv := range kwargs {
		switch string(kv[0].(starlark.String)) {
		case "kind", "name", "action":
			fixed = append(fixed, kv)
		default:
			attrs = append(attrs, kv)
		}
	}
	if err := starlark.UnpackArgs(b.Name(), args, fixed, "kind", &kind, "name", &name, "action?", &action); err != nil {
		return nil, err
	}

	attributes := starlark.NewDict(len(attrs))
	for _, kv := range attrs {
		if err := attributes.SetKey(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}

	res := starlark.NewDict(4)
	if err := res.SetKey(starlark.String("kind"), starlark.String(kind)); err != nil {
		return nil, err
	}
	if err := res.SetKey(starlark.String("name"), starlark.String(name)); err != nil {
		return nil, err
	}
	if action != "" {
		if err := res.SetKey(starlark.String("action"), starlark.String(action)); err != nil {
			return nil, err
		}
	}
	if attributes.Len() > 0 {
		if err := res.SetKey(starlark.String("attributes"), attributes); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
