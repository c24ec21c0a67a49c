package interp

import (
	"reflect"

	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/host"
)

// wrap turns engine objects in v into tracked handles. Containers are
// walked; if one element fails, the handles made so far are released and
// the references of the elements not reached yet are dropped.
func (ip *Interpreter) wrap(v any) (any, error) {
	switch v := v.(type) {
	case embedruntime.Object:
		return ip.track(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			w, err := ip.wrap(item)
			if err != nil {
				release(out[:i])
				ip.drop(v[i+1:]...)
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			w, err := ip.wrap(item)
			if err != nil {
				for _, done := range out {
					release([]any{done})
				}
				for rk, rest := range v {
					if _, ok := out[rk]; !ok && rk != k {
						ip.drop(rest)
					}
				}
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	}
	return v, nil
}

// drop releases the references carried by engine objects in vals that
// were never wrapped.
func (ip *Interpreter) drop(vals ...any) {
	for _, v := range vals {
		switch v := v.(type) {
		case embedruntime.Object:
			if err := ip.engine.Decref(ip.ctx, v.Ptr); err != nil {
				Logger().Warn("dropping unwrapped object", zap.Error(err))
			}
		case []any:
			ip.drop(v...)
		case map[string]any:
			for _, item := range v {
				ip.drop(item)
			}
		}
	}
}

func release(vals []any) {
	for _, v := range vals {
		switch v := v.(type) {
		case *Handle:
			_ = v.Close()
		case []any:
			release(v)
		case map[string]any:
			for _, item := range v {
				release([]any{item})
			}
		}
	}
}

// unwrap replaces handles in v with the engine objects they reference.
func (ip *Interpreter) unwrap(v any) (any, error) {
	switch v := v.(type) {
	case *Handle:
		if v.ip != ip {
			return nil, errors.InvalidInput(errors.PhaseRuntime, "handle belongs to another interpreter")
		}
		if v.Closed() {
			return nil, errors.InvalidState(errors.PhaseRuntime, "", "handle has been closed")
		}
		return v.object(), nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			u, err := ip.unwrap(item)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			u, err := ip.unwrap(item)
			if err != nil {
				return nil, err
			}
			out[k] = u
		}
		return out, nil
	}
	return v, nil
}

func (ip *Interpreter) unwrapArgs(args []any, kwargs map[string]any) ([]any, map[string]any, error) {
	in := make([]any, len(args))
	for i, a := range args {
		u, err := ip.unwrap(a)
		if err != nil {
			return nil, nil, err
		}
		in[i] = u
	}
	if kwargs == nil {
		return in, nil, nil
	}
	kw, err := ip.unwrap(kwargs)
	if err != nil {
		return nil, nil, err
	}
	return in, kw.(map[string]any), nil
}

// ValueAs evaluates expr and converts the result to T. Numbers convert
// between kinds when the value fits.
func ValueAs[T any](ip *Interpreter, expr string) (T, error) {
	var zero T
	v, err := ip.GetValue(expr)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}

	target := reflect.TypeOf((*T)(nil)).Elem()
	rv, err := host.Convert(v, target)
	if err != nil {
		release([]any{v})
		return zero, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Op("get-value").
			GoType(target.String()).
			Value(v).
			Cause(err).
			Detail("%s is %T", expr, v).
			Build()
	}
	return rv.Interface().(T), nil
}
