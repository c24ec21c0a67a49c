package host

import (
	"fmt"
	"reflect"

	"github.com/wippyai/embed-runtime/errors"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Invoke calls fn with engine values. Arguments are converted to the
// parameter types; numbers convert between kinds when the value fits.
//
// Results map as follows: none gives nil, one gives that value, a trailing
// error result becomes the returned error, and several values come back as
// []any. A panic inside fn is returned as an error.
func Invoke(fn any, args []any) (result any, err error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, errors.TypeMismatch(errors.PhaseHost, typeName(fn), "value is not callable")
	}
	ft := rv.Type()

	in, err := convertArgs(ft, args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("host function panicked: %v", p)
		}
	}()

	out := rv.Call(in)
	return collectResults(ft, out)
}

// Arity returns the number of parameters fn takes and whether it is
// variadic. It returns -1 for non-functions.
func Arity(fn any) (int, bool) {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return -1, false
	}
	return t.NumIn(), t.IsVariadic()
}

func convertArgs(ft reflect.Type, args []any) ([]reflect.Value, error) {
	n := ft.NumIn()
	variadic := ft.IsVariadic()

	if variadic {
		if len(args) < n-1 {
			return nil, arityError(n-1, len(args), true)
		}
	} else if len(args) != n {
		return nil, arityError(n, len(args), false)
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if variadic && i >= n-1 {
			pt = ft.In(n - 1).Elem()
		} else {
			pt = ft.In(i)
		}
		v, err := Convert(a, pt)
		if err != nil {
			return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
				GoType(pt.String()).
				Value(a).
				Detail("argument %d: %v", i+1, err).
				Build()
		}
		in[i] = v
	}
	return in, nil
}

func collectResults(ft reflect.Type, out []reflect.Value) (any, error) {
	if len(out) > 0 && ft.Out(len(out)-1) == errorType {
		last := out[len(out)-1]
		out = out[:len(out)-1]
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	vals := make([]any, len(out))
	for i, o := range out {
		vals[i] = o.Interface()
	}
	return vals, nil
}

// Convert converts an engine value to t.
func Convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}

	switch {
	case isNumber(rv.Kind()) && isNumber(t.Kind()):
		return convertNumber(rv, t)
	case rv.Kind() == reflect.String && t.Kind() == reflect.String:
		return rv.Convert(t), nil
	case rv.Kind() == reflect.Slice && t.Kind() == reflect.Slice:
		out := reflect.MakeSlice(t, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := Convert(rv.Index(i).Interface(), t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out.Index(i).Set(elem)
		}
		return out, nil
	case rv.Kind() == reflect.Map && t.Kind() == reflect.Map:
		out := reflect.MakeMapWithSize(t, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := Convert(iter.Key().Interface(), t.Key())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
			}
			e, err := Convert(iter.Value().Interface(), t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("value %v: %w", iter.Key(), err)
			}
			out.SetMapIndex(k, e)
		}
		return out, nil
	}

	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", rv.Type(), t)
}

func convertNumber(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := rv.Convert(t)
	back := out.Convert(rv.Type())
	if !back.Equal(rv) {
		return reflect.Value{}, fmt.Errorf("%v does not fit in %s", rv.Interface(), t)
	}
	return out, nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func arityError(want, got int, atLeast bool) error {
	qual := ""
	if atLeast {
		qual = "at least "
	}
	return errors.New(errors.PhaseHost, errors.KindInvalidInput).
		Detail("expected %s%d arguments, got %d", qual, want, got).
		Build()
}
