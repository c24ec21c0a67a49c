package wasmengine

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/host"
)

// Object kinds handed to the host.
const (
	kindModule   = "module"
	kindFunction = "function"
	kindMemory   = "memory"
)

// object is an engine value with identity.
type object struct {
	mod  api.Module
	mem  api.Memory
	kind string
	name string
	// export is the export name of a function within mod.
	export string
}

func (o *object) String() string {
	return "<" + o.kind + " " + o.name + ">"
}

// definition describes the exported function o.
func (o *object) definition() (api.FunctionDefinition, bool) {
	def, ok := o.mod.ExportedFunctionDefinitions()[o.export]
	return def, ok
}

func moduleObject(m api.Module) *object {
	return &object{kind: kindModule, name: m.Name(), mod: m}
}

var (
	int32Type   = reflect.TypeOf(int32(0))
	uint32Type  = reflect.TypeOf(uint32(0))
	int64Type   = reflect.TypeOf(int64(0))
	uint64Type  = reflect.TypeOf(uint64(0))
	float32Type = reflect.TypeOf(float32(0))
	float64Type = reflect.TypeOf(float64(0))
)

// encode converts a host number to the wasm representation of t. Integers
// must fit the signed or unsigned range of the type.
func encode(v any, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		if rv, err := host.Convert(v, int32Type); err == nil {
			return api.EncodeI32(int32(rv.Int())), nil
		}
		rv, err := host.Convert(v, uint32Type)
		if err != nil {
			return 0, mismatch(v, t, err)
		}
		return api.EncodeU32(uint32(rv.Uint())), nil
	case api.ValueTypeI64:
		if rv, err := host.Convert(v, int64Type); err == nil {
			return api.EncodeI64(rv.Int()), nil
		}
		rv, err := host.Convert(v, uint64Type)
		if err != nil {
			return 0, mismatch(v, t, err)
		}
		return rv.Uint(), nil
	case api.ValueTypeF32:
		rv, err := host.Convert(v, float32Type)
		if err != nil {
			if f, ok := v.(float64); ok {
				return api.EncodeF32(float32(f)), nil
			}
			return 0, mismatch(v, t, err)
		}
		return api.EncodeF32(float32(rv.Float())), nil
	case api.ValueTypeF64:
		rv, err := host.Convert(v, float64Type)
		if err != nil {
			return 0, mismatch(v, t, err)
		}
		return api.EncodeF64(rv.Float()), nil
	}

	rv, err := host.Convert(v, uint64Type)
	if err != nil {
		return 0, mismatch(v, t, err)
	}
	return rv.Uint(), nil
}

func decode(v uint64, t api.ValueType) any {
	switch t {
	case api.ValueTypeI32:
		return api.DecodeI32(v)
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return api.DecodeF32(v)
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return v
}

func mismatch(v any, t api.ValueType, cause error) error {
	e := errors.TypeMismatch(errors.PhaseEngine, fmt.Sprintf("%T", v), "cannot pass as "+api.ValueTypeName(t))
	e.Cause = cause
	return e
}

// valueType maps a Go parameter type of a host function to a wasm type.
func valueType(t reflect.Type) (api.ValueType, bool) {
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return api.ValueTypeI32, true
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return api.ValueTypeI64, true
	case reflect.Float32:
		return api.ValueTypeF32, true
	case reflect.Float64:
		return api.ValueTypeF64, true
	}
	return 0, false
}

// signature derives the wasm signature of a Go host function. A trailing
// error result is not part of it.
func signature(ft reflect.Type) (params, results []api.ValueType, ok bool) {
	if ft.IsVariadic() {
		return nil, nil, false
	}
	for i := 0; i < ft.NumIn(); i++ {
		vt, ok := valueType(ft.In(i))
		if !ok {
			return nil, nil, false
		}
		params = append(params, vt)
	}
	n := ft.NumOut()
	if n > 0 && ft.Out(n-1) == errorType {
		n--
	}
	for i := 0; i < n; i++ {
		vt, ok := valueType(ft.Out(i))
		if !ok {
			return nil, nil, false
		}
		results = append(results, vt)
	}
	return params, results, true
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// toInternal resolves host Objects to engine objects. Other values pass
// through.
func (c *wasmContext) toInternal(v any) (any, error) {
	o, ok := v.(embedruntime.Object)
	if !ok {
		return v, nil
	}
	obj, ok := c.refs.Get(uintptr(o.Ptr))
	if !ok {
		return nil, errors.NotFound(errors.PhaseEngine, "object", strconv.FormatUint(uint64(o.Ptr), 10))
	}
	return obj, nil
}

// toHost converts an engine value for the host. Objects get a new
// reference in c.
func (c *wasmContext) toHost(v any) any {
	switch v := v.(type) {
	case *object:
		return embedruntime.Object{
			Type:     v.kind,
			Ptr:      embedruntime.ObjectPtr(c.refs.Add(v)),
			Callable: v.kind == kindFunction,
		}
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = c.toHost(item)
		}
		return out
	}
	return v
}

func format(v any) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = format(item)
		}
		return strings.Join(parts, "\t")
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return fmt.Sprint(v)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	}
	return fmt.Sprint(v)
}
