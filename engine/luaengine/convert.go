package luaengine

import (
	"math"
	"reflect"

	lua "github.com/yuin/gopher-lua"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/host"
)

const hostErrorType = "embedruntime.host_error"

// maxTableDepth bounds table conversion for host arguments.
const maxTableDepth = 64

// hostError carries a Go error through Lua as a userdata value.
type hostError struct {
	err error
}

func registerHostErrorType(L *lua.LState) {
	mt := L.NewTypeMetatable(hostErrorType)
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if he, ok := ud.Value.(*hostError); ok {
			L.Push(lua.LString(he.err.Error()))
		} else {
			L.Push(lua.LString("host error"))
		}
		return 1
	}))
}

func raiseHostError(L *lua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = &hostError{err: err}
	ud.Metatable = L.GetTypeMetatable(hostErrorType)
	L.Error(ud, 1)
}

// toLua converts a host value. c may be nil when no context owns L, in
// which case Object values are rejected.
func (e *Engine) toLua(c *luaContext, L *lua.LState, v any) (lua.LValue, error) {
	switch v := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return v, nil
	case bool:
		return lua.LBool(v), nil
	case string:
		return lua.LString(v), nil
	case []byte:
		return lua.LString(v), nil
	case int:
		return lua.LNumber(v), nil
	case int8:
		return lua.LNumber(v), nil
	case int16:
		return lua.LNumber(v), nil
	case int32:
		return lua.LNumber(v), nil
	case int64:
		return lua.LNumber(v), nil
	case uint:
		return lua.LNumber(v), nil
	case uint8:
		return lua.LNumber(v), nil
	case uint16:
		return lua.LNumber(v), nil
	case uint32:
		return lua.LNumber(v), nil
	case uint64:
		return lua.LNumber(v), nil
	case float32:
		return lua.LNumber(v), nil
	case float64:
		return lua.LNumber(v), nil
	case error:
		return lua.LString(v.Error()), nil
	case embedruntime.Object:
		if c == nil {
			return nil, errors.InvalidInput(errors.PhaseEngine, "engine object used outside its context")
		}
		lv, ok := c.refs.Get(uintptr(v.Ptr))
		if !ok {
			return nil, errors.NotFound(errors.PhaseEngine, "object", ptrString(v.Ptr))
		}
		return lv, nil
	case []any:
		t := L.CreateTable(len(v), 0)
		for _, item := range v {
			lv, err := e.toLua(c, L, item)
			if err != nil {
				return nil, err
			}
			t.Append(lv)
		}
		return t, nil
	case map[string]any:
		t := L.CreateTable(0, len(v))
		for k, item := range v {
			lv, err := e.toLua(c, L, item)
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return e.hostFunction(L, v), nil
	case reflect.Slice, reflect.Array:
		t := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			lv, err := e.toLua(c, L, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			t.Append(lv)
		}
		return t, nil
	case reflect.Map:
		t := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := e.toLua(c, L, iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			val, err := e.toLua(c, L, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			t.RawSet(k, val)
		}
		return t, nil
	case reflect.String:
		return lua.LString(rv.String()), nil
	case reflect.Bool:
		return lua.LBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float()), nil
	}

	return nil, errors.TypeMismatch(errors.PhaseEngine, rv.Type().String(), "no Lua representation")
}

// fromLua converts a Lua value for the host. Reference values become
// Objects holding a new reference in c.
func fromLua(c *luaContext, lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return number(v)
	case lua.LString:
		return string(v)
	}
	return embedruntime.Object{
		Type:     lv.Type().String(),
		Ptr:      embedruntime.ObjectPtr(c.refs.Add(lv)),
		Callable: callable(c.L, lv),
	}
}

// hostArg converts a Lua value passed to a Go host function. Tables are
// copied into []any or map[string]any and functions become Go closures.
func (e *Engine) hostArg(L *lua.LState, lv lua.LValue, depth int) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return number(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if depth >= maxTableDepth {
			return nil
		}
		return e.tableToGo(L, v, depth+1)
	case *lua.LFunction:
		return e.luaCallback(L, v)
	case *lua.LUserData:
		if he, ok := v.Value.(*hostError); ok {
			return he.err
		}
		return v.Value
	}
	return lv.String()
}

func (e *Engine) tableToGo(L *lua.LState, t *lua.LTable, depth int) any {
	n := t.Len()
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		if num, ok := k.(lua.LNumber); !ok || float64(num) != math.Trunc(float64(num)) || int(num) < 1 || int(num) > n {
			isArray = false
		}
	})

	if isArray && n > 0 {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = e.hostArg(L, t.RawGetInt(i), depth)
		}
		return arr
	}

	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		m[lua.LVAsString(L.ToStringMeta(k))] = e.hostArg(L, v, depth)
	})
	return m
}

// luaCallback wraps fn as a Go function. It must be called from the
// goroutine that owns L.
func (e *Engine) luaCallback(L *lua.LState, fn *lua.LFunction) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		e.gil.Lock()
		defer e.gil.Unlock()

		c := e.byState[L]
		top := L.GetTop()
		defer L.SetTop(top)

		L.Push(fn)
		for _, a := range args {
			lv, err := e.toLua(c, L, a)
			if err != nil {
				return nil, err
			}
			L.Push(lv)
		}
		if err := L.PCall(len(args), 1, nil); err != nil {
			return nil, convertError(err)
		}
		return e.hostArg(L, L.Get(-1), 0), nil
	}
}

// hostFunction wraps a Go function for Lua. The gil is released while fn
// runs.
func (e *Engine) hostFunction(L *lua.LState, fn any) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		args := make([]any, n)
		for i := 1; i <= n; i++ {
			args[i-1] = e.hostArg(L, L.Get(i), 0)
		}

		var res any
		err := e.withoutGIL(func() error {
			var err error
			res, err = host.Invoke(fn, args)
			return err
		})
		if err != nil {
			raiseHostError(L, err)
			return 0
		}

		lv, err := e.toLua(e.byState[L], L, res)
		if err != nil {
			raiseHostError(L, err)
			return 0
		}
		L.Push(lv)
		return 1
	})
}

func number(n lua.LNumber) any {
	f := float64(n)
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func callable(L *lua.LState, lv lua.LValue) bool {
	if _, ok := lv.(*lua.LFunction); ok {
		return true
	}
	return L.GetMetaField(lv, "__call") != lua.LNil
}
