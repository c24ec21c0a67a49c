package luaengine

import (
	"bytes"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

// Compiles reports whether src parses on its own, either as a chunk or as
// an expression.
func (e *Engine) Compiles(ptr embedruntime.ContextPtr, src string) (bool, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "compiles")
	if err != nil {
		return false, err
	}
	if _, err := c.L.LoadString(src); err == nil {
		return true, nil
	}
	if _, err := c.L.LoadString("return " + src); err == nil {
		return true, nil
	}
	return false, nil
}

// Eval runs one statement. An expression's values are printed like the Lua
// REPL does.
func (e *Engine) Eval(ptr embedruntime.ContextPtr, stmt string) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "eval")
	if err != nil {
		return err
	}
	return c.protect(func(L *lua.LState) error {
		fn, err := L.LoadString("return " + stmt)
		if err != nil {
			fn, err = L.LoadString(stmt)
			if err != nil {
				return err
			}
			L.Push(fn)
			return L.PCall(0, 0, nil)
		}

		base := L.GetTop()
		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			return err
		}
		if n := L.GetTop() - base; n > 0 {
			var b bytes.Buffer
			for i := 1; i <= n; i++ {
				if i > 1 {
					b.WriteByte('\t')
				}
				b.WriteString(L.ToStringMeta(L.Get(base + i)).String())
			}
			b.WriteByte('\n')
			_, _ = c.out().Write(b.Bytes())
		}
		return nil
	})
}

func (e *Engine) Exec(ptr embedruntime.ContextPtr, code string) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "exec")
	if err != nil {
		return err
	}
	return c.protect(func(L *lua.LState) error {
		fn, err := L.LoadString(code)
		if err != nil {
			return err
		}
		L.Push(fn)
		return L.PCall(0, 0, nil)
	})
}

func (e *Engine) RunScript(ptr embedruntime.ContextPtr, path string) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "run-script")
	if err != nil {
		return err
	}
	return c.protect(func(L *lua.LState) error {
		fn, err := L.LoadFile(path)
		if err != nil {
			return err
		}
		L.Push(fn)
		return L.PCall(0, 0, nil)
	})
}

// Invoke calls the function bound to name, which may be a dotted path.
func (e *Engine) Invoke(ptr embedruntime.ContextPtr, name string, args []any, kwargs map[string]any) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "invoke")
	if err != nil {
		return nil, err
	}

	var result any
	err = c.run(func(L *lua.LState) error {
		fn := c.lookup(name)
		if fn == lua.LNil {
			return errors.NotFound(errors.PhaseEngine, "function", name)
		}
		if !callable(L, fn) {
			return errors.TypeMismatch(errors.PhaseEngine, fn.Type().String(), name+" is not callable")
		}
		var err error
		result, err = e.call(c, fn, args, kwargs)
		return err
	})
	return result, err
}

// GetValue evaluates expr and returns its first value.
func (e *Engine) GetValue(ptr embedruntime.ContextPtr, expr string) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "get-value")
	if err != nil {
		return nil, err
	}

	var result any
	err = c.protect(func(L *lua.LState) error {
		fn, err := L.LoadString("return " + expr)
		if err != nil {
			return err
		}
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return err
		}
		result = fromLua(c, L.Get(-1))
		return nil
	})
	return result, err
}

// SetValue assigns v to name. A dotted name assigns a field of an existing
// table.
func (e *Engine) SetValue(ptr embedruntime.ContextPtr, name string, v any) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "set-value")
	if err != nil {
		return err
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseEngine, "name cannot be empty")
	}

	return c.run(func(L *lua.LState) error {
		lv, err := e.toLua(c, L, v)
		if err != nil {
			return err
		}
		var parent lua.LValue = c.env
		field := name
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			parent = c.lookup(name[:i])
			field = name[i+1:]
			if parent == lua.LNil {
				return errors.NotFound(errors.PhaseEngine, "table", name[:i])
			}
		}
		L.SetField(parent, field, lv)
		return nil
	})
}

// CreateModule creates an empty module table and registers it in
// package.loaded so require finds it.
func (e *Engine) CreateModule(ptr embedruntime.ContextPtr, name string) (embedruntime.Object, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "create-module")
	if err != nil {
		return embedruntime.Object{}, err
	}
	if name == "" {
		return embedruntime.Object{}, errors.InvalidInput(errors.PhaseEngine, "module name cannot be empty")
	}

	mod := c.L.NewTable()
	if loaded := loadedOf(c.L); loaded != nil {
		loaded.RawSetString(name, mod)
	}
	obj, _ := fromLua(c, mod).(embedruntime.Object)
	return obj, nil
}

func (e *Engine) GetAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, lv, err := e.object(ptr, obj, "get-attr")
	if err != nil {
		return nil, err
	}

	var result any
	err = c.run(func(L *lua.LState) error {
		result = fromLua(c, L.GetField(lv, name))
		return nil
	})
	return result, err
}

func (e *Engine) SetAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string, v any) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, lv, err := e.object(ptr, obj, "set-attr")
	if err != nil {
		return err
	}
	return c.run(func(L *lua.LState) error {
		val, err := e.toLua(c, L, v)
		if err != nil {
			return err
		}
		L.SetField(lv, name, val)
		return nil
	})
}

func (e *Engine) DelAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, lv, err := e.object(ptr, obj, "del-attr")
	if err != nil {
		return err
	}
	return c.run(func(L *lua.LState) error {
		if L.GetField(lv, name) == lua.LNil {
			return errors.NotFound(errors.PhaseEngine, "attribute", name)
		}
		L.SetField(lv, name, lua.LNil)
		return nil
	})
}

func (e *Engine) Call(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, args []any, kwargs map[string]any) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, lv, err := e.object(ptr, obj, "call")
	if err != nil {
		return nil, err
	}
	if !callable(c.L, lv) {
		return nil, errors.TypeMismatch(errors.PhaseEngine, lv.Type().String(), "object is not callable")
	}

	var result any
	err = c.run(func(L *lua.LState) error {
		var err error
		result, err = e.call(c, lv, args, kwargs)
		return err
	})
	return result, err
}

func (e *Engine) Incref(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "incref")
	if err != nil {
		return err
	}
	if !c.refs.Incref(uintptr(obj)) {
		return errors.NotFound(errors.PhaseEngine, "object", ptrString(obj))
	}
	return nil
}

func (e *Engine) Decref(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "decref")
	if err != nil {
		return err
	}
	if !c.refs.Decref(uintptr(obj)) {
		return errors.NotFound(errors.PhaseEngine, "object", ptrString(obj))
	}
	return nil
}

// RefCount returns the number of references the host holds on obj.
func (e *Engine) RefCount(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr) int {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, ok := e.contexts[ptr]
	if !ok {
		return 0
	}
	return c.refs.Count(uintptr(obj))
}

// LiveObjects returns the number of distinct objects the host references in
// ctx.
func (e *Engine) LiveObjects(ptr embedruntime.ContextPtr) int {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, ok := e.contexts[ptr]
	if !ok {
		return 0
	}
	return c.refs.Live()
}

// call invokes fn inside a protected frame. The caller holds the gil and
// runs on c.L.
func (e *Engine) call(c *luaContext, fn lua.LValue, args []any, kwargs map[string]any) (any, error) {
	L := c.L
	base := L.GetTop()
	L.Push(fn)
	n := len(args)
	for _, a := range args {
		lv, err := e.toLua(c, L, a)
		if err != nil {
			return nil, err
		}
		L.Push(lv)
	}
	if len(kwargs) > 0 {
		kw, err := e.toLua(c, L, kwargs)
		if err != nil {
			return nil, err
		}
		L.Push(kw)
		n++
	}
	if err := L.PCall(n, lua.MultRet, nil); err != nil {
		return nil, err
	}

	nret := L.GetTop() - base
	switch nret {
	case 0:
		return nil, nil
	case 1:
		return fromLua(c, L.Get(-1)), nil
	}
	out := make([]any, nret)
	for i := 0; i < nret; i++ {
		out[i] = fromLua(c, L.Get(base+1+i))
	}
	return out, nil
}

func (e *Engine) object(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, op string) (*luaContext, lua.LValue, error) {
	c, err := e.context(ptr, op)
	if err != nil {
		return nil, nil, err
	}
	lv, ok := c.refs.Get(uintptr(obj))
	if !ok {
		return nil, nil, errors.NotFound(errors.PhaseEngine, "object", ptrString(obj))
	}
	return c, lv, nil
}

// run executes fn inside a protected Lua frame so metamethod errors are
// caught.
func (c *luaContext) run(fn func(L *lua.LState) error) error {
	var inner error
	return c.protect(func(L *lua.LState) error {
		L.Push(L.NewFunction(func(L *lua.LState) int {
			inner = fn(L)
			return 0
		}))
		if err := L.PCall(0, 0, nil); err != nil {
			return err
		}
		return inner
	})
}

// lookup resolves a dotted name from the context's environment. It may
// raise a Lua error and must run inside a protected frame.
func (c *luaContext) lookup(name string) lua.LValue {
	var cur lua.LValue = c.env
	for _, part := range strings.Split(name, ".") {
		if cur == lua.LNil {
			return lua.LNil
		}
		cur = c.L.GetField(cur, part)
	}
	return cur
}

func ptrString(p embedruntime.ObjectPtr) string {
	return strconv.FormatUint(uint64(p), 10)
}
