package wasmengine

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero/api"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

const wasmMagic = "\x00asm"

// Compiles reports whether src is a module binary or parses as complete
// statements.
func (e *Engine) Compiles(ptr embedruntime.ContextPtr, src string) (bool, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	if _, err := e.context(ptr, "compiles"); err != nil {
		return false, err
	}
	if strings.HasPrefix(src, wasmMagic) {
		return true, nil
	}
	_, err := parseStatements(src)
	return err == nil, nil
}

// Eval runs statements and prints the value of each expression statement.
// A module binary is instantiated anonymously.
func (e *Engine) Eval(ptr embedruntime.ContextPtr, stmt string) error {
	return e.run(ptr, "eval", stmt, true)
}

func (e *Engine) Exec(ptr embedruntime.ContextPtr, code string) error {
	return e.run(ptr, "exec", code, false)
}

func (e *Engine) run(ptr embedruntime.ContextPtr, op, src string, echo bool) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, op)
	if err != nil {
		return err
	}
	if strings.HasPrefix(src, wasmMagic) {
		_, err := e.instantiate(c, "", []byte(src))
		return err
	}
	stmts, err := parseStatements(src)
	if err != nil {
		return syntaxFailure(err)
	}
	return e.exec(c, stmts, echo)
}

// RunScript instantiates a module binary, named after the file, or runs a
// file of statements.
func (e *Engine) RunScript(ptr embedruntime.ContextPtr, path string) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "run-script")
	if err != nil {
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return errors.EngineFailure(typeFile, err.Error(), nil)
	}
	if strings.HasPrefix(string(src), wasmMagic) {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		_, err := e.instantiate(c, name, src)
		return err
	}
	stmts, err := parseStatements(string(src))
	if err != nil {
		return syntaxFailure(err)
	}
	return e.exec(c, stmts, false)
}

// Invoke calls the exported function named by a dotted path.
func (e *Engine) Invoke(ptr embedruntime.ContextPtr, name string, args []any, kwargs map[string]any) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "invoke")
	if err != nil {
		return nil, err
	}
	if len(kwargs) > 0 {
		return nil, errors.Unsupported(errors.PhaseEngine, "keyword arguments")
	}

	target, err := c.resolve(path{parts: strings.Split(name, ".")})
	if err != nil {
		return nil, err
	}
	fn, ok := target.(*object)
	if !ok || fn.kind != kindFunction {
		return nil, errors.TypeMismatch(errors.PhaseEngine, fmt.Sprintf("%T", target), name+" is not callable")
	}
	in, err := c.internalArgs(args)
	if err != nil {
		return nil, err
	}
	res, err := e.call(fn, in)
	if err != nil {
		return nil, err
	}
	return c.toHost(res), nil
}

// GetValue evaluates one expression.
func (e *Engine) GetValue(ptr embedruntime.ContextPtr, src string) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "get-value")
	if err != nil {
		return nil, err
	}
	x, err := parseExpr(src)
	if err != nil {
		return nil, syntaxFailure(err)
	}
	v, err := e.eval(c, x)
	if err != nil {
		return nil, err
	}
	return c.toHost(v), nil
}

// SetValue binds a context variable, or sets a mutable global when name is
// module.global.
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
	in, err := c.toInternal(v)
	if err != nil {
		return err
	}
	return e.assign(c, name, in)
}

// CreateModule instantiates an empty host module so other modules and
// statements can refer to it by name.
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
	if c.space.module(name) != nil {
		return embedruntime.Object{}, errors.InvalidInput(errors.PhaseEngine, fmt.Sprintf("module %q already exists", name))
	}
	m, err := c.space.rt.NewHostModuleBuilder(name).Instantiate(e.ctx)
	if err != nil {
		return embedruntime.Object{}, convertError(typeLink, err)
	}
	e.trackHost(c.space, m, nil)
	obj, _ := c.toHost(moduleObject(m)).(embedruntime.Object)
	return obj, nil
}

func (e *Engine) GetAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, o, err := e.object(ptr, obj, "get-attr")
	if err != nil {
		return nil, err
	}

	switch o.kind {
	case kindModule:
		v, err := member(o, name)
		if err != nil {
			return nil, err
		}
		return c.toHost(v), nil
	case kindMemory:
		switch name {
		case "size":
			return int64(o.mem.Size()), nil
		case "pages":
			return int64(o.mem.Size() / 65536), nil
		}
	case kindFunction:
		def, ok := o.definition()
		if !ok {
			return nil, errors.NotFound(errors.PhaseEngine, "function", o.name)
		}
		switch name {
		case "name":
			return o.name, nil
		case "arity":
			return int64(len(def.ParamTypes())), nil
		}
	}
	return nil, errors.NotFound(errors.PhaseEngine, "attribute", name)
}

// SetAttr sets a mutable global of a module object.
func (e *Engine) SetAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string, v any) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, o, err := e.object(ptr, obj, "set-attr")
	if err != nil {
		return err
	}
	if o.kind != kindModule {
		return errors.Unsupported(errors.PhaseEngine, "set-attr on "+o.kind)
	}
	in, err := c.toInternal(v)
	if err != nil {
		return err
	}
	return setGlobal(o, name, in)
}

// DelAttr is not supported: wasm exports are fixed at instantiation.
func (e *Engine) DelAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, _ string) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	if _, _, err := e.object(ptr, obj, "del-attr"); err != nil {
		return err
	}
	return errors.Unsupported(errors.PhaseEngine, "del-attr")
}

func (e *Engine) Call(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, args []any, kwargs map[string]any) (any, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, o, err := e.object(ptr, obj, "call")
	if err != nil {
		return nil, err
	}
	if len(kwargs) > 0 {
		return nil, errors.Unsupported(errors.PhaseEngine, "keyword arguments")
	}
	if o.kind != kindFunction {
		return nil, errors.TypeMismatch(errors.PhaseEngine, o.kind, "object is not callable")
	}
	in, err := c.internalArgs(args)
	if err != nil {
		return nil, err
	}
	res, err := e.call(o, in)
	if err != nil {
		return nil, err
	}
	return c.toHost(res), nil
}

func (e *Engine) Incref(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "incref")
	if err != nil {
		return err
	}
	if !c.refs.Incref(uintptr(obj)) {
		return errors.NotFound(errors.PhaseEngine, "object", fmt.Sprint(uint64(obj)))
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
		return errors.NotFound(errors.PhaseEngine, "object", fmt.Sprint(uint64(obj)))
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

// LiveObjects returns the number of distinct objects the host references
// in ctx.
func (e *Engine) LiveObjects(ptr embedruntime.ContextPtr) int {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, ok := e.contexts[ptr]
	if !ok {
		return 0
	}
	return c.refs.Live()
}

func (e *Engine) object(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, op string) (*wasmContext, *object, error) {
	c, err := e.context(ptr, op)
	if err != nil {
		return nil, nil, err
	}
	o, ok := c.refs.Get(uintptr(obj))
	if !ok {
		return nil, nil, errors.NotFound(errors.PhaseEngine, "object", fmt.Sprint(uint64(obj)))
	}
	return c, o, nil
}

func (e *Engine) exec(c *wasmContext, stmts []statement, echo bool) error {
	for _, st := range stmts {
		v, err := e.eval(c, st.x)
		if err != nil {
			return err
		}
		if st.assign != "" {
			if err := e.assign(c, st.assign, v); err != nil {
				return err
			}
			continue
		}
		if echo && v != nil {
			if _, err := fmt.Fprintln(c.out(), format(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) eval(c *wasmContext, x expr) (any, error) {
	switch x := x.(type) {
	case literal:
		return x.v, nil
	case path:
		return c.resolve(x)
	case call:
		if x.fn.String() == "require" {
			if _, shadowed := c.vars["require"]; !shadowed {
				return e.requireCall(c, x.args)
			}
		}
		target, err := c.resolve(x.fn)
		if err != nil {
			return nil, err
		}
		fn, ok := target.(*object)
		if !ok || fn.kind != kindFunction {
			return nil, errors.TypeMismatch(errors.PhaseEngine, fmt.Sprintf("%T", target), x.fn.String()+" is not callable")
		}
		args := make([]any, len(x.args))
		for i, a := range x.args {
			if args[i], err = e.eval(c, a); err != nil {
				return nil, err
			}
		}
		return e.call(fn, args)
	}
	return nil, errors.InvalidInput(errors.PhaseEngine, fmt.Sprintf("unexpected expression %T", x))
}

func (e *Engine) requireCall(c *wasmContext, args []expr) (any, error) {
	if len(args) != 1 {
		return nil, errors.InvalidInput(errors.PhaseEngine, "require takes one module name")
	}
	lit, ok := args[0].(literal)
	name, isString := lit.v.(string)
	if !ok || !isString {
		return nil, errors.InvalidInput(errors.PhaseEngine, "require takes a string module name")
	}
	m, err := e.require(c, name)
	if err != nil {
		return nil, err
	}
	return moduleObject(m), nil
}

// call invokes fn with engine values. Several results come back as []any.
// Functions of host modules run their Go function directly.
func (e *Engine) call(fn *object, args []any) (any, error) {
	def, ok := fn.definition()
	if !ok {
		return nil, errors.NotFound(errors.PhaseEngine, "function", fn.name)
	}
	params := def.ParamTypes()
	results := def.ResultTypes()
	if len(args) != len(params) {
		return nil, errors.InvalidInput(errors.PhaseEngine,
			fmt.Sprintf("%s expects %d arguments, got %d", fn.name, len(params), len(args)))
	}

	stack := make([]uint64, max(len(params), len(results)))
	for i, t := range params {
		v, err := encode(args[i], t)
		if err != nil {
			return nil, err
		}
		stack[i] = v
	}

	var res []uint64
	if funcs, ok := e.hosts[fn.mod]; ok {
		hf, ok := funcs[fn.export]
		if !ok {
			return nil, errors.NotFound(errors.PhaseEngine, "function", fn.name)
		}
		if err := e.invokeHost(hf, stack); err != nil {
			return nil, errors.EngineFailure(typeHost, err.Error(), err)
		}
		res = stack[:len(results)]
	} else {
		// wazero functions keep per-call state, so each call gets its own.
		e.hostErr = nil
		var err error
		res, err = fn.mod.ExportedFunction(fn.export).Call(e.ctx, stack[:len(params)]...)
		if err != nil {
			return nil, e.failure(typeTrap, err)
		}
	}

	switch len(res) {
	case 0:
		return nil, nil
	case 1:
		return decode(res[0], results[0]), nil
	}
	out := make([]any, len(res))
	for i, r := range res {
		out[i] = decode(r, results[i])
	}
	return out, nil
}

func (e *Engine) assign(c *wasmContext, name string, v any) error {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		c.vars[name] = v
		return nil
	}
	o, ok := c.module(name[:i])
	if !ok {
		return errors.NotFound(errors.PhaseEngine, "module", name[:i])
	}
	return setGlobal(o, name[i+1:], v)
}

func setGlobal(o *object, name string, v any) error {
	g := o.mod.ExportedGlobal(name)
	if g == nil {
		return errors.NotFound(errors.PhaseEngine, "global", o.name+"."+name)
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return errors.InvalidInput(errors.PhaseEngine, fmt.Sprintf("global %s.%s is immutable", o.name, name))
	}
	enc, err := encode(v, g.Type())
	if err != nil {
		return err
	}
	mg.Set(enc)
	return nil
}

func (c *wasmContext) internalArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := c.toInternal(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func syntaxFailure(err error) error {
	var se *syntaxError
	if stderrors.As(err, &se) {
		e := errors.EngineFailure(typeSyntax, se.Error(), nil)
		e.Value = se.incomplete
		return e
	}
	return err
}
