// Package enginetest provides an in-memory embedruntime.Engine instrumented
// for tests: host reference counts, a call log carrying the OS thread of
// every call, artificial delays and init failure injection.
//
// Code is a line language just rich enough to drive an interpreter:
//
//	import name        load a module into the context's space
//	x = 5              bind an int, a quoted string, true/false or a path
//	a.b = 5            set an attribute of the object a
//	del x              drop a binding
//	fail message       raise an engine error of type "runtime"
//
// Lines that end with ':' or start with whitespace are block syntax and are
// accepted without effect, so incremental evaluation can be exercised.
package enginetest

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/host"
	"github.com/wippyai/embed-runtime/internal/osthread"
)

// Name is the engine identifier.
const Name = "test"

// Func is a callable module member. It runs with the engine lock released,
// like a host callback.
type Func func(args []any, kwargs map[string]any) (any, error)

// Options configures an Engine.
type Options struct {
	// InitErr makes every Initialize call fail with it.
	InitErr error

	// InitDelay and ImportDelay stretch Initialize and SharedImport.
	InitDelay   time.Duration
	ImportDelay time.Duration

	// Modules are importable modules keyed by name. Func members become
	// callable objects.
	Modules map[string]map[string]any
}

// Call is one entry of the call log.
type Call struct {
	Op     string
	Ctx    embedruntime.ContextPtr
	Arg    string
	Thread osthread.ID
}

// Engine is an instrumented embedruntime.Engine.
type Engine struct {
	opts Options

	// gil guards everything below.
	gil      sync.Mutex
	contexts map[embedruntime.ContextPtr]*fakeContext
	primary  *fakeContext
	shared   *space
	objects  map[embedruntime.ObjectPtr]*object
	nextCtx  embedruntime.ContextPtr
	nextObj  embedruntime.ObjectPtr

	mu        sync.Mutex
	calls     []Call
	initCalls int
	imports   map[string]int
	decrefs   map[embedruntime.ObjectPtr]int
}

var _ embedruntime.Engine = (*Engine)(nil)

type space struct {
	modules map[string]*object
	hook    embedruntime.Enquirer
}

type fakeContext struct {
	ptr      embedruntime.ContextPtr
	mode     embedruntime.Mode
	space    *space
	vars     map[string]any
	stdout   io.Writer
	shared   []string
	importer embedruntime.SharedImporter
	evals    []string
}

type object struct {
	ptr   embedruntime.ObjectPtr
	typ   string
	attrs map[string]any
	fn    Func
	refs  int
}

// New creates an engine.
func New(opts Options) *Engine {
	return &Engine{
		opts:     opts,
		contexts: make(map[embedruntime.ContextPtr]*fakeContext),
		objects:  make(map[embedruntime.ObjectPtr]*object),
		imports:  make(map[string]int),
		decrefs:  make(map[embedruntime.ObjectPtr]int),
	}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Initialize() (embedruntime.ContextPtr, error) {
	e.record("initialize", 0, "")
	e.mu.Lock()
	e.initCalls++
	e.mu.Unlock()

	if e.opts.InitDelay > 0 {
		time.Sleep(e.opts.InitDelay)
	}
	if e.opts.InitErr != nil {
		return 0, e.opts.InitErr
	}

	e.gil.Lock()
	defer e.gil.Unlock()
	if e.primary != nil {
		return 0, errors.InvalidState(errors.PhaseEngine, "initialize", "engine already initialized")
	}
	e.primary = e.register(newSpace(), embedruntime.ContextOptions{Mode: embedruntime.ModeMain})
	return e.primary.ptr, nil
}

func (e *Engine) SharedImport(primary embedruntime.ContextPtr, module string) error {
	e.record("shared-import", primary, module)
	e.mu.Lock()
	e.imports[module]++
	e.mu.Unlock()

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(primary, "shared-import")
	if err != nil {
		return err
	}
	if c != e.primary {
		return errors.InvalidInput(errors.PhaseImport, "shared imports run in the primary context only")
	}
	if e.opts.ImportDelay > 0 {
		time.Sleep(e.opts.ImportDelay)
	}
	_, err = e.require(c, module)
	return err
}

func (e *Engine) NewContext(opts embedruntime.ContextOptions) (embedruntime.ContextPtr, error) {
	e.record("new-context", 0, opts.Mode.String())

	e.gil.Lock()
	defer e.gil.Unlock()
	if e.primary == nil {
		return 0, errors.InvalidState(errors.PhaseEngine, "new-context", "engine not initialized")
	}

	var s *space
	switch opts.Mode {
	case embedruntime.ModeIsolated:
		s = newSpace()
	case embedruntime.ModeShared:
		if e.shared == nil {
			e.shared = newSpace()
		}
		s = e.shared
	case embedruntime.ModeMain:
		s = e.primary.space
	default:
		return 0, errors.InvalidInput(errors.PhaseEngine, "unknown context mode "+opts.Mode.String())
	}
	return e.register(s, opts).ptr, nil
}

func (e *Engine) CloseContext(ptr embedruntime.ContextPtr) error {
	e.record("close-context", ptr, "")

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "close-context")
	if err != nil {
		return err
	}
	if c == e.primary {
		return errors.InvalidInput(errors.PhaseEngine, "the primary context is never closed")
	}
	delete(e.contexts, ptr)
	return nil
}

func (e *Engine) Compiles(ptr embedruntime.ContextPtr, src string) (bool, error) {
	e.record("compiles", ptr, src)

	e.gil.Lock()
	defer e.gil.Unlock()
	if _, err := e.context(ptr, "compiles"); err != nil {
		return false, err
	}
	return complete(src), nil
}

// complete reports whether src is a statement that needs no more lines.
func complete(src string) bool {
	trimmed := strings.TrimSpace(src)
	if strings.HasSuffix(trimmed, ":") || strings.Contains(src, "\n") {
		return false
	}
	return strings.Count(src, "(") == strings.Count(src, ")")
}

func (e *Engine) Eval(ptr embedruntime.ContextPtr, stmt string) error {
	e.record("eval", ptr, stmt)

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "eval")
	if err != nil {
		return err
	}
	c.evals = append(c.evals, stmt)
	return e.exec(c, stmt)
}

func (e *Engine) Exec(ptr embedruntime.ContextPtr, code string) error {
	e.record("exec", ptr, code)

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "exec")
	if err != nil {
		return err
	}
	return e.exec(c, code)
}

func (e *Engine) RunScript(ptr embedruntime.ContextPtr, path string) error {
	e.record("run-script", ptr, path)

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "run-script")
	if err != nil {
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return errors.EngineFailure("file", err.Error(), nil)
	}
	return e.exec(c, string(src))
}

func (e *Engine) Invoke(ptr embedruntime.ContextPtr, name string, args []any, kwargs map[string]any) (any, error) {
	e.record("invoke", ptr, name)

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "invoke")
	if err != nil {
		return nil, err
	}
	v, err := e.resolve(c, name)
	if err != nil {
		return nil, err
	}
	o, ok := v.(*object)
	if !ok || o.fn == nil {
		return nil, errors.TypeMismatch(errors.PhaseEngine, fmt.Sprintf("%T", v), name+" is not callable")
	}
	return e.call(o, args, kwargs)
}

func (e *Engine) GetValue(ptr embedruntime.ContextPtr, expr string) (any, error) {
	e.record("get-value", ptr, expr)

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "get-value")
	if err != nil {
		return nil, err
	}
	v, err := e.value(c, strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	return e.toHost(v), nil
}

func (e *Engine) SetValue(ptr embedruntime.ContextPtr, name string, v any) error {
	e.record("set-value", ptr, name)

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "set-value")
	if err != nil {
		return err
	}
	in, err := e.toInternal(v)
	if err != nil {
		return err
	}
	return e.assign(c, name, in)
}

func (e *Engine) CreateModule(ptr embedruntime.ContextPtr, name string) (embedruntime.Object, error) {
	e.record("create-module", ptr, name)

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "create-module")
	if err != nil {
		return embedruntime.Object{}, err
	}
	if _, ok := c.space.modules[name]; ok {
		return embedruntime.Object{}, errors.InvalidInput(errors.PhaseEngine, fmt.Sprintf("module %q already exists", name))
	}
	m := e.newObject("module", nil)
	c.space.modules[name] = m
	return e.toHost(m).(embedruntime.Object), nil
}

func (e *Engine) GetAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string) (any, error) {
	e.record("get-attr", ptr, name)

	e.gil.Lock()
	defer e.gil.Unlock()
	o, err := e.object(ptr, obj, "get-attr")
	if err != nil {
		return nil, err
	}
	v, ok := o.attrs[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseEngine, "attribute", name)
	}
	return e.toHost(v), nil
}

func (e *Engine) SetAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string, v any) error {
	e.record("set-attr", ptr, name)

	e.gil.Lock()
	defer e.gil.Unlock()
	o, err := e.object(ptr, obj, "set-attr")
	if err != nil {
		return err
	}
	in, err := e.toInternal(v)
	if err != nil {
		return err
	}
	o.attrs[name] = in
	return nil
}

func (e *Engine) DelAttr(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, name string) error {
	e.record("del-attr", ptr, name)

	e.gil.Lock()
	defer e.gil.Unlock()
	o, err := e.object(ptr, obj, "del-attr")
	if err != nil {
		return err
	}
	if _, ok := o.attrs[name]; !ok {
		return errors.NotFound(errors.PhaseEngine, "attribute", name)
	}
	delete(o.attrs, name)
	return nil
}

func (e *Engine) Call(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, args []any, kwargs map[string]any) (any, error) {
	e.record("call", ptr, "")

	e.gil.Lock()
	defer e.gil.Unlock()
	o, err := e.object(ptr, obj, "call")
	if err != nil {
		return nil, err
	}
	if o.fn == nil {
		return nil, errors.TypeMismatch(errors.PhaseEngine, o.typ, "object is not callable")
	}
	return e.call(o, args, kwargs)
}

func (e *Engine) Incref(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr) error {
	e.record("incref", ptr, "")

	e.gil.Lock()
	defer e.gil.Unlock()
	o, err := e.object(ptr, obj, "incref")
	if err != nil {
		return err
	}
	o.refs++
	return nil
}

func (e *Engine) Decref(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr) error {
	e.record("decref", ptr, "")
	e.mu.Lock()
	e.decrefs[obj]++
	e.mu.Unlock()

	e.gil.Lock()
	defer e.gil.Unlock()
	o, err := e.object(ptr, obj, "decref")
	if err != nil {
		return err
	}
	o.refs--
	return nil
}

func (e *Engine) InstallImportHook(ptr embedruntime.ContextPtr, enq embedruntime.Enquirer) error {
	e.record("install-import-hook", ptr, "")

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "install-import-hook")
	if err != nil {
		return err
	}
	if c.space.hook == nil {
		c.space.hook = enq
	}
	return nil
}

func (e *Engine) InstallSharedImporter(ptr embedruntime.ContextPtr, modules []string, imp embedruntime.SharedImporter) error {
	e.record("install-shared-importer", ptr, strings.Join(modules, ","))

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "install-shared-importer")
	if err != nil {
		return err
	}
	if c == e.primary {
		return errors.InvalidInput(errors.PhaseImport, "the primary context cannot import shared modules")
	}
	c.shared = append([]string(nil), modules...)
	c.importer = imp
	return nil
}

func (e *Engine) RemoveSharedImporter(ptr embedruntime.ContextPtr) error {
	e.record("remove-shared-importer", ptr, "")

	e.gil.Lock()
	defer e.gil.Unlock()
	c, err := e.context(ptr, "remove-shared-importer")
	if err != nil {
		return err
	}
	for name := range c.space.modules {
		if isShared(c.shared, name) {
			delete(c.space.modules, name)
		}
	}
	c.shared = nil
	c.importer = nil
	return nil
}

// InitCalls returns how many times Initialize ran.
func (e *Engine) InitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCalls
}

// SharedImports returns how many times SharedImport ran for module.
func (e *Engine) SharedImports(module string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.imports[module]
}

// Calls returns a copy of the call log.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallsTo returns the logged calls of op.
func (e *Engine) CallsTo(op string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Refcount returns the number of host references held on obj.
func (e *Engine) Refcount(obj embedruntime.ObjectPtr) int {
	e.gil.Lock()
	defer e.gil.Unlock()
	if o, ok := e.objects[obj]; ok {
		return o.refs
	}
	return 0
}

// DecrefCount returns how many times Decref was called for obj.
func (e *Engine) DecrefCount(obj embedruntime.ObjectPtr) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decrefs[obj]
}

// HostRefs returns the host references held on all objects.
func (e *Engine) HostRefs() int {
	e.gil.Lock()
	defer e.gil.Unlock()
	n := 0
	for _, o := range e.objects {
		n += o.refs
	}
	return n
}

// OpenContexts returns the number of contexts other than the primary.
func (e *Engine) OpenContexts() int {
	e.gil.Lock()
	defer e.gil.Unlock()
	n := len(e.contexts)
	if e.primary != nil {
		n--
	}
	return n
}

// Evaluated returns the statements Eval received for ctx.
func (e *Engine) Evaluated(ptr embedruntime.ContextPtr) []string {
	e.gil.Lock()
	defer e.gil.Unlock()
	if c, ok := e.contexts[ptr]; ok {
		return append([]string(nil), c.evals...)
	}
	return nil
}

func newSpace() *space {
	return &space{modules: make(map[string]*object)}
}

func (e *Engine) register(s *space, opts embedruntime.ContextOptions) *fakeContext {
	e.nextCtx++
	c := &fakeContext{
		ptr:    e.nextCtx,
		mode:   opts.Mode,
		space:  s,
		vars:   make(map[string]any),
		stdout: opts.Stdout,
	}
	e.contexts[c.ptr] = c
	return c
}

func (e *Engine) record(op string, ptr embedruntime.ContextPtr, arg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Op: op, Ctx: ptr, Arg: arg, Thread: osthread.Current()})
}

func (e *Engine) context(ptr embedruntime.ContextPtr, op string) (*fakeContext, error) {
	c, ok := e.contexts[ptr]
	if !ok {
		return nil, errors.InvalidState(errors.PhaseEngine, op, "unknown or closed context")
	}
	return c, nil
}

func (e *Engine) object(ptr embedruntime.ContextPtr, obj embedruntime.ObjectPtr, op string) (*object, error) {
	if _, err := e.context(ptr, op); err != nil {
		return nil, err
	}
	o, ok := e.objects[obj]
	if !ok || o.refs <= 0 {
		return nil, errors.NotFound(errors.PhaseEngine, "object", strconv.FormatUint(uint64(obj), 10))
	}
	return o, nil
}

func (e *Engine) newObject(typ string, fn Func) *object {
	e.nextObj++
	o := &object{ptr: e.nextObj, typ: typ, attrs: make(map[string]any), fn: fn}
	e.objects[o.ptr] = o
	return o
}

func (e *Engine) moduleObject(members map[string]any) *object {
	m := e.newObject("module", nil)
	for name, v := range members {
		switch fn := v.(type) {
		case Func:
			m.attrs[name] = e.newObject("function", fn)
			continue
		case func([]any, map[string]any) (any, error):
			m.attrs[name] = e.newObject("function", fn)
			continue
		}
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Func {
			fn := v
			m.attrs[name] = e.newObject("function", func(args []any, _ map[string]any) (any, error) {
				return host.Invoke(fn, args)
			})
			continue
		}
		m.attrs[name] = v
	}
	return m
}

func (e *Engine) require(c *fakeContext, name string) (*object, error) {
	s := c.space
	if m, ok := s.modules[name]; ok {
		return m, nil
	}

	if c.importer != nil && isShared(c.shared, name) {
		pm, ok := e.primary.space.modules[name]
		if !ok {
			imp := c.importer
			e.gil.Unlock()
			err := imp.SharedImport(name)
			e.gil.Lock()
			if err != nil {
				return nil, errors.EngineFailure("import", err.Error(), err)
			}
			if pm, ok = e.primary.space.modules[name]; !ok {
				return nil, errors.NotFound(errors.PhaseImport, "module", name)
			}
		}
		s.modules[name] = pm
		return pm, nil
	}

	if s.hook != nil && s.hook.IsPackage(name) {
		members := make(map[string]any)
		for _, n := range s.hook.MemberNames(name) {
			if v, ok := s.hook.Member(name, n); ok {
				members[n] = v
			}
		}
		m := e.moduleObject(members)
		s.modules[name] = m
		return m, nil
	}

	members, ok := e.opts.Modules[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseImport, "module", name)
	}
	m := e.moduleObject(members)
	s.modules[name] = m
	return m, nil
}

func isShared(shared []string, name string) bool {
	for _, m := range shared {
		if name == m || strings.HasPrefix(name, m+".") {
			return true
		}
	}
	return false
}

func (e *Engine) exec(c *fakeContext, code string) error {
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if strings.HasSuffix(line, ":") || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if err := e.statement(c, strings.TrimSpace(line)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) statement(c *fakeContext, line string) error {
	word, rest, _ := strings.Cut(line, " ")
	switch word {
	case "import":
		_, err := e.require(c, strings.TrimSpace(rest))
		return err
	case "del":
		name := strings.TrimSpace(rest)
		if _, ok := c.vars[name]; !ok {
			return errors.EngineFailure("runtime", fmt.Sprintf("name %q is not defined", name), nil)
		}
		delete(c.vars, name)
		return nil
	case "fail":
		return errors.EngineFailure("runtime", strings.TrimSpace(rest), nil)
	case "print":
		v, err := e.value(c, strings.TrimSpace(rest))
		if err != nil {
			return err
		}
		out := c.stdout
		if out == nil {
			out = os.Stdout
		}
		_, err = fmt.Fprintln(out, v)
		return err
	}

	name, expr, ok := strings.Cut(line, "=")
	if !ok {
		_, err := e.value(c, line)
		return err
	}
	v, err := e.value(c, strings.TrimSpace(expr))
	if err != nil {
		return err
	}
	return e.assign(c, strings.TrimSpace(name), v)
}

// value evaluates a literal or a dotted path.
func (e *Engine) value(c *fakeContext, expr string) (any, error) {
	if expr == "" {
		return nil, errors.EngineFailure("syntax", "empty expression", nil)
	}
	if n, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f, nil
	}
	if s, err := strconv.Unquote(expr); err == nil {
		return s, nil
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "none":
		return nil, nil
	}
	return e.resolve(c, expr)
}

func (e *Engine) resolve(c *fakeContext, name string) (any, error) {
	parts := strings.Split(name, ".")
	var cur any
	if v, ok := c.vars[parts[0]]; ok {
		cur = v
		parts = parts[1:]
	} else {
		found := false
		for k := len(parts); k >= 1; k-- {
			if m, ok := c.space.modules[strings.Join(parts[:k], ".")]; ok {
				cur, parts, found = m, parts[k:], true
				break
			}
		}
		if !found {
			return nil, errors.EngineFailure("runtime", fmt.Sprintf("name %q is not defined", name), nil)
		}
	}
	for _, p := range parts {
		o, ok := cur.(*object)
		if !ok {
			return nil, errors.EngineFailure("runtime", fmt.Sprintf("%T has no attribute %q", cur, p), nil)
		}
		if cur, ok = o.attrs[p]; !ok {
			return nil, errors.EngineFailure("runtime", fmt.Sprintf("%s has no attribute %q", o.typ, p), nil)
		}
	}
	return cur, nil
}

func (e *Engine) assign(c *fakeContext, name string, v any) error {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		c.vars[name] = v
		return nil
	}
	target, err := e.resolve(c, name[:i])
	if err != nil {
		return err
	}
	o, ok := target.(*object)
	if !ok {
		return errors.EngineFailure("runtime", fmt.Sprintf("cannot set attribute of %T", target), nil)
	}
	o.attrs[name[i+1:]] = v
	return nil
}

// call runs fn with the engine lock released. A Func error is a host
// callback failure and becomes the cause of the engine error.
func (e *Engine) call(o *object, args []any, kwargs map[string]any) (any, error) {
	in := make([]any, len(args))
	for i, a := range args {
		v, err := e.toInternal(a)
		if err != nil {
			return nil, err
		}
		in[i] = v
	}

	e.gil.Unlock()
	res, err := o.fn(in, kwargs)
	e.gil.Lock()
	if err != nil {
		return nil, errors.EngineFailure("runtime", err.Error(), err)
	}
	return e.toHost(res), nil
}

func (e *Engine) toHost(v any) any {
	if o, ok := v.(*object); ok {
		o.refs++
		return embedruntime.Object{Type: o.typ, Ptr: o.ptr, Callable: o.fn != nil}
	}
	return v
}

func (e *Engine) toInternal(v any) (any, error) {
	h, ok := v.(embedruntime.Object)
	if !ok {
		return v, nil
	}
	o, ok := e.objects[h.Ptr]
	if !ok {
		return nil, errors.NotFound(errors.PhaseEngine, "object", strconv.FormatUint(uint64(h.Ptr), 10))
	}
	return o, nil
}

// Modules returns the sorted module names loaded in ctx's space.
func (e *Engine) Modules(ptr embedruntime.ContextPtr) []string {
	e.gil.Lock()
	defer e.gil.Unlock()
	c, ok := e.contexts[ptr]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.space.modules))
	for name := range c.space.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
