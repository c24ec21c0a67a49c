package luaengine

import (
	"context"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

// Name is the engine identifier.
const Name = "lua"

// Options configures states created by the engine.
type Options struct {
	// Modules are Lua sources installed in package.preload of every state,
	// keyed by module name.
	Modules map[string]string

	// CallStackSize and RegistrySize are passed to lua.Options. Zero keeps
	// the gopher-lua defaults.
	CallStackSize int
	RegistrySize  int

	// IncludeGoStackTrace adds Go stack traces to Lua panics.
	IncludeGoStackTrace bool
}

// Engine is a gopher-lua backed embedruntime.Engine.
type Engine struct {
	opts Options

	// gil guards everything below and every lua.LState.
	gil sync.Mutex

	contexts map[embedruntime.ContextPtr]*luaContext
	byState  map[*lua.LState]*luaContext
	roots    map[*lua.LState]*rootState
	primary  *luaContext
	shared   *lua.LState
	nextPtr  embedruntime.ContextPtr
}

var _ embedruntime.Engine = (*Engine)(nil)

// New creates an engine. No Lua state exists until Initialize.
func New(opts Options) *Engine {
	return &Engine{
		opts:     opts,
		contexts: make(map[embedruntime.ContextPtr]*luaContext),
		byState:  make(map[*lua.LState]*luaContext),
		roots:    make(map[*lua.LState]*rootState),
	}
}

func (e *Engine) Name() string { return Name }

// Initialize creates the primary state.
func (e *Engine) Initialize() (embedruntime.ContextPtr, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	if e.primary != nil {
		return 0, errors.InvalidState(errors.PhaseEngine, "initialize", "engine already initialized")
	}

	L, err := e.newState()
	if err != nil {
		return 0, err
	}
	c := e.register(L, L, L.G.Global, embedruntime.ModeMain, nil)
	e.primary = c
	Logger().Debug("primary state created", zap.Uint64("ctx", uint64(c.ptr)))
	return c.ptr, nil
}

// SharedImport requires module in the primary state.
func (e *Engine) SharedImport(primary embedruntime.ContextPtr, module string) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(primary, "shared-import")
	if err != nil {
		return err
	}
	if c != e.primary {
		return errors.InvalidInput(errors.PhaseImport, "shared imports run in the primary context only")
	}
	return c.protect(func(L *lua.LState) error {
		L.Push(L.GetField(L.G.Global, "require"))
		L.Push(lua.LString(module))
		return L.PCall(1, 0, nil)
	})
}

func (e *Engine) NewContext(opts embedruntime.ContextOptions) (embedruntime.ContextPtr, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	var c *luaContext
	switch opts.Mode {
	case embedruntime.ModeIsolated:
		L, err := e.newState()
		if err != nil {
			return 0, err
		}
		c = e.register(L, L, L.G.Global, opts.Mode, nil)

	case embedruntime.ModeShared, embedruntime.ModeMain:
		var root *lua.LState
		if opts.Mode == embedruntime.ModeMain {
			if e.primary == nil {
				return 0, errors.InvalidState(errors.PhaseEngine, "new-context", "engine not initialized")
			}
			root = e.primary.L
		} else {
			if e.shared == nil {
				L, err := e.newState()
				if err != nil {
					return 0, err
				}
				e.shared = L
			}
			root = e.shared
		}
		th, cancel := root.NewThread()
		env := newEnv(root)
		th.Env = env
		c = e.register(th, root, env, opts.Mode, cancel)

	default:
		return 0, errors.InvalidInput(errors.PhaseEngine, "unknown context mode "+opts.Mode.String())
	}

	c.stdout = opts.Stdout
	c.stderr = opts.Stderr
	c.installPrint()
	if len(opts.IncludePaths) > 0 {
		c.appendPath(opts.IncludePaths)
	}
	if opts.Loader != nil {
		c.installFSLoader(opts.Loader)
	}

	Logger().Debug("context created",
		zap.Uint64("ctx", uint64(c.ptr)),
		zap.Stringer("mode", opts.Mode))
	return c.ptr, nil
}

func (e *Engine) CloseContext(ptr embedruntime.ContextPtr) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "close-context")
	if err != nil {
		return err
	}
	if c == e.primary {
		return errors.InvalidInput(errors.PhaseEngine, "the primary context is never closed")
	}

	c.removeLoaders()
	c.refs.Reset()
	delete(e.contexts, ptr)
	delete(e.byState, c.L)

	if c.L == c.root {
		delete(e.roots, c.root)
		c.L.Close()
	} else if c.cancel != nil {
		c.cancel()
	}

	Logger().Debug("context closed", zap.Uint64("ctx", uint64(ptr)))
	return nil
}

// Close releases every state, including the primary. The engine cannot be
// used afterwards.
func (e *Engine) Close() error {
	e.gil.Lock()
	defer e.gil.Unlock()

	for ptr, c := range e.contexts {
		if c.L == c.root {
			c.L.Close()
		}
		delete(e.contexts, ptr)
	}
	if e.shared != nil {
		e.shared.Close()
		e.shared = nil
	}
	clear(e.byState)
	clear(e.roots)
	e.primary = nil
	return nil
}

func (e *Engine) newState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		CallStackSize:       e.opts.CallStackSize,
		RegistrySize:        e.opts.RegistrySize,
		IncludeGoStackTrace: e.opts.IncludeGoStackTrace,
	})
	registerHostErrorType(L)

	for name, src := range e.opts.Modules {
		L.PreloadModule(name, preloadSource(name, src))
	}
	e.roots[L] = &rootState{}
	return L, nil
}

func (e *Engine) register(L, root *lua.LState, env *lua.LTable, mode embedruntime.Mode, cancel context.CancelFunc) *luaContext {
	e.nextPtr++
	c := &luaContext{
		engine: e,
		ptr:    e.nextPtr,
		L:      L,
		root:   root,
		env:    env,
		mode:   mode,
		cancel: cancel,
	}
	e.contexts[c.ptr] = c
	e.byState[L] = c
	return c
}

// context resolves ptr. The caller holds the gil.
func (e *Engine) context(ptr embedruntime.ContextPtr, op string) (*luaContext, error) {
	c, ok := e.contexts[ptr]
	if !ok {
		return nil, errors.InvalidState(errors.PhaseEngine, op, "unknown or closed context")
	}
	return c, nil
}

// withoutGIL runs fn with the global lock released. The caller holds it.
func (e *Engine) withoutGIL(fn func() error) error {
	e.gil.Unlock()
	defer e.gil.Lock()
	return fn()
}

// newEnv creates a globals table for a thread that reads through to root.
func newEnv(root *lua.LState) *lua.LTable {
	env := root.NewTable()
	mt := root.NewTable()
	mt.RawSetString("__index", root.G.Global)
	env.Metatable = mt
	env.RawSetString("_G", env)
	return env
}

func preloadSource(name, src string) lua.LGFunction {
	return func(L *lua.LState) int {
		fn, err := L.Load(strings.NewReader(src), "="+name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(fn)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}
}
