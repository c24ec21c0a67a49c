package wasmengine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

// Name is the engine identifier.
const Name = "wasm"

// Options configures the runtimes created by the engine.
type Options struct {
	// Modules are wasm binaries instantiated on first import, keyed by
	// module name.
	Modules map[string][]byte

	// MemoryLimitPages caps the memory of every instance in 64KiB pages.
	// Zero keeps the wazero default.
	MemoryLimitPages uint32
}

// Engine is a wazero backed embedruntime.Engine.
type Engine struct {
	opts Options
	ctx  context.Context

	// gil guards everything below.
	gil sync.Mutex

	cache    wazero.CompilationCache
	config   wazero.RuntimeConfig
	contexts map[embedruntime.ContextPtr]*wasmContext
	primary  *wasmContext
	shared   *space
	nextPtr  embedruntime.ContextPtr

	// hostErr is the error of the host function that aborted the current
	// call.
	hostErr error

	// hosts holds the Go functions of every live host module.
	hosts map[api.Module]map[string]hostFunc
}

var _ embedruntime.Engine = (*Engine)(nil)

// New creates an engine. No runtime exists until Initialize.
func New(opts Options) *Engine {
	return &Engine{
		opts:     opts,
		ctx:      context.Background(),
		contexts: make(map[embedruntime.ContextPtr]*wasmContext),
	}
}

func (e *Engine) Name() string { return Name }

// Initialize creates the compilation cache shared by every runtime and the
// primary runtime.
func (e *Engine) Initialize() (embedruntime.ContextPtr, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	if e.primary != nil {
		return 0, errors.InvalidState(errors.PhaseEngine, "initialize", "engine already initialized")
	}

	e.cache = wazero.NewCompilationCache()
	cfg := wazero.NewRuntimeConfig().WithCompilationCache(e.cache)
	if e.opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(e.opts.MemoryLimitPages)
	}
	e.config = cfg

	c := e.register(e.newSpace(), embedruntime.ContextOptions{Mode: embedruntime.ModeMain})
	e.primary = c
	Logger().Debug("primary runtime created", zap.Uint64("ctx", uint64(c.ptr)))
	return c.ptr, nil
}

// SharedImport imports module into the primary runtime.
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
	_, err = e.require(c, module)
	return err
}

func (e *Engine) NewContext(opts embedruntime.ContextOptions) (embedruntime.ContextPtr, error) {
	e.gil.Lock()
	defer e.gil.Unlock()

	if e.primary == nil {
		return 0, errors.InvalidState(errors.PhaseEngine, "new-context", "engine not initialized")
	}

	var s *space
	switch opts.Mode {
	case embedruntime.ModeIsolated:
		s = e.newSpace()
	case embedruntime.ModeShared:
		if e.shared == nil {
			e.shared = e.newSpace()
		}
		s = e.shared
	case embedruntime.ModeMain:
		s = e.primary.space
	default:
		return 0, errors.InvalidInput(errors.PhaseEngine, "unknown context mode "+opts.Mode.String())
	}

	c := e.register(s, opts)
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

	c.refs.Reset()
	delete(e.contexts, ptr)

	if c.mode == embedruntime.ModeIsolated {
		e.untrackHosts(c.space)
		if err := c.space.rt.Close(e.ctx); err != nil {
			return convertError(typeLink, err)
		}
	}
	Logger().Debug("context closed", zap.Uint64("ctx", uint64(ptr)))
	return nil
}

// Close releases every runtime and the compilation cache. The engine
// cannot be used afterwards.
func (e *Engine) Close() error {
	e.gil.Lock()
	defer e.gil.Unlock()

	var err error
	for ptr, c := range e.contexts {
		if c.mode == embedruntime.ModeIsolated {
			err = multierr.Append(err, c.space.rt.Close(e.ctx))
		}
		delete(e.contexts, ptr)
	}
	if e.shared != nil {
		err = multierr.Append(err, e.shared.rt.Close(e.ctx))
		e.shared = nil
	}
	if e.primary != nil {
		err = multierr.Append(err, e.primary.space.rt.Close(e.ctx))
		e.primary = nil
	}
	e.hosts = nil
	if e.cache != nil {
		err = multierr.Append(err, e.cache.Close(e.ctx))
		e.cache = nil
	}
	return err
}

func (e *Engine) newSpace() *space {
	return &space{
		rt:        wazero.NewRuntimeWithConfig(e.ctx, e.config),
		forwarded: make(map[string]*forward),
		loading:   make(map[string]bool),
	}
}

func (e *Engine) register(s *space, opts embedruntime.ContextOptions) *wasmContext {
	e.nextPtr++
	c := &wasmContext{
		engine: e,
		ptr:    e.nextPtr,
		space:  s,
		mode:   opts.Mode,
		vars:   make(map[string]any),
		loader: opts.Loader,
		paths:  append([]string(nil), opts.IncludePaths...),
		stdout: opts.Stdout,
		stderr: opts.Stderr,
	}
	e.contexts[c.ptr] = c
	return c
}

// context resolves ptr. The caller holds the gil.
func (e *Engine) context(ptr embedruntime.ContextPtr, op string) (*wasmContext, error) {
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

// takeHostErr returns and clears the pending host function error.
func (e *Engine) takeHostErr() error {
	err := e.hostErr
	e.hostErr = nil
	return err
}

// failure converts err from a wazero call, preferring a host function
// error recorded during the call.
func (e *Engine) failure(typ string, err error) error {
	if he := e.takeHostErr(); he != nil && err != nil {
		return errors.EngineFailure(typeHost, he.Error(), he)
	}
	return convertError(typ, err)
}
