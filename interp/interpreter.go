package interp

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/internal/osthread"
	"github.com/wippyai/embed-runtime/resource"
)

const lineSep = "\n"

// Interpreter is one engine execution context bound to the OS thread that
// created it. Operations fail with an invalid_thread error on any other
// thread; only the accessors (ID, Name, Policy, Thread, Closed, Engine) are
// safe everywhere.
type Interpreter struct {
	id     uuid.UUID
	name   string
	engine embedruntime.Engine
	coord  *Coordinator
	policy Policy
	thread osthread.ID
	closed atomic.Bool

	// Owner thread only.
	ctx         embedruntime.ContextPtr
	interactive bool
	pending     *strings.Builder
	shared      bool
	refs        *resource.Registry
}

// owners maps threads to their open interpreter. Entries are weak: when an
// owner goroutine exits without Close, the runtime ends its locked thread
// and the kernel may hand the id to a new thread. Once the abandoned
// interpreter is unreachable its entry no longer blocks that thread.
var owners = struct {
	sync.Mutex
	m map[osthread.ID]weak.Pointer[Interpreter]
}{m: make(map[osthread.ID]weak.Pointer[Interpreter])}

// New creates an interpreter on eng, bringing the engine up first if this is
// its first interpreter. The calling goroutine is locked to its OS thread
// until Close. A thread hosts at most one open interpreter.
//
// A failed New leaves nothing to close.
func New(eng embedruntime.Engine, cfg Config) (*Interpreter, error) {
	if eng == nil {
		return nil, errors.InvalidInput(errors.PhaseConstruct, "engine is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	coord := CoordinatorFor(eng)
	if err := coord.Start(); err != nil {
		return nil, err
	}
	policy := coord.beginBuild()
	ok := false
	defer func() { coord.endBuild(ok) }()
	if err := checkPolicy(policy, cfg); err != nil {
		return nil, err
	}

	ip := &Interpreter{
		id:          uuid.New(),
		name:        cfg.Name,
		engine:      eng,
		coord:       coord,
		policy:      policy,
		interactive: cfg.Interactive,
	}

	ip.thread = osthread.Lock()
	if err := claimThread(ip); err != nil {
		osthread.Unlock()
		return nil, err
	}
	if err := ip.open(cfg); err != nil {
		releaseThread(ip)
		osthread.Unlock()
		return nil, err
	}
	ok = true

	Logger().Debug("interpreter opened",
		zap.Stringer("id", ip.id),
		zap.String("name", ip.name),
		zap.Uint64("thread", uint64(ip.thread)),
		zap.Stringer("policy", ip.policy))
	return ip, nil
}

func claimThread(ip *Interpreter) error {
	owners.Lock()
	defer owners.Unlock()
	if wp, ok := owners.m[ip.thread]; ok {
		if prev := wp.Value(); prev != nil && !prev.Closed() {
			return errors.New(errors.PhaseConstruct, errors.KindInvalidThread).
				Op("new").
				Detail("thread %d already hosts open interpreter %s", ip.thread, prev.id).
				Build()
		}
		Logger().Debug("reclaiming thread of abandoned interpreter",
			zap.Uint64("thread", uint64(ip.thread)))
	}
	owners.m[ip.thread] = weak.Make(ip)
	return nil
}

func releaseThread(ip *Interpreter) {
	owners.Lock()
	defer owners.Unlock()
	if owners.m[ip.thread] == weak.Make(ip) {
		delete(owners.m, ip.thread)
	}
}

// open acquires the engine context and runs the bootstrap steps. On failure
// the context is released again.
func (ip *Interpreter) open(cfg Config) error {
	ctx, err := ip.engine.NewContext(embedruntime.ContextOptions{
		Loader:        cfg.Loader,
		Stdout:        cfg.Stdout,
		Stderr:        cfg.Stderr,
		IncludePaths:  cfg.IncludePaths,
		Primary:       ip.coord.Primary(),
		Mode:          ip.policy.Mode(),
		SharedModules: len(cfg.SharedModules) > 0,
	})
	if err != nil {
		return errors.Engine("new-context", err)
	}

	if err := ip.bootstrap(ctx, cfg); err != nil {
		var cerr error
		if ip.shared {
			cerr = ip.engine.RemoveSharedImporter(ctx)
		}
		cerr = multierr.Append(cerr, ip.engine.CloseContext(ctx))
		if cerr != nil {
			Logger().Warn("releasing context after failed bootstrap",
				zap.Stringer("id", ip.id),
				zap.Error(cerr))
		}
		return err
	}

	ip.ctx = ctx
	ip.refs = resource.NewRegistry(func(ptr uintptr) error {
		return ip.engine.Decref(ctx, embedruntime.ObjectPtr(ptr))
	})
	return nil
}

func (ip *Interpreter) bootstrap(ctx embedruntime.ContextPtr, cfg Config) error {
	if cfg.Enquirer != nil {
		if err := ip.engine.InstallImportHook(ctx, cfg.Enquirer); err != nil {
			return errors.Engine("install-import-hook", err)
		}
	}
	if len(cfg.SharedModules) == 0 {
		return nil
	}

	if err := ip.engine.InstallSharedImporter(ctx, cfg.SharedModules, ip.coord); err != nil {
		return errors.Engine("install-shared-importer", err)
	}
	ip.shared = true
	for _, m := range cfg.SharedModules {
		if err := ip.coord.SharedImport(m); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the interpreter's unique id.
func (ip *Interpreter) ID() uuid.UUID { return ip.id }

// Name returns the configured name.
func (ip *Interpreter) Name() string { return ip.name }

// Policy returns the isolation policy the interpreter was built with.
func (ip *Interpreter) Policy() Policy { return ip.policy }

// Thread returns the owning OS thread.
func (ip *Interpreter) Thread() osthread.ID { return ip.thread }

// Closed reports whether Close has run.
func (ip *Interpreter) Closed() bool { return ip.closed.Load() }

// Engine returns the underlying engine.
func (ip *Interpreter) Engine() embedruntime.Engine { return ip.engine }

// LiveHandles returns the number of handles not yet released.
func (ip *Interpreter) LiveHandles() int {
	if ip.refs == nil {
		return 0
	}
	return ip.refs.Len()
}

// Subscribe adds an observer for handle lifecycle events.
func (ip *Interpreter) Subscribe(o resource.Observer) {
	ip.refs.Subscribe(o)
}

// enter runs the checks every operation starts with and releases handles
// the garbage collector reclaimed.
func (ip *Interpreter) enter(op string) error {
	if ip.closed.Load() {
		return errors.Closed(op)
	}
	if osthread.Current() != ip.thread {
		return errors.InvalidThread(op)
	}
	ip.sweep()
	return nil
}

func (ip *Interpreter) sweep() {
	if ip.refs.Pending() == 0 {
		return
	}
	n, err := ip.refs.Sweep()
	if n > 0 {
		Logger().Debug("reclaimed handles",
			zap.Stringer("id", ip.id),
			zap.Int("count", n))
	}
	if err != nil {
		Logger().Warn("releasing reclaimed handles",
			zap.Stringer("id", ip.id),
			zap.Error(err))
	}
}

// Eval runs one statement.
//
// In interactive mode a statement that does not compile on its own is
// buffered and Eval returns false; further statements are appended until an
// empty statement runs the whole buffer. Outside interactive mode Eval
// always runs stmt, and an empty statement does nothing and returns false.
func (ip *Interpreter) Eval(stmt string) (bool, error) {
	if err := ip.enter("eval"); err != nil {
		return false, err
	}
	stmt = strings.ReplaceAll(stmt, "\r", "")

	if strings.TrimSpace(stmt) == "" {
		if !ip.interactive {
			return false, nil
		}
		if ip.pending == nil {
			return true, nil
		}
		buf := ip.pending.String()
		ip.pending = nil
		return true, errors.Engine("eval", ip.engine.Eval(ip.ctx, buf))
	}

	if !ip.interactive {
		return true, errors.Engine("eval", ip.engine.Eval(ip.ctx, stmt))
	}
	if ip.pending == nil {
		ok, err := ip.engine.Compiles(ip.ctx, stmt)
		if err != nil {
			return false, errors.Engine("eval", err)
		}
		if ok {
			return true, errors.Engine("eval", ip.engine.Eval(ip.ctx, stmt))
		}
		ip.pending = &strings.Builder{}
	} else {
		ip.pending.WriteString(lineSep)
	}
	ip.pending.WriteString(stmt)
	return false, nil
}

// Pending returns the buffered statements of interactive mode.
func (ip *Interpreter) Pending() string {
	if ip.pending == nil {
		return ""
	}
	return ip.pending.String()
}

// Exec runs a block of code.
func (ip *Interpreter) Exec(code string) error {
	if err := ip.enter("exec"); err != nil {
		return err
	}
	return errors.Engine("exec", ip.engine.Exec(ip.ctx, code))
}

// RunScript runs the file at path. The file must exist and be readable.
func (ip *Interpreter) RunScript(path string) error {
	if err := ip.enter("run-script"); err != nil {
		return err
	}
	if path == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "script path cannot be empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "invalid script file "+path)
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil || info.IsDir() {
		return errors.InvalidInput(errors.PhaseRuntime, "invalid script file "+path)
	}
	return errors.Engine("run-script", ip.engine.RunScript(ip.ctx, path))
}

// Invoke calls the engine function named name.
func (ip *Interpreter) Invoke(name string, args ...any) (any, error) {
	return ip.InvokeKw(name, args, nil)
}

// InvokeKw calls the engine function named name with keyword arguments.
func (ip *Interpreter) InvokeKw(name string, args []any, kwargs map[string]any) (any, error) {
	if err := ip.enter("invoke"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "invalid function name")
	}
	in, kw, err := ip.unwrapArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	v, err := ip.engine.Invoke(ip.ctx, name, in, kw)
	if err != nil {
		return nil, errors.Engine("invoke", err)
	}
	return ip.wrap(v)
}

// GetValue evaluates expr and returns its value. Engine objects come back
// as *Handle.
func (ip *Interpreter) GetValue(expr string) (any, error) {
	if err := ip.enter("get-value"); err != nil {
		return nil, err
	}
	v, err := ip.engine.GetValue(ip.ctx, expr)
	if err != nil {
		return nil, errors.Engine("get-value", err)
	}
	return ip.wrap(v)
}

// SetValue binds name to v. A *Handle passes its engine object.
func (ip *Interpreter) SetValue(name string, v any) error {
	if err := ip.enter("set-value"); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "name cannot be empty")
	}
	in, err := ip.unwrap(v)
	if err != nil {
		return err
	}
	return errors.Engine("set-value", ip.engine.SetValue(ip.ctx, name, in))
}

// CreateModule creates an importable, empty module.
func (ip *Interpreter) CreateModule(name string) (*Handle, error) {
	if err := ip.enter("create-module"); err != nil {
		return nil, err
	}
	obj, err := ip.engine.CreateModule(ip.ctx, name)
	if err != nil {
		return nil, errors.Engine("create-module", err)
	}
	return ip.track(obj)
}

// Close releases every handle, unlinks shared modules and releases the
// engine context, in that order. It must run on the owning thread; a
// second Close is a no-op. Every step runs even when an earlier one fails.
func (ip *Interpreter) Close() error {
	if ip.closed.Load() {
		return nil
	}
	if osthread.Current() != ip.thread {
		return errors.InvalidThread("close")
	}

	err := ip.refs.Drain()
	ip.closed.Store(true)
	if ip.shared {
		err = multierr.Append(err, errors.Engine("remove-shared-importer", ip.engine.RemoveSharedImporter(ip.ctx)))
	}
	err = multierr.Append(err, errors.Engine("close", ip.engine.CloseContext(ip.ctx)))

	ip.ctx = 0
	ip.pending = nil
	releaseThread(ip)
	osthread.Unlock()

	Logger().Debug("interpreter closed",
		zap.Stringer("id", ip.id),
		zap.Uint64("thread", uint64(ip.thread)),
		zap.Error(err))
	if err != nil {
		return errors.Wrap(errors.PhaseClose, errors.KindEngine, err, "interpreter teardown incomplete")
	}
	return nil
}
