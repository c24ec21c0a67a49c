package wasmengine

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/host"
)

// space is one wazero runtime and the import state of every context using
// it. Module names are unique within a space.
type space struct {
	rt wazero.Runtime

	hook         embedruntime.Enquirer
	importer     embedruntime.SharedImporter
	sharedCounts map[string]int

	// forwarded maps shared module names to the primary instance.
	forwarded map[string]*forward
	loading   map[string]bool

	// hostMods are the host modules instantiated in rt.
	hostMods []api.Module
}

// forward links a shared module of the primary runtime into a space.
type forward struct {
	primary api.Module
	// local re-exports primary's functions so modules of this space can
	// import them. It is nil in the primary space itself.
	local api.Module
}

// module returns the instance name resolves to in s, or nil.
func (s *space) module(name string) api.Module {
	if f, ok := s.forwarded[name]; ok {
		return f.primary
	}
	return s.rt.Module(name)
}

func (s *space) isShared(name string) bool {
	for m, n := range s.sharedCounts {
		if n > 0 && (name == m || strings.HasPrefix(name, m+".")) {
			return true
		}
	}
	return false
}

// require returns the instance of name in c's space, loading it first when
// needed. Sources are tried in order: the shared importer, the WASI host
// module, host packages, preloaded binaries, include paths and the
// context's loader.
func (e *Engine) require(c *wasmContext, name string) (api.Module, error) {
	s := c.space
	if m := s.module(name); m != nil {
		return m, nil
	}
	if s.loading[name] {
		return nil, errors.InvalidState(errors.PhaseImport, "import", "import cycle through module "+name)
	}
	s.loading[name] = true
	defer delete(s.loading, name)

	if s.importer != nil && s.isShared(name) {
		return e.importShared(c, name)
	}

	if name == wasi_snapshot_preview1.ModuleName {
		if _, err := wasi_snapshot_preview1.Instantiate(e.ctx, s.rt); err != nil {
			return nil, convertError(typeLink, err)
		}
		return s.rt.Module(name), nil
	}

	if s.hook != nil && s.hook.IsPackage(name) {
		return e.hostModule(s, name)
	}

	bin, err := c.find(name)
	if err != nil {
		return nil, err
	}
	if bin == nil {
		return nil, errors.NotFound(errors.PhaseImport, "module", name)
	}
	return e.instantiate(c, name, bin)
}

// instantiate compiles bin, loads its imports, and instantiates it as name.
// An empty name instantiates an anonymous module.
func (e *Engine) instantiate(c *wasmContext, name string, bin []byte) (api.Module, error) {
	s := c.space
	compiled, err := s.rt.CompileModule(e.ctx, bin)
	if err != nil {
		return nil, convertError(typeCompile, err)
	}

	for _, dep := range importedModules(compiled) {
		if _, err := e.require(c, dep); err != nil {
			return nil, err
		}
	}

	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStdout(c.out()).
		WithStderr(c.errOut())
	e.hostErr = nil
	mod, err := s.rt.InstantiateModule(e.ctx, compiled, cfg)
	if err != nil {
		return nil, e.failure(typeLink, err)
	}
	Logger().Debug("module instantiated",
		zap.Uint64("ctx", uint64(c.ptr)),
		zap.String("module", name))
	return mod, nil
}

// importedModules lists the distinct module names compiled imports from.
func importedModules(compiled wazero.CompiledModule) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(mod string) {
		if !seen[mod] {
			seen[mod] = true
			out = append(out, mod)
		}
	}
	for _, def := range compiled.ImportedFunctions() {
		mod, _, _ := def.Import()
		add(mod)
	}
	for _, def := range compiled.ImportedMemories() {
		mod, _, _ := def.Import()
		add(mod)
	}
	return out
}

// hostFunc is a Go function exported by a host module.
type hostFunc struct {
	fn      any
	params  []api.ValueType
	results []api.ValueType
}

// hostModule instantiates host package pkg. Members whose signature has
// no wasm form are skipped.
func (e *Engine) hostModule(s *space, pkg string) (api.Module, error) {
	b := s.rt.NewHostModuleBuilder(pkg)
	funcs := make(map[string]hostFunc)
	for _, name := range s.hook.MemberNames(pkg) {
		v, ok := s.hook.Member(pkg, name)
		if !ok || v == nil || reflect.TypeOf(v).Kind() != reflect.Func {
			continue
		}
		params, results, ok := signature(reflect.TypeOf(v))
		if !ok {
			Logger().Debug("skipping host member",
				zap.String("package", pkg),
				zap.String("member", name))
			continue
		}
		hf := hostFunc{fn: v, params: params, results: results}
		funcs[name] = hf
		b.NewFunctionBuilder().
			WithGoModuleFunction(e.hostFunction(hf), params, results).
			WithName(name).
			Export(name)
	}
	mod, err := b.Instantiate(e.ctx)
	if err != nil {
		return nil, convertError(typeLink, err)
	}
	e.trackHost(s, mod, funcs)
	return mod, nil
}

// trackHost records the functions of host module mod. wazero refuses
// ExportedFunction on host modules, so calls from the host side dispatch
// through this table instead.
func (e *Engine) trackHost(s *space, mod api.Module, funcs map[string]hostFunc) {
	if e.hosts == nil {
		e.hosts = make(map[api.Module]map[string]hostFunc)
	}
	e.hosts[mod] = funcs
	s.hostMods = append(s.hostMods, mod)
}

// untrackHosts forgets the host modules of s once its runtime is closed.
func (e *Engine) untrackHosts(s *space) {
	for _, m := range s.hostMods {
		delete(e.hosts, m)
	}
	s.hostMods = nil
}

// invokeHost runs hf with its arguments on stack and writes the results
// back. The gil is released while hf runs.
func (e *Engine) invokeHost(hf hostFunc, stack []uint64) error {
	args := make([]any, len(hf.params))
	for i, t := range hf.params {
		args[i] = decode(stack[i], t)
	}

	var res any
	err := e.withoutGIL(func() error {
		var err error
		res, err = host.Invoke(hf.fn, args)
		return err
	})
	if err != nil {
		return err
	}
	return encodeResults(stack, res, hf.results)
}

// hostFunction adapts hf to the wazero stack calling convention.
func (e *Engine) hostFunction(hf hostFunc) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		if err := e.invokeHost(hf, stack); err != nil {
			e.hostErr = err
			panic(&hostPanic{err: err})
		}
	}
}

func encodeResults(stack []uint64, res any, types []api.ValueType) error {
	var vals []any
	switch len(types) {
	case 0:
		return nil
	case 1:
		vals = []any{res}
	default:
		var ok bool
		if vals, ok = res.([]any); !ok || len(vals) != len(types) {
			return errors.TypeMismatch(errors.PhaseHost, fmt.Sprintf("%T", res), "wrong number of results")
		}
	}
	for i, t := range types {
		v, err := encode(vals[i], t)
		if err != nil {
			return err
		}
		stack[i] = v
	}
	return nil
}

// importShared asks the importer for name and links the primary instance
// into c's space.
func (e *Engine) importShared(c *wasmContext, name string) (api.Module, error) {
	if e.primary == nil {
		return nil, errors.InvalidState(errors.PhaseImport, "shared-import", "engine not initialized")
	}
	s := c.space
	ps := e.primary.space

	pm := ps.rt.Module(name)
	if pm == nil {
		imp := s.importer
		if err := e.withoutGIL(func() error { return imp.SharedImport(name) }); err != nil {
			return nil, errors.EngineFailure(typeHost, err.Error(), err)
		}
		if pm = ps.rt.Module(name); pm == nil {
			return nil, errors.NotFound(errors.PhaseImport, "module", name)
		}
	}
	if s == ps {
		return pm, nil
	}

	hosted, isHost := e.hosts[pm]
	b := s.rt.NewHostModuleBuilder(name)
	for export, def := range pm.ExportedFunctionDefinitions() {
		fn := forwardFunction(pm, export, len(def.ParamTypes()))
		if isHost {
			fn = e.hostFunction(hosted[export])
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(fn, def.ParamTypes(), def.ResultTypes()).
			Export(export)
	}
	local, err := b.Instantiate(e.ctx)
	if err != nil {
		return nil, convertError(typeLink, err)
	}
	s.forwarded[name] = &forward{primary: pm, local: local}
	Logger().Debug("shared module linked",
		zap.Uint64("ctx", uint64(c.ptr)),
		zap.String("module", name))
	return pm, nil
}

// forwardFunction calls export of m. The primary instance is shared, so
// state changes are visible to every space.
func forwardFunction(m api.Module, export string, nparams int) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		res, err := m.ExportedFunction(export).Call(ctx, stack[:nparams]...)
		if err != nil {
			panic(err)
		}
		copy(stack, res)
	}
}

// unload drops name and name.* from the forwarded set of s.
func (e *Engine) unload(s *space, name string) error {
	prefix := name + "."
	var err error
	for m, f := range s.forwarded {
		if m != name && !strings.HasPrefix(m, prefix) {
			continue
		}
		if f.local != nil {
			if cerr := f.local.Close(e.ctx); cerr != nil && err == nil {
				err = convertError(typeLink, cerr)
			}
		}
		delete(s.forwarded, m)
	}
	return err
}
