package wasmengine

import (
	"bytes"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/host"
)

func newEngine(t *testing.T, opts Options) (*Engine, embedruntime.ContextPtr) {
	t.Helper()
	if opts.Modules == nil {
		opts.Modules = map[string][]byte{
			"math":    mathModule(),
			"counter": counterModule(),
			"client":  clientModule(),
		}
	}
	e := New(opts)
	primary, err := e.Initialize()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, primary
}

func newContext(t *testing.T, e *Engine, opts embedruntime.ContextOptions) embedruntime.ContextPtr {
	t.Helper()
	ctx, err := e.NewContext(opts)
	require.NoError(t, err)
	return ctx
}

func engineError(t *testing.T, err error) *errors.Error {
	t.Helper()
	var re *errors.Error
	require.ErrorAs(t, err, &re)
	return re
}

func TestInitializeOnce(t *testing.T) {
	e, primary := newEngine(t, Options{})
	assert.NotZero(t, primary)
	assert.Equal(t, "wasm", e.Name())

	_, err := e.Initialize()
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestNewContextBeforeInitialize(t *testing.T) {
	e := New(Options{})
	_, err := e.NewContext(embedruntime.ContextOptions{})
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestInvoke(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.Exec(ctx, `m = require("math")`))

	tests := []struct {
		name string
		args []any
		want any
	}{
		{"math.add", []any{2, 3}, int32(5)},
		{"m.add", []any{int64(-1), int32(1)}, int32(0)},
		{"math.half", []any{3.0}, 1.5},
		{"math.half", []any{3}, 1.5},
		{"math.pair", []any{4}, []any{int32(4), int32(5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Invoke(ctx, tt.name, tt.args, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvokeErrors(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.Exec(ctx, `require("math")`))

	tests := []struct {
		name   string
		fn     string
		args   []any
		kwargs map[string]any
		kind   errors.Kind
	}{
		{"missing export", "math.nope", nil, nil, errors.KindNotFound},
		{"missing module", "nothing.add", nil, nil, errors.KindNotFound},
		{"global is not callable", "math.seven", nil, nil, errors.KindTypeMismatch},
		{"arity", "math.add", []any{1}, nil, errors.KindInvalidInput},
		{"out of range", "math.add", []any{int64(1) << 40, 1}, nil, errors.KindTypeMismatch},
		{"not a number", "math.add", []any{"x", 1}, nil, errors.KindTypeMismatch},
		{"keyword arguments", "math.add", []any{1, 2}, map[string]any{"x": 1}, errors.KindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Invoke(ctx, tt.fn, tt.args, tt.kwargs)
			assert.Equal(t, tt.kind, engineError(t, err).Kind)
		})
	}

	_, err := e.Invoke(ctx, "math.boom", nil, nil)
	re := engineError(t, err)
	assert.Equal(t, errors.KindEngine, re.Kind)
	assert.Equal(t, "trap", re.EngineType)
	assert.Nil(t, errors.HostCause(err))
}

func TestGetValue(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.Exec(ctx, "m = require(\"math\")\nsum = m.add(40, 2); half = m.half(1.0)"))

	tests := []struct {
		expr string
		want any
	}{
		{"sum", int32(42)},
		{"half", 0.5},
		{"math.seven", int32(7)},
		{"m.seven", int32(7)},
		{"math.add(1, -2)", int32(-1)},
		{"math.add(sum, 1)", int32(43)},
		{`"text"`, "text"},
		{"true", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.GetValue(ctx, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := e.GetValue(ctx, "missing")
	assert.Equal(t, errors.KindNotFound, engineError(t, err).Kind)

	_, err = e.GetValue(ctx, "sum sum")
	assert.Equal(t, "syntax", engineError(t, err).EngineType)
}

func TestEvalPrints(t *testing.T) {
	e, _ := newEngine(t, Options{})
	var out bytes.Buffer
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated, Stdout: &out})

	require.NoError(t, e.Eval(ctx, `require("math")`))
	require.NoError(t, e.Eval(ctx, "math.add(2, 3)"))
	require.NoError(t, e.Eval(ctx, "x = math.half(1)"))
	require.NoError(t, e.Eval(ctx, "x"))
	require.NoError(t, e.Eval(ctx, "math.pair(4)"))
	assert.Equal(t, "<module math>\n5\n0.5\n4\t5\n", out.String())
}

func TestCompiles(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})

	tests := []struct {
		src  string
		want bool
	}{
		{"math.add(1, 2)", true},
		{"x = 1; y = 2", true},
		{"math.add(1,", false},
		{"math.add(1,\n2)", true},
		{`"open`, false},
		{"a b", false},
		{string(mathModule()), true},
	}
	for _, tt := range tests {
		got, err := e.Compiles(ctx, tt.src)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%q", tt.src)
	}
}

func TestGlobals(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.Exec(ctx, `require("counter"); require("math")`))

	require.NoError(t, e.SetValue(ctx, "counter.value", 41))
	got, err := e.Invoke(ctx, "counter.inc", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	require.NoError(t, e.Exec(ctx, "counter.value = 0"))
	got, err = e.GetValue(ctx, "counter.value")
	require.NoError(t, err)
	assert.Equal(t, int32(0), got)

	err = e.SetValue(ctx, "math.seven", 8)
	assert.Equal(t, errors.KindInvalidInput, engineError(t, err).Kind)

	err = e.SetValue(ctx, "nothing.value", 1)
	assert.Equal(t, errors.KindNotFound, engineError(t, err).Kind)
}

func TestObjects(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.Exec(ctx, `require("math")`))

	v, err := e.GetValue(ctx, "math")
	require.NoError(t, err)
	mod := v.(embedruntime.Object)
	assert.Equal(t, "module", mod.Type)
	assert.False(t, mod.Callable)

	v, err = e.GetAttr(ctx, mod.Ptr, "add")
	require.NoError(t, err)
	add := v.(embedruntime.Object)
	assert.True(t, add.Callable)

	got, err := e.Call(ctx, add.Ptr, []any{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), got)

	arity, err := e.GetAttr(ctx, add.Ptr, "arity")
	require.NoError(t, err)
	assert.Equal(t, int64(2), arity)

	seven, err := e.GetAttr(ctx, mod.Ptr, "seven")
	require.NoError(t, err)
	assert.Equal(t, int32(7), seven)

	v, err = e.GetAttr(ctx, mod.Ptr, "mem")
	require.NoError(t, err)
	mem := v.(embedruntime.Object)
	assert.Equal(t, "memory", mem.Type)
	pages, err := e.GetAttr(ctx, mem.Ptr, "pages")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pages)

	// Objects can be passed back as arguments to SetValue and used by name.
	require.NoError(t, e.SetValue(ctx, "f", add))
	got, err = e.GetValue(ctx, "f(5, 5)")
	require.NoError(t, err)
	assert.Equal(t, int32(10), got)

	assert.ErrorIs(t, e.DelAttr(ctx, mod.Ptr, "add"), &errors.Error{Kind: errors.KindUnsupported})
	_, err = e.Call(ctx, mod.Ptr, nil, nil)
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindTypeMismatch})
	_, err = e.GetAttr(ctx, mod.Ptr, "nope")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})
}

func TestRefCounting(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.Exec(ctx, `require("math")`))

	v, err := e.GetValue(ctx, "math.add")
	require.NoError(t, err)
	obj := v.(embedruntime.Object)
	assert.Equal(t, 1, e.RefCount(ctx, obj.Ptr))

	require.NoError(t, e.Incref(ctx, obj.Ptr))
	assert.Equal(t, 2, e.RefCount(ctx, obj.Ptr))
	require.NoError(t, e.Decref(ctx, obj.Ptr))
	require.NoError(t, e.Decref(ctx, obj.Ptr))
	assert.Equal(t, 0, e.LiveObjects(ctx))

	assert.ErrorIs(t, e.Decref(ctx, obj.Ptr), &errors.Error{Kind: errors.KindNotFound})
	_, err = e.Call(ctx, obj.Ptr, []any{1, 2}, nil)
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})
}

func TestCreateModule(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})

	mod, err := e.CreateModule(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, "module", mod.Type)

	_, err = e.CreateModule(ctx, "scratch")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindInvalidInput})

	v, err := e.GetValue(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, "module", v.(embedruntime.Object).Type)
}

func TestExecBinary(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.Exec(ctx, string(mathModule())))

	err := e.Exec(ctx, "\x00asm\x01\x00\x00\x00\xff")
	assert.Equal(t, "compile", engineError(t, err).EngineType)
}

func TestImportHook(t *testing.T) {
	boom := stderrors.New("refused")
	reg := host.NewRegistry()
	require.NoError(t, reg.RegisterFunc("host.math", "twice", func(x int64) int64 { return 2 * x }))
	require.NoError(t, reg.RegisterFunc("host.math", "fail", func(int64) (int64, error) { return 0, boom }))
	require.NoError(t, reg.RegisterFunc("host.math", "describe", func(s string) string { return s }))

	e, _ := newEngine(t, Options{Modules: map[string][]byte{
		"hosted":  hostedModule("host.math", "twice"),
		"failing": hostedModule("host.math", "fail"),
	}})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})
	require.NoError(t, e.InstallImportHook(ctx, reg))

	require.NoError(t, e.Exec(ctx, `require("hosted"); require("failing")`))
	got, err := e.Invoke(ctx, "hosted.run", []any{21}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	// Members of the host module are called directly too.
	got, err = e.GetValue(ctx, "host.math.twice(4)")
	require.NoError(t, err)
	assert.Equal(t, int64(8), got)

	got, err = e.Invoke(ctx, "host.math.twice", []any{5}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	fn, err := e.GetValue(ctx, "host.math.twice")
	require.NoError(t, err)
	obj, ok := fn.(embedruntime.Object)
	require.True(t, ok)
	assert.True(t, obj.Callable)
	arity, err := e.GetAttr(ctx, obj.Ptr, "arity")
	require.NoError(t, err)
	assert.Equal(t, int64(1), arity)
	got, err = e.Call(ctx, obj.Ptr, []any{int64(6)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got)
	require.NoError(t, e.Decref(ctx, obj.Ptr))

	_, err = e.GetValue(ctx, "host.math.fail(1)")
	assert.Equal(t, "host", engineError(t, err).EngineType)
	assert.Same(t, boom, errors.HostCause(err))

	// Members without a wasm signature are not exported.
	_, err = e.GetValue(ctx, "host.math.describe")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})

	_, err = e.Invoke(ctx, "failing.run", []any{1}, nil)
	re := engineError(t, err)
	assert.Equal(t, "host", re.EngineType)
	assert.Same(t, boom, errors.HostCause(err))

	// A later call is not blamed on the earlier host error.
	_, err = e.Invoke(ctx, "hosted.run", []any{1}, nil)
	require.NoError(t, err)
}

type directImporter struct {
	e       *Engine
	primary embedruntime.ContextPtr
	calls   []string
}

// SharedImport runs on a separate goroutine like the coordinator does.
func (d *directImporter) SharedImport(module string) error {
	d.calls = append(d.calls, module)
	done := make(chan error, 1)
	go func() { done <- d.e.SharedImport(d.primary, module) }()
	return <-done
}

func TestSharedImporter(t *testing.T) {
	e, primary := newEngine(t, Options{})
	imp := &directImporter{e: e, primary: primary}

	a := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated, Primary: primary, SharedModules: true})
	b := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated, Primary: primary, SharedModules: true})
	require.NoError(t, e.InstallSharedImporter(a, []string{"counter"}, imp))
	require.NoError(t, e.InstallSharedImporter(b, []string{"counter"}, imp))

	// client imports counter.inc, which resolves to the shared instance.
	require.NoError(t, e.Exec(a, `require("client")`))
	require.NoError(t, e.Exec(b, `require("client")`))

	got, err := e.Invoke(a, "client.bump", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)

	got, err = e.Invoke(b, "client.bump", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), got, "both contexts share one instance")
	assert.Equal(t, []string{"counter"}, imp.calls)

	got, err = e.GetValue(a, "counter.value")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got)

	// Modules that are not shared stay per context.
	require.NoError(t, e.Exec(a, `require("math")`))
	_, err = e.GetValue(b, "math.seven")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})

	require.NoError(t, e.RemoveSharedImporter(a))
	_, err = e.GetValue(a, "counter.value")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})

	got, err = e.GetValue(b, "counter.value")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got)
}

type failingImporter struct{ err error }

func (f failingImporter) SharedImport(string) error { return f.err }

func TestSharedImporterFailure(t *testing.T) {
	e, primary := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated, Primary: primary})
	boom := stderrors.New("import refused")
	require.NoError(t, e.InstallSharedImporter(ctx, []string{"counter"}, failingImporter{boom}))

	err := e.Exec(ctx, `require("counter")`)
	assert.Same(t, boom, errors.HostCause(err))
}

func TestSharedMode(t *testing.T) {
	e, _ := newEngine(t, Options{})
	a := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeShared})
	b := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeShared})

	require.NoError(t, e.Exec(a, `require("math"); x = 1`))
	require.NoError(t, e.Exec(b, "x = 2"))

	got, err := e.GetValue(b, "math.seven")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got, "modules are shared")

	got, err = e.GetValue(a, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "variables are per context")

	require.NoError(t, e.CloseContext(a))
	got, err = e.GetValue(b, "math.add(1, 1)")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got)
}

func TestMainMode(t *testing.T) {
	e, primary := newEngine(t, Options{})
	require.NoError(t, e.SharedImport(primary, "math"))

	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeMain, Primary: primary})
	got, err := e.GetValue(ctx, "math.seven")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)

	assert.Error(t, e.SharedImport(ctx, "counter"), "shared imports need the primary context")
	assert.Error(t, e.InstallSharedImporter(primary, []string{"counter"}, failingImporter{}))
}

func TestLoaderAndIncludePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk.wasm"), mathModule(), 0o644))

	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{
		Mode:         embedruntime.ModeIsolated,
		Loader:       fstest.MapFS{"pkg/adder.wasm": {Data: mathModule()}},
		IncludePaths: []string{dir},
	})

	require.NoError(t, e.Exec(ctx, `a = require("pkg.adder"); d = require("disk")`))
	got, err := e.GetValue(ctx, "a.add(1, 2)")
	require.NoError(t, err)
	assert.Equal(t, int32(3), got)

	got, err = e.GetValue(ctx, "disk.seven")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)

	err = e.Exec(ctx, `require("nowhere")`)
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})
}

func TestRunScript(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "prog.wasm")
	script := filepath.Join(dir, "setup.txt")
	require.NoError(t, os.WriteFile(prog, mathModule(), 0o644))
	require.NoError(t, os.WriteFile(script, []byte("// setup\nm = require(\"math\")\nresult = m.add(40, 2)\n"), 0o644))

	e, _ := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})

	require.NoError(t, e.RunScript(ctx, prog))
	got, err := e.GetValue(ctx, "prog.seven")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)

	require.NoError(t, e.RunScript(ctx, script))
	got, err = e.GetValue(ctx, "result")
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	err = e.RunScript(ctx, filepath.Join(dir, "missing.wasm"))
	assert.Equal(t, "file", engineError(t, err).EngineType)
}

func TestCloseContext(t *testing.T) {
	e, primary := newEngine(t, Options{})
	ctx := newContext(t, e, embedruntime.ContextOptions{Mode: embedruntime.ModeIsolated})

	require.NoError(t, e.CloseContext(ctx))
	assert.ErrorIs(t, e.Exec(ctx, "x = 1"), errors.ErrInvalidState)
	assert.ErrorIs(t, e.CloseContext(ctx), errors.ErrInvalidState)
	assert.Error(t, e.CloseContext(primary))
}
