package embedruntime

import (
	"io"
	"io/fs"
)

// ContextPtr identifies one engine execution context. Zero is never a valid
// context.
type ContextPtr uintptr

// ObjectPtr identifies one engine object reference within a context. Zero is
// never a valid object.
type ObjectPtr uintptr

// Object is an engine object handed to the host. It carries a new reference
// owned by the receiver, which must release it with Engine.Decref.
type Object struct {
	Type     string
	Ptr      ObjectPtr
	Callable bool
}

// Mode selects how a context relates to the engine's global state.
type Mode uint8

const (
	// ModeIsolated creates a wholly separate execution context.
	ModeIsolated Mode = iota
	// ModeShared attaches to one process-wide context created on first use.
	ModeShared
	// ModeMain attaches directly to the primary context created by Initialize.
	ModeMain
)

func (m Mode) String() string {
	switch m {
	case ModeIsolated:
		return "isolated"
	case ModeShared:
		return "shared"
	case ModeMain:
		return "main"
	}
	return "unknown"
}

// ContextOptions configures a new execution context.
type ContextOptions struct {
	// Loader is searched for modules after the engine's own search path.
	Loader fs.FS

	// Stdout and Stderr redirect engine output when non-nil.
	Stdout io.Writer
	Stderr io.Writer

	// IncludePaths are appended to the context's module search path.
	IncludePaths []string

	// Primary is the context returned by Initialize.
	Primary ContextPtr

	Mode Mode

	// SharedModules reports whether shared modules will be registered.
	SharedModules bool
}

// Enquirer answers which host packages are importable from engine code.
type Enquirer interface {
	// IsPackage reports whether name resolves to a host package.
	IsPackage(name string) bool

	// MemberNames lists the members directly exported by pkg.
	MemberNames(pkg string) []string

	// SubPackages lists the short names of the packages nested under pkg.
	SubPackages(pkg string) []string

	// Member returns one exported member of pkg.
	Member(pkg, name string) (any, bool)
}

// SharedImporter imports a module once, on the coordinator goroutine, so it
// can be shared by reference across isolated contexts.
type SharedImporter interface {
	SharedImport(module string) error
}

// Engine is the native call surface of an embedded engine.
//
// Contract:
//   - Concurrency: every method except Name may block. Methods taking a
//     ContextPtr must be called from the OS thread that created the context.
//     Engines serialize execution behind their own global lock and release it
//     while host callbacks run.
//   - Errors: engine-reported failures are returned as *errors.Error with
//     Kind engine; when a host callback triggered the failure, its error is
//     the Cause.
//   - Ownership: Object values returned by any method carry a new reference.
type Engine interface {
	// Name returns a short engine identifier used in logs.
	Name() string

	// Initialize performs the one-time global bring-up and returns the
	// primary context. It runs on the coordinator goroutine and is never
	// retried.
	Initialize() (ContextPtr, error)

	// SharedImport imports module into the primary context.
	SharedImport(primary ContextPtr, module string) error

	NewContext(opts ContextOptions) (ContextPtr, error)
	CloseContext(ctx ContextPtr) error

	// Compiles reports whether src is a complete statement on its own.
	Compiles(ctx ContextPtr, src string) (bool, error)

	Eval(ctx ContextPtr, stmt string) error
	Exec(ctx ContextPtr, code string) error
	RunScript(ctx ContextPtr, path string) error
	Invoke(ctx ContextPtr, name string, args []any, kwargs map[string]any) (any, error)
	GetValue(ctx ContextPtr, expr string) (any, error)
	SetValue(ctx ContextPtr, name string, v any) error
	CreateModule(ctx ContextPtr, name string) (Object, error)

	GetAttr(ctx ContextPtr, obj ObjectPtr, name string) (any, error)
	SetAttr(ctx ContextPtr, obj ObjectPtr, name string, v any) error
	DelAttr(ctx ContextPtr, obj ObjectPtr, name string) error
	Call(ctx ContextPtr, obj ObjectPtr, args []any, kwargs map[string]any) (any, error)

	Incref(ctx ContextPtr, obj ObjectPtr) error
	Decref(ctx ContextPtr, obj ObjectPtr) error

	// InstallImportHook makes host packages known to e importable.
	InstallImportHook(ctx ContextPtr, e Enquirer) error

	// InstallSharedImporter routes imports of modules (and their
	// submodules) through imp.
	InstallSharedImporter(ctx ContextPtr, modules []string, imp SharedImporter) error

	// RemoveSharedImporter unloads shared modules from ctx.
	RemoveSharedImporter(ctx ContextPtr) error
}
