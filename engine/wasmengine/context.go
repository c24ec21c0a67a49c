package wasmengine

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/internal/reftable"
)

// wasmContext is one execution context. Modules belong to the space; vars
// belong to the context. All fields are guarded by the engine's gil.
type wasmContext struct {
	engine *Engine
	ptr    embedruntime.ContextPtr
	space  *space
	mode   embedruntime.Mode

	vars   map[string]any
	loader fs.FS
	paths  []string
	stdout io.Writer
	stderr io.Writer

	shared []string
	refs   reftable.Table[*object]
}

func (c *wasmContext) out() io.Writer {
	if c.stdout != nil {
		return c.stdout
	}
	return os.Stdout
}

func (c *wasmContext) errOut() io.Writer {
	if c.stderr != nil {
		return c.stderr
	}
	return os.Stderr
}

// find locates the binary of module name. It returns nil when no source
// has it.
func (c *wasmContext) find(name string) ([]byte, error) {
	if bin, ok := c.engine.opts.Modules[name]; ok {
		return bin, nil
	}

	file := name + ".wasm"
	for _, dir := range c.paths {
		bin, err := os.ReadFile(filepath.Join(dir, file))
		if err == nil {
			return bin, nil
		}
		if !os.IsNotExist(err) {
			return nil, errors.EngineFailure(typeFile, err.Error(), nil)
		}
	}

	if c.loader != nil {
		bin, err := fs.ReadFile(c.loader, strings.ReplaceAll(name, ".", "/")+".wasm")
		if err == nil {
			return bin, nil
		}
	}
	return nil, nil
}

// resolve looks up a dotted path: a variable, a member of a module held in
// a variable, a module, or an export of the module named by the longest
// prefix of the path.
func (c *wasmContext) resolve(p path) (any, error) {
	parts := p.parts
	if v, ok := c.vars[parts[0]]; ok {
		if len(parts) == 1 {
			return v, nil
		}
		o, ok := v.(*object)
		if !ok || o.kind != kindModule {
			return nil, errors.TypeMismatch(errors.PhaseEngine, "", parts[0]+" has no members")
		}
		return member(o, strings.Join(parts[1:], "."))
	}

	if m := c.space.module(p.String()); m != nil {
		return moduleObject(m), nil
	}
	for k := len(parts) - 1; k >= 1; k-- {
		m := c.space.module(strings.Join(parts[:k], "."))
		if m == nil {
			continue
		}
		return member(moduleObject(m), strings.Join(parts[k:], "."))
	}
	return nil, errors.NotFound(errors.PhaseEngine, "name", p.String())
}

// module resolves a dotted name to a module instance without loading it.
func (c *wasmContext) module(name string) (*object, bool) {
	if v, ok := c.vars[name]; ok {
		o, ok := v.(*object)
		return o, ok && o.kind == kindModule
	}
	m := c.space.module(name)
	if m == nil {
		return nil, false
	}
	return moduleObject(m), true
}

// member returns an export of a module: functions and memories as
// objects, globals by value.
func member(o *object, name string) (any, error) {
	m := o.mod
	if _, ok := m.ExportedFunctionDefinitions()[name]; ok {
		return &object{kind: kindFunction, name: o.name + "." + name, mod: m, export: name}, nil
	}
	if g := m.ExportedGlobal(name); g != nil {
		return decode(g.Get(), g.Type()), nil
	}
	if mem := m.ExportedMemory(name); mem != nil {
		return &object{kind: kindMemory, name: o.name + "." + name, mod: m, mem: mem}, nil
	}
	return nil, errors.NotFound(errors.PhaseEngine, "export", o.name+"."+name)
}
