package luaengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	lua "github.com/yuin/gopher-lua"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/internal/reftable"
)

// luaContext is one execution context. All fields are guarded by the
// engine's gil.
type luaContext struct {
	engine *Engine
	ptr    embedruntime.ContextPtr

	// L runs the context's code. It equals root for isolated contexts and
	// is a thread of root otherwise.
	L    *lua.LState
	root *lua.LState
	env  *lua.LTable

	mode   embedruntime.Mode
	cancel context.CancelFunc

	stdout io.Writer
	stderr io.Writer

	// loaders are entries this context added to root's package.loaders.
	loaders []*lua.LFunction
	shared  []string
	refs    reftable.Table[lua.LValue]
}

// rootState is bookkeeping shared by every context of one lua.LState.
type rootState struct {
	importer      *lua.LFunction
	sharedCounts  map[string]int
	hookInstalled bool
}

func (e *Engine) rootOf(c *luaContext) *rootState {
	rs := e.roots[c.root]
	if rs == nil {
		rs = &rootState{}
		e.roots[c.root] = rs
	}
	return rs
}

// protect runs fn on the context's state, restores the stack, and converts
// Lua errors.
func (c *luaContext) protect(fn func(L *lua.LState) error) error {
	top := c.L.GetTop()
	defer c.L.SetTop(top)
	return convertError(fn(c.L))
}

func (c *luaContext) out() io.Writer {
	if c.stdout != nil {
		return c.stdout
	}
	return os.Stdout
}

// installPrint replaces print in the context's environment so output goes
// to the configured writer.
func (c *luaContext) installPrint() {
	if c.stdout == nil {
		return
	}
	c.env.RawSetString("print", c.L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		var b bytes.Buffer
		for i := 1; i <= n; i++ {
			if i > 1 {
				b.WriteByte('\t')
			}
			b.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		b.WriteByte('\n')
		_, _ = c.out().Write(b.Bytes())
		return 0
	}))
}

// appendPath adds dirs to package.path of the root state.
func (c *luaContext) appendPath(dirs []string) {
	pkg, ok := c.root.GetField(c.root.G.Global, "package").(*lua.LTable)
	if !ok {
		return
	}
	cur := lua.LVAsString(pkg.RawGetString("path"))
	parts := []string{cur}
	for _, d := range dirs {
		d = strings.TrimRight(d, "/")
		parts = append(parts, d+"/?.lua", d+"/?/init.lua")
	}
	pkg.RawSetString("path", lua.LString(strings.Join(parts, ";")))
}

// installFSLoader appends a loader that searches fsys for a.b as a/b.lua
// and a/b/init.lua.
func (c *luaContext) installFSLoader(fsys fs.FS) {
	fn := c.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		base := strings.ReplaceAll(name, ".", "/")
		var tried []string
		for _, p := range []string{base + ".lua", path.Join(base, "init.lua")} {
			src, err := fs.ReadFile(fsys, p)
			if err != nil {
				tried = append(tried, fmt.Sprintf("\n\tno file '%s' in loader", p))
				continue
			}
			chunk, err := L.Load(bytes.NewReader(src), "@"+p)
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(chunk)
			return 1
		}
		L.Push(lua.LString(strings.Join(tried, "")))
		return 1
	})
	c.addLoader(fn, -1)
}

// addLoader inserts fn into the root's loaders at pos (1-based), or at the
// end when pos < 1.
func (c *luaContext) addLoader(fn *lua.LFunction, pos int) {
	loaders := loadersOf(c.root)
	if loaders == nil {
		return
	}
	if pos < 1 {
		loaders.Append(fn)
	} else {
		loaders.Insert(pos, fn)
	}
	c.loaders = append(c.loaders, fn)
}

func (c *luaContext) removeLoaders() {
	loaders := loadersOf(c.root)
	for _, fn := range c.loaders {
		removeLoader(loaders, fn)
	}
	c.loaders = nil
}

func loadersOf(L *lua.LState) *lua.LTable {
	t, _ := L.GetField(L.Get(lua.RegistryIndex), "_LOADERS").(*lua.LTable)
	return t
}

func loadedOf(L *lua.LState) *lua.LTable {
	t, _ := L.GetField(L.Get(lua.RegistryIndex), "_LOADED").(*lua.LTable)
	return t
}

func removeLoader(loaders *lua.LTable, fn *lua.LFunction) {
	if loaders == nil {
		return
	}
	for i := 1; i <= loaders.Len(); i++ {
		if loaders.RawGetInt(i) == fn {
			loaders.Remove(i)
			return
		}
	}
}
