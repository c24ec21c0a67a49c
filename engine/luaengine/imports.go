package luaengine

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

// InstallImportHook puts a loader in front of package.loaders that builds
// host packages known to enq. Contexts of one state share their loaders, so
// only the first install per state takes effect.
func (e *Engine) InstallImportHook(ptr embedruntime.ContextPtr, enq embedruntime.Enquirer) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "install-import-hook")
	if err != nil {
		return err
	}
	rs := e.rootOf(c)
	if rs.hookInstalled {
		return nil
	}

	loaders := loadersOf(c.root)
	if loaders == nil {
		return errors.NotFound(errors.PhaseImport, "table", "package.loaders")
	}
	loaders.Insert(1, c.root.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !enq.IsPackage(name) {
			L.Push(lua.LString(fmt.Sprintf("\n\tno host package '%s'", name)))
			return 1
		}
		L.Push(L.NewFunction(func(L *lua.LState) int {
			L.Push(e.hostPackage(L, enq, name))
			return 1
		}))
		return 1
	}))
	rs.hookInstalled = true
	return nil
}

// hostPackage builds the module table for pkg. Subpackages resolve lazily
// on first access and are recorded in package.loaded.
func (e *Engine) hostPackage(L *lua.LState, enq embedruntime.Enquirer, pkg string) *lua.LTable {
	t := L.NewTable()
	c := e.byState[L]
	for _, name := range enq.MemberNames(pkg) {
		v, ok := enq.Member(pkg, name)
		if !ok {
			continue
		}
		lv, err := e.toLua(c, L, v)
		if err != nil {
			Logger().Debug("skipping host member",
				zap.String("package", pkg),
				zap.String("member", name),
				zap.Error(err))
			continue
		}
		t.RawSetString(name, lv)
	}

	if len(enq.SubPackages(pkg)) == 0 {
		return t
	}
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		key, ok := L.Get(2).(lua.LString)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		full := pkg + "." + string(key)
		if !enq.IsPackage(full) {
			L.Push(lua.LNil)
			return 1
		}
		loaded := loadedOf(L)
		sub, ok := loaded.RawGetString(full).(*lua.LTable)
		if !ok {
			sub = e.hostPackage(L, enq, full)
			loaded.RawSetString(full, sub)
		}
		L.CheckTable(1).RawSetString(string(key), sub)
		L.Push(sub)
		return 1
	}))
	t.Metatable = mt
	return t
}

// InstallSharedImporter routes require of modules, and of their
// submodules, through imp. The module table itself lives in the primary
// state; the context receives the same table by reference.
func (e *Engine) InstallSharedImporter(ptr embedruntime.ContextPtr, modules []string, imp embedruntime.SharedImporter) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "install-shared-importer")
	if err != nil {
		return err
	}
	if c == e.primary {
		return errors.InvalidInput(errors.PhaseImport, "the primary context cannot import shared modules")
	}
	if len(c.shared) > 0 {
		return errors.InvalidState(errors.PhaseImport, "install-shared-importer", "shared importer already installed")
	}

	rs := e.rootOf(c)
	if rs.sharedCounts == nil {
		rs.sharedCounts = make(map[string]int)
	}
	for _, m := range modules {
		rs.sharedCounts[m]++
	}
	c.shared = append([]string(nil), modules...)

	if rs.importer != nil {
		return nil
	}
	loaders := loadersOf(c.root)
	if loaders == nil {
		return errors.NotFound(errors.PhaseImport, "table", "package.loaders")
	}
	rs.importer = c.root.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !rs.isShared(name) {
			L.Push(lua.LString(fmt.Sprintf("\n\tno shared module '%s'", name)))
			return 1
		}
		mod, err := e.sharedModule(L, name, imp)
		if err != nil {
			raiseHostError(L, err)
			return 0
		}
		L.Push(L.NewFunction(func(L *lua.LState) int {
			L.Push(mod)
			return 1
		}))
		return 1
	})
	loaders.Insert(1, rs.importer)
	return nil
}

// sharedModule returns the primary state's copy of name, asking imp to
// import it first when needed. Loaded submodules are copied along.
func (e *Engine) sharedModule(L *lua.LState, name string, imp embedruntime.SharedImporter) (lua.LValue, error) {
	if e.primary == nil {
		return nil, errors.InvalidState(errors.PhaseImport, "shared-import", "engine not initialized")
	}
	ploaded := loadedOf(e.primary.L)
	if !lua.LVAsBool(ploaded.RawGetString(name)) {
		if err := e.withoutGIL(func() error { return imp.SharedImport(name) }); err != nil {
			return nil, err
		}
		ploaded = loadedOf(e.primary.L)
	}
	mod := ploaded.RawGetString(name)
	if mod == lua.LNil {
		return nil, errors.NotFound(errors.PhaseImport, "module", name)
	}

	loaded := loadedOf(L)
	prefix := name + "."
	ploaded.ForEach(func(k, v lua.LValue) {
		s, ok := k.(lua.LString)
		if !ok || !strings.HasPrefix(string(s), prefix) {
			return
		}
		if loaded.RawGetString(string(s)) == lua.LNil {
			loaded.RawSetString(string(s), v)
		}
	})
	return mod, nil
}

// RemoveSharedImporter unloads the context's shared modules once no other
// context of the same state still uses them.
func (e *Engine) RemoveSharedImporter(ptr embedruntime.ContextPtr) error {
	e.gil.Lock()
	defer e.gil.Unlock()

	c, err := e.context(ptr, "remove-shared-importer")
	if err != nil {
		return err
	}
	if len(c.shared) == 0 {
		return nil
	}

	rs := e.rootOf(c)
	loaded := loadedOf(c.root)
	for _, m := range c.shared {
		rs.sharedCounts[m]--
		if rs.sharedCounts[m] > 0 {
			continue
		}
		delete(rs.sharedCounts, m)
		unload(loaded, m)
	}
	c.shared = nil

	if len(rs.sharedCounts) == 0 && rs.importer != nil {
		removeLoader(loadersOf(c.root), rs.importer)
		rs.importer = nil
	}
	return nil
}

func (rs *rootState) isShared(name string) bool {
	for m, n := range rs.sharedCounts {
		if n > 0 && (name == m || strings.HasPrefix(name, m+".")) {
			return true
		}
	}
	return false
}

// unload removes name and name.* from loaded.
func unload(loaded *lua.LTable, name string) {
	if loaded == nil {
		return
	}
	prefix := name + "."
	var keys []string
	loaded.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok && (string(s) == name || strings.HasPrefix(string(s), prefix)) {
			keys = append(keys, string(s))
		}
	})
	for _, k := range keys {
		loaded.RawSetString(k, lua.LNil)
	}
}
