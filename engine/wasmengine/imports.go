package wasmengine

import (
	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

// InstallImportHook makes host packages known to enq importable as modules
// of the same name. Contexts of one space share the hook; the first install
// wins.
func (e *Engine) InstallImportHook(ptr embedruntime.ContextPtr, enq embedruntime.Enquirer) error {
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

// InstallSharedImporter routes imports of modules, and of their
// submodules, through imp. Their instances live in the primary runtime.
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

	s := c.space
	if s.sharedCounts == nil {
		s.sharedCounts = make(map[string]int)
	}
	for _, m := range modules {
		s.sharedCounts[m]++
	}
	c.shared = append([]string(nil), modules...)
	if s.importer == nil {
		s.importer = imp
	}
	return nil
}

// RemoveSharedImporter unlinks the context's shared modules once no other
// context of the same space still uses them.
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

	s := c.space
	var firstErr error
	for _, m := range c.shared {
		s.sharedCounts[m]--
		if s.sharedCounts[m] > 0 {
			continue
		}
		delete(s.sharedCounts, m)
		if err := e.unload(s, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.shared = nil
	if len(s.sharedCounts) == 0 {
		s.importer = nil
	}
	return firstErr
}
