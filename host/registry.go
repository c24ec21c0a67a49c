package host

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/wippyai/embed-runtime/errors"
)

// Host is the interface for struct-based host packages.
// All exported methods (except Package and Register) become members.
type Host interface {
	// Package returns the dotted package name, e.g. "host.math".
	Package() string
}

// ExplicitRegistrar lets a host provide its member table directly when
// automatic PascalCase-to-snake_case naming doesn't fit.
type ExplicitRegistrar interface {
	Register() map[string]any
}

// Registry maps host packages to their members. It is safe for concurrent
// use and implements embedruntime.Enquirer.
type Registry struct {
	pkgs map[string]map[string]any
	mu   sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		pkgs: make(map[string]map[string]any),
	}
}

func (r *Registry) RegisterHost(h Host) error {
	pkg := h.Package()
	if !validPackage(pkg) {
		return errors.InvalidInput(errors.PhaseHost, fmt.Sprintf("invalid package name %q", pkg))
	}

	members := make(map[string]any)

	if er, ok := h.(ExplicitRegistrar); ok {
		for name, m := range er.Register() {
			if !validIdent(name) {
				return errors.Registration(pkg, name, errors.InvalidInput(errors.PhaseHost, "invalid member name"))
			}
			members[name] = m
		}
	} else {
		rv := reflect.ValueOf(h)
		rt := rv.Type()
		for i := 0; i < rt.NumMethod(); i++ {
			method := rt.Method(i)
			if !method.IsExported() || method.Name == "Package" {
				continue
			}
			members[toSnakeCase(method.Name)] = rv.Method(i).Interface()
		}
	}

	if len(members) == 0 {
		return errors.Registration(pkg, "*", errors.InvalidInput(errors.PhaseHost, "host exports no members"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	dst := r.ensure(pkg)
	for name, m := range members {
		dst[name] = m
	}
	return nil
}

func (r *Registry) RegisterFunc(pkg, name string, fn any) error {
	if err := checkNames(pkg, name); err != nil {
		return err
	}
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func {
		return errors.Registration(pkg, name, errors.TypeMismatch(errors.PhaseHost, typeName(fn), "handler must be a function"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(pkg)[name] = fn
	return nil
}

// RegisterValue exports a constant value. Functions are accepted too and
// behave as with RegisterFunc.
func (r *Registry) RegisterValue(pkg, name string, v any) error {
	if err := checkNames(pkg, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(pkg)[name] = v
	return nil
}

// IsPackage reports whether name is a registered package or a prefix of one.
func (r *Registry) IsPackage(name string) bool {
	if name == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.pkgs[name]; ok {
		return true
	}
	prefix := name + "."
	for pkg := range r.pkgs {
		if strings.HasPrefix(pkg, prefix) {
			return true
		}
	}
	return false
}

// MemberNames returns the sorted member names of pkg.
func (r *Registry) MemberNames(pkg string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.pkgs[pkg]
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubPackages returns the sorted short names of packages directly below pkg.
func (r *Registry) SubPackages(pkg string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := pkg + "."
	seen := make(map[string]bool)
	for name := range r.pkgs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = true
	}

	subs := make([]string, 0, len(seen))
	for s := range seen {
		subs = append(subs, s)
	}
	sort.Strings(subs)
	return subs
}

func (r *Registry) Member(pkg, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.pkgs[pkg][name]
	return m, ok
}

// Packages returns every registered package name, sorted.
func (r *Registry) Packages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pkgs))
	for pkg := range r.pkgs {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ensure(pkg string) map[string]any {
	m := r.pkgs[pkg]
	if m == nil {
		m = make(map[string]any)
		r.pkgs[pkg] = m
	}
	return m
}

func checkNames(pkg, name string) error {
	if !validPackage(pkg) {
		return errors.InvalidInput(errors.PhaseHost, fmt.Sprintf("invalid package name %q", pkg))
	}
	if !validIdent(name) {
		return errors.InvalidInput(errors.PhaseHost, fmt.Sprintf("invalid member name %q", name))
	}
	return nil
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
