package interp

import (
	"fmt"

	"go.uber.org/multierr"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/resource"
)

// Handle references one engine object on behalf of host code. It holds
// one engine reference, released exactly once: by Close, by the
// interpreter's reclamation sweep after the Handle became unreachable, or
// when the interpreter closes.
//
// Handles belong to their interpreter's thread like every other operation.
type Handle struct {
	ip       *Interpreter
	ref      *resource.Ref
	ptr      embedruntime.ObjectPtr
	typ      string
	callable bool

	// extra holds the references taken with Incref. The registry tracks
	// them like ref, so interpreter close releases them too.
	extra []*resource.Ref
}

// track wraps obj, which carries a new reference, in a tracked Handle.
func (ip *Interpreter) track(obj embedruntime.Object) (*Handle, error) {
	ref, err := ip.refs.Track(uintptr(obj.Ptr))
	if err != nil {
		derr := ip.engine.Decref(ip.ctx, obj.Ptr)
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidState, multierr.Append(err, derr), "track handle")
	}
	h := &Handle{
		ip:       ip,
		ref:      ref,
		ptr:      obj.Ptr,
		typ:      obj.Type,
		callable: obj.Callable,
	}
	resource.Watch(ip.refs, h, ref)
	return h, nil
}

// Type returns the engine type name of the object.
func (h *Handle) Type() string { return h.typ }

// Callable reports whether the object can be called.
func (h *Handle) Callable() bool { return h.callable }

// Ptr returns the engine object pointer.
func (h *Handle) Ptr() embedruntime.ObjectPtr { return h.ptr }

// Interpreter returns the owning interpreter.
func (h *Handle) Interpreter() *Interpreter { return h.ip }

// Closed reports whether the handle's reference has been released.
func (h *Handle) Closed() bool {
	return h.ip.refs.Disposed(h.ref)
}

func (h *Handle) String() string {
	return fmt.Sprintf("<%s handle %d>", h.typ, h.ptr)
}

func (h *Handle) object() embedruntime.Object {
	return embedruntime.Object{Type: h.typ, Ptr: h.ptr, Callable: h.callable}
}

func (h *Handle) enter(op string) error {
	if err := h.ip.enter(op); err != nil {
		return err
	}
	if h.Closed() {
		return errors.InvalidState(errors.PhaseRuntime, op, "handle has been closed")
	}
	return nil
}

// GetAttr returns attribute name of the object.
func (h *Handle) GetAttr(name string) (any, error) {
	if err := h.enter("get-attr"); err != nil {
		return nil, err
	}
	v, err := h.ip.engine.GetAttr(h.ip.ctx, h.ptr, name)
	if err != nil {
		return nil, errors.Engine("get-attr", err)
	}
	return h.ip.wrap(v)
}

// SetAttr sets attribute name of the object.
func (h *Handle) SetAttr(name string, v any) error {
	if err := h.enter("set-attr"); err != nil {
		return err
	}
	in, err := h.ip.unwrap(v)
	if err != nil {
		return err
	}
	return errors.Engine("set-attr", h.ip.engine.SetAttr(h.ip.ctx, h.ptr, name, in))
}

// DelAttr deletes attribute name of the object.
func (h *Handle) DelAttr(name string) error {
	if err := h.enter("del-attr"); err != nil {
		return err
	}
	return errors.Engine("del-attr", h.ip.engine.DelAttr(h.ip.ctx, h.ptr, name))
}

// Call calls the object.
func (h *Handle) Call(args ...any) (any, error) {
	return h.CallKw(args, nil)
}

// CallKw calls the object with keyword arguments.
func (h *Handle) CallKw(args []any, kwargs map[string]any) (any, error) {
	if err := h.enter("call"); err != nil {
		return nil, err
	}
	if !h.callable {
		return nil, errors.TypeMismatch(errors.PhaseRuntime, h.typ, "object is not callable")
	}
	in, kw, err := h.ip.unwrapArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	v, err := h.ip.engine.Call(h.ip.ctx, h.ptr, in, kw)
	if err != nil {
		return nil, errors.Engine("call", err)
	}
	return h.ip.wrap(v)
}

// CallMethod calls the attribute name of the object. The method object is
// released before CallMethod returns.
func (h *Handle) CallMethod(name string, args ...any) (any, error) {
	v, err := h.GetAttr(name)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*Handle)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseRuntime, fmt.Sprintf("%T", v),
			fmt.Sprintf("attribute %q is not callable", name))
	}
	res, err := m.Call(args...)
	if cerr := m.Close(); cerr != nil && err == nil {
		return res, cerr
	}
	return res, err
}

// Incref takes an extra engine reference on the object. Each one must be
// dropped with Decref, or is dropped by Close.
func (h *Handle) Incref() error {
	if err := h.enter("incref"); err != nil {
		return err
	}
	if err := h.ip.engine.Incref(h.ip.ctx, h.ptr); err != nil {
		return errors.Engine("incref", err)
	}
	ref, err := h.ip.refs.Track(uintptr(h.ptr))
	if err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindInvalidState, err, "track reference")
	}
	resource.Watch(h.ip.refs, h, ref)
	h.extra = append(h.extra, ref)
	return nil
}

// Decref drops one reference taken with Incref. The reference the handle
// was created with is only released by Close.
func (h *Handle) Decref() error {
	if err := h.enter("decref"); err != nil {
		return err
	}
	n := len(h.extra)
	if n == 0 {
		return errors.InvalidState(errors.PhaseDispose, "decref", "no extra reference to drop")
	}
	ref := h.extra[n-1]
	h.extra = h.extra[:n-1]
	if err := h.ip.refs.Dispose(ref); err != nil {
		return errors.Wrap(errors.PhaseDispose, errors.KindEngine, err, "release reference")
	}
	return nil
}

// Close releases the handle's references. It is a no-op when the handle or
// its interpreter is already closed.
func (h *Handle) Close() error {
	if h.Closed() {
		return nil
	}
	if err := h.ip.enter("handle-close"); err != nil {
		return err
	}

	var err error
	for _, ref := range h.extra {
		err = multierr.Append(err, h.ip.refs.Dispose(ref))
	}
	h.extra = nil
	err = multierr.Append(err, h.ip.refs.Dispose(h.ref))
	if err != nil {
		return errors.Wrap(errors.PhaseDispose, errors.KindEngine, err, "release handle")
	}
	return nil
}
