package resource

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/multierr"
)

var ErrClosed = errors.New("resource registry closed")

// Registry holds the engine references owned by one interpreter.
//
// Track, Dispose, Sweep and Drain are meant for the owning thread. Enqueue is
// safe from any goroutine.
type Registry struct {
	release   Releaser
	observers []Observer
	queue     []*Ref
	arena     arena
	mu        sync.Mutex
	qmu       sync.Mutex
	obsMu     sync.RWMutex
	closed    bool
}

// NewRegistry creates a registry that drops references with release.
func NewRegistry(release Releaser) *Registry {
	return &Registry{
		release: release,
		arena:   newArena(),
	}
}

// Track records a new engine reference. The registry assumes ownership of it.
func (r *Registry) Track(ptr uintptr) (*Ref, error) {
	ref := &Ref{ptr: ptr}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	slot := r.arena.insert(ref)
	r.mu.Unlock()

	r.notify(Event{Type: EventTracked, Ptr: ptr, Slot: slot})
	return ref, nil
}

// Watch queues ref for reclamation once owner becomes unreachable.
func Watch[T any](r *Registry, owner *T, ref *Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref.disposed || ref.watched {
		return
	}
	ref.cleanup = runtime.AddCleanup(owner, r.Enqueue, ref)
	ref.watched = true
}

// Enqueue adds ref to the reclamation queue. It only records the ref; the
// release happens in the next Sweep.
func (r *Registry) Enqueue(ref *Ref) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.isClosed() {
		return
	}
	r.queue = append(r.queue, ref)
}

// Dispose releases ref. Repeated calls, and calls after Drain, are no-ops.
func (r *Registry) Dispose(ref *Ref) error {
	if ref == nil {
		return nil
	}
	return r.dispose(ref, EventDisposed)
}

// Sweep releases every ref in the reclamation queue and returns how many it
// released.
func (r *Registry) Sweep() (int, error) {
	r.qmu.Lock()
	pending := r.queue
	r.queue = nil
	r.qmu.Unlock()

	var (
		n   int
		err error
	)
	for _, ref := range pending {
		if r.Disposed(ref) {
			continue
		}
		err = multierr.Append(err, r.dispose(ref, EventReclaimed))
		n++
	}
	return n, err
}

// Drain releases every tracked ref and closes the registry. All refs are
// removed before the first release runs. Release errors are combined; a
// failing release does not stop the others.
func (r *Registry) Drain() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	refs := r.arena.takeAll()
	for _, ref := range refs {
		ref.disposed = true
	}
	r.mu.Unlock()

	r.qmu.Lock()
	r.queue = nil
	r.qmu.Unlock()

	var err error
	for _, ref := range refs {
		if ref.watched {
			ref.cleanup.Stop()
		}
		relErr := r.release(ref.ptr)
		err = multierr.Append(err, relErr)
		r.notify(Event{Type: EventDisposed, Ptr: ref.ptr, Err: relErr})
	}
	return err
}

// Disposed reports whether ref has been released or is being released.
func (r *Registry) Disposed(ref *Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ref.disposed
}

// Closed reports whether Drain has run.
func (r *Registry) Closed() bool {
	return r.isClosed()
}

// Len returns the number of tracked refs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arena.len()
}

// Pending returns the number of refs waiting in the reclamation queue.
func (r *Registry) Pending() int {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	return len(r.queue)
}

// Lookup returns the ref stored in slot.
func (r *Registry) Lookup(slot Slot) (*Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arena.get(slot)
}

// Subscribe adds an observer for lifecycle events.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// Unsubscribe removes an observer.
func (r *Registry) Unsubscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for i, obs := range r.observers {
		if obs == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *Registry) dispose(ref *Ref, typ EventType) error {
	r.mu.Lock()
	if ref.disposed {
		r.mu.Unlock()
		return nil
	}
	ref.disposed = true
	slot := ref.slot
	r.arena.remove(ref)
	r.mu.Unlock()

	if typ == EventDisposed && ref.watched {
		ref.cleanup.Stop()
	}

	err := r.release(ref.ptr)
	r.notify(Event{Type: typ, Ptr: ref.ptr, Slot: slot, Err: err})
	return err
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) notify(e Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnResourceEvent(e)
	}
}
