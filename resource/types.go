package resource

import (
	"runtime"
)

// Slot is the index of a Ref in its registry's arena.
// Slot 0 is reserved and always invalid.
type Slot uint32

// Releaser drops one engine reference.
type Releaser func(ptr uintptr) error

// EventType identifies a registry lifecycle event.
type EventType uint8

const (
	EventTracked EventType = iota
	EventDisposed
	EventReclaimed
)

func (t EventType) String() string {
	switch t {
	case EventTracked:
		return "tracked"
	case EventDisposed:
		return "disposed"
	case EventReclaimed:
		return "reclaimed"
	}
	return "unknown"
}

// Event represents a registry lifecycle event.
type Event struct {
	Err  error
	Ptr  uintptr
	Slot Slot
	Type EventType
}

// Observer receives notifications about registry lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// Ref is the strong record of one tracked engine reference.
type Ref struct {
	cleanup  runtime.Cleanup
	ptr      uintptr
	slot     Slot
	watched  bool
	disposed bool
}

// Ptr returns the engine pointer the ref keeps alive.
func (r *Ref) Ptr() uintptr { return r.ptr }

// Slot returns the arena slot of the ref. It is zero once disposed.
func (r *Ref) Slot() Slot { return r.slot }
