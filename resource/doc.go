// Package resource tracks the engine references an interpreter hands to host
// code.
//
// Every engine object that reaches the host carries one reference that must
// be released exactly once. A Registry records each of them as a Ref stored
// in a slot arena, and releases it through one of three paths:
//
//	Dispose - explicit, from Handle.Close
//	Sweep   - implicit, for host wrappers the garbage collector reclaimed
//	Drain   - bulk, when the owning interpreter closes
//
// # Reclamation
//
// Host wrappers are watched with runtime.AddCleanup. When a wrapper becomes
// unreachable its Ref is pushed onto the reclamation queue from whatever
// goroutine runs cleanups; nothing is released there. The owner drains the
// queue with Sweep on its own thread before the next engine call:
//
//	reg := resource.NewRegistry(func(p uintptr) error {
//	    return eng.Decref(ctx, embedruntime.ObjectPtr(p))
//	})
//
//	ref, _ := reg.Track(uintptr(obj.Ptr))
//	resource.Watch(reg, wrapper, ref)
//
//	// later, on the owner thread
//	_, _ = reg.Sweep()
//
// # Disposal Rules
//
// A Ref is removed from the arena and marked disposed before its release
// function runs, so a release that fails or re-enters the registry never
// causes a second release. Disposing a Ref twice, or after Drain, is a no-op.
//
// # Observers
//
// Observers see Tracked, Disposed and Reclaimed events and are called
// synchronously on the goroutine that caused them.
package resource
