// Package osthread identifies and pins the OS thread a goroutine runs on.
//
// Engine contexts are bound to the thread that created them. A goroutine
// holds on to one thread for as long as it keeps Lock in effect; Current then
// names that thread.
package osthread

import "runtime"

// ID identifies an OS thread. Zero is never a valid id.
type ID uint64

// Lock wires the calling goroutine to its current OS thread and returns the
// thread id. Calls nest; each Lock needs a matching Unlock.
func Lock() ID {
	runtime.LockOSThread()
	return Current()
}

// Unlock undoes one Lock.
func Unlock() {
	runtime.UnlockOSThread()
}

// Current returns the id of the OS thread running the caller. The value is
// only stable while the goroutine is locked to its thread.
func Current() ID {
	return ID(gettid())
}
