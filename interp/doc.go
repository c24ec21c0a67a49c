// Package interp runs engine execution contexts on behalf of Go code.
//
// # Interpreters
//
// An Interpreter wraps one engine context. It belongs to the OS thread that
// created it: New locks the calling goroutine to its thread, every operation
// checks it is running there, and Close unlocks it again. A thread hosts at
// most one open interpreter.
//
//	ip, err := interp.New(eng, interp.Config{Interactive: true})
//	if err != nil {
//	    return err
//	}
//	defer ip.Close()
//
//	if err := ip.SetValue("x", 5); err != nil {
//	    return err
//	}
//	x, err := interp.ValueAs[int](ip, "x")
//
// Operations check, in order, that the interpreter is open and that the
// caller is on the owning thread. Neither failure reaches the engine.
//
// # Handles
//
// Engine objects reach Go as *Handle. Each holds one engine reference that
// is released exactly once: by Handle.Close, by a sweep at the start of the
// next operation once the garbage collector found the Handle unreachable,
// or when the interpreter closes.
//
// # Coordinator
//
// Each engine has one Coordinator. The first New starts it: a goroutine
// locked to its own thread initializes the engine and then serves shared
// imports one at a time for the life of the process. A failed start is
// final; every later New returns the same error.
//
// Shared modules are imported once into the engine's primary context and
// linked by reference into every interpreter that lists them in
// Config.SharedModules.
//
// # Policies
//
//	isolated  a separate context per interpreter
//	shared    one process-wide context for all interpreters
//	none      the coordinator's primary context itself
//
// The policy is chosen with Coordinator.SetPolicy and cannot change once an
// interpreter has been built.
//
// # Workers
//
// A Worker owns an interpreter on a dedicated goroutine so that any
// goroutine can use it through Worker.Do.
package interp
