// Package wasmengine implements embedruntime.Engine on wazero.
//
// A context is a set of module instances plus its own variables. Each
// ModeIsolated context owns a wazero.Runtime; ModeShared contexts share one
// runtime created on first use and ModeMain contexts use the primary
// runtime. Every runtime shares one compilation cache.
//
// Code is driven by statements:
//
//	m = require("math")
//	m.add(1, 2)
//	counter.value = 10
//
// Exec and Eval also accept a module binary, which is instantiated
// anonymously, and RunScript instantiates a binary under the file's base
// name.
//
// # Imports
//
// A module's imports are loaded before it is instantiated. Names resolve
// through the shared importer, WASI (wasi_snapshot_preview1), host packages
// from the import hook, Options.Modules, IncludePaths (name.wasm) and the
// context's loader (a/b.wasm for a.b), in that order. Shared modules are
// instantiated once in the primary runtime; other runtimes import them
// through a host module that forwards every exported function, so state is
// shared by reference.
//
// # Values
//
//	i32, i64, f32, f64  <->  int32, int64, float32, float64
//	function, memory, module instance  ->  embedruntime.Object
//
// Globals read by value. Host functions must have numeric parameters and
// results, optionally followed by an error.
//
// # Errors
//
// Failures become *errors.Error with Kind engine and an EngineType of
// syntax, file, compile, link, trap, exit or host. A host function error
// aborts the call and becomes the Cause.
package wasmengine
