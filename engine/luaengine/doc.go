// Package luaengine implements embedruntime.Engine on gopher-lua.
//
// # Contexts
//
// Each ModeIsolated context is its own lua.LState. ModeShared contexts are
// threads of one process-wide state created on first use, and ModeMain
// contexts are threads of the primary state returned by Initialize. Threads
// share globals, package.loaded and package.loaders with their parent but
// have their own call stack and their own environment table, whose
// __index falls back to the parent's globals.
//
// # Global Lock
//
// gopher-lua states are not safe for concurrent use. The engine serializes
// every call behind one process-wide lock and releases it while Go host code
// runs, so a host callback can block on another goroutine that needs the
// engine (the coordinator serving a shared import, for instance).
//
// # Values
//
//	nil, bool, string       <-> nil, boolean, string
//	int*, uint*, float*     ->  number
//	number                  ->  int64 when integral, float64 otherwise
//	[]any, map[string]any   ->  table
//	func                    ->  function calling back into Go
//	embedruntime.Object     <-> table, function, userdata, thread
//
// Keyword arguments have no Lua equivalent; when present they are passed as
// one trailing table.
//
// # Errors
//
// Lua errors become *errors.Error with Kind engine and an EngineType of
// syntax, file, runtime, error or panic. An error returned by a Go host
// function is raised in Lua as a userdata value; when it escapes back to the
// host it becomes the Cause of the engine error.
package luaengine
