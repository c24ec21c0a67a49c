// Package embedruntime embeds a dynamic-language engine in a Go process.
//
// Host code creates interpreters, exchanges values with them and invokes code
// running inside them. The hard part is not value conversion but lifecycle and
// concurrency safety across the host/engine boundary:
//
//   - every interpreter is bound to exactly one OS thread for its whole life
//   - every engine object reachable from Go is reference tracked and released
//     exactly once, before its interpreter is torn down
//   - shared engine modules are imported exactly once, from a single
//     coordinator goroutine, no matter how many interpreters ask for them
//
// # Architecture Overview
//
//	embedruntime/          Root package with the Engine call surface
//	├── interp/            Interpreter, Handle, Coordinator, Worker
//	├── resource/          Handle registry (tracking set + reclamation queue)
//	├── host/              Host packages importable from engine code
//	├── errors/            Structured error types
//	└── engine/
//	    ├── luaengine/     gopher-lua backed engine
//	    ├── wasmengine/    wazero backed engine
//	    └── enginetest/    Instrumented engine for tests
//
// # Quick Start
//
//	eng := luaengine.New(luaengine.Options{})
//	if err := interp.CoordinatorFor(eng).SetPolicy(interp.PolicyIsolated); err != nil {
//	    log.Fatal(err)
//	}
//
//	ip, err := interp.New(eng, interp.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ip.Close()
//
//	if err := ip.SetValue("x", 5); err != nil {
//	    log.Fatal(err)
//	}
//	x, err := ip.GetValue("x") // int64(5)
//
// # Thread Safety
//
// An Interpreter may only be used from the goroutine that created it. interp.New
// pins that goroutine to its OS thread and Close unpins it. Use interp.Worker
// when several goroutines need to reach the same interpreter.
//
// The Coordinator and engines are safe for concurrent use.
package embedruntime
