// Package errors provides structured error types for the embed runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the failing operation, the engine's own error
// discriminator and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEngine, errors.KindEngine).
//		Op("invoke").
//		EngineType("runtime").
//		Detail("attempt to call a nil value").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.InvalidThread("get-value")
//	err := errors.Closed("exec")
//
// The four categories callers usually branch on have sentinels:
//
//	errors.Is(err, errors.ErrInvalidThread)   // wrong OS thread
//	errors.Is(err, errors.ErrInvalidState)    // closed or never opened
//	errors.Is(err, errors.ErrEngine)          // reported by the engine
//	errors.Is(err, errors.ErrCoordinatorInit) // engine bring-up failed
//
// When embedded code fails because a host callback returned an error,
// HostCause recovers that original error.
package errors
