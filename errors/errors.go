package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConstruct   Phase = "construct"   // interpreter construction
	PhaseRuntime     Phase = "runtime"     // interpreter operations
	PhaseClose       Phase = "close"       // interpreter teardown
	PhaseDispose     Phase = "dispose"     // handle release
	PhaseCoordinator Phase = "coordinator" // engine bring-up and shared imports
	PhaseImport      Phase = "import"      // module import hooks
	PhaseConfig      Phase = "config"      // configuration validation
	PhaseHost        Phase = "host"        // host package registration and calls
	PhaseEngine      Phase = "engine"      // reported by the engine itself
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidThread   Kind = "invalid_thread"
	KindInvalidState    Kind = "invalid_state"
	KindEngine          Kind = "engine"
	KindCoordinatorInit Kind = "coordinator_init"
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindTypeMismatch    Kind = "type_mismatch"
	KindRegistration    Kind = "registration"
	KindUnsupported     Kind = "unsupported"
)

// Sentinels for errors.Is. They match on Kind alone.
var (
	ErrInvalidThread   = &Error{Kind: KindInvalidThread}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrEngine          = &Error{Kind: KindEngine}
	ErrCoordinatorInit = &Error{Kind: KindCoordinatorInit}
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	Op         string
	EngineType string
	GoType     string
	Detail     string

	// host marks Cause as the error of a host callback.
	host bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.EngineType != "" || e.GoType != "" {
		b.WriteString(": ")
		if e.EngineType != "" {
			b.WriteString(e.EngineType)
			b.WriteString(" error")
		} else {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		}
	}

	if e.Detail != "" {
		if e.EngineType != "" || e.GoType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Kinds must be equal; the
// phase is compared only when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Phase == "" || e.Phase == t.Phase
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the failing operation
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// EngineType sets the engine's error discriminator
func (b *Builder) EngineType(t string) *Builder {
	b.err.EngineType = t
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// InvalidThread creates an error for an operation attempted off the owning thread
func InvalidThread(op string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInvalidThread,
		Op:     op,
		Detail: "invalid thread access",
	}
}

// Closed creates an error for an operation attempted after close
func Closed(op string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInvalidState,
		Op:     op,
		Detail: "interpreter has been closed",
	}
}

// InvalidState creates an invalid state error
func InvalidState(phase Phase, op, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Op:     op,
		Detail: detail,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// TypeMismatch creates a conversion error for a Go value
func TypeMismatch(phase Phase, goType, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		GoType: goType,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, op string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Op:     op,
		Detail: "not supported by this engine",
	}
}

// Registration creates a host registration error
func Registration(pkg, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s.%s", pkg, name),
		Cause:  cause,
	}
}

// CoordinatorInit creates the fatal bring-up error that is cached and
// replayed for the rest of the process.
func CoordinatorInit(engine string, cause error) *Error {
	return &Error{
		Phase:  PhaseCoordinator,
		Kind:   KindCoordinatorInit,
		Detail: fmt.Sprintf("%s engine failed to initialize", engine),
		Cause:  cause,
	}
}

// EngineFailure creates an engine-reported error. hostCause is the error of
// the host callback that triggered the failure, or nil.
func EngineFailure(engineType, message string, hostCause error) *Error {
	return &Error{
		Phase:      PhaseEngine,
		Kind:       KindEngine,
		EngineType: engineType,
		Detail:     message,
		Cause:      hostCause,
		host:       hostCause != nil,
	}
}

// Engine attaches op to an error returned by an engine call. Errors that are
// already structured keep their kind; anything else becomes an engine error
// with err as cause.
func Engine(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		if e.Op == "" {
			cp := *e
			cp.Op = op
			return &cp
		}
		return err
	}
	return &Error{
		Phase:  PhaseEngine,
		Kind:   KindEngine,
		Op:     op,
		Detail: err.Error(),
		Cause:  err,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// HostCause returns the host-side error that triggered an engine failure, or
// nil when the embedded code raised on its own.
func HostCause(err error) error {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return nil
		}
		if e.host {
			return e.Cause
		}
		err = e.Cause
	}
	return nil
}
