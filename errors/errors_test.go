package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:      PhaseEngine,
				Kind:       KindEngine,
				Op:         "invoke",
				EngineType: "runtime",
				Detail:     "attempt to call a nil value",
			},
			contains: []string{"[engine]", "engine", "in invoke", "runtime error", "attempt to call a nil value"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseRuntime,
				Kind:  KindInvalidState,
			},
			contains: []string{"[runtime]", "invalid_state"},
		},
		{
			name: "go type",
			err: &Error{
				Phase:  PhaseHost,
				Kind:   KindTypeMismatch,
				GoType: "chan int",
				Detail: "cannot convert",
			},
			contains: []string{"[host]", "type_mismatch", "Go type chan int", " - cannot convert"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseCoordinator,
				Kind:   KindCoordinatorInit,
				Detail: "lua engine failed to initialize",
				Cause:  errors.New("library not found"),
			},
			contains: []string{"[coordinator]", "coordinator_init", "caused by", "library not found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseEngine,
		Kind:  KindEngine,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	// Test with errors.Unwrap
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := InvalidThread("exec")

	if !err.Is(&Error{Phase: PhaseRuntime, Kind: KindInvalidThread}) {
		t.Error("Is should match same phase and kind")
	}

	if err.Is(&Error{Phase: PhaseClose, Kind: KindInvalidThread}) {
		t.Error("Is should not match different phase")
	}

	if err.Is(&Error{Phase: PhaseRuntime, Kind: KindInvalidState}) {
		t.Error("Is should not match different kind")
	}

	if !errors.Is(err, ErrInvalidThread) {
		t.Error("errors.Is should match the sentinel regardless of phase")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Error("errors.Is should not match another sentinel")
	}

	wrapped := fmt.Errorf("outer: %w", Closed("get-value"))
	if !errors.Is(wrapped, ErrInvalidState) {
		t.Error("errors.Is should see through fmt wrapping")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseEngine, KindEngine).
		Op("call").
		EngineType("syntax").
		GoType("string").
		Value(42).
		Cause(cause).
		Detail("expected %s near %q", "'='", "x").
		Build()

	if err.Phase != PhaseEngine {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseEngine)
	}
	if err.Kind != KindEngine {
		t.Errorf("Kind = %v, want %v", err.Kind, KindEngine)
	}
	if err.Op != "call" {
		t.Errorf("Op = %v, want call", err.Op)
	}
	if err.EngineType != "syntax" {
		t.Errorf("EngineType = %v, want syntax", err.EngineType)
	}
	if err.GoType != "string" {
		t.Errorf("GoType = %v, want 'string'", err.GoType)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != `expected '=' near "x"` {
		t.Errorf("Detail = %v", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("Closed", func(t *testing.T) {
		err := Closed("exec")
		if err.Kind != KindInvalidState || err.Op != "exec" {
			t.Errorf("Kind=%v Op=%v", err.Kind, err.Op)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		err := NotFound(PhaseImport, "module", "json")
		if err.Kind != KindNotFound {
			t.Errorf("Kind = %v, want %v", err.Kind, KindNotFound)
		}
		if !strings.Contains(err.Detail, `"json"`) {
			t.Errorf("Detail = %v, should quote the name", err.Detail)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		err := Unsupported(PhaseEngine, "del-attr")
		if err.Kind != KindUnsupported {
			t.Errorf("Kind = %v, want %v", err.Kind, KindUnsupported)
		}
	})

	t.Run("Registration", func(t *testing.T) {
		cause := errors.New("not a function")
		err := Registration("host.math", "abs", cause)
		if err.Kind != KindRegistration || !errors.Is(err, cause) {
			t.Errorf("Kind=%v cause lost: %v", err.Kind, err)
		}
	})

	t.Run("CoordinatorInit", func(t *testing.T) {
		err := CoordinatorInit("lua", errors.New("boom"))
		if !errors.Is(err, ErrCoordinatorInit) {
			t.Errorf("CoordinatorInit should match sentinel: %v", err)
		}
	})
}

func TestEngine(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if Engine("exec", nil) != nil {
			t.Error("Engine(nil) should be nil")
		}
	})

	t.Run("structured keeps kind", func(t *testing.T) {
		src := EngineFailure("runtime", "boom", nil)
		err := Engine("exec", src)
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if e.Op != "exec" || e.EngineType != "runtime" {
			t.Errorf("Op=%q EngineType=%q", e.Op, e.EngineType)
		}
		if src.Op != "" {
			t.Error("Engine must not mutate the source error")
		}
	})

	t.Run("op already set", func(t *testing.T) {
		src := Closed("get-value")
		if Engine("exec", src) != error(src) {
			t.Error("errors with an op should pass through untouched")
		}
	})

	t.Run("raw error", func(t *testing.T) {
		raw := errors.New("wasm: trap")
		err := Engine("call", raw)
		if !errors.Is(err, ErrEngine) || !errors.Is(err, raw) {
			t.Errorf("raw error should become an engine error wrapping the original: %v", err)
		}
		if HostCause(err) != nil {
			t.Error("raw engine errors have no host cause")
		}
	})
}

func TestHostCause(t *testing.T) {
	hostErr := errors.New("callback refused")

	direct := EngineFailure("runtime", "error in script", nil)
	if HostCause(direct) != nil {
		t.Error("engine-raised error should have no host cause")
	}

	viaHost := EngineFailure("runtime", hostErr.Error(), hostErr)
	if got := HostCause(viaHost); got != hostErr {
		t.Errorf("HostCause = %v, want %v", got, hostErr)
	}

	outer := Engine("invoke", viaHost)
	if got := HostCause(outer); got != hostErr {
		t.Errorf("HostCause through Engine() = %v, want %v", got, hostErr)
	}

	shared := Wrap(PhaseCoordinator, KindEngine, viaHost, "shared import")
	if got := HostCause(shared); got != hostErr {
		t.Errorf("HostCause through Wrap = %v, want %v", got, hostErr)
	}

	if HostCause(hostErr) != nil {
		t.Error("plain errors have no host cause")
	}
}
