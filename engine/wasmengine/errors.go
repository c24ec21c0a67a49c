package wasmengine

import (
	stderrors "errors"
	"fmt"

	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/embed-runtime/errors"
)

// Engine error types.
const (
	typeCompile = "compile"
	typeLink    = "link"
	typeTrap    = "trap"
	typeExit    = "exit"
	typeHost    = "host"
	typeSyntax  = "syntax"
	typeFile    = "file"
)

// hostPanic carries a host function error through wazero's panic recovery.
type hostPanic struct {
	err error
}

func (p *hostPanic) Error() string { return p.err.Error() }
func (p *hostPanic) Unwrap() error { return p.err }

// convertError maps a wazero error to an engine error of type typ. A
// module exiting with code zero is not an error.
func convertError(typ string, err error) error {
	if err == nil {
		return nil
	}
	var hp *hostPanic
	if stderrors.As(err, &hp) {
		return errors.EngineFailure(typeHost, hp.err.Error(), hp.err)
	}

	var re *errors.Error
	if stderrors.As(err, &re) {
		return err
	}

	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		if exit.ExitCode() == 0 {
			return nil
		}
		e := errors.EngineFailure(typeExit, fmt.Sprintf("module exited with code %d", exit.ExitCode()), nil)
		e.Value = exit.ExitCode()
		return e
	}

	return errors.EngineFailure(typ, err.Error(), nil)
}
