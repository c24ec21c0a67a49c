package luaengine

import (
	stderrors "errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/wippyai/embed-runtime/errors"
)

var apiErrorTypes = map[lua.ApiErrorType]string{
	lua.ApiErrorSyntax: "syntax",
	lua.ApiErrorFile:   "file",
	lua.ApiErrorRun:    "runtime",
	lua.ApiErrorError:  "error",
	lua.ApiErrorPanic:  "panic",
}

// convertError maps a gopher-lua error to an engine error. Errors that are
// not from gopher-lua pass through unchanged.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *lua.ApiError
	if !stderrors.As(err, &apiErr) {
		return err
	}

	typ := apiErrorTypes[apiErr.Type]
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if he, ok := ud.Value.(*hostError); ok {
			e := errors.EngineFailure(typ, he.err.Error(), he.err)
			e.Value = apiErr.StackTrace
			return e
		}
	}

	msg := ""
	if apiErr.Object != nil {
		msg = apiErr.Object.String()
	}
	if msg == "" && apiErr.Cause != nil {
		msg = apiErr.Cause.Error()
	}
	e := errors.EngineFailure(typ, msg, nil)
	e.Value = apiErr.StackTrace
	return e
}
