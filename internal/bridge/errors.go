package bridge

import (
	"errors"
	"fmt"
)

// Code is a machine-readable failure reason carried on error responses.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeMalformedRequest    Code = "MALFORMED_REQUEST"
	CodeUnknownCommand      Code = "UNKNOWN_COMMAND"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeDuplicateContext    Code = "DUPLICATE_CONTEXT"
	CodeContextNotFound     Code = "CONTEXT_NOT_FOUND"
	CodeFileNotFound        Code = "FILE_NOT_FOUND"
	CodeModuleLoadFailed    Code = "MODULE_LOAD_FAILED"
	CodeTypeNotFound        Code = "TYPE_NOT_FOUND"
	CodeConstructorNotFound Code = "CONSTRUCTOR_NOT_FOUND"
	CodeMethodNotFound      Code = "METHOD_NOT_FOUND"
	CodeInstanceNotFound    Code = "INSTANCE_NOT_FOUND"
	CodeInvocationFailed    Code = "INVOCATION_FAILED"
	CodeInvokeTimeout       Code = "INVOKE_TIMEOUT"
	CodeContextBusy         Code = "CONTEXT_BUSY"
	CodeTeardownFailed      Code = "TEARDOWN_FAILED"
	CodeInternal            Code = "INTERNAL"
)

// Fault is a structured bridge error.
type Fault struct {
	Code    Code
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil && f.Message == "" {
		return f.Err.Error()
	}
	return f.Message
}

func (f *Fault) Unwrap() error { return f.Err }

func faultf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapFault attaches code to err, prefixing msg to its text.
func wrapFault(code Code, err error, msg string) *Fault {
	return &Fault{Code: code, Message: msg + ": " + err.Error(), Err: err}
}

// FaultOf recovers the Fault in err's chain. Anything else is INTERNAL.
func FaultOf(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: CodeInternal, Message: err.Error(), Err: err}
}

// IsCode reports whether err carries a Fault with the given code.
func IsCode(err error, code Code) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == code
}
