// README: Error taxonomy shared by every module; the HTTP layer maps kinds to status codes.
package apperr

import "errors"

// Kind sentinels. Match with errors.Is(err, apperr.ErrNotFound).
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrAuthorization = errors.New("not authorized")
	ErrStateConflict = errors.New("state conflict")
	ErrUpstream      = errors.New("upstream service error")
)

// Error is a failure with a stable reason code that clients can switch on.
type Error struct {
	Kind error
	Code string
	Msg  string
	Err  error
}

func New(kind error, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap attaches a cause to a new Error. The cause is reachable through errors.Unwrap
// but never shown to clients.
func Wrap(kind error, code string, err error) *Error {
	msg := code
	if err != nil {
		msg = code + ": " + err.Error()
	}
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Code returns the reason code carried by err, or "internal" when err is not an *Error.
func Code(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal"
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Err != nil {
			return ae.Code
		}
		return ae.Msg
	}
	return "internal error"
}

// Validation is shorthand for the most common construction.
func Validation(code, msg string) *Error {
	return New(ErrValidation, code, msg)
}
