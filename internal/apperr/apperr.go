// Package apperr implements the error taxonomy from the control-plane
// response-code catalog. It generalizes the teacher's plain
// "logger.Errorf(...) error" idiom (share/shutdown_helper.go,
// share/logger.go) into a typed error kind that can be translated directly
// into a control-plane response code, instead of free-form strings.
package apperr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error the way the control plane needs to: enough to
// decide whether to log-and-drop, tear down a tunnel, exit the process, or
// translate to a numbered response.
type Kind int

const (
	// KindGeneral is an aggregated or uncategorized error; logged only.
	KindGeneral Kind = iota
	// KindIO is a socket/file operation failure; tunnel torn down, logged.
	KindIO
	// KindConfig is bad CLI or file content; process exits 1.
	KindConfig
	// KindTLS is a handshake or cert-validation failure.
	KindTLS
	// KindWouldBlock is a transient non-ready I/O condition, retried silently.
	KindWouldBlock
	// KindAuth403 — access is forbidden (user lacks grant for service).
	KindAuth403
	// KindAuth420 — invalid/unparseable client certificate identity.
	KindAuth420
	// KindAuth421 — unknown user.
	KindAuth421
	// KindAuth422 — user account inactive.
	KindAuth422
	// KindRequest423 — malformed control-plane request.
	KindRequest423
	// KindRequest424 — invalid/unrecognized ALPN protocol.
	KindRequest424
	// KindRequest425 — service proxy not active on the gateway.
	KindRequest425
)

// responseCodes maps the Auth/Request kinds to their control-plane numeric
// code and stable English message, per spec's response-code catalog.
var responseCodes = map[Kind]struct {
	code uint16
	msg  string
}{
	KindAuth403:    {403, "Access is forbidden"},
	KindAuth420:    {420, "Invalid client certificate"},
	KindAuth421:    {421, "Unknown user is inactive"},
	KindAuth422:    {422, "User account is inactive"},
	KindRequest423: {423, "Invalid request"},
	KindRequest424: {424, "Invalid ALPN protocol"},
	KindRequest425: {425, "Inactive service proxy"},
}

// RespCodeSystemError is returned for any error kind that has no specific
// control-plane mapping (KindGeneral, KindIO, KindTLS, ...).
const RespCodeSystemError uint16 = 500

// RespMsgSystemError is the stable message paired with RespCodeSystemError.
const RespMsgSystemError = "System error occurred"

// AppError is Trust0's typed error. It wraps an underlying cause (via
// github.com/pkg/errors, matching the corpus's preferred wrapping style)
// while carrying a Kind that downstream handlers switch on.
type AppError struct {
	kind  Kind
	msg   string
	cause error
}

// New creates an AppError with no wrapped cause.
func New(kind Kind, msg string) *AppError {
	return &AppError{kind: kind, msg: msg}
}

// Newf creates an AppError from a format string.
func Newf(kind Kind, f string, args ...interface{}) *AppError {
	return &AppError{kind: kind, msg: fmt.Sprintf(f, args...)}
}

// Wrap creates an AppError that wraps an existing error as its cause.
func Wrap(kind Kind, cause error, msg string) *AppError {
	return &AppError{kind: kind, msg: msg, cause: pkgerrors.WithMessage(cause, msg)}
}

// Wrapf creates an AppError with a formatted message, wrapping cause.
func Wrapf(kind Kind, cause error, f string, args ...interface{}) *AppError {
	msg := fmt.Sprintf(f, args...)
	return &AppError{kind: kind, msg: msg, cause: pkgerrors.WithMessage(cause, msg)}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.msg
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *AppError) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *AppError) Kind() Kind { return e.kind }

// Code returns the control-plane response code for this error, defaulting
// to RespCodeSystemError when the kind has no specific entry.
func (e *AppError) Code() uint16 {
	if rc, ok := responseCodes[e.kind]; ok {
		return rc.code
	}
	return RespCodeSystemError
}

// Message returns the stable catalog message for this error's kind
// (not the underlying Go error text), falling back to the general system
// error message.
func (e *AppError) Message() string {
	if rc, ok := responseCodes[e.kind]; ok {
		return rc.msg
	}
	return RespMsgSystemError
}

// Is implements error-kind comparison: apperr.Is(err, apperr.KindIO).
func Is(err error, kind Kind) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.kind == kind
	}
	return false
}

// AsAppError extracts an *AppError from err, if any exists in its chain.
func AsAppError(err error) (*AppError, bool) {
	var ae *AppError
	ok := errors.As(err, &ae)
	return ae, ok
}
