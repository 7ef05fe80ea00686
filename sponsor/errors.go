package sponsor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindIdentityUnavailable     ErrorKind = "IdentityUnavailable"
	KindAccountResolutionFailed ErrorKind = "AccountResolutionFailed"
	KindSigningUnsupported      ErrorKind = "SigningUnsupported"
	KindChainQueryFailed        ErrorKind = "ChainQueryFailed"
	KindFeeEstimationFailed     ErrorKind = "FeeEstimationFailed"
	KindSubmissionRejected      ErrorKind = "SubmissionRejected"
	KindNetworkUnavailable      ErrorKind = "NetworkUnavailable"
	KindOperationTimeout        ErrorKind = "OperationTimeout"
	KindOperationReverted       ErrorKind = "OperationReverted"
	KindInvalidRequest          ErrorKind = "InvalidRequest"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrIdentityUnavailable     = &Error{Kind: KindIdentityUnavailable}
	ErrAccountResolutionFailed = &Error{Kind: KindAccountResolutionFailed}
	ErrSigningUnsupported      = &Error{Kind: KindSigningUnsupported}
	ErrChainQueryFailed        = &Error{Kind: KindChainQueryFailed}
	ErrFeeEstimationFailed     = &Error{Kind: KindFeeEstimationFailed}
	ErrSubmissionRejected      = &Error{Kind: KindSubmissionRejected}
	ErrNetworkUnavailable      = &Error{Kind: KindNetworkUnavailable}
	ErrOperationTimeout        = &Error{Kind: KindOperationTimeout}
	ErrOperationReverted       = &Error{Kind: KindOperationReverted}
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest}
)

// Error is the failure surfaced by every pipeline component.
type Error struct {
	Kind  ErrorKind
	Stage Stage
	// UserOpHash is set once the bundler accepted the operation.
	UserOpHash common.Hash
	// Code is the bundler's JSON-RPC error code on rejections.
	Code int
	// Reason carries the bundler message or the decoded revert reason.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s at %s", msg, e.Stage)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can use the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// asError keeps the kind of an existing *Error and falls back to kind otherwise.
func asError(kind ErrorKind, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(kind, err)
}

// KindOf reports the kind of err, or "" when err is not a pipeline error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
