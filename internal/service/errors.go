package service

import (
	"errors"
	"fmt"
)

// ErrServiceUnavailable fails an outgoing request before it is sent
// when the liveness table is valid and no live worker exists for the
// target service.
var ErrServiceUnavailable = errors.New("service unavailable")

// ErrRequestTimeout fails an outgoing request whose first reply frame
// never arrived within the configured timeout.
var ErrRequestTimeout = errors.New("request timed out")

// ServiceError reports that the peer's handler failed internally. It
// carries no details on purpose: the fault belongs to the peer's logs.
type ServiceError struct {
	Target      string
	RequestType string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s failed handling %q", e.Target, e.RequestType)
}

// Rejection kinds handlers may reply with. Callers map these to their
// own error types through RegisterRejection.
const (
	RejectNotFound           = "NotFound"
	RejectMissingPrivileges  = "MissingPrivileges"
	RejectInvalidCredentials = "InvalidCredentials"
	RejectExpiredToken       = "ExpiredToken"
	RejectAlreadyCancelled   = "AlreadyCancelled"
	RejectInvalidState       = "InvalidState"
	RejectWrongMethod        = "WrongMethod"
	RejectBadRequest         = "BadRequest"
	RejectUnknownField       = "UnknownField"
	RejectForbidden          = "Forbidden"
	RejectNotImplemented     = "NotImplemented"
	RejectUnavailable        = "Unavailable"
)

// RejectionError is the decoded form of a reject response. When the
// kind has a registered constructor the constructor's error is
// returned instead; otherwise callers receive this value directly and
// can inspect Kind and Args themselves.
type RejectionError struct {
	Kind   string
	Args   []any
	Kwargs map[string]any
}

func (e *RejectionError) Error() string {
	if len(e.Args) > 0 {
		return fmt.Sprintf("rejected (%s): %v", e.Kind, e.Args)
	}
	return fmt.Sprintf("rejected (%s)", e.Kind)
}

// RejectionFactory turns a decoded rejection into a caller-defined
// error value.
type RejectionFactory func(args []any, kwargs map[string]any) error
