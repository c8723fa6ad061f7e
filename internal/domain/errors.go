package domain

import "fmt"

// Kind is the closed set of error categories surfaced across the fleet
// manager. RPC and CLI layers map every returned error to one of these via
// errors.As, never by string-matching.
type Kind string

const (
	KindInvalidID                Kind = "InvalidId"
	KindNotFound                 Kind = "NotFound"
	KindInvalidTransition         Kind = "InvalidTransition"
	KindQuotaExceeded             Kind = "QuotaExceeded"
	KindNoSnapshot                Kind = "NoSnapshot"
	KindWakeRefused               Kind = "WakeRefused"
	KindWakeTimeout                Kind = "WakeTimeout"
	KindSignatureInvalid          Kind = "SignatureInvalid"
	KindProductionJailerRequired  Kind = "ProductionJailerRequired"
	KindNetworkSetup              Kind = "NetworkSetup"
	KindSnapshotIO                Kind = "SnapshotIO"
	KindHypervisorAPI             Kind = "HypervisorApi"
	KindInternal                  Kind = "Internal"
)

// Error is the taxonomy error type returned by every package in this
// module. Callers that need to branch on category use errors.As with a
// *Error target (var e *Error; errors.As(err, &e)).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a taxonomy error with no underlying cause.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a taxonomy error wrapping an underlying cause.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}
