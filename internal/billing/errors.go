package billing

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify a *Error.
var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidChildSelection = errors.New("invalid child selection")
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrProcessorUpdateFailed = errors.New("processor update failed")
	ErrNoPendingChange       = errors.New("no pending change")
	ErrNoMembership          = errors.New("no membership")
	ErrForbidden             = errors.New("forbidden")
)

// Machine readable error codes returned to API callers.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidBillingCycle   = "invalid_billing_cycle"
	CodeSeatsOutOfRange       = "seats_out_of_range"
	CodeNoChanges             = "no_changes"
	CodePendingChangeConflict = "pending_change_conflict"
	CodeMembershipExists      = "membership_exists"
	CodePaymentIncomplete     = "payment_incomplete"
	CodeInvalidChildSelection = "invalid_child_selection"
	CodeQuoteUnavailable      = "quote_unavailable"
	CodeProcessorUpdateFailed = "processor_update_failed"
	CodeNoPendingDowngrade    = "no_pending_downgrade"
	CodeNoPendingCycleChange  = "no_pending_billing_change"
	CodeNoMembership          = "no_membership"
	CodeForbidden             = "forbidden"
	CodeSeatLimitReached      = "seat_limit_reached"
)

// Error is a user-facing failure with a stable code and a human message.
type Error struct {
	Kind    error
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("billing: %s: %v", e.Message, e.Cause)
	}
	return "billing: " + e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func newError(kind error, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func validationError(code, message string) *Error {
	return newError(ErrValidation, code, message, nil)
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
