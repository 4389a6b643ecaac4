package reconcile

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyEnrolled     = errors.New("user already enrolled in course")
	ErrCourseNotFound      = errors.New("course not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidAmount       = errors.New("invalid order amount")
	ErrPaymentNotCompleted = errors.New("payment not completed at gateway")
	ErrAmountMismatch      = errors.New("charged amount does not match order amount")
	ErrSoldOut             = errors.New("course is sold out")
	ErrAlreadyCancelled    = errors.New("order already cancelled")
	ErrRefundFailed        = errors.New("gateway refund failed")
	ErrForbidden           = errors.New("not allowed to perform this action")

	ErrUnknownNotification = errors.New("unrecognized webhook notification shape")
)

// Failure reasons recorded on orders for the audit trail.
const (
	ReasonSoldOut        = "sold_out"
	ReasonAmountMismatch = "amount_mismatch"
)

// TransientError marks a failure where a retry can actually help (the
// store or gateway was unreachable). The webhook handler answers 5xx
// only for these, so the gateway keeps redelivering; every business
// rejection is acknowledged to stop the retry loop.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
