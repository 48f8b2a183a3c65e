package engine

import (
	"errors"
	"fmt"

	"github.com/mcclellann/microloan/pkg/models"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation error")
	// ErrBusinessRule matches every *RuleError and *StateError.
	ErrBusinessRule = errors.New("business rule violation")
	// ErrStateViolation matches every *StateError.
	ErrStateViolation = errors.New("loan status does not allow this operation")
)

// ValidationError reports a bad input parameter. It is returned before any
// computation or mutation takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	ErrInvalidPrincipal     = &ValidationError{Field: "principal", Reason: "must be positive"}
	ErrNegativeRate         = &ValidationError{Field: "annual_interest_rate", Reason: "must not be negative"}
	ErrInvalidTerm          = &ValidationError{Field: "term_months", Reason: "must be positive"}
	ErrInvalidGracePeriod   = &ValidationError{Field: "grace_period_months", Reason: "must be at least 0 and less than the term"}
	ErrInvalidMethod        = &ValidationError{Field: "method", Reason: "must be REDUCING_BALANCE or FLAT_RATE"}
	ErrInvalidFrequency     = &ValidationError{Field: "payment_frequency", Reason: "must be MONTHLY or QUARTERLY"}
	ErrInvalidStartDate     = &ValidationError{Field: "start_date", Reason: "is required"}
	ErrInvalidPaymentAmount = &ValidationError{Field: "amount", Reason: "must be positive"}
	ErrInvalidPaymentDate   = &ValidationError{Field: "payment_date", Reason: "is required"}
	ErrInvalidPaymentMethod = &ValidationError{Field: "method", Reason: "unknown payment method"}
	ErrInvalidPenaltyPolicy = &ValidationError{Field: "penalty_policy", Reason: "rate, fee and cap must not be negative"}
	ErrInvalidBuckets       = &ValidationError{Field: "buckets", Reason: "must be ordered, contiguous and start at 0"}
	ErrNoScheduleEntries    = &ValidationError{Field: "entries", Reason: "loan has no schedule"}
)

// RuleError reports a request that is well formed but not allowed by the
// loan's current facts.
type RuleError struct {
	Reason string
}

func (e *RuleError) Error() string {
	return e.Reason
}

func (e *RuleError) Is(target error) bool {
	return target == ErrBusinessRule
}

var (
	ErrPaymentExceedsBalance       = &RuleError{Reason: "payment exceeds the outstanding balance"}
	ErrGuarantorsNotApproved       = &RuleError{Reason: "all guarantors must be approved before disbursement"}
	ErrDisbursementExceedsApproved = &RuleError{Reason: "disbursement amount exceeds the approved amount"}
	ErrInvalidDisbursementAmount   = &RuleError{Reason: "disbursement amount must be positive"}
	ErrInvalidApprovedAmount       = &RuleError{Reason: "approved amount must be positive and not exceed the requested principal"}
)

// StateError is returned when an event is fired against a loan whose status
// forbids it.
type StateError struct {
	From  models.LoanStatus
	Event Event
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s a loan in status %s", e.Event, e.From)
}

func (e *StateError) Is(target error) bool {
	return target == ErrStateViolation || target == ErrBusinessRule
}
