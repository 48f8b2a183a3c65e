package engine

import (
	"time"

	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// Event is something that happens to a loan. Transition events move it to a
// new status; guard events only check that the current status allows the
// operation.
type Event string

const (
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventDisburse Event = "disburse"
	EventActivate Event = "activate"
	EventClose    Event = "close"

	EventPay       Event = "pay"
	EventQuote     Event = "quote a payoff for"
	EventDelete    Event = "delete"
	EventGuarantee Event = "change the guarantors of"
)

// Lifecycle is the single gate for loan status changes. Every operation that
// mutates a loan asks it first.
type Lifecycle struct {
	transitions map[models.LoanStatus]map[Event]models.LoanStatus
	guards      map[Event][]models.LoanStatus
}

// NewLifecycle returns the loan state machine:
//
//	PENDING --approve--> APPROVED --disburse--> DISBURSED --activate--> ACTIVE --close--> CLOSED
//	PENDING --reject---> REJECTED
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		transitions: map[models.LoanStatus]map[Event]models.LoanStatus{
			models.LoanStatusPending: {
				EventApprove: models.LoanStatusApproved,
				EventReject:  models.LoanStatusRejected,
			},
			models.LoanStatusApproved: {
				EventDisburse: models.LoanStatusDisbursed,
			},
			models.LoanStatusDisbursed: {
				EventActivate: models.LoanStatusActive,
			},
			models.LoanStatusActive: {
				EventClose: models.LoanStatusClosed,
			},
		},
		guards: map[Event][]models.LoanStatus{
			EventPay:       {models.LoanStatusDisbursed, models.LoanStatusActive},
			EventQuote:     {models.LoanStatusDisbursed, models.LoanStatusActive},
			EventDelete:    {models.LoanStatusPending, models.LoanStatusRejected},
			EventGuarantee: {models.LoanStatusPending, models.LoanStatusApproved},
		},
	}
}

// DefaultLifecycle is shared by the engine and the ledger. It is read-only
// after construction and safe for concurrent use.
var DefaultLifecycle = NewLifecycle()

// Next returns the status reached by firing ev from status, or a *StateError.
func (lc *Lifecycle) Next(from models.LoanStatus, ev Event) (models.LoanStatus, error) {
	to, ok := lc.transitions[from][ev]
	if !ok {
		return from, &StateError{From: from, Event: ev}
	}
	return to, nil
}

// Check reports whether a guard event is allowed in status.
func (lc *Lifecycle) Check(status models.LoanStatus, ev Event) error {
	for _, s := range lc.guards[ev] {
		if s == status {
			return nil
		}
	}
	if _, ok := lc.transitions[status][ev]; ok {
		return nil
	}
	return &StateError{From: status, Event: ev}
}

// Fire applies ev to the loan, stamping the matching lifecycle date with at.
func (lc *Lifecycle) Fire(loan *models.Loan, ev Event, at time.Time) error {
	to, err := lc.Next(loan.Status, ev)
	if err != nil {
		return err
	}
	day := CalendarDate(at)
	switch ev {
	case EventApprove:
		loan.ApprovedDate = &day
	case EventDisburse:
		loan.DisbursedDate = &day
	case EventClose:
		loan.ClosedDate = &day
	}
	loan.Status = to
	return nil
}

// CheckDisbursement validates a disbursement request against the loan's
// status, its approved amount and its guarantors.
func (lc *Lifecycle) CheckDisbursement(loan *models.Loan, amount decimal.Decimal, guarantors []models.Guarantor) error {
	if _, err := lc.Next(loan.Status, EventDisburse); err != nil {
		return err
	}
	if !amount.IsPositive() || !loan.ApprovedAmount.IsPositive() {
		return ErrInvalidDisbursementAmount
	}
	if amount.GreaterThan(loan.ApprovedAmount) {
		return ErrDisbursementExceedsApproved
	}
	for _, g := range guarantors {
		if g.Status != models.GuarantorStatusApproved {
			return ErrGuarantorsNotApproved
		}
	}
	return nil
}

// CheckApproval validates the amount an approver grants.
func (lc *Lifecycle) CheckApproval(loan *models.Loan, approved decimal.Decimal) error {
	if _, err := lc.Next(loan.Status, EventApprove); err != nil {
		return err
	}
	if !approved.IsPositive() || approved.GreaterThan(loan.Principal) {
		return ErrInvalidApprovedAmount
	}
	return nil
}
