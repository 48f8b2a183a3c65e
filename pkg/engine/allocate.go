package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

type PaymentRequest struct {
	PaymentID   uuid.UUID            `json:"payment_id"`
	LoanID      uuid.UUID            `json:"loan_id"`
	Amount      decimal.Decimal      `json:"amount"`
	PaymentDate time.Time            `json:"payment_date"`
	Method      models.PaymentMethod `json:"method"`
	Reference   string               `json:"reference,omitempty"`
}

// AllocationResult is the outcome of applying one payment. Loan and Entries are
// updated copies; nothing passed to AllocatePayment is modified.
type AllocationResult struct {
	Loan                  models.Loan            `json:"loan"`
	Entries               []models.ScheduleEntry `json:"-"`       // Every entry, ordered by due date
	Updated               []models.ScheduleEntry `json:"-"`       // Entries whose state changed
	Allocations           []models.Allocation    `json:"allocations"`
	AmountApplied         decimal.Decimal        `json:"amount_applied"`
	PenaltyApplied        decimal.Decimal        `json:"penalty_applied"`
	InterestApplied       decimal.Decimal        `json:"interest_applied"`
	PrincipalApplied      decimal.Decimal        `json:"principal_applied"`
	InterestWaived        decimal.Decimal        `json:"interest_waived"`
	NewOutstandingBalance decimal.Decimal        `json:"new_outstanding_balance"`
	LoanClosed            bool                   `json:"loan_closed"`
	Settlement            bool                   `json:"settlement"`
}

// SortEntries returns a copy of entries ordered by due date, then payment
// number.
func SortEntries(entries []models.ScheduleEntry) []models.ScheduleEntry {
	sorted := make([]models.ScheduleEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DueDate.Equal(sorted[j].DueDate) {
			return sorted[i].PaymentNumber < sorted[j].PaymentNumber
		}
		return sorted[i].DueDate.Before(sorted[j].DueDate)
	})
	return sorted
}

func (r PaymentRequest) validate() error {
	if !r.Amount.IsPositive() || !r.Amount.Equal(Money(r.Amount)) {
		return ErrInvalidPaymentAmount
	}
	if r.PaymentDate.IsZero() {
		return ErrInvalidPaymentDate
	}
	if r.Method != "" && !r.Method.Valid() {
		return ErrInvalidPaymentMethod
	}
	return nil
}

// AllocatePayment applies a payment to a loan's unpaid entries in due-date
// order. Within each entry the payment covers penalty first, then interest,
// then principal.
//
// The ceiling is the payoff amount on the payment date: a larger payment is
// rejected before anything is allocated. A payment equal to it settles the
// loan, forgiving the interest of periods not yet due. The loan closes once
// its outstanding balance drops to 0.01 or below.
func AllocatePayment(loan models.Loan, entries []models.ScheduleEntry, req PaymentRequest, policy PenaltyPolicy) (*AllocationResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := DefaultLifecycle.Check(loan.Status, EventPay); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoScheduleEntries
	}

	on := CalendarDate(req.PaymentDate)
	work := SortEntries(entries)
	lines, err := settlementLines(work, on, policy)
	if err != nil {
		return nil, err
	}

	ceiling := decimal.Zero
	for _, l := range lines {
		ceiling = ceiling.Add(l.total())
	}
	if req.Amount.GreaterThan(ceiling) {
		return nil, ErrPaymentExceedsBalance
	}
	settle := req.Amount.Equal(ceiling)

	res := &AllocationResult{
		AmountApplied:    decimal.Zero,
		PenaltyApplied:   decimal.Zero,
		InterestApplied:  decimal.Zero,
		PrincipalApplied: decimal.Zero,
		InterestWaived:   decimal.Zero,
		Settlement:       settle,
	}
	changed := make(map[int]bool)
	remaining := req.Amount

	for _, line := range lines {
		if !remaining.IsPositive() && !settle {
			break
		}
		e := &work[line.index]
		if line.newPenalty.IsPositive() {
			e.PenaltyAccrued = e.PenaltyAccrued.Add(line.newPenalty)
			e.PenaltyAssessedThrough = &on
			changed[line.index] = true
		}

		interestOwed := e.RemainingInterest()
		if settle {
			interestOwed = line.interest
		}
		principalOwed := e.RemainingPrincipal()
		owed := line.penalty.Add(interestOwed).Add(principalOwed)
		if !owed.IsPositive() {
			if settle {
				waive(e, res, line.waived)
			}
			markPaid(e, on)
			changed[line.index] = true
			continue
		}

		applied := minDecimal(remaining, owed)
		penalty := minDecimal(applied, line.penalty)
		interest := minDecimal(applied.Sub(penalty), interestOwed)
		principal := minDecimal(applied.Sub(penalty).Sub(interest), principalOwed)

		e.PenaltyPaid = e.PenaltyPaid.Add(penalty)
		e.InterestPaid = e.InterestPaid.Add(interest)
		e.PrincipalPaid = e.PrincipalPaid.Add(principal)
		e.PaidAmount = e.PaidAmount.Add(interest).Add(principal)
		switch {
		case settle:
			waive(e, res, line.waived)
			markPaid(e, on)
		case e.PaidAmount.GreaterThanOrEqual(e.TotalDue):
			markPaid(e, on)
		}
		changed[line.index] = true

		res.Allocations = append(res.Allocations, models.Allocation{
			ID:              uuid.New(),
			PaymentID:       req.PaymentID,
			ScheduleEntryID: e.ID,
			PaymentNumber:   e.PaymentNumber,
			Principal:       principal,
			Interest:        interest,
			Penalty:         penalty,
		})
		res.PenaltyApplied = res.PenaltyApplied.Add(penalty)
		res.InterestApplied = res.InterestApplied.Add(interest)
		res.PrincipalApplied = res.PrincipalApplied.Add(principal)
		res.AmountApplied = res.AmountApplied.Add(applied)
		remaining = remaining.Sub(applied)
	}

	if loan.Status == models.LoanStatusDisbursed {
		if err := DefaultLifecycle.Fire(&loan, EventActivate, on); err != nil {
			return nil, err
		}
	}
	loan.OutstandingBalance = clampZero(loan.OutstandingBalance.Sub(res.PrincipalApplied))
	if loan.OutstandingBalance.LessThanOrEqual(closingLimit) {
		loan.OutstandingBalance = decimal.Zero
		if err := DefaultLifecycle.Fire(&loan, EventClose, on); err != nil {
			return nil, err
		}
		res.LoanClosed = true
	}

	res.Loan = loan
	res.NewOutstandingBalance = loan.OutstandingBalance
	res.Entries = work
	for i := range work {
		if changed[i] {
			res.Updated = append(res.Updated, work[i])
		}
	}
	return res, nil
}

// waive forgives the not-yet-due interest of an entry on settlement.
func waive(e *models.ScheduleEntry, res *AllocationResult, amount decimal.Decimal) {
	e.InterestWaived = e.InterestWaived.Add(amount)
	res.InterestWaived = res.InterestWaived.Add(amount)
}

func markPaid(e *models.ScheduleEntry, on time.Time) {
	e.IsPaid = true
	paid := on
	e.PaidDate = &paid
}
