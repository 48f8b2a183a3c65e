package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "PENDING"
	LoanStatusApproved  LoanStatus = "APPROVED"
	LoanStatusRejected  LoanStatus = "REJECTED"
	LoanStatusDisbursed LoanStatus = "DISBURSED"
	LoanStatusActive    LoanStatus = "ACTIVE"
	LoanStatusClosed    LoanStatus = "CLOSED"
)

type AmortizationMethod string

const (
	MethodReducingBalance AmortizationMethod = "REDUCING_BALANCE"
	MethodFlatRate        AmortizationMethod = "FLAT_RATE"
)

type PaymentFrequency string

const (
	FrequencyMonthly   PaymentFrequency = "MONTHLY"
	FrequencyQuarterly PaymentFrequency = "QUARTERLY"
)

// IntervalMonths returns the number of months between two due dates, or 0 for
// an unknown frequency.
func (f PaymentFrequency) IntervalMonths() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	}
	return 0
}

type Loan struct {
	ID                 uuid.UUID          `json:"id"`
	MemberID           string             `json:"member_id"`    // Borrowing member in the external membership system
	ProductCode        string             `json:"product_code"` // Selects the penalty policy
	Principal          decimal.Decimal    `json:"principal"`    // Requested amount
	ApprovedAmount     decimal.Decimal    `json:"approved_amount"`
	DisbursedAmount    decimal.Decimal    `json:"disbursed_amount"` // Principal the schedule is built on
	OutstandingBalance decimal.Decimal    `json:"outstanding_balance"`
	AnnualInterestRate decimal.Decimal    `json:"annual_interest_rate"`
	TermMonths         int                `json:"term_months"`
	Method             AmortizationMethod `json:"method"`
	PaymentFrequency   PaymentFrequency   `json:"payment_frequency"`
	GracePeriodMonths  int                `json:"grace_period_months"`
	StartDate          time.Time          `json:"start_date"`
	Status             LoanStatus         `json:"status"`
	ApprovedDate       *time.Time         `json:"approved_date,omitempty"`
	DisbursedDate      *time.Time         `json:"disbursed_date,omitempty"`
	ClosedDate         *time.Time         `json:"closed_date,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ScheduleEntry is one installment of a loan's amortization schedule.
// PaidAmount counts principal and interest only; penalty is tracked in the
// Penalty* fields.
type ScheduleEntry struct {
	ID                     uuid.UUID       `json:"id"`
	LoanID                 uuid.UUID       `json:"loan_id"`
	PaymentNumber          int             `json:"payment_number"`
	DueDate                time.Time       `json:"due_date"`
	PrincipalDue           decimal.Decimal `json:"principal_due"`
	InterestDue            decimal.Decimal `json:"interest_due"`
	TotalDue               decimal.Decimal `json:"total_due"`
	PaidAmount             decimal.Decimal `json:"paid_amount"`
	PrincipalPaid          decimal.Decimal `json:"principal_paid"`
	InterestPaid           decimal.Decimal `json:"interest_paid"`
	PenaltyAccrued         decimal.Decimal `json:"penalty_accrued"`
	PenaltyPaid            decimal.Decimal `json:"penalty_paid"`
	PenaltyAssessedThrough *time.Time      `json:"penalty_assessed_through,omitempty"`
	InterestWaived         decimal.Decimal `json:"interest_waived"` // Future interest forgiven by an early settlement
	IsPaid                 bool            `json:"is_paid"`
	PaidDate               *time.Time      `json:"paid_date,omitempty"`
	BalanceAfter           decimal.Decimal `json:"balance_after"`
	CumulativeInterest     decimal.Decimal `json:"cumulative_interest"`
	CumulativePrincipal    decimal.Decimal `json:"cumulative_principal"`
}

// RemainingDue is the unpaid principal and interest of the entry.
func (e *ScheduleEntry) RemainingDue() decimal.Decimal {
	return e.TotalDue.Sub(e.PaidAmount)
}

// RemainingPrincipal is the unpaid principal of the entry.
func (e *ScheduleEntry) RemainingPrincipal() decimal.Decimal {
	return e.PrincipalDue.Sub(e.PrincipalPaid)
}

// RemainingInterest is the unpaid interest of the entry.
func (e *ScheduleEntry) RemainingInterest() decimal.Decimal {
	return e.InterestDue.Sub(e.InterestPaid)
}

// UnpaidPenalty is penalty assessed on the entry but not yet collected.
func (e *ScheduleEntry) UnpaidPenalty() decimal.Decimal {
	return e.PenaltyAccrued.Sub(e.PenaltyPaid)
}

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodMobileMoney  PaymentMethod = "MOBILE_MONEY"
	PaymentMethodCheque       PaymentMethod = "CHEQUE"
)

// Valid reports whether m is one of the accepted payment channels.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodBankTransfer, PaymentMethodMobileMoney, PaymentMethodCheque:
		return true
	}
	return false
}

type Payment struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	Amount        decimal.Decimal `json:"amount"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
	PaymentDate   time.Time       `json:"payment_date"`
	Method        PaymentMethod   `json:"method"`
	Reference     string          `json:"reference,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Allocation struct {
	ID              uuid.UUID       `json:"id"`
	PaymentID       uuid.UUID       `json:"payment_id"`
	ScheduleEntryID uuid.UUID       `json:"schedule_entry_id"`
	PaymentNumber   int             `json:"payment_number"`
	Principal       decimal.Decimal `json:"principal"`
	Interest        decimal.Decimal `json:"interest"`
	Penalty         decimal.Decimal `json:"penalty"`
}

// Total is the amount of the payment applied to the entry.
func (a Allocation) Total() decimal.Decimal {
	return a.Principal.Add(a.Interest).Add(a.Penalty)
}

type GuarantorStatus string

const (
	GuarantorStatusPending  GuarantorStatus = "PENDING"
	GuarantorStatusApproved GuarantorStatus = "APPROVED"
	GuarantorStatusRejected GuarantorStatus = "REJECTED"
)

type Guarantor struct {
	ID               uuid.UUID       `json:"id"`
	LoanID           uuid.UUID       `json:"loan_id"`
	MemberID         string          `json:"member_id"`
	GuaranteedAmount decimal.Decimal `json:"guaranteed_amount"`
	Status           GuarantorStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "disbursement"
	TransactionTypePayment      TransactionType = "payment"
)

type Transaction struct {
	ID        uuid.UUID       `json:"id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      TransactionType `json:"type"`
	Reference string          `json:"reference,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
