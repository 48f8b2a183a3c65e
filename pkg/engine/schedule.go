package engine

import (
	"time"

	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// LoanParams are the terms a schedule is generated from.
type LoanParams struct {
	Principal          decimal.Decimal           `json:"principal"`
	AnnualInterestRate decimal.Decimal           `json:"annual_interest_rate"`
	TermMonths         int                       `json:"term_months"`
	Method             models.AmortizationMethod `json:"method"`
	PaymentFrequency   models.PaymentFrequency   `json:"payment_frequency"`
	StartDate          time.Time                 `json:"start_date"`
	GracePeriodMonths  int                       `json:"grace_period_months"`
}

// ParamsFromLoan builds schedule parameters from a loan's terms, amortizing
// the given principal.
func ParamsFromLoan(l *models.Loan, principal decimal.Decimal) LoanParams {
	return LoanParams{
		Principal:          principal,
		AnnualInterestRate: l.AnnualInterestRate,
		TermMonths:         l.TermMonths,
		Method:             l.Method,
		PaymentFrequency:   l.PaymentFrequency,
		StartDate:          l.StartDate,
		GracePeriodMonths:  l.GracePeriodMonths,
	}
}

// Validate checks the preconditions of GenerateSchedule in a fixed order and
// returns the first one violated.
func (p LoanParams) Validate() error {
	if !p.Principal.IsPositive() {
		return ErrInvalidPrincipal
	}
	if p.AnnualInterestRate.IsNegative() {
		return ErrNegativeRate
	}
	if p.TermMonths <= 0 {
		return ErrInvalidTerm
	}
	if p.GracePeriodMonths < 0 || p.GracePeriodMonths >= p.TermMonths {
		return ErrInvalidGracePeriod
	}
	if p.Method != models.MethodReducingBalance && p.Method != models.MethodFlatRate {
		return ErrInvalidMethod
	}
	if p.PaymentFrequency.IntervalMonths() == 0 {
		return ErrInvalidFrequency
	}
	if p.StartDate.IsZero() {
		return ErrInvalidStartDate
	}
	return nil
}

// PeriodCount is ceil(termMonths / intervalMonths).
func PeriodCount(termMonths, intervalMonths int) int {
	return (termMonths + intervalMonths - 1) / intervalMonths
}

// GracePeriods counts the leading periods whose elapsed months fall within the
// grace period. It is always less than the period count when grace < term.
func GracePeriods(graceMonths, intervalMonths int) int {
	return graceMonths / intervalMonths
}

// PeriodicRate converts an annual rate to the rate of one payment interval.
func PeriodicRate(annual decimal.Decimal, intervalMonths int) decimal.Decimal {
	return annual.Div(twelve).Mul(decimal.NewFromInt(int64(intervalMonths)))
}

// AnnuityPayment is the constant installment that amortizes principal over
// periods at rate r, rounded to cents.
func AnnuityPayment(principal, r decimal.Decimal, periods int) decimal.Decimal {
	n := decimal.NewFromInt(int64(periods))
	if r.IsZero() {
		return Money(principal.Div(n))
	}
	growth := one.Add(r).Pow(n)
	return Money(principal.Mul(r).Mul(growth).Div(growth.Sub(one)))
}

type installment struct {
	principal decimal.Decimal
	interest  decimal.Decimal
}

// GenerateSchedule computes the full amortization schedule for p. Entries are
// returned without IDs; the caller assigns them when it persists the set.
func GenerateSchedule(p LoanParams) ([]models.ScheduleEntry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	interval := p.PaymentFrequency.IntervalMonths()
	n := PeriodCount(p.TermMonths, interval)
	g := GracePeriods(p.GracePeriodMonths, interval)
	r := PeriodicRate(p.AnnualInterestRate, interval)

	var plan []installment
	switch p.Method {
	case models.MethodReducingBalance:
		plan = reducingBalancePlan(p.Principal, r, n, g)
	case models.MethodFlatRate:
		plan = flatRatePlan(p.Principal, p.AnnualInterestRate, p.TermMonths, n, g)
	}

	return buildEntries(p, interval, plan), nil
}

func reducingBalancePlan(principal, r decimal.Decimal, n, g int) []installment {
	plan := make([]installment, 0, n)
	pmt := AnnuityPayment(principal, r, n-g)
	balance := principal

	for i := 1; i <= n; i++ {
		interest := Money(balance.Mul(r))
		var part decimal.Decimal
		switch {
		case i <= g:
			part = decimal.Zero
		case i == n:
			part = balance
		default:
			part = clampZero(minDecimal(pmt.Sub(interest), balance))
		}
		balance = balance.Sub(part)
		plan = append(plan, installment{principal: part, interest: interest})
	}
	return plan
}

func flatRatePlan(principal, annualRate decimal.Decimal, termMonths, n, g int) []installment {
	plan := make([]installment, 0, n)
	years := decimal.NewFromInt(int64(termMonths)).Div(twelve)
	totalInterest := Money(principal.Mul(annualRate).Mul(years))
	perInterest := Money(totalInterest.Div(decimal.NewFromInt(int64(n))))
	perPrincipal := Money(principal.Div(decimal.NewFromInt(int64(n - g))))

	balance := principal
	interestLeft := totalInterest
	for i := 1; i <= n; i++ {
		interest := perInterest
		var part decimal.Decimal
		switch {
		case i == n:
			part = balance
			interest = clampZero(interestLeft)
		case i <= g:
			part = decimal.Zero
		default:
			part = minDecimal(perPrincipal, balance)
		}
		balance = balance.Sub(part)
		interestLeft = interestLeft.Sub(interest)
		plan = append(plan, installment{principal: part, interest: interest})
	}
	return plan
}

func buildEntries(p LoanParams, interval int, plan []installment) []models.ScheduleEntry {
	entries := make([]models.ScheduleEntry, len(plan))
	balance := p.Principal
	cumInterest := decimal.Zero
	cumPrincipal := decimal.Zero

	for i, inst := range plan {
		balance = balance.Sub(inst.principal)
		cumInterest = cumInterest.Add(inst.interest)
		cumPrincipal = cumPrincipal.Add(inst.principal)

		entries[i] = models.ScheduleEntry{
			PaymentNumber:       i + 1,
			DueDate:             AddMonths(p.StartDate, (i+1)*interval),
			PrincipalDue:        inst.principal,
			InterestDue:         inst.interest,
			TotalDue:            inst.principal.Add(inst.interest),
			PaidAmount:          decimal.Zero,
			PrincipalPaid:       decimal.Zero,
			InterestPaid:        decimal.Zero,
			PenaltyAccrued:      decimal.Zero,
			PenaltyPaid:         decimal.Zero,
			InterestWaived:      decimal.Zero,
			BalanceAfter:        balance,
			CumulativeInterest:  cumInterest,
			CumulativePrincipal: cumPrincipal,
		}
	}
	return entries
}

// ScheduleSummary aggregates a schedule for display.
type ScheduleSummary struct {
	TotalPayments      int             `json:"total_payments"`
	TotalPrincipal     decimal.Decimal `json:"total_principal"`
	TotalInterest      decimal.Decimal `json:"total_interest"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	PaidPayments       int             `json:"paid_payments"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
	PenaltyPaid        decimal.Decimal `json:"penalty_paid"`
	RemainingPayments  int             `json:"remaining_payments"`
	RemainingPrincipal decimal.Decimal `json:"remaining_principal"`
	RemainingInterest  decimal.Decimal `json:"remaining_interest"`
	OverduePayments    int             `json:"overdue_payments"`
	OverdueAmount      decimal.Decimal `json:"overdue_amount"`
	NextDueDate        *time.Time      `json:"next_due_date,omitempty"`
}

// SummarizeSchedule totals a schedule as of the given date.
func SummarizeSchedule(entries []models.ScheduleEntry, asOf time.Time) ScheduleSummary {
	s := ScheduleSummary{
		TotalPayments:      len(entries),
		TotalPrincipal:     decimal.Zero,
		TotalInterest:      decimal.Zero,
		TotalAmount:        decimal.Zero,
		PaidAmount:         decimal.Zero,
		PenaltyPaid:        decimal.Zero,
		RemainingPrincipal: decimal.Zero,
		RemainingInterest:  decimal.Zero,
		OverdueAmount:      decimal.Zero,
	}
	for i := range entries {
		e := &entries[i]
		s.TotalPrincipal = s.TotalPrincipal.Add(e.PrincipalDue)
		s.TotalInterest = s.TotalInterest.Add(e.InterestDue)
		s.TotalAmount = s.TotalAmount.Add(e.TotalDue)
		s.PaidAmount = s.PaidAmount.Add(e.PaidAmount)
		s.PenaltyPaid = s.PenaltyPaid.Add(e.PenaltyPaid)
		if e.IsPaid {
			s.PaidPayments++
			continue
		}
		s.RemainingPayments++
		s.RemainingPrincipal = s.RemainingPrincipal.Add(e.RemainingPrincipal())
		s.RemainingInterest = s.RemainingInterest.Add(e.RemainingInterest())
		if DaysOverdue(e.DueDate, asOf) > 0 {
			s.OverduePayments++
			s.OverdueAmount = s.OverdueAmount.Add(e.RemainingDue())
		}
		if s.NextDueDate == nil {
			due := e.DueDate
			s.NextDueDate = &due
		}
	}
	return s
}
