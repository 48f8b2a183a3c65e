package engine

import (
	"time"

	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// PayoffQuote is the amount that settles a loan in full on PayoffDate.
type PayoffQuote struct {
	PayoffDate         time.Time       `json:"payoff_date"`
	RemainingPrincipal decimal.Decimal `json:"remaining_principal"`
	AccruedInterest    decimal.Decimal `json:"accrued_interest"`
	Penalty            decimal.Decimal `json:"penalty"`
	PayoffAmount       decimal.Decimal `json:"payoff_amount"`
	InterestSaved      decimal.Decimal `json:"interest_saved"`
	EntriesSettled     int             `json:"entries_settled"`
}

// settlementLine is what one unpaid entry owes on a settlement date.
type settlementLine struct {
	index      int
	newPenalty decimal.Decimal
	penalty    decimal.Decimal // carried unpaid penalty plus newPenalty
	interest   decimal.Decimal // zero when the entry falls due after the settlement date
	waived     decimal.Decimal
	principal  decimal.Decimal
}

func (l settlementLine) total() decimal.Decimal {
	return l.penalty.Add(l.interest).Add(l.principal)
}

func settlementLines(entries []models.ScheduleEntry, on time.Time, policy PenaltyPolicy) ([]settlementLine, error) {
	on = CalendarDate(on)
	var lines []settlementLine
	for i := range entries {
		e := &entries[i]
		if e.IsPaid {
			continue
		}
		fresh, err := entryPenalty(e.DueDate, e.PenaltyAssessedThrough, e.RemainingDue(), on, policy)
		if err != nil {
			return nil, err
		}
		line := settlementLine{
			index:      i,
			newPenalty: fresh,
			penalty:    e.UnpaidPenalty().Add(fresh),
			interest:   decimal.Zero,
			waived:     decimal.Zero,
			principal:  e.RemainingPrincipal(),
		}
		if e.DueDate.After(on) {
			line.waived = e.RemainingInterest()
		} else {
			line.interest = e.RemainingInterest()
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// QuotePayoff computes the early settlement amount of the unpaid entries as of
// payoffDate. Interest of periods falling due after payoffDate is not charged
// and is reported as InterestSaved.
func QuotePayoff(entries []models.ScheduleEntry, payoffDate time.Time, policy PenaltyPolicy) (PayoffQuote, error) {
	if payoffDate.IsZero() {
		return PayoffQuote{}, ErrInvalidPaymentDate
	}
	if err := policy.Validate(); err != nil {
		return PayoffQuote{}, err
	}
	lines, err := settlementLines(entries, payoffDate, policy)
	if err != nil {
		return PayoffQuote{}, err
	}

	q := PayoffQuote{
		PayoffDate:         CalendarDate(payoffDate),
		RemainingPrincipal: decimal.Zero,
		AccruedInterest:    decimal.Zero,
		Penalty:            decimal.Zero,
		PayoffAmount:       decimal.Zero,
		InterestSaved:      decimal.Zero,
		EntriesSettled:     len(lines),
	}
	for _, l := range lines {
		q.RemainingPrincipal = q.RemainingPrincipal.Add(l.principal)
		q.AccruedInterest = q.AccruedInterest.Add(l.interest)
		q.Penalty = q.Penalty.Add(l.penalty)
		q.InterestSaved = q.InterestSaved.Add(l.waived)
	}
	q.PayoffAmount = q.RemainingPrincipal.Add(q.AccruedInterest).Add(q.Penalty)
	return q, nil
}
