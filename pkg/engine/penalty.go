package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type PenaltyMode string

const (
	PenaltyModePercentage PenaltyMode = "PERCENTAGE"
	PenaltyModeFlat       PenaltyMode = "FLAT"
)

// PenaltyPolicy is the late-payment rule of a loan product.
type PenaltyPolicy struct {
	Mode      PenaltyMode     `json:"mode" mapstructure:"mode"`
	DailyRate decimal.Decimal `json:"daily_rate" mapstructure:"daily_rate"` // Fraction of the overdue amount per day
	FlatFee   decimal.Decimal `json:"flat_fee" mapstructure:"flat_fee"`
	GraceDays int             `json:"grace_days" mapstructure:"grace_days"` // Days past due before any penalty applies
	Cap       decimal.Decimal `json:"cap" mapstructure:"cap"`               // Upper bound per assessment, zero for none
}

// Validate rejects negative parameters and unknown modes.
func (p PenaltyPolicy) Validate() error {
	if p.Mode != PenaltyModePercentage && p.Mode != PenaltyModeFlat {
		return ErrInvalidPenaltyPolicy
	}
	if p.DailyRate.IsNegative() || p.FlatFee.IsNegative() || p.Cap.IsNegative() || p.GraceDays < 0 {
		return ErrInvalidPenaltyPolicy
	}
	return nil
}

type PenaltyRequest struct {
	OverdueAmount decimal.Decimal
	DaysOverdue   int
	Policy        PenaltyPolicy
}

// DaysOverdue is the number of whole days asOf lies past dueDate, never
// negative.
func DaysOverdue(dueDate, asOf time.Time) int {
	days := DaysBetween(dueDate, asOf)
	if days < 0 {
		return 0
	}
	return days
}

// CalculatePenalty returns the penalty for an overdue amount. Zero days, days
// within the grace allowance and non-positive amounts carry no penalty.
func CalculatePenalty(req PenaltyRequest) (decimal.Decimal, error) {
	if err := req.Policy.Validate(); err != nil {
		return decimal.Zero, err
	}
	if req.DaysOverdue <= 0 || req.DaysOverdue <= req.Policy.GraceDays || !req.OverdueAmount.IsPositive() {
		return decimal.Zero, nil
	}

	var penalty decimal.Decimal
	switch req.Policy.Mode {
	case PenaltyModeFlat:
		penalty = req.Policy.FlatFee
	default:
		penalty = req.OverdueAmount.Mul(req.Policy.DailyRate).Mul(decimal.NewFromInt(int64(req.DaysOverdue)))
	}
	if req.Policy.Cap.IsPositive() {
		penalty = minDecimal(penalty, req.Policy.Cap)
	}
	return Money(penalty), nil
}

// entryPenalty returns the penalty newly assessed on an entry as of asOf. A
// percentage penalty accrues from the later of the due date and the last
// assessment, so a day is never charged twice; a flat fee is charged once.
func entryPenalty(due time.Time, assessedThrough *time.Time, remaining decimal.Decimal, asOf time.Time, policy PenaltyPolicy) (decimal.Decimal, error) {
	if DaysOverdue(due, asOf) == 0 {
		return decimal.Zero, nil
	}
	if assessedThrough == nil {
		return CalculatePenalty(PenaltyRequest{OverdueAmount: remaining, DaysOverdue: DaysOverdue(due, asOf), Policy: policy})
	}
	if policy.Mode == PenaltyModeFlat {
		return decimal.Zero, nil
	}
	days := DaysOverdue(*assessedThrough, asOf)
	if days == 0 {
		return decimal.Zero, nil
	}
	policy.GraceDays = 0
	return CalculatePenalty(PenaltyRequest{OverdueAmount: remaining, DaysOverdue: days, Policy: policy})
}
