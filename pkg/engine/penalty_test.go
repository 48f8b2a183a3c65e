package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var dailyOnePercent = PenaltyPolicy{Mode: PenaltyModePercentage, DailyRate: dec("0.01")}

func TestCalculatePenalty_Percentage(t *testing.T) {
	penalty, err := CalculatePenalty(PenaltyRequest{
		OverdueAmount: dec("9166.67"),
		DaysOverdue:   10,
		Policy:        dailyOnePercent,
	})
	if err != nil {
		t.Fatalf("Failed to calculate penalty: %v", err)
	}
	if !penalty.Equal(dec("916.67")) {
		t.Errorf("Expected penalty 916.67, got %s", penalty)
	}
	if total := dec("9166.67").Add(penalty); !total.Equal(dec("10083.34")) {
		t.Errorf("Expected total 10083.34, got %s", total)
	}
}

func TestCalculatePenalty_NoPenalty(t *testing.T) {
	tests := []struct {
		name string
		req  PenaltyRequest
	}{
		{"zero days", PenaltyRequest{OverdueAmount: dec("100"), DaysOverdue: 0, Policy: dailyOnePercent}},
		{"negative days", PenaltyRequest{OverdueAmount: dec("100"), DaysOverdue: -3, Policy: dailyOnePercent}},
		{"zero amount", PenaltyRequest{OverdueAmount: decimal.Zero, DaysOverdue: 5, Policy: dailyOnePercent}},
		{"within grace", PenaltyRequest{OverdueAmount: dec("100"), DaysOverdue: 3,
			Policy: PenaltyPolicy{Mode: PenaltyModePercentage, DailyRate: dec("0.01"), GraceDays: 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			penalty, err := CalculatePenalty(tt.req)
			if err != nil {
				t.Fatalf("Failed to calculate penalty: %v", err)
			}
			if !penalty.IsZero() {
				t.Errorf("Expected no penalty, got %s", penalty)
			}
		})
	}
}

func TestCalculatePenalty_FlatAndCap(t *testing.T) {
	flat := PenaltyPolicy{Mode: PenaltyModeFlat, FlatFee: dec("50")}
	penalty, err := CalculatePenalty(PenaltyRequest{OverdueAmount: dec("1000"), DaysOverdue: 40, Policy: flat})
	if err != nil {
		t.Fatalf("Failed to calculate penalty: %v", err)
	}
	if !penalty.Equal(dec("50")) {
		t.Errorf("Expected flat penalty 50, got %s", penalty)
	}

	capped := PenaltyPolicy{Mode: PenaltyModePercentage, DailyRate: dec("0.01"), Cap: dec("25")}
	penalty, err = CalculatePenalty(PenaltyRequest{OverdueAmount: dec("1000"), DaysOverdue: 10, Policy: capped})
	if err != nil {
		t.Fatalf("Failed to calculate penalty: %v", err)
	}
	if !penalty.Equal(dec("25")) {
		t.Errorf("Expected capped penalty 25, got %s", penalty)
	}

	// Past the grace allowance every overdue day counts.
	graced := PenaltyPolicy{Mode: PenaltyModePercentage, DailyRate: dec("0.001"), GraceDays: 5}
	penalty, _ = CalculatePenalty(PenaltyRequest{OverdueAmount: dec("1000"), DaysOverdue: 6, Policy: graced})
	if !penalty.Equal(dec("6")) {
		t.Errorf("Expected penalty 6, got %s", penalty)
	}
}

func TestCalculatePenalty_InvalidPolicy(t *testing.T) {
	policies := []PenaltyPolicy{
		{Mode: "DOUBLE", DailyRate: dec("0.01")},
		{Mode: PenaltyModePercentage, DailyRate: dec("-0.01")},
		{Mode: PenaltyModeFlat, FlatFee: dec("-1")},
		{Mode: PenaltyModePercentage, GraceDays: -1},
	}
	for _, p := range policies {
		_, err := CalculatePenalty(PenaltyRequest{OverdueAmount: dec("100"), DaysOverdue: 5, Policy: p})
		if !errors.Is(err, ErrInvalidPenaltyPolicy) || !errors.Is(err, ErrValidation) {
			t.Errorf("Expected invalid policy error for %+v, got %v", p, err)
		}
	}
}

func TestDaysOverdue(t *testing.T) {
	due := Date(2026, time.January, 10)
	if got := DaysOverdue(due, Date(2026, time.January, 20)); got != 10 {
		t.Errorf("Expected 10 days, got %d", got)
	}
	if got := DaysOverdue(due, Date(2026, time.January, 5)); got != 0 {
		t.Errorf("Expected 0 days before the due date, got %d", got)
	}
	late := time.Date(2026, time.January, 10, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, time.January, 11, 1, 0, 0, 0, time.UTC)
	if got := DaysOverdue(late, early); got != 1 {
		t.Errorf("Expected 1 calendar day, got %d", got)
	}
}

func TestEntryPenalty_DoesNotRecharge(t *testing.T) {
	due := Date(2026, time.February, 1)
	first, err := entryPenalty(due, nil, dec("112"), Date(2026, time.February, 11), dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to assess penalty: %v", err)
	}
	if !first.Equal(dec("11.2")) {
		t.Errorf("Expected first assessment 11.20, got %s", first)
	}

	through := Date(2026, time.February, 11)
	again, _ := entryPenalty(due, &through, dec("112"), Date(2026, time.February, 11), dailyOnePercent)
	if !again.IsZero() {
		t.Errorf("Expected no penalty on the same day, got %s", again)
	}

	later, _ := entryPenalty(due, &through, dec("103.20"), Date(2026, time.February, 21), dailyOnePercent)
	if !later.Equal(dec("10.32")) {
		t.Errorf("Expected later assessment 10.32, got %s", later)
	}

	flat := PenaltyPolicy{Mode: PenaltyModeFlat, FlatFee: dec("50")}
	fee, _ := entryPenalty(due, &through, dec("112"), Date(2026, time.March, 1), flat)
	if !fee.IsZero() {
		t.Errorf("Expected a flat fee to be charged once, got %s", fee)
	}
}
