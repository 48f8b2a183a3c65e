package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestClassifyAging_Buckets(t *testing.T) {
	asOf := Date(2026, time.June, 30)
	cases := []struct {
		days  int
		label string
	}{
		{0, "Current"},
		{1, "1-30 days"},
		{30, "1-30 days"},
		{31, "31-60 days"},
		{45, "31-60 days"},
		{90, "61-90 days"},
		{91, "90+ days"},
		{400, "90+ days"},
	}
	for _, c := range cases {
		item := AgingItem{DueDate: asOf.AddDate(0, 0, -c.days), Amount: dec("10")}
		report, err := ClassifyAging(AgingRequest{Items: []AgingItem{item}, AsOf: asOf})
		if err != nil {
			t.Fatalf("Failed to classify: %v", err)
		}
		for _, b := range report.Buckets {
			if (b.Count == 1) != (b.Label == c.label) {
				t.Errorf("%d days: expected bucket %q, bucket %q has count %d", c.days, c.label, b.Label, b.Count)
			}
		}
	}
}

func TestClassifyAging_FutureDueDateIsCurrent(t *testing.T) {
	asOf := Date(2026, time.June, 30)
	report, err := ClassifyAging(AgingRequest{
		Items: []AgingItem{{DueDate: Date(2026, time.August, 1), Amount: dec("75")}},
		AsOf:  asOf,
	})
	if err != nil {
		t.Fatalf("Failed to classify: %v", err)
	}
	if report.Buckets[0].Count != 1 {
		t.Errorf("Expected a future obligation to be Current")
	}
	if amount, count := report.Overdue(); !amount.IsZero() || count != 0 {
		t.Errorf("Expected nothing overdue, got %s/%d", amount, count)
	}
}

func TestClassifyAging_PercentagesAndEntities(t *testing.T) {
	asOf := Date(2026, time.June, 30)
	items := []AgingItem{
		{EntityID: "M-1", DueDate: asOf, Amount: dec("100")},
		{EntityID: "M-1", DueDate: asOf.AddDate(0, 0, -45), Amount: dec("200")},
		{EntityID: "M-2", DueDate: asOf.AddDate(0, 0, -45), Amount: dec("100")},
	}
	report, err := ClassifyAging(AgingRequest{Items: items, AsOf: asOf, ByEntity: true})
	if err != nil {
		t.Fatalf("Failed to classify: %v", err)
	}

	if !report.TotalAmount.Equal(dec("400")) || report.TotalCount != 3 {
		t.Errorf("Expected 400 over 3 items, got %s/%d", report.TotalAmount, report.TotalCount)
	}
	if !report.Buckets[0].Percentage.Equal(dec("25")) {
		t.Errorf("Expected Current at 25%%, got %s", report.Buckets[0].Percentage)
	}
	if !report.Buckets[2].Percentage.Equal(dec("75")) || !report.Buckets[2].Amount.Equal(dec("300")) {
		t.Errorf("Expected 31-60 days at 300 / 75%%, got %s / %s", report.Buckets[2].Amount, report.Buckets[2].Percentage)
	}
	if amount, count := report.Overdue(); !amount.Equal(dec("300")) || count != 2 {
		t.Errorf("Expected 300 overdue across 2 items, got %s/%d", amount, count)
	}

	m1 := report.ByEntity["M-1"]
	if len(m1) != len(StandardBuckets) {
		t.Fatalf("Expected %d buckets for M-1, got %d", len(StandardBuckets), len(m1))
	}
	if !m1[0].Percentage.Equal(dec("33.33")) || !m1[2].Percentage.Equal(dec("66.67")) {
		t.Errorf("Expected M-1 split 33.33/66.67, got %s/%s", m1[0].Percentage, m1[2].Percentage)
	}
	if m2 := report.ByEntity["M-2"]; !m2[2].Percentage.Equal(dec("100")) {
		t.Errorf("Expected M-2 fully in 31-60 days, got %s", m2[2].Percentage)
	}
}

func TestClassifyAging_Empty(t *testing.T) {
	report, err := ClassifyAging(AgingRequest{AsOf: Date(2026, time.June, 30)})
	if err != nil {
		t.Fatalf("Failed to classify: %v", err)
	}
	for _, b := range report.Buckets {
		if !b.Percentage.IsZero() || !b.Amount.IsZero() {
			t.Errorf("Expected empty bucket %s, got %s/%s", b.Label, b.Amount, b.Percentage)
		}
	}
	if report.ByEntity != nil {
		t.Errorf("Expected no entity breakdown when not requested")
	}
}

func TestClassifyAging_ExtendedBuckets(t *testing.T) {
	asOf := Date(2026, time.June, 30)
	buckets, err := BucketSet("extended")
	if err != nil {
		t.Fatalf("Failed to resolve bucket set: %v", err)
	}
	items := []AgingItem{
		{DueDate: asOf.AddDate(0, 0, -100), Amount: dec("10")},
		{DueDate: asOf.AddDate(0, 0, -121), Amount: dec("10")},
	}
	report, err := ClassifyAging(AgingRequest{Items: items, AsOf: asOf, Buckets: buckets})
	if err != nil {
		t.Fatalf("Failed to classify: %v", err)
	}
	if report.Buckets[4].Label != "91-120 days" || report.Buckets[4].Count != 1 {
		t.Errorf("Expected one item in 91-120 days, got %+v", report.Buckets[4])
	}
	if report.Buckets[5].Label != "Over 120 days" || report.Buckets[5].Count != 1 {
		t.Errorf("Expected one item over 120 days, got %+v", report.Buckets[5])
	}
}

func TestValidateBuckets(t *testing.T) {
	if err := ValidateBuckets(StandardBuckets); err != nil {
		t.Errorf("Expected standard buckets to be valid, got %v", err)
	}
	gap := []AgingBucket{{Label: "a", MinDays: 0, MaxDays: upTo(10)}, {Label: "b", MinDays: 12}}
	if err := ValidateBuckets(gap); !errors.Is(err, ErrInvalidBuckets) {
		t.Errorf("Expected a gap to be rejected, got %v", err)
	}
	openMiddle := []AgingBucket{{Label: "a", MinDays: 0}, {Label: "b", MinDays: 1}}
	if err := ValidateBuckets(openMiddle); !errors.Is(err, ErrInvalidBuckets) {
		t.Errorf("Expected an open middle bucket to be rejected, got %v", err)
	}
	if _, err := BucketSet("weekly"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected unknown bucket set to be rejected, got %v", err)
	}
	if _, err := ClassifyAging(AgingRequest{}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected a missing as-of date to be rejected, got %v", err)
	}
}

func TestClassifyAging_DelinquentLoans(t *testing.T) {
	asOf := Date(2026, time.June, 30)
	late, onTime := uuid.New(), uuid.New()
	items := []AgingItem{
		{LoanID: late, DueDate: asOf.AddDate(0, 0, -40), Amount: dec("50")},
		{LoanID: late, DueDate: asOf.AddDate(0, 0, -10), Amount: dec("50")},
		{LoanID: onTime, DueDate: asOf, Amount: dec("50")},
	}
	report, err := ClassifyAging(AgingRequest{Items: items, AsOf: asOf})
	if err != nil {
		t.Fatalf("Failed to classify: %v", err)
	}
	if report.Delinquent != 1 {
		t.Errorf("Expected 1 delinquent loan, got %d", report.Delinquent)
	}
}
