package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// disbursedLoan is a 1200 flat-rate loan at 12% over 12 months: 100 principal
// and 12 interest per month, first due 2026-02-01.
func disbursedLoan(t *testing.T) (models.Loan, []models.ScheduleEntry) {
	t.Helper()
	loan := models.Loan{
		ID:                 uuid.New(),
		Principal:          dec("1200"),
		ApprovedAmount:     dec("1200"),
		DisbursedAmount:    dec("1200"),
		OutstandingBalance: dec("1200"),
		AnnualInterestRate: dec("0.12"),
		TermMonths:         12,
		Method:             models.MethodFlatRate,
		PaymentFrequency:   models.FrequencyMonthly,
		StartDate:          Date(2026, time.January, 1),
		Status:             models.LoanStatusDisbursed,
	}
	entries, err := GenerateSchedule(ParamsFromLoan(&loan, loan.DisbursedAmount))
	if err != nil {
		t.Fatalf("Failed to generate schedule: %v", err)
	}
	for i := range entries {
		entries[i].ID = uuid.New()
		entries[i].LoanID = loan.ID
	}
	return loan, entries
}

func pay(amount string, on time.Time) PaymentRequest {
	return PaymentRequest{
		PaymentID:   uuid.New(),
		Amount:      dec(amount),
		PaymentDate: on,
		Method:      models.PaymentMethodCash,
	}
}

func checkAllocationSum(t *testing.T, res *AllocationResult, amount decimal.Decimal) {
	t.Helper()
	sum := decimal.Zero
	for _, a := range res.Allocations {
		sum = sum.Add(a.Total())
	}
	if !sum.Equal(res.AmountApplied) {
		t.Errorf("Expected allocations to sum to %s, got %s", res.AmountApplied, sum)
	}
	if res.AmountApplied.GreaterThan(amount) {
		t.Errorf("Applied %s exceeds payment %s", res.AmountApplied, amount)
	}
}

func TestAllocatePayment_OnTime(t *testing.T) {
	loan, entries := disbursedLoan(t)
	req := pay("112", Date(2026, time.February, 1))

	res, err := AllocatePayment(loan, entries, req, dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate payment: %v", err)
	}
	checkAllocationSum(t, res, req.Amount)

	if len(res.Allocations) != 1 {
		t.Fatalf("Expected 1 allocation, got %d", len(res.Allocations))
	}
	a := res.Allocations[0]
	if !a.Interest.Equal(dec("12")) || !a.Principal.Equal(dec("100")) || !a.Penalty.IsZero() {
		t.Errorf("Expected 0/12/100 penalty/interest/principal, got %s/%s/%s", a.Penalty, a.Interest, a.Principal)
	}
	if a.PaymentID != req.PaymentID || a.ScheduleEntryID != entries[0].ID {
		t.Errorf("Allocation is not linked to the payment and entry")
	}
	if !res.Entries[0].IsPaid || res.Entries[0].PaidDate == nil {
		t.Errorf("Expected entry 1 to be paid")
	}
	if res.Entries[1].IsPaid {
		t.Errorf("Expected entry 2 to stay unpaid")
	}
	if !res.NewOutstandingBalance.Equal(dec("1100")) {
		t.Errorf("Expected balance 1100, got %s", res.NewOutstandingBalance)
	}
	if res.Loan.Status != models.LoanStatusActive {
		t.Errorf("Expected loan to become ACTIVE, got %s", res.Loan.Status)
	}
	if len(res.Updated) != 1 {
		t.Errorf("Expected 1 updated entry, got %d", len(res.Updated))
	}
	if entries[0].IsPaid || !entries[0].PaidAmount.IsZero() {
		t.Errorf("Input entries must not be modified")
	}
	if loan.Status != models.LoanStatusDisbursed {
		t.Errorf("Input loan must not be modified")
	}
}

func TestAllocatePayment_PartialCoversInterestFirst(t *testing.T) {
	loan, entries := disbursedLoan(t)
	res, err := AllocatePayment(loan, entries, pay("50", Date(2026, time.February, 1)), dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate payment: %v", err)
	}
	e := res.Entries[0]
	if !e.InterestPaid.Equal(dec("12")) || !e.PrincipalPaid.Equal(dec("38")) {
		t.Errorf("Expected 12 interest and 38 principal, got %s/%s", e.InterestPaid, e.PrincipalPaid)
	}
	if e.IsPaid {
		t.Errorf("Expected entry to stay unpaid")
	}
	if !e.PaidAmount.Equal(dec("50")) {
		t.Errorf("Expected paid amount 50, got %s", e.PaidAmount)
	}
	if !res.NewOutstandingBalance.Equal(dec("1162")) {
		t.Errorf("Expected balance 1162, got %s", res.NewOutstandingBalance)
	}
}

func TestAllocatePayment_LatePaymentCoversPenaltyFirst(t *testing.T) {
	loan, entries := disbursedLoan(t)
	req := pay("123.20", Date(2026, time.February, 11))

	res, err := AllocatePayment(loan, entries, req, dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate payment: %v", err)
	}
	checkAllocationSum(t, res, req.Amount)

	a := res.Allocations[0]
	if !a.Penalty.Equal(dec("11.2")) || !a.Interest.Equal(dec("12")) || !a.Principal.Equal(dec("100")) {
		t.Errorf("Expected 11.20/12/100, got %s/%s/%s", a.Penalty, a.Interest, a.Principal)
	}
	e := res.Entries[0]
	if !e.IsPaid {
		t.Errorf("Expected entry 1 to be paid")
	}
	if !e.PenaltyAccrued.Equal(dec("11.2")) || !e.UnpaidPenalty().IsZero() {
		t.Errorf("Expected penalty 11.20 accrued and fully paid, got %s/%s", e.PenaltyAccrued, e.PenaltyPaid)
	}
	if !res.NewOutstandingBalance.Equal(dec("1100")) {
		t.Errorf("Penalty must not reduce principal, got balance %s", res.NewOutstandingBalance)
	}
}

func TestAllocatePayment_RepeatedLatePayments(t *testing.T) {
	loan, entries := disbursedLoan(t)

	first, err := AllocatePayment(loan, entries, pay("20", Date(2026, time.February, 11)), dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate first payment: %v", err)
	}
	e := first.Entries[0]
	if !e.PenaltyPaid.Equal(dec("11.2")) || !e.InterestPaid.Equal(dec("8.8")) {
		t.Errorf("Expected 11.20 penalty and 8.80 interest, got %s/%s", e.PenaltyPaid, e.InterestPaid)
	}

	second, err := AllocatePayment(first.Loan, first.Entries, pay("10.32", Date(2026, time.February, 21)), dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate second payment: %v", err)
	}
	e = second.Entries[0]
	if !e.PenaltyAccrued.Equal(dec("21.52")) {
		t.Errorf("Expected penalty 21.52 accrued over both windows, got %s", e.PenaltyAccrued)
	}
	if len(second.Allocations) != 1 || !second.Allocations[0].Penalty.Equal(dec("10.32")) {
		t.Errorf("Expected the second payment to cover only the new penalty, got %+v", second.Allocations)
	}
	if !e.InterestPaid.Equal(dec("8.8")) {
		t.Errorf("Expected interest paid to stay 8.80, got %s", e.InterestPaid)
	}
}

func TestAllocatePayment_SpansEntries(t *testing.T) {
	loan, entries := disbursedLoan(t)
	res, err := AllocatePayment(loan, entries, pay("224", Date(2026, time.February, 1)), dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate payment: %v", err)
	}
	if len(res.Allocations) != 2 {
		t.Fatalf("Expected 2 allocations, got %d", len(res.Allocations))
	}
	if res.Allocations[0].PaymentNumber != 1 || res.Allocations[1].PaymentNumber != 2 {
		t.Errorf("Expected allocations in due-date order")
	}
	if !res.Entries[0].IsPaid || !res.Entries[1].IsPaid {
		t.Errorf("Expected entries 1 and 2 to be paid")
	}
	if !res.NewOutstandingBalance.Equal(dec("1000")) {
		t.Errorf("Expected balance 1000, got %s", res.NewOutstandingBalance)
	}
}

func TestAllocatePayment_UnorderedInput(t *testing.T) {
	loan, entries := disbursedLoan(t)
	reversed := make([]models.ScheduleEntry, len(entries))
	for i := range entries {
		reversed[len(entries)-1-i] = entries[i]
	}
	res, err := AllocatePayment(loan, reversed, pay("112", Date(2026, time.February, 1)), dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate payment: %v", err)
	}
	if res.Allocations[0].PaymentNumber != 1 {
		t.Errorf("Expected the earliest entry to be paid first, got %d", res.Allocations[0].PaymentNumber)
	}
}

func TestAllocatePayment_ExceedsBalance(t *testing.T) {
	loan, entries := disbursedLoan(t)
	_, err := AllocatePayment(loan, entries, pay("1212.01", Date(2026, time.February, 1)), dailyOnePercent)
	if !errors.Is(err, ErrPaymentExceedsBalance) {
		t.Fatalf("Expected ErrPaymentExceedsBalance, got %v", err)
	}
	if !errors.Is(err, ErrBusinessRule) {
		t.Errorf("Expected a business rule error, got %v", err)
	}
	for _, e := range entries {
		if e.IsPaid || !e.PaidAmount.IsZero() || !e.PenaltyAccrued.IsZero() {
			t.Fatalf("Rejected payment modified entry %d", e.PaymentNumber)
		}
	}
}

func TestAllocatePayment_SettlementClosesLoan(t *testing.T) {
	loan, entries := disbursedLoan(t)
	on := Date(2026, time.February, 1)

	quote, err := QuotePayoff(entries, on, dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to quote payoff: %v", err)
	}
	if !quote.PayoffAmount.Equal(dec("1212")) {
		t.Fatalf("Expected payoff 1212, got %s", quote.PayoffAmount)
	}

	req := pay(quote.PayoffAmount.String(), on)
	res, err := AllocatePayment(loan, entries, req, dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate settlement: %v", err)
	}
	checkAllocationSum(t, res, req.Amount)

	if !res.Settlement || !res.LoanClosed {
		t.Errorf("Expected a settlement that closes the loan")
	}
	if res.Loan.Status != models.LoanStatusClosed || res.Loan.ClosedDate == nil {
		t.Errorf("Expected CLOSED with a closed date, got %s", res.Loan.Status)
	}
	if !res.NewOutstandingBalance.IsZero() {
		t.Errorf("Expected zero balance, got %s", res.NewOutstandingBalance)
	}
	if !res.InterestWaived.Equal(dec("132")) {
		t.Errorf("Expected 132 interest waived, got %s", res.InterestWaived)
	}
	for _, e := range res.Entries {
		if !e.IsPaid {
			t.Errorf("Expected entry %d to be settled", e.PaymentNumber)
		}
	}

	_, err = AllocatePayment(res.Loan, res.Entries, pay("1", on), dailyOnePercent)
	if !errors.Is(err, ErrStateViolation) {
		t.Errorf("Expected a state violation on a closed loan, got %v", err)
	}
}

func TestAllocatePayment_SettlementWaivesGraceInterest(t *testing.T) {
	loan, _ := disbursedLoan(t)
	loan.GracePeriodMonths = 3
	entries, err := GenerateSchedule(ParamsFromLoan(&loan, loan.DisbursedAmount))
	if err != nil {
		t.Fatalf("Failed to generate schedule: %v", err)
	}
	for i := range entries {
		entries[i].ID = uuid.New()
		entries[i].LoanID = loan.ID
	}

	on := Date(2026, time.January, 15)
	quote, err := QuotePayoff(entries, on, dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to quote payoff: %v", err)
	}
	res, err := AllocatePayment(loan, entries, pay(quote.PayoffAmount.String(), on), dailyOnePercent)
	if err != nil {
		t.Fatalf("Failed to allocate settlement: %v", err)
	}

	if !res.LoanClosed {
		t.Errorf("Expected the settlement to close the loan")
	}
	if !res.InterestWaived.Equal(quote.InterestSaved) {
		t.Errorf("Expected %s interest waived, got %s", quote.InterestSaved, res.InterestWaived)
	}
	waived := decimal.Zero
	for _, e := range res.Entries {
		waived = waived.Add(e.InterestWaived)
		if !e.IsPaid {
			t.Errorf("Expected entry %d to be settled", e.PaymentNumber)
		}
		if !e.PaidAmount.Add(e.InterestWaived).Equal(e.TotalDue) {
			t.Errorf("Expected entry %d paid %s plus waived %s to equal %s", e.PaymentNumber, e.PaidAmount, e.InterestWaived, e.TotalDue)
		}
	}
	if !waived.Equal(quote.InterestSaved) {
		t.Errorf("Expected entries to waive %s in total, got %s", quote.InterestSaved, waived)
	}
	if len(res.Updated) != len(entries) {
		t.Errorf("Expected all %d entries updated, got %d", len(entries), len(res.Updated))
	}
}

func TestAllocatePayment_PaysOffRegularly(t *testing.T) {
	loan, entries := disbursedLoan(t)
	var res *AllocationResult
	var err error
	for i := 0; i < 12; i++ {
		res, err = AllocatePayment(loan, entries, pay("112", AddMonths(loan.StartDate, i+1)), dailyOnePercent)
		if err != nil {
			t.Fatalf("Failed to allocate payment %d: %v", i+1, err)
		}
		loan, entries = res.Loan, res.Entries
	}
	if !res.LoanClosed || loan.Status != models.LoanStatusClosed {
		t.Errorf("Expected the loan to close with the last installment, got %s", loan.Status)
	}
	if !res.InterestWaived.IsZero() {
		t.Errorf("Expected no interest waived, got %s", res.InterestWaived)
	}
}

func TestAllocatePayment_Rejections(t *testing.T) {
	loan, entries := disbursedLoan(t)
	on := Date(2026, time.February, 1)

	tests := []struct {
		name   string
		loan   func() models.Loan
		req    PaymentRequest
		policy PenaltyPolicy
		want   error
	}{
		{"zero amount", func() models.Loan { return loan }, pay("0", on), dailyOnePercent, ErrInvalidPaymentAmount},
		{"negative amount", func() models.Loan { return loan }, pay("-10", on), dailyOnePercent, ErrInvalidPaymentAmount},
		{"sub-cent amount", func() models.Loan { return loan }, pay("10.005", on), dailyOnePercent, ErrInvalidPaymentAmount},
		{"missing date", func() models.Loan { return loan }, pay("10", time.Time{}), dailyOnePercent, ErrInvalidPaymentDate},
		{"bad policy", func() models.Loan { return loan }, pay("10", on), PenaltyPolicy{Mode: "x"}, ErrInvalidPenaltyPolicy},
		{"pending loan", func() models.Loan {
			l := loan
			l.Status = models.LoanStatusPending
			return l
		}, pay("10", on), dailyOnePercent, ErrStateViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AllocatePayment(tt.loan(), entries, tt.req, tt.policy)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	req := pay("10", on)
	req.Method = "BARTER"
	if _, err := AllocatePayment(loan, entries, req, dailyOnePercent); !errors.Is(err, ErrInvalidPaymentMethod) {
		t.Errorf("Expected ErrInvalidPaymentMethod, got %v", err)
	}
	if _, err := AllocatePayment(loan, nil, pay("10", on), dailyOnePercent); !errors.Is(err, ErrNoScheduleEntries) {
		t.Errorf("Expected ErrNoScheduleEntries, got %v", err)
	}
}
