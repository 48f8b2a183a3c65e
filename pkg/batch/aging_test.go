package batch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcclellann/microloan/pkg/engine"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestLedger(t *testing.T, logger *logrus.Logger) *ledger.Ledger {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return ledger.NewLedger(s, ledger.WithLogger(logger))
}

func disburse(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	loan, err := l.CreateLoan(ledger.LoanApplication{
		MemberID:           "MEM-001",
		Principal:          decimal.NewFromInt(1200),
		AnnualInterestRate: decimal.RequireFromString("0.12"),
		TermMonths:         12,
		Method:             models.MethodFlatRate,
		PaymentFrequency:   models.FrequencyMonthly,
	})
	if err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	if _, err := l.ApproveLoan(loan.ID, loan.Principal); err != nil {
		t.Fatalf("Failed to approve loan: %v", err)
	}
	if _, _, err := l.DisburseLoan(loan.ID, loan.Principal, engine.Date(2026, time.January, 1)); err != nil {
		t.Fatalf("Failed to disburse loan: %v", err)
	}
}

func TestAgingJob_RunAt(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := newTestLedger(t, logger)
	disburse(t, l)
	hook.Reset()

	job := NewAgingJob(l, engine.StandardBuckets, logger)
	report, err := job.RunAt(engine.Date(2026, time.March, 15))
	if err != nil {
		t.Fatalf("Failed to run aging job: %v", err)
	}

	if report.TotalCount != 12 {
		t.Errorf("Expected 12 unpaid installments, got %d", report.TotalCount)
	}
	overdue, count := report.Overdue()
	if count != 2 || !overdue.Equal(decimal.NewFromInt(224)) {
		t.Errorf("Expected 2 overdue installments worth 224, got %d worth %s", count, overdue)
	}

	entries := hook.AllEntries()
	if len(entries) != len(engine.StandardBuckets)+1 {
		t.Fatalf("Expected %d log entries, got %d", len(engine.StandardBuckets)+1, len(entries))
	}
	last := hook.LastEntry()
	if last.Message != "Portfolio aging complete" {
		t.Errorf("Expected completion message, got %q", last.Message)
	}
	if report.Delinquent != 1 || last.Data["delinquent_loans"] != 1 {
		t.Errorf("Expected one delinquent loan, got %d", report.Delinquent)
	}
	if last.Data["overdue_amount"] != "224.00" {
		t.Errorf("Expected overdue_amount 224.00, got %v", last.Data["overdue_amount"])
	}
	if entries[1].Data["bucket"] != "1-30 days" || entries[1].Data["count"] != 1 {
		t.Errorf("Expected one installment 1-30 days late, got %v", entries[1].Data)
	}
}

func TestAgingJob_EmptyPortfolio(t *testing.T) {
	logger, _ := test.NewNullLogger()
	job := NewAgingJob(newTestLedger(t, logger), nil, logger)

	report, err := job.RunAt(engine.Date(2026, time.March, 15))
	if err != nil {
		t.Fatalf("Failed to run aging job: %v", err)
	}
	if report.TotalCount != 0 || !report.TotalAmount.IsZero() {
		t.Errorf("Expected an empty report, got %d items worth %s", report.TotalCount, report.TotalAmount)
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewScheduler(logger)
	if err := s.Add("every night", NewAgingJob(nil, nil, logger)); err == nil {
		t.Errorf("Expected an error for an invalid cron spec")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewScheduler(logger)
	if err := s.Add("0 2 * * *", NewAgingJob(newTestLedger(t, logger), nil, logger)); err != nil {
		t.Fatalf("Failed to schedule job: %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Expected a clean stop, got %v", err)
	}
}
