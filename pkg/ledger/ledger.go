package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/engine"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicatePayment = errors.New("a payment with this reference was already recorded for the loan")
	ErrGuarantorDecided = &engine.RuleError{Reason: "guarantor has already been approved or rejected"}
	ErrUnknownProduct   = &engine.ValidationError{Field: "product_code", Reason: "unknown loan product"}
	ErrMissingMember    = &engine.ValidationError{Field: "member_id", Reason: "is required"}
	ErrSelfGuarantee    = &engine.ValidationError{Field: "member_id", Reason: "a borrower cannot guarantee their own loan"}
	ErrInvalidGuarantee = &engine.ValidationError{Field: "guaranteed_amount", Reason: "must be positive"}
)

// DefaultPenaltyPolicy applies when a loan's product has no configured policy.
var DefaultPenaltyPolicy = engine.PenaltyPolicy{
	Mode:      engine.PenaltyModePercentage,
	DailyRate: decimal.RequireFromString("0.001"),
	FlatFee:   decimal.Zero,
	Cap:       decimal.Zero,
}

const defaultWorkers = 4

// Ledger handles the business logic for loans, their schedules and payments.
type Ledger struct {
	storage        store.Storage
	logger         *logrus.Logger
	now            func() time.Time
	policies       map[string]engine.PenaltyPolicy
	defaultProduct string
	workers        int

	mu    sync.Mutex
	locks map[uuid.UUID]*loanLock
}

type Option func(*Ledger)

func WithLogger(logger *logrus.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces time.Now, which decides "today" for defaulted dates.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithProducts sets the penalty policy of each loan product and the product
// used when an application names none.
func WithProducts(policies map[string]engine.PenaltyPolicy, defaultProduct string) Option {
	return func(l *Ledger) {
		l.policies = policies
		l.defaultProduct = defaultProduct
	}
}

// WithWorkers bounds the concurrency of portfolio-wide reports.
func WithWorkers(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.workers = n
		}
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
		policies: map[string]engine.PenaltyPolicy{},
		workers:  defaultWorkers,
		locks:    make(map[uuid.UUID]*loanLock),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today is the current calendar date on the ledger's clock.
func (l *Ledger) Today() time.Time {
	return engine.CalendarDate(l.now())
}

// loanLock serialises the mutations of one loan. refs counts holders and
// waiters; the entry leaves the map when it drops to zero.
type loanLock struct {
	mu   sync.Mutex
	refs int
}

func (l *Ledger) lock(id uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &loanLock{}
		l.locks[id] = m
	}
	m.refs++
	l.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// PenaltyPolicy returns the late-payment policy of a loan product.
func (l *Ledger) PenaltyPolicy(productCode string) engine.PenaltyPolicy {
	if p, ok := l.policies[productCode]; ok {
		return p
	}
	if p, ok := l.policies[l.defaultProduct]; ok {
		return p
	}
	return DefaultPenaltyPolicy
}

func (l *Ledger) dateOrToday(t time.Time) time.Time {
	if t.IsZero() {
		return l.Today()
	}
	return engine.CalendarDate(t)
}

// LoanApplication is what a member applies for.
type LoanApplication struct {
	MemberID           string                    `json:"member_id"`
	ProductCode        string                    `json:"product_code"`
	Principal          decimal.Decimal           `json:"principal"`
	AnnualInterestRate decimal.Decimal           `json:"annual_interest_rate"`
	TermMonths         int                       `json:"term_months"`
	Method             models.AmortizationMethod `json:"method"`
	PaymentFrequency   models.PaymentFrequency   `json:"payment_frequency"`
	GracePeriodMonths  int                       `json:"grace_period_months"`
	StartDate          time.Time                 `json:"start_date"`
}

// CreateLoan records a PENDING application after checking that its terms
// would produce a valid schedule.
func (l *Ledger) CreateLoan(app LoanApplication) (*models.Loan, error) {
	if app.MemberID == "" {
		return nil, ErrMissingMember
	}
	if app.ProductCode == "" {
		app.ProductCode = l.defaultProduct
	}
	if _, ok := l.policies[app.ProductCode]; len(l.policies) > 0 && !ok {
		return nil, ErrUnknownProduct
	}

	now := l.now()
	loan := &models.Loan{
		ID:                 uuid.New(),
		MemberID:           app.MemberID,
		ProductCode:        app.ProductCode,
		Principal:          app.Principal,
		ApprovedAmount:     decimal.Zero,
		DisbursedAmount:    decimal.Zero,
		OutstandingBalance: decimal.Zero,
		AnnualInterestRate: app.AnnualInterestRate,
		TermMonths:         app.TermMonths,
		Method:             app.Method,
		PaymentFrequency:   app.PaymentFrequency,
		GracePeriodMonths:  app.GracePeriodMonths,
		StartDate:          l.dateOrToday(app.StartDate),
		Status:             models.LoanStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := engine.ParamsFromLoan(loan, loan.Principal).Validate(); err != nil {
		return nil, err
	}

	if err := l.storage.CreateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}
	l.logger.WithFields(logrus.Fields{
		"loan_id":   loan.ID,
		"member_id": loan.MemberID,
		"principal": loan.Principal.StringFixed(2),
	}).Info("Loan application recorded")
	return loan, nil
}

// ApproveLoan approves a pending loan for up to its requested principal.
func (l *Ledger) ApproveLoan(id uuid.UUID, approvedAmount decimal.Decimal) (*models.Loan, error) {
	defer l.lock(id)()

	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if err := engine.DefaultLifecycle.CheckApproval(loan, approvedAmount); err != nil {
		return nil, err
	}
	if err := engine.DefaultLifecycle.Fire(loan, engine.EventApprove, l.now()); err != nil {
		return nil, err
	}
	loan.ApprovedAmount = approvedAmount
	loan.UpdatedAt = l.now()
	if err := l.storage.UpdateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to approve loan: %w", err)
	}

	l.logger.WithFields(logrus.Fields{"loan_id": id, "approved_amount": approvedAmount.StringFixed(2)}).Info("Loan approved")
	return loan, nil
}

// RejectLoan rejects a pending loan.
func (l *Ledger) RejectLoan(id uuid.UUID) (*models.Loan, error) {
	defer l.lock(id)()

	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if err := engine.DefaultLifecycle.Fire(loan, engine.EventReject, l.now()); err != nil {
		return nil, err
	}
	loan.UpdatedAt = l.now()
	if err := l.storage.UpdateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to reject loan: %w", err)
	}

	l.logger.WithField("loan_id", id).Info("Loan rejected")
	return loan, nil
}

// AddGuarantor records a member's pledge to guarantee part of a loan. The
// pledge starts PENDING and must be approved before the loan can be disbursed.
func (l *Ledger) AddGuarantor(loanID uuid.UUID, memberID string, amount decimal.Decimal) (*models.Guarantor, error) {
	defer l.lock(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if err := engine.DefaultLifecycle.Check(loan.Status, engine.EventGuarantee); err != nil {
		return nil, err
	}
	switch {
	case memberID == "":
		return nil, ErrMissingMember
	case memberID == loan.MemberID:
		return nil, ErrSelfGuarantee
	case !amount.IsPositive():
		return nil, ErrInvalidGuarantee
	}

	now := l.now()
	g := &models.Guarantor{
		ID:               uuid.New(),
		LoanID:           loanID,
		MemberID:         memberID,
		GuaranteedAmount: amount,
		Status:           models.GuarantorStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.storage.CreateGuarantor(g); err != nil {
		return nil, fmt.Errorf("failed to store guarantor: %w", err)
	}
	return g, nil
}

func (l *Ledger) ApproveGuarantor(loanID, guarantorID uuid.UUID) (*models.Guarantor, error) {
	return l.decideGuarantor(loanID, guarantorID, models.GuarantorStatusApproved)
}

func (l *Ledger) RejectGuarantor(loanID, guarantorID uuid.UUID) (*models.Guarantor, error) {
	return l.decideGuarantor(loanID, guarantorID, models.GuarantorStatusRejected)
}

func (l *Ledger) decideGuarantor(loanID, guarantorID uuid.UUID, status models.GuarantorStatus) (*models.Guarantor, error) {
	defer l.lock(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if err := engine.DefaultLifecycle.Check(loan.Status, engine.EventGuarantee); err != nil {
		return nil, err
	}
	g, err := l.storage.GetGuarantor(guarantorID)
	if err != nil {
		return nil, err
	}
	if g.LoanID != loanID {
		return nil, store.ErrGuarantorNotFound
	}
	if g.Status != models.GuarantorStatusPending {
		return nil, ErrGuarantorDecided
	}

	g.Status = status
	g.UpdatedAt = l.now()
	if err := l.storage.UpdateGuarantor(g); err != nil {
		return nil, fmt.Errorf("failed to update guarantor: %w", err)
	}
	l.logger.WithFields(logrus.Fields{"loan_id": loanID, "guarantor_id": guarantorID, "status": status}).Info("Guarantor decided")
	return g, nil
}

func (l *Ledger) GetGuarantors(loanID uuid.UUID) ([]models.Guarantor, error) {
	if _, err := l.storage.GetLoan(loanID); err != nil {
		return nil, err
	}
	return l.storage.GetGuarantorsForLoan(loanID)
}

// DisburseLoan pays out an approved loan. The schedule is generated on the
// disbursed amount starting at the disbursement date, and is stored together
// with the status change and the disbursement transaction.
func (l *Ledger) DisburseLoan(id uuid.UUID, amount decimal.Decimal, date time.Time) (*models.Loan, []models.ScheduleEntry, error) {
	defer l.lock(id)()

	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, nil, err
	}
	guarantors, err := l.storage.GetGuarantorsForLoan(id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load guarantors: %w", err)
	}
	if err := engine.DefaultLifecycle.CheckDisbursement(loan, amount, guarantors); err != nil {
		return nil, nil, err
	}

	on := l.dateOrToday(date)
	loan.StartDate = on
	entries, err := engine.GenerateSchedule(engine.ParamsFromLoan(loan, amount))
	if err != nil {
		return nil, nil, err
	}
	for i := range entries {
		entries[i].ID = uuid.New()
		entries[i].LoanID = loan.ID
	}

	if err := engine.DefaultLifecycle.Fire(loan, engine.EventDisburse, on); err != nil {
		return nil, nil, err
	}
	loan.DisbursedAmount = amount
	loan.OutstandingBalance = amount
	loan.UpdatedAt = l.now()

	// Record disbursement
	transaction := &models.Transaction{
		ID:        uuid.New(),
		LoanID:    loan.ID,
		Amount:    amount,
		Type:      models.TransactionTypeDisbursement,
		Timestamp: l.now(),
	}
	if err := l.storage.SaveDisbursement(loan, entries, transaction); err != nil {
		return nil, nil, fmt.Errorf("failed to store disbursement: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"loan_id":      id,
		"amount":       amount.StringFixed(2),
		"installments": len(entries),
	}).Info("Loan disbursed")
	return loan, entries, nil
}

// PaymentInput is a repayment received for a loan. A zero PaymentDate means
// today; an empty Method means CASH.
type PaymentInput struct {
	LoanID      uuid.UUID            `json:"loan_id"`
	Amount      decimal.Decimal      `json:"amount"`
	PaymentDate time.Time            `json:"payment_date"`
	Method      models.PaymentMethod `json:"method"`
	Reference   string               `json:"reference"`
}

// Receipt is a stored payment with the breakdown of how it was applied.
type Receipt struct {
	Payment models.Payment `json:"payment"`
	*engine.AllocationResult
}

// RecordPayment processes a payment for a loan.
func (l *Ledger) RecordPayment(in PaymentInput) (*Receipt, error) {
	defer l.lock(in.LoanID)()
	return l.recordPayment(in)
}

func (l *Ledger) recordPayment(in PaymentInput) (*Receipt, error) {
	if in.Reference != "" {
		_, err := l.storage.GetPaymentByReference(in.LoanID, in.Reference)
		if err == nil {
			return nil, ErrDuplicatePayment
		}
		if !errors.Is(err, store.ErrPaymentNotFound) {
			return nil, fmt.Errorf("failed to check payment reference: %w", err)
		}
	}
	if in.Method == "" {
		in.Method = models.PaymentMethodCash
	}

	loan, err := l.storage.GetLoan(in.LoanID)
	if err != nil {
		return nil, err
	}
	entries, err := l.storage.GetScheduleForLoan(loan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}

	req := engine.PaymentRequest{
		PaymentID:   uuid.New(),
		LoanID:      loan.ID,
		Amount:      in.Amount,
		PaymentDate: l.dateOrToday(in.PaymentDate),
		Method:      in.Method,
		Reference:   in.Reference,
	}
	res, err := engine.AllocatePayment(*loan, entries, req, l.PenaltyPolicy(loan.ProductCode))
	if err != nil {
		l.logger.WithFields(logrus.Fields{"loan_id": loan.ID, "amount": in.Amount.String()}).WithError(err).Warn("Payment refused")
		return nil, err
	}

	now := l.now()
	res.Loan.UpdatedAt = now
	payment := models.Payment{
		ID:            req.PaymentID,
		LoanID:        loan.ID,
		Amount:        req.Amount,
		AmountApplied: res.AmountApplied,
		PaymentDate:   req.PaymentDate,
		Method:        req.Method,
		Reference:     req.Reference,
		CreatedAt:     now,
	}
	transaction := &models.Transaction{
		ID:        uuid.New(),
		LoanID:    loan.ID,
		Amount:    req.Amount,
		Type:      models.TransactionTypePayment,
		Reference: req.Reference,
		Timestamp: now,
	}
	if err := l.storage.SavePayment(&res.Loan, res.Updated, &payment, res.Allocations, transaction); err != nil {
		return nil, fmt.Errorf("failed to store payment: %w", err)
	}

	fields := logrus.Fields{
		"loan_id":   loan.ID,
		"amount":    req.Amount.StringFixed(2),
		"penalty":   res.PenaltyApplied.StringFixed(2),
		"interest":  res.InterestApplied.StringFixed(2),
		"principal": res.PrincipalApplied.StringFixed(2),
		"balance":   res.NewOutstandingBalance.StringFixed(2),
	}
	l.logger.WithFields(fields).Info("Payment recorded")
	if res.LoanClosed {
		l.logger.WithFields(logrus.Fields{"loan_id": loan.ID, "interest_waived": res.InterestWaived.StringFixed(2)}).Info("Loan closed")
	}
	return &Receipt{Payment: payment, AllocationResult: res}, nil
}

// QuotePayoff returns the amount that settles the loan on date.
func (l *Ledger) QuotePayoff(id uuid.UUID, date time.Time) (*engine.PayoffQuote, error) {
	defer l.lock(id)()
	loan, quote, err := l.quote(id, date)
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{"loan_id": loan.ID, "payoff": quote.PayoffAmount.StringFixed(2)}).Debug("Payoff quoted")
	return quote, nil
}

func (l *Ledger) quote(id uuid.UUID, date time.Time) (*models.Loan, *engine.PayoffQuote, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, nil, err
	}
	if err := engine.DefaultLifecycle.Check(loan.Status, engine.EventQuote); err != nil {
		return nil, nil, err
	}
	entries, err := l.storage.GetScheduleForLoan(id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	q, err := engine.QuotePayoff(entries, l.dateOrToday(date), l.PenaltyPolicy(loan.ProductCode))
	if err != nil {
		return nil, nil, err
	}
	return loan, &q, nil
}

// SettleLoan pays the loan off on date with exactly its payoff amount.
func (l *Ledger) SettleLoan(id uuid.UUID, date time.Time, method models.PaymentMethod, reference string) (*Receipt, error) {
	defer l.lock(id)()

	_, q, err := l.quote(id, date)
	if err != nil {
		return nil, err
	}
	return l.recordPayment(PaymentInput{
		LoanID:      id,
		Amount:      q.PayoffAmount,
		PaymentDate: q.PayoffDate,
		Method:      method,
		Reference:   reference,
	})
}

// GetSchedule returns a loan's schedule ordered by due date. Loans not yet
// disbursed have none.
func (l *Ledger) GetSchedule(id uuid.UUID) ([]models.ScheduleEntry, error) {
	if _, err := l.storage.GetLoan(id); err != nil {
		return nil, err
	}
	return l.storage.GetScheduleForLoan(id)
}

func (l *Ledger) GetPayments(id uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetLoan(id); err != nil {
		return nil, err
	}
	return l.storage.GetPaymentsForLoan(id)
}

// GetAllocations returns how one of the loan's payments was split across its
// schedule entries.
func (l *Ledger) GetAllocations(loanID, paymentID uuid.UUID) ([]models.Allocation, error) {
	payments, err := l.GetPayments(loanID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.ID == paymentID {
			return l.storage.GetAllocationsForPayment(paymentID)
		}
	}
	return nil, store.ErrPaymentNotFound
}

// GetTransactions returns the disbursement and payment journal of a loan.
func (l *Ledger) GetTransactions(id uuid.UUID) ([]*models.Transaction, error) {
	if _, err := l.storage.GetLoan(id); err != nil {
		return nil, err
	}
	return l.storage.GetTransactionsForLoan(id)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans() ([]*models.Loan, error) {
	return l.storage.GetAllLoans()
}

// GetLoansByStatus retrieves the loans in any of the given statuses.
func (l *Ledger) GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error) {
	return l.storage.GetLoansByStatus(statuses...)
}

// DeleteLoan deletes a loan that never reached disbursement.
func (l *Ledger) DeleteLoan(id uuid.UUID) error {
	defer l.lock(id)()

	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return err
	}
	if err := engine.DefaultLifecycle.Check(loan.Status, engine.EventDelete); err != nil {
		return err
	}
	if err := l.storage.DeleteLoan(id); err != nil {
		return err
	}
	l.logger.WithField("loan_id", id).Info("Loan deleted")
	return nil
}

// AgingReport classifies the unpaid installments of every loan in servicing
// as of asOf. Schedules are loaded by a bounded pool of workers.
func (l *Ledger) AgingReport(asOf time.Time, buckets []engine.AgingBucket, byMember bool) (*engine.AgingReport, error) {
	loans, err := l.storage.GetLoansByStatus(models.LoanStatusDisbursed, models.LoanStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load loans in servicing: %w", err)
	}

	type loanItems struct {
		items []engine.AgingItem
		err   error
	}
	results := make([]loanItems, len(loans))
	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup

	for i, loan := range loans {
		wg.Add(1)
		go func(idx int, loan *models.Loan) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			entries, err := l.storage.GetScheduleForLoan(loan.ID)
			if err != nil {
				results[idx].err = fmt.Errorf("failed to load schedule for loan %s: %w", loan.ID, err)
				return
			}
			results[idx].items = engine.AgingItemsFromEntries(loan.MemberID, loan.ID, entries)
		}(i, loan)
	}
	wg.Wait()

	var items []engine.AgingItem
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		items = append(items, r.items...)
	}

	return engine.ClassifyAging(engine.AgingRequest{
		Items:    items,
		AsOf:     l.dateOrToday(asOf),
		Buckets:  buckets,
		ByEntity: byMember,
	})
}
