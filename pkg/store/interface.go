package store

import (
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
)

var (
	ErrLoanNotFound      = errors.New("loan not found")
	ErrGuarantorNotFound = errors.New("guarantor not found")
	ErrPaymentNotFound   = errors.New("payment not found")
)

// Storage defines the interface for database operations related to loans,
// their schedules, payments and transactions.
type Storage interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	DeleteLoan(id uuid.UUID) error
	GetAllLoans() ([]*models.Loan, error)
	GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error)

	CreateGuarantor(g *models.Guarantor) error
	GetGuarantor(id uuid.UUID) (*models.Guarantor, error)
	UpdateGuarantor(g *models.Guarantor) error
	GetGuarantorsForLoan(loanID uuid.UUID) ([]models.Guarantor, error)

	// SaveDisbursement persists the disbursed loan, its schedule and the
	// disbursement transaction atomically.
	SaveDisbursement(loan *models.Loan, entries []models.ScheduleEntry, tx *models.Transaction) error
	GetScheduleForLoan(loanID uuid.UUID) ([]models.ScheduleEntry, error)

	// SavePayment persists a payment with its allocations, the entries it
	// changed, the updated loan and the payment transaction atomically.
	SavePayment(loan *models.Loan, entries []models.ScheduleEntry, payment *models.Payment, allocations []models.Allocation, tx *models.Transaction) error
	GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error)
	GetPaymentByReference(loanID uuid.UUID, reference string) (*models.Payment, error)
	GetAllocationsForPayment(paymentID uuid.UUID) ([]models.Allocation, error)

	// Transactions are written only by SaveDisbursement and SavePayment.
	GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error)

	Close() error
}
