package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/sirupsen/logrus"
)

type dialect struct {
	name      string
	schema    string
	addColumn string // format of an idempotent ALTER TABLE ... ADD COLUMN
	rebind    func(string) string
}

// SQLStore implements Storage on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func open(db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	logrus.WithField("driver", d.name).Info("Database connection established and schema initialized.")
	return s, nil
}

// Columns added after the first release. Databases created from the current
// schema already have them.
var migrations = []struct{ table, column string }{
	{"loans", "product_code TEXT NOT NULL DEFAULT ''"},
	{"schedule_entries", "interest_waived TEXT NOT NULL DEFAULT '0'"},
	{"transactions", "reference TEXT NOT NULL DEFAULT ''"},
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
func (s *SQLStore) initSchema() error {
	if _, err := s.db.Exec(s.dialect.schema); err != nil {
		return err
	}
	for _, m := range migrations {
		_, err := s.db.Exec(fmt.Sprintf(s.dialect.addColumn, m.table, m.column))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "duplicate column name")
}

func (s *SQLStore) exec(e execer, query string, args ...any) (sql.Result, error) {
	return e.Exec(s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.dialect.rebind(query), args...)
}

func (s *SQLStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func checkAffected(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

// Loans

const loanColumns = `id, member_id, product_code, principal, approved_amount, disbursed_amount, outstanding_balance, annual_interest_rate, term_months, method, payment_frequency, grace_period_months, start_date, status, approved_date, disbursed_date, closed_date, created_at, updated_at`

func scanLoan(row scanner) (*models.Loan, error) {
	var loan models.Loan
	var approved, disbursed, closed sql.NullTime
	err := row.Scan(&loan.ID, &loan.MemberID, &loan.ProductCode, &loan.Principal, &loan.ApprovedAmount, &loan.DisbursedAmount, &loan.OutstandingBalance,
		&loan.AnnualInterestRate, &loan.TermMonths, &loan.Method, &loan.PaymentFrequency, &loan.GracePeriodMonths, &loan.StartDate, &loan.Status,
		&approved, &disbursed, &closed, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.StartDate = loan.StartDate.UTC()
	loan.ApprovedDate = timePtr(approved)
	loan.DisbursedDate = timePtr(disbursed)
	loan.ClosedDate = timePtr(closed)
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLStore) CreateLoan(loan *models.Loan) error {
	_, err := s.exec(s.db,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.MemberID, loan.ProductCode, loan.Principal, loan.ApprovedAmount, loan.DisbursedAmount, loan.OutstandingBalance,
		loan.AnnualInterestRate, loan.TermMonths, loan.Method, loan.PaymentFrequency, loan.GracePeriodMonths, loan.StartDate, loan.Status,
		loan.ApprovedDate, loan.DisbursedDate, loan.ClosedDate, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(s.queryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan in the database.
func (s *SQLStore) UpdateLoan(loan *models.Loan) error {
	return s.updateLoan(s.db, loan)
}

func (s *SQLStore) updateLoan(e execer, loan *models.Loan) error {
	result, err := s.exec(e,
		`UPDATE loans SET member_id = ?, product_code = ?, principal = ?, approved_amount = ?, disbursed_amount = ?, outstanding_balance = ?,
		annual_interest_rate = ?, term_months = ?, method = ?, payment_frequency = ?, grace_period_months = ?, start_date = ?, status = ?,
		approved_date = ?, disbursed_date = ?, closed_date = ?, updated_at = ? WHERE id = ?`,
		loan.MemberID, loan.ProductCode, loan.Principal, loan.ApprovedAmount, loan.DisbursedAmount, loan.OutstandingBalance,
		loan.AnnualInterestRate, loan.TermMonths, loan.Method, loan.PaymentFrequency, loan.GracePeriodMonths, loan.StartDate, loan.Status,
		loan.ApprovedDate, loan.DisbursedDate, loan.ClosedDate, loan.UpdatedAt, loan.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return checkAffected(result, ErrLoanNotFound)
}

// DeleteLoan removes a loan and everything recorded against it within a transaction.
func (s *SQLStore) DeleteLoan(id uuid.UUID) error {
	return s.inTx(func(tx *sql.Tx) error {
		children := []struct{ what, query string }{
			{"allocations", `DELETE FROM allocations WHERE payment_id IN (SELECT id FROM payments WHERE loan_id = ?)`},
			{"payments", `DELETE FROM payments WHERE loan_id = ?`},
			{"schedule entries", `DELETE FROM schedule_entries WHERE loan_id = ?`},
			{"guarantors", `DELETE FROM guarantors WHERE loan_id = ?`},
			{"transactions", `DELETE FROM transactions WHERE loan_id = ?`},
		}
		for _, c := range children {
			if _, err := s.exec(tx, c.query, id); err != nil {
				return fmt.Errorf("failed to delete associated %s: %w", c.what, err)
			}
		}

		result, err := s.exec(tx, `DELETE FROM loans WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete loan: %w", err)
		}
		return checkAffected(result, ErrLoanNotFound)
	})
}

// GetAllLoans retrieves all loans.
func (s *SQLStore) GetAllLoans() ([]*models.Loan, error) {
	rows, err := s.query(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// GetLoansByStatus retrieves the loans in any of the given statuses.
func (s *SQLStore) GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.query(`SELECT `+loanColumns+` FROM loans WHERE status IN (`+marks+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans by status: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// Guarantors

const guarantorColumns = `id, loan_id, member_id, guaranteed_amount, status, created_at, updated_at`

func scanGuarantor(row scanner) (*models.Guarantor, error) {
	var g models.Guarantor
	if err := row.Scan(&g.ID, &g.LoanID, &g.MemberID, &g.GuaranteedAmount, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGuarantor inserts a guarantor pledge for a loan.
func (s *SQLStore) CreateGuarantor(g *models.Guarantor) error {
	_, err := s.exec(s.db,
		`INSERT INTO guarantors (`+guarantorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.LoanID, g.MemberID, g.GuaranteedAmount, g.Status, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create guarantor: %w", err)
	}
	return nil
}

func (s *SQLStore) GetGuarantor(id uuid.UUID) (*models.Guarantor, error) {
	g, err := scanGuarantor(s.queryRow(`SELECT `+guarantorColumns+` FROM guarantors WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGuarantorNotFound
		}
		return nil, fmt.Errorf("failed to get guarantor: %w", err)
	}
	return g, nil
}

func (s *SQLStore) UpdateGuarantor(g *models.Guarantor) error {
	result, err := s.exec(s.db,
		`UPDATE guarantors SET member_id = ?, guaranteed_amount = ?, status = ?, updated_at = ? WHERE id = ?`,
		g.MemberID, g.GuaranteedAmount, g.Status, g.UpdatedAt, g.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update guarantor: %w", err)
	}
	return checkAffected(result, ErrGuarantorNotFound)
}

func (s *SQLStore) GetGuarantorsForLoan(loanID uuid.UUID) ([]models.Guarantor, error) {
	rows, err := s.query(`SELECT `+guarantorColumns+` FROM guarantors WHERE loan_id = ? ORDER BY created_at ASC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get guarantors for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var guarantors []models.Guarantor
	for rows.Next() {
		g, err := scanGuarantor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guarantor row: %w", err)
		}
		guarantors = append(guarantors, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for guarantors: %w", err)
	}
	return guarantors, nil
}

// Schedule

const entryColumns = `id, loan_id, payment_number, due_date, principal_due, interest_due, total_due, paid_amount, principal_paid, interest_paid, penalty_accrued, penalty_paid, penalty_assessed_through, interest_waived, is_paid, paid_date, balance_after, cumulative_interest, cumulative_principal`

func (s *SQLStore) insertEntry(e execer, entry *models.ScheduleEntry) error {
	_, err := s.exec(e,
		`INSERT INTO schedule_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.LoanID, entry.PaymentNumber, entry.DueDate, entry.PrincipalDue, entry.InterestDue, entry.TotalDue,
		entry.PaidAmount, entry.PrincipalPaid, entry.InterestPaid, entry.PenaltyAccrued, entry.PenaltyPaid, entry.PenaltyAssessedThrough,
		entry.InterestWaived, entry.IsPaid, entry.PaidDate, entry.BalanceAfter, entry.CumulativeInterest, entry.CumulativePrincipal,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule entry %d: %w", entry.PaymentNumber, err)
	}
	return nil
}

// updateEntry writes the mutable payment state of an entry.
func (s *SQLStore) updateEntry(e execer, entry *models.ScheduleEntry) error {
	result, err := s.exec(e,
		`UPDATE schedule_entries SET paid_amount = ?, principal_paid = ?, interest_paid = ?, penalty_accrued = ?, penalty_paid = ?,
		penalty_assessed_through = ?, interest_waived = ?, is_paid = ?, paid_date = ? WHERE id = ?`,
		entry.PaidAmount, entry.PrincipalPaid, entry.InterestPaid, entry.PenaltyAccrued, entry.PenaltyPaid,
		entry.PenaltyAssessedThrough, entry.InterestWaived, entry.IsPaid, entry.PaidDate, entry.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule entry %d: %w", entry.PaymentNumber, err)
	}
	return checkAffected(result, fmt.Errorf("schedule entry %s not found", entry.ID))
}

// SaveDisbursement updates the loan, replaces its schedule and records the
// disbursement transaction in one database transaction.
func (s *SQLStore) SaveDisbursement(loan *models.Loan, entries []models.ScheduleEntry, t *models.Transaction) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := s.updateLoan(tx, loan); err != nil {
			return err
		}
		if _, err := s.exec(tx, `DELETE FROM schedule_entries WHERE loan_id = ?`, loan.ID); err != nil {
			return fmt.Errorf("failed to clear schedule: %w", err)
		}
		for i := range entries {
			if err := s.insertEntry(tx, &entries[i]); err != nil {
				return err
			}
		}
		return s.createTransaction(tx, t)
	})
}

// GetScheduleForLoan retrieves a loan's schedule ordered by due date.
func (s *SQLStore) GetScheduleForLoan(loanID uuid.UUID) ([]models.ScheduleEntry, error) {
	rows, err := s.query(`SELECT `+entryColumns+` FROM schedule_entries WHERE loan_id = ? ORDER BY due_date ASC, payment_number ASC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var entries []models.ScheduleEntry
	for rows.Next() {
		var e models.ScheduleEntry
		var assessed, paid sql.NullTime
		if err := rows.Scan(&e.ID, &e.LoanID, &e.PaymentNumber, &e.DueDate, &e.PrincipalDue, &e.InterestDue, &e.TotalDue,
			&e.PaidAmount, &e.PrincipalPaid, &e.InterestPaid, &e.PenaltyAccrued, &e.PenaltyPaid, &assessed,
			&e.InterestWaived, &e.IsPaid, &paid, &e.BalanceAfter, &e.CumulativeInterest, &e.CumulativePrincipal); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		e.DueDate = e.DueDate.UTC()
		e.PenaltyAssessedThrough = timePtr(assessed)
		e.PaidDate = timePtr(paid)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for schedule: %w", err)
	}
	return entries, nil
}

// Payments

const paymentColumns = `id, loan_id, amount, amount_applied, payment_date, method, reference, created_at`

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	if err := row.Scan(&p.ID, &p.LoanID, &p.Amount, &p.AmountApplied, &p.PaymentDate, &p.Method, &p.Reference, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.PaymentDate = p.PaymentDate.UTC()
	return &p, nil
}

// SavePayment records a payment and everything it changed in one database
// transaction.
func (s *SQLStore) SavePayment(loan *models.Loan, entries []models.ScheduleEntry, payment *models.Payment, allocations []models.Allocation, t *models.Transaction) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := s.exec(tx,
			`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			payment.ID, payment.LoanID, payment.Amount, payment.AmountApplied, payment.PaymentDate, payment.Method, payment.Reference, payment.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		for i := range entries {
			if err := s.updateEntry(tx, &entries[i]); err != nil {
				return err
			}
		}
		for _, a := range allocations {
			_, err := s.exec(tx,
				`INSERT INTO allocations (id, payment_id, schedule_entry_id, payment_number, principal, interest, penalty) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.PaymentID, a.ScheduleEntryID, a.PaymentNumber, a.Principal, a.Interest, a.Penalty,
			)
			if err != nil {
				return fmt.Errorf("failed to create allocation: %w", err)
			}
		}
		if err := s.updateLoan(tx, loan); err != nil {
			return err
		}
		return s.createTransaction(tx, t)
	})
}

// GetPaymentsForLoan retrieves a loan's payments in the order they were made.
func (s *SQLStore) GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.query(`SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY payment_date ASC, created_at ASC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

// GetPaymentByReference finds a loan's payment by its external reference.
func (s *SQLStore) GetPaymentByReference(loanID uuid.UUID, reference string) (*models.Payment, error) {
	p, err := scanPayment(s.queryRow(`SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? AND reference = ?`, loanID, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetAllocationsForPayment(paymentID uuid.UUID) ([]models.Allocation, error) {
	rows, err := s.query(`SELECT id, payment_id, schedule_entry_id, payment_number, principal, interest, penalty FROM allocations WHERE payment_id = ? ORDER BY payment_number ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get allocations for payment %s: %w", paymentID, err)
	}
	defer rows.Close()

	var allocations []models.Allocation
	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.ScheduleEntryID, &a.PaymentNumber, &a.Principal, &a.Interest, &a.Penalty); err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for allocations: %w", err)
	}
	return allocations, nil
}

// Transactions

func (s *SQLStore) createTransaction(e execer, transaction *models.Transaction) error {
	_, err := s.exec(e,
		`INSERT INTO transactions (id, loan_id, amount, type, reference, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		transaction.ID, transaction.LoanID, transaction.Amount, transaction.Type, transaction.Reference, transaction.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *SQLStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.query(`SELECT id, loan_id, amount, type, reference, timestamp FROM transactions WHERE loan_id = ? ORDER BY timestamp ASC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		var transaction models.Transaction
		if err := rows.Scan(&transaction.ID, &transaction.LoanID, &transaction.Amount, &transaction.Type, &transaction.Reference, &transaction.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, &transaction)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan transactions: %w", err)
	}
	return transactions, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
