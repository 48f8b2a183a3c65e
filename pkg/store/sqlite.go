package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS loans (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL,
	product_code TEXT NOT NULL DEFAULT '',
	principal TEXT NOT NULL,
	approved_amount TEXT NOT NULL DEFAULT '0',
	disbursed_amount TEXT NOT NULL DEFAULT '0',
	outstanding_balance TEXT NOT NULL DEFAULT '0',
	annual_interest_rate TEXT NOT NULL,
	term_months INTEGER NOT NULL,
	method TEXT NOT NULL,
	payment_frequency TEXT NOT NULL,
	grace_period_months INTEGER NOT NULL DEFAULT 0,
	start_date DATETIME NOT NULL,
	status TEXT NOT NULL,
	approved_date DATETIME,
	disbursed_date DATETIME,
	closed_date DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS guarantors (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL,
	member_id TEXT NOT NULL,
	guaranteed_amount TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(loan_id) REFERENCES loans(id)
);
CREATE TABLE IF NOT EXISTS schedule_entries (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL,
	payment_number INTEGER NOT NULL,
	due_date DATETIME NOT NULL,
	principal_due TEXT NOT NULL,
	interest_due TEXT NOT NULL,
	total_due TEXT NOT NULL,
	paid_amount TEXT NOT NULL DEFAULT '0',
	principal_paid TEXT NOT NULL DEFAULT '0',
	interest_paid TEXT NOT NULL DEFAULT '0',
	penalty_accrued TEXT NOT NULL DEFAULT '0',
	penalty_paid TEXT NOT NULL DEFAULT '0',
	penalty_assessed_through DATETIME,
	interest_waived TEXT NOT NULL DEFAULT '0',
	is_paid BOOLEAN NOT NULL DEFAULT 0,
	paid_date DATETIME,
	balance_after TEXT NOT NULL,
	cumulative_interest TEXT NOT NULL,
	cumulative_principal TEXT NOT NULL,
	UNIQUE(loan_id, payment_number),
	FOREIGN KEY(loan_id) REFERENCES loans(id)
);
CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	amount_applied TEXT NOT NULL,
	payment_date DATETIME NOT NULL,
	method TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	FOREIGN KEY(loan_id) REFERENCES loans(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reference ON payments(loan_id, reference) WHERE reference <> '';
CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	payment_id TEXT NOT NULL,
	schedule_entry_id TEXT NOT NULL,
	payment_number INTEGER NOT NULL,
	principal TEXT NOT NULL,
	interest TEXT NOT NULL,
	penalty TEXT NOT NULL,
	FOREIGN KEY(payment_id) REFERENCES payments(id),
	FOREIGN KEY(schedule_entry_id) REFERENCES schedule_entries(id)
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	type TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL,
	FOREIGN KEY(loan_id) REFERENCES loans(id)
);
`

var sqlite = dialect{
	name:      "sqlite3",
	schema:    sqliteSchema,
	addColumn: "ALTER TABLE %s ADD COLUMN %s",
	rebind:    func(q string) string { return q },
}

// NewSQLiteStore creates a new SQLStore backed by SQLite and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return open(db, sqlite)
}
