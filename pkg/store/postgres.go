package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS loans (
	id UUID PRIMARY KEY,
	member_id TEXT NOT NULL,
	product_code TEXT NOT NULL DEFAULT '',
	principal NUMERIC NOT NULL,
	approved_amount NUMERIC NOT NULL DEFAULT 0,
	disbursed_amount NUMERIC NOT NULL DEFAULT 0,
	outstanding_balance NUMERIC NOT NULL DEFAULT 0,
	annual_interest_rate NUMERIC NOT NULL,
	term_months INTEGER NOT NULL,
	method TEXT NOT NULL,
	payment_frequency TEXT NOT NULL,
	grace_period_months INTEGER NOT NULL DEFAULT 0,
	start_date TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	approved_date TIMESTAMPTZ,
	disbursed_date TIMESTAMPTZ,
	closed_date TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS guarantors (
	id UUID PRIMARY KEY,
	loan_id UUID NOT NULL REFERENCES loans(id),
	member_id TEXT NOT NULL,
	guaranteed_amount NUMERIC NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS schedule_entries (
	id UUID PRIMARY KEY,
	loan_id UUID NOT NULL REFERENCES loans(id),
	payment_number INTEGER NOT NULL,
	due_date TIMESTAMPTZ NOT NULL,
	principal_due NUMERIC NOT NULL,
	interest_due NUMERIC NOT NULL,
	total_due NUMERIC NOT NULL,
	paid_amount NUMERIC NOT NULL DEFAULT 0,
	principal_paid NUMERIC NOT NULL DEFAULT 0,
	interest_paid NUMERIC NOT NULL DEFAULT 0,
	penalty_accrued NUMERIC NOT NULL DEFAULT 0,
	penalty_paid NUMERIC NOT NULL DEFAULT 0,
	penalty_assessed_through TIMESTAMPTZ,
	interest_waived NUMERIC NOT NULL DEFAULT 0,
	is_paid BOOLEAN NOT NULL DEFAULT FALSE,
	paid_date TIMESTAMPTZ,
	balance_after NUMERIC NOT NULL,
	cumulative_interest NUMERIC NOT NULL,
	cumulative_principal NUMERIC NOT NULL,
	UNIQUE(loan_id, payment_number)
);
CREATE TABLE IF NOT EXISTS payments (
	id UUID PRIMARY KEY,
	loan_id UUID NOT NULL REFERENCES loans(id),
	amount NUMERIC NOT NULL,
	amount_applied NUMERIC NOT NULL,
	payment_date TIMESTAMPTZ NOT NULL,
	method TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reference ON payments(loan_id, reference) WHERE reference <> '';
CREATE TABLE IF NOT EXISTS allocations (
	id UUID PRIMARY KEY,
	payment_id UUID NOT NULL REFERENCES payments(id),
	schedule_entry_id UUID NOT NULL REFERENCES schedule_entries(id),
	payment_number INTEGER NOT NULL,
	principal NUMERIC NOT NULL,
	interest NUMERIC NOT NULL,
	penalty NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	loan_id UUID NOT NULL REFERENCES loans(id),
	amount NUMERIC NOT NULL,
	type TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL
);
`

var postgres = dialect{
	name:      "postgres",
	schema:    postgresSchema,
	addColumn: "ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s",
	rebind:    rebindDollar,
}

// NewPostgresStore creates a new SQLStore backed by PostgreSQL and initializes the database.
func NewPostgresStore(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	return open(db, postgres)
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
