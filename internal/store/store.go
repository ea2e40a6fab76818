// Package store persists the ledger's transactions, pending transactions
// and balance snapshots, plus the supporting rule, subscription, merchant
// and cashback configuration.
//
// The uniqueness constraint on transaction content hashes lives here, in the
// schema, and is the sole idempotency mechanism of the pipeline: concurrent
// entry points rely on it instead of in-process locks.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateHash is returned when inserting a transaction whose
	// content hash already exists in the ledger (deleted or not).
	ErrDuplicateHash = errors.New("duplicate content hash")

	// ErrDuplicatePending is returned when admitting a pending transaction
	// whose content hash already has an active pending row.
	ErrDuplicatePending = errors.New("duplicate pending transaction")

	// ErrTerminalPending is returned when attempting to transition a pending
	// row that already reached a terminal state.
	ErrTerminalPending = errors.New("pending transaction already finalized")
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	amount           TEXT    NOT NULL,
	merchant         TEXT    NOT NULL DEFAULT '',
	category         TEXT    NOT NULL DEFAULT '',
	direction        TEXT    NOT NULL,
	occurred_at      INTEGER NOT NULL,
	description      TEXT    NOT NULL DEFAULT '',
	raw_sms          TEXT    NOT NULL DEFAULT '',
	bank_name        TEXT    NOT NULL DEFAULT '',
	sender           TEXT    NOT NULL DEFAULT '',
	account_last4    TEXT    NOT NULL DEFAULT '',
	balance_after    TEXT,
	content_hash     TEXT    NOT NULL UNIQUE,
	recurring        INTEGER NOT NULL DEFAULT 0,
	deleted          INTEGER NOT NULL DEFAULT 0,
	currency         TEXT    NOT NULL DEFAULT '',
	from_account     TEXT    NOT NULL DEFAULT '',
	to_account       TEXT    NOT NULL DEFAULT '',
	cashback_percent TEXT,
	cashback_amount  TEXT,
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_transactions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	amount        TEXT    NOT NULL,
	direction     TEXT    NOT NULL,
	merchant      TEXT    NOT NULL DEFAULT '',
	reference     TEXT    NOT NULL DEFAULT '',
	account_last4 TEXT    NOT NULL DEFAULT '',
	balance_after TEXT,
	credit_limit  TEXT,
	body          TEXT    NOT NULL,
	sender        TEXT    NOT NULL,
	timestamp     INTEGER NOT NULL,
	bank_name     TEXT    NOT NULL DEFAULT '',
	content_hash  TEXT    NOT NULL,
	from_card     INTEGER NOT NULL DEFAULT 0,
	currency      TEXT    NOT NULL DEFAULT '',
	from_account  TEXT    NOT NULL DEFAULT '',
	to_account    TEXT    NOT NULL DEFAULT '',
	confidence    REAL    NOT NULL DEFAULT 1.0,
	category      TEXT    NOT NULL DEFAULT '',
	status        TEXT    NOT NULL DEFAULT 'pending',
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);

-- The duplicate check for admission is this index, not application logic:
-- two near-simultaneous admissions of the same SMS cannot both succeed.
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_active_hash
	ON pending_transactions(content_hash) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS account_balances (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	bank_name        TEXT    NOT NULL,
	account_last4    TEXT    NOT NULL,
	balance          TEXT    NOT NULL,
	credit_limit     TEXT,
	recorded_at      INTEGER NOT NULL,
	transaction_id   INTEGER,
	is_credit_card   INTEGER NOT NULL DEFAULT 0,
	cashback_percent TEXT,
	source_excerpt   TEXT    NOT NULL DEFAULT '',
	source           TEXT    NOT NULL DEFAULT 'transaction',
	currency         TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_balances_account
	ON account_balances(bank_name, account_last4, recorded_at DESC);

CREATE TABLE IF NOT EXISTS cards (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	bank_name            TEXT NOT NULL,
	last4                TEXT NOT NULL,
	type                 TEXT NOT NULL,
	linked_account_last4 TEXT NOT NULL DEFAULT '',
	cashback_percent     TEXT,
	UNIQUE(bank_name, last4)
);

CREATE TABLE IF NOT EXISTS rules (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT    NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	active           INTEGER NOT NULL DEFAULT 1,
	direction        TEXT    NOT NULL DEFAULT '',
	merchant_pattern TEXT    NOT NULL DEFAULT '',
	merchant_match   TEXT    NOT NULL DEFAULT 'contains',
	body_pattern     TEXT    NOT NULL DEFAULT '',
	amount_condition TEXT    NOT NULL DEFAULT 'any',
	amount_value     TEXT,
	amount_max       TEXT,
	action           TEXT    NOT NULL,
	action_value     TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rule_applications (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id        INTEGER NOT NULL,
	rule_name      TEXT    NOT NULL,
	transaction_id INTEGER NOT NULL REFERENCES transactions(id),
	applied_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	merchant_pattern  TEXT    NOT NULL,
	amount            TEXT    NOT NULL,
	tolerance_percent TEXT    NOT NULL DEFAULT '0',
	cadence           TEXT    NOT NULL DEFAULT 'monthly',
	next_due_at       INTEGER NOT NULL,
	active            INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS merchant_mappings (
	merchant TEXT PRIMARY KEY,
	category TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS merchant_aliases (
	merchant_lower TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cashback_rates (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	bank_name     TEXT    NOT NULL,
	account_last4 TEXT    NOT NULL DEFAULT '',
	is_card       INTEGER NOT NULL DEFAULT 0,
	percent       TEXT    NOT NULL,
	UNIQUE(bank_name, account_last4, is_card)
);
`

// Store wraps the SQLite database with ledger-specific operations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL mode keeps readers unblocked during background sweeps.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a private in-memory database. Used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps every statement on the same in-memory DB.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func decStr(d decimal.Decimal) string { return d.String() }

func decPtrStr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func scanDec(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func scanDecPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
