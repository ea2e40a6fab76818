// Package export writes a snapshot of the ledger to JSON for backup or
// analysis in other tools.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
	"github.com/rumor-ml/commons.systems/smsledger/internal/store"
)

// Snapshot is the exported document: every non-deleted transaction plus the
// latest balance per account.
type Snapshot struct {
	ExportedAt   time.Time               `json:"exportedAt"`
	Transactions []exportedTransaction   `json:"transactions"`
	Balances     []domain.AccountBalance `json:"balances"`
}

type exportedTransaction struct {
	ID              int64      `json:"id"`
	Amount          string     `json:"amount"`
	Merchant        string     `json:"merchant"`
	Category        string     `json:"category"`
	Direction       string     `json:"direction"`
	OccurredAt      time.Time  `json:"occurredAt"`
	BankName        string     `json:"bankName,omitempty"`
	AccountLast4    string     `json:"accountLast4,omitempty"`
	Currency        string     `json:"currency,omitempty"`
	Recurring       bool       `json:"recurring,omitempty"`
	CashbackPercent *string    `json:"cashbackPercent,omitempty"`
	CashbackAmount  *string    `json:"cashbackAmount,omitempty"`
}

// Options configures where the snapshot goes.
type Options struct {
	FilePath string // empty = stdout
}

// Exporter builds and writes ledger snapshots.
type Exporter struct {
	store *store.Store
}

// New creates an exporter.
func New(st *store.Store) *Exporter {
	return &Exporter{store: st}
}

// Write builds a snapshot and writes it per the options. File output is
// atomic: the snapshot lands in a temp file first and is renamed over the
// target only after a complete write.
func (e *Exporter) Write(ctx context.Context, opts Options) error {
	snap, err := e.build(ctx)
	if err != nil {
		return err
	}

	if opts.FilePath == "" {
		return writeSnapshot(snap, os.Stdout)
	}

	dir := filepath.Dir(opts.FilePath)
	tmp, err := os.CreateTemp(dir, ".ledger-export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeSnapshot(snap, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), opts.FilePath); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}

func (e *Exporter) build(ctx context.Context) (*Snapshot, error) {
	txs, err := e.store.ListTransactions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for export: %w", err)
	}
	balances, err := e.store.LatestBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances for export: %w", err)
	}

	snap := &Snapshot{
		ExportedAt:   time.Now().UTC(),
		Transactions: make([]exportedTransaction, 0, len(txs)),
		Balances:     balances,
	}
	for i := range txs {
		snap.Transactions = append(snap.Transactions, exportTransaction(&txs[i]))
	}
	return snap, nil
}

func exportTransaction(tx *domain.Transaction) exportedTransaction {
	out := exportedTransaction{
		ID:           tx.ID,
		Amount:       tx.Amount.String(),
		Merchant:     tx.Merchant,
		Category:     tx.Category,
		Direction:    string(tx.Direction),
		OccurredAt:   tx.OccurredAt,
		BankName:     tx.BankName,
		AccountLast4: tx.AccountLast4,
		Currency:     tx.Currency,
		Recurring:    tx.Recurring,
	}
	if tx.CashbackPercent != nil {
		s := tx.CashbackPercent.String()
		out.CashbackPercent = &s
	}
	if tx.CashbackAmount != nil {
		s := tx.CashbackAmount.String()
		out.CashbackAmount = &s
	}
	return out
}

func writeSnapshot(snap *Snapshot, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode ledger snapshot: %w", err)
	}
	return nil
}
