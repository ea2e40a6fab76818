// Package pending implements the confirmation detour: parsed transactions
// wait for a user decision instead of saving immediately, and are swept into
// the ledger automatically when the decision window expires.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/smsledger/internal/appstate"
	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
	"github.com/rumor-ml/commons.systems/smsledger/internal/identity"
	"github.com/rumor-ml/commons.systems/smsledger/internal/merchant"
	"github.com/rumor-ml/commons.systems/smsledger/internal/processor"
	"github.com/rumor-ml/commons.systems/smsledger/internal/store"
	"github.com/rumor-ml/commons.systems/smsledger/internal/streaming"
)

// Default lifecycle windows.
const (
	DefaultExpiry    = 24 * time.Hour
	DefaultRetention = 7 * 24 * time.Hour
)

// AdmitResult reports the outcome of offering a transaction for confirmation.
type AdmitResult struct {
	// Pending is set when a new row was admitted.
	Pending *domain.PendingTransaction

	// Duplicate is set when the transaction already exists in the ledger or
	// is already awaiting a decision.
	Duplicate *processor.Duplicate
}

// SweepStats summarizes one auto-save sweep.
type SweepStats struct {
	Examined   int
	AutoSaved  int
	Duplicates int
	Rejected   int
	Errors     int
}

// Workflow drives the pending-transaction lifecycle.
type Workflow struct {
	store     *store.Store
	processor *processor.Processor
	merchants *merchant.Resolver
	hub       *streaming.Hub
	state     *appstate.Signal
	expiry    time.Duration
	retention time.Duration
	log       zerolog.Logger
}

// NewWorkflow creates a workflow with the given lifecycle windows; zero
// durations fall back to the defaults.
func NewWorkflow(st *store.Store, proc *processor.Processor, merchants *merchant.Resolver,
	hub *streaming.Hub, state *appstate.Signal, expiry, retention time.Duration, log zerolog.Logger) *Workflow {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Workflow{
		store:     st,
		processor: proc,
		merchants: merchants,
		hub:       hub,
		state:     state,
		expiry:    expiry,
		retention: retention,
		log:       log,
	}
}

// Admit offers a parsed transaction for user confirmation. Duplicates
// against the ledger (including soft-deleted rows) and against active
// pending rows are reported, not admitted. On success the row carries a
// suggested category and an expiry deadline, and connected stream clients
// are notified when the host app is foregrounded.
func (w *Workflow) Admit(ctx context.Context, parsed *domain.ParsedTransaction) (*AdmitResult, error) {
	if parsed.ContentHash == "" {
		parsed.ContentHash = identity.ComputeHash(parsed.Sender, parsed.Amount, parsed.Timestamp, parsed.Body)
	}

	existing, err := w.store.TransactionByHash(ctx, parsed.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("ledger duplicate check failed: %w", err)
	}
	if existing != nil {
		dup := duplicateOf(existing)
		return &AdmitResult{Duplicate: &dup}, nil
	}

	active, err := w.store.ActivePendingByHash(ctx, parsed.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("pending duplicate check failed: %w", err)
	}
	if active != nil {
		return &AdmitResult{Duplicate: &processor.Duplicate{
			ExistingID: active.ID,
			Reason:     "already awaiting confirmation",
		}}, nil
	}

	category, _, err := w.merchants.CategoryFor(ctx, parsed.Merchant, parsed.Direction)
	if err != nil {
		return nil, fmt.Errorf("category suggestion failed: %w", err)
	}

	now := time.Now().UTC()
	row := &domain.PendingTransaction{
		Parsed:    *parsed,
		Category:  category,
		Status:    domain.PendingStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(w.expiry),
	}
	if _, err := w.store.InsertPending(ctx, row); err != nil {
		// A concurrent admission of the same SMS won the race. Report the
		// surviving row as the duplicate.
		if errors.Is(err, store.ErrDuplicatePending) {
			winner, lookupErr := w.store.ActivePendingByHash(ctx, parsed.ContentHash)
			if lookupErr == nil && winner != nil {
				return &AdmitResult{Duplicate: &processor.Duplicate{
					ExistingID: winner.ID,
					Reason:     "already awaiting confirmation",
				}}, nil
			}
		}
		return nil, fmt.Errorf("failed to admit pending transaction: %w", err)
	}

	if w.hub != nil && (w.state == nil || w.state.Foreground()) {
		w.hub.Broadcast(streaming.Event{Type: streaming.EventTypePendingAdmitted, Pending: row})
	}

	w.log.Info().Int64("pending", row.ID).Str("merchant", parsed.Merchant).
		Str("category", category).Time("expires", row.ExpiresAt).
		Msg("transaction awaiting confirmation")
	return &AdmitResult{Pending: row}, nil
}

// Confirm runs the full save pipeline for a pending row and finalizes it.
// The caller may pass edits; nil means save as parsed, and a non-empty
// category overrides merchant mapping. The row is marked Confirmed on
// Success and on Duplicate (the ledger already has it), Rejected when a
// rule blocks it, and left Pending on pipeline failure so a retry remains
// possible.
func (w *Workflow) Confirm(ctx context.Context, id int64, edited *domain.ParsedTransaction, category string) (processor.Result, error) {
	row, err := w.store.PendingByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Status.IsTerminal() {
		return nil, store.ErrTerminalPending
	}

	parsed := row.Parsed
	if edited != nil {
		parsed = *edited
		// Identity fields are never editable; the hash must keep pointing at
		// the originating SMS.
		parsed.Body = row.Parsed.Body
		parsed.Sender = row.Parsed.Sender
		parsed.Timestamp = row.Parsed.Timestamp
		parsed.ContentHash = row.Parsed.ContentHash
	}

	result := w.processor.Process(ctx, &parsed, processor.Options{
		PreserveUserCategory: category != "",
		Category:             category,
	})
	return result, w.finalize(ctx, row.ID, result, domain.PendingStatusConfirmed)
}

// Reject finalizes a pending row without saving anything.
func (w *Workflow) Reject(ctx context.Context, id int64) error {
	return w.store.MarkPendingStatus(ctx, id, domain.PendingStatusRejected)
}

// Sweep auto-saves every pending row whose decision window expired before
// now. Each row is processed in isolation: one failure never stops the
// sweep, and a failed row stays Pending for the next pass.
func (w *Workflow) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	expired, err := w.store.ExpiredPending(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("failed to list expired pending rows: %w", err)
	}
	stats.Examined = len(expired)

	for i := range expired {
		row := &expired[i]
		parsed := row.Parsed
		result := w.processor.Process(ctx, &parsed, processor.Options{})

		switch res := result.(type) {
		case processor.Success:
			stats.AutoSaved++
			w.log.Info().Int64("pending", row.ID).Int64("transaction", res.TransactionID).
				Msg("expired pending transaction auto-saved")
		case processor.Duplicate:
			stats.Duplicates++
		case processor.Blocked:
			stats.Rejected++
			w.log.Info().Int64("pending", row.ID).Str("rule", res.RuleName).
				Msg("expired pending transaction blocked by rule")
		case processor.Failure:
			stats.Errors++
			w.log.Error().Int64("pending", row.ID).Str("error", res.Message).
				Msg("auto-save failed, row stays pending")
			continue
		}

		if err := w.finalize(ctx, row.ID, result, domain.PendingStatusAutoSaved); err != nil {
			stats.Errors++
			w.log.Error().Err(err).Int64("pending", row.ID).
				Msg("failed to finalize swept pending row")
		}
	}

	return stats, nil
}

// Cleanup removes terminal rows older than the retention window. Rows still
// awaiting a decision are never removed.
func (w *Workflow) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	purged, err := w.store.PurgeTerminalPendingBefore(ctx, now.Add(-w.retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		w.log.Info().Int64("purged", purged).Msg("purged terminal pending rows")
	}
	return purged, nil
}

// finalize transitions the row to its terminal state based on the pipeline
// outcome. Success and Duplicate both terminate (a duplicate means the
// ledger already holds the transaction, so re-processing is pointless);
// Blocked terminates as Rejected; Failure leaves the row Pending.
func (w *Workflow) finalize(ctx context.Context, id int64, result processor.Result, successState domain.PendingStatus) error {
	var target domain.PendingStatus
	switch result.(type) {
	case processor.Success, processor.Duplicate:
		target = successState
	case processor.Blocked:
		target = domain.PendingStatusRejected
	default:
		return nil
	}

	if err := w.store.MarkPendingStatus(ctx, id, target); err != nil {
		return fmt.Errorf("failed to mark pending %d %s: %w", id, target, err)
	}
	if w.hub != nil {
		w.hub.Broadcast(streaming.Event{Type: streaming.EventTypePendingResolved})
	}
	return nil
}

func duplicateOf(existing *domain.Transaction) processor.Duplicate {
	reason := "transaction already recorded"
	if existing.Deleted {
		reason = "previously deleted by user"
	}
	return processor.Duplicate{
		ExistingID:        existing.ID,
		PreviouslyDeleted: existing.Deleted,
		Reason:            reason,
	}
}
