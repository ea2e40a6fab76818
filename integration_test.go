package smsledger_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/smsledger/internal/balance"
	"github.com/rumor-ml/commons.systems/smsledger/internal/cashback"
	"github.com/rumor-ml/commons.systems/smsledger/internal/export"
	"github.com/rumor-ml/commons.systems/smsledger/internal/importer"
	"github.com/rumor-ml/commons.systems/smsledger/internal/merchant"
	"github.com/rumor-ml/commons.systems/smsledger/internal/pending"
	"github.com/rumor-ml/commons.systems/smsledger/internal/processor"
	"github.com/rumor-ml/commons.systems/smsledger/internal/registry"
	"github.com/rumor-ml/commons.systems/smsledger/internal/rules"
	"github.com/rumor-ml/commons.systems/smsledger/internal/store"
	"github.com/rumor-ml/commons.systems/smsledger/internal/streaming"
	"github.com/rumor-ml/commons.systems/smsledger/internal/subscription"
)

// stack is the full wired application, backed by a throwaway database.
type stack struct {
	store    *store.Store
	registry *registry.Registry
	proc     *processor.Processor
	workflow *pending.Workflow
	importer *importer.Importer
	exporter *export.Exporter
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	seed, err := rules.LoadEmbedded()
	require.NoError(t, err)
	_, err = st.SeedRules(context.Background(), seed)
	require.NoError(t, err)

	log := zerolog.Nop()
	merchants := merchant.NewResolver(st)
	proc := processor.New(st, merchants, cashback.NewCalculator(st),
		balance.NewReconciler(st), subscription.NewMatcher(st, log), nil, log)
	hub := streaming.NewHub(log)
	t.Cleanup(hub.Close)
	reg := registry.New("INR", nil, log)
	wf := pending.NewWorkflow(st, proc, merchants, hub, nil, 0, 0, log)

	return &stack{
		store:    st,
		registry: reg,
		proc:     proc,
		workflow: wf,
		// Default mode: confirmation on, bypassed for bulk imports.
		importer: importer.New(reg, proc, wf, true, true, log),
		exporter: export.New(st),
	}
}

func TestIntegration_ImportConfirmExport(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	ts := time.Date(2025, 1, 5, 10, 30, 0, 0, time.UTC).UnixMilli()

	// Bulk-import a backup: two transactions, one OTP, one duplicate replay.
	backupDir := t.TempDir()
	lines := []string{
		fmt.Sprintf(`{"sender":"HDFCBK","body":"Rs.1,299.00 spent on HDFC Bank Card xx1234 at AMZN MKTP IN on 05-01-25. Avl bal: Rs.45,678.90","timestamp":%d}`, ts),
		fmt.Sprintf(`{"sender":"SBIINB","body":"Rs.500.00 debited from a/c xx9876 at BIG BAZAAR on 05-01-25","timestamp":%d}`, ts+60_000),
		fmt.Sprintf(`{"sender":"HDFCBK","body":"Your OTP is 482910. Do not share it.","timestamp":%d}`, ts+120_000),
		fmt.Sprintf(`{"sender":"HDFCBK","body":"Rs.1,299.00 spent on HDFC Bank Card xx1234 at AMZN MKTP IN on 05-01-25. Avl bal: Rs.45,678.90","timestamp":%d}`, ts),
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "sms-backup.jsonl"), []byte(content), 0o644))

	stats, err := s.importer.ImportDir(ctx, backupDir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Saved)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.NonTransactions)
	assert.Zero(t, stats.Errors)

	// A live SMS goes through the confirmation detour.
	live := s.registry.ParseWithFallback("HDFCBK",
		"Rs.649.00 spent on HDFC Bank Card xx1234 at NETFLIX on 06-01-25", ts+200_000)
	require.NotNil(t, live)

	admitted, err := s.workflow.Admit(ctx, live)
	require.NoError(t, err)
	require.NotNil(t, admitted.Pending)

	result, err := s.workflow.Confirm(ctx, admitted.Pending.ID, nil, "Entertainment")
	require.NoError(t, err)
	success, ok := result.(processor.Success)
	require.True(t, ok, "expected Success, got %T", result)

	confirmed, err := s.store.TransactionByID(ctx, success.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "Entertainment", confirmed.Category)

	// The stated balance from the card SMS landed as a snapshot.
	bal, err := s.store.LatestBalance(ctx, "HDFC Bank", "1234")
	require.NoError(t, err)
	require.NotNil(t, bal)

	// Export the whole ledger and read it back.
	exportPath := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, s.exporter.Write(ctx, export.Options{FilePath: exportPath}))

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var snap struct {
		Transactions []struct {
			Merchant string `json:"merchant"`
			Amount   string `json:"amount"`
		} `json:"transactions"`
		Balances []json.RawMessage `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Len(t, snap.Transactions, 3)
	assert.NotEmpty(t, snap.Balances)
}

func TestIntegration_ReplayIsIdempotent(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	ts := time.Date(2025, 1, 5, 10, 30, 0, 0, time.UTC).UnixMilli()

	backupDir := t.TempDir()
	line := fmt.Sprintf(`{"sender":"HDFCBK","body":"Rs.5000.00 debited from a/c xx9876 on 02-01-25 to VPA shop@upi. Ref 12345","timestamp":%d}`, ts)
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "backup.jsonl"), []byte(line+"\n"), 0o644))

	first, err := s.importer.ImportDir(ctx, backupDir)
	require.NoError(t, err)
	require.Equal(t, 1, first.Saved)

	// Importing the same backup again writes nothing.
	second, err := s.importer.ImportDir(ctx, backupDir)
	require.NoError(t, err)
	assert.Zero(t, second.Saved)
	assert.Equal(t, 1, second.Duplicates)

	txs, err := s.store.ListTransactions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// Even after the user deletes it.
	require.NoError(t, s.store.SoftDeleteTransaction(ctx, txs[0].ID))
	third, err := s.importer.ImportDir(ctx, backupDir)
	require.NoError(t, err)
	assert.Zero(t, third.Saved)

	txs, err = s.store.ListTransactions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, txs, "a replayed SMS never resurrects a deleted transaction")
}
