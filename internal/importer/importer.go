// Package importer bulk-loads exported SMS backups into the ledger. Backups
// are directories of JSON-lines files, one {sender, body, timestamp} message
// per line, as produced by common SMS backup apps.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
	"github.com/rumor-ml/commons.systems/smsledger/internal/parser"
	"github.com/rumor-ml/commons.systems/smsledger/internal/pending"
	"github.com/rumor-ml/commons.systems/smsledger/internal/processor"
	"github.com/rumor-ml/commons.systems/smsledger/internal/registry"
)

// Stats summarizes one import run.
type Stats struct {
	SessionID       string
	Files           int
	Messages        int
	NonTransactions int
	Saved           int
	Pending         int
	Duplicates      int
	Blocked         int
	Errors          int
}

// Importer feeds backup messages through the parse-and-save pipeline.
// Messages save directly to the ledger unless confirmation mode is on and
// the import bypass is off, in which case they queue for confirmation like
// live SMS.
type Importer struct {
	registry         *registry.Registry
	processor        *processor.Processor
	workflow         *pending.Workflow
	confirmationMode bool
	bypassForImports bool
	log              zerolog.Logger
}

// New creates an importer carrying the same mode switches the live ingest
// path uses.
func New(reg *registry.Registry, proc *processor.Processor, wf *pending.Workflow,
	confirmationMode, bypassForImports bool, log zerolog.Logger) *Importer {
	return &Importer{
		registry:         reg,
		processor:        proc,
		workflow:         wf,
		confirmationMode: confirmationMode,
		bypassForImports: bypassForImports,
		log:              log,
	}
}

// ImportDir walks root, imports every backup file found, and returns the
// aggregate stats. Each message is processed in isolation: a malformed line
// or a failed save is counted and skipped, never aborting the run.
func (i *Importer) ImportDir(ctx context.Context, root string) (Stats, error) {
	stats := Stats{SessionID: uuid.NewString()}

	files, err := findBackupFiles(root)
	if err != nil {
		return stats, err
	}
	if len(files) == 0 {
		return stats, fmt.Errorf("no backup files (*.jsonl, *.json) found under %s", root)
	}

	log := i.log.With().Str("session", stats.SessionID).Logger()
	log.Info().Int("files", len(files)).Str("root", root).Msg("starting import")

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Files++
		if err := i.importFile(ctx, path, &stats, log); err != nil {
			stats.Errors++
			log.Error().Err(err).Str("file", path).Msg("failed to import file")
		}
	}

	log.Info().Int("messages", stats.Messages).Int("saved", stats.Saved).
		Int("pending", stats.Pending).Int("duplicates", stats.Duplicates).
		Int("blocked", stats.Blocked).Int("errors", stats.Errors).
		Msg("import finished")
	return stats, nil
}

func (i *Importer) importFile(ctx context.Context, path string, stats *Stats, log zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg parser.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			stats.Errors++
			log.Warn().Err(err).Str("file", path).Int("line", lineNo).
				Msg("skipping malformed backup line")
			continue
		}
		if msg.Sender == "" || msg.Body == "" || msg.Timestamp <= 0 {
			stats.Errors++
			log.Warn().Str("file", path).Int("line", lineNo).
				Msg("skipping backup line with missing fields")
			continue
		}

		stats.Messages++
		i.importMessage(ctx, &msg, stats, log)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}
	return nil
}

func (i *Importer) importMessage(ctx context.Context, msg *parser.Message, stats *Stats, log zerolog.Logger) {
	parsed := i.registry.ParseWithFallback(msg.Sender, msg.Body, msg.Timestamp)
	if parsed == nil {
		stats.NonTransactions++
		return
	}

	if i.confirmationMode && !i.bypassForImports {
		i.admitMessage(ctx, parsed, stats, log)
		return
	}

	switch res := i.processor.Process(ctx, parsed, processor.Options{}).(type) {
	case processor.Success:
		stats.Saved++
	case processor.Duplicate:
		stats.Duplicates++
	case processor.Blocked:
		stats.Blocked++
	case processor.Failure:
		stats.Errors++
		log.Warn().Str("sender", msg.Sender).Str("error", res.Message).
			Msg("failed to save imported transaction")
	}
}

// admitMessage queues a parsed message for user confirmation instead of
// saving it. Admission dedups against both the ledger and active pending
// rows, so replayed backups stay idempotent on this path too.
func (i *Importer) admitMessage(ctx context.Context, parsed *domain.ParsedTransaction, stats *Stats, log zerolog.Logger) {
	admitted, err := i.workflow.Admit(ctx, parsed)
	if err != nil {
		stats.Errors++
		log.Warn().Err(err).Str("sender", parsed.Sender).
			Msg("failed to queue imported transaction for confirmation")
		return
	}
	if admitted.Duplicate != nil {
		stats.Duplicates++
		return
	}
	stats.Pending++
}

// findBackupFiles walks the directory tree collecting backup files, sorted
// by path so replays process in a stable order.
func findBackupFiles(root string) ([]string, error) {
	root = expandHome(root)

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".jsonl" || ext == ".json" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return files, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
