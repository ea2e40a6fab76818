package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/smsledger/internal/appstate"
	"github.com/rumor-ml/commons.systems/smsledger/internal/balance"
	"github.com/rumor-ml/commons.systems/smsledger/internal/cashback"
	"github.com/rumor-ml/commons.systems/smsledger/internal/config"
	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
	"github.com/rumor-ml/commons.systems/smsledger/internal/export"
	"github.com/rumor-ml/commons.systems/smsledger/internal/handlers"
	"github.com/rumor-ml/commons.systems/smsledger/internal/importer"
	"github.com/rumor-ml/commons.systems/smsledger/internal/logger"
	"github.com/rumor-ml/commons.systems/smsledger/internal/merchant"
	"github.com/rumor-ml/commons.systems/smsledger/internal/metrics"
	"github.com/rumor-ml/commons.systems/smsledger/internal/pending"
	"github.com/rumor-ml/commons.systems/smsledger/internal/processor"
	"github.com/rumor-ml/commons.systems/smsledger/internal/registry"
	"github.com/rumor-ml/commons.systems/smsledger/internal/rules"
	"github.com/rumor-ml/commons.systems/smsledger/internal/server"
	"github.com/rumor-ml/commons.systems/smsledger/internal/store"
	"github.com/rumor-ml/commons.systems/smsledger/internal/streaming"
	"github.com/rumor-ml/commons.systems/smsledger/internal/subscription"
	"github.com/rumor-ml/commons.systems/smsledger/internal/ui"
)

const version = "0.1.0"

var (
	versionFlag = flag.Bool("version", false, "Show version")
	configFile  = flag.String("config", "", "Configuration file (YAML)")
	dbPath      = flag.String("db", "", "Database path (overrides config)")
	verbose     = flag.Bool("verbose", false, "Show debug logs")

	serveFlag  = flag.Bool("serve", false, "Run the HTTP API server")
	importDir  = flag.String("import", "", "Import SMS backup files from directory")
	exportFile = flag.String("export", "", "Export the ledger to a JSON file ('-' = stdout)")
	sweepFlag  = flag.Bool("sweep", false, "Run one auto-save sweep of expired pending rows and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, `smsledger - Rebuild a personal ledger from bank SMS notifications

Usage:
  smsledger [flags]

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  # Run the API server with a config file
  smsledger -serve -config smsledger.yaml

  # Bulk-import an SMS backup directory
  smsledger -import ~/sms-backup -db ledger.db

  # Export the ledger to JSON
  smsledger -export ledger.json -db ledger.db

`)
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("smsledger version %s\n", version)
		os.Exit(0)
	}

	if !*serveFlag && *importDir == "" && *exportFile == "" && !*sweepFlag {
		fmt.Fprintf(os.Stderr, "Error: one of -serve, -import, -export or -sweep is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components shared by every command mode.
type app struct {
	cfg       *config.Config
	store     *store.Store
	registry  *registry.Registry
	processor *processor.Processor
	workflow  *pending.Workflow
	cashback  *cashback.Calculator
	hub       *streaming.Hub
	state     *appstate.Signal
	metrics   *metrics.Metrics
	promReg   *prometheus.Registry
	log       zerolog.Logger
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	log := logger.New()
	if *verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.store.Close()

	switch {
	case *importDir != "":
		return runImport(ctx, a)
	case *exportFile != "":
		return runExport(ctx, a)
	case *sweepFlag:
		return runSweep(ctx, a)
	default:
		return runServe(ctx, a)
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	if err := seedRules(ctx, st, cfg, log); err != nil {
		st.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	hub := streaming.NewHub(log)
	state := appstate.NewSignal()
	state.SetForeground(true)

	merchants := merchant.NewResolver(st)
	calc := cashback.NewCalculator(st)
	reconciler := balance.NewReconciler(st)
	subs := subscription.NewMatcher(st, log)

	proc := processor.New(st, merchants, calc, reconciler, subs, m, log)
	wf := pending.NewWorkflow(st, proc, merchants, hub, state,
		cfg.PendingExpiry, cfg.PendingRetention, log)

	return &app{
		cfg:       cfg,
		store:     st,
		registry:  registry.New(cfg.HomeCurrency, m, log),
		processor: proc,
		workflow:  wf,
		cashback:  calc,
		hub:       hub,
		state:     state,
		metrics:   m,
		promReg:   promReg,
		log:       log,
	}, nil
}

func seedRules(ctx context.Context, st *store.Store, cfg *config.Config, log zerolog.Logger) error {
	loaded, err := loadRuleSet(cfg)
	if err != nil {
		return err
	}
	added, err := st.SeedRules(ctx, loaded)
	if err != nil {
		return fmt.Errorf("failed to seed rules: %w", err)
	}
	if added > 0 {
		log.Info().Int("rules", added).Msg("seeded default rules")
	}
	return nil
}

func loadRuleSet(cfg *config.Config) ([]domain.Rule, error) {
	if cfg.RulesFile != "" {
		return rules.LoadFromFile(cfg.RulesFile)
	}
	return rules.LoadEmbedded()
}

func runServe(ctx context.Context, a *app) error {
	api := handlers.New(a.store, a.registry, a.processor, a.workflow, a.cashback,
		a.hub, a.cfg.ConfirmationMode, a.log)
	srv := server.New(a.cfg.ListenAddr, api, a.promReg, a.cfg.APIKey, a.log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	go runSweepLoop(ctx, a)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	a.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runSweepLoop runs the hourly auto-save sweep and a daily cleanup of
// terminal pending rows until the context is cancelled.
func runSweepLoop(ctx context.Context, a *app) {
	sweep := time.NewTicker(a.cfg.SweepInterval)
	cleanup := time.NewTicker(24 * time.Hour)
	defer sweep.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			a.metrics.Sweeps.Inc()
			stats, err := a.workflow.Sweep(ctx, time.Now().UTC())
			if err != nil {
				a.log.Error().Err(err).Msg("auto-save sweep failed")
				continue
			}
			if stats.Examined > 0 {
				a.log.Info().Int("examined", stats.Examined).Int("saved", stats.AutoSaved).
					Int("errors", stats.Errors).Msg("auto-save sweep complete")
			}
			a.updatePendingGauge(ctx)
		case <-cleanup.C:
			if _, err := a.workflow.Cleanup(ctx, time.Now().UTC()); err != nil {
				a.log.Error().Err(err).Msg("pending cleanup failed")
			}
		}
	}
}

func (a *app) updatePendingGauge(ctx context.Context) {
	n, err := a.store.CountActivePending(ctx)
	if err != nil {
		return
	}
	a.metrics.Pending.Set(float64(n))
}

func runImport(ctx context.Context, a *app) error {
	ui.Header("Importing SMS Backup")
	ui.Step(1, 2, fmt.Sprintf("Scanning %s", *importDir))

	imp := importer.New(a.registry, a.processor, a.workflow,
		a.cfg.ConfirmationMode, a.cfg.BypassConfirmationForImports, a.log)
	stats, err := imp.ImportDir(ctx, *importDir)
	if err != nil {
		return err
	}

	ui.Step(2, 2, "Import complete")
	ui.Success(fmt.Sprintf("%d messages read from %d files", stats.Messages, stats.Files))
	ui.Info(fmt.Sprintf("  Saved:            %d", stats.Saved))
	if stats.Pending > 0 {
		ui.Info(fmt.Sprintf("  Pending:          %d (awaiting confirmation)", stats.Pending))
	}
	ui.Info(fmt.Sprintf("  Duplicates:       %d", stats.Duplicates))
	ui.Info(fmt.Sprintf("  Blocked by rules: %d", stats.Blocked))
	ui.Info(fmt.Sprintf("  Non-transactions: %d", stats.NonTransactions))
	if stats.Errors > 0 {
		ui.Warning(fmt.Sprintf("  Errors:           %d (see logs)", stats.Errors))
	}
	return nil
}

func runExport(ctx context.Context, a *app) error {
	path := *exportFile
	if path == "-" {
		path = ""
	}
	if err := export.New(a.store).Write(ctx, export.Options{FilePath: path}); err != nil {
		return err
	}
	if path != "" {
		ui.Success(fmt.Sprintf("Ledger exported to %s", path))
	}
	return nil
}

func runSweep(ctx context.Context, a *app) error {
	stats, err := a.workflow.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("Sweep complete: %d examined, %d auto-saved, %d duplicates, %d rejected, %d errors\n",
		stats.Examined, stats.AutoSaved, stats.Duplicates, stats.Rejected, stats.Errors)
	_, err = a.workflow.Cleanup(ctx, time.Now().UTC())
	return err
}
