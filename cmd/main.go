package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/app"
	"sitemigrate/internal/config"
	"sitemigrate/internal/driver"
	"sitemigrate/internal/logger"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/scheduler"
	"sitemigrate/internal/worker"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config

	force     bool
	batchSize int
	limit     int
)

var rootCmd = &cobra.Command{
	Use:   "sitemigrate",
	Short: "Migrate site content in resumable, checkpointed batches",
	Long: `A checkpointed, phase-based migration engine: media first, then posts, in small
batches that survive crashes, restarts and execution time limits.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a headless migration and arm the scheduler",
	RunE:  runStart,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the active migration in the foreground until it finishes",
	RunE:  runForeground,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Start a request-driven migration and run setup",
	RunE:  runSetup,
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process one batch of the active migration",
	RunE:  runBatch,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [migration-id]",
	Short: "Show where a migration would resume",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runResume,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show progress of the current migration",
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [migration-id]",
	Short: "Cancel the current migration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCancel,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List finished migrations",
	RunE:  runRuns,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the metrics endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	for _, c := range []*cobra.Command{startCmd, runCmd, setupCmd} {
		c.Flags().BoolVar(&force, "force", false, "Replace a migration that is still in progress")
		c.Flags().IntVar(&batchSize, "batch-size", 0, "Override the per-phase batch size")
	}
	batchCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Override the per-phase batch size")
	runsCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")

	rootCmd.AddCommand(startCmd, runCmd, setupCmd, batchCmd, resumeCmd, statusCmd, cancelCmd, runsCmd, serveCmd)
}

// bootstrap loads configuration, the logger and the migrator
func bootstrap(cmd *cobra.Command) (*zap.Logger, *app.Migrator, error) {
	if configFile == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configFile = "config.yaml"
		}
	}

	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	migrator, err := app.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return log, migrator, nil
}

// withShutdown cancels the returned context on SIGINT/SIGTERM. A second
// signal releases held batch locks and exits immediately.
func withShutdown(log *zap.Logger, migrator *app.Migrator) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()

		if _, ok := <-sigChan; ok {
			log.Warn("Second signal, releasing batch locks and exiting")
			migrator.Locks().ReleaseAll(context.Background())
			log.Sync()
			os.Exit(130)
		}
	}()

	return ctx, func() {
		cancel()
		signal.Stop(sigChan)
	}
}

func closeMigrator(log *zap.Logger, migrator *app.Migrator) {
	if err := migrator.Close(); err != nil {
		log.Error("Error closing migrator", zap.Error(err))
	}
	log.Sync()
}

func startRequest(mode activerun.Mode) app.StartRequest {
	return app.StartRequest{
		Target:     cfg.Target.URL,
		Credential: cfg.Target.Credential,
		BatchSize:  batchSize,
		Mode:       mode,
		Force:      force,
		Options: activerun.Options{
			Categories:       cfg.Migration.Categories,
			CategoryMappings: cfg.Migration.CategoryMappings,
			IncludeMedia:     cfg.Migration.IncludeMedia,
		},
	}
}

func newScheduler(migrator *app.Migrator, log *zap.Logger) *scheduler.Scheduler {
	sched := scheduler.New(migrator.Store(), migrator.ActiveRuns(), migrator.Log(), cfg.Scheduler.Poll, log)
	migrator.SetScheduler(sched)
	return sched
}

func runStart(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	ctx, cancel := withShutdown(log, migrator)
	defer cancel()

	sched := newScheduler(migrator, log)
	run, err := migrator.Start(ctx, startRequest(activerun.ModeHeadless))
	if err != nil {
		return err
	}
	if err := sched.Schedule(ctx, run.ID, 0); err != nil {
		return fmt.Errorf("failed to schedule migration: %w", err)
	}

	fmt.Printf("Migration %s started. Run `sitemigrate serve` or `sitemigrate run` to process it.\n", run.ID)
	return nil
}

func runForeground(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	ctx, cancel := withShutdown(log, migrator)
	defer cancel()

	run, err := migrator.ActiveRuns().Get(ctx)
	if err != nil {
		return err
	}
	if run == nil || force {
		if run, err = migrator.Start(ctx, startRequest(activerun.ModeHeadless)); err != nil {
			return err
		}
	}
	log.Info("Running migration in the foreground", zap.String("migration_id", run.ID))

	var display *progress.Display
	if cfg.Migration.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(migrator.Tracker(), 2*time.Second, os.Stdout)
		display.Start(ctx)
	}

	headless := driver.NewHeadless(migrator, nil, driver.HeadlessConfig{
		ExecutionCeiling: cfg.Migration.ExecutionCeiling(),
	}, log)

	var outcome driver.Outcome
	for {
		outcome, err = headless.Run(ctx, run.ID)
		if outcome == driver.OutcomeRequeued && err == nil && ctx.Err() == nil {
			continue
		}
		if outcome == driver.OutcomeLocked && ctx.Err() == nil {
			select {
			case <-time.After(driver.DefaultLockBackoff):
				continue
			case <-ctx.Done():
			}
		}
		break
	}

	if display != nil {
		display.Stop()
	}
	if err != nil {
		return err
	}

	state, serr := migrator.Tracker().Progress(context.Background())
	if serr == nil {
		for _, line := range progress.Summary(state, time.Now()) {
			fmt.Println(line)
		}
	}
	if ctx.Err() != nil {
		fmt.Println("Interrupted. Run the same command again to resume.")
	} else if outcome != driver.OutcomeCompleted {
		fmt.Printf("Migration ended: %s\n", outcome)
	}
	return nil
}

func runSetup(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	ctx, cancel := withShutdown(log, migrator)
	defer cancel()

	res, err := driver.NewRequest(migrator, log).Start(ctx, startRequest(activerun.ModeRequest))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runBatch(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	ctx, cancel := withShutdown(log, migrator)
	defer cancel()

	run, err := migrator.ActiveRuns().Get(ctx)
	if err != nil {
		return err
	}
	var id string
	if run != nil {
		id = run.ID
	} else {
		// Report the last run instead of failing a repeated trigger
		state, err := migrator.Tracker().Progress(ctx)
		if err != nil {
			return err
		}
		id = state.MigrationID
	}

	res, err := driver.NewRequest(migrator, log).Step(ctx, id, worker.BatchOptions{BatchSize: batchSize})
	if errors.Is(err, worker.ErrBatchLocked) {
		return fmt.Errorf("another batch is running for %s, try again shortly", id)
	}
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runResume(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	ctx := cmd.Context()
	id, err := migrationID(ctx, migrator, args)
	if err != nil {
		return err
	}
	res, err := migrator.Dispatcher().Resume(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runStatus(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	report, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	for _, line := range progress.Summary(report.Progress, time.Now()) {
		fmt.Println(line)
	}
	if report.Phase != "" {
		fmt.Printf("Phase: %s (%s remaining)\n", report.Phase, humanize.Comma(int64(report.Remaining)))
	}
	if report.ETASeconds > 0 {
		fmt.Printf("ETA: %s\n", progress.FormatDuration(time.Duration(report.ETASeconds)*time.Second))
	}
	for _, st := range report.Steps {
		fmt.Printf("  [%-9s] %s\n", st.Status, st.Label)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	ctx := cmd.Context()
	newScheduler(migrator, log)
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	if err := migrator.Cancel(ctx, id); err != nil {
		return err
	}
	fmt.Println("Migration cancelled.")
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	records, err := migrator.Runs(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No finished migrations.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMIGRATED\tFAILED\tFINISHED\tDURATION")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
			r.MigrationID,
			r.Status,
			humanize.Comma(int64(r.Migrated)),
			humanize.Comma(int64(r.Total)),
			r.FailedPostCount+r.FailedMediaCount,
			humanize.Time(r.CompletedAt),
			progress.FormatDuration(time.Duration(r.DurationSeconds)*time.Second))
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	log, migrator, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(log, migrator)

	ctx, cancel := withShutdown(log, migrator)
	defer cancel()

	go func() {
		if err := migrator.Metrics().StartServer(ctx, cfg.Metrics.Addr); err != nil {
			log.Error("Failed to start metrics server", zap.Error(err))
		}
	}()

	sched := newScheduler(migrator, log)
	headless := driver.NewHeadless(migrator, sched, driver.HeadlessConfig{
		ExecutionCeiling: cfg.Migration.ExecutionCeiling(),
	}, log)
	if err := sched.Start(ctx, headless.Trigger); err != nil {
		return err
	}

	log.Info("Serving", zap.String("metrics_addr", cfg.Metrics.Addr))
	<-ctx.Done()
	sched.Stop()
	return nil
}

func migrationID(ctx context.Context, migrator *app.Migrator, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	run, err := migrator.ActiveRuns().Get(ctx)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", driver.ErrNoActiveRun
	}
	return run.ID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
