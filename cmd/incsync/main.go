package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/Incsync/internal/config"
	"github.com/Ning0612/Incsync/internal/daemon"
	"github.com/Ning0612/Incsync/internal/domain"
	"github.com/Ning0612/Incsync/internal/logger"
	"github.com/Ning0612/Incsync/internal/progress"
	"github.com/Ning0612/Incsync/internal/scheduler"
	"github.com/Ning0612/Incsync/internal/service"
)

var version = "dev"

// Exit codes
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

// options holds the flags shared by the root command
type options struct {
	workers  int
	interval time.Duration
	watch    bool
	debounce time.Duration
	log      logger.Options
}

// execute runs the CLI with args and returns the process exit code
func execute(args []string, stdout, stderr io.Writer) int {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "incsync [flags] <config>",
		Short: "Copy new and changed files into an output directory",
		Long: `incsync walks the scan paths named in a JSON config file, picks the files
with one of the configured extensions and copies those that are new or
changed since the last run into the output directory. Per-file state is
kept in a history store so unchanged files are skipped on later runs.

With --interval or --watch incsync keeps running and repeats the sync
periodically or whenever files below the scan paths change.`,
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args[0], opts, stdout)
		},
	}

	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	// A nil slice makes cobra fall back to os.Args
	rootCmd.SetArgs(append([]string{}, args...))

	flags := rootCmd.Flags()
	flags.IntVarP(&opts.workers, "workers", "n", 0, "number of files processed concurrently (overrides config)")
	flags.DurationVar(&opts.interval, "interval", 0, "repeat the sync on this interval, e.g. 10m")
	flags.BoolVar(&opts.watch, "watch", false, "repeat the sync whenever files below the scan paths change")
	flags.DurationVar(&opts.debounce, "debounce", scheduler.DefaultDebounce, "quiet period before a --watch run")

	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&opts.log.Level, "log-level", "info", "log level: debug, info, warn, error")
	pflags.StringVar(&opts.log.Format, "log-format", "text", "log format: text or json")
	pflags.StringVar(&opts.log.File, "log-file", "", "also write logs to this file (rotated)")
	pflags.BoolVarP(&opts.log.Verbose, "verbose", "v", false, "shorthand for --log-level debug")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initLogging(opts.log, stderr)
	}
	defer logger.Shutdown()

	rootCmd.AddCommand(newRunsCmd(stdout))
	rootCmd.AddCommand(newUnlockCmd(stdout))
	rootCmd.AddCommand(newStopCmd(stdout))

	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	if domain.IsFatal(err) {
		return exitFatal
	}
	return exitUsage
}

func initLogging(opts logger.Options, stderr io.Writer) error {
	cfg, err := opts.Config(stderr)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

// loadConfig reads the config file and records its absolute path so the
// run log groups runs of the same file
func loadConfig(path string) (*config.Config, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return config.Load(path)
}

func runSync(cmd *cobra.Command, configPath string, opts options, stdout io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("workers") {
		if opts.workers < 1 {
			return fmt.Errorf("%w: --workers must be at least 1", domain.ErrConfigInvalid)
		}
		cfg.Workers = opts.workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.interval > 0 || opts.watch {
		return runDaemon(ctx, cfg, opts, stdout)
	}

	svc, err := service.NewSyncService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.SetProgressReporter(progress.NewLogReporter(logger.With("component", "progress")))

	stats, err := svc.Run(ctx)
	if stats != nil {
		printSummary(stdout, stats)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(stdout, "Sync interrupted; progress so far was saved.")
			return &exitError{code: exitFatal}
		}
		return err
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config, opts options, stdout io.Writer) error {
	if opts.interval > 0 && opts.watch {
		return fmt.Errorf("--interval and --watch cannot be combined")
	}

	pidFile := daemon.NewPIDFile(daemon.PathFor(cfg.HistoryStorePath))
	if err := pidFile.Write(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("%w: %w", domain.ErrSyncInProgress, err)
		}
		return err
	}
	defer pidFile.Remove()

	svc, err := service.NewDaemonService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.OnRun(func(stats *domain.RunStats, err error) {
		if stats != nil {
			fmt.Fprintf(stdout, "\n[%s]\n", time.Now().Format(time.DateTime))
			printSummary(stdout, stats)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stdout, "Run failed: %v\n", err)
		}
	})

	schedConfig := scheduler.Config{
		Mode:       scheduler.ModeInterval,
		Interval:   opts.interval,
		RunOnStart: true,
	}
	if opts.watch {
		schedConfig.Mode = scheduler.ModeWatch
		schedConfig.Debounce = opts.debounce
	}

	if err := svc.Start(ctx, schedConfig); err != nil {
		return err
	}

	logger.Get().Info("daemon running",
		"mode", schedConfig.Mode,
		"config", cfg.Source,
		"pid_file", pidFile.Path())

	select {
	case <-ctx.Done():
	case <-svc.Done():
	}

	logger.Get().Info("daemon shutting down")
	return nil
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
