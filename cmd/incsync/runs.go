package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ning0612/Incsync/internal/daemon"
	"github.com/Ning0612/Incsync/internal/service"
)

func newRunsCmd(stdout io.Writer) *cobra.Command {
	var limit int
	var all bool

	cmd := &cobra.Command{
		Use:           "runs <config>",
		Short:         "List recorded sync runs for a config file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}

			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}

			svc, err := service.NewSyncService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			if all {
				runs, err := svc.AllHistory(limit)
				if err != nil {
					return err
				}
				printRuns(stdout, runs, true)
				return nil
			}

			runs, err := svc.History(limit)
			if err != nil {
				return err
			}
			printRuns(stdout, runs, false)

			if len(runs) > 0 {
				last, err := svc.LastSuccess()
				if err != nil {
					return err
				}
				printLastSuccess(stdout, last)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	cmd.Flags().BoolVar(&all, "all", false, "list runs of every config file recorded in the same run log")
	return cmd
}

func newUnlockCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <config>",
		Short: "Remove the history lock left behind by a crashed run",
		Long: `unlock removes the lock guarding the history store of a config file.
Locks held by a live process on this host are refused; only use this
when the holder is known to be gone.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}

			svc, err := service.NewSyncService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			// GetLockHolder fails for stale locks
			if holder, err := svc.GetLockHolder(); err == nil {
				if host, _ := os.Hostname(); holder.Hostname == host {
					return fmt.Errorf("lock is held by running process %d (config %s)", holder.PID, holder.ConfigPath)
				}
			}

			if err := svc.ForceUnlock(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Removed lock %s\n", cfg.LockPath())
			return nil
		},
	}
}

func newStopCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:           "stop <config>",
		Short:         "Stop the --interval or --watch process syncing a config file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}

			pidFile := daemon.NewPIDFile(daemon.PathFor(cfg.HistoryStorePath))
			pid, err := pidFile.Signal()
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Sent stop signal to process %d\n", pid)
			return nil
		},
	}
}
