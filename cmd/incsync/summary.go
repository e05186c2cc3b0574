package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Ning0612/Incsync/internal/domain"
	"github.com/Ning0612/Incsync/internal/progress"
	"github.com/Ning0612/Incsync/internal/state"
)

// printSummary writes the end-of-run counters and every failed file
func printSummary(w io.Writer, stats *domain.RunStats) {
	fmt.Fprintf(w, "Files Copied: %d\n", stats.FilesCopied)
	fmt.Fprintf(w, "Files Unchanged: %d\n", stats.FilesUnchanged)
	fmt.Fprintf(w, "Files With Errors: %d\n", stats.FilesInError)
	fmt.Fprintf(w, "Bytes Copied: %s\n", progress.FormatBytes(stats.BytesCopied))
	if stats.EntriesPruned > 0 {
		fmt.Fprintf(w, "History Entries Pruned: %d\n", stats.EntriesPruned)
	}
	fmt.Fprintf(w, "Duration: %s\n", stats.Duration().Round(time.Millisecond))

	if len(stats.Errors) == 0 {
		return
	}

	fmt.Fprintln(w, "Errors:")
	for _, fe := range stats.Errors {
		path := fe.Path
		if path == "" {
			path = "(unknown)"
		}
		fmt.Fprintf(w, "  %s: %s failed: %v\n", path, fe.Op, fe.Err)
	}
}

// printRuns writes recorded runs as a table, newest first. withConfig
// adds the config file of each run.
func printRuns(w io.Writer, runs []state.RunRecord, withConfig bool) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "STARTED\tSTATUS\tCOPIED\tUNCHANGED\tERRORS\tBYTES\tDURATION\tRUN ID"
	if withConfig {
		header += "\tCONFIG"
	}
	fmt.Fprintln(tw, header)
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s",
			r.StartTime.Local().Format(time.DateTime),
			r.Status,
			r.FilesCopied,
			r.FilesUnchanged,
			r.FilesFailed,
			progress.FormatBytes(r.BytesCopied),
			r.Duration().Round(time.Millisecond),
			r.RunID,
		)
		if withConfig {
			fmt.Fprintf(tw, "\t%s", r.ConfigPath)
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()

	for _, r := range runs {
		if r.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", r.RunID, r.Error)
		}
	}
}

// printLastSuccess writes when the config last synced without errors
func printLastSuccess(w io.Writer, last *state.RunRecord) {
	if last == nil {
		fmt.Fprintln(w, "No successful run recorded.")
		return
	}
	fmt.Fprintf(w, "Last successful run: %s (%s)\n", last.EndTime.Local().Format(time.DateTime), last.RunID)
}
