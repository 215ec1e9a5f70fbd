package cli

// This file contains the list command for displaying previous test runs.

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/texttest/history"
	"github.com/perfgo/texttest/model"
)

func (a *App) list(ctx *cli.Context) error {
	nameFilter := ctx.String("name")
	limit := ctx.Int("limit")

	entries, err := history.LoadEntries(a.logger, a.env.Tmp)
	if err != nil {
		return fmt.Errorf("failed to load previous runs: %w", err)
	}

	var filtered []history.Entry
	for _, entry := range entries {
		if nameFilter == "" || strings.Contains(entry.Info.Descriptor, nameFilter) {
			filtered = append(filtered, entry)
		}
	}

	if len(filtered) == 0 {
		if nameFilter != "" {
			fmt.Fprintf(a.out, "No runs found matching name: %s\n", nameFilter)
		} else {
			fmt.Fprintf(a.out, "No runs found under %s\n", a.env.Tmp)
		}
		return nil
	}

	displayRuns := filtered
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Fprintf(a.out, "\n=== Runs (%d total) ===\n\n", len(filtered))
	for _, entry := range displayRuns {
		a.printEntry(entry)
	}
	return nil
}

func (a *App) printEntry(entry history.Entry) {
	info := entry.Info
	status := "✓"
	if info.ExitCode != 0 {
		status = "✗"
	}
	fmt.Fprintf(a.out, "%s  %s  [%s]  exit=%d  id=%s\n",
		status, info.Timestamp.Format("2006-01-02 15:04:05"), info.Duration.Round(time.Millisecond), info.ExitCode, shortID(info.ID))
	fmt.Fprintf(a.out, "   Dir: %s\n", entry.Dir.Path)
	fmt.Fprintf(a.out, "   Apps: %s", strings.Join(info.Apps, ", "))
	if len(info.Versions) > 0 {
		fmt.Fprintf(a.out, "  Versions: %s", strings.Join(info.Versions, "."))
	}
	fmt.Fprintln(a.out)
	if total := info.Total(); total > 0 {
		fmt.Fprintf(a.out, "   Tests: %d (%s)\n", total, categoryCounts(info.Categories))
	}
	if info.BatchSession != "" {
		fmt.Fprintf(a.out, "   Batch: %s\n", info.BatchSession)
	}
	if info.Git != nil && info.Git.Commit != "" {
		fmt.Fprintf(a.out, "   Commit: %s", shortID(info.Git.Commit))
		if info.Git.Branch != "" {
			fmt.Fprintf(a.out, " (%s)", info.Git.Branch)
		}
		fmt.Fprintln(a.out)
	}
	if info.CI != nil {
		fmt.Fprintf(a.out, "   CI: %s #%s\n", info.CI.JobName, info.CI.BuildNumber)
	}
	fmt.Fprintln(a.out)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// categoryCounts renders counts in display order, e.g. "3 success, 1 failure".
func categoryCounts(counts map[model.Category]int) string {
	var parts []string
	for _, c := range model.Categories {
		if counts[c] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[c], c))
		}
	}
	return strings.Join(parts, ", ")
}
