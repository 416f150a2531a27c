package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pageshield/internal/auditlog"
	"pageshield/internal/config"
)

var (
	logFilterStatus string
	logFilterKind   string
	logLast         int
	logSummary      bool
	logClear        bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the audit log",
	Long: `View the PageShield audit log with filtering and summary options.

Examples:
  pageshield log                        # Show all entries
  pageshield log --last 20              # Show the 20 most recent entries
  pageshield log --status FAILURE       # Show only blocked submissions
  pageshield log --kind FILE_ANALYSIS   # Show only file scans
  pageshield log --summary              # Show summary stats
  pageshield log --clear                # Delete all entries`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logFilterStatus, "status", "", "Filter by status (SUCCESS, FAILURE)")
	logCmd.Flags().StringVar(&logFilterKind, "kind", "", "Filter by kind (PROMPT_ANALYSIS, FILE_ANALYSIS, FAILED_ANALYSIS)")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show N most recent entries")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	logCmd.Flags().BoolVar(&logClear, "clear", false, "Delete all entries")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	store, closer, err := openStore()
	if err != nil {
		return err
	}
	defer closer()

	if logClear {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear audit log: %w", err)
		}
		fmt.Println("Audit log cleared.")
		return nil
	}

	entries, err := store.Entries()
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit log entries found.")
		return nil
	}

	filtered := filterEntries(entries)

	// Entries are newest-first; --last keeps the head.
	if logLast > 0 && logLast < len(filtered) {
		filtered = filtered[:logLast]
	}

	if logSummary {
		printSummary(entries)
		return nil
	}

	printEntries(filtered)
	return nil
}

func openStore() (*auditlog.Store, func(), error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, nil, err
	}
	storage, err := auditlog.OpenSQLite(filepath.Join(dir, config.DefaultStateFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return auditlog.NewStore(storage), func() { storage.Close() }, nil
}

func filterEntries(entries []auditlog.Entry) []auditlog.Entry {
	if logFilterStatus == "" && logFilterKind == "" {
		return entries
	}

	var filtered []auditlog.Entry
	for _, e := range entries {
		if logFilterStatus != "" && !strings.EqualFold(string(e.Status), logFilterStatus) {
			continue
		}
		if logFilterKind != "" && !strings.EqualFold(string(e.Kind), logFilterKind) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func printEntries(entries []auditlog.Entry) {
	for _, e := range entries {
		icon := statusIcon(e.Status)
		fmt.Printf("%s %s [%s] %s\n", icon, formatTime(e.CreatedAt), e.Kind, e.Message)
		if e.CorrelationID != "" {
			fmt.Printf("     Correlation: %s\n", e.CorrelationID)
		}
		for k, v := range e.Details {
			fmt.Printf("     %s: %v\n", k, v)
		}
		fmt.Println()
	}
}

func printSummary(all []auditlog.Entry) {
	kindCounts := map[auditlog.Kind]int{}
	blocked := 0

	for _, e := range all {
		kindCounts[e.Kind]++
		if e.Status == auditlog.StatusFailure {
			blocked++
		}
	}

	fmt.Println("═══════════════════════════════════════════")
	fmt.Println("  PageShield Audit Summary")
	fmt.Println("═══════════════════════════════════════════")
	fmt.Printf("  Total entries:   %d\n", len(all))
	fmt.Printf("  Prompt scans:    %d\n", kindCounts[auditlog.KindPromptAnalysis])
	fmt.Printf("  File scans:      %d\n", kindCounts[auditlog.KindFileAnalysis])
	fmt.Printf("  Failed scans:    %d\n", kindCounts[auditlog.KindFailedAnalysis])
	fmt.Printf("  Blocked:         %d\n", blocked)
	fmt.Println("═══════════════════════════════════════════")

	if len(all) > 0 {
		// Newest-first ordering.
		fmt.Printf("  Newest entry:    %s\n", formatTime(all[0].CreatedAt))
		fmt.Printf("  Oldest entry:    %s\n", formatTime(all[len(all)-1].CreatedAt))
	}

	recent := []auditlog.Entry{}
	for _, e := range all {
		if e.Status == auditlog.StatusFailure {
			recent = append(recent, e)
		}
		if len(recent) == 10 {
			break
		}
	}
	if len(recent) > 0 {
		fmt.Println()
		fmt.Println("  Recent blocks:")
		for _, e := range recent {
			fmt.Printf("    %s %s\n", formatTime(e.CreatedAt), e.Message)
		}
	}

	fmt.Println()
}

func statusIcon(status auditlog.Status) string {
	switch status {
	case auditlog.StatusFailure:
		return "\xf0\x9f\x9b\x91" // stop sign
	case auditlog.StatusSuccess:
		return "\xe2\x9c\x85" // check mark
	default:
		return "\xe2\x9d\x93" // question mark
	}
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
