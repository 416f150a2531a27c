package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"pageshield/internal/analysis"
	"pageshield/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show PageShield status (config, backend connectivity, audit log)",
	Long: `Check whether PageShield is configured and able to reach the analysis
backend, and how many verdicts the audit log holds.

  pageshield status`,
	RunE: statusCommand,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCommand(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("  PageShield Status")
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println()

	binPath, err := os.Executable()
	if err != nil {
		binPath = "unknown"
	}
	fmt.Printf("  Binary:    %s (%s)\n", binPath, Version)
	fmt.Printf("  Config:    %s\n", path)
	fmt.Println()

	fmt.Println("─── Protection ────────────────────────────────────────")
	if cfg.IsEnabled {
		fmt.Println("  ✅ Interception enabled")
	} else {
		fmt.Println("  ⬚  Interception disabled")
	}
	fmt.Printf("  Min text length:  %d chars\n", cfg.Advanced.MinTextLength)
	fmt.Printf("  Max file size:    %d MB\n", cfg.Advanced.MaxFileMB)
	fmt.Printf("  Request timeout:  %ds\n", cfg.Advanced.RequestTimeoutSeconds)
	fmt.Println()

	fmt.Println("─── Backend ───────────────────────────────────────────")
	checkBackend(cfg)
	fmt.Println()

	fmt.Println("─── Audit Log ─────────────────────────────────────────")
	checkAuditStore()
	fmt.Println()

	return nil
}

func checkBackend(cfg *config.Config) {
	if !cfg.Backend.Enabled {
		fmt.Println("  ⬚  Backend integration disabled")
		return
	}
	fmt.Printf("  URL:       %s\n", cfg.Backend.APIURL)

	if _, ok := config.LoadToken(); ok {
		fmt.Println("  ✅ Credential stored")
	} else {
		fmt.Println("  ⚠  No credential (run: pageshield login)")
	}

	client := analysis.New(analysis.Config{
		BaseURL:  cfg.Backend.APIURL,
		ClientID: cfg.Backend.ClientID,
		MSPID:    cfg.Backend.MSPID,
		Token:    config.LoadToken,
		Timeout:  5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if client.TestConnectivity(ctx) {
		fmt.Println("  ✅ Backend reachable")
	} else {
		fmt.Println("  ⚠  Backend unreachable (submissions will be blocked)")
	}
}

func checkAuditStore() {
	dir, err := config.Dir()
	if err != nil {
		fmt.Println("  ⬚  No state directory")
		return
	}
	statePath := filepath.Join(dir, config.DefaultStateFile)

	if _, err := os.Stat(statePath); err != nil {
		fmt.Printf("  ⬚  %s (not yet created, starts on first verdict)\n", statePath)
		return
	}

	store, closer, err := openStore()
	if err != nil {
		fmt.Printf("  ⚠  %s: %v\n", statePath, err)
		return
	}
	defer closer()

	entries, err := store.Entries()
	if err != nil {
		fmt.Printf("  ⚠  %s: %v\n", statePath, err)
		return
	}
	fmt.Printf("  ✅ %s (%d entries)\n", statePath, len(entries))
}
