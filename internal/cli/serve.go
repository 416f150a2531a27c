package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pageshield/internal/analysis"
	"pageshield/internal/auditlog"
	"pageshield/internal/config"
	"pageshield/internal/gateway"
	"pageshield/internal/logger"
)

var (
	serveAddr     string
	serveAllowAll bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local gateway",
	Long: `Run the PageShield gateway: the local HTTP endpoint that page-side
instrumentation talks to. Exposes the message bus on POST /bus and audit-log
change notifications on GET /ws.

  pageshield serve
  pageshield serve --listen 127.0.0.1:8743`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "listen", "127.0.0.1:0", "Listen address (port 0 picks a free port)")
	serveCmd.Flags().BoolVar(&serveAllowAll, "allow-all-origins", false, "Allow any CORS origin (dev only)")
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	manager := config.NewManager(cfg, path)

	stopWatch, err := config.Watch(manager, path, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[PageShield Serve] config watch unavailable: %v\n", err)
	} else {
		defer stopWatch()
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}

	storage, err := auditlog.OpenSQLite(filepath.Join(dir, config.DefaultStateFile))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer storage.Close()
	store := auditlog.NewStore(storage)
	store.SetMaxEntries(cfg.Advanced.AuditLimit)

	verdicts, err := logger.New(filepath.Join(dir, config.DefaultLogFile))
	if err != nil {
		return fmt.Errorf("failed to open verdict log: %w", err)
	}
	defer verdicts.Close()

	srv := gateway.New(gateway.Config{
		ListenAddr: serveAddr,
		AllowAll:   serveAllowAll,
		Manager:    manager,
		Store:      store,
		Verdicts:   verdicts,
		Token:      config.LoadToken,
		Queue:      analysis.NewStateQueue(storage),
		Stderr:     os.Stderr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "[PageShield Serve] received %s, shutting down\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}
