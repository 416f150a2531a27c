package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "pageshield",
	Short: "PageShield - Submission guard for chat-style pages",
	Long: `PageShield intercepts chat submissions (text and file attachments),
classifies them against a remote analysis service, and blocks anything the
service flags or fails to classify. Verdicts are recorded in a deduplicated
audit log served by a local gateway.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML file (default: ~/.pageshield/config.yaml)")
}

func Execute() error {
	return rootCmd.Execute()
}
