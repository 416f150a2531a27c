package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pageshield/internal/config"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the backend credential",
	Long: `Store the bearer token used to authenticate against the analysis
backend. The token is read from the terminal without echo and written to
~/.pageshield/credential with owner-only permissions.

  pageshield login
  pageshield logout`,
	RunE: loginCommand,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored backend credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ClearToken(); err != nil {
			return fmt.Errorf("failed to remove credential: %w", err)
		}
		fmt.Println("Credential removed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func loginCommand(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("login requires an interactive terminal")
	}

	fmt.Fprint(os.Stderr, "Backend token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("empty token")
	}

	if err := config.SaveToken(token); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	fmt.Println("Credential stored.")
	return nil
}
