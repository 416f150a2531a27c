// pageshield is the CLI entrypoint for the submission guard.
package main

import (
	"os"

	"pageshield/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
