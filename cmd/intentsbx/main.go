// intentsbx routes named intents to sandboxed generated code or an
// external protocol collaborator.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "intentsbx",
	Short: "intentsbx — sandboxed code execution for MCP-style intents",
	Long: `intentsbx routes an intent to generated code run in an isolated
sandbox, to an external protocol collaborator, or both in sequence,
depending on the configured routing mode.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
