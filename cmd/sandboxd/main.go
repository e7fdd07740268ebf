// sandboxd runs commands under resource limits and access policies and
// records what they did.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/sandbox"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd: sandboxed command execution with policy enforcement and auditing.",
	Long: `sandboxd executes commands in a resource-limited child process, evaluates
filesystem and network access against configurable policies, raises alerts on
suspicious activity and keeps an append-only audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	registerGlobalFlags(rootCmd)
	rootCmd.AddCommand(runCmd, checkCmd, auditCmd, serveCmd, versionCmd)
}

func main() {
	// Re-executed children apply their resource limits here and never return.
	sandbox.RunShimIfRequested()

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a child's exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
