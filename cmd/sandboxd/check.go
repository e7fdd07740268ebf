package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/security"
)

var checkAccessMode string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a path or host against the configured policies",
}

var checkPathCmd = &cobra.Command{
	Use:   "path <path>",
	Short: "Evaluate filesystem access to a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := security.ParseAccessMode(checkAccessMode)
		if err != nil {
			return err
		}
		return runCheck(cmd, func(c *Components) security.Decision {
			return c.Supervisor.CheckPath(context.Background(), args[0], mode, "")
		})
	},
}

var checkHostCmd = &cobra.Command{
	Use:   "host <host|host:port|url>",
	Short: "Evaluate a network connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd, func(c *Components) security.Decision {
			return c.Supervisor.CheckHost(context.Background(), args[0], "")
		})
	},
}

func init() {
	checkPathCmd.Flags().StringVar(&checkAccessMode, "mode", "read", "access mode: read, write, execute, all")
	checkCmd.AddCommand(checkPathCmd, checkHostCmd)
}

// runCheck prints the decision as JSON and exits 1 when access is denied.
func runCheck(cmd *cobra.Command, eval func(*Components) security.Decision) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	c, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	d := eval(c)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	if !d.Allowed {
		return &exitError{code: 1}
	}
	return nil
}
