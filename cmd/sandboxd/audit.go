package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/audit"
)

var (
	auditLimit         int
	auditAction        string
	auditResult        string
	auditCorrelationID string
	auditSince         time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print recent audit entries, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		l, cleanup, err := openAuditLog()
		if err != nil {
			return err
		}
		defer cleanup()

		f := audit.Filter{
			Action:        auditAction,
			Result:        auditResult,
			CorrelationID: auditCorrelationID,
		}
		if auditSince > 0 {
			f.Since = time.Now().Add(-auditSince)
		}
		entries, err := l.ReadRecentEntries(auditLimit, f)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encoding entry: %w", err)
			}
		}
		return nil
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		l, cleanup, err := openAuditLog()
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := l.GetStatistics()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	auditTailCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum entries (0 = all)")
	auditTailCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (sandbox_execution, file_access, network_access, policy_violation)")
	auditTailCmd.Flags().StringVar(&auditResult, "result", "", "filter by result (success, failure, timeout, error, allowed, denied, violation)")
	auditTailCmd.Flags().StringVar(&auditCorrelationID, "correlation-id", "", "filter by correlation ID")
	auditTailCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this duration (e.g. 1h)")
	auditCmd.AddCommand(auditTailCmd, auditStatsCmd)
}

func openAuditLog() (*audit.Logger, func(), error) {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return nil, nil, err
	}
	l, err := audit.New(cfg.AuditLogPath(), logger)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}
