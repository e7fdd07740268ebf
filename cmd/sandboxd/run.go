package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/supervisor"
)

var (
	runMode    string
	runTimeout time.Duration
	runDir     string
	runStdin   bool
	runShell   string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run one command in the sandbox",
	Long: `Run executes a command under the configured sandbox profile, checks the
working directory against the filesystem policy, records security events and
writes an audit entry. The command's output is printed and its exit code is
returned.`,
	Example: `  sandboxd run -- ls -la
  sandboxd run --mode strict --timeout 5s -- python3 script.py
  sandboxd run --shell 'echo $HOME | wc -c'`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "sandbox mode: strict, moderate, permissive, disabled")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "wall-clock timeout (default: profile timeout)")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory")
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "forward standard input to the command")
	runCmd.Flags().StringVar(&runShell, "shell", "", "run a shell command line instead of argv")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runShell == "" && len(args) == 0 {
		return errors.New("a command is required (sandboxd run -- cmd args...)")
	}
	if runShell != "" && len(args) > 0 {
		return errors.New("--shell and a command are mutually exclusive")
	}

	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	c, err := initShared(cfg, logger, sharedOptions{
		overrides: func(o *sandbox.Overrides) {
			if runMode != "" {
				o.Mode = runMode
			}
			if runTimeout > 0 {
				o.Timeout = runTimeout
			}
		},
	})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	var stdin string
	if runStdin {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		stdin = string(b)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := c.Supervisor.Run(ctx, supervisor.RunRequest{
		Command: args,
		Shell:   runShell,
		Dir:     runDir,
		Stdin:   stdin,
	})
	if err != nil {
		return err
	}

	res := out.Result
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	if msg := terminationMessage(res); msg != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), msg)
	}
	if code := runExitCode(res); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// terminationMessage describes why the command did not exit on its own.
// A timeout kill and a kernel limit signal are mutually exclusive.
func terminationMessage(res *sandbox.ExecutionResult) string {
	switch {
	case res.Killed:
		return "killed: timeout"
	case res.LimitExceeded != "":
		return fmt.Sprintf("killed: %s limit exceeded", res.LimitExceeded)
	}
	return ""
}

// runExitCode maps signal deaths, reported as -1, to the shell's 128+KILL.
func runExitCode(res *sandbox.ExecutionResult) int {
	if res.ExitCode < 0 {
		return 137
	}
	return res.ExitCode
}
