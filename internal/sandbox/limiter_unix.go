//go:build linux || darwin

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// rlimitLimiter re-executes the current binary as a shim that calls
// setrlimit on itself and then execve's the target. Limits set before
// execve survive it, so they bind before the target's first instruction.
type rlimitLimiter struct {
	self   string
	logger *slog.Logger
}

func platformLimiter(logger *slog.Logger) ResourceLimiter {
	self, err := os.Executable()
	if err != nil {
		logger.Warn("resource limits unavailable: cannot locate own executable",
			slog.String("error", err.Error()),
		)
		return NoopLimiter{}
	}
	return &rlimitLimiter{self: self, logger: logger}
}

func (l *rlimitLimiter) Name() string { return "rlimit" }

func (l *rlimitLimiter) Bind(cmd *exec.Cmd, limits Limits) (LimitBinding, error) {
	if cmd.Err != nil {
		return nil, cmd.Err
	}
	if limits.IsZero() {
		return noopBinding{}, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating limit report pipe: %w", err)
	}

	// ExtraFiles[i] becomes fd 3+i in the child.
	reportFD := 3 + len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, w)

	argv0 := cmd.Path
	if len(cmd.Args) > 0 {
		argv0 = cmd.Args[0]
	}
	args := []string{l.self, shimCommand,
		"--report-fd=" + strconv.Itoa(reportFD),
		"--argv0=" + argv0,
	}
	args = append(args, limits.shimFlags()...)
	args = append(args, "--", cmd.Path)
	if len(cmd.Args) > 1 {
		args = append(args, cmd.Args[1:]...)
	}

	cmd.Path = l.self
	cmd.Args = args
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, shimEnvKey+"=1")

	return &rlimitBinding{r: r, w: w}, nil
}

func (l Limits) shimFlags() []string {
	var flags []string
	if l.CPUTimeSeconds > 0 {
		flags = append(flags, "--cpu="+strconv.Itoa(l.CPUTimeSeconds))
	}
	if l.MemoryMB > 0 {
		flags = append(flags, "--as="+strconv.FormatUint(uint64(l.MemoryMB)<<20, 10))
	}
	if l.DiskMB > 0 {
		flags = append(flags, "--fsize="+strconv.FormatUint(uint64(l.DiskMB)<<20, 10))
	}
	if l.MaxProcesses > 0 {
		flags = append(flags, "--nproc="+strconv.Itoa(l.MaxProcesses))
	}
	return flags
}

// rlimitBinding waits on the shim's report pipe. The write end is
// close-on-exec in the shim, so EOF without data means the target image
// replaced the shim with every limit in place.
type rlimitBinding struct {
	r, w *os.File
}

func (b *rlimitBinding) Started(*os.Process) error {
	if err := b.w.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("closing limit report pipe: %w", err)
	}
	msg, err := io.ReadAll(b.r)
	if err != nil {
		return fmt.Errorf("reading limit report: %w", err)
	}
	if len(msg) > 0 {
		return errors.New(strings.TrimSpace(string(msg)))
	}
	return nil
}

func (b *rlimitBinding) Release() {
	_ = b.w.Close()
	_ = b.r.Close()
}
