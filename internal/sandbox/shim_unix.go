//go:build linux || darwin

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

const (
	shimEnvKey  = "_SANDBOXD_RLIMIT_SHIM"
	shimCommand = "__sandbox-rlimit-exec"

	// shimFailureExit is the shim's exit status when it cannot exec the target.
	shimFailureExit = 126
)

// RunShimIfRequested turns the current process into the rlimit shim when it
// was launched by the rlimit limiter. It must be called first thing in main
// (and in TestMain of packages that execute commands); otherwise it returns.
func RunShimIfRequested() {
	if os.Getenv(shimEnvKey) != "1" || len(os.Args) < 2 || os.Args[1] != shimCommand {
		return
	}
	os.Exit(runShim(os.Args[2:]))
}

type shimLimit struct {
	name     string
	resource int
	value    uint64
}

func runShim(args []string) int {
	fs := pflag.NewFlagSet(shimCommand, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(os.Stderr)
	reportFD := fs.Int("report-fd", 3, "descriptor used to report setup failures")
	argv0 := fs.String("argv0", "", "argv[0] for the target")
	cpu := fs.Uint64("cpu", 0, "RLIMIT_CPU in seconds")
	as := fs.Uint64("as", 0, "RLIMIT_AS in bytes")
	fsize := fs.Uint64("fsize", 0, "RLIMIT_FSIZE in bytes")
	nproc := fs.Uint64("nproc", 0, "RLIMIT_NPROC")

	report := os.NewFile(uintptr(3), "limit-report")
	fail := func(err error) int {
		if report != nil {
			_, _ = fmt.Fprintf(report, "%v\n", err)
			_ = report.Close()
		}
		return shimFailureExit
	}

	if err := fs.Parse(args); err != nil {
		return fail(fmt.Errorf("parsing shim arguments: %w", err))
	}
	if *reportFD != 3 {
		report = os.NewFile(uintptr(*reportFD), "limit-report")
	}
	target := fs.Args()
	if len(target) == 0 {
		return fail(errors.New("no target command"))
	}
	unix.CloseOnExec(*reportFD)

	argv := append([]string(nil), target...)
	if *argv0 != "" {
		argv[0] = *argv0
	}
	env := withoutEnv(os.Environ(), shimEnvKey)

	// Address space goes last so nothing after it needs fresh mappings.
	limits := []shimLimit{
		{"cpu", unix.RLIMIT_CPU, *cpu},
		{"fsize", unix.RLIMIT_FSIZE, *fsize},
		{"nproc", unix.RLIMIT_NPROC, *nproc},
		{"as", unix.RLIMIT_AS, *as},
	}
	for _, l := range limits {
		if l.value == 0 {
			continue
		}
		hard := l.value
		if l.resource == unix.RLIMIT_CPU {
			// Equal soft and hard CPU limits make the kernel send SIGKILL
			// instead of SIGXCPU; one extra second keeps the cause visible.
			hard++
		}
		if err := setLimit(l.resource, l.value, hard); err != nil {
			if l.resource == unix.RLIMIT_AS && runtime.GOOS == "darwin" {
				// macOS does not reliably honor RLIMIT_AS; memory stays advisory there.
				continue
			}
			return fail(fmt.Errorf("setrlimit %s=%d: %w", l.name, l.value, err))
		}
	}

	err := unix.Exec(target[0], argv, env)
	return fail(fmt.Errorf("exec %s: %w", target[0], err))
}

// setLimit sets the soft and hard limits, clamped to the current hard limit
// since an unprivileged process cannot raise it.
func setLimit(resource int, soft, hard uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(resource, &cur); err != nil {
		return err
	}
	hard = min(hard, cur.Max)
	soft = min(soft, hard)
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: soft, Max: hard})
}
