//go:build linux || darwin

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

// setProcessGroup puts the child in its own process group so the whole
// subtree can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGKILL to the child's process group.
func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func resourceUsage(state *os.ProcessState) map[string]float64 {
	usage := map[string]float64{}
	if state == nil {
		return usage
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return usage
	}
	usage["user_cpu_seconds"] = float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
	usage["system_cpu_seconds"] = float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6

	maxRSS := float64(ru.Maxrss)
	if runtime.GOOS == "darwin" {
		// bytes on darwin, kilobytes on linux
		maxRSS /= 1024
	}
	usage["max_rss_mb"] = maxRSS / 1024
	return usage
}

// terminationSignal reports the signal that ended the process and the
// resource dimension it stands for when the kernel sent it for a limit.
func terminationSignal(state *os.ProcessState) (signal, limit string) {
	if state == nil {
		return "", ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", ""
	}
	sig := ws.Signal()
	switch sig {
	case syscall.SIGXCPU:
		limit = "cpu"
	case syscall.SIGXFSZ:
		limit = "disk"
	}
	return sig.String(), limit
}
