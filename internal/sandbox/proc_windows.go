//go:build windows

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killProcessTree kills the direct child. Descendants die with the job
// object when the binding is released.
func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
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
	usage["user_cpu_seconds"] = filetimeSeconds(ru.UserTime)
	usage["system_cpu_seconds"] = filetimeSeconds(ru.KernelTime)
	return usage
}

// filetimeSeconds converts a FILETIME duration (100ns ticks) to seconds.
func filetimeSeconds(ft syscall.Filetime) float64 {
	ticks := uint64(ft.HighDateTime)<<32 | uint64(ft.LowDateTime)
	return float64(ticks) / 1e7
}

func terminationSignal(*os.ProcessState) (string, string) {
	return "", ""
}
