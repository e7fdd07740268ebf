//go:build !linux && !darwin && !windows

package sandbox

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func resourceUsage(*os.ProcessState) map[string]float64 {
	return map[string]float64{}
}

func terminationSignal(*os.ProcessState) (string, string) {
	return "", ""
}
