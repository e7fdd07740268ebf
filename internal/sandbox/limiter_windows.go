//go:build windows

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/windows"
)

// jobLimiter binds each execution to its own job object with CPU time,
// memory and active-process caps. Closing the job kills what is left in it.
// Disk limits have no job-object equivalent and stay advisory.
type jobLimiter struct {
	logger *slog.Logger
}

func platformLimiter(logger *slog.Logger) ResourceLimiter {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		logger.Warn("resource limits unavailable: cannot create job object",
			slog.String("error", err.Error()),
		)
		return NoopLimiter{}
	}
	_ = windows.CloseHandle(job)
	return &jobLimiter{logger: logger}
}

func (l *jobLimiter) Name() string { return "job_object" }

func (l *jobLimiter) Bind(cmd *exec.Cmd, limits Limits) (LimitBinding, error) {
	if cmd.Err != nil {
		return nil, cmd.Err
	}
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("creating job object: %w", err)
	}

	var info windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	info.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	if limits.CPUTimeSeconds > 0 {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_PROCESS_TIME
		// 100ns units.
		info.BasicLimitInformation.PerProcessUserTimeLimit = int64(limits.CPUTimeSeconds) * 10_000_000
	}
	if limits.MemoryMB > 0 {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_JOB_MEMORY
		info.JobMemoryLimit = uintptr(limits.MemoryMB) << 20
	}
	if limits.MaxProcesses > 0 {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_ACTIVE_PROCESS
		info.BasicLimitInformation.ActiveProcessLimit = uint32(limits.MaxProcesses)
	}

	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		_ = windows.CloseHandle(job)
		return nil, fmt.Errorf("setting job limits: %w", err)
	}

	if limits.DiskMB > 0 {
		l.logger.Debug("disk limit is advisory on windows", slog.Int("disk_mb", limits.DiskMB))
	}
	return &jobBinding{job: job}, nil
}

type jobBinding struct {
	job windows.Handle
}

// Started assigns the new process to the job right after creation.
func (b *jobBinding) Started(p *os.Process) error {
	h, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(p.Pid))
	if err != nil {
		return fmt.Errorf("opening process %d: %w", p.Pid, err)
	}
	defer windows.CloseHandle(h)

	if err := windows.AssignProcessToJobObject(b.job, h); err != nil {
		return fmt.Errorf("assigning process %d to job: %w", p.Pid, err)
	}
	return nil
}

func (b *jobBinding) Release() {
	if b.job != 0 {
		_ = windows.CloseHandle(b.job)
		b.job = 0
	}
}
