package sandbox

// SyscallFilterEnforced reports whether EnableSyscallFilter/AllowedSyscalls
// restrict the child. No syscall filter is installed on any platform, so this
// is always false; the settings are carried for configuration compatibility.
func (m *Manager) SyscallFilterEnforced() bool {
	return false
}

func (m *Manager) warnSyscallFilter() {
	if !m.cfg.EnableSyscallFilter {
		return
	}
	m.logger.Warn("syscall filtering requested but not enforced",
		"allowed_syscalls", len(m.cfg.AllowedSyscalls),
	)
}
