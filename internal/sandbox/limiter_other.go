//go:build !linux && !darwin && !windows

package sandbox

import "log/slog"

func platformLimiter(logger *slog.Logger) ResourceLimiter {
	logger.Warn("no resource limiter for this platform, only the timeout is enforced")
	return NoopLimiter{}
}
