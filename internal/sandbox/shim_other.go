//go:build !linux && !darwin

package sandbox

// RunShimIfRequested is a no-op on platforms without the rlimit shim.
func RunShimIfRequested() {}
