package security

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ValidateFilesystemPolicy rejects empty list entries.
func ValidateFilesystemPolicy(p FilesystemPolicy) error {
	var errs []error
	for i, entry := range p.AllowedPaths {
		if strings.TrimSpace(entry) == "" {
			errs = append(errs, fmt.Errorf("allowed_paths[%d] is empty", i))
		}
	}
	for i, entry := range p.DeniedPaths {
		if strings.TrimSpace(entry) == "" {
			errs = append(errs, fmt.Errorf("denied_paths[%d] is empty", i))
		}
	}
	return joinPolicyErrors("filesystem", errs)
}

// ValidateNetworkPolicy rejects malformed globs, empty protocols and
// out-of-range ports.
func ValidateNetworkPolicy(p NetworkPolicy) error {
	var errs []error
	check := func(field string, patterns []string) {
		for i, pattern := range patterns {
			if strings.TrimSpace(pattern) == "" {
				errs = append(errs, fmt.Errorf("%s[%d] is empty", field, i))
				continue
			}
			if _, err := path.Match(strings.ToLower(pattern), ""); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d] %q: %w", field, i, pattern, err))
			}
		}
	}
	check("allowed_hosts", p.AllowedHosts)
	check("denied_hosts", p.DeniedHosts)
	for i, proto := range p.AllowedProtocols {
		if strings.TrimSpace(proto) == "" {
			errs = append(errs, fmt.Errorf("allowed_protocols[%d] is empty", i))
		}
	}
	for i, port := range p.AllowedPorts {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("allowed_ports[%d] = %d is out of range", i, port))
		}
	}
	return joinPolicyErrors("network", errs)
}

func joinPolicyErrors(kind string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidPolicy, kind, errors.Join(errs...))
}
