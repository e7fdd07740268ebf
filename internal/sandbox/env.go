package sandbox

import (
	"maps"
	"slices"
	"strings"
)

// mergeEnv overlays extra onto base (KEY=VALUE pairs). Overlay keys win; the
// result is sorted by key for reproducible process environments.
func mergeEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	maps.Copy(merged, extra)

	keys := slices.Sorted(maps.Keys(merged))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// withoutEnv returns env minus every entry for key.
func withoutEnv(env []string, key string) []string {
	out := make([]string, 0, len(env))
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
