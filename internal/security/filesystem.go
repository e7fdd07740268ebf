package security

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// FilesystemPolicy is the rule set for path access.
// Allowed and denied entries match by path prefix after normalization.
type FilesystemPolicy struct {
	AllowedPaths        []string `yaml:"allowed_paths" json:"allowed_paths"`
	DeniedPaths         []string `yaml:"denied_paths" json:"denied_paths"`
	DefaultAllow        bool     `yaml:"default_allow" json:"default_allow"`
	ReadOnly            bool     `yaml:"read_only" json:"read_only"`
	DetectPathTraversal bool     `yaml:"detect_path_traversal" json:"detect_path_traversal"`
	FollowSymlinks      bool     `yaml:"follow_symlinks" json:"follow_symlinks"`
}

// DefaultFilesystemPolicy denies by default with traversal detection and
// symlink resolution on.
func DefaultFilesystemPolicy() FilesystemPolicy {
	return FilesystemPolicy{
		DetectPathTraversal: true,
		FollowSymlinks:      true,
	}
}

// alwaysDeniedPaths cannot be reached through any policy. "~" is the
// current user's home directory.
var alwaysDeniedPaths = []string{
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/passwd",
	"/etc/master.passwd",
	"/etc/sudoers",
	"/etc/sudoers.d",
	"/private/etc/master.passwd",
	"/private/etc/sudoers",
	"/root/.ssh",
	"/proc/kcore",
	"/var/run/docker.sock",
	"/run/docker.sock",
	"~/.ssh",
	"~/.aws",
	"~/.gnupg",
	"~/.kube",
	"~/.docker/config.json",
	"~/.netrc",
	"~/.config/gcloud",
	"~/.azure",
	`C:\Windows\System32\config`,
}

// credentialDirs are denied wherever they appear, so other users' homes are
// covered too.
var credentialDirs = []string{".ssh", ".gnupg", ".aws"}

// systemReadOnlyPaths deny writes regardless of policy.
var systemReadOnlyPaths = []string{
	"/bin",
	"/sbin",
	"/usr",
	"/lib",
	"/lib64",
	"/boot",
	"/etc",
	"/System",
	"/Library",
	`C:\Windows`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
}

const traversalReason = "path traversal detected"

// IsTraversal reports whether d denied a path traversal attempt.
func (d Decision) IsTraversal() bool {
	return !d.Allowed && d.Stage == StageSanity && strings.HasPrefix(d.Reason, traversalReason)
}

// traversalMarkers are matched case-insensitively on the raw input.
var traversalMarkers = []string{
	"%2e%2e",
	"%252e",
	"..%2f",
	"..%5c",
	"%2e.",
	".%2e",
	"%c0%ae",
}

// FilesystemEvaluator decides path access. Safe for concurrent use.
type FilesystemEvaluator struct {
	policy       FilesystemPolicy
	home         string
	alwaysDenied []string
	systemRO     []string
	allowed      []string
	denied       []string
}

// NewFilesystemEvaluator normalizes the policy lists once.
func NewFilesystemEvaluator(policy FilesystemPolicy) *FilesystemEvaluator {
	home, _ := os.UserHomeDir()
	e := &FilesystemEvaluator{policy: policy, home: home}
	e.alwaysDenied = e.normalizeList(alwaysDeniedPaths)
	e.systemRO = e.normalizeList(systemReadOnlyPaths)
	e.allowed = e.normalizeList(policy.AllowedPaths)
	e.denied = e.normalizeList(policy.DeniedPaths)
	return e
}

// Policy returns the policy the evaluator was built from.
func (e *FilesystemEvaluator) Policy() FilesystemPolicy {
	return e.policy
}

// IsAllowed evaluates access to target in the given mode.
func (e *FilesystemEvaluator) IsAllowed(target string, mode AccessMode) Decision {
	if strings.TrimSpace(target) == "" {
		return deny(StageSanity, "empty path")
	}
	if strings.ContainsRune(target, 0) {
		return deny(StageSanity, "path contains a NUL byte")
	}
	if e.policy.DetectPathTraversal && hasTraversal(target) {
		return deny(StageSanity, traversalReason+" in %q", target)
	}

	candidates, err := e.candidates(target)
	if err != nil {
		return deny(StageSanity, "cannot normalize path %q: %v", target, err)
	}

	if prefix, ok := firstPrefixMatch(candidates, e.alwaysDenied); ok {
		return deny(StageAlwaysDeny, "access to sensitive path %s is always denied", prefix)
	}
	if dir, ok := credentialComponent(candidates); ok {
		return deny(StageAlwaysDeny, "access to credential directory %s is always denied", dir)
	}

	if mode.writes() {
		if e.policy.ReadOnly {
			return deny(StageMode, "filesystem policy is read-only, %s access denied", mode)
		}
		if prefix, ok := firstPrefixMatch(candidates, e.systemRO); ok {
			return deny(StageMode, "system path %s is read-only", prefix)
		}
	}

	if prefix, ok := firstPrefixMatch(candidates, e.denied); ok {
		return deny(StageDenyList, "path matches denied prefix %s", prefix)
	}
	if prefix, ok := firstPrefixMatch(candidates, e.allowed); ok {
		return allow(StageAllowList, "path matches allowed prefix %s", prefix)
	}

	if e.policy.DefaultAllow {
		return allow(StageDefault, "allowed by default policy")
	}
	return deny(StageDefault, "path is not in any allowed location")
}

// candidates returns the lexical absolute path and, when symlinks are
// followed, the resolved one. Both are checked against every list.
func (e *FilesystemEvaluator) candidates(target string) ([]string, error) {
	abs, err := filepath.Abs(e.expandHome(target))
	if err != nil {
		return nil, err
	}
	out := []string{abs}
	if e.policy.FollowSymlinks {
		if resolved := resolveExisting(abs); resolved != abs {
			out = append(out, resolved)
		}
	}
	return out, nil
}

func (e *FilesystemEvaluator) expandHome(p string) string {
	if e.home == "" {
		return p
	}
	if p == "~" {
		return e.home
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		return filepath.Join(e.home, p[2:])
	}
	return p
}

func (e *FilesystemEvaluator) normalizeList(entries []string) []string {
	out := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" || (strings.HasPrefix(entry, "~") && e.home == "") {
			continue
		}
		if isForeignWindowsPath(entry) {
			continue
		}
		abs, err := filepath.Abs(e.expandHome(entry))
		if err != nil {
			continue
		}
		add(abs)
		if e.policy.FollowSymlinks {
			add(resolveExisting(abs))
		}
	}
	return out
}

// resolveExisting resolves symlinks in the longest existing ancestor of p
// and re-attaches the missing tail, so paths about to be created resolve too.
func resolveExisting(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(resolveExisting(parent), filepath.Base(p))
}

func hasTraversal(raw string) bool {
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	lower := strings.ToLower(raw)
	for _, marker := range traversalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func credentialComponent(candidates []string) (string, bool) {
	for _, c := range candidates {
		for _, part := range strings.Split(filepath.ToSlash(c), "/") {
			for _, dir := range credentialDirs {
				if part == dir {
					return dir, true
				}
			}
		}
	}
	return "", false
}

// isForeignWindowsPath skips drive-letter entries on other platforms, where
// filepath.Abs would turn them into relative garbage.
func isForeignWindowsPath(p string) bool {
	return runtime.GOOS != "windows" && len(p) >= 2 && p[1] == ':'
}
