package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX paths")
	}
}

func TestFilesystem_AlwaysDenyBeatsAllowList(t *testing.T) {
	skipOnWindows(t)
	e := NewFilesystemEvaluator(FilesystemPolicy{
		AllowedPaths:        []string{"/"},
		DefaultAllow:        true,
		DetectPathTraversal: true,
	})

	for _, p := range []string{"/etc/passwd", "/etc/shadow", "/root/.ssh/authorized_keys", "/var/run/docker.sock"} {
		d := e.IsAllowed(p, AccessRead)
		if d.Allowed {
			t.Errorf("IsAllowed(%q) allowed, want always-deny", p)
		}
		if d.Stage != StageAlwaysDeny {
			t.Errorf("IsAllowed(%q) stage = %s, want always_deny", p, d.Stage)
		}
	}
}

func TestFilesystem_TraversalRejected(t *testing.T) {
	policies := []FilesystemPolicy{
		{AllowedPaths: []string{"/"}, DefaultAllow: true, DetectPathTraversal: true},
		DefaultFilesystemPolicy(),
		{DetectPathTraversal: true, FollowSymlinks: true, ReadOnly: true},
	}
	inputs := []string{
		"/tmp/../etc/passwd",
		"../secret",
		`C:\work\..\Windows`,
		"/tmp/%2e%2e/etc/passwd",
		"/tmp/%252e%252e/etc",
		"/tmp/..%2fetc",
		"/tmp/..%5Cetc",
	}
	for _, p := range policies {
		e := NewFilesystemEvaluator(p)
		for _, in := range inputs {
			d := e.IsAllowed(in, AccessRead)
			if d.Allowed || !d.IsTraversal() {
				t.Errorf("IsAllowed(%q) = %+v, want traversal denial", in, d)
			}
		}
	}
}

func TestFilesystem_TraversalDetectionDisabled(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	e := NewFilesystemEvaluator(FilesystemPolicy{AllowedPaths: []string{dir}})

	// The path is cleaned and evaluated on where it actually points.
	d := e.IsAllowed(dir+"/sub/../file.txt", AccessRead)
	if !d.Allowed {
		t.Errorf("decision = %+v, want allowed once cleaned", d)
	}
	d = e.IsAllowed("/tmp/../etc/passwd", AccessRead)
	if d.Allowed {
		t.Error("cleaned path must still hit the always-deny list")
	}
	if d.IsTraversal() {
		t.Errorf("decision %+v reported as traversal with detection off", d)
	}
}

func TestFilesystem_ReadOnly(t *testing.T) {
	skipOnWindows(t)
	e := NewFilesystemEvaluator(FilesystemPolicy{
		AllowedPaths:        []string{"/workspace"},
		ReadOnly:            true,
		DetectPathTraversal: true,
	})

	if d := e.IsAllowed("/workspace/data.txt", AccessWrite); d.Allowed || d.Stage != StageMode {
		t.Errorf("write = %+v, want read-only denial", d)
	}
	if d := e.IsAllowed("/workspace/data.txt", AccessAll); d.Allowed {
		t.Errorf("all = %+v, want read-only denial", d)
	}
	if d := e.IsAllowed("/workspace/data.txt", AccessRead); !d.Allowed {
		t.Errorf("read = %+v, want allowed", d)
	}
	if d := e.IsAllowed("/workspace/run.sh", AccessExecute); !d.Allowed {
		t.Errorf("execute = %+v, want allowed", d)
	}
}

func TestFilesystem_SystemPathsReadOnly(t *testing.T) {
	skipOnWindows(t)
	e := NewFilesystemEvaluator(FilesystemPolicy{AllowedPaths: []string{"/"}, DetectPathTraversal: true})

	if d := e.IsAllowed("/usr/local/bin/tool", AccessWrite); d.Allowed || d.Stage != StageMode {
		t.Errorf("write to /usr = %+v, want system read-only denial", d)
	}
	if d := e.IsAllowed("/usr/bin/env", AccessExecute); !d.Allowed {
		t.Errorf("execute /usr/bin/env = %+v, want allowed", d)
	}
	if d := e.IsAllowed("/usrlocal/file", AccessWrite); !d.Allowed {
		t.Errorf("/usrlocal must not match the /usr prefix: %+v", d)
	}
}

func TestFilesystem_AllowListAndDefault(t *testing.T) {
	skipOnWindows(t)
	e := NewFilesystemEvaluator(FilesystemPolicy{
		AllowedPaths:        []string{"/workspace"},
		DefaultAllow:        false,
		DetectPathTraversal: true,
	})

	if d := e.IsAllowed("/workspace/x.txt", AccessRead); !d.Allowed || d.Stage != StageAllowList {
		t.Errorf("/workspace/x.txt = %+v, want allowed by allow list", d)
	}
	if d := e.IsAllowed("/home/user/.ssh/id_rsa", AccessRead); d.Allowed {
		t.Errorf("/home/user/.ssh/id_rsa = %+v, want denied", d)
	}
	if d := e.IsAllowed("/workspacex/file", AccessRead); d.Allowed || d.Stage != StageDefault {
		t.Errorf("/workspacex = %+v, want default deny", d)
	}
}

func TestFilesystem_DenyListBeatsAllowList(t *testing.T) {
	skipOnWindows(t)
	e := NewFilesystemEvaluator(FilesystemPolicy{
		AllowedPaths:        []string{"/workspace"},
		DeniedPaths:         []string{"/workspace/secrets"},
		DefaultAllow:        true,
		DetectPathTraversal: true,
	})

	if d := e.IsAllowed("/workspace/secrets/key", AccessRead); d.Allowed || d.Stage != StageDenyList {
		t.Errorf("decision = %+v, want deny list", d)
	}
	if d := e.IsAllowed("/opt/other", AccessRead); !d.Allowed || d.Stage != StageDefault {
		t.Errorf("decision = %+v, want default allow", d)
	}
}

func TestFilesystem_HomeExpansion(t *testing.T) {
	skipOnWindows(t)
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory")
	}
	e := NewFilesystemEvaluator(FilesystemPolicy{AllowedPaths: []string{"~/projects"}, DetectPathTraversal: true})

	if d := e.IsAllowed(filepath.Join(home, "projects", "a.go"), AccessRead); !d.Allowed {
		t.Errorf("decision = %+v, want allowed through expanded ~", d)
	}
	if d := e.IsAllowed("~/.aws/credentials", AccessRead); d.Allowed || d.Stage != StageAlwaysDeny {
		t.Errorf("decision = %+v, want always-deny", d)
	}
}

func TestFilesystem_SymlinkResolution(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	link := filepath.Join(dir, "innocent")
	if err := os.Symlink("/etc/passwd", link); err != nil {
		t.Skipf("symlink: %v", err)
	}

	following := NewFilesystemEvaluator(FilesystemPolicy{AllowedPaths: []string{dir}, DetectPathTraversal: true, FollowSymlinks: true})
	if d := following.IsAllowed(link, AccessRead); d.Allowed || d.Stage != StageAlwaysDeny {
		t.Errorf("following symlinks: %+v, want always-deny via resolved path", d)
	}

	lexical := NewFilesystemEvaluator(FilesystemPolicy{AllowedPaths: []string{dir}, DetectPathTraversal: true})
	if d := lexical.IsAllowed(link, AccessRead); !d.Allowed {
		t.Errorf("not following symlinks: %+v, want lexical allow", d)
	}
}

func TestFilesystem_NotYetExistingPath(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	e := NewFilesystemEvaluator(FilesystemPolicy{AllowedPaths: []string{dir}, DetectPathTraversal: true, FollowSymlinks: true})

	if d := e.IsAllowed(filepath.Join(dir, "new", "file.txt"), AccessWrite); !d.Allowed {
		t.Errorf("decision = %+v, want allowed for a path about to be created", d)
	}
}

func TestFilesystem_Sanity(t *testing.T) {
	e := NewFilesystemEvaluator(DefaultFilesystemPolicy())
	for _, in := range []string{"", "   ", "/tmp/a\x00b"} {
		if d := e.IsAllowed(in, AccessRead); d.Allowed || d.Stage != StageSanity {
			t.Errorf("IsAllowed(%q) = %+v, want sanity denial", in, d)
		}
	}
}

func TestWithinPath(t *testing.T) {
	skipOnWindows(t)
	tests := []struct {
		p, prefix string
		want      bool
	}{
		{"/tmp", "/tmp", true},
		{"/tmp/a", "/tmp", true},
		{"/tmpevil", "/tmp", false},
		{"/anything", "/", true},
		{"/etc/passwd", "/etc/passwd", true},
		{"/etc/passwd-", "/etc/passwd", false},
	}
	for _, tt := range tests {
		if got := withinPath(tt.p, tt.prefix); got != tt.want {
			t.Errorf("withinPath(%q, %q) = %v, want %v", tt.p, tt.prefix, got, tt.want)
		}
	}
}

func TestParseAccessMode(t *testing.T) {
	if m, err := ParseAccessMode(" Write "); err != nil || m != AccessWrite {
		t.Errorf("ParseAccessMode(Write) = %q, %v", m, err)
	}
	if _, err := ParseAccessMode("delete"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
