package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// AccessLevel represents the type of filesystem access granted to a path.
type AccessLevel int

const (
	// AccessReadOnly grants read-only access (read files, list directories)
	AccessReadOnly AccessLevel = iota
	// AccessReadWrite grants read and write access
	AccessReadWrite
)

func (a AccessLevel) String() string {
	if a == AccessReadWrite {
		return "rw"
	}
	return "ro"
}

// DirectoryPermission represents a path with its access level.
type DirectoryPermission struct {
	Path   string
	Access AccessLevel
}

// Policy describes the filesystem view a confined project process gets: full
// access to the project root, the toolchain's caches, and read-only access to
// the system.
type Policy struct {
	Root        string
	ReadOnly    []string
	ReadWrite   []string
	BestEffort  bool
	Disabled    bool
	permissions []DirectoryPermission
}

// NewPolicy builds a policy for root with the default toolchain paths plus
// the extra ones given.
func NewPolicy(root string, extraRO, extraRW []string, bestEffort bool) *Policy {
	return &Policy{
		Root:        root,
		ReadOnly:    extraRO,
		ReadWrite:   extraRW,
		BestEffort:  bestEffort,
		permissions: defaultAllowedPaths(),
	}
}

// Permissions returns every path the policy grants, root first.
func (p *Policy) Permissions() []DirectoryPermission {
	out := make([]DirectoryPermission, 0, 1+len(p.permissions)+len(p.ReadOnly)+len(p.ReadWrite))
	if p.Root != "" {
		out = append(out, DirectoryPermission{Path: absOrSelf(p.Root), Access: AccessReadWrite})
	}
	out = append(out, p.permissions...)
	for _, path := range p.ReadOnly {
		if exists(absOrSelf(path)) {
			out = append(out, DirectoryPermission{Path: absOrSelf(path), Access: AccessReadOnly})
		}
	}
	for _, path := range p.ReadWrite {
		if exists(absOrSelf(path)) {
			out = append(out, DirectoryPermission{Path: absOrSelf(path), Access: AccessReadWrite})
		}
	}
	return out
}

// toolchainPaths lists where node package managers keep state.
type toolchainPaths struct {
	EnvVars     []string
	HomeSubdirs []string
	SystemPaths []string
}

var nodeToolchain = toolchainPaths{
	EnvVars: []string{
		"NPM_CONFIG_PREFIX",
		"NPM_CONFIG_CACHE",
		"YARN_CACHE_FOLDER",
		"PNPM_STORE_PATH",
		"NVM_DIR",
	},
	HomeSubdirs: []string{
		".npm",
		".npm-global",
		".nvm",
		".yarn",
		".pnpm-store",
		".local/share/pnpm",
		".cache/yarn",
		".cache/node-gyp",
		".npmrc",
	},
	SystemPaths: []string{
		"/usr/local/lib/node_modules",
		"/usr/lib/node_modules",
	},
}

func defaultAllowedPaths() []DirectoryPermission {
	var paths []DirectoryPermission
	homeDir, _ := os.UserHomeDir()
	seen := make(map[string]bool)

	add := func(p string, access AccessLevel) {
		if p == "" {
			return
		}
		if !filepath.IsAbs(p) {
			if homeDir == "" {
				return
			}
			p = filepath.Join(homeDir, p)
		}
		p = filepath.Clean(p)
		if seen[p] || !exists(p) {
			return
		}
		seen[p] = true
		paths = append(paths, DirectoryPermission{Path: p, Access: access})
	}

	for _, p := range []string{
		"/usr", "/bin", "/lib", "/lib64", "/etc", "/sbin",
		"/usr/local/bin", "/usr/local/lib",
		"/run/current-system/sw", "/nix/store",
		"/proc/self", "/sys/fs/cgroup",
	} {
		add(p, AccessReadOnly)
	}
	if homeDir != "" {
		add(".local/bin", AccessReadOnly)
	}

	for _, env := range nodeToolchain.EnvVars {
		for _, v := range strings.Split(os.Getenv(env), string(os.PathListSeparator)) {
			add(v, AccessReadWrite)
		}
	}
	for _, sub := range nodeToolchain.HomeSubdirs {
		add(sub, AccessReadWrite)
	}
	for _, p := range nodeToolchain.SystemPaths {
		add(p, AccessReadOnly)
	}

	for _, dev := range []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom", "/dev/tty"} {
		add(dev, AccessReadWrite)
	}
	for _, tmp := range []string{os.TempDir(), "/tmp", "/var/tmp"} {
		add(tmp, AccessReadWrite)
	}
	return paths
}

func absOrSelf(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
