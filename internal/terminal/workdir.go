package terminal

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveWorkdir validates a requested working directory for a new session
// and returns the directory the shell should start in. Every failure falls
// back to the home directory: a bad working directory must never abort
// session creation.
//
// Relative paths resolve under the home directory. UNC-style paths
// (leading double backslash) pass through untouched since Clean would
// collapse their prefix. Symlinked targets resolve to their real path so
// the shell's getcwd matches what the user sees.
func ResolveWorkdir(requested string) string {
	home := homeDir()
	if requested == "" || strings.ContainsRune(requested, 0) {
		return home
	}
	if strings.HasPrefix(requested, `\\`) {
		return requested
	}

	path := requested
	if !filepath.IsAbs(path) {
		path = filepath.Join(home, path)
	}
	path = filepath.Clean(path)

	info, err := os.Lstat(path)
	if err != nil {
		return home
	}
	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return home
		}
		path = resolved
		info, err = os.Stat(path)
		if err != nil {
			return home
		}
	}
	if !info.IsDir() {
		return home
	}
	return path
}

// homeDir returns the daemon user's home directory, or the filesystem root
// when none can be determined.
func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/"
}
