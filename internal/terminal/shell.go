package terminal

import (
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
)

// DetectShell picks the shell for new sessions when none is requested.
// The first candidate present on the host wins and a universally available
// default backstops each chain, so detection cannot fail. macOS and WSL
// sessions get a login shell; their profile files set up PATH and locale.
func DetectShell() (shell string, args []string) {
	switch runtime.GOOS {
	case "windows":
		for _, name := range []string{"pwsh.exe", "powershell.exe"} {
			if path, err := exec.LookPath(name); err == nil {
				return path, nil
			}
		}
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec, nil
		}
		return "cmd.exe", nil
	case "darwin":
		return firstExisting(os.Getenv("SHELL"), "/bin/zsh", "/bin/bash"), []string{"-l"}
	default:
		shell = firstExisting(os.Getenv("SHELL"), "/bin/bash")
		if runningInWSL() {
			return shell, []string{"-l"}
		}
		return shell, nil
	}
}

// firstExisting returns the first candidate present on disk, skipping
// empties, or /bin/sh when none are.
func firstExisting(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "/bin/sh"
}

// runningInWSL reports whether the host is Windows Subsystem for Linux.
func runningInWSL() bool {
	if os.Getenv("WSL_DISTRO_NAME") != "" || os.Getenv("WSL_INTEROP") != "" {
		return true
	}
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}

// buildEnv assembles a session's environment: the daemon's environment as
// the base, terminal identity variables layered on top, caller overrides
// above those, and a UTF-8 locale fallback when neither base nor overrides
// set one. The result is sorted for deterministic spawns.
func buildEnv(overrides map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	env["TERM"] = "xterm-256color"
	env["COLORTERM"] = "truecolor"
	env["TERM_PROGRAM"] = "termbridge"

	for k, v := range overrides {
		env[k] = v
	}

	if env["LANG"] == "" && env["LC_ALL"] == "" {
		env["LANG"] = "en_US.UTF-8"
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
