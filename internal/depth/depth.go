// Package depth limits how deeply shellgate may be nested inside itself.
//
// Two signals are combined: the SHELLGATE_DEPTH counter inherited through
// the environment, and the number of ancestor processes running the same
// executable. The process tree cannot be reset by a command the agent runs,
// so the larger of the two wins.
package depth

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvVar carries the nesting level to child processes.
const EnvVar = "SHELLGATE_DEPTH"

// DefaultMax is the default security.max_agent_depth.
const DefaultMax = 3

// LimitError is returned by Check when the nesting limit is reached.
type LimitError struct {
	Depth int
	Max   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("agent depth %d reached limit %d", e.Depth, e.Max)
}

// FromEnv parses the inherited counter. Missing or invalid values are 0.
func FromEnv(getenv func(string) string) int {
	if getenv == nil {
		getenv = os.Getenv
	}
	n, err := strconv.Atoi(strings.TrimSpace(getenv(EnvVar)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Current returns the nesting level of this process.
func Current() int {
	return max(FromEnv(os.Getenv), ancestorDepth())
}

// Check fails with *LimitError when the current depth is at or over limit.
// A limit of zero or less disables the check.
func Check(limit int) (int, error) {
	d := Current()
	if limit > 0 && d >= limit {
		return d, &LimitError{Depth: d, Max: limit}
	}
	return d, nil
}

// ChildEnv returns env with the counter set to the current depth plus one.
// Any existing entry is replaced.
func ChildEnv(env []string) []string {
	return withDepth(env, Current()+1)
}

func withDepth(env []string, d int) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvVar+"=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, EnvVar+"="+strconv.Itoa(d))
}

// procInfo returns the parent pid and executable path of pid.
type procInfo func(pid int) (ppid int, exe string, ok bool)

func ancestorDepth() int {
	exe, err := os.Executable()
	if err != nil {
		return 0
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return countAncestors(exe, os.Getpid(), linuxProcInfo)
}

// countAncestors counts ancestors of pid whose executable is exe. Cycles
// and unreadable processes end the walk.
func countAncestors(exe string, pid int, info procInfo) int {
	seen := map[int]bool{pid: true}
	cur, _, ok := info(pid)
	if !ok {
		return 0
	}
	n := 0
	for cur > 1 && !seen[cur] {
		seen[cur] = true
		ppid, path, ok := info(cur)
		if !ok {
			break
		}
		if path == exe {
			n++
		}
		cur = ppid
	}
	return n
}

func linuxProcInfo(pid int) (int, string, bool) {
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, "", false
	}
	ppid, ok := parseStatPPID(string(stat))
	if !ok {
		return 0, "", false
	}
	exe, _ := os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "exe"))
	return ppid, exe, true
}

// parseStatPPID reads field 4 of /proc/<pid>/stat. The comm field may
// contain spaces and parentheses, so parsing starts after the last ')'.
func parseStatPPID(stat string) (int, bool) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
