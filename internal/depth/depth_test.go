package depth

import (
	"errors"
	"strings"
	"testing"
)

func TestFromEnv(t *testing.T) {
	tests := []struct {
		val  string
		want int
	}{
		{"", 0},
		{"2", 2},
		{" 3 ", 3},
		{"-1", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		got := FromEnv(func(string) string { return tt.val })
		if got != tt.want {
			t.Errorf("FromEnv(%q) = %d, want %d", tt.val, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	t.Setenv(EnvVar, "5")
	d, err := Check(3)
	var le *LimitError
	if !errors.As(err, &le) || le.Max != 3 || d < 5 {
		t.Fatalf("expected limit error, got d=%d err=%v", d, err)
	}

	t.Setenv(EnvVar, "0")
	if _, err := Check(0); err != nil {
		t.Fatalf("limit 0 disables the check: %v", err)
	}
}

func TestChildEnv(t *testing.T) {
	t.Setenv(EnvVar, "1")
	env := ChildEnv([]string{"PATH=/bin", EnvVar + "=7", "HOME=/h"})

	var found []string
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvVar+"=") {
			found = append(found, kv)
		}
	}
	if len(found) != 1 {
		t.Fatalf("expected one depth entry, got %v", found)
	}
	if found[0] == EnvVar+"=7" || found[0] == EnvVar+"=1" {
		t.Fatalf("depth not incremented: %s", found[0])
	}
	if env[0] != "PATH=/bin" || env[1] != "HOME=/h" {
		t.Fatalf("other entries changed: %v", env)
	}
}

func TestCountAncestors(t *testing.T) {
	// 100 (self) -> 90 (shellgate) -> 80 (bash) -> 70 (shellgate) -> 1
	tree := map[int]struct {
		ppid int
		exe  string
	}{
		100: {90, "/usr/bin/shellgate"},
		90:  {80, "/usr/bin/shellgate"},
		80:  {70, "/bin/bash"},
		70:  {1, "/usr/bin/shellgate"},
	}
	info := func(pid int) (int, string, bool) {
		p, ok := tree[pid]
		return p.ppid, p.exe, ok
	}
	if got := countAncestors("/usr/bin/shellgate", 100, info); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := countAncestors("/usr/bin/shellgate", 555, info); got != 0 {
		t.Fatalf("unknown pid: got %d, want 0", got)
	}
}

func TestCountAncestorsCycle(t *testing.T) {
	info := func(pid int) (int, string, bool) {
		if pid == 10 {
			return 20, "/x", true
		}
		return 10, "/x", true
	}
	if got := countAncestors("/x", 10, info); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestParseStatPPID(t *testing.T) {
	tests := []struct {
		stat string
		want int
		ok   bool
	}{
		{"1234 (bash) S 1000 1234 1234 0", 1000, true},
		{"42 (weird) name)) R 7 42", 7, true},
		{"garbage", 0, false},
		{"1 (x) S", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseStatPPID(tt.stat)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseStatPPID(%q) = %d,%v", tt.stat, got, ok)
		}
	}
}
