package denylist

import (
	"path"
	"strings"

	"github.com/ppiankov/shellgate/internal/shellparse"
)

// rootTargets are rm/chmod/chown targets that cover a whole tree the user
// cannot afford to lose.
var rootTargets = map[string]bool{
	"/": true, "/*": true, "~": true, "~/": true, "~/*": true,
	".": true, "./": true, "..": true, "../": true,
	"$HOME": true, "${HOME}": true, "$HOME/": true, "$HOME/*": true,
}

var sensitiveDirs = []string{"~/.ssh", "~/.aws", "~/.gnupg", "$home/.ssh", "$home/.aws", "$home/.gnupg"}

// checkRules applies the structural rules that substring patterns cannot
// express without false positives. lower is the lowercased segment text.
func checkRules(c shellparse.Command, lower string) (bool, string) {
	switch c.Binary {
	case "rm":
		if hasRecursive(c.Args) {
			for _, a := range c.Args {
				if rootTargets[a] {
					return true, "recursive delete of " + a
				}
			}
		}
	case "chmod", "chown", "chgrp":
		if hasRecursive(c.Args) || c.HasArg("000") {
			for _, a := range c.Args {
				if a == "/" || a == "/*" {
					return true, c.Binary + " on filesystem root"
				}
			}
		}
	case "dd":
		for _, a := range c.Args {
			if strings.HasPrefix(a, "of=/dev/") && a != "of=/dev/null" {
				return true, "dd writing to a block device"
			}
		}
	case "init", "telinit":
		if c.HasArg("0", "6") {
			return true, "system power state change"
		}
	case "systemctl":
		switch c.Subcommand() {
		case "reboot", "poweroff", "halt", "kexec", "suspend", "hibernate":
			return true, "system power state change"
		}
	case "curl":
		for i, a := range c.Args {
			if a == "-T" || a == "--upload-file" || strings.HasPrefix(a, "--upload-file=") {
				return true, "file upload via curl"
			}
			if isDataFlag(a) && i+1 < len(c.Args) && strings.HasPrefix(c.Args[i+1], "@") {
				return true, "file exfiltration via curl data"
			}
			if strings.HasPrefix(a, "-d@") || strings.HasPrefix(a, "--data=@") || strings.HasPrefix(a, "--data-binary=@") {
				return true, "file exfiltration via curl data"
			}
		}
	case "wget":
		for _, a := range c.Args {
			if a == "--post-file" || strings.HasPrefix(a, "--post-file=") {
				return true, "file exfiltration via wget"
			}
		}
	case "tar", "zip", "rsync", "scp", "7z":
		for _, dir := range sensitiveDirs {
			if strings.Contains(lower, dir) {
				return true, "archiving credential directory " + dir
			}
		}
	}

	if strings.Contains(lower, "base64") {
		for _, dir := range sensitiveDirs {
			if strings.Contains(lower, dir) || strings.Contains(lower, strings.TrimPrefix(dir, "~")) {
				return true, "encoding credential directory " + dir
			}
		}
	}

	if isScriptInterpreter(c.Binary) && strings.Contains(lower, "socket") &&
		(strings.Contains(lower, "/bin/sh") || strings.Contains(lower, "/bin/bash") || strings.Contains(lower, "pty.spawn")) {
		return true, "reverse shell via " + c.Binary
	}

	return false, ""
}

func hasRecursive(args []string) bool {
	for _, a := range args {
		if a == "--recursive" {
			return true
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") &&
			(strings.ContainsRune(a, 'r') || strings.ContainsRune(a, 'R')) {
			return true
		}
	}
	return false
}

func isDataFlag(a string) bool {
	switch a {
	case "-d", "--data", "--data-binary", "--data-raw", "--data-urlencode":
		return true
	}
	return false
}

func isScriptInterpreter(bin string) bool {
	for _, p := range []string{"python*", "perl*", "ruby*", "php*", "node"} {
		if ok, _ := path.Match(p, bin); ok {
			return true
		}
	}
	return false
}
