package classify

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var privilegeBinaries = set("sudo", "su", "doas", "pkexec", "gksudo", "kdesudo", "run0")

var networkBinaries = set(
	"curl", "wget", "http", "https", "httpie", "xh",
	"ssh", "scp", "sftp", "rsync", "mosh",
	"nc", "ncat", "netcat", "socat", "telnet", "nmap",
	"ping", "ping6", "traceroute", "mtr", "dig", "nslookup", "host", "whois",
	"ftp", "lftp",
)

// networkSubcommands maps a binary to subcommands that talk to a remote.
var networkSubcommands = map[string]map[string]bool{
	"git":    set("push", "pull", "fetch", "clone", "remote", "ls-remote", "submodule"),
	"npm":    set("publish", "login", "unpublish"),
	"yarn":   set("publish", "login"),
	"pnpm":   set("publish", "login"),
	"cargo":  set("publish", "login", "yank"),
	"docker": set("pull", "push", "login"),
	"podman": set("pull", "push", "login"),
	"gh":     set("pr", "issue", "release", "repo", "api", "run", "workflow"),
}

var destructiveBinaries = set("rm", "rmdir", "shred", "unlink", "chmod", "chown", "chgrp", "kill", "killall", "pkill")

var destructiveSubcommands = map[string]map[string]bool{
	"git":    set("reset", "clean", "push", "restore", "rm"),
	"docker": set("rm", "rmi", "prune", "kill"),
}

var writeBinaries = set(
	"mkdir", "touch", "cp", "mv", "ln", "rename", "install",
	"tee", "patch", "truncate", "chattr",
)

var writeSubcommands = map[string]map[string]bool{
	"git": set("add", "commit", "merge", "rebase", "cherry-pick", "stash",
		"checkout", "switch", "branch", "tag", "init", "am", "apply", "mv"),
}

var buildBinaries = set(
	"make", "cmake", "ninja", "meson", "bazel", "just",
	"gcc", "g++", "cc", "c++", "clang", "clang++", "rustc", "javac",
	"pytest", "tox", "python", "python3", "node", "deno", "ruby",
	"mvn", "gradle", "dotnet",
)

var buildSubcommands = map[string]map[string]bool{
	"cargo": set("build", "test", "check", "bench", "clippy", "fmt", "doc", "run"),
	"npm":   set("install", "ci", "test", "build", "run", "start", "dev", "exec"),
	"npx":   nil,
	"yarn":  set("install", "test", "build", "run", "start", "dev"),
	"pnpm":  set("install", "test", "build", "run", "start", "dev"),
	"bun":   set("install", "test", "build", "run", "dev"),
	"go":    set("build", "test", "vet", "run", "generate", "mod", "fmt", "install", "version", "env", "list"),
	"pip":   set("install"),
	"pip3":  set("install"),
}

var readOnlyBinaries = set(
	"ls", "ll", "la", "dir", "exa", "eza", "lsd", "tree",
	"cat", "bat", "less", "more", "head", "tail", "wc", "file", "stat", "du", "df",
	"find", "fd", "locate", "which", "whereis", "whence", "type", "command", "hash",
	"grep", "rg", "ag", "ack", "fgrep", "egrep",
	"diff", "cmp", "comm", "sort", "uniq", "cut", "tr", "awk", "sed", "jq", "yq",
	"echo", "printf", "date", "cal", "uptime", "uname", "hostname", "whoami", "id", "groups",
	"env", "printenv", "set", "pwd", "realpath", "basename", "dirname",
	"md5sum", "sha1sum", "sha256sum", "shasum", "xxd", "od", "hexdump", "strings", "readlink",
	"test", "[", "true", "false", "man", "info", "help", "ps", "top", "free", "lsof", "cd",
)

// readOnlyGit are git subcommands that only inspect the repository.
var readOnlyGit = set("status", "log", "diff", "show", "blame", "describe", "rev-parse", "ls-files", "shortlog", "grep", "reflog")
