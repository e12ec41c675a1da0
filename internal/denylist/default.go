package denylist

// DefaultPatterns contains the hardcoded denylist patterns.
// These are the irreversible boundaries that are always blocked.
var DefaultPatterns = Patterns{
	Commands: []string{
		"> /dev/sd",
		"> /dev/nvme",
		"> /dev/disk",
		"/dev/tcp/",
		"/dev/udp/",
		"nc -e",
		"ncat -e",
		"nc -c",
		"ncat -c",
		"socat exec:",
		"socat tcp:",
		`eval "$(curl`,
		`eval "$(wget`,
		"eval $(curl",
		"eval $(wget",
		"source <(curl",
		"source <(wget",
		". <(curl",
		"history -c",
		"history -w /dev/null",
		"unset histfile",
		"> ~/.bash_history",
		"> ~/.zsh_history",
		"shred ~/.bash_history",
		"shred ~/.zsh_history",
		"crontab -r",
		"> /etc/passwd",
		"> /etc/shadow",
		"> /etc/hosts",
		"> /etc/sudoers",
	},
	Binaries: []string{
		"mkfs",
		"mkfs.*",
		"wipefs",
		"reboot",
		"shutdown",
		"halt",
		"poweroff",
	},
	Files: []string{
		"~/.ssh/id_*",
		"~/.ssh/*_key",
		"~/.aws/credentials",
		"~/.gnupg/**",
		"~/.netrc",
		"~/.docker/config.json",
		"~/.kube/config",
		"**/.env",
		"**/.env.local",
		"**/credentials.json",
		"**/*.kdbx",
		"/etc/shadow",
		"/proc/*/environ",
	},
}
