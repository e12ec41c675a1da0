package lifecycle

import (
	"path/filepath"
	"strings"
)

// ShellKind identifies a shell with a known integration script.
type ShellKind string

const (
	Bash    ShellKind = "bash"
	Zsh     ShellKind = "zsh"
	Fish    ShellKind = "fish"
	Unknown ShellKind = "unknown"
)

// DetectShell maps a shell command path to its kind. Login-shell names
// ("-zsh") are accepted.
func DetectShell(cmd string) ShellKind {
	name := strings.TrimPrefix(filepath.Base(cmd), "-")
	switch name {
	case "bash":
		return Bash
	case "zsh":
		return Zsh
	case "fish":
		return Fish
	}
	return Unknown
}

// Script returns the hook script that makes the shell emit OSC 133 and OSC 7
// markers. ok is false for shells without integration.
//
// Marker order per cycle: D;status, A (precmd), B (prompt rendered),
// C (before the command runs).
func Script(kind ShellKind) (script string, ok bool) {
	switch kind {
	case Bash:
		return bashScript, true
	case Zsh:
		return zshScript, true
	case Fish:
		return fishScript, true
	}
	return "", false
}

const bashScript = `
__shellgate_precmd() {
    local rc=$?
    printf '\033]133;D;%d\007' "$rc"
    printf '\033]7;file://%s%s\007' "${HOSTNAME}" "${PWD}"
    printf '\033]133;A\007'
    __shellgate_ran=
}
__shellgate_preexec() {
    [[ "$BASH_COMMAND" == __shellgate_precmd* ]] && return
    [[ -n "$__shellgate_ran" ]] && return
    __shellgate_ran=1
    printf '\033]133;C\007'
}
[[ "${PROMPT_COMMAND[*]}" == *__shellgate_precmd* ]] || PROMPT_COMMAND=("__shellgate_precmd" "${PROMPT_COMMAND[@]}")
case "$PS1" in
    *'133;B'*) ;;
    *) PS1="${PS1}\[\033]133;B\007\]" ;;
esac
trap '__shellgate_preexec' DEBUG
clear
`

const zshScript = `
__shellgate_precmd() {
    local rc=$?
    printf '\033]133;D;%d\007' "$rc"
    printf '\033]7;file://%s%s\007' "${HOST}" "${PWD}"
    printf '\033]133;A\007'
}
__shellgate_preexec() {
    printf '\033]133;C\007'
}
__shellgate_line_init() {
    printf '\033]133;B\007'
}
zle -N zle-line-init __shellgate_line_init
(( ${precmd_functions[(Ie)__shellgate_precmd]} )) || precmd_functions=(__shellgate_precmd $precmd_functions)
(( ${preexec_functions[(Ie)__shellgate_preexec]} )) || preexec_functions=(__shellgate_preexec $preexec_functions)
clear
`

const fishScript = `
function __shellgate_prompt --on-event fish_prompt
    set -l rc $status
    printf '\e]133;D;%d\a' $rc
    printf '\e]7;file://%s%s\a' (hostname) $PWD
    printf '\e]133;A\a'
    printf '\e]133;B\a'
end
function __shellgate_preexec --on-event fish_preexec
    printf '\e]133;C\a'
end
clear
`
