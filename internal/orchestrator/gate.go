package orchestrator

import (
	"log"
	"strings"
)

// The command gate is a usability/defense-in-depth filter, not the
// security boundary; that is the container's capability and filesystem
// restrictions. A command passes only if it clears the deny-list and
// its first token is on the allow-list.

// denyList substrings reject a command outright: shell chaining,
// subshells, path traversal, system directories, privilege escalation,
// container management, raw network fetches.
var denyList = []string{
	";",
	"&&",
	"||",
	"|",
	"`",
	"$(",
	"../",
	"~/",
	"/etc/",
	"/proc/",
	"/sys/",
	"rm -rf",
	"chmod",
	"chown",
	"sudo",
	"su",
	"docker",
	"kubectl",
	"curl http",
	"wget http",
}

// allowedCommands is the set of first tokens permitted to run:
// interpreters, package managers, build tooling, and file management.
var allowedCommands = map[string]struct{}{
	"npm": {}, "yarn": {}, "pnpm": {}, "bun": {}, "node": {}, "npx": {},
	"ls": {}, "cat": {}, "pwd": {}, "cd": {}, "mkdir": {}, "touch": {}, "echo": {},
	"git": {}, "code": {}, "vite": {}, "next": {}, "react": {}, "vue": {},
	"python": {}, "python3": {}, "pip": {}, "pip3": {},
	"composer": {}, "php": {}, "ruby": {}, "bundle": {},
	"go": {}, "cargo": {}, "rustc": {},
	"clear": {}, "help": {}, "exit": {},
	"mv": {}, "cp": {}, "rm": {}, "grep": {}, "find": {}, "head": {}, "tail": {},
	"wc": {}, "sort": {}, "uniq": {}, "diff": {}, "tree": {},
	"which": {}, "whereis": {}, "man": {}, "env": {}, "export": {}, "source": {},
}

// sanitizeCommand validates a raw command string and returns the
// version safe to execute. Rejections are logged and reported via
// ok=false; nothing rejected is ever executed.
func sanitizeCommand(command string) (cleaned string, ok bool) {
	lower := strings.ToLower(command)
	for _, pattern := range denyList {
		if strings.Contains(lower, pattern) {
			log.Printf("[orchestrator] blocked dangerous command: %s", command)
			return "", false
		}
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", false
	}
	if _, allowed := allowedCommands[fields[0]]; !allowed {
		log.Printf("[orchestrator] command not in allow-list: %s", fields[0])
		return "", false
	}

	// Strip backticks and $ as defense in depth
	return strings.NewReplacer("`", "", "$", "").Replace(command), true
}
