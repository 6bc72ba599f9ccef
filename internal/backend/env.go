package backend

import (
	"os"
	"strings"
)

// internalPrefix marks environment variables that hold relaybot's own
// secrets (channel tokens, signing keys). They must never leak into
// agent child processes.
const internalPrefix = "RELAYBOT_"

// passthroughVars are always forwarded when present.
var passthroughVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "LC_ALL": true, "TERM": true, "TMPDIR": true,
	"TZ": true, "SSH_AUTH_SOCK": true,
	"HTTP_PROXY": true, "HTTPS_PROXY": true, "NO_PROXY": true,
	"http_proxy": true, "https_proxy": true, "no_proxy": true,
}

// passthroughPrefixes forward whole variable families, notably provider
// API keys and language runtimes the agent CLI needs.
var passthroughPrefixes = []string{
	"ANTHROPIC_", "OPENAI_", "CLAUDE_", "CODEX_",
	"XDG_", "GOPATH", "GOROOT", "NODE_", "NVM_", "JAVA_",
}

// ChildEnv builds the environment for an agent child process from the
// current process environment: internal secrets are dropped, and only
// allow-listed system, runtime, and API-key variables pass through.
func ChildEnv() []string {
	return filterEnv(os.Environ())
}

func filterEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(name, internalPrefix) {
			continue
		}
		if passthroughVars[name] {
			out = append(out, kv)
			continue
		}
		for _, p := range passthroughPrefixes {
			if strings.HasPrefix(name, p) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}
