package worker

import "strings"

// aliasRewrites maps a logical CLI alias to the binary it actually
// execs and an argv rewrite rule — aliases such as cursor are rewritten
// to an equivalent invocation under --force before exec.
var aliasRewrites = map[string]CLIResolution{
	"cursor": {
		Binary: "cursor-agent",
		RewriteArgs: func(args []string) []string {
			return append([]string{"--force"}, args...)
		},
	},
}

// ResolveCLI maps a logical CLI name to its binary and argv rewrite.
// CLIs with no special-case entry resolve to themselves with no rewrite.
func ResolveCLI(name string) CLIResolution {
	if r, ok := aliasRewrites[strings.ToLower(name)]; ok {
		return r
	}
	return CLIResolution{Binary: name}
}

// BootMarkers holds the byte sequence each interactive assistant prints
// once its own MCP subsystem has finished starting. Assistants with no
// known marker rely entirely on the startup-timeout fallback.
var BootMarkers = map[string]string{
	"claude": "MCP server \"relaycast\" connected",
	"codex":  "relaycast: mcp ready",
	"gemini": "relaycast mcp: ready",
}

// CompletionMarkers are line-start markers the delivery engine treats
// as a positive echo-verification signal once the grace period has
// elapsed.
var CompletionMarkers = []string{"DONE:", "REVIEW:PASS", "REVIEW:FAIL"}

// AllowedRelayCLIHints is the server's allowed set for pre-registration;
// hints outside this set are omitted rather than rejected.
var AllowedRelayCLIHints = map[string]struct{}{
	"claude": {},
	"codex":  {},
	"gemini": {},
	"aider":  {},
	"goose":  {},
}

// NormalizeRelayCLIHint maps any supported local CLI name to the
// relay's allowed hint set, falling back to "" (omit the hint) for
// CLIs the relay doesn't recognize (e.g. droid, cursor-agent).
func NormalizeRelayCLIHint(cli string) string {
	lower := strings.ToLower(cli)
	if _, ok := AllowedRelayCLIHints[lower]; ok {
		return lower
	}
	return ""
}

// UnreliableEchoCLIs lists assistants (e.g. droid) for which exact echo
// matching is unreliable, so the delivery engine uses the shorter
// timeout-ack path instead.
var UnreliableEchoCLIs = map[string]struct{}{
	"droid": {},
}
