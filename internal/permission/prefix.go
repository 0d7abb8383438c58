package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// safeCommands are allowed without prompting. Matching is exact or
// prefix-plus-argument ("git status" matches "git status --short").
var safeCommands = []string{
	"git status", "git diff", "git log", "git branch",
	"pwd", "tree", "date", "which",
	"ls", "find", "grep", "head", "tail", "cat", "du", "wc",
	"echo", "env", "printenv",
}

// forbiddenExecutables are rejected without prompting: shell-state mutation
// and network fetchers/browsers the model must not drive directly.
var forbiddenExecutables = []string{
	"alias",
	"curl", "curlie", "wget", "axel", "aria2c",
	"nc", "telnet",
	"lynx", "w3m", "links",
	"httpie", "xh", "http-prompt",
	"chrome", "firefox", "safari",
}

// prefixExtractionPrompt is the fixed instruction for the quick model. The
// contract is exact: the model answers with "none", with
// "command_injection_detected", or with a prefix string, and nothing else.
const prefixExtractionPrompt = `Your task is to process Bash commands that an AI coding agent wants to run.

This policy spec defines how to determine the prefix of a Bash command:
- The prefix is the initial portion of the command that identifies which program and subcommand is being run, without arguments. For example, the prefix of "npm run test" is "npm run", the prefix of "git push origin main" is "git push", and the prefix of "cargo build --release" is "cargo build".
- If the command is a single program with no subcommand (for example "ls -la"), answer "none".
- If the command contains command substitution ($(...) or backticks), environment-variable tricks, redirection into executables, or any other construct that could smuggle a different command past a prefix-based permission check, answer "command_injection_detected".

Answer with EXACTLY one of:
- the prefix string
- none
- command_injection_detected

Do not explain. Do not add punctuation. Command:
`

// prefixCache memoizes extraction results by exact command string for one
// session, avoiding redundant quick-model calls.
type prefixCache struct {
	mu      sync.Mutex
	results map[string]string
}

func newPrefixCache() *prefixCache {
	return &prefixCache{results: make(map[string]string)}
}

func (c *prefixCache) get(command string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[command]
	return r, ok
}

func (c *prefixCache) put(command, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[command] = result
}

// checkBash gates a shell command: normalize, reject forbidden executables,
// pass safe commands and allow-listed keys, otherwise extract a permission
// prefix (or detect injection) and prompt.
func (e *Engine) checkBash(ctx context.Context, tool agent.Tool, input map[string]any, tctx *agent.ToolContext) agent.PermissionDecision {
	command, _ := input["command"].(string)
	command = e.normalizeCommand(command)
	if command == "" {
		return allowed()
	}

	subcommands := splitCommandChain(command)

	injection := false
	var neededKeys []string
	for _, sub := range subcommands {
		if exe := firstToken(sub); isForbiddenExecutable(exe) {
			return agent.PermissionDecision{
				Message: fmt.Sprintf("Command %q is not allowed: %s may not be executed.", sub, exe),
			}
		}
		if isSafeCommand(sub) {
			continue
		}
		if e.projects.IsToolAllowed(e.workDir, bashKeyExact(sub)) {
			continue
		}

		result := e.extractPrefix(ctx, sub, tctx)
		switch result {
		case "command_injection_detected":
			injection = true
		case "none", "":
			if e.projects.IsToolAllowed(e.workDir, bashKeyExact(sub)) {
				continue
			}
			neededKeys = append(neededKeys, bashKeyExact(sub))
		default:
			key := bashKeyPrefix(result)
			if e.projects.IsToolAllowed(e.workDir, key) {
				continue
			}
			neededKeys = append(neededKeys, key)
		}
	}

	if !injection && len(neededKeys) == 0 {
		return allowed()
	}

	// Injection-suspect commands require per-invocation confirmation; an
	// "allow" must not persist a key that a smuggled command could reuse.
	persistKeys := neededKeys
	if injection {
		persistKeys = nil
	}
	outcome := e.request(ctx, tool, input, tctx, persistKeys)
	return outcome.PermissionDecision
}

// normalizeCommand strips a leading "cd <workdir> &&" that tools commonly
// prepend, leaving the effective command for matching.
func (e *Engine) normalizeCommand(command string) string {
	command = strings.TrimSpace(command)
	for _, form := range []string{
		fmt.Sprintf("cd %s &&", e.workDir),
		fmt.Sprintf("cd %q &&", e.workDir),
	} {
		if strings.HasPrefix(command, form) {
			return strings.TrimSpace(strings.TrimPrefix(command, form))
		}
	}
	return command
}

// splitCommandChain splits on the shell chain operators &&, ||, and ;
// outside of quotes. Each piece must be separately allowed.
func splitCommandChain(command string) []string {
	var parts []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			parts = append(parts, s)
		}
		current.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch {
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == ';':
			flush()
		case (r == '&' || r == '|') && i+1 < len(runes) && runes[i+1] == r:
			flush()
			i++
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return parts
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func isForbiddenExecutable(exe string) bool {
	for _, f := range forbiddenExecutables {
		if exe == f {
			return true
		}
	}
	return false
}

func isSafeCommand(command string) bool {
	for _, safe := range safeCommands {
		if command == safe || strings.HasPrefix(command, safe+" ") {
			return true
		}
	}
	return false
}

func bashKeyExact(command string) string { return fmt.Sprintf("Bash(%s)", command) }
func bashKeyPrefix(prefix string) string { return fmt.Sprintf("Bash(%s:*)", prefix) }

// extractPrefix asks the quick model for the command's permission prefix,
// memoized by exact command string for the session. The cache layer is
// bypassed so replay can never answer a policy question.
func (e *Engine) extractPrefix(ctx context.Context, command string, tctx *agent.ToolContext) string {
	if result, ok := e.prefixes.get(command); ok {
		return result
	}

	profile, ok := e.models.PointerProfile(llm.PointerQuick)
	if !ok {
		// No quick model: fall back to the exact-command key.
		return "none"
	}
	msg, err := e.adapter.Stream(ctx, &llm.Request{
		Profile:      profile,
		Messages:     []*models.Message{models.NewUserTextMessage(prefixExtractionPrompt + command)},
		Stream:       false,
		DisableCache: true,
		MaxTokens:    64,
	})
	if err != nil {
		e.logger.Warn("prefix extraction failed", "error", err)
		return "none"
	}
	result := strings.TrimSpace(msg.TextContent())
	if result == "" {
		result = "none"
	}
	e.prefixes.put(command, result)
	return result
}
