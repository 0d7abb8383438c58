package engine

import (
	"fmt"
	"runtime"
	"time"
)

// defaultSystemPrompt is the engine's built-in assistant persona. The
// systemPromptOverride core-config field replaces it wholesale.
const defaultSystemPrompt = `You are an interactive agent that helps users with software engineering tasks. Use the tools available to you to assist the user.

- Be concise. Answer in short, direct sentences; avoid preamble.
- When a task requires multiple steps, track them with the TodoWrite tool and keep exactly one task in progress.
- Read files before editing them. Never overwrite content you have not seen.
- Prefer the dedicated file and search tools over shell commands where one fits.
- When you finish, state plainly what was done. If something failed, say so with the output.`

// buildSystemPrompt assembles the system prompt as a list of text blocks:
// the persona (or its override) followed by the environment block.
func (e *Engine) buildSystemPrompt() []string {
	core := e.cfg.Core()
	persona := defaultSystemPrompt
	if core.SystemPromptOverride != "" {
		persona = core.SystemPromptOverride
	}
	return []string{persona, e.envBlock()}
}

func (e *Engine) envBlock() string {
	return fmt.Sprintf("Environment:\nWorking directory: %s\nPlatform: %s/%s\nDate: %s",
		e.workDir, runtime.GOOS, runtime.GOARCH, time.Now().Format("2006-01-02"))
}
