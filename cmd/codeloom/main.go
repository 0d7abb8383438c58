// Command codeloom is a terminal front-end for the codeloom engine: it wires
// an Engine, renders its event stream, and answers interactive prompts.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/engine"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/internal/state"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var workDir, dataDir, sessionID string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "codeloom",
		Short: "An embeddable AI coding assistant engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(home, ".codeloom")
			}

			eng, err := engine.New(engine.Options{
				WorkDir:              workDir,
				DataDir:              dataDir,
				ConfigPath:           filepath.Join(dataDir, "config.yaml"),
				UserMCPConfigPath:    filepath.Join(dataDir, "mcp.json"),
				ProjectMCPConfigPath: filepath.Join(workDirOrCwd(workDir), ".codeloom", "mcp.json"),
				Logger:               logger,
			})
			if err != nil {
				return err
			}
			defer eng.Dispose()

			ensureDefaultModel(eng)
			go eng.StartMCP(context.Background())

			return runREPL(eng, sessionID)
		},
	}
	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "working directory (default: cwd)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "engine data directory (default: ~/.codeloom)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to resume")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func workDirOrCwd(workDir string) string {
	if workDir != "" {
		return workDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ensureDefaultModel seeds a model profile from environment variables when
// the registry is empty, so a fresh install works with just an API key.
func ensureDefaultModel(eng *engine.Engine) {
	reg := eng.Models()
	if reg.HasModels() {
		return
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		profile := llm.ModelProfile{
			Provider:      "anthropic",
			ModelName:     "claude-sonnet-4-20250514",
			APIKey:        key,
			MaxTokens:     8192,
			ContextLength: 200000,
		}
		if err := reg.Add(context.Background(), profile, true); err == nil {
			_ = reg.SetPointer(llm.PointerMain, llm.ProfileName(profile.ModelName, profile.Provider))
		}
		return
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		profile := llm.ModelProfile{
			Provider:      "openai",
			ModelName:     "gpt-4o",
			APIKey:        key,
			MaxTokens:     8192,
			ContextLength: 128000,
		}
		if err := reg.Add(context.Background(), profile, true); err == nil {
			_ = reg.SetPointer(llm.PointerMain, llm.ProfileName(profile.ModelName, profile.Provider))
		}
	}
}

// runREPL subscribes to the engine's events, renders them, and feeds stdin
// lines into ProcessUserInput.
func runREPL(eng *engine.Engine, sessionID string) error {
	events := eng.Events()
	stdin := bufio.NewScanner(os.Stdin)
	idle := make(chan struct{}, 1)

	events.On(bus.MessageTextChunk, func(p any) {
		if m, ok := p.(map[string]any); ok {
			fmt.Print(m["delta"])
		}
	})
	events.On(bus.MessageComplete, func(p any) {
		fmt.Println()
	})
	events.On(bus.ToolExecutionComplete, func(p any) {
		if m, ok := p.(map[string]any); ok {
			fmt.Printf("\n[tool] %v — %v\n", m["title"], m["summary"])
		}
	})
	events.On(bus.ToolExecutionError, func(p any) {
		if m, ok := p.(map[string]any); ok {
			fmt.Printf("\n[tool error] %v: %v\n", m["toolName"], m["content"])
		}
	})
	events.On(bus.SessionError, func(p any) {
		if m, ok := p.(map[string]any); ok {
			fmt.Printf("\n[error] %v\n", m["error"])
		}
	})
	events.On(bus.SessionInterrupted, func(p any) {
		fmt.Println("\n[interrupted]")
	})
	events.On(bus.CompactExec, func(p any) {
		if m, ok := p.(map[string]any); ok {
			fmt.Printf("\n[compacted %v -> %v tokens]\n", m["tokenBefore"], m["tokenCompact"])
		}
	})
	events.On(bus.StateUpdate, func(p any) {
		if m, ok := p.(map[string]any); ok && m["state"] == string(state.StateIdle) {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})

	// Interactive prompts answered on stdin.
	events.On(bus.ToolPermissionRequest, func(p any) {
		m, ok := p.(map[string]any)
		if !ok {
			return
		}
		fmt.Printf("\n[permission] %v\n%v\n(y = once, a = always, n = no, or type feedback): ", m["title"], m["content"])
		selected := "refuse"
		if stdin.Scan() {
			switch strings.TrimSpace(stdin.Text()) {
			case "y", "Y":
				selected = "agree"
			case "a", "A":
				selected = "allow"
			case "n", "N", "":
				selected = "refuse"
			default:
				selected = strings.TrimSpace(stdin.Text())
			}
		}
		events.Emit(bus.ToolPermissionResponse, map[string]any{
			"toolName": m["toolName"],
			"selected": selected,
		})
	})
	events.On(bus.PlanExitRequest, func(p any) {
		m, ok := p.(map[string]any)
		if !ok {
			return
		}
		fmt.Printf("\n[plan ready]\n%v\n(e = start editing, c = clear context and start): ", m["planContent"])
		selected := "startEditing"
		if stdin.Scan() && strings.TrimSpace(stdin.Text()) == "c" {
			selected = "clearContextAndStart"
		}
		events.Emit(bus.PlanExitResponse, map[string]any{
			"agentId":  m["agentId"],
			"selected": selected,
		})
	})
	events.On(bus.AskQuestionRequest, func(p any) {
		m, ok := p.(map[string]any)
		if !ok {
			return
		}
		answers := map[string]any{}
		if questions, ok := m["questions"].([]any); ok {
			for _, q := range questions {
				qm, ok := q.(map[string]any)
				if !ok {
					continue
				}
				fmt.Printf("\n[question] %v\n> ", qm["question"])
				if stdin.Scan() {
					answers[fmt.Sprint(qm["question"])] = strings.TrimSpace(stdin.Text())
				}
			}
		}
		events.Emit(bus.AskQuestionResponse, map[string]any{
			"agentId": m["agentId"],
			"answers": answers,
		})
	})

	if err := eng.CreateSession(sessionID); err != nil {
		return err
	}
	drain(idle)

	fmt.Printf("codeloom — %s\n", eng.WorkDir())
	for {
		fmt.Print("\n> ")
		if !stdin.Scan() {
			return nil
		}
		input := strings.TrimSpace(stdin.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			return nil
		}
		if err := eng.ProcessUserInput(input, ""); err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		<-idle
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
