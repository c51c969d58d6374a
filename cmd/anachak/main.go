package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/anachak-go/internal/agent"
	"github.com/comigor/anachak-go/internal/config"
	"github.com/comigor/anachak-go/internal/history"
	"github.com/comigor/anachak-go/internal/llm"
	"github.com/comigor/anachak-go/internal/logger"
	"github.com/comigor/anachak-go/internal/persona"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "anachak",
	Short: "AnaChakChat - a conversational assistant with long-term memory",
	Long: `AnaChakChat keeps your chat history and a per-user memory on this machine
and streams answers from Gemini or an OpenAI-compatible model.

Commands:
  chat    Interactive terminal chat (default)
  serve   HTTP API with server-sent events

Config: ./config.yaml (or CONFIG_PATH), overridden by ANACHAK_* variables.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the wiring shared by every front-end.
type app struct {
	cfg     *config.Config
	store   *history.Store
	client  llm.Client
	persona *persona.Builder
}

func bootstrap(ctx context.Context, defaultLevel string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	switch {
	case logLevel != "":
		logger.SetLevel(logLevel)
	case defaultLevel != "":
		logger.SetLevel(defaultLevel)
	default:
		logger.SetLevel(cfg.Log.Level)
	}

	client, err := llm.NewClient(ctx, cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		logger.L.Warn("no API key configured; set llm.api_key or ANACHAK_LLM_API_KEY")
		client = nil
	case err != nil:
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	p := persona.New(cfg.LLM.SystemPrompt)
	p.Discover(ctx, cfg.MCPServers)

	return &app{
		cfg:     cfg,
		store:   history.New(cfg.Store.Path),
		client:  client,
		persona: p,
	}, nil
}

func (a *app) newAgent(opts ...agent.Option) *agent.Agent {
	opts = append([]agent.Option{agent.WithPersona(a.persona)}, opts...)
	return agent.New(a.client, a.store, *a.cfg, opts...)
}
