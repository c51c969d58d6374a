// Package persona assembles the system instruction: the fixed assistant
// persona, any prompts contributed by MCP servers, and the memory block of a
// signed-in user.
package persona

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/config"
	"github.com/comigor/anachak-go/internal/logger"
	"github.com/comigor/anachak-go/internal/memory"
)

// Default is used when no system prompt is configured.
const Default = "You are an advanced AI assistant with expertise in Khmer language and culture. You can search the internet for up-to-date information. When you use web sources, you must cite them. Your name is AnaChakChat."

// PromptSource is the part of an MCP client used for prompt discovery.
type PromptSource interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// DialFunc connects to one configured MCP server.
type DialFunc func(ctx context.Context, cfg config.MCPServerConfig) (PromptSource, error)

// Builder renders system instructions. Discover must complete before Build is
// called concurrently.
type Builder struct {
	base    string
	prompts []string
	dial    DialFunc
}

// New returns a Builder around base, falling back to Default.
func New(base string) *Builder {
	if strings.TrimSpace(base) == "" {
		base = Default
	}
	return &Builder{base: base, dial: Dial}
}

// WithDial replaces the MCP connector.
func (b *Builder) WithDial(dial DialFunc) *Builder {
	b.dial = dial
	return b
}

// Prompts returns the prompts discovered so far.
func (b *Builder) Prompts() []string { return slices.Clone(b.prompts) }

// Build returns the system instruction. The memory block is appended when p
// is non-nil.
func (b *Builder) Build(p *chat.Profile) string {
	var sb strings.Builder
	sb.WriteString(b.base)
	for _, prompt := range b.prompts {
		sb.WriteString("\n\n")
		sb.WriteString(prompt)
	}
	if p != nil {
		sb.WriteString("\n\n")
		sb.WriteString(memory.Render(*p))
	}
	return sb.String()
}

// Discover connects to every server, takes the assistant text of its first
// argument-less prompt and appends it to the persona. Servers that fail are
// logged and skipped. Connections are closed before returning.
func (b *Builder) Discover(ctx context.Context, servers []config.MCPServerConfig) {
	for _, serverCfg := range servers {
		src, err := b.dial(ctx, serverCfg)
		if err != nil {
			logger.L.Warn("skipping MCP server", "name", serverCfg.Name, "error", err)
			continue
		}
		prompt, err := firstPrompt(ctx, src)
		if cerr := src.Close(); cerr != nil {
			logger.L.Warn("MCP client close error", "name", serverCfg.Name, "error", cerr)
		}
		if err != nil {
			logger.L.Warn("MCP prompt discovery failed", "name", serverCfg.Name, "error", err)
			continue
		}
		if prompt == "" {
			logger.L.Debug("MCP server offers no usable prompt", "name", serverCfg.Name)
			continue
		}
		b.prompts = append(b.prompts, prompt)
		logger.L.Info("Discovered system prompt from MCP server", "name", serverCfg.Name)
	}
}

func firstPrompt(ctx context.Context, src PromptSource) (string, error) {
	initResult, err := src.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ClientInfo: mcp.Implementation{Name: "anachak", Version: "1.0"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	if initResult == nil || initResult.Capabilities.Prompts == nil {
		return "", nil
	}

	prompts, err := src.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return "", fmt.Errorf("list prompts: %w", err)
	}
	i := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool {
		return len(p.Arguments) == 0
	})
	if i == -1 {
		return "", nil
	}

	res, err := src.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: prompts.Prompts[i].Name},
	})
	if err != nil {
		return "", fmt.Errorf("get prompt %q: %w", prompts.Prompts[i].Name, err)
	}
	for _, m := range res.Messages {
		if m.Role != "assistant" {
			continue
		}
		if text, ok := m.Content.(mcp.TextContent); ok {
			return text.Text, nil
		}
	}
	return "", nil
}

// Dial creates and starts an mcp-go client for cfg.
func Dial(ctx context.Context, cfg config.MCPServerConfig) (PromptSource, error) {
	var (
		c   *client.Client
		err error
	)
	switch cfg.Type {
	case config.ClientTypeSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		c, err = client.NewSSEMCPClient(cfg.URL, opts...)
	case config.ClientTypeStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
	case config.ClientTypeStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		// stdio clients start on creation
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "":
		return nil, fmt.Errorf("MCP server type not specified (use sse, streamable_http or stdio)")
	default:
		return nil, fmt.Errorf("unsupported MCP server type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		if cerr := c.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after start failure", "error", cerr)
		}
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return c, nil
}
