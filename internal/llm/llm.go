// Package llm is the boundary to the remote language model. Requests are
// provider-neutral; adapters translate them for Gemini and OpenAI-compatible
// services.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/config"
)

var (
	// ErrNotConfigured means no model client could be built (missing key).
	ErrNotConfigured = errors.New("llm: model client not configured")
	// ErrUnsupportedPart is returned when a provider cannot carry a binary part.
	ErrUnsupportedPart = errors.New("llm: unsupported content part")
	// ErrEmptyResponse is returned when a non-streaming call yields no text.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Role of a content entry as understood by the model.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is either Text or Binary.
type Part interface {
	isPart()
}

// Text is a plain text part.
type Text struct {
	Text string
}

// Binary is inline data such as an image or an audio clip.
type Binary struct {
	MIMEType string
	Data     []byte
}

func (Text) isPart()   {}
func (Binary) isPart() {}

// Content is one role-tagged entry of the conversation sent to the model.
type Content struct {
	Role  Role
	Parts []Part
}

// Request describes a single model call.
type Request struct {
	Model             string
	Contents          []Content
	SystemInstruction string
	WebSearch         bool
	// ThinkingBudget caps reasoning tokens; nil leaves the provider default.
	ThinkingBudget *int32
}

// Chunk is an incremental piece of a streamed reply.
type Chunk struct {
	Text      string
	Citations []chat.Citation
}

// SchemaType names a JSON schema type.
type SchemaType string

const (
	TypeObject SchemaType = "object"
	TypeArray  SchemaType = "array"
	TypeString SchemaType = "string"
)

// Schema is the subset of JSON schema needed for structured responses.
type Schema struct {
	Type        SchemaType
	Description string
	Properties  map[string]*Schema
	Items       *Schema
	Required    []string
}

// Client is the minimal model surface used by the orchestrator and the memory
// manager; it is easy to fake in tests.
type Client interface {
	// Stream issues a streaming call. The sequence ends after the last chunk
	// or after yielding a non-nil error.
	Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
	// GenerateJSON issues a non-streaming call constrained to schema and
	// decodes the reply into out.
	GenerateJSON(ctx context.Context, req Request, schema *Schema, out any) error
	// SupportsWebSearch reports whether the provider can browse on its own.
	SupportsWebSearch() bool
}

// NewClient builds the client for cfg.Provider.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// TextOf concatenates the text parts of c.
func TextOf(c Content) string {
	var b strings.Builder
	for _, p := range c.Parts {
		if t, ok := p.(Text); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Text)
		}
	}
	return b.String()
}
