package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/comigor/anachak-go/internal/config"
)

// openAIAPI is the subset of openai.Client used by the adapter.
type openAIAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	api openAIAPI
}

// NewOpenAI creates a new OpenAI client
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &OpenAI{api: openai.NewClientWithConfig(c)}
}

// SupportsWebSearch is false; URLs are fetched locally instead.
func (o *OpenAI) SupportsWebSearch() bool { return false }

// Stream implements Client. Thinking budgets and web search are not forwarded.
func (o *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		msgs, err := toOpenAIMessages(req)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		stream, err := o.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    req.Model,
			Messages: msgs,
			Stream:   true,
		})
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if !yield(Chunk{Text: resp.Choices[0].Delta.Content}, nil) {
				return
			}
		}
	}
}

// GenerateJSON implements Client using a strict json_schema response format.
func (o *OpenAI) GenerateJSON(ctx context.Context, req Request, schema *Schema, out any) error {
	msgs, err := toOpenAIMessages(req)
	if err != nil {
		return err
	}
	def := toJSONSchema(schema)
	resp, err := o.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "structured_response",
				Schema: &def,
				Strict: true,
			},
		},
	})
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return ErrEmptyResponse
	}
	return json.Unmarshal([]byte(resp.Choices[0].Message.Content), out)
}

func toOpenAIMessages(req Request) ([]openai.ChatCompletionMessage, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Contents)+1)
	if req.SystemInstruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemInstruction})
	}
	for _, c := range req.Contents {
		role := openai.ChatMessageRoleUser
		if c.Role == RoleModel {
			role = openai.ChatMessageRoleAssistant
		}

		hasBinary := false
		for _, p := range c.Parts {
			if _, ok := p.(Binary); ok {
				hasBinary = true
				break
			}
		}
		if !hasBinary {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: TextOf(c)})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(c.Parts))
		for _, p := range c.Parts {
			switch v := p.(type) {
			case Text:
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: v.Text})
			case Binary:
				if !strings.HasPrefix(v.MIMEType, "image/") {
					return nil, fmt.Errorf("%w: %s", ErrUnsupportedPart, v.MIMEType)
				}
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:" + v.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(v.Data),
					},
				})
			}
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return msgs, nil
}

func toJSONSchema(s *Schema) jsonschema.Definition {
	if s == nil {
		return jsonschema.Definition{}
	}
	def := jsonschema.Definition{Description: s.Description, Required: s.Required}
	switch s.Type {
	case TypeObject:
		def.Type = jsonschema.Object
		def.AdditionalProperties = false
		def.Properties = make(map[string]jsonschema.Definition, len(s.Properties))
		for k, v := range s.Properties {
			def.Properties[k] = toJSONSchema(v)
		}
	case TypeArray:
		def.Type = jsonschema.Array
		if s.Items != nil {
			items := toJSONSchema(s.Items)
			def.Items = &items
		}
	default:
		def.Type = jsonschema.String
	}
	return def
}
