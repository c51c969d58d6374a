package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/config"
)

// Gemini talks to the Gemini API through google.golang.org/genai.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini client using the API key from cfg.
func NewGemini(ctx context.Context, cfg config.LLMConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// SupportsWebSearch is true: requests carry the GoogleSearch tool.
func (g *Gemini) SupportsWebSearch() bool { return true }

// Stream implements Client.
func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		stream := g.client.Models.GenerateContentStream(ctx, req.Model, toGenaiContents(req.Contents), generateConfig(req))
		for resp, err := range stream {
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(chunkFromResponse(resp), nil) {
				return
			}
		}
	}
}

// GenerateJSON implements Client.
func (g *Gemini) GenerateJSON(ctx context.Context, req Request, schema *Schema, out any) error {
	cfg := generateConfig(req)
	cfg.ResponseMIMEType = "application/json"
	cfg.ResponseSchema = toGenaiSchema(schema)

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, toGenaiContents(req.Contents), cfg)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(chunkFromResponse(resp).Text)
	if text == "" {
		return ErrEmptyResponse
	}
	return json.Unmarshal([]byte(text), out)
}

func generateConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemInstruction}}}
	}
	if req.WebSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if req.ThinkingBudget != nil {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: req.ThinkingBudget}
	}
	return cfg
}

func toGenaiContents(contents []Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		gc := &genai.Content{Role: string(c.Role)}
		for _, p := range c.Parts {
			switch v := p.(type) {
			case Text:
				gc.Parts = append(gc.Parts, &genai.Part{Text: v.Text})
			case Binary:
				gc.Parts = append(gc.Parts, &genai.Part{InlineData: &genai.Blob{MIMEType: v.MIMEType, Data: v.Data}})
			}
		}
		out = append(out, gc)
	}
	return out
}

// chunkFromResponse collects the visible text of the first candidate (thought
// parts excluded) and its web grounding sources.
func chunkFromResponse(resp *genai.GenerateContentResponse) Chunk {
	var chunk Chunk
	if resp == nil || len(resp.Candidates) == 0 {
		return chunk
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			if p == nil || p.Thought {
				continue
			}
			b.WriteString(p.Text)
		}
		chunk.Text = b.String()
	}
	if gm := cand.GroundingMetadata; gm != nil {
		for _, gc := range gm.GroundingChunks {
			if gc == nil || gc.Web == nil {
				continue
			}
			chunk.Citations = append(chunk.Citations, chat.Citation{URI: gc.Web.URI, Title: gc.Web.Title})
		}
	}
	return chunk
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{Description: s.Description, Required: s.Required}
	switch s.Type {
	case TypeObject:
		out.Type = genai.TypeObject
	case TypeArray:
		out.Type = genai.TypeArray
	default:
		out.Type = genai.TypeString
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toGenaiSchema(v)
		}
	}
	out.Items = toGenaiSchema(s.Items)
	return out
}
