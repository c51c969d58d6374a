// Package memory maintains the long-term profile kept for a signed-in user.
// After every successful exchange the model is asked for a structured
// extraction which is merged into the stored profile.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/llm"
	"github.com/comigor/anachak-go/internal/logger"
)

// ErrUpdate wraps every failure of a memory update.
var ErrUpdate = errors.New("memory: update failed")

// Store persists profiles.
type Store interface {
	GetProfile(ctx context.Context, userID string) (chat.Profile, bool)
	PutProfile(ctx context.Context, p chat.Profile) error
}

// Extraction is what the model reports about a single exchange.
type Extraction struct {
	Facts       []string `json:"facts"`
	Preferences []string `json:"preferences"`
	Summary     string   `json:"summary"`
}

// Empty reports whether e carries nothing worth storing.
func (e Extraction) Empty() bool {
	return len(e.Facts) == 0 && len(e.Preferences) == 0 && strings.TrimSpace(e.Summary) == ""
}

var extractionSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"facts": {
			Type:        llm.TypeArray,
			Items:       &llm.Schema{Type: llm.TypeString},
			Description: "Key facts mentioned by the user.",
		},
		"preferences": {
			Type:        llm.TypeArray,
			Items:       &llm.Schema{Type: llm.TypeString},
			Description: "Inferred user preferences (e.g., interests, communication style).",
		},
		"summary": {
			Type:        llm.TypeString,
			Description: "A concise, one-sentence summary of the user's request and the AI's answer.",
		},
	},
	Required: []string{"facts", "preferences", "summary"},
}

const extractionPrompt = `Based on the following recent exchange, update the user's memory profile. Extract key facts, inferred user preferences, and provide a concise one-sentence summary of this specific interaction. Respond ONLY with a JSON object. "facts" and "preferences" should be arrays of strings. "summary" should be a single string. If no new facts or preferences are found, return empty arrays.

User said: "%s"
You responded: "%s"`

// Manager runs memory updates.
type Manager struct {
	client llm.Client
	model  string
	store  Store
}

// New returns a Manager that extracts with model through client.
func New(client llm.Client, model string, store Store) *Manager {
	return &Manager{client: client, model: model, store: store}
}

// Update extracts memory from one exchange and merges it into the user's
// profile. A nil profile with a nil error means there was nothing to store.
func (m *Manager) Update(ctx context.Context, userID, userText, assistantText string) (*chat.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: no user", ErrUpdate)
	}
	ex, err := m.Extract(ctx, userText, assistantText)
	if err != nil {
		return nil, err
	}
	return m.Apply(ctx, userID, ex)
}

// Extract asks the model for the facts, preferences and summary worth keeping
// from one exchange. It does not touch the store.
func (m *Manager) Extract(ctx context.Context, userText, assistantText string) (Extraction, error) {
	if m.client == nil {
		return Extraction{}, fmt.Errorf("%w: %w", ErrUpdate, llm.ErrNotConfigured)
	}

	req := llm.Request{
		Model: m.model,
		Contents: []llm.Content{{
			Role:  llm.RoleUser,
			Parts: []llm.Part{llm.Text{Text: fmt.Sprintf(extractionPrompt, userText, assistantText)}},
		}},
	}
	var ex Extraction
	if err := m.client.GenerateJSON(ctx, req, extractionSchema, &ex); err != nil {
		return Extraction{}, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	return ex, nil
}

// Apply merges ex into the stored profile of userID. An empty extraction is a
// no-op and returns nil, nil.
func (m *Manager) Apply(ctx context.Context, userID string, ex Extraction) (*chat.Profile, error) {
	if ex.Empty() {
		logger.L.Debug("no new memory to update", "user_id", userID)
		return nil, nil
	}

	existing, ok := m.store.GetProfile(ctx, userID)
	if !ok {
		existing = chat.Profile{UserID: userID}
	}
	merged := Merge(existing, ex)
	if err := m.store.PutProfile(ctx, merged); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	logger.L.Debug("memory updated", "user_id", userID, "facts", len(merged.Facts), "preferences", len(merged.Preferences))
	return &merged, nil
}

// Merge unions the sets of existing with ex, keeping first-seen order, and
// appends the new summary as a line of its own.
func Merge(existing chat.Profile, ex Extraction) chat.Profile {
	out := existing.Clone()
	out.Facts = union(out.Facts, ex.Facts)
	out.Preferences = union(out.Preferences, ex.Preferences)

	summary := strings.TrimSpace(ex.Summary)
	switch {
	case summary == "":
	case out.Summary == "":
		out.Summary = summary
	default:
		out.Summary = out.Summary + "\n- " + summary
	}
	return out
}

func union(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Render formats p as the memory block appended to the system instruction.
func Render(p chat.Profile) string {
	prefs := strings.Join(p.Preferences, ", ")
	if prefs == "" {
		prefs = "None noted."
	}
	facts := strings.Join(p.Facts, ", ")
	if facts == "" {
		facts = "None noted."
	}
	summary := p.Summary
	if summary == "" {
		summary = "No summary available."
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("Here is a summary of your past conversations with this user. Use this information to personalize your responses and maintain context.\n")
	b.WriteString("User Preferences: " + prefs + "\n")
	b.WriteString("Key Facts: " + facts + "\n")
	b.WriteString("Conversation History Summary:\n")
	b.WriteString(summary + "\n")
	b.WriteString("---")
	return b.String()
}
