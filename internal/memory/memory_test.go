package memory

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/history"
	"github.com/comigor/anachak-go/internal/llm"
)

// mockLLM replies to GenerateJSON with queued payloads.
type mockLLM struct {
	replies []string
	err     error
	reqs    []llm.Request
	schemas []*llm.Schema
}

func (m *mockLLM) Stream(context.Context, llm.Request) iter.Seq2[llm.Chunk, error] {
	return func(func(llm.Chunk, error) bool) {}
}

func (m *mockLLM) GenerateJSON(_ context.Context, req llm.Request, schema *llm.Schema, out any) error {
	m.reqs = append(m.reqs, req)
	m.schemas = append(m.schemas, schema)
	if m.err != nil {
		return m.err
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return json.Unmarshal([]byte(reply), out)
}

func (m *mockLLM) SupportsWebSearch() bool { return false }

func newStore(t *testing.T) *history.Store {
	t.Helper()
	s := history.New(":memory:")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpdate_CreatesProfileOnFirstExchange(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{replies: []string{`{"facts":["lives in Phnom Penh"],"preferences":["short answers"],"summary":"Asked about the weather."}`}}

	p, err := New(client, "mem-model", store).Update(ctx, "u1", "What's the weather?", "Sunny.")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "Asked about the weather.", p.Summary)

	stored, ok := store.GetProfile(ctx, "u1")
	require.True(t, ok)
	require.Equal(t, []string{"lives in Phnom Penh"}, stored.Facts)
	require.Equal(t, []string{"short answers"}, stored.Preferences)

	require.Len(t, client.reqs, 1)
	require.Equal(t, "mem-model", client.reqs[0].Model)
	prompt := llm.TextOf(client.reqs[0].Contents[0])
	require.Contains(t, prompt, `User said: "What's the weather?"`)
	require.Contains(t, prompt, `You responded: "Sunny."`)
	require.Equal(t, []string{"facts", "preferences", "summary"}, client.schemas[0].Required)
}

func TestUpdate_TwoTurnsAppendSummaryLines(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{replies: []string{
		`{"facts":["a"],"preferences":[],"summary":"first"}`,
		`{"facts":["a","b"],"preferences":["p"],"summary":"second"}`,
	}}
	m := New(client, "", store)

	_, err := m.Update(ctx, "u1", "1", "1")
	require.NoError(t, err)
	p, err := m.Update(ctx, "u1", "2", "2")
	require.NoError(t, err)

	require.Equal(t, "first\n- second", p.Summary)
	require.Equal(t, []string{"a", "b"}, p.Facts)
	require.Equal(t, []string{"p"}, p.Preferences)
}

func TestUpdate_EmptyExtractionIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{replies: []string{`{"facts":[],"preferences":[],"summary":""}`}}

	p, err := New(client, "", store).Update(ctx, "u1", "hi", "hello")
	require.NoError(t, err)
	require.Nil(t, p)
	_, ok := store.GetProfile(ctx, "u1")
	require.False(t, ok)
}

func TestUpdate_ErrorsWrapErrUpdate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := New(&mockLLM{err: errors.New("boom")}, "", store).Update(ctx, "u1", "a", "b")
	require.ErrorIs(t, err, ErrUpdate)

	_, err = New(nil, "", store).Update(ctx, "u1", "a", "b")
	require.ErrorIs(t, err, ErrUpdate)
	require.ErrorIs(t, err, llm.ErrNotConfigured)

	_, err = New(&mockLLM{replies: []string{`not json`}}, "", store).Update(ctx, "u1", "a", "b")
	require.ErrorIs(t, err, ErrUpdate)

	_, ok := store.GetProfile(ctx, "u1")
	require.False(t, ok)
}

func TestMerge_SetsNeverShrinkOrDuplicate(t *testing.T) {
	existing := chat.Profile{UserID: "u", Facts: []string{"x", "y"}, Preferences: []string{"Tea"}}
	got := Merge(existing, Extraction{Facts: []string{"y", "z", "z"}, Preferences: []string{"tea", "Tea"}})

	require.Equal(t, []string{"x", "y", "z"}, got.Facts)
	require.Equal(t, []string{"Tea", "tea"}, got.Preferences)
	require.Equal(t, []string{"x", "y"}, existing.Facts)
}

func TestMerge_Summary(t *testing.T) {
	require.Equal(t, "new", Merge(chat.Profile{}, Extraction{Summary: " new "}).Summary)
	require.Equal(t, "old\n- new", Merge(chat.Profile{Summary: "old"}, Extraction{Summary: "new"}).Summary)
	require.Equal(t, "old", Merge(chat.Profile{Summary: "old"}, Extraction{Summary: "  "}).Summary)
}

func TestRender(t *testing.T) {
	block := Render(chat.Profile{})
	require.Contains(t, block, "User Preferences: None noted.")
	require.Contains(t, block, "Key Facts: None noted.")
	require.Contains(t, block, "Conversation History Summary:\nNo summary available.")

	block = Render(chat.Profile{Facts: []string{"a", "b"}, Preferences: []string{"brief"}, Summary: "s1\n- s2"})
	require.Contains(t, block, "User Preferences: brief\n")
	require.Contains(t, block, "Key Facts: a, b\n")
	require.True(t, strings.HasSuffix(block, "s1\n- s2\n---"))
}

func TestExtractThenApply(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := &mockLLM{replies: []string{`{"facts":["has a cat"],"preferences":[],"summary":"Talked about pets."}`}}
	m := New(client, "", store)

	ex, err := m.Extract(ctx, "I have a cat", "Nice!")
	require.NoError(t, err)
	require.Equal(t, []string{"has a cat"}, ex.Facts)
	_, ok := store.GetProfile(ctx, "u1")
	require.False(t, ok)

	p, err := m.Apply(ctx, "u1", ex)
	require.NoError(t, err)
	require.Equal(t, "Talked about pets.", p.Summary)

	p, err = m.Apply(ctx, "u1", Extraction{})
	require.NoError(t, err)
	require.Nil(t, p)
}
