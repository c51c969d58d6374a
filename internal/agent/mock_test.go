package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/anachak-go/internal/attachment"
	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/config"
	"github.com/comigor/anachak-go/internal/history"
	"github.com/comigor/anachak-go/internal/llm"
	"github.com/comigor/anachak-go/internal/webfetch"
)

// script is the reply to one Stream call: chunks followed by an optional error.
type script struct {
	chunks []llm.Chunk
	err    error
}

type mockLLM struct {
	mu       sync.Mutex
	scripts  []script
	reqs     []llm.Request
	replies  []string
	jsonReqs []llm.Request
	web      bool
	// started receives once per Stream call before anything is yielded;
	// gate, when set, holds the stream until closed.
	started chan struct{}
	gate    chan struct{}
	// jsonStarted and jsonGate do the same for GenerateJSON.
	jsonStarted chan struct{}
	jsonGate    chan struct{}
}

func (m *mockLLM) Stream(_ context.Context, req llm.Request) iter.Seq2[llm.Chunk, error] {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	var s script
	if len(m.scripts) > 0 {
		s, m.scripts = m.scripts[0], m.scripts[1:]
	}
	started, gate := m.started, m.gate
	m.mu.Unlock()

	return func(yield func(llm.Chunk, error) bool) {
		if started != nil {
			started <- struct{}{}
		}
		if gate != nil {
			<-gate
		}
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.err != nil {
			yield(llm.Chunk{}, s.err)
		}
	}
}

func (m *mockLLM) GenerateJSON(_ context.Context, req llm.Request, _ *llm.Schema, out any) error {
	m.mu.Lock()
	m.jsonReqs = append(m.jsonReqs, req)
	started, gate := m.jsonStarted, m.jsonGate
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return errors.New("mockLLM: no JSON reply configured")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return json.Unmarshal([]byte(reply), out)
}

func (m *mockLLM) SupportsWebSearch() bool { return m.web }

func (m *mockLLM) requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.reqs...)
}

func textReply(parts ...string) script {
	s := script{}
	for _, p := range parts {
		s.chunks = append(s.chunks, llm.Chunk{Text: p})
	}
	return s
}

type pages []string

func (p pages) PageCount() int                 { return len(p) }
func (p pages) PageText(i int) (string, error) { return p[i], nil }

type staticEngine struct{ doc pages }

func (e staticEngine) Load([]byte) (attachment.Document, error) { return e.doc, nil }

func processorWith(doc ...string) *attachment.Processor {
	engine := staticEngine{doc: pages(doc)}
	return attachment.New(attachment.WithEngineSource(attachment.EngineSourceFunc(func() (attachment.Engine, bool) {
		return engine, true
	})))
}

type fakeFetcher struct {
	page webfetch.Page
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (webfetch.Page, error) {
	f.urls = append(f.urls, url)
	return f.page, f.err
}

// recorder keeps every observed snapshot.
type recorder struct {
	mu    sync.Mutex
	snaps [][]chat.Message
}

func (r *recorder) observe(msgs []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, msgs)
}

func (r *recorder) all() [][]chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]chat.Message(nil), r.snaps...)
}

func testConfig() config.Config {
	return config.Config{LLM: config.LLMConfig{Model: "test-model"}}
}

func newStore(t *testing.T) *history.Store {
	t.Helper()
	s := history.New(":memory:")
	t.Cleanup(func() { s.Close() })
	return s
}

func newAgent(t *testing.T, client llm.Client, store *history.Store, opts ...Option) *Agent {
	t.Helper()
	a := New(client, store, testConfig(), opts...)
	t.Cleanup(a.Wait)
	return a
}

func countPending(msgs []chat.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Pending() {
			n++
		}
	}
	return n
}

func requireNoPersistedPending(t *testing.T, store *history.Store) {
	t.Helper()
	for _, m := range store.ListAll(context.Background()) {
		require.False(t, m.Pending())
	}
}
