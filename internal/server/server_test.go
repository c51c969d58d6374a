package server

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/anachak-go/internal/agent"
	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/config"
	"github.com/comigor/anachak-go/internal/history"
	"github.com/comigor/anachak-go/internal/llm"
)

type echoLLM struct{}

func (echoLLM) Stream(_ context.Context, req llm.Request) iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		last := req.Contents[len(req.Contents)-1]
		yield(llm.Chunk{Text: "echo: " + llm.TextOf(last)}, nil)
	}
}

func (echoLLM) GenerateJSON(context.Context, llm.Request, *llm.Schema, any) error {
	return llm.ErrEmptyResponse
}

func (echoLLM) SupportsWebSearch() bool { return true }

func newTestServer(t *testing.T) (*httptest.Server, *agent.Agent, *Hub) {
	t.Helper()
	store := history.New(":memory:")
	t.Cleanup(func() { store.Close() })
	hub := NewHub()
	a := agent.New(echoLLM{}, store, config.Config{LLM: config.LLMConfig{Model: "m"}}, agent.WithObserver(hub.Publish))
	t.Cleanup(a.Wait)
	srv := httptest.NewServer(New(a, hub, 0).Router())
	t.Cleanup(srv.Close)
	return srv, a, hub
}

func do(t *testing.T, method, url, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSendAndList(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/messages", "application/json", []byte(`{"text":"hello"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg chat.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.Equal(t, "echo: hello", msg.Content)
	require.Equal(t, chat.StateComplete, msg.State)

	resp = do(t, http.MethodGet, srv.URL+"/messages", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []chat.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 2)

	resp = do(t, http.MethodDelete, srv.URL+"/messages", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSend_Rejections(t *testing.T) {
	srv, a, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/messages", "application/json", []byte(`{"text":"  "}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/messages", "application/json", []byte(`not json`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("text", "read this"))
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	fw.Write([]byte("plain"))
	require.NoError(t, mw.Close())

	resp = do(t, http.MethodPost, srv.URL+"/messages", mw.FormDataContentType(), body.Bytes())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, a.Transcript())
}

func TestSessionMemoryAndThinking(t *testing.T) {
	srv, a, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/memory", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/session", "application/json", []byte(`{"user_id":"u1"}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "u1", a.User())

	resp = do(t, http.MethodGet, srv.URL+"/memory", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/thinking", "application/json", []byte(`{"enabled":false}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, a.Thinking())

	resp = do(t, http.MethodGet, srv.URL+"/status", "", nil)
	var st statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, statusResponse{Ready: true, Phase: "Idle", Thinking: false, UserID: "u1"}, st)

	resp = do(t, http.MethodDelete, srv.URL+"/session", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, a.User())
}

func TestEvents_StreamsInitialSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(buf[:n]), "event: transcript\ndata: []"))
}

func TestHub_KeepsLatestSnapshot(t *testing.T) {
	hub := NewHub()
	ch, release := hub.Subscribe()

	hub.Publish([]chat.Message{{Content: "old"}})
	hub.Publish([]chat.Message{{Content: "new"}})
	got := <-ch
	require.Equal(t, "new", got[0].Content)

	release()
	hub.Publish([]chat.Message{{Content: "ignored"}})
	select {
	case <-ch:
		t.Fatal("released subscriber received a snapshot")
	default:
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
