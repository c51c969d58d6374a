// Package server exposes the orchestrator over HTTP: JSON endpoints for
// sending and managing the conversation and an SSE stream of transcript
// snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/anachak-go/internal/agent"
	"github.com/comigor/anachak-go/internal/attachment"
	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/logger"
)

// Server holds the HTTP handlers.
type Server struct {
	agent    *agent.Agent
	hub      *Hub
	maxBytes int64
}

// New returns a Server. hub must be registered as an observer of a.
func New(a *agent.Agent, hub *Hub, maxBytes int64) *Server {
	if maxBytes <= 0 {
		maxBytes = attachment.DefaultMaxBytes
	}
	return &Server{agent: a, hub: hub, maxBytes: maxBytes}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", s.handleListMessages)
		r.Post("/", s.handleSend)
		r.Delete("/", s.handleClear)
	})
	r.Get("/events", s.handleEvents)

	r.Post("/session", s.handleSignIn)
	r.Delete("/session", s.handleSignOut)
	r.Get("/memory", s.handleGetMemory)
	r.Delete("/memory", s.handleClearMemory)
	r.Put("/thinking", s.handleThinking)
	return r
}

type sendRequest struct {
	Text string `json:"text"`
}

type statusResponse struct {
	Ready    bool   `json:"ready"`
	Phase    string `json:"phase"`
	Thinking bool   `json:"thinking"`
	UserID   string `json:"user_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		Ready:    s.agent.Ready(),
		Phase:    string(s.agent.Phase()),
		Thinking: s.agent.Thinking(),
		UserID:   s.agent.User(),
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.agent.Transcript())
}

// handleSend runs one turn and answers with the resolved assistant message.
// It accepts JSON {"text": ...} or a multipart form with "text" and "file".
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeInput(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// the turn outlives a disconnected client; SSE subscribers still see it
	msg, err := s.agent.Send(context.WithoutCancel(r.Context()), in)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

func (s *Server) decodeInput(w http.ResponseWriter, r *http.Request) (agent.Input, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+1<<20)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return agent.Input{}, fmt.Errorf("invalid multipart form: %w", err)
		}
		in := agent.Input{Text: r.FormValue("text")}
		file, header, err := r.FormFile("file")
		if errors.Is(err, http.ErrMissingFile) {
			return in, nil
		}
		if err != nil {
			return agent.Input{}, fmt.Errorf("invalid file: %w", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return agent.Input{}, fmt.Errorf("read file: %w", err)
		}
		in.Attachment = &attachment.File{
			Name:     header.Filename,
			MIMEType: header.Header.Get("Content-Type"),
			Data:     data,
		}
		return in, nil
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return agent.Input{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	return agent.Input{Text: req.Text}, nil
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ClearChat(r.Context()); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams transcript snapshots as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snaps, release := s.hub.Subscribe()
	defer release()

	if err := writeSnapshot(w, s.agent.Transcript()); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap := <-snaps:
			if err := writeSnapshot(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSnapshot(w io.Writer, msgs []chat.Message) error {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		logger.L.Error("encode snapshot", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "event: transcript\ndata: %s\n\n", data)
	return err
}

type sessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.agent.SignIn(r.Context(), req.UserID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.agent.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	if s.agent.User() == "" {
		respondError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	p := s.agent.Profile()
	if p == nil {
		respondError(w, http.StatusNotFound, "no memory stored")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ClearMemory(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type thinkingRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleThinking(w http.ResponseWriter, r *http.Request) {
	var req thinkingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.agent.SetThinking(req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrTurnInFlight):
		return http.StatusConflict
	case errors.Is(err, agent.ErrNothingToSend):
		return http.StatusUnprocessableEntity
	case errors.Is(err, agent.ErrEmptyInput),
		errors.Is(err, attachment.ErrUnsupportedType),
		errors.Is(err, attachment.ErrMalformedInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.L.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
