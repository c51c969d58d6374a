// Package agent is the conversation orchestrator. It owns the transcript,
// drives each turn through a state machine, streams the model reply into a
// placeholder message and keeps the durable store and the user's long-term
// memory up to date.
package agent

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/anachak-go/internal/attachment"
	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/config"
	"github.com/comigor/anachak-go/internal/llm"
	"github.com/comigor/anachak-go/internal/logger"
	"github.com/comigor/anachak-go/internal/memory"
	"github.com/comigor/anachak-go/internal/persona"
	"github.com/comigor/anachak-go/internal/webfetch"
)

var (
	// ErrEmptyInput rejects a send with blank text and no attachment.
	ErrEmptyInput = errors.New("agent: nothing to send")
	// ErrTurnInFlight rejects operations while a reply is being produced.
	ErrTurnInFlight = errors.New("agent: a turn is already in flight")
	// ErrNothingToSend is returned when the prepared request has no parts.
	ErrNothingToSend = errors.New("agent: request has no content")
	// ErrTransport wraps model call failures, including empty streams.
	ErrTransport = errors.New("agent: model transport failed")
)

// Store is the persistence the orchestrator needs.
type Store interface {
	memory.Store
	Append(ctx context.Context, msg chat.Message) (int64, error)
	ListAll(ctx context.Context) []chat.Message
	ClearAll(ctx context.Context) error
	DeleteProfile(ctx context.Context, userID string) error
}

// Fetcher retrieves web pages for models without native web search.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (webfetch.Page, error)
}

// Observer receives a snapshot of the transcript after every change.
type Observer func([]chat.Message)

// Option configures an Agent.
type Option func(*Agent)

// WithObserver registers fn to be called after every transcript change.
func WithObserver(fn Observer) Option {
	return func(a *Agent) { a.observers = append(a.observers, fn) }
}

// WithPersona replaces the persona builder, e.g. after MCP discovery.
func WithPersona(b *persona.Builder) Option {
	return func(a *Agent) { a.persona = b }
}

// WithProcessor replaces the attachment processor.
func WithProcessor(p *attachment.Processor) Option {
	return func(a *Agent) { a.attachments = p }
}

// WithFetcher sets the page fetcher used when the model cannot browse.
func WithFetcher(f Fetcher) Option {
	return func(a *Agent) { a.fetcher = f }
}

// WithRejectHandler receives errors of inputs rejected while running Run.
func WithRejectHandler(fn func(error)) Option {
	return func(a *Agent) { a.onReject = fn }
}

// Agent orchestrates conversation turns. Its methods are safe for concurrent
// use; at most one turn is in flight at a time.
type Agent struct {
	client      llm.Client
	store       Store
	memory      *memory.Manager
	attachments *attachment.Processor
	persona     *persona.Builder
	fetcher     Fetcher
	model       string
	observers   []Observer
	onReject    func(error)
	now         func() time.Time

	mu         sync.Mutex
	fsm        *stateless.StateMachine
	transcript []chat.Message
	draft      composer
	thinking   bool
	userID     string
	profile    *chat.Profile

	// memMu serializes profile writes with ClearMemory. memGen is guarded by
	// mu and bumped on every clear; turns begun before it skip their update.
	memMu  sync.Mutex
	memGen uint64

	background sync.WaitGroup
	warnOnce   sync.Once
}

// New creates an Agent. client may be nil when no model is configured; turns
// then resolve to a configuration failure.
func New(client llm.Client, store Store, cfg config.Config, opts ...Option) *Agent {
	memModel := cfg.LLM.MemoryModel
	if memModel == "" {
		memModel = cfg.LLM.Model
	}
	a := &Agent{
		client:   client,
		store:    store,
		memory:   memory.New(client, memModel, store),
		persona:  persona.New(cfg.LLM.SystemPrompt),
		model:    cfg.LLM.Model,
		now:      time.Now,
		fsm:      newTurnMachine(),
		thinking: true,
		attachments: attachment.New(
			attachment.WithPolling(cfg.Attachments.PollAttempts, cfg.Attachments.PollInterval),
			attachment.WithMaxBytes(cfg.Attachments.MaxBytes),
		),
	}
	if cfg.Web.Enabled && (client == nil || !client.SupportsWebSearch()) {
		a.fetcher = webfetch.New(cfg.Web)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ready reports whether a model client is configured.
func (a *Agent) Ready() bool { return a.client != nil }

// Phase returns the current turn phase.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase()
}

func (a *Agent) phase() Phase {
	return a.fsm.MustState().(Phase)
}

// fire must be called with a.mu held.
func (a *Agent) fire(trigger string) {
	if err := a.fsm.Fire(trigger); err != nil {
		logger.L.Error("turn state machine rejected trigger", "trigger", trigger, "phase", a.phase(), "error", err)
	}
}

// Transcript returns a copy of the in-memory transcript, including the
// pending placeholder if a turn is in flight.
func (a *Agent) Transcript() []chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Agent) snapshot() []chat.Message {
	out := make([]chat.Message, len(a.transcript))
	for i, m := range a.transcript {
		out[i] = m.Clone()
	}
	return out
}

func (a *Agent) notify(snap []chat.Message) {
	for _, fn := range a.observers {
		fn(snap)
	}
}

// Load replaces the transcript with the persisted history.
func (a *Agent) Load(ctx context.Context) error {
	msgs := a.store.ListAll(ctx)

	a.mu.Lock()
	if inFlight(a.phase()) {
		a.mu.Unlock()
		return ErrTurnInFlight
	}
	a.transcript = slices.DeleteFunc(msgs, chat.Message.Pending)
	snap := a.snapshot()
	a.mu.Unlock()

	a.notify(snap)
	logger.L.Info("transcript loaded", "messages", len(snap))
	return nil
}

// ClearChat empties the transcript and the persisted history.
func (a *Agent) ClearChat(ctx context.Context) error {
	a.mu.Lock()
	if inFlight(a.phase()) {
		a.mu.Unlock()
		return ErrTurnInFlight
	}
	a.transcript = nil
	a.mu.Unlock()

	a.notify(nil)
	return a.store.ClearAll(ctx)
}

// SetThinking toggles extended reasoning for subsequent turns.
func (a *Agent) SetThinking(on bool) {
	a.mu.Lock()
	a.thinking = on
	a.mu.Unlock()
}

// Thinking reports whether extended reasoning is enabled.
func (a *Agent) Thinking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thinking
}

// SignIn makes userID the current user and loads their profile.
func (a *Agent) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("agent: empty user id")
	}
	p, ok := a.store.GetProfile(ctx, userID)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.userID = userID
	a.profile = nil
	if ok {
		a.profile = &p
	}
	logger.ForUser(userID).Info("signed in", "has_memory", ok)
	return nil
}

// SignOut forgets the current user. Stored memory is kept.
func (a *Agent) SignOut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userID = ""
	a.profile = nil
}

// User returns the signed-in user id, or "".
func (a *Agent) User() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

// Profile returns a copy of the signed-in user's memory, or nil.
func (a *Agent) Profile() *chat.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.profile == nil {
		return nil
	}
	p := a.profile.Clone()
	return &p
}

// ClearMemory deletes the signed-in user's profile. Memory updates for turns
// that started before the call are discarded.
func (a *Agent) ClearMemory(ctx context.Context) error {
	a.memMu.Lock()
	defer a.memMu.Unlock()

	a.mu.Lock()
	a.memGen++
	userID := a.userID
	a.profile = nil
	a.mu.Unlock()
	if userID == "" {
		return nil
	}
	return a.store.DeleteProfile(ctx, userID)
}

// Wait blocks until background work (memory updates and turns started by
// Run) has finished.
func (a *Agent) Wait() {
	a.background.Wait()
}
