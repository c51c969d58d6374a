// Package input turns front-end activity (typing, dictation, file picking)
// into events consumed by the orchestrator.
package input

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/comigor/anachak-go/internal/attachment"
)

// ErrClosed is returned when emitting on a closed adapter.
var ErrClosed = errors.New("input: adapter closed")

// Kind identifies an event.
type Kind int

const (
	TextChanged Kind = iota
	AttachmentReady
	AttachmentCleared
	SendRequested
)

func (k Kind) String() string {
	switch k {
	case TextChanged:
		return "text_changed"
	case AttachmentReady:
		return "attachment_ready"
	case AttachmentCleared:
		return "attachment_cleared"
	case SendRequested:
		return "send_requested"
	default:
		return "unknown"
	}
}

// Event is a single input occurrence. Text is set for TextChanged, File for
// AttachmentReady.
type Event struct {
	Kind Kind
	Text string
	File *attachment.File
}

// Adapter emits events on a channel. It keeps its own copy of the draft so
// dictated fragments extend what was typed.
type Adapter struct {
	mu     sync.Mutex
	draft  string
	closed bool
	ch     chan Event
}

// NewAdapter returns an adapter whose channel holds up to buffer events.
func NewAdapter(buffer int) *Adapter {
	return &Adapter{ch: make(chan Event, buffer)}
}

// Events is the channel to hand to the orchestrator.
func (a *Adapter) Events() <-chan Event { return a.ch }

// SetText replaces the draft.
func (a *Adapter) SetText(ctx context.Context, text string) error {
	a.mu.Lock()
	a.draft = text
	a.mu.Unlock()
	return a.emit(ctx, Event{Kind: TextChanged, Text: text})
}

// Dictate appends a final speech transcript to the draft, separated by a
// space.
func (a *Adapter) Dictate(ctx context.Context, transcript string) error {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil
	}
	a.mu.Lock()
	if a.draft != "" && !strings.HasSuffix(a.draft, " ") {
		a.draft += " "
	}
	a.draft += transcript
	text := a.draft
	a.mu.Unlock()
	return a.emit(ctx, Event{Kind: TextChanged, Text: text})
}

// Attach offers a file for the next message.
func (a *Adapter) Attach(ctx context.Context, f attachment.File) error {
	return a.emit(ctx, Event{Kind: AttachmentReady, File: &f})
}

// Detach removes the pending attachment.
func (a *Adapter) Detach(ctx context.Context) error {
	return a.emit(ctx, Event{Kind: AttachmentCleared})
}

// Send asks for the current draft to be sent. The local draft is cleared.
func (a *Adapter) Send(ctx context.Context) error {
	a.mu.Lock()
	a.draft = ""
	a.mu.Unlock()
	return a.emit(ctx, Event{Kind: SendRequested})
}

// Close closes the event channel. Further emits fail with ErrClosed.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
}

func (a *Adapter) emit(ctx context.Context, ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
