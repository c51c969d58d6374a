package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/anachak-go/internal/attachment"
	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/llm"
	"github.com/comigor/anachak-go/internal/logger"
	"github.com/comigor/anachak-go/internal/metrics"
)

const (
	configurationMessage = "The AI service is not configured. Please provide an API key and try again."
	transportMessage     = "An error occurred. Please try again."
	documentFailure      = "Sorry, I couldn't process the PDF file \"%s\".\n**Reason:** %s"
)

// Input is one user submission.
type Input struct {
	Text       string
	Attachment *attachment.File
}

// turn carries what a send needs once the transcript lock is released.
type turn struct {
	id       string
	started  time.Time
	text     string
	file     *attachment.File
	history  []llm.Content
	system   string
	thinking bool
	userID   string
	memGen   uint64
	userIdx  int
	replyIdx int
	log      *slog.Logger
}

// Send runs one complete turn and returns the resolved assistant message.
// Failures of the turn itself resolve to a failed message; an error is only
// returned when the input is rejected before anything is appended.
func (a *Agent) Send(ctx context.Context, in Input) (chat.Message, error) {
	t, err := a.begin(in)
	if err != nil {
		return chat.Message{}, err
	}
	return a.complete(ctx, t)
}

// begin validates in, moves to Sending and appends the user message and the
// pending placeholder.
func (a *Agent) begin(in Input) (*turn, error) {
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil {
		return nil, ErrEmptyInput
	}
	var preview *chat.Attachment
	if in.Attachment != nil {
		p, err := a.attachments.Preview(*in.Attachment)
		if err != nil {
			metrics.AttachmentFailures.WithLabelValues(attachmentReason(err)).Inc()
			return nil, err
		}
		preview = &p
	}

	a.mu.Lock()
	if ok, _ := a.fsm.CanFire(triggerSend); !ok {
		a.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	a.fire(triggerSend)

	now := a.now()
	t := &turn{
		id:       uuid.NewString(),
		started:  now,
		text:     in.Text,
		file:     in.Attachment,
		history:  historyContents(a.transcript),
		system:   a.persona.Build(a.profile),
		thinking: a.thinking,
		userID:   a.userID,
		memGen:   a.memGen,
	}
	t.log = logger.ForTurn(t.id)
	a.transcript = append(a.transcript,
		chat.Message{TurnID: t.id, Role: chat.RoleUser, Content: in.Text, CreatedAt: now, Attachment: preview, State: chat.StateComplete},
		chat.Message{TurnID: t.id, Role: chat.RoleAssistant, CreatedAt: now, State: chat.StatePending},
	)
	t.userIdx, t.replyIdx = len(a.transcript)-2, len(a.transcript)-1
	snap := a.snapshot()
	a.mu.Unlock()

	a.notify(snap)
	t.log.Debug("turn started", "attachment", preview != nil, "history", len(t.history))
	return t, nil
}

// complete prepares the request, streams the reply and resolves the turn.
func (a *Agent) complete(ctx context.Context, t *turn) (chat.Message, error) {
	if a.client == nil {
		a.warnOnce.Do(func() {
			logger.L.Warn("no model client configured; turns will fail until an API key is set")
		})
		a.persist(ctx, t.userIdx)
		return a.fail(ctx, t, chat.FailureConfiguration, configurationMessage, llm.ErrNotConfigured), nil
	}

	var (
		att  *chat.Attachment
		data []byte
	)
	if t.file != nil {
		processed, err := a.attachments.Process(ctx, *t.file)
		if err != nil {
			metrics.AttachmentFailures.WithLabelValues(attachmentReason(err)).Inc()
			a.persist(ctx, t.userIdx)
			content := fmt.Sprintf(documentFailure, t.file.Name, attachment.Reason(err))
			return a.fail(ctx, t, chat.FailureAttachment, content, err), nil
		}
		att, data = &processed, t.file.Data
	}

	parts := a.currentParts(ctx, t.text, att, data)
	if len(parts) == 0 {
		a.discard(t)
		return chat.Message{}, ErrNothingToSend
	}
	a.persist(ctx, t.userIdx)

	req := llm.Request{
		Model:             a.model,
		Contents:          append(t.history, llm.Content{Role: llm.RoleUser, Parts: parts}),
		SystemInstruction: t.system,
		WebSearch:         true,
	}
	if !t.thinking {
		var zero int32
		req.ThinkingBudget = &zero
	}

	a.mu.Lock()
	a.fire(triggerStream)
	a.mu.Unlock()

	for chunk, err := range a.client.Stream(ctx, req) {
		if err != nil {
			return a.fail(ctx, t, chat.FailureTransport, transportMessage, fmt.Errorf("%w: %w", ErrTransport, err)), nil
		}
		metrics.StreamChunks.Inc()
		if chunk.Text == "" && len(chunk.Citations) == 0 {
			continue
		}
		a.mu.Lock()
		reply := &a.transcript[t.replyIdx]
		reply.Content += chunk.Text
		reply.Citations = mergeCitations(reply.Citations, chunk.Citations)
		snap := a.snapshot()
		a.mu.Unlock()
		a.notify(snap)
	}

	a.mu.Lock()
	empty := strings.TrimSpace(a.transcript[t.replyIdx].Content) == ""
	a.mu.Unlock()
	if empty {
		return a.fail(ctx, t, chat.FailureTransport, transportMessage, fmt.Errorf("%w: %w", ErrTransport, llm.ErrEmptyResponse)), nil
	}
	return a.succeed(ctx, t), nil
}

func (a *Agent) succeed(ctx context.Context, t *turn) chat.Message {
	msg := a.resolve(ctx, t, func(m *chat.Message) {
		m.State = chat.StateComplete
	})
	metrics.Turns.WithLabelValues("complete").Inc()
	metrics.TurnDuration.Observe(time.Since(t.started).Seconds())
	t.log.Info("turn complete", "chars", len(msg.Content), "citations", len(msg.Citations))

	if t.userID != "" {
		a.background.Add(1)
		go func() {
			defer a.background.Done()
			a.updateMemory(context.WithoutCancel(ctx), t, msg.Content)
		}()
	}
	return msg
}

func (a *Agent) fail(ctx context.Context, t *turn, kind chat.Failure, content string, cause error) chat.Message {
	msg := a.resolve(ctx, t, func(m *chat.Message) {
		m.Content = content
		m.State = chat.StateFailed
		m.Failure = kind
	})
	metrics.Turns.WithLabelValues(string(kind)).Inc()
	metrics.TurnDuration.Observe(time.Since(t.started).Seconds())
	t.log.Warn("turn failed", "failure", kind, "error", cause)
	return msg
}

// resolve finalizes the placeholder, persists it and returns to Idle.
func (a *Agent) resolve(ctx context.Context, t *turn, finalize func(*chat.Message)) chat.Message {
	a.mu.Lock()
	reply := &a.transcript[t.replyIdx]
	finalize(reply)
	reply.CreatedAt = a.now()
	a.fire(triggerResolve)
	a.mu.Unlock()

	a.persist(ctx, t.replyIdx)

	a.mu.Lock()
	a.fire(triggerReset)
	msg := a.transcript[t.replyIdx].Clone()
	snap := a.snapshot()
	a.mu.Unlock()

	a.notify(snap)
	return msg
}

// discard drops both messages of a turn that turned out to be empty.
func (a *Agent) discard(t *turn) {
	a.mu.Lock()
	a.transcript = a.transcript[:t.userIdx]
	a.fire(triggerDiscard)
	snap := a.snapshot()
	a.mu.Unlock()

	a.notify(snap)
	metrics.Turns.WithLabelValues("discarded").Inc()
	t.log.Debug("turn discarded: nothing to send")
}

// persist appends the transcript entry at idx to the store and records its
// key. Store failures are logged; the transcript keeps the message.
func (a *Agent) persist(ctx context.Context, idx int) {
	a.mu.Lock()
	msg := a.transcript[idx].Clone()
	a.mu.Unlock()

	id, err := a.store.Append(context.WithoutCancel(ctx), msg)
	if err != nil {
		logger.L.Error("failed to persist message", "turn_id", msg.TurnID, "role", msg.Role, "error", err)
		return
	}
	a.mu.Lock()
	a.transcript[idx].ID = id
	a.mu.Unlock()
}

func (a *Agent) updateMemory(ctx context.Context, t *turn, reply string) {
	log := logger.ForUser(t.userID)
	ex, err := a.memory.Extract(ctx, t.text, reply)
	if err != nil {
		metrics.MemoryUpdates.WithLabelValues("error").Inc()
		log.Warn("memory update failed", "error", err)
		return
	}

	a.memMu.Lock()
	defer a.memMu.Unlock()

	a.mu.Lock()
	stale := a.memGen != t.memGen
	a.mu.Unlock()
	if stale {
		metrics.MemoryUpdates.WithLabelValues("stale").Inc()
		log.Debug("dropping memory update: memory was cleared during the turn", "turn_id", t.id)
		return
	}

	p, err := a.memory.Apply(ctx, t.userID, ex)
	switch {
	case err != nil:
		metrics.MemoryUpdates.WithLabelValues("error").Inc()
		log.Warn("memory update failed", "error", err)
		return
	case p == nil:
		metrics.MemoryUpdates.WithLabelValues("noop").Inc()
		return
	}
	metrics.MemoryUpdates.WithLabelValues("updated").Inc()

	a.mu.Lock()
	if a.userID == t.userID {
		a.profile = p
	}
	a.mu.Unlock()
	log.Debug("memory refreshed", "facts", len(p.Facts), "preferences", len(p.Preferences))
}

func mergeCitations(have, more []chat.Citation) []chat.Citation {
	for _, c := range more {
		if c.URI == "" {
			continue
		}
		dup := false
		for _, h := range have {
			if h.URI == c.URI {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, c)
		}
	}
	return have
}
