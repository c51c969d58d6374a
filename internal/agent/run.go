package agent

import (
	"context"
	"strings"

	"github.com/comigor/anachak-go/internal/attachment"
	"github.com/comigor/anachak-go/internal/input"
	"github.com/comigor/anachak-go/internal/logger"
)

// composer is the draft assembled from input events.
type composer struct {
	text string
	file *attachment.File
}

// Draft returns the text and attachment currently being composed by Run.
func (a *Agent) Draft() (string, *attachment.File) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draft.text, a.draft.file
}

// Run consumes input events until events is closed or ctx is done. Turns run
// in the background so a send arriving mid-stream is rejected rather than
// queued; call Wait to block until they finish.
func (a *Agent) Run(ctx context.Context, events <-chan input.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Agent) handle(ctx context.Context, ev input.Event) {
	switch ev.Kind {
	case input.TextChanged:
		a.mu.Lock()
		a.draft.text = ev.Text
		a.composeLocked()
		a.mu.Unlock()

	case input.AttachmentReady:
		if ev.File == nil {
			return
		}
		if _, err := a.attachments.Preview(*ev.File); err != nil {
			a.reject(err)
			return
		}
		f := *ev.File
		a.mu.Lock()
		a.draft.file = &f
		a.composeLocked()
		a.mu.Unlock()

	case input.AttachmentCleared:
		a.mu.Lock()
		a.draft.file = nil
		a.composeLocked()
		a.mu.Unlock()

	case input.SendRequested:
		a.mu.Lock()
		in := Input{Text: a.draft.text, Attachment: a.draft.file}
		a.mu.Unlock()

		t, err := a.begin(in)
		if err != nil {
			a.reject(err)
			return
		}
		a.mu.Lock()
		a.draft = composer{}
		a.mu.Unlock()

		a.background.Add(1)
		go func() {
			defer a.background.Done()
			if _, err := a.complete(ctx, t); err != nil {
				a.reject(err)
			}
		}()
	}
}

// composeLocked mirrors the draft into the turn phase while no turn is in
// flight. Must be called with a.mu held.
func (a *Agent) composeLocked() {
	if inFlight(a.phase()) {
		return
	}
	if strings.TrimSpace(a.draft.text) != "" || a.draft.file != nil {
		a.fire(triggerDraft)
	} else {
		a.fire(triggerClear)
	}
}

func (a *Agent) reject(err error) {
	logger.L.Info("input rejected", "error", err)
	if a.onReject != nil {
		a.onReject(err)
	}
}
