package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/comigor/anachak-go/internal/attachment"
	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/llm"
	"github.com/comigor/anachak-go/internal/logger"
	"github.com/comigor/anachak-go/internal/webfetch"
)

const defaultDocumentQuestion = "Please provide a concise summary of the document."

// historyContents converts resolved transcript messages into model contents.
// Images are re-sent inline; every other attachment is represented by the
// message text only.
func historyContents(msgs []chat.Message) []llm.Content {
	out := make([]llm.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Pending() {
			continue
		}
		var parts []llm.Part
		if a := m.Attachment; a != nil && a.Kind == chat.KindImage && a.Payload != "" {
			data, err := base64.StdEncoding.DecodeString(a.Payload)
			if err != nil {
				logger.L.Warn("dropping undecodable image from history", "id", m.ID, "error", err)
			} else {
				parts = append(parts, llm.Binary{MIMEType: imageMIME(a), Data: data})
			}
		}
		if m.Content != "" {
			parts = append(parts, llm.Text{Text: m.Content})
		}
		if len(parts) == 0 {
			continue
		}
		role := llm.RoleUser
		if m.Role == chat.RoleAssistant {
			role = llm.RoleModel
		}
		out = append(out, llm.Content{Role: role, Parts: parts})
	}
	return out
}

func imageMIME(a *chat.Attachment) string {
	if a.MIMEType != "" {
		return a.MIMEType
	}
	return "image/png"
}

// currentParts builds the parts of the message being sent. att is the
// processed attachment and data its raw bytes.
func (a *Agent) currentParts(ctx context.Context, text string, att *chat.Attachment, data []byte) []llm.Part {
	var parts []llm.Part
	prompt := text

	switch {
	case att != nil && att.Kind == chat.KindImage:
		parts = append(parts, llm.Binary{MIMEType: att.MIMEType, Data: data})
	case att != nil && att.Kind == chat.KindAudio:
		parts = append(parts, llm.Binary{MIMEType: att.MIMEType, Data: data})
		prompt = audioPrompt(text)
	case att != nil && att.Kind == chat.KindDocument:
		prompt = documentPrompt(att.Name, att.Text, text)
	case att == nil:
		if u, ok := webfetch.FindURL(text); ok {
			prompt = a.urlPrompt(ctx, u, text)
		}
	}

	if strings.TrimSpace(prompt) != "" {
		parts = append(parts, llm.Text{Text: prompt})
	}
	return parts
}

func audioPrompt(text string) string {
	if strings.TrimSpace(text) == "" {
		return "Please transcribe the attached audio file."
	}
	return fmt.Sprintf("First, please transcribe the attached audio file. Then, using that transcription, please follow this instruction: \"%s\"", text)
}

func documentPrompt(name, extracted, question string) string {
	if strings.TrimSpace(question) == "" {
		question = defaultDocumentQuestion
	}
	return fmt.Sprintf(`You are an AI assistant analyzing a PDF. The user uploaded "%s". Your task is to answer the user's query based ONLY on the text extracted from this PDF. Do not use external knowledge or web search. If the answer cannot be found in the provided text, you must state that explicitly.

--- PDF TEXT START ---
%s
--- PDF TEXT END ---

User's question: "%s"`, name, extracted, question)
}

// urlPrompt asks the model to read the linked page. Models that cannot browse
// get the page inlined when it can be fetched.
func (a *Agent) urlPrompt(ctx context.Context, u, text string) string {
	if a.client != nil && a.client.SupportsWebSearch() {
		return fmt.Sprintf("Please use your web search tool to access, read, and understand the content of the provided URL. After analyzing the content, answer my original question based on that information.\n\nMy message is: \"%s\"", text)
	}
	if a.fetcher == nil {
		return text
	}
	page, err := a.fetcher.Fetch(ctx, u)
	if err != nil {
		logger.L.Warn("could not fetch linked page", "url", u, "error", err)
		return text
	}
	note := ""
	if page.Truncated {
		note = "\n[Content truncated]"
	}
	return fmt.Sprintf(`The message below links to %s. Its content was retrieved for you:

--- PAGE CONTENT START ---
%s%s
--- PAGE CONTENT END ---

Using that content, answer my original question.

My message is: "%s"`, u, page.Text, note, text)
}

// attachmentReason is the metrics label for an attachment failure.
func attachmentReason(err error) string {
	switch {
	case errors.Is(err, attachment.ErrUnsupportedType):
		return "unsupported"
	case errors.Is(err, attachment.ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, attachment.ErrEmptyDocument):
		return "empty_document"
	case errors.Is(err, attachment.ErrTooLarge):
		return "too_large"
	case errors.Is(err, attachment.ErrMalformedInput):
		return "malformed"
	default:
		return "other"
	}
}
