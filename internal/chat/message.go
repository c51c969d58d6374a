// Package chat holds the conversation data model shared by the store, the
// memory manager and the orchestrator.
package chat

import (
	"slices"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// State is the lifecycle state of a message.
type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Failure classifies why an assistant message ended in StateFailed.
type Failure string

const (
	FailureNone          Failure = ""
	FailureConfiguration Failure = "configuration"
	FailureAttachment    Failure = "attachment"
	FailureTransport     Failure = "transport"
)

// AttachmentKind is the coarse type of an uploaded file.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindDocument AttachmentKind = "document"
	KindAudio    AttachmentKind = "audio"
)

// Attachment is owned by exactly one message. Images and audio carry a base64
// payload; documents carry extracted text once processed.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	Name     string         `json:"name"`
	MIMEType string         `json:"mime_type"`
	Payload  string         `json:"payload,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// Citation is a grounding source returned by the model.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Message is a single entry of the transcript. ID is the store key and stays
// zero until the message is persisted.
type Message struct {
	ID         int64       `json:"id"`
	TurnID     string      `json:"turn_id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Citations  []Citation  `json:"citations,omitempty"`
	State      State       `json:"state"`
	Failure    Failure     `json:"failure,omitempty"`
}

// Pending reports whether m is the in-flight placeholder.
func (m Message) Pending() bool { return m.State == StatePending }

// Clone returns a deep copy so snapshots handed to observers cannot alias the
// live transcript.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	m.Citations = slices.Clone(m.Citations)
	return m
}
