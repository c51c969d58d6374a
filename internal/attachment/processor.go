// Package attachment converts uploaded files into message attachments:
// images and audio are base64-encoded, PDFs are reduced to plain text.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/logger"
)

const (
	DefaultPollAttempts = 40
	DefaultPollInterval = 250 * time.Millisecond
	DefaultMaxBytes     = 20 << 20
)

// File is an upload as received from the input layer.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// EngineSource reports whether the extraction engine has finished loading.
type EngineSource interface {
	Engine() (Engine, bool)
}

// EngineSourceFunc adapts a function to EngineSource.
type EngineSourceFunc func() (Engine, bool)

func (f EngineSourceFunc) Engine() (Engine, bool) { return f() }

// Processor builds attachments. It is safe for concurrent use.
type Processor struct {
	source   EngineSource
	attempts int
	interval time.Duration
	maxBytes int64
	texts    *cache.Cache

	mu     sync.Mutex
	engine Engine
}

// Option configures a Processor.
type Option func(*Processor)

// WithEngineSource replaces the default, always-ready PDF engine.
func WithEngineSource(src EngineSource) Option {
	return func(p *Processor) { p.source = src }
}

// WithPolling sets how often and how long the engine bootstrap waits.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithMaxBytes limits accepted file sizes.
func WithMaxBytes(n int64) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// New returns a Processor. Extracted document text is cached for 30 minutes.
func New(opts ...Option) *Processor {
	p := &Processor{
		source: EngineSourceFunc(func() (Engine, bool) {
			return PDFEngine{}, true
		}),
		attempts: DefaultPollAttempts,
		interval: DefaultPollInterval,
		maxBytes: DefaultMaxBytes,
		texts:    cache.New(30*time.Minute, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Classify maps a MIME type to an attachment kind.
func Classify(mimeType string) (chat.AttachmentKind, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return chat.KindImage, nil
	case mt == "application/pdf":
		return chat.KindDocument, nil
	case strings.HasPrefix(mt, "audio/"):
		return chat.KindAudio, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
}

// Preview validates f and returns the attachment shown with the user's
// message. Documents carry no text yet.
func (p *Processor) Preview(f File) (chat.Attachment, error) {
	kind, err := Classify(f.MIMEType)
	if err != nil {
		return chat.Attachment{}, err
	}
	if int64(len(f.Data)) > p.maxBytes {
		return chat.Attachment{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(f.Data), p.maxBytes)
	}
	a := chat.Attachment{Kind: kind, Name: f.Name, MIMEType: f.MIMEType}
	if kind != chat.KindDocument {
		a.Payload = base64.StdEncoding.EncodeToString(f.Data)
	}
	return a, nil
}

// Process returns the fully prepared attachment. For documents this loads the
// extraction engine and extracts text page by page.
func (p *Processor) Process(ctx context.Context, f File) (chat.Attachment, error) {
	a, err := p.Preview(f)
	if err != nil || a.Kind != chat.KindDocument {
		return a, err
	}

	key := digest(f.Data)
	if text, ok := p.texts.Get(key); ok {
		a.Text = text.(string)
		return a, nil
	}

	engine, err := p.loadEngine(ctx)
	if err != nil {
		return chat.Attachment{}, err
	}
	text, err := extract(engine, f)
	if err != nil {
		return chat.Attachment{}, err
	}
	p.texts.Set(key, text, cache.DefaultExpiration)
	a.Text = text
	return a, nil
}

// loadEngine polls the source until the engine is ready, at most p.attempts
// times. A loaded engine is memoized.
func (p *Processor) loadEngine(ctx context.Context) (Engine, error) {
	p.mu.Lock()
	if p.engine != nil {
		defer p.mu.Unlock()
		return p.engine, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		if engine, ok := p.source.Engine(); ok && engine != nil {
			p.mu.Lock()
			p.engine = engine
			p.mu.Unlock()
			return engine, nil
		}
		if attempt >= p.attempts {
			logger.L.Error("extraction engine failed to load", "attempts", attempt, "interval", p.interval)
			return nil, ErrEngineUnavailable
		}
		timer.Reset(p.interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func extract(engine Engine, f File) (string, error) {
	doc, err := engine.Load(f.Data)
	if err != nil {
		return "", err
	}

	var (
		b       strings.Builder
		pages   = doc.PageCount()
		failed  int
		lastErr error
	)
	for i := 0; i < pages; i++ {
		text, err := doc.PageText(i)
		if err != nil {
			logger.L.Warn("skipping unreadable page", "file", f.Name, "page", i+1, "error", err)
			failed++
			lastErr = err
			continue
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	if pages > 0 && failed == pages {
		return "", fmt.Errorf("%w: no page could be read: %v", ErrMalformedInput, lastErr)
	}
	out := b.String()
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyDocument
	}
	return out, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
