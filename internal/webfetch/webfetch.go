// Package webfetch retrieves the readable text of a web page so that links
// can be answered by models without a native browsing tool.
package webfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/markusmobius/go-trafilatura"
	cache "github.com/patrickmn/go-cache"

	"github.com/comigor/anachak-go/internal/config"
	"github.com/comigor/anachak-go/internal/logger"
)

const maxBodySize = 10 << 20

var (
	ErrBlocked    = errors.New("webfetch: blocked by robots.txt")
	ErrNoContent  = errors.New("webfetch: no content extracted")
	ErrBadScheme  = errors.New("webfetch: only http and https URLs are supported")
	ErrBadContent = errors.New("webfetch: unsupported content type")
)

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// FindURL returns the first http(s) URL in text.
func FindURL(text string) (string, bool) {
	u := urlPattern.FindString(text)
	return u, u != ""
}

// Page is the extracted content of a URL.
type Page struct {
	URL       string
	Title     string
	Text      string
	Truncated bool
}

// Fetcher downloads pages, honouring robots.txt, and caches results for an
// hour.
type Fetcher struct {
	client    *http.Client
	robots    *robotsChecker
	pages     *cache.Cache
	userAgent string
	maxChars  int
}

// New returns a Fetcher configured from cfg.
func New(cfg config.WebConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "anachak/1.0"
	}
	client := &http.Client{Timeout: timeout}
	return &Fetcher{
		client:    client,
		robots:    newRobotsChecker(ua, client),
		pages:     cache.New(time.Hour, 10*time.Minute),
		userAgent: ua,
		maxChars:  cfg.MaxChars,
	}
}

// Fetch returns the main text of rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("webfetch: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Page{}, ErrBadScheme
	}
	if cached, ok := f.pages.Get(rawURL); ok {
		return cached.(Page), nil
	}
	if !f.robots.allowed(ctx, u) {
		return Page{}, fmt.Errorf("%w: %s", ErrBlocked, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")
	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("webfetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("webfetch: HTTP %d from %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Page{}, fmt.Errorf("webfetch: read body: %w", err)
	}

	page := Page{URL: rawURL}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml+xml"):
		result, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{OriginalURL: u})
		if err != nil {
			return Page{}, fmt.Errorf("webfetch: extract: %w", err)
		}
		if result == nil {
			return Page{}, ErrNoContent
		}
		page.Title = result.Metadata.Title
		page.Text = result.ContentText
	case strings.Contains(ct, "text/plain"):
		page.Text = string(body)
	default:
		return Page{}, fmt.Errorf("%w: %s", ErrBadContent, ct)
	}

	page.Text = strings.TrimSpace(page.Text)
	if page.Text == "" {
		return Page{}, ErrNoContent
	}
	if f.maxChars > 0 {
		if r := []rune(page.Text); len(r) > f.maxChars {
			page.Text = string(r[:f.maxChars])
			page.Truncated = true
		}
	}

	f.pages.Set(rawURL, page, cache.DefaultExpiration)
	logger.L.Debug("fetched page", "url", rawURL, "chars", len(page.Text), "truncated", page.Truncated)
	return page, nil
}
