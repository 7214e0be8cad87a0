// Package fetch downloads web pages for the web_fetch tool and reduces
// HTML to readable text.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aql-agent/aql/internal/httpkit"
)

// Defaults for New.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxBytes int64 = 5 * 1024 * 1024
	DefaultMaxChars       = 50000
)

// Result is the readable form of one fetched page.
type Result struct {
	URL         string
	Title       string
	Content     string
	ContentType string
	StatusCode  int
	Truncated   bool
}

// Text renders the result as the tool output shown to the model.
func (r *Result) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nStatus: %d\n", r.URL, r.StatusCode)
	if r.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", r.Title)
	}
	b.WriteString("\n")
	b.WriteString(r.Content)
	if r.Truncated {
		b.WriteString("\n\n[... content truncated ...]")
	}
	return b.String()
}

// Fetcher downloads pages and extracts their text.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher. A nil client gets an httpkit client with
// DefaultTimeout.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout))
	}
	return &Fetcher{client: client, maxBytes: DefaultMaxBytes}
}

// Fetch downloads rawURL and extracts readable text, limited to
// maxChars runes (0 means DefaultMaxChars). A URL without a scheme is
// fetched over https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	res := &Result{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	ct := strings.ToLower(res.ContentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		res.Title, res.Content = extractHTML(body)
	case utf8.Valid(body):
		res.Content = string(body)
	default:
		res.Content = fmt.Sprintf("Binary content (%s), %d bytes", res.ContentType, len(body))
		return res, nil
	}

	res.Content, res.Truncated = truncateRunes(res.Content, maxChars)
	return res, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
