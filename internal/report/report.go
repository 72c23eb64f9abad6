// Package report provides the sinks attempt records and failure evidence are
// attached to: memory, a local directory, an S3 bucket and a test logger.
package report

import (
	"fmt"
	"mime"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/kuitang/connect-e2e/internal/action"
)

// Entry is one recorded attachment.
type Entry struct {
	Name string
	action.Attachment
}

// Memory keeps attachments in order. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Attach(name string, a action.Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Name: name, Attachment: a})
}

// All returns a copy of every entry.
func (m *Memory) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Names returns attachment names in arrival order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.Name
	}
	return names
}

// Find returns entries whose name starts with prefix.
func (m *Memory) Find(prefix string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if strings.HasPrefix(e.Name, prefix) {
			out = append(out, e)
		}
	}
	return out
}

type multi []action.Reporter

func (m multi) Attach(name string, a action.Attachment) {
	for _, r := range m {
		r.Attach(name, a)
	}
}

// Multi fans each attachment out to every non-nil reporter.
func Multi(reporters ...action.Reporter) action.Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Logger is satisfied by *testing.T.
type Logger interface {
	Logf(format string, args ...any)
}

const maxLoggedText = 4000

type logf struct{ l Logger }

func (r logf) Attach(name string, a action.Attachment) {
	if !isText(a.ContentType) || !utf8.Valid(a.Body) {
		r.l.Logf("[attachment] %s (%s, %d bytes)", name, a.ContentType, len(a.Body))
		return
	}
	body := string(a.Body)
	if len(body) > maxLoggedText {
		body = body[:maxLoggedText] + "... [truncated]"
	}
	r.l.Logf("[attachment] %s (%s)\n%s", name, a.ContentType, body)
}

// Logf writes attachments to l. Text bodies are truncated; binary bodies are
// reported by size.
func Logf(l Logger) action.Reporter {
	return logf{l: l}
}

func isText(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "text/") || mediaType == action.ContentTypeJSON
}

// extension maps a content type to a file extension.
func extension(contentType string) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case action.ContentTypeJSON:
		return ".json"
	case action.ContentTypePNG:
		return ".png"
	case action.ContentTypeHTML:
		return ".html"
	case action.ContentTypeText:
		return ".txt"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// sanitize turns an attachment name into a file-name-safe slug.
func sanitize(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range name {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_'
		if ok {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-.")
	if len(s) > 120 {
		s = strings.TrimRight(s[:120], "-.")
	}
	if s == "" {
		return "attachment"
	}
	return s
}

func fileName(seq int, name, contentType string) string {
	return fmt.Sprintf("%03d-%s%s", seq, sanitize(name), extension(contentType))
}
