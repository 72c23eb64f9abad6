// Package logutil keeps secrets and oversized payloads out of attempt logs and
// evidence attachments.
package logutil

import (
	"bytes"
	"encoding/json"
	"html"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	redacted      = "[REDACTED]"
	truncatedMark = " [truncated]"
)

// Google prefixes batchexecute JSON with this line to defeat script inclusion.
var xssiPrefix = []byte(")]}'")

var textOnly = bluemonday.StrictPolicy()

// sensitiveMarkers are matched against keys lowercased with '-' and '_'
// removed. "passwd" covers Google's sign-in form field.
var sensitiveMarkers = []string{"token", "secret", "password", "passwd", "apikey", "cookie", "auth", "session"}

// Sensitive reports whether a header, form or JSON key likely carries a
// credential.
func Sensitive(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.NewReplacer("-", "", "_", "").Replace(k)
	return slices.ContainsFunc(sensitiveMarkers, func(m string) bool {
		return strings.Contains(k, m)
	})
}

// Headers renders response headers as reported by the browser, sorted by
// name, with credential values masked.
func Headers(h map[string]string) string {
	if len(h) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	slices.SortFunc(names, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		v := h[k]
		if Sensitive(k) {
			v = redacted
		}
		b.WriteString(strings.ToLower(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(v))
	}
	return b.String()
}

// Body returns at most maxBytes of a response or request body with
// credentials masked. JSON (including XSSI-prefixed JSON) and form bodies
// are redacted by key; anything else passes through.
func Body(contentType string, body []byte, maxBytes int) string {
	if len(body) == 0 {
		return ""
	}
	cut := maxBytes > 0 && len(body) > maxBytes
	if cut {
		body = body[:maxBytes]
	}

	ct := strings.ToLower(contentType)
	var text string
	switch {
	case strings.Contains(ct, "json"), bytes.HasPrefix(body, xssiPrefix):
		text = redactJSON(body)
	case strings.Contains(ct, "x-www-form-urlencoded"):
		text = redactForm(string(body))
	default:
		text = string(body)
	}
	if cut {
		text += truncatedMark
	}
	return text
}

func redactJSON(body []byte) string {
	prefix, payload := []byte(nil), body
	if bytes.HasPrefix(body, xssiPrefix) {
		nl := bytes.IndexByte(body, '\n')
		if nl < 0 {
			return string(body)
		}
		prefix, payload = body[:nl+1], body[nl+1:]
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(body)
	}
	maskJSON(v)
	out, err := json.Marshal(v)
	if err != nil {
		return string(body)
	}
	return string(prefix) + string(out)
}

func maskJSON(v any) {
	switch typed := v.(type) {
	case map[string]any:
		for k, child := range typed {
			if Sensitive(k) {
				typed[k] = redacted
				continue
			}
			maskJSON(child)
		}
	case []any:
		for _, child := range typed {
			maskJSON(child)
		}
	}
}

func redactForm(body string) string {
	values, err := url.ParseQuery(body)
	if err != nil {
		return body
	}
	for k := range values {
		if Sensitive(k) {
			values[k] = []string{redacted}
		}
	}
	return values.Encode()
}

// Line collapses value onto one line and cuts it at maxChars.
func Line(value string, maxChars int) string {
	s := strings.ReplaceAll(strings.TrimSpace(value), "\n", `\n`)
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "..." + truncatedMark
}

// PagePreview reduces page markup to its visible text, collapsed to one line.
func PagePreview(markup string, maxChars int) string {
	text := html.UnescapeString(textOnly.Sanitize(markup))
	text = strings.Join(strings.Fields(text), " ")
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "..."
}
