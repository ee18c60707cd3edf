package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const MaxMessageLength = 4096

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

// Sanitize removes unsafe HTML from the input string.
// It is used for display names.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// PrepareMessage trims a message body and rejects empty, oversized or
// non-UTF-8 ones. The body is kept as written; Render produces the safe HTML.
func PrepareMessage(input string) (string, error) {
	if !utf8.ValidString(input) {
		return "", fmt.Errorf("%w: content is not valid UTF-8", models.ErrInvalid)
	}
	body := strings.TrimSpace(input)
	if body == "" {
		return "", fmt.Errorf("%w: content is empty", models.ErrInvalid)
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return "", fmt.Errorf("%w: content exceeds %d characters", models.ErrInvalid, MaxMessageLength)
	}
	return body, nil
}

// Render converts a markdown message body to safe HTML.
// On conversion failure the escaped source is returned.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Escape(input)
	}
	return policy.Sanitize(buf.String())
}

// Preview returns at most n runes of input, marking truncation with an ellipsis.
func Preview(input string, n int) string {
	input = strings.Join(strings.Fields(input), " ")
	if utf8.RuneCountInString(input) <= n {
		return input
	}
	runes := []rune(input)
	return string(runes[:n]) + "…"
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
