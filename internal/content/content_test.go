package content

import (
	"errors"
	"strings"
	"testing"

	"parley/internal/models"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML chars", "<div>Hello</div>", "&lt;div&gt;Hello&lt;/div&gt;"},
		{"Quotes", `"Hello" 'World'`, "&#34;Hello&#34; &#39;World&#39;"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Escape(tt.input); got != tt.expected {
				t.Errorf("Escape() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid with dot", "user.name", false},
		{"Valid with dash", "user-name", false},
		{"Valid with underscore", "user_name", false},
		{"Invalid space", "user name", true},
		{"Invalid special char", "user@name", true},
		{"Invalid script", "<script>", true},
		{"Empty", "", true},
		{"Mixed case", "User.Name-123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateUsername(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPrepareMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Trimmed", "  hi there  ", "hi there"},
		{"Ampersand and angle brackets", "Tom & Jerry: 1 < 2", "Tom & Jerry: 1 < 2"},
		{"Markup kept as written", "<b>bold</b> & <script>x</script>", "<b>bold</b> & <script>x</script>"},
		{"Exactly at limit", strings.Repeat("ж", MaxMessageLength), strings.Repeat("ж", MaxMessageLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PrepareMessage(tt.input)
			if err != nil {
				t.Fatalf("PrepareMessage() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("PrepareMessage() = %q, want %q", got, tt.expected)
			}
		})
	}

	for _, input := range []string{"", "   ", "bad \xff byte", strings.Repeat("a", MaxMessageLength+1)} {
		if _, err := PrepareMessage(input); !errors.Is(err, models.ErrInvalid) {
			t.Errorf("PrepareMessage(%.20q) error = %v, want ErrInvalid", input, err)
		}
	}
}

func TestRender_PlainTextSpecialChars(t *testing.T) {
	got := Render("Tom & Jerry: 1 < 2")
	if !strings.Contains(got, "Tom &amp; Jerry: 1 &lt; 2") {
		t.Errorf("Render() = %q", got)
	}
}

func TestRender(t *testing.T) {
	got := Render("**bold** and ~~gone~~")
	if !strings.Contains(got, "<strong>bold</strong>") || !strings.Contains(got, "<del>gone</del>") {
		t.Errorf("Render() = %q", got)
	}

	got = Render("<script>alert(1)</script>\n[x](javascript:alert(1))")
	if strings.Contains(got, "<script") || strings.Contains(got, "javascript:") {
		t.Errorf("Render() left unsafe markup: %q", got)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("short", 10); got != "short" {
		t.Errorf("Preview() = %q", got)
	}
	if got := Preview("привет   мир", 6); got != "привет…" {
		t.Errorf("Preview() = %q", got)
	}
}
