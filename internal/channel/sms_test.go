package channel

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestComposeSMSBody_TitleMessageAndURL(t *testing.T) {
	body := ComposeSMSBody("Hello", "World", "http://x.co")

	if len(body) > 160 {
		t.Errorf("body exceeds 160 chars: %d", len(body))
	}
	if !strings.Contains(body, "Hello") {
		t.Errorf("body should contain the title, got: %s", body)
	}
	if body != "Hello: World http://x.co" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestComposeSMSBody_MessageTooLongForAppend(t *testing.T) {
	longMessage := strings.Repeat("x", 160)
	body := ComposeSMSBody("Reminder", longMessage, "")

	if body != "Reminder" {
		t.Errorf("expected title only when message does not fit, got: %q", body)
	}
}

func TestComposeSMSBody_URLDroppedWhenNoSpace(t *testing.T) {
	message := strings.Repeat("y", 140)
	body := ComposeSMSBody("Alert", message, "http://example.com/some/long/path")

	if strings.Contains(body, "http://") {
		t.Errorf("URL should be dropped when it would exceed the limit: %q", body)
	}
	if len(body) > 160 {
		t.Errorf("body exceeds 160 chars: %d", len(body))
	}
}

func TestComposeSMSBody_TruncatesOversizeTitle(t *testing.T) {
	title := strings.Repeat("t", 200)
	body := ComposeSMSBody(title, "", "")

	if len(body) != 160 {
		t.Errorf("expected exactly 160 chars after truncation, got %d", len(body))
	}
	if !strings.HasSuffix(body, "...") {
		t.Errorf("expected ellipsis suffix, got: %q", body[150:])
	}
}

func TestComposeSMSBody_TruncatesMultibyteTitleOnRuneBoundary(t *testing.T) {
	// Two-byte runes put byte 157 in the middle of a rune; a byte-index
	// truncation would leave invalid UTF-8 before the ellipsis.
	title := strings.Repeat("é", 100)
	body := ComposeSMSBody(title, "", "")

	if !utf8.ValidString(body) {
		t.Errorf("truncated body is not valid UTF-8: %q", body)
	}
	if len(body) > 160 {
		t.Errorf("body exceeds 160 bytes: %d", len(body))
	}
	if !strings.HasSuffix(body, "...") {
		t.Errorf("expected ellipsis suffix, got: %q", body[len(body)-6:])
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 123-4567", "+15551234567"},
		{"0044 20 7946 0958", "+442079460958"},
		{"5551234567", "+5551234567"},
		{"+49 171 2345678", "+491712345678"},
	}

	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
