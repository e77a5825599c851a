package messenger

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxTextLength    = 4096
	MaxCaptionLength = 1024

	ellipsis = "…"
)

// SendRequest is a provider-neutral message. For media kinds Text becomes the caption.
type SendRequest struct {
	ChatID              string
	Kind                MessageKind
	Text                string
	MediaURL            string
	ParseMode           string
	DisableNotification bool
}

// Validate checks the fields the request's kind requires
func (r SendRequest) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(r.ChatID) == "" {
		return &ValidationError{Field: "chat_id", Reason: "is required"}
	}
	if r.Kind.IsMedia() {
		if strings.TrimSpace(r.MediaURL) == "" {
			return &ValidationError{Field: "media_url", Reason: "is required for " + string(r.Kind)}
		}
		return nil
	}
	if strings.TrimSpace(r.Text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	return nil
}

// Truncate shortens s to at most limit runes, ending in an ellipsis when cut
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + ellipsis
}
