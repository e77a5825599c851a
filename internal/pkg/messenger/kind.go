// Package messenger turns a notification into a provider API call. Each
// message kind has its own Sender; a Registry hands out the senders bound to
// one bot's Client.
package messenger

import (
	"errors"
	"fmt"
	"strings"
)

// MessageKind is the closed set of content types a bot can send
type MessageKind string

const (
	KindText     MessageKind = "TEXT"
	KindPhoto    MessageKind = "PHOTO"
	KindVideo    MessageKind = "VIDEO"
	KindAudio    MessageKind = "AUDIO"
	KindDocument MessageKind = "DOCUMENT"
)

// Kinds lists every supported kind in registry order
var Kinds = []MessageKind{KindText, KindPhoto, KindVideo, KindAudio, KindDocument}

// UnsupportedKindError is returned for a kind outside the closed set. It is never retryable.
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported message kind %q", e.Kind)
}

// ValidationError reports a request that can never succeed as built
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a permanent request defect
func IsValidation(err error) bool {
	var kindErr *UnsupportedKindError
	var valErr *ValidationError
	return errors.As(err, &kindErr) || errors.As(err, &valErr)
}

// ParseKind resolves a stored kind name, ignoring case and surrounding space
func ParseKind(s string) (MessageKind, error) {
	k := MessageKind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", &UnsupportedKindError{Kind: s}
}

// IsMedia reports whether the kind carries a media reference and a caption
func (k MessageKind) IsMedia() bool {
	return k != KindText
}
