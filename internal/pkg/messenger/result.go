package messenger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FailureClass is the domain meaning of a provider error code
type FailureClass string

const (
	FailureChatNotFound   FailureClass = "chat_not_found"
	FailureMessageTooLong FailureClass = "message_too_long"
	FailureBlockedByUser  FailureClass = "blocked_by_user"
	FailureRateLimited    FailureClass = "rate_limited"
	FailureProviderError  FailureClass = "provider_error"
)

// Result is the structured outcome of a provider call. A provider rejection is
// a Result with OK false, never an error.
type Result struct {
	OK          bool          `json:"ok"`
	MessageID   int64         `json:"message_id,omitempty"`
	ErrorCode   int           `json:"error_code,omitempty"`
	Description string        `json:"description,omitempty"`
	Class       FailureClass  `json:"class,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}

// Reason renders a rejection for storage on the notification
func (r *Result) Reason() string {
	if r == nil || r.OK {
		return ""
	}
	if r.Description == "" {
		return fmt.Sprintf("%s (%d)", r.Class, r.ErrorCode)
	}
	return fmt.Sprintf("%s (%d): %s", r.Class, r.ErrorCode, r.Description)
}

type envelope struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      *struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// ParseEnvelope decodes a provider response body. Only a body that is not an
// envelope at all is an error.
func ParseEnvelope(body []byte) (*Result, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed provider response: %w", err)
	}

	if env.OK {
		res := &Result{OK: true}
		if env.Result != nil {
			res.MessageID = env.Result.MessageID
		}
		return res, nil
	}

	res := &Result{
		ErrorCode:   env.ErrorCode,
		Description: env.Description,
		Class:       Classify(env.ErrorCode, env.Description),
	}
	if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
		res.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
	}
	return res, nil
}

// Classify maps a provider error code and description to a FailureClass
func Classify(code int, description string) FailureClass {
	desc := strings.ToLower(description)
	switch code {
	case 400:
		if strings.Contains(desc, "too long") {
			return FailureMessageTooLong
		}
		if strings.Contains(desc, "chat not found") {
			return FailureChatNotFound
		}
	case 403:
		return FailureBlockedByUser
	case 429:
		return FailureRateLimited
	}
	return FailureProviderError
}
