package delivery

import (
	"errors"
	"fmt"
	"time"
)

// OutcomeKind tags how a dispatch attempt ended
type OutcomeKind string

const (
	// OutcomeSent means the provider accepted the message.
	OutcomeSent OutcomeKind = "sent"
	// OutcomeRejected is a terminal business failure: provider rejection,
	// unhealthy bot or an invalid request. Never retried.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeDropped means there was nothing to do: the notification is gone
	// or already terminal.
	OutcomeDropped OutcomeKind = "dropped"
	// OutcomeRetried means a fault scheduled a delayed redelivery.
	OutcomeRetried OutcomeKind = "retried"
	// OutcomeExhausted means a fault hit the retry ceiling.
	OutcomeExhausted OutcomeKind = "exhausted"
)

// Outcome is the result of one Worker.Process call
type Outcome struct {
	Kind           OutcomeKind
	NotificationID uint
	Reason         string
	MessageID      int64
	RetryCount     int
	Delay          time.Duration
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSent:
		return fmt.Sprintf("notification %d sent (message %d)", o.NotificationID, o.MessageID)
	case OutcomeRetried:
		return fmt.Sprintf("notification %d retry %d in %s: %s", o.NotificationID, o.RetryCount, o.Delay, o.Reason)
	default:
		return fmt.Sprintf("notification %d %s: %s", o.NotificationID, o.Kind, o.Reason)
	}
}

// ErrNotificationNotFound marks a dispatch event whose notification does not exist
var ErrNotificationNotFound = errors.New("notification not found")

// TransientFault is an unexpected failure during an attempt. It feeds the retry policy.
type TransientFault struct {
	Err error
}

func (f *TransientFault) Error() string {
	return "transient fault: " + f.Err.Error()
}

func (f *TransientFault) Unwrap() error {
	return f.Err
}

func transient(format string, args ...interface{}) error {
	return &TransientFault{Err: fmt.Errorf(format, args...)}
}
