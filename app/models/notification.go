package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	NotificationStatusQueued     = "QUEUED"
	NotificationStatusProcessing = "PROCESSING"
	NotificationStatusSent       = "SENT"
	NotificationStatusFailed     = "FAILED"
	NotificationStatusCancelled  = "CANCELLED"

	DefaultNotificationMaxRetries = 3
)

// Notification is a single outbound message and its delivery state.
type Notification struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	SubscriptionID      uint           `gorm:"not null;index" json:"subscription_id"`
	BotID               uint           `gorm:"not null;index" json:"bot_id"`
	ChatID              string         `gorm:"type:varchar(64);not null" json:"chat_id"`
	Kind                string         `gorm:"type:varchar(20);not null;default:'TEXT'" json:"kind"`
	Content             string         `gorm:"type:text" json:"content"`
	MediaURL            string         `gorm:"type:varchar(1024)" json:"media_url,omitempty"`
	ParseMode           string         `gorm:"type:varchar(20)" json:"parse_mode,omitempty"`
	DisableNotification bool           `gorm:"default:false" json:"disable_notification"`
	Status              string         `gorm:"type:varchar(20);not null;default:'QUEUED';index" json:"status"`
	RetryCount          int            `gorm:"default:0" json:"retry_count"`
	MaxRetries          int            `gorm:"default:3" json:"max_retries"`
	QueuedAt            *time.Time     `gorm:"type:timestamp;default:null" json:"queued_at,omitempty"`
	ProcessingAt        *time.Time     `gorm:"type:timestamp;default:null" json:"processing_at,omitempty"`
	SentAt              *time.Time     `gorm:"type:timestamp;default:null" json:"sent_at,omitempty"`
	FailedAt            *time.Time     `gorm:"type:timestamp;default:null" json:"failed_at,omitempty"`
	FailureReason       string         `gorm:"type:text" json:"failure_reason,omitempty"`
	ProviderMessageID   int64          `gorm:"default:0" json:"provider_message_id,omitempty"`
	CreditTrackingID    string         `gorm:"type:varchar(64);index" json:"-"`
	CreditsCharged      int64          `gorm:"default:0" json:"credits_charged"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

var notificationTransitions = map[string][]string{
	NotificationStatusQueued: {
		NotificationStatusProcessing,
		NotificationStatusCancelled,
		NotificationStatusFailed,
	},
	NotificationStatusProcessing: {
		NotificationStatusProcessing, // redelivery of an in-flight event
		NotificationStatusSent,
		NotificationStatusFailed,
		NotificationStatusQueued, // scheduled for retry
	},
}

// CanTransition reports whether a notification may move from one status to another.
// SENT, FAILED and CANCELLED are terminal.
func CanTransition(from, to string) bool {
	for _, s := range notificationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status that may move to the given one.
func TransitionSources(to string) []string {
	var sources []string
	for _, from := range []string{NotificationStatusQueued, NotificationStatusProcessing} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// IsTerminal reports whether the notification can no longer change.
func (n *Notification) IsTerminal() bool {
	switch n.Status {
	case NotificationStatusSent, NotificationStatusFailed, NotificationStatusCancelled:
		return true
	}
	return false
}

// EffectiveMaxRetries falls back to the default retry ceiling.
func (n *Notification) EffectiveMaxRetries() int {
	if n.MaxRetries <= 0 {
		return DefaultNotificationMaxRetries
	}
	return n.MaxRetries
}
