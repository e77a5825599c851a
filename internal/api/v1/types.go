package apiv1

import (
	"time"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/internal/pkg/jobqueue"
)

// Pong defines model for Pong.
type Pong struct {
	Ping string `json:"ping"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Notification defines model for Notification.
type Notification struct {
	ID                uint       `json:"id"`
	SubscriptionID    uint       `json:"subscription_id"`
	BotID             uint       `json:"bot_id"`
	ChatID            string     `json:"chat_id"`
	Kind              string     `json:"kind"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	ProviderMessageID int64      `json:"provider_message_id,omitempty"`
	CreditsCharged    int64      `json:"credits_charged"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	ProcessingAt      *time.Time `json:"processing_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func notificationFromModel(n *models.Notification) Notification {
	return Notification{
		ID:                n.ID,
		SubscriptionID:    n.SubscriptionID,
		BotID:             n.BotID,
		ChatID:            n.ChatID,
		Kind:              n.Kind,
		Status:            n.Status,
		RetryCount:        n.RetryCount,
		MaxRetries:        n.MaxRetries,
		FailureReason:     n.FailureReason,
		ProviderMessageID: n.ProviderMessageID,
		CreditsCharged:    n.CreditsCharged,
		QueuedAt:          n.QueuedAt,
		ProcessingAt:      n.ProcessingAt,
		SentAt:            n.SentAt,
		FailedAt:          n.FailedAt,
		CreatedAt:         n.CreatedAt,
	}
}

// SubmitResponse is returned by POST /notifications
type SubmitResponse struct {
	Notification Notification `json:"notification"`
	Remaining    *int64       `json:"remaining_credits,omitempty"`
	Current      *int64       `json:"current_credits,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// CreditsResponse defines model for a subscription balance.
type CreditsResponse struct {
	SubscriptionID uint  `json:"subscription_id"`
	Credits        int64 `json:"credits"`
	Unmetered      bool  `json:"unmetered"`
}

// SetCreditsRequest defines body for PUT /subscriptions/{id}/credits.
type SetCreditsRequest struct {
	Credits *int64 `json:"credits"`
}

// CreditBufferStats counts fast-path usage not yet persisted
type CreditBufferStats struct {
	Subscriptions      int   `json:"subscriptions"`
	PendingRecords     int64 `json:"pending_records"`
	ReconcilingRecords int64 `json:"reconciling_records"`
}

// QueueStatsResponse defines model for GET /queue/stats.
type QueueStatsResponse struct {
	Queues        map[string]jobqueue.QueueStats `json:"queues"`
	CreditBuffers CreditBufferStats              `json:"credit_buffers"`
	Notifications map[string]int64               `json:"notifications_24h"`
}
