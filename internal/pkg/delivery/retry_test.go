package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 5 * time.Second},
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{16, 65536 * 5 * time.Second},
		{40, 65536 * 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.n), "n=%d", tt.n)
	}
}

func TestDecideRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       RetryDecision
	}{
		{"first fault", 0, 3, RetryDecision{Retry: true, RetryCount: 1, Delay: 10 * time.Second}},
		{"last retry", 2, 3, RetryDecision{Retry: true, RetryCount: 3, Delay: 40 * time.Second}},
		{"ceiling reached", 3, 3, RetryDecision{RetryCount: 3}},
		{"past ceiling", 7, 3, RetryDecision{RetryCount: 7}},
		{"default ceiling", 3, 0, RetryDecision{RetryCount: 3}},
		{"negative ceiling uses default", 0, -1, RetryDecision{Retry: true, RetryCount: 1, Delay: 10 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecideRetry(tt.retryCount, tt.maxRetries))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "notification 7 sent (message 99)", Outcome{Kind: OutcomeSent, NotificationID: 7, MessageID: 99}.String())
	assert.Equal(t, "notification 7 retry 2 in 20s: boom", Outcome{Kind: OutcomeRetried, NotificationID: 7, RetryCount: 2, Delay: 20 * time.Second, Reason: "boom"}.String())
	assert.Equal(t, "notification 7 rejected: Bot is disabled", Outcome{Kind: OutcomeRejected, NotificationID: 7, Reason: "Bot is disabled"}.String())
}
