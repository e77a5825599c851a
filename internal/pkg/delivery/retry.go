package delivery

import (
	"time"

	"github.com/ManuelReschke/BotFox/app/models"
)

// BaseRetryDelay is the unit of the exponential backoff
const BaseRetryDelay = 5 * time.Second

// BackoffDelay returns the wait before retry number n: 2^n × 5s
func BackoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 16 {
		n = 16
	}
	return time.Duration(1<<uint(n)) * BaseRetryDelay
}

// RetryDecision is the retry policy's verdict for a fault
type RetryDecision struct {
	Retry      bool
	RetryCount int
	Delay      time.Duration
}

// DecideRetry applies the retry ceiling to a fault seen at retryCount
func DecideRetry(retryCount, maxRetries int) RetryDecision {
	if maxRetries <= 0 {
		maxRetries = models.DefaultNotificationMaxRetries
	}
	if retryCount >= maxRetries {
		return RetryDecision{RetryCount: retryCount}
	}
	next := retryCount + 1
	return RetryDecision{Retry: true, RetryCount: next, Delay: BackoffDelay(next)}
}
