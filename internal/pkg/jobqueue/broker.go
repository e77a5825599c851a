package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Queue names served by the delivery worker
const (
	QueueNotifications      = "notifications"
	QueueNotificationsRetry = "notifications.retry"

	JobTTL = 24 * time.Hour // Job bodies expire after 24 hours

	DefaultRedeliveryDelay    = time.Second
	DefaultMaxRedeliveryDelay = time.Minute
)

var (
	ErrBrokerStopped  = errors.New("broker is not running")
	ErrAlreadyStarted = errors.New("subscriptions cannot change while the broker is running")
)

// Handler processes one job. The job is acknowledged once the handler
// returned nil; after an error it is delivered again after RedeliveryDelay.
type Handler func(ctx context.Context, job *Job) error

// QueueStats is a point-in-time view of one queue
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Broker is a durable queue with delayed delivery and bounded consumers
type Broker interface {
	Enqueue(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}) (*Job, error)
	EnqueueDelayed(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}, delay time.Duration) (*Job, error)
	Subscribe(queue string, workers int, handler Handler) error
	Start(ctx context.Context) error
	Stop()
	Stats(ctx context.Context) (map[string]QueueStats, error)
}

// RedeliveryDelay doubles base for every delivery already made, capped at max
func RedeliveryDelay(deliveries int, base, max time.Duration) time.Duration {
	if deliveries < 1 {
		deliveries = 1
	}
	delay := base
	for i := 1; i < deliveries && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

func newJob(queue string, jobType JobType, payload map[string]interface{}) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Queue:     queue,
		Status:    JobStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
