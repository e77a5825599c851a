// Package delivery runs the dispatch state machine for queued notifications.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/app/repository"
	"github.com/ManuelReschke/BotFox/internal/pkg/bots"
	"github.com/ManuelReschke/BotFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BotFox/internal/pkg/messenger"
)

// BotResolver maps a bot id to its transport client and health
type BotResolver interface {
	Resolve(ctx context.Context, botID uint) (*bots.Resolved, error)
}

// SenderSource picks the sender of a kind for a bot client
type SenderSource interface {
	Sender(client *messenger.Client, kind messenger.MessageKind) (messenger.Sender, error)
}

// Publisher schedules delayed redelivery of a dispatch event
type Publisher interface {
	EnqueueDelayed(ctx context.Context, queue string, jobType jobqueue.JobType, payload map[string]interface{}, delay time.Duration) (*jobqueue.Job, error)
}

// Refunder returns the credit charged for a notification
type Refunder interface {
	RollbackCredit(ctx context.Context, subscriptionID uint, amount int64, trackingID string) error
}

// Config wires a Worker. Ledger is only used when RefundOnTerminalFailure is set.
type Config struct {
	Notifications           repository.NotificationRepository
	Bots                    BotResolver
	Senders                 SenderSource
	Publisher               Publisher
	Ledger                  Refunder
	RetryQueue              string
	RefundOnTerminalFailure bool
}

// Worker handles dispatch events from the notification queues
type Worker struct {
	notifications repository.NotificationRepository
	bots          BotResolver
	senders       SenderSource
	publisher     Publisher
	ledger        Refunder
	retryQueue    string
	refund        bool
	now           func() time.Time
}

// NewWorker creates a delivery worker
func NewWorker(cfg Config) *Worker {
	if cfg.RetryQueue == "" {
		cfg.RetryQueue = jobqueue.QueueNotificationsRetry
	}
	return &Worker{
		notifications: cfg.Notifications,
		bots:          cfg.Bots,
		senders:       cfg.Senders,
		publisher:     cfg.Publisher,
		ledger:        cfg.Ledger,
		retryQueue:    cfg.RetryQueue,
		refund:        cfg.RefundOnTerminalFailure && cfg.Ledger != nil,
		now:           time.Now,
	}
}

// Handle is the jobqueue.Handler for dispatch events. It only returns an
// error when a retry could not be scheduled, so the broker keeps the event
// and delivers it again.
func (w *Worker) Handle(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.DispatchJobPayloadFromMap(job.Payload)
	if err != nil || payload.NotificationID == 0 {
		log.Errorf("[Delivery] Dropping malformed dispatch job %s: %v", job.ID, err)
		return nil
	}
	if job.IsRedelivery() {
		log.Infof("[Delivery] Job %s for notification %d is on delivery %d", job.ID, payload.NotificationID, job.Deliveries)
	}

	outcome, err := w.Process(ctx, *payload)
	switch outcome.Kind {
	case OutcomeSent:
		log.Infof("[Delivery] %s", outcome)
	case OutcomeRetried, OutcomeDropped:
		log.Warnf("[Delivery] %s", outcome)
	default:
		log.Errorf("[Delivery] %s", outcome)
	}
	return err
}

// Process runs one attempt and applies the retry policy to any fault
func (w *Worker) Process(ctx context.Context, payload jobqueue.DispatchJobPayload) (Outcome, error) {
	outcome, n, err := w.attempt(ctx, payload)
	if err == nil {
		return outcome, nil
	}
	return w.handleFault(ctx, payload, n, err)
}

// attempt performs steps up to the provider call. Any returned error is a fault.
func (w *Worker) attempt(ctx context.Context, p jobqueue.DispatchJobPayload) (out Outcome, n *models.Notification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = transient("panic during dispatch: %v", r)
		}
	}()

	n, err = w.notifications.GetByID(ctx, p.NotificationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Outcome{Kind: OutcomeDropped, NotificationID: p.NotificationID, Reason: ErrNotificationNotFound.Error()}, nil, nil
		}
		return Outcome{}, nil, transient("load notification: %w", err)
	}
	if n.IsTerminal() {
		return Outcome{Kind: OutcomeDropped, NotificationID: n.ID, Reason: "already " + n.Status}, n, nil
	}

	now := w.now()
	moved, err := w.notifications.Transition(ctx, n.ID, models.NotificationStatusProcessing, map[string]interface{}{
		"processing_at": now,
	})
	if err != nil {
		return Outcome{}, n, transient("mark processing: %w", err)
	}
	if !moved {
		return Outcome{Kind: OutcomeDropped, NotificationID: n.ID, Reason: "status changed concurrently"}, n, nil
	}
	n.Status = models.NotificationStatusProcessing
	n.ProcessingAt = &now

	botID := n.BotID
	if botID == 0 {
		botID = p.BotID
	}
	resolved, err := w.bots.Resolve(ctx, botID)
	if err != nil {
		if errors.Is(err, bots.ErrBotNotFound) {
			return w.reject(ctx, n, "Bot not found")
		}
		return Outcome{}, n, transient("resolve bot %d: %w", botID, err)
	}
	if !resolved.Healthy {
		return w.reject(ctx, n, resolved.Reason)
	}

	kind, err := messenger.ParseKind(n.Kind)
	if err != nil {
		return w.reject(ctx, n, err.Error())
	}
	req := messenger.SendRequest{
		ChatID:              n.ChatID,
		Kind:                kind,
		Text:                n.Content,
		MediaURL:            n.MediaURL,
		ParseMode:           n.ParseMode,
		DisableNotification: n.DisableNotification,
	}
	if err := req.Validate(); err != nil {
		return w.reject(ctx, n, err.Error())
	}

	sender, err := w.senders.Sender(resolved.Client, kind)
	if err != nil {
		if messenger.IsValidation(err) {
			return w.reject(ctx, n, err.Error())
		}
		return Outcome{}, n, transient("resolve sender: %w", err)
	}

	res, err := sender.Send(ctx, req)
	if err != nil {
		if messenger.IsValidation(err) {
			return w.reject(ctx, n, err.Error())
		}
		return Outcome{}, n, transient("send: %w", err)
	}
	if !res.OK {
		return w.reject(ctx, n, res.Reason())
	}

	sentAt := w.now()
	moved, err = w.notifications.Transition(ctx, n.ID, models.NotificationStatusSent, map[string]interface{}{
		"sent_at":             sentAt,
		"provider_message_id": res.MessageID,
		"failure_reason":      "",
	})
	if err != nil {
		return Outcome{}, n, transient("mark sent: %w", err)
	}
	if !moved {
		log.Warnf("[Delivery] Notification %d changed state while sending", n.ID)
	}
	return Outcome{Kind: OutcomeSent, NotificationID: n.ID, MessageID: res.MessageID}, n, nil
}

// reject records a terminal business failure
func (w *Worker) reject(ctx context.Context, n *models.Notification, reason string) (Outcome, *models.Notification, error) {
	if err := w.markFailed(ctx, n, reason); err != nil {
		return Outcome{}, n, transient("mark failed: %w", err)
	}
	return Outcome{Kind: OutcomeRejected, NotificationID: n.ID, Reason: reason}, n, nil
}

// handleFault schedules a delayed retry or gives up at the retry ceiling
func (w *Worker) handleFault(ctx context.Context, p jobqueue.DispatchJobPayload, n *models.Notification, fault error) (Outcome, error) {
	retryCount := p.Attempt
	maxRetries := models.DefaultNotificationMaxRetries
	if n != nil {
		if n.RetryCount > retryCount {
			retryCount = n.RetryCount
		}
		maxRetries = n.EffectiveMaxRetries()
	}

	decision := DecideRetry(retryCount, maxRetries)
	if !decision.Retry {
		log.Errorf("[Delivery] Notification %d dropped after %d retries: %v", p.NotificationID, retryCount, fault)
		if n != nil {
			if err := w.markFailed(ctx, n, "retries exhausted: "+fault.Error()); err != nil {
				log.Errorf("[Delivery] Failed to mark notification %d failed: %v", n.ID, err)
			}
		}
		return Outcome{Kind: OutcomeExhausted, NotificationID: p.NotificationID, RetryCount: retryCount, Reason: fault.Error()}, nil
	}

	if n != nil {
		if err := w.notifications.UpdateRetry(ctx, n.ID, decision.RetryCount, fault.Error()); err != nil {
			log.Warnf("[Delivery] Failed to record retry %d of notification %d: %v", decision.RetryCount, n.ID, err)
		}
	}

	p.Attempt = decision.RetryCount
	outcome := Outcome{
		Kind:           OutcomeRetried,
		NotificationID: p.NotificationID,
		RetryCount:     decision.RetryCount,
		Delay:          decision.Delay,
		Reason:         fault.Error(),
	}
	if _, err := w.publisher.EnqueueDelayed(ctx, w.retryQueue, jobqueue.JobTypeDispatchNotification, p.ToMap(), decision.Delay); err != nil {
		return outcome, fmt.Errorf("failed to schedule retry of notification %d: %w", p.NotificationID, err)
	}
	return outcome, nil
}

// markFailed persists the terminal FAILED state and refunds when configured
func (w *Worker) markFailed(ctx context.Context, n *models.Notification, reason string) error {
	moved, err := w.notifications.Transition(ctx, n.ID, models.NotificationStatusFailed, map[string]interface{}{
		"failed_at":      w.now(),
		"failure_reason": reason,
	})
	if err != nil {
		return err
	}
	if moved {
		n.Status = models.NotificationStatusFailed
		n.FailureReason = reason
		w.refundCredit(ctx, n)
	}
	return nil
}

func (w *Worker) refundCredit(ctx context.Context, n *models.Notification) {
	if !w.refund || n.CreditTrackingID == "" || n.CreditsCharged <= 0 {
		return
	}
	if err := w.ledger.RollbackCredit(ctx, n.SubscriptionID, n.CreditsCharged, n.CreditTrackingID); err != nil {
		log.Errorf("[Delivery] Refund of notification %d failed: %v", n.ID, err)
		return
	}
	log.Infof("[Delivery] Refunded %d credits for failed notification %d", n.CreditsCharged, n.ID)
}
