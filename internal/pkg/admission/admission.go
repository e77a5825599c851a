// Package admission turns a submit request into a charged, queued notification.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/app/repository"
	"github.com/ManuelReschke/BotFox/internal/pkg/credits"
	"github.com/ManuelReschke/BotFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BotFox/internal/pkg/messenger"
)

// CreditsPerMessage is the price of one notification
const CreditsPerMessage int64 = 1

const (
	ReasonInsufficientCredits = "Insufficient credits"
	ReasonEnqueueFailed       = "Dispatch queue unavailable"
)

var (
	ErrBotNotFound = errors.New("bot not found")
	ErrBotMismatch = errors.New("bot does not belong to subscription")
	ErrNotQueued   = errors.New("notification could not be queued")
)

// InvalidRequestError wraps every reason a SubmitRequest is refused before anything is stored
type InvalidRequestError struct {
	Err error
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Err.Error()
}

func (e *InvalidRequestError) Unwrap() error {
	return e.Err
}

// SubmitRequest asks for one message to be sent from a bot
type SubmitRequest struct {
	SubscriptionID      uint   `json:"subscription_id" validate:"required"`
	BotID               uint   `json:"bot_id" validate:"required"`
	ChatID              string `json:"chat_id" validate:"required,max=64"`
	Kind                string `json:"kind" validate:"required,max=20"`
	Content             string `json:"content"`
	MediaURL            string `json:"media_url" validate:"omitempty,url,max=1024"`
	ParseMode           string `json:"parse_mode" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
	DisableNotification bool   `json:"disable_notification"`
	MaxRetries          int    `json:"max_retries" validate:"gte=0,lte=10"`
}

// Admission is the stored notification and the ledger verdict that decided its fate
type Admission struct {
	Notification *models.Notification
	Credit       credits.Result
}

// Accepted reports whether the notification was charged and queued
func (a *Admission) Accepted() bool {
	return a.Notification != nil && a.Notification.Status == models.NotificationStatusQueued
}

// Enqueuer publishes dispatch events
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Service creates notifications
type Service struct {
	notifications repository.NotificationRepository
	bots          repository.BotRepository
	ledger        credits.Ledger
	queue         Enqueuer
	queueName     string
	validate      *validator.Validate
}

// NewService creates an admission service publishing to queueName
func NewService(notifications repository.NotificationRepository, bots repository.BotRepository, ledger credits.Ledger, queue Enqueuer, queueName string) *Service {
	if queueName == "" {
		queueName = jobqueue.QueueNotifications
	}
	return &Service{
		notifications: notifications,
		bots:          bots,
		ledger:        ledger,
		queue:         queue,
		queueName:     queueName,
		validate:      validator.New(),
	}
}

// Submit validates the request, stores the notification, charges one credit
// and queues the dispatch event. A refused charge is not an error: the
// notification is stored CANCELLED and the ledger result is returned.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Admission, error) {
	kind, err := s.check(&req)
	if err != nil {
		return nil, err
	}

	bot, err := s.bots.GetByID(ctx, req.BotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBotNotFound
		}
		return nil, fmt.Errorf("failed to load bot %d: %w", req.BotID, err)
	}
	if bot.SubscriptionID != req.SubscriptionID {
		return nil, &InvalidRequestError{Err: ErrBotMismatch}
	}

	n := &models.Notification{
		SubscriptionID:      req.SubscriptionID,
		BotID:               req.BotID,
		ChatID:              req.ChatID,
		Kind:                string(kind),
		Content:             req.Content,
		MediaURL:            req.MediaURL,
		ParseMode:           req.ParseMode,
		DisableNotification: req.DisableNotification,
		MaxRetries:          req.MaxRetries,
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	res := s.ledger.CheckAndDecrementCredit(ctx, req.SubscriptionID, CreditsPerMessage, n.ID)
	adm := &Admission{Notification: n, Credit: res}
	if !res.IsSuccess() {
		reason := res.Reason
		if res.IsInsufficient() {
			reason = ReasonInsufficientCredits
		}
		s.settle(ctx, n, models.NotificationStatusCancelled, reason)
		log.Infof("[Admission] Notification %d cancelled: %s", n.ID, reason)
		return adm, nil
	}

	if err := s.notifications.SetCreditTracking(ctx, n.ID, res.TrackingID, CreditsPerMessage); err != nil {
		log.Errorf("[Admission] Failed to link notification %d to debit %s: %v", n.ID, res.TrackingID, err)
	}
	n.CreditTrackingID = res.TrackingID
	n.CreditsCharged = CreditsPerMessage

	payload := jobqueue.DispatchJobPayload{NotificationID: n.ID, BotID: n.BotID}
	if _, err := s.queue.Enqueue(ctx, s.queueName, jobqueue.JobTypeDispatchNotification, payload.ToMap()); err != nil {
		log.Errorf("[Admission] Failed to enqueue notification %d: %v", n.ID, err)
		if rerr := s.ledger.RollbackCredit(ctx, req.SubscriptionID, CreditsPerMessage, res.TrackingID); rerr != nil {
			log.Errorf("[Admission] Rollback of %s failed: %v", res.TrackingID, rerr)
		}
		s.settle(ctx, n, models.NotificationStatusFailed, ReasonEnqueueFailed)
		return adm, fmt.Errorf("%w: %v", ErrNotQueued, err)
	}

	return adm, nil
}

func (s *Service) check(req *SubmitRequest) (messenger.MessageKind, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", &InvalidRequestError{Err: err}
	}
	kind, err := messenger.ParseKind(req.Kind)
	if err != nil {
		return "", &InvalidRequestError{Err: err}
	}

	req.ChatID = strings.TrimSpace(req.ChatID)
	limit := messenger.MaxTextLength
	if kind.IsMedia() {
		limit = messenger.MaxCaptionLength
	}
	req.Content = messenger.Truncate(req.Content, limit)

	probe := messenger.SendRequest{ChatID: req.ChatID, Kind: kind, Text: req.Content, MediaURL: req.MediaURL}
	if err := probe.Validate(); err != nil {
		return "", &InvalidRequestError{Err: err}
	}
	return kind, nil
}

func (s *Service) settle(ctx context.Context, n *models.Notification, status, reason string) {
	fields := map[string]interface{}{"failure_reason": reason}
	if status == models.NotificationStatusFailed {
		fields["failed_at"] = time.Now()
	}
	if _, err := s.notifications.Transition(ctx, n.ID, status, fields); err != nil {
		log.Errorf("[Admission] Failed to mark notification %d %s: %v", n.ID, status, err)
		return
	}
	n.Status = status
	n.FailureReason = reason
}
