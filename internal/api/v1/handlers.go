package apiv1

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/repository"
	"github.com/ManuelReschke/BotFox/internal/pkg/admission"
	"github.com/ManuelReschke/BotFox/internal/pkg/credits"
	"github.com/ManuelReschke/BotFox/internal/pkg/jobqueue"
)

// StatsSource reports queue depths
type StatsSource interface {
	Stats(ctx context.Context) (map[string]jobqueue.QueueStats, error)
}

// APIServer implements the ServerInterface
type APIServer struct {
	admission     *admission.Service
	notifications repository.NotificationRepository
	queue         repository.QueueRepository
	ledger        credits.Ledger
	stats         StatsSource
}

// NewAPIServer creates a new API server instance
func NewAPIServer(svc *admission.Service, repos *repository.Repositories, ledger credits.Ledger, stats StatsSource) *APIServer {
	return &APIServer{
		admission:     svc,
		notifications: repos.Notification,
		queue:         repos.Queue,
		ledger:        ledger,
		stats:         stats,
	}
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(ErrorResponse{Error: code, Message: message})
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// PostNotification admits a notification: 202 when queued, 402 when the
// subscription is out of credits, 422 when the ledger refuses it otherwise.
func (s *APIServer) PostNotification(c *fiber.Ctx) error {
	var req admission.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid JSON body")
	}

	adm, err := s.admission.Submit(c.UserContext(), req)
	if err != nil {
		var invalid *admission.InvalidRequestError
		switch {
		case errors.As(err, &invalid):
			return errorJSON(c, fiber.StatusBadRequest, "validation_failed", invalid.Err.Error())
		case errors.Is(err, admission.ErrBotNotFound):
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Bot not found")
		case errors.Is(err, admission.ErrNotQueued):
			return errorJSON(c, fiber.StatusServiceUnavailable, "queue_unavailable", admission.ReasonEnqueueFailed)
		}
		log.Errorf("[API] Submit failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to create notification")
	}

	resp := SubmitResponse{Notification: notificationFromModel(adm.Notification)}
	switch {
	case adm.Credit.IsSuccess():
		if adm.Credit.Remaining != credits.UnmeteredCredits {
			remaining := adm.Credit.Remaining
			resp.Remaining = &remaining
		}
		return c.Status(fiber.StatusAccepted).JSON(resp)
	case adm.Credit.IsInsufficient():
		current := adm.Credit.Current
		resp.Current = &current
		resp.Reason = admission.ReasonInsufficientCredits
		return c.Status(fiber.StatusPaymentRequired).JSON(resp)
	default:
		resp.Reason = adm.Credit.Reason
		return c.Status(fiber.StatusUnprocessableEntity).JSON(resp)
	}
}

// GetNotification returns the delivery state of a notification
func (s *APIServer) GetNotification(c *fiber.Ctx, id uint) error {
	n, err := s.notifications.GetByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Notification not found")
		}
		log.Errorf("[API] Failed to load notification %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load notification")
	}
	return c.JSON(notificationFromModel(n))
}

// GetSubscriptionCredits returns the ledger's view of a subscription balance
func (s *APIServer) GetSubscriptionCredits(c *fiber.Ctx, id uint) error {
	balance, err := s.ledger.GetCurrentCredits(c.UserContext(), id)
	if err != nil {
		log.Errorf("[API] Failed to read credits of subscription %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", credits.ReasonLedgerFailure)
	}
	if balance == credits.UnknownCredits {
		return errorJSON(c, fiber.StatusNotFound, "not_found", credits.ReasonNotFound)
	}
	return c.JSON(CreditsResponse{
		SubscriptionID: id,
		Credits:        balance,
		Unmetered:      balance == credits.UnmeteredCredits,
	})
}

// PutSubscriptionCredits overwrites a subscription balance
func (s *APIServer) PutSubscriptionCredits(c *fiber.Ctx, id uint) error {
	var req SetCreditsRequest
	if err := c.BodyParser(&req); err != nil || req.Credits == nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Body must contain credits")
	}

	err := s.ledger.InitializeCredits(c.UserContext(), id, *req.Credits)
	switch {
	case err == nil:
	case errors.Is(err, credits.ErrInvalidAmount):
		return errorJSON(c, fiber.StatusBadRequest, "validation_failed", "credits must not be negative")
	case errors.Is(err, credits.ErrSubscriptionNotFound):
		return errorJSON(c, fiber.StatusNotFound, "not_found", credits.ReasonNotFound)
	default:
		log.Errorf("[API] Failed to set credits of subscription %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", credits.ReasonLedgerFailure)
	}

	log.Infof("[API] Credits of subscription %d set to %d", id, *req.Credits)
	return c.JSON(CreditsResponse{SubscriptionID: id, Credits: *req.Credits})
}

// GetQueueStats reports queue depths, unreconciled credit usage and recent notification states
func (s *APIServer) GetQueueStats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	queues, err := s.stats.Stats(ctx)
	if err != nil {
		log.Errorf("[API] Failed to read queue stats: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to read queue stats")
	}

	buffers, err := s.creditBuffers(ctx)
	if err != nil {
		log.Errorf("[API] Failed to inspect credit buffers: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to inspect credit buffers")
	}

	counts, err := s.notifications.CountByStatus(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Errorf("[API] Failed to count notifications: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to count notifications")
	}

	return c.JSON(QueueStatsResponse{Queues: queues, CreditBuffers: buffers, Notifications: counts})
}

func (s *APIServer) creditBuffers(ctx context.Context) (CreditBufferStats, error) {
	var stats CreditBufferStats
	lengths, err := s.queue.HashLengths(ctx, []string{credits.PendingKeyPattern, credits.ReconcilingKeyPattern})
	if err != nil {
		return stats, err
	}

	subscriptions := make(map[string]struct{})
	for key, n := range lengths {
		subscriptions[key[:strings.LastIndexByte(key, ':')]] = struct{}{}
		if strings.HasSuffix(key, ":reconciling") {
			stats.ReconcilingRecords += n
		} else {
			stats.PendingRecords += n
		}
	}
	stats.Subscriptions = len(subscriptions)
	return stats, nil
}
