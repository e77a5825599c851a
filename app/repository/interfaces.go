package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/BotFox/app/models"
	"gorm.io/gorm"
)

// SubscriptionRepository defines the interface for subscription-related database operations
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id uint) (*models.Subscription, error)
}

// NotificationRepository defines the interface for notification-related database operations
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	GetByID(ctx context.Context, id uint) (*models.Notification, error)
	// Transition moves a notification to status `to` only if its current status allows it.
	// It returns false when no row was changed.
	Transition(ctx context.Context, id uint, to string, fields map[string]interface{}) (bool, error)
	UpdateRetry(ctx context.Context, id uint, retryCount int, reason string) error
	SetCreditTracking(ctx context.Context, id uint, trackingID string, amount int64) error
	CountByStatus(ctx context.Context, since time.Time) (map[string]int64, error)
}

// BotRepository defines the interface for bot lookups
type BotRepository interface {
	Create(ctx context.Context, bot *models.Bot) error
	GetByID(ctx context.Context, id uint) (*models.Bot, error)
}

// QueueRepository defines the interface for inspecting buffers kept in the cache
type QueueRepository interface {
	FindKeysByPatterns(ctx context.Context, patterns []string) ([]string, error)
	HashLengths(ctx context.Context, patterns []string) (map[string]int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Subscription SubscriptionRepository
	Notification NotificationRepository
	Bot          BotRepository
	Queue        QueueRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Subscription: NewSubscriptionRepository(db),
		Notification: NewNotificationRepository(db),
		Bot:          NewBotRepository(db),
		Queue:        NewQueueRepository(nil),
	}
}
