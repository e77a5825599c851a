package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/BotFox/app/models"
	"gorm.io/gorm"
)

// notificationRepository implements the NotificationRepository interface
type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a new notification repository instance
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

// Create stores a new notification in QUEUED state
func (r *notificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n.Status == "" {
		n.Status = models.NotificationStatusQueued
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = models.DefaultNotificationMaxRetries
	}
	if n.QueuedAt == nil {
		now := time.Now()
		n.QueuedAt = &now
	}
	return r.db.WithContext(ctx).Create(n).Error
}

// GetByID retrieves a notification by its ID
func (r *notificationRepository) GetByID(ctx context.Context, id uint) (*models.Notification, error) {
	var n models.Notification
	if err := r.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// Transition performs a compare-and-set status update guarded by the transition table
func (r *notificationRepository) Transition(ctx context.Context, id uint, to string, fields map[string]interface{}) (bool, error) {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return false, nil
	}

	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to

	res := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND status IN ?", id, sources).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateRetry records a scheduled retry and moves the notification back to QUEUED
func (r *notificationRepository) UpdateRetry(ctx context.Context, id uint, retryCount int, reason string) error {
	return r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND status IN ?", id, []string{models.NotificationStatusQueued, models.NotificationStatusProcessing}).
		Updates(map[string]interface{}{
			"status":         models.NotificationStatusQueued,
			"retry_count":    retryCount,
			"failure_reason": reason,
		}).Error
}

// SetCreditTracking links a notification to the ledger debit that admitted it
func (r *notificationRepository) SetCreditTracking(ctx context.Context, id uint, trackingID string, amount int64) error {
	return r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"credit_tracking_id": trackingID,
			"credits_charged":    amount,
		}).Error
}

// CountByStatus returns notification counts grouped by status since the given time
func (r *notificationRepository) CountByStatus(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&models.Notification{}).
		Select("status, COUNT(*) AS total").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make(map[string]int64, len(rows))
	for _, row := range rows {
		result[row.Status] = row.Total
	}
	return result, nil
}
