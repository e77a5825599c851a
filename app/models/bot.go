package models

import (
	"time"

	"gorm.io/gorm"
)

// Bot is the chat-platform identity notifications are sent from.
type Bot struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	SubscriptionID uint           `gorm:"not null;index" json:"subscription_id"`
	Token          string         `gorm:"type:varchar(191);not null" json:"-"`
	Username       string         `gorm:"type:varchar(100);index" json:"username"`
	IsActive       bool           `gorm:"default:true" json:"is_active"`
	RateLimit      int            `gorm:"default:0" json:"rate_limit"` // messages per second, 0 = unlimited
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}
