package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

// Subscription is a tenant's prepaid quota. A nil RemainingCredits means the
// subscription is unmetered.
type Subscription struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Name             string         `gorm:"type:varchar(150)" json:"name"`
	RemainingCredits *int64         `gorm:"type:bigint;default:null" json:"remaining_credits"`
	Status           string         `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	StartsAt         *time.Time     `gorm:"type:timestamp;default:null" json:"starts_at,omitempty"`
	EndsAt           *time.Time     `gorm:"type:timestamp;default:null" json:"ends_at,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsUnmetered reports whether sends against this subscription are not counted.
func (s *Subscription) IsUnmetered() bool {
	return s.RemainingCredits == nil
}

// IsValid reports whether the subscription may be used at the given time.
func (s *Subscription) IsValid(now time.Time) bool {
	if s == nil || s.DeletedAt.Valid {
		return false
	}
	if s.Status == SubscriptionStatusCancelled || s.Status == SubscriptionStatusExpired {
		return false
	}
	if s.EndsAt != nil && !now.Before(*s.EndsAt) {
		return false
	}
	return true
}
