package models

import "time"

const (
	CreditSourceDirect   = "direct"    // written synchronously by the database ledger
	CreditSourceFastPath = "fast_path" // reconciled from the Redis pending buffer
	CreditSourceRollback = "rollback"  // refund of an earlier debit
)

// CreditUsage is an append-only ledger entry. Refunds carry a negative amount.
type CreditUsage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID uint      `gorm:"not null;index" json:"subscription_id"`
	NotificationID *uint     `gorm:"index;default:null" json:"notification_id,omitempty"`
	Amount         int64     `gorm:"type:bigint;not null" json:"amount"`
	TrackingID     string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_credit_usages_tracking_source,priority:1" json:"tracking_id"`
	Source         string    `gorm:"type:varchar(20);not null;uniqueIndex:ux_credit_usages_tracking_source,priority:2" json:"source"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PendingCreditUsage is a fast-path debit that has not been persisted yet.
// It lives in Redis until the reconciler writes it as a CreditUsage.
type PendingCreditUsage struct {
	SubscriptionID uint      `json:"subscription_id"`
	NotificationID uint      `json:"notification_id,omitempty"`
	Amount         int64     `json:"amount"`
	TrackingID     string    `json:"tracking_id"`
	Timestamp      time.Time `json:"timestamp"`
}
