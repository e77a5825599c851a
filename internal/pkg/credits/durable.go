package credits

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/BotFox/app/models"
)

var nowFunc = time.Now

// loadSubscription reads a subscription including soft-deleted rows so callers
// can tell "never existed" apart from "no longer usable".
func loadSubscription(ctx context.Context, db *gorm.DB, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := db.WithContext(ctx).Unscoped().First(&sub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// usableSubscription returns the subscription or the failure result explaining why it cannot be debited
func usableSubscription(ctx context.Context, db *gorm.DB, id uint) (*models.Subscription, *Result) {
	sub, err := loadSubscription(ctx, db, id)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			res := Failure(ReasonNotFound)
			return nil, &res
		}
		res := Failure(ReasonLedgerFailure)
		return nil, &res
	}
	if !sub.IsValid(nowFunc()) {
		res := Failure(ReasonNotActive)
		return nil, &res
	}
	return sub, nil
}

// currentCredits maps a durable subscription row to the ledger's balance reporting
func currentCredits(sub *models.Subscription) int64 {
	if sub == nil || !sub.IsValid(nowFunc()) {
		return UnknownCredits
	}
	if sub.IsUnmetered() {
		return UnmeteredCredits
	}
	return *sub.RemainingCredits
}

// setDurableBalance overwrites the stored balance of an existing subscription
func setDurableBalance(ctx context.Context, db *gorm.DB, id uint, credits int64) error {
	if credits < 0 {
		return ErrInvalidAmount
	}
	if _, err := loadSubscription(ctx, db, id); err != nil {
		return err
	}
	return db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		UpdateColumn("remaining_credits", credits).Error
}

// findDebit returns the durable usage row written for a debit, if any
func findDebit(ctx context.Context, db *gorm.DB, subscriptionID uint, trackingID string) (*models.CreditUsage, error) {
	var usage models.CreditUsage
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND tracking_id = ? AND source IN ?", subscriptionID, trackingID,
			[]string{models.CreditSourceDirect, models.CreditSourceFastPath}).
		First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownTrackingID
		}
		return nil, err
	}
	return &usage, nil
}

// refundDurably appends a refund row and credits the balance back. It is
// idempotent per tracking id: a second refund finds the existing row and
// changes nothing. The returned flag reports whether the balance changed.
func refundDurably(ctx context.Context, db *gorm.DB, debit *models.CreditUsage, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if amount > debit.Amount {
		amount = debit.Amount
	}

	applied := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		refund := models.CreditUsage{
			SubscriptionID: debit.SubscriptionID,
			NotificationID: debit.NotificationID,
			Amount:         -amount,
			TrackingID:     debit.TrackingID,
			Source:         models.CreditSourceRollback,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&refund)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Model(&models.Subscription{}).
			Where("id = ? AND remaining_credits IS NOT NULL", debit.SubscriptionID).
			UpdateColumn("remaining_credits", gorm.Expr("remaining_credits + ?", amount)).Error
	})
	return applied, err
}

func notificationRef(id uint) *uint {
	if id == 0 {
		return nil
	}
	return &id
}
