package credits

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
)

// DBLedger is the strong-consistency backend. Every debit is a single
// conditional UPDATE committed together with its CreditUsage row.
type DBLedger struct {
	db *gorm.DB
}

// NewDBLedger creates a ledger backed by the relational store
func NewDBLedger(db *gorm.DB) *DBLedger {
	return &DBLedger{db: db}
}

func (l *DBLedger) HasCredits(ctx context.Context, subscriptionID uint, amount int64) (bool, error) {
	current, err := l.GetCurrentCredits(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	return current != UnknownCredits && current >= amount, nil
}

func (l *DBLedger) GetCurrentCredits(ctx context.Context, subscriptionID uint) (int64, error) {
	sub, err := loadSubscription(ctx, l.db, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return UnknownCredits, nil
		}
		return UnknownCredits, err
	}
	return currentCredits(sub), nil
}

func (l *DBLedger) CheckAndDecrementCredit(ctx context.Context, subscriptionID uint, amount int64, notificationID uint) Result {
	if amount <= 0 {
		return Failure(ReasonInvalidAmount)
	}

	sub, failure := usableSubscription(ctx, l.db, subscriptionID)
	if failure != nil {
		return *failure
	}

	trackingID := uuid.NewString()
	usage := models.CreditUsage{
		SubscriptionID: subscriptionID,
		NotificationID: notificationRef(notificationID),
		Amount:         amount,
		TrackingID:     trackingID,
		Source:         models.CreditSourceDirect,
	}

	if sub.IsUnmetered() {
		if err := l.db.WithContext(ctx).Create(&usage).Error; err != nil {
			log.Errorf("[Credits] Failed to record unmetered usage for subscription %d: %v", subscriptionID, err)
			return Failure(ReasonLedgerFailure)
		}
		return Success(UnmeteredCredits, trackingID)
	}

	var affected int64
	var remaining int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Validity is checked again in the debit itself.
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND remaining_credits >= ?", subscriptionID, amount).
			Where("status NOT IN ?", []string{models.SubscriptionStatusCancelled, models.SubscriptionStatusExpired}).
			Where("(ends_at IS NULL OR ends_at > ?)", nowFunc()).
			UpdateColumn("remaining_credits", gorm.Expr("remaining_credits - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		if affected == 0 {
			return nil
		}
		if err := tx.Model(&models.Subscription{}).
			Select("remaining_credits").
			Where("id = ?", subscriptionID).
			Scan(&remaining).Error; err != nil {
			return err
		}
		return tx.Create(&usage).Error
	})
	if err != nil {
		log.Errorf("[Credits] Debit of %d for subscription %d failed: %v", amount, subscriptionID, err)
		return Failure(ReasonLedgerFailure)
	}

	if affected == 0 {
		// Either the balance was too low or the row vanished. Re-read to tell
		// them apart; anything ambiguous counts as insufficient.
		sub, err := loadSubscription(ctx, l.db, subscriptionID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
			return Failure(ReasonNotActive)
		case err != nil:
			log.Warnf("[Credits] Re-read of subscription %d failed: %v", subscriptionID, err)
			return InsufficientCredits(0)
		case !sub.IsValid(nowFunc()):
			return Failure(ReasonNotActive)
		}
		current := int64(0)
		if sub.RemainingCredits != nil {
			current = *sub.RemainingCredits
		}
		return InsufficientCredits(current)
	}

	return Success(remaining, trackingID)
}

func (l *DBLedger) InitializeCredits(ctx context.Context, subscriptionID uint, credits int64) error {
	if err := setDurableBalance(ctx, l.db, subscriptionID, credits); err != nil {
		return err
	}
	log.Infof("[Credits] Initialized subscription %d with %d credits", subscriptionID, credits)
	return nil
}

// InvalidateSubscription is a no-op: every call reads the subscription row.
func (l *DBLedger) InvalidateSubscription(ctx context.Context, subscriptionID uint) error {
	return nil
}

func (l *DBLedger) RollbackCredit(ctx context.Context, subscriptionID uint, amount int64, trackingID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	debit, err := findDebit(ctx, l.db, subscriptionID, trackingID)
	if err != nil {
		return err
	}
	applied, err := refundDurably(ctx, l.db, debit, amount)
	if err != nil {
		return err
	}
	if applied {
		log.Infof("[Credits] Rolled back %d credits for subscription %d (tracking %s)", amount, subscriptionID, trackingID)
	} else {
		log.Debugf("[Credits] Rollback for tracking %s already applied", trackingID)
	}
	return nil
}
