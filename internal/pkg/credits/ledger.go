// Package credits implements admission control over a subscription's prepaid
// credit balance.
//
// Two interchangeable backends implement Ledger: RedisLedger keeps the
// balance in an atomic Redis counter and buffers usage records until the
// Reconciler persists them, DBLedger debits the relational store directly and
// writes the usage row in the same transaction.
package credits

import (
	"context"
	"errors"
	"math"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/internal/pkg/config"
)

const (
	// UnknownCredits is reported for missing or unusable subscriptions.
	UnknownCredits int64 = -1
	// UnmeteredCredits is reported for subscriptions without a quota.
	UnmeteredCredits int64 = math.MaxInt64

	ReasonNotActive      = "Subscription is not active"
	ReasonNotFound       = "Subscription not found"
	ReasonInvalidAmount  = "Amount must be positive"
	ReasonLedgerFailure  = "Credit ledger unavailable"
	ReasonCounterMissing = "Credit counter could not be hydrated"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrUnknownTrackingID    = errors.New("no debit recorded for tracking id")
)

// Ledger is the admission-control contract shared by both backends.
type Ledger interface {
	HasCredits(ctx context.Context, subscriptionID uint, amount int64) (bool, error)
	GetCurrentCredits(ctx context.Context, subscriptionID uint) (int64, error)
	CheckAndDecrementCredit(ctx context.Context, subscriptionID uint, amount int64, notificationID uint) Result
	InitializeCredits(ctx context.Context, subscriptionID uint, credits int64) error
	RollbackCredit(ctx context.Context, subscriptionID uint, amount int64, trackingID string) error
	// InvalidateSubscription forgets cached validity so the next call re-reads the subscription.
	InvalidateSubscription(ctx context.Context, subscriptionID uint) error
}

// ResultStatus tags the variant held by a Result
type ResultStatus string

const (
	StatusSuccess             ResultStatus = "success"
	StatusInsufficientCredits ResultStatus = "insufficient_credits"
	StatusFailure             ResultStatus = "failure"
)

// Result is the outcome of CheckAndDecrementCredit. Only the fields of the
// tagged variant are meaningful: Remaining and TrackingID for success, Current
// for insufficient credits, Reason for failure.
type Result struct {
	Status     ResultStatus `json:"status"`
	Remaining  int64        `json:"remaining"`
	TrackingID string       `json:"tracking_id,omitempty"`
	Current    int64        `json:"current"`
	Reason     string       `json:"reason,omitempty"`
}

func Success(remaining int64, trackingID string) Result {
	return Result{Status: StatusSuccess, Remaining: remaining, TrackingID: trackingID}
}

func InsufficientCredits(current int64) Result {
	return Result{Status: StatusInsufficientCredits, Current: current}
}

func Failure(reason string) Result {
	return Result{Status: StatusFailure, Reason: reason}
}

func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

func (r Result) IsInsufficient() bool {
	return r.Status == StatusInsufficientCredits
}

func (r Result) IsFailure() bool {
	return r.Status == StatusFailure
}

// New returns the backend selected by cfg.LedgerBackend
func New(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient) Ledger {
	if cfg.LedgerBackend == config.LedgerBackendDatabase {
		return NewDBLedger(db)
	}
	return NewRedisLedger(rdb, db, RedisLedgerOptions{
		CounterTTL:  cfg.CreditTTL,
		ValidityTTL: cfg.ValidityTTL,
	})
}
