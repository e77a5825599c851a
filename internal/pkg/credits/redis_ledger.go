package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
)

const (
	DefaultCounterTTL  = 24 * time.Hour
	DefaultValidityTTL = 60 * time.Second

	inFlightRetries = 10
	inFlightBackoff = 50 * time.Millisecond
)

// RedisLedgerOptions tunes the cache lifetimes of the fast path
type RedisLedgerOptions struct {
	CounterTTL  time.Duration
	ValidityTTL time.Duration
}

// RedisLedger is the fast-path backend. The balance is an atomic Redis
// counter hydrated from the database on a miss; every debit leaves a
// PendingCreditUsage in Redis for the Reconciler.
type RedisLedger struct {
	rdb         redis.UniversalClient
	db          *gorm.DB
	reconciler  *Reconciler
	counterTTL  time.Duration
	validityTTL time.Duration
}

// NewRedisLedger creates the fast-path ledger
func NewRedisLedger(rdb redis.UniversalClient, db *gorm.DB, opts RedisLedgerOptions) *RedisLedger {
	if opts.CounterTTL <= 0 {
		opts.CounterTTL = DefaultCounterTTL
	}
	if opts.ValidityTTL <= 0 {
		opts.ValidityTTL = DefaultValidityTTL
	}
	return &RedisLedger{
		rdb:         rdb,
		db:          db,
		reconciler:  NewReconciler(rdb, db),
		counterTTL:  opts.CounterTTL,
		validityTTL: opts.ValidityTTL,
	}
}

// Reconciler returns the drain for this ledger's pending buffer
func (l *RedisLedger) Reconciler() *Reconciler {
	return l.reconciler
}

func (l *RedisLedger) HasCredits(ctx context.Context, subscriptionID uint, amount int64) (bool, error) {
	current, err := l.GetCurrentCredits(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	return current != UnknownCredits && current >= amount, nil
}

func (l *RedisLedger) GetCurrentCredits(ctx context.Context, subscriptionID uint) (int64, error) {
	current, ok, err := l.readCounter(ctx, subscriptionID)
	if err != nil {
		return UnknownCredits, err
	}
	if ok {
		return current, nil
	}

	sub, err := l.hydrate(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return UnknownCredits, nil
		}
		return UnknownCredits, err
	}
	if !sub.IsValid(nowFunc()) {
		return UnknownCredits, nil
	}

	current, ok, err = l.readCounter(ctx, subscriptionID)
	if err != nil {
		return UnknownCredits, err
	}
	if !ok {
		return UnknownCredits, nil
	}
	return current, nil
}

func (l *RedisLedger) CheckAndDecrementCredit(ctx context.Context, subscriptionID uint, amount int64, notificationID uint) Result {
	if amount <= 0 {
		return Failure(ReasonInvalidAmount)
	}

	trackingID := uuid.NewString()
	record, err := json.Marshal(models.PendingCreditUsage{
		SubscriptionID: subscriptionID,
		NotificationID: notificationID,
		Amount:         amount,
		TrackingID:     trackingID,
		Timestamp:      nowFunc(),
	})
	if err != nil {
		return Failure(ReasonLedgerFailure)
	}

	code, value, err := l.runDecrement(ctx, subscriptionID, amount, trackingID, record)
	if err != nil {
		log.Errorf("[Credits] Decrement script failed for subscription %d: %v", subscriptionID, err)
		return Failure(ReasonLedgerFailure)
	}

	if code == codeMiss {
		sub, herr := l.hydrate(ctx, subscriptionID)
		if herr != nil {
			if errors.Is(herr, ErrSubscriptionNotFound) {
				return Failure(ReasonNotFound)
			}
			log.Errorf("[Credits] Hydration failed for subscription %d: %v", subscriptionID, herr)
			return Failure(ReasonLedgerFailure)
		}
		if !sub.IsValid(nowFunc()) {
			return Failure(ReasonNotActive)
		}
		code, value, err = l.runDecrement(ctx, subscriptionID, amount, trackingID, record)
		if err != nil {
			log.Errorf("[Credits] Decrement script failed for subscription %d: %v", subscriptionID, err)
			return Failure(ReasonLedgerFailure)
		}
	}

	switch code {
	case codeDebited:
		return Success(value, trackingID)
	case codeUnmetered:
		return Success(UnmeteredCredits, trackingID)
	case codeInsufficient:
		return InsufficientCredits(value)
	default:
		return Failure(ReasonCounterMissing)
	}
}

func (l *RedisLedger) InitializeCredits(ctx context.Context, subscriptionID uint, credits int64) error {
	if credits < 0 {
		return ErrInvalidAmount
	}
	sub, err := loadSubscription(ctx, l.db, subscriptionID)
	if err != nil {
		return err
	}

	// Buffered debits were taken from the old balance; persist them before it is replaced.
	if _, err := l.reconciler.ReconcileSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("reconcile before initialize: %w", err)
	}
	if err := setDurableBalance(ctx, l.db, subscriptionID, credits); err != nil {
		return err
	}

	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, BalanceKey(subscriptionID), credits, l.counterTTL)
	if sub.IsValid(nowFunc()) {
		pipe.Set(ctx, ValidKey(subscriptionID), validityMarker(sub), l.validityTTL)
	} else {
		pipe.Del(ctx, ValidKey(subscriptionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to seed credit counter: %w", err)
	}

	log.Infof("[Credits] Initialized subscription %d with %d credits", subscriptionID, credits)
	return nil
}

func (l *RedisLedger) RollbackCredit(ctx context.Context, subscriptionID uint, amount int64, trackingID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	keys := []string{BalanceKey(subscriptionID), PendingKey(subscriptionID), ReconcilingKey(subscriptionID)}
	for attempt := 0; ; attempt++ {
		code, err := rollbackScript.Run(ctx, l.rdb, keys, amount, trackingID).Int64()
		if err != nil {
			return fmt.Errorf("rollback script failed: %w", err)
		}
		if code == rollbackFromPending {
			log.Infof("[Credits] Rolled back %d credits for subscription %d from pending buffer (tracking %s)", amount, subscriptionID, trackingID)
			return nil
		}
		if code == rollbackInFlight && attempt < inFlightRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(inFlightBackoff):
			}
			continue
		}
		break
	}

	// The debit already reached the database: refund there and mirror it in the counter.
	debit, err := findDebit(ctx, l.db, subscriptionID, trackingID)
	if err != nil {
		return err
	}
	applied, err := refundDurably(ctx, l.db, debit, amount)
	if err != nil {
		return err
	}
	if !applied {
		log.Debugf("[Credits] Rollback for tracking %s already applied", trackingID)
		return nil
	}
	if err := incrementIfPresentScript.Run(ctx, l.rdb, []string{BalanceKey(subscriptionID)}, amount).Err(); err != nil {
		// The durable refund stands; the counter catches up on its next hydration.
		log.Warnf("[Credits] Failed to mirror refund for subscription %d in cache: %v", subscriptionID, err)
		_ = l.rdb.Del(ctx, BalanceKey(subscriptionID)).Err()
	}
	log.Infof("[Credits] Rolled back %d reconciled credits for subscription %d (tracking %s)", amount, subscriptionID, trackingID)
	return nil
}

// InvalidateSubscription drops the validity marker. The counter stays so
// buffered debits are not counted twice on the next hydration.
func (l *RedisLedger) InvalidateSubscription(ctx context.Context, subscriptionID uint) error {
	if err := l.rdb.Del(ctx, ValidKey(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate subscription %d: %w", subscriptionID, err)
	}
	log.Debugf("[Credits] Invalidated cached validity of subscription %d", subscriptionID)
	return nil
}

func (l *RedisLedger) runDecrement(ctx context.Context, subscriptionID uint, amount int64, trackingID string, record []byte) (int64, int64, error) {
	keys := []string{BalanceKey(subscriptionID), ValidKey(subscriptionID), PendingKey(subscriptionID)}
	values, err := decrementScript.Run(ctx, l.rdb, keys, amount, trackingID, string(record),
		int64(l.counterTTL/time.Second), nowFunc().UnixMilli()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected decrement reply %v", values)
	}
	return values[0], values[1], nil
}

// readCounter returns the cached balance when the counter is present and the
// validity marker still covers now
func (l *RedisLedger) readCounter(ctx context.Context, subscriptionID uint) (int64, bool, error) {
	pipe := l.rdb.Pipeline()
	balanceCmd := pipe.Get(ctx, BalanceKey(subscriptionID))
	validCmd := pipe.Get(ctx, ValidKey(subscriptionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, err
	}

	marker, err := validCmd.Result()
	if errors.Is(err, redis.Nil) || (err == nil && markerExpired(marker, nowFunc())) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	raw, err := balanceCmd.Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if raw == unmeteredBalance {
		return UnmeteredCredits, true, nil
	}
	current, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt credit counter %q: %w", raw, err)
	}
	return current, true, nil
}

// hydrate loads the durable balance into the counter. Pending sums are read
// before the database so a concurrent reconciliation can only make the
// hydrated value too low, never too high. The counter is written with SET NX
// so a value hydrated concurrently by another caller is never clobbered.
func (l *RedisLedger) hydrate(ctx context.Context, subscriptionID uint) (*models.Subscription, error) {
	unreconciled, err := l.unreconciledSum(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	sub, err := loadSubscription(ctx, l.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsValid(nowFunc()) {
		if err := l.rdb.Del(ctx, ValidKey(subscriptionID)).Err(); err != nil {
			log.Warnf("[Credits] Failed to clear validity marker for subscription %d: %v", subscriptionID, err)
		}
		return sub, nil
	}

	var value interface{} = unmeteredBalance
	if !sub.IsUnmetered() {
		balance := *sub.RemainingCredits - unreconciled
		if balance < 0 {
			balance = 0
		}
		value = balance
	}

	pipe := l.rdb.TxPipeline()
	pipe.SetNX(ctx, BalanceKey(subscriptionID), value, l.counterTTL)
	pipe.Set(ctx, ValidKey(subscriptionID), validityMarker(sub), l.validityTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to hydrate credit counter: %w", err)
	}
	log.Debugf("[Credits] Hydrated counter for subscription %d", subscriptionID)
	return sub, nil
}

// unreconciledSum adds up debits that are buffered in Redis but not yet durable
func (l *RedisLedger) unreconciledSum(ctx context.Context, subscriptionID uint) (int64, error) {
	var total int64
	for _, key := range []string{PendingKey(subscriptionID), ReconcilingKey(subscriptionID)} {
		values, err := l.rdb.HVals(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, err
		}
		for _, raw := range values {
			var rec models.PendingCreditUsage
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				log.Warnf("[Credits] Skipping corrupt pending record in %s: %v", key, err)
				continue
			}
			total += rec.Amount
		}
	}
	return total, nil
}
