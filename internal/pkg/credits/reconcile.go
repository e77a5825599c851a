package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/BotFox/app/models"
)

const scanBatchSize = 500

// Reconciler drains the fast-path pending buffers into durable CreditUsage rows
type Reconciler struct {
	rdb redis.UniversalClient
	db  *gorm.DB
}

// NewReconciler creates a reconciler over the given stores
func NewReconciler(rdb redis.UniversalClient, db *gorm.DB) *Reconciler {
	return &Reconciler{rdb: rdb, db: db}
}

// ReconcileAll persists every buffered debit of every subscription and
// returns the number of records written.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	ids, err := r.bufferedSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, id := range ids {
		n, err := r.ReconcileSubscription(ctx, id)
		total += n
		if err != nil {
			log.Errorf("[Reconciler] Subscription %d: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if total > 0 {
		log.Infof("[Reconciler] Persisted %d credit usage records for %d subscriptions", total, len(ids))
	}
	return total, firstErr
}

// ReconcileSubscription claims the pending buffer of one subscription and
// persists each record. Records are removed from Redis only after their row
// is committed, so a crash leaves them claimed for the next run.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, subscriptionID uint) (int, error) {
	pending := PendingKey(subscriptionID)
	reconciling := ReconcilingKey(subscriptionID)

	entries, err := claimScript.Run(ctx, r.rdb, []string{pending, reconciling}).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to claim pending usage: %w", err)
	}

	written := 0
	for i := 0; i+1 < len(entries); i += 2 {
		trackingID, raw := entries[i], entries[i+1]

		var rec models.PendingCreditUsage
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Errorf("[Reconciler] Dropping corrupt record %s for subscription %d: %v", trackingID, subscriptionID, err)
			_ = r.rdb.HDel(ctx, reconciling, trackingID).Err()
			continue
		}
		if rec.TrackingID == "" {
			rec.TrackingID = trackingID
		}
		if rec.SubscriptionID == 0 {
			rec.SubscriptionID = subscriptionID
		}

		inserted, err := r.persist(ctx, &rec)
		if err != nil {
			return written, fmt.Errorf("failed to persist usage %s: %w", trackingID, err)
		}
		if err := r.rdb.HDel(ctx, reconciling, trackingID).Err(); err != nil {
			return written, fmt.Errorf("failed to release usage %s: %w", trackingID, err)
		}
		if inserted {
			written++
		}
	}
	return written, nil
}

// persist writes one record and applies it to the durable balance. A record
// already written by an earlier interrupted run is skipped.
func (r *Reconciler) persist(ctx context.Context, rec *models.PendingCreditUsage) (bool, error) {
	inserted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage := models.CreditUsage{
			SubscriptionID: rec.SubscriptionID,
			NotificationID: notificationRef(rec.NotificationID),
			Amount:         rec.Amount,
			TrackingID:     rec.TrackingID,
			Source:         models.CreditSourceFastPath,
		}
		if !rec.Timestamp.IsZero() {
			usage.CreatedAt = rec.Timestamp
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&usage)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		return tx.Model(&models.Subscription{}).
			Where("id = ? AND remaining_credits IS NOT NULL", rec.SubscriptionID).
			UpdateColumn("remaining_credits", gorm.Expr("remaining_credits - ?", rec.Amount)).Error
	})
	return inserted, err
}

// bufferedSubscriptions lists subscriptions that have pending or claimed records
func (r *Reconciler) bufferedSubscriptions(ctx context.Context) ([]uint, error) {
	seen := make(map[uint]struct{})
	for _, pattern := range []string{PendingKeyPattern, ReconcilingKeyPattern} {
		var cursor uint64
		for {
			keys, next, err := r.rdb.Scan(ctx, cursor, pattern, scanBatchSize).Result()
			if err != nil {
				return nil, err
			}
			for _, key := range keys {
				if id, ok := subscriptionFromKey(key); ok {
					seen[id] = struct{}{}
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	ids := make([]uint, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
