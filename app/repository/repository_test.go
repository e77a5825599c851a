package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/internal/pkg/testutil"
)

func TestNotificationTransition(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	n := &models.Notification{SubscriptionID: 1, BotID: 1, ChatID: "1", Kind: "TEXT", Content: "hi"}
	require.NoError(t, repo.Create(ctx, n))
	assert.Equal(t, models.NotificationStatusQueued, n.Status)
	assert.NotNil(t, n.QueuedAt)

	moved, err := repo.Transition(ctx, n.ID, models.NotificationStatusProcessing, map[string]interface{}{"processing_at": time.Now()})
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = repo.Transition(ctx, n.ID, models.NotificationStatusSent, map[string]interface{}{"provider_message_id": int64(9)})
	require.NoError(t, err)
	assert.True(t, moved)

	// terminal states never move again
	for _, to := range []string{models.NotificationStatusFailed, models.NotificationStatusProcessing, models.NotificationStatusQueued} {
		moved, err = repo.Transition(ctx, n.ID, to, nil)
		require.NoError(t, err)
		assert.False(t, moved, "SENT -> %s", to)
	}

	require.NoError(t, repo.UpdateRetry(ctx, n.ID, 2, "late"))
	stored, err := repo.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationStatusSent, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, int64(9), stored.ProviderMessageID)
}

func TestNotificationCountByStatus(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, &models.Notification{SubscriptionID: 1, BotID: 1, ChatID: "1", Kind: "TEXT"}))
	}
	_, err := repo.Transition(ctx, 1, models.NotificationStatusCancelled, map[string]interface{}{"failure_reason": "no credits"})
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		models.NotificationStatusQueued:    2,
		models.NotificationStatusCancelled: 1,
	}, counts)
}

func TestQueueRepositoryHashLengths(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	repo := NewQueueRepository(rdb)
	ctx := context.Background()

	require.NoError(t, rdb.HSet(ctx, "credits:{1}:pending", "a", "1", "b", "2").Err())
	require.NoError(t, rdb.HSet(ctx, "credits:{2}:reconciling", "c", "3").Err())
	require.NoError(t, rdb.Set(ctx, "credits:{1}:balance", 5, 0).Err())

	keys, err := repo.FindKeysByPatterns(ctx, []string{"credits:{*}:pending", "credits:{*}:reconciling", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"credits:{1}:pending", "credits:{2}:reconciling"}, keys)

	lengths, err := repo.HashLengths(ctx, []string{"credits:{*}:pending", "credits:{*}:reconciling"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"credits:{1}:pending": 2, "credits:{2}:reconciling": 1}, lengths)

	lengths, err = repo.HashLengths(ctx, []string{"nothing:*"})
	require.NoError(t, err)
	assert.Empty(t, lengths)
}

func TestSubscriptionAndBotLookups(t *testing.T) {
	db := testutil.NewDB(t)
	repos := NewFactory(db).GetRepositories()
	ctx := context.Background()

	sub := &models.Subscription{Name: "acme", RemainingCredits: testutil.Credits(3), Status: models.SubscriptionStatusActive}
	require.NoError(t, repos.Subscription.Create(ctx, sub))
	bot := &models.Bot{SubscriptionID: sub.ID, Token: "1:x", IsActive: true}
	require.NoError(t, repos.Bot.Create(ctx, bot))

	gotSub, err := repos.Subscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), *gotSub.RemainingCredits)

	gotBot, err := repos.Bot.GetByID(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, gotBot.SubscriptionID)

	require.NoError(t, db.Delete(&models.Subscription{}, sub.ID).Error)
	_, err = repos.Subscription.GetByID(ctx, sub.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "soft-deleted subscriptions are hidden")
}
