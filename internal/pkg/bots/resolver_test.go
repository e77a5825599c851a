package bots

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/app/repository"
	"github.com/ManuelReschke/BotFox/internal/pkg/credits"
	"github.com/ManuelReschke/BotFox/internal/pkg/messenger"
	"github.com/ManuelReschke/BotFox/internal/pkg/testutil"
)

func setupResolver(t *testing.T) (*Resolver, *gorm.DB, *messenger.Registry) {
	t.Helper()
	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	registry := messenger.NewRegistry(0)
	return NewResolver(repos.Bot, repos.Subscription, registry, messenger.ClientOptions{BaseURL: "http://provider.invalid"}), db, registry
}

func createBot(t *testing.T, db *gorm.DB, subID uint, active bool) *models.Bot {
	t.Helper()
	bot := &models.Bot{SubscriptionID: subID, Token: "123:abc", Username: "fox_bot", IsActive: true}
	require.NoError(t, db.Create(bot).Error)
	if !active {
		require.NoError(t, db.Model(bot).Update("is_active", false).Error)
	}
	return bot
}

func TestResolve_HealthyBotMemoizesClient(t *testing.T) {
	resolver, db, _ := setupResolver(t)
	sub := testutil.CreateSubscription(t, db, testutil.Credits(10))
	bot := createBot(t, db, sub.ID, true)

	first, err := resolver.Resolve(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.True(t, first.Healthy)
	assert.Empty(t, first.Reason)
	require.NotNil(t, first.Client)

	second, err := resolver.Resolve(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Same(t, first.Client, second.Client)
}

func TestResolve_TokenChangeRebuildsClient(t *testing.T) {
	resolver, db, registry := setupResolver(t)
	sub := testutil.CreateSubscription(t, db, testutil.Credits(10))
	bot := createBot(t, db, sub.ID, true)

	first, err := resolver.Resolve(context.Background(), bot.ID)
	require.NoError(t, err)
	registry.SendersFor(first.Client)
	require.Equal(t, 1, registry.Len())

	require.NoError(t, db.Model(bot).Update("token", "123:rotated").Error)
	second, err := resolver.Resolve(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.NotSame(t, first.Client, second.Client)
	assert.NotEqual(t, first.Client.Key(), second.Client.Key())
	assert.Zero(t, registry.Len())
}

func TestResolve_Unhealthy(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, db *gorm.DB) uint
		reason string
	}{
		{
			name: "disabled bot",
			setup: func(t *testing.T, db *gorm.DB) uint {
				sub := testutil.CreateSubscription(t, db, testutil.Credits(10))
				return createBot(t, db, sub.ID, false).ID
			},
			reason: ReasonBotDisabled,
		},
		{
			name: "cancelled subscription",
			setup: func(t *testing.T, db *gorm.DB) uint {
				sub := testutil.CreateSubscription(t, db, testutil.Credits(10))
				require.NoError(t, db.Model(sub).Update("status", models.SubscriptionStatusCancelled).Error)
				return createBot(t, db, sub.ID, true).ID
			},
			reason: ReasonSubscriptionInvalid,
		},
		{
			name: "deleted subscription",
			setup: func(t *testing.T, db *gorm.DB) uint {
				sub := testutil.CreateSubscription(t, db, testutil.Credits(10))
				require.NoError(t, db.Delete(sub).Error)
				return createBot(t, db, sub.ID, true).ID
			},
			reason: ReasonSubscriptionInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, db, _ := setupResolver(t)
			botID := tt.setup(t, db)

			resolved, err := resolver.Resolve(context.Background(), botID)
			require.NoError(t, err)
			assert.False(t, resolved.Healthy)
			assert.Equal(t, tt.reason, resolved.Reason)
			assert.Nil(t, resolved.Client)
		})
	}
}

func TestResolve_MissingBot(t *testing.T) {
	resolver, _, _ := setupResolver(t)

	_, err := resolver.Resolve(context.Background(), 404)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestResolve_InvalidSubscriptionStopsFastPathDebits(t *testing.T) {
	ctx := context.Background()
	resolver, db, _ := setupResolver(t)
	rdb, _ := testutil.NewRedis(t)
	ledger := credits.NewRedisLedger(rdb, db, credits.RedisLedgerOptions{})
	resolver.WithInvalidator(ledger)

	sub := testutil.CreateSubscription(t, db, testutil.Credits(0))
	bot := createBot(t, db, sub.ID, true)
	require.NoError(t, ledger.InitializeCredits(ctx, sub.ID, 10))
	require.True(t, ledger.CheckAndDecrementCredit(ctx, sub.ID, 1, 0).IsSuccess())

	resolved, err := resolver.Resolve(ctx, bot.ID)
	require.NoError(t, err)
	require.True(t, resolved.Healthy)
	assert.True(t, ledger.CheckAndDecrementCredit(ctx, sub.ID, 1, 0).IsSuccess())

	require.NoError(t, db.Model(sub).Update("status", models.SubscriptionStatusCancelled).Error)
	resolved, err = resolver.Resolve(ctx, bot.ID)
	require.NoError(t, err)
	assert.False(t, resolved.Healthy)

	res := ledger.CheckAndDecrementCredit(ctx, sub.ID, 1, 0)
	require.True(t, res.IsFailure(), "unexpected result %+v", res)
	assert.Equal(t, credits.ReasonNotActive, res.Reason)
}
