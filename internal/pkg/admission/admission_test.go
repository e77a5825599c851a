package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/app/repository"
	"github.com/ManuelReschke/BotFox/internal/pkg/credits"
	"github.com/ManuelReschke/BotFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BotFox/internal/pkg/messenger"
	"github.com/ManuelReschke/BotFox/internal/pkg/testutil"
)

type fakeQueue struct {
	payloads []map[string]interface{}
	queues   []string
	err      error
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue string, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.queues = append(q.queues, queue)
	q.payloads = append(q.payloads, payload)
	return &jobqueue.Job{ID: "job", Type: jobType, Queue: queue, Payload: payload}, nil
}

type fixture struct {
	db      *gorm.DB
	repos   *repository.Repositories
	ledger  credits.Ledger
	queue   *fakeQueue
	service *Service
	sub     *models.Subscription
	bot     *models.Bot
}

func newFixture(t *testing.T, balance *int64) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	sub := testutil.CreateSubscription(t, db, balance)
	bot := &models.Bot{SubscriptionID: sub.ID, Token: "1:x", IsActive: true}
	require.NoError(t, repos.Bot.Create(context.Background(), bot))

	f := &fixture{
		db:     db,
		repos:  repos,
		ledger: credits.NewDBLedger(db),
		queue:  &fakeQueue{},
		sub:    sub,
		bot:    bot,
	}
	f.service = NewService(repos.Notification, repos.Bot, f.ledger, f.queue, "")
	return f
}

func (f *fixture) request() SubmitRequest {
	return SubmitRequest{
		SubscriptionID: f.sub.ID,
		BotID:          f.bot.ID,
		ChatID:         "42",
		Kind:           "text",
		Content:        "hello",
	}
}

func TestSubmit_QueuesAndCharges(t *testing.T) {
	f := newFixture(t, testutil.Credits(5))

	adm, err := f.service.Submit(context.Background(), f.request())
	require.NoError(t, err)
	require.True(t, adm.Accepted())
	assert.True(t, adm.Credit.IsSuccess())
	assert.Equal(t, int64(4), adm.Credit.Remaining)

	stored, err := f.repos.Notification.GetByID(context.Background(), adm.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationStatusQueued, stored.Status)
	assert.Equal(t, "TEXT", stored.Kind)
	assert.Equal(t, adm.Credit.TrackingID, stored.CreditTrackingID)
	assert.Equal(t, int64(1), stored.CreditsCharged)
	assert.Equal(t, models.DefaultNotificationMaxRetries, stored.MaxRetries)

	require.Len(t, f.queue.payloads, 1)
	assert.Equal(t, jobqueue.QueueNotifications, f.queue.queues[0])
	p, err := jobqueue.DispatchJobPayloadFromMap(f.queue.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, stored.ID, p.NotificationID)
	assert.Equal(t, f.bot.ID, p.BotID)
}

func TestSubmit_InsufficientCreditsCancels(t *testing.T) {
	f := newFixture(t, testutil.Credits(0))

	adm, err := f.service.Submit(context.Background(), f.request())
	require.NoError(t, err)
	assert.False(t, adm.Accepted())
	assert.True(t, adm.Credit.IsInsufficient())
	assert.Equal(t, int64(0), adm.Credit.Current)

	stored, err := f.repos.Notification.GetByID(context.Background(), adm.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationStatusCancelled, stored.Status)
	assert.Equal(t, ReasonInsufficientCredits, stored.FailureReason)
	assert.Empty(t, f.queue.payloads)
}

func TestSubmit_InactiveSubscriptionCancels(t *testing.T) {
	f := newFixture(t, testutil.Credits(5))
	require.NoError(t, f.db.Model(&models.Subscription{}).Where("id = ?", f.sub.ID).
		Update("status", models.SubscriptionStatusExpired).Error)

	adm, err := f.service.Submit(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, adm.Credit.IsFailure())
	assert.Equal(t, models.NotificationStatusCancelled, adm.Notification.Status)
	assert.Equal(t, credits.ReasonNotActive, adm.Notification.FailureReason)
	assert.Empty(t, f.queue.payloads)
}

func TestSubmit_EnqueueFailureRollsBack(t *testing.T) {
	f := newFixture(t, testutil.Credits(5))
	f.queue.err = errors.New("connection refused")

	adm, err := f.service.Submit(context.Background(), f.request())
	require.ErrorIs(t, err, ErrNotQueued)
	require.NotNil(t, adm)
	assert.Equal(t, models.NotificationStatusFailed, adm.Notification.Status)
	assert.Equal(t, ReasonEnqueueFailed, adm.Notification.FailureReason)

	balance, err := f.ledger.GetCurrentCredits(context.Background(), f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance, "debit must be rolled back")
}

func TestSubmit_RejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *SubmitRequest)
	}{
		{"missing chat", func(r *SubmitRequest) { r.ChatID = "" }},
		{"missing kind", func(r *SubmitRequest) { r.Kind = "" }},
		{"unsupported kind", func(r *SubmitRequest) { r.Kind = "STICKER" }},
		{"empty text", func(r *SubmitRequest) { r.Content = "  " }},
		{"photo without url", func(r *SubmitRequest) { r.Kind = "PHOTO" }},
		{"bad media url", func(r *SubmitRequest) { r.Kind = "PHOTO"; r.MediaURL = "not a url" }},
		{"bad parse mode", func(r *SubmitRequest) { r.ParseMode = "BBCode" }},
		{"too many retries", func(r *SubmitRequest) { r.MaxRetries = 99 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testutil.Credits(5))
			req := f.request()
			tt.mutate(&req)

			adm, err := f.service.Submit(context.Background(), req)
			assert.Nil(t, adm)
			var invalid *InvalidRequestError
			require.ErrorAs(t, err, &invalid)

			var count int64
			require.NoError(t, f.db.Model(&models.Notification{}).Count(&count).Error)
			assert.Zero(t, count, "nothing is stored for an invalid request")
		})
	}
}

func TestSubmit_UnsupportedKindNamesTheKind(t *testing.T) {
	f := newFixture(t, testutil.Credits(5))
	req := f.request()
	req.Kind = "sticker"

	_, err := f.service.Submit(context.Background(), req)
	var kindErr *messenger.UnsupportedKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, "sticker", kindErr.Kind)
}

func TestSubmit_BotChecks(t *testing.T) {
	f := newFixture(t, testutil.Credits(5))

	req := f.request()
	req.BotID = 999
	_, err := f.service.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrBotNotFound)

	other := testutil.CreateSubscription(t, f.db, testutil.Credits(5))
	req = f.request()
	req.SubscriptionID = other.ID
	_, err = f.service.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrBotMismatch)
}

func TestSubmit_TruncatesLongContent(t *testing.T) {
	f := newFixture(t, testutil.Credits(5))
	req := f.request()
	req.Kind = "PHOTO"
	req.MediaURL = "https://example.com/fox.png"
	long := make([]rune, messenger.MaxCaptionLength+50)
	for i := range long {
		long[i] = 'a'
	}
	req.Content = string(long)

	adm, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, []rune(adm.Notification.Content), messenger.MaxCaptionLength)
}
