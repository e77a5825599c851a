package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/app/repository"
	"github.com/ManuelReschke/BotFox/internal/pkg/bots"
	"github.com/ManuelReschke/BotFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BotFox/internal/pkg/messenger"
	"github.com/ManuelReschke/BotFox/internal/pkg/testutil"
)

type publishedJob struct {
	Queue   string
	Payload map[string]interface{}
	Delay   time.Duration
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []publishedJob
	err  error
}

func (p *fakePublisher) EnqueueDelayed(ctx context.Context, queue string, jobType jobqueue.JobType, payload map[string]interface{}, delay time.Duration) (*jobqueue.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.jobs = append(p.jobs, publishedJob{Queue: queue, Payload: payload, Delay: delay})
	return &jobqueue.Job{ID: "job", Type: jobType, Queue: queue, Payload: payload}, nil
}

type refund struct {
	SubscriptionID uint
	Amount         int64
	TrackingID     string
}

type fakeRefunder struct {
	refunds []refund
}

func (r *fakeRefunder) RollbackCredit(ctx context.Context, subscriptionID uint, amount int64, trackingID string) error {
	r.refunds = append(r.refunds, refund{subscriptionID, amount, trackingID})
	return nil
}

type panickingSenders struct{}

func (panickingSenders) Sender(client *messenger.Client, kind messenger.MessageKind) (messenger.Sender, error) {
	panic("sender table corrupted")
}

type fixture struct {
	db        *gorm.DB
	repos     *repository.Repositories
	publisher *fakePublisher
	refunder  *fakeRefunder
	worker    *Worker
	sub       *models.Subscription
	bot       *models.Bot
	hits      *int32
}

func provider(t *testing.T, status int, body string) (string, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL, &hits
}

func newFixture(t *testing.T, status int, body string, refundOnFailure bool) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	sub := testutil.CreateSubscription(t, db, testutil.Credits(10))
	bot := &models.Bot{SubscriptionID: sub.ID, Token: "123:abc", Username: "fox_bot", IsActive: true}
	require.NoError(t, repos.Bot.Create(context.Background(), bot))

	url, hits := provider(t, status, body)
	registry := messenger.NewRegistry(0)
	resolver := bots.NewResolver(repos.Bot, repos.Subscription, registry, messenger.ClientOptions{BaseURL: url})

	f := &fixture{
		db:        db,
		repos:     repos,
		publisher: &fakePublisher{},
		refunder:  &fakeRefunder{},
		sub:       sub,
		bot:       bot,
		hits:      hits,
	}
	f.worker = NewWorker(Config{
		Notifications:           repos.Notification,
		Bots:                    resolver,
		Senders:                 registry,
		Publisher:               f.publisher,
		Ledger:                  f.refunder,
		RefundOnTerminalFailure: refundOnFailure,
	})
	return f
}

func (f *fixture) notification(t *testing.T, mutate func(n *models.Notification)) *models.Notification {
	t.Helper()
	n := &models.Notification{
		SubscriptionID:   f.sub.ID,
		BotID:            f.bot.ID,
		ChatID:           "42",
		Kind:             "TEXT",
		Content:          "hello",
		CreditTrackingID: "track-1",
		CreditsCharged:   1,
	}
	if mutate != nil {
		mutate(n)
	}
	require.NoError(t, f.repos.Notification.Create(context.Background(), n))
	return n
}

func (f *fixture) reload(t *testing.T, id uint) *models.Notification {
	t.Helper()
	n, err := f.repos.Notification.GetByID(context.Background(), id)
	require.NoError(t, err)
	return n
}

func payloadFor(n *models.Notification) jobqueue.DispatchJobPayload {
	return jobqueue.DispatchJobPayload{NotificationID: n.ID, BotID: n.BotID}
}

const okEnvelope = `{"ok":true,"result":{"message_id":777}}`

func TestWorker_SendsNotification(t *testing.T) {
	f := newFixture(t, http.StatusOK, okEnvelope, false)
	n := f.notification(t, nil)

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)
	assert.Equal(t, int64(777), out.MessageID)

	stored := f.reload(t, n.ID)
	assert.Equal(t, models.NotificationStatusSent, stored.Status)
	assert.Equal(t, int64(777), stored.ProviderMessageID)
	assert.NotNil(t, stored.SentAt)
	assert.NotNil(t, stored.ProcessingAt)
	assert.Empty(t, f.publisher.jobs)
}

func TestWorker_ProviderRejectionIsTerminal(t *testing.T) {
	f := newFixture(t, http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, false)
	n := f.notification(t, nil)

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)

	stored := f.reload(t, n.ID)
	assert.Equal(t, models.NotificationStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "blocked")
	assert.NotNil(t, stored.FailedAt)
	assert.Empty(t, f.publisher.jobs, "rejections are never retried")
	assert.Empty(t, f.refunder.refunds, "refunds are off by default")
}

func TestWorker_RefundsTerminalFailureWhenEnabled(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, true)
	n := f.notification(t, nil)

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)

	require.Len(t, f.refunder.refunds, 1)
	assert.Equal(t, refund{f.sub.ID, 1, "track-1"}, f.refunder.refunds[0])
}

func TestWorker_UnsupportedKindNeverReachesProvider(t *testing.T) {
	f := newFixture(t, http.StatusOK, okEnvelope, false)
	n := f.notification(t, func(n *models.Notification) { n.Kind = "STICKER" })

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Contains(t, out.Reason, "STICKER")
	assert.Equal(t, int32(0), atomic.LoadInt32(f.hits))
	assert.Equal(t, models.NotificationStatusFailed, f.reload(t, n.ID).Status)
}

func TestWorker_InvalidRequestIsRejected(t *testing.T) {
	f := newFixture(t, http.StatusOK, okEnvelope, false)
	n := f.notification(t, func(n *models.Notification) {
		n.Kind = "PHOTO"
		n.MediaURL = ""
	})

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, int32(0), atomic.LoadInt32(f.hits))
}

func TestWorker_MissingNotificationIsDropped(t *testing.T) {
	f := newFixture(t, http.StatusOK, okEnvelope, false)

	out, err := f.worker.Process(context.Background(), jobqueue.DispatchJobPayload{NotificationID: 9999})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, out.Kind)
	assert.Equal(t, ErrNotificationNotFound.Error(), out.Reason)
	assert.Empty(t, f.publisher.jobs)
}

func TestWorker_TerminalRedeliveryIsSkipped(t *testing.T) {
	f := newFixture(t, http.StatusOK, okEnvelope, false)
	n := f.notification(t, nil)

	_, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, out.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.hits), "a sent notification is never sent twice")
}

func TestWorker_UnhealthyBotFailsNotification(t *testing.T) {
	tests := []struct {
		name     string
		sabotage func(t *testing.T, f *fixture)
		reason   string
	}{
		{
			name: "disabled bot",
			sabotage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.db.Model(&models.Bot{}).Where("id = ?", f.bot.ID).Update("is_active", false).Error)
			},
			reason: bots.ReasonBotDisabled,
		},
		{
			name: "cancelled subscription",
			sabotage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.db.Model(&models.Subscription{}).Where("id = ?", f.sub.ID).
					Update("status", models.SubscriptionStatusCancelled).Error)
			},
			reason: bots.ReasonSubscriptionInvalid,
		},
		{
			name: "deleted bot",
			sabotage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.db.Delete(&models.Bot{}, f.bot.ID).Error)
			},
			reason: "Bot not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, http.StatusOK, okEnvelope, false)
			n := f.notification(t, nil)
			tt.sabotage(t, f)

			out, err := f.worker.Process(context.Background(), payloadFor(n))
			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, out.Kind)
			assert.Equal(t, tt.reason, out.Reason)

			stored := f.reload(t, n.ID)
			assert.Equal(t, models.NotificationStatusFailed, stored.Status)
			assert.Equal(t, tt.reason, stored.FailureReason)
			assert.Equal(t, int32(0), atomic.LoadInt32(f.hits))
		})
	}
}

func TestWorker_TransientFaultSchedulesRetry(t *testing.T) {
	f := newFixture(t, http.StatusBadGateway, `<html>bad gateway</html>`, false)
	n := f.notification(t, func(n *models.Notification) { n.RetryCount = 2 })

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, out.Kind)
	assert.Equal(t, 3, out.RetryCount)
	assert.Equal(t, 40*time.Second, out.Delay)

	require.Len(t, f.publisher.jobs, 1)
	job := f.publisher.jobs[0]
	assert.Equal(t, jobqueue.QueueNotificationsRetry, job.Queue)
	assert.Equal(t, 40*time.Second, job.Delay)
	p, err := jobqueue.DispatchJobPayloadFromMap(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Attempt)
	assert.Equal(t, n.ID, p.NotificationID)

	stored := f.reload(t, n.ID)
	assert.Equal(t, models.NotificationStatusQueued, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
}

func TestWorker_RetryCeilingMarksFailed(t *testing.T) {
	f := newFixture(t, http.StatusBadGateway, `<html>bad gateway</html>`, true)
	n := f.notification(t, func(n *models.Notification) { n.RetryCount = 3 })

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, out.Kind)
	assert.Empty(t, f.publisher.jobs)

	stored := f.reload(t, n.ID)
	assert.Equal(t, models.NotificationStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "retries exhausted")
	assert.Len(t, f.refunder.refunds, 1)
}

func TestWorker_AttemptInPayloadBoundsRetries(t *testing.T) {
	f := newFixture(t, http.StatusBadGateway, `<html>bad gateway</html>`, false)
	n := f.notification(t, nil)

	p := payloadFor(n)
	p.Attempt = 3
	out, err := f.worker.Process(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, out.Kind)
}

func TestWorker_PanicIsTreatedAsFault(t *testing.T) {
	f := newFixture(t, http.StatusOK, okEnvelope, false)
	f.worker.senders = panickingSenders{}
	n := f.notification(t, nil)

	out, err := f.worker.Process(context.Background(), payloadFor(n))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, out.Kind)
	assert.Equal(t, 1, out.RetryCount)
	assert.Equal(t, 10*time.Second, out.Delay)
	assert.Contains(t, out.Reason, "panic")
}

func TestWorker_HandleReturnsErrorWhenRetryCannotBeScheduled(t *testing.T) {
	f := newFixture(t, http.StatusBadGateway, `<html>bad gateway</html>`, false)
	f.publisher.err = errors.New("broker down")
	n := f.notification(t, nil)

	job := &jobqueue.Job{ID: "j1", Type: jobqueue.JobTypeDispatchNotification, Payload: payloadFor(n).ToMap()}
	job.MarkAsProcessing()
	err := f.worker.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	stored := f.reload(t, n.ID)
	assert.Equal(t, models.NotificationStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	// The broker hands the unacknowledged job back; this time the retry is published.
	f.publisher.err = nil
	job.MarkAsProcessing()
	require.NoError(t, f.worker.Handle(context.Background(), job))

	require.Len(t, f.publisher.jobs, 1)
	p, err := jobqueue.DispatchJobPayloadFromMap(f.publisher.jobs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Attempt)
	assert.Equal(t, 20*time.Second, f.publisher.jobs[0].Delay)

	stored = f.reload(t, n.ID)
	assert.Equal(t, models.NotificationStatusQueued, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(f.hits))
}

func TestWorker_HandleDropsMalformedJob(t *testing.T) {
	f := newFixture(t, http.StatusOK, okEnvelope, false)

	job := &jobqueue.Job{ID: "j1", Type: jobqueue.JobTypeDispatchNotification, Payload: map[string]interface{}{"foo": "bar"}}
	assert.NoError(t, f.worker.Handle(context.Background(), job))
	assert.Equal(t, int32(0), atomic.LoadInt32(f.hits))
}
