//go:build integration
// +build integration

package jobqueue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a RabbitMQ reachable through AMQP_URL
func amqpURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set")
	}
	return url
}

func testQueueName() string {
	return "botfox.test." + time.Now().Format("150405.000000")
}

func TestAMQPBroker_DelayedRoundTrip(t *testing.T) {
	queue := testQueueName()
	broker := NewAMQPBroker(amqpURL(t))

	handled := make(chan *Job, 2)
	require.NoError(t, broker.Subscribe(queue, 2, func(ctx context.Context, job *Job) error {
		handled <- job
		return nil
	}))
	require.NoError(t, broker.Start(context.Background()))
	defer broker.Stop()

	ctx := context.Background()
	immediate, err := broker.Enqueue(ctx, queue, JobTypeDispatchNotification, DispatchJobPayload{NotificationID: 1}.ToMap())
	require.NoError(t, err)
	delayed, err := broker.EnqueueDelayed(ctx, queue, JobTypeDispatchNotification, DispatchJobPayload{NotificationID: 2}.ToMap(), 500*time.Millisecond)
	require.NoError(t, err)

	first := <-handled
	assert.Equal(t, immediate.ID, first.ID)

	select {
	case second := <-handled:
		assert.Equal(t, delayed.ID, second.ID)
		assert.False(t, time.Now().Before(*delayed.AvailableAt))
	case <-time.After(10 * time.Second):
		t.Fatal("delayed job never dead-lettered back")
	}
}

func TestAMQPBroker_FailedJobIsRedelivered(t *testing.T) {
	queue := testQueueName()
	broker := NewAMQPBroker(amqpURL(t))
	broker.redelivery = 100 * time.Millisecond

	deliveries := make(chan int, 3)
	require.NoError(t, broker.Subscribe(queue, 1, func(ctx context.Context, job *Job) error {
		deliveries <- job.Deliveries
		if !job.IsRedelivery() {
			return errors.New("failed to schedule retry: broker down")
		}
		return nil
	}))
	require.NoError(t, broker.Start(context.Background()))
	defer broker.Stop()

	_, err := broker.Enqueue(context.Background(), queue, JobTypeDispatchNotification, DispatchJobPayload{NotificationID: 1}.ToMap())
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		select {
		case got := <-deliveries:
			assert.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatalf("delivery %d never happened", want)
		}
	}
}

func TestAMQPBroker_ReopensClosedPublishChannel(t *testing.T) {
	queue := testQueueName()
	broker := NewAMQPBroker(amqpURL(t))
	t.Cleanup(func() {
		if broker.conn != nil {
			_ = broker.conn.Close()
		}
	})
	ctx := context.Background()

	_, err := broker.Enqueue(ctx, queue, JobTypeDispatchNotification, DispatchJobPayload{NotificationID: 1}.ToMap())
	require.NoError(t, err)

	// A channel-level exception closes the channel but keeps the connection.
	_, err = broker.pubCh.QueueDeclarePassive(queue+".missing", true, false, false, false, nil)
	require.Error(t, err)
	assert.Eventually(t, broker.pubCh.IsClosed, 2*time.Second, 10*time.Millisecond)
	require.False(t, broker.conn.IsClosed())

	_, err = broker.EnqueueDelayed(ctx, queue, JobTypeDispatchNotification, DispatchJobPayload{NotificationID: 2}.ToMap(), time.Second)
	require.NoError(t, err)
	assert.False(t, broker.pubCh.IsClosed())
}
