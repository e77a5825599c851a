package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpConsumer struct {
	ch  *amqp.Channel
	tag string
}

type amqpCounters struct {
	inFlight  int64
	completed int64
	failed    int64
}

// AMQPBroker is a Broker on RabbitMQ. Deliveries are acknowledged manually
// after the handler returned; delayed jobs wait in per-delay queues whose
// messages dead-letter back into the work queue when their TTL expires.
type AMQPBroker struct {
	url           string
	conn          *amqp.Connection
	pubCh         *amqp.Channel
	subs          []subscription
	consumer      []amqpConsumer
	declared      map[string]struct{}
	delays        map[string]map[string]struct{}
	counters      map[string]*amqpCounters
	redelivery    time.Duration
	maxRedelivery time.Duration
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewAMQPBroker creates a broker for the given amqp:// URL. The connection is opened lazily.
func NewAMQPBroker(url string) *AMQPBroker {
	return &AMQPBroker{
		url:           url,
		declared:      make(map[string]struct{}),
		delays:        make(map[string]map[string]struct{}),
		counters:      make(map[string]*amqpCounters),
		redelivery:    DefaultRedeliveryDelay,
		maxRedelivery: DefaultMaxRedeliveryDelay,
	}
}

// DelayQueueName is the holding queue for jobs delayed by d on queue
func DelayQueueName(queue string, d time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, d.Milliseconds())
}

func (b *AMQPBroker) connectLocked() error {
	if b.conn != nil && !b.conn.IsClosed() {
		if b.pubCh != nil && !b.pubCh.IsClosed() {
			return nil
		}
		// A channel exception closes only the channel; open a fresh one on the live connection.
		ch, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to reopen publish channel: %w", err)
		}
		log.Warn("[JobQueue] RabbitMQ publish channel was closed, reopened it")
		b.pubCh = ch
		b.declared = make(map[string]struct{})
		return nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err := <-closed; err != nil {
			log.Errorf("[JobQueue] RabbitMQ connection closed: %v", err)
		}
	}()

	b.conn = conn
	b.pubCh = ch
	b.declared = make(map[string]struct{})
	return nil
}

func (b *AMQPBroker) declareLocked(ch *amqp.Channel, queue string) error {
	if _, ok := b.declared[queue]; ok && ch == b.pubCh {
		return nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if ch == b.pubCh {
		b.declared[queue] = struct{}{}
	}
	if _, ok := b.counters[queue]; !ok {
		b.counters[queue] = &amqpCounters{}
	}
	return nil
}

func (b *AMQPBroker) declareDelayLocked(queue string, delay time.Duration) (string, error) {
	name := DelayQueueName(queue, delay)
	if _, ok := b.declared[name]; ok {
		return name, nil
	}
	args := amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
	if _, err := b.pubCh.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}
	b.declared[name] = struct{}{}
	if b.delays[queue] == nil {
		b.delays[queue] = make(map[string]struct{})
	}
	b.delays[queue][name] = struct{}{}
	return name, nil
}

func (b *AMQPBroker) publish(ctx context.Context, routingKey string, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return b.pubCh.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         string(job.Type),
		Timestamp:    job.CreatedAt,
		Body:         body,
	})
}

// Enqueue publishes a job to the work queue
func (b *AMQPBroker) Enqueue(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	if err := b.declareLocked(b.pubCh, queue); err != nil {
		return nil, err
	}

	job := newJob(queue, jobType, payload)
	if err := b.publish(ctx, queue, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Debugf("[JobQueue] Published job %s (Type: %s) to %s", job.ID, job.Type, queue)
	return job, nil
}

// EnqueueDelayed publishes a job to the holding queue of its delay
func (b *AMQPBroker) EnqueueDelayed(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}, delay time.Duration) (*Job, error) {
	if delay <= 0 {
		return b.Enqueue(ctx, queue, jobType, payload)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	if err := b.declareLocked(b.pubCh, queue); err != nil {
		return nil, err
	}

	job := newJob(queue, jobType, payload)
	due := job.CreatedAt.Add(delay)
	job.Status = JobStatusDelayed
	job.AvailableAt = &due
	if err := b.scheduleLocked(ctx, queue, job, delay); err != nil {
		return nil, err
	}
	log.Debugf("[JobQueue] Scheduled job %s on %s in %s", job.ID, queue, delay)
	return job, nil
}

// scheduleLocked publishes job to the holding queue that releases it into queue after delay
func (b *AMQPBroker) scheduleLocked(ctx context.Context, queue string, job *Job, delay time.Duration) error {
	holding, err := b.declareDelayLocked(queue, delay)
	if err != nil {
		return err
	}
	if err := b.publish(ctx, holding, job); err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

// redeliver hands a failed job back to its queue after the redelivery delay
func (b *AMQPBroker) redeliver(queue string, job *Job, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return err
	}
	delay := RedeliveryDelay(job.Deliveries, b.redelivery, b.maxRedelivery)
	job.MarkForRedelivery(cause.Error(), time.Now().Add(delay))
	if err := b.scheduleLocked(context.Background(), queue, job, delay); err != nil {
		return err
	}
	log.Warnf("[JobQueue] Job %s on %s failed on delivery %d, redelivering in %s: %v", job.ID, queue, job.Deliveries, delay, cause)
	return nil
}

// Subscribe registers a handler served by a pool of workers. It must be called before Start.
func (b *AMQPBroker) Subscribe(queue string, workers int, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyStarted
	}
	if workers <= 0 {
		workers = 1
	}
	b.subs = append(b.subs, subscription{queue: queue, workers: workers, handler: handler})
	return nil
}

// Start opens one consumer channel per subscription with a prefetch of its worker count
func (b *AMQPBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if err := b.connectLocked(); err != nil {
		return err
	}

	for _, sub := range b.subs {
		ch, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open consumer channel: %w", err)
		}
		if err := ch.Qos(sub.workers, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch on %s: %w", sub.queue, err)
		}
		if err := b.declareLocked(ch, sub.queue); err != nil {
			return err
		}
		tag := fmt.Sprintf("botfox-%s-%d", sub.queue, len(b.consumer))
		deliveries, err := ch.Consume(sub.queue, tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to register a consumer on %s: %w", sub.queue, err)
		}
		b.consumer = append(b.consumer, amqpConsumer{ch: ch, tag: tag})

		log.Infof("[JobQueue] Starting %d AMQP workers for queue %s", sub.workers, sub.queue)
		for i := 0; i < sub.workers; i++ {
			b.wg.Add(1)
			go b.worker(sub, deliveries)
		}
	}
	b.running = true
	return nil
}

// Stop cancels the consumers, waits for in-flight jobs and closes the connection
func (b *AMQPBroker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	log.Info("[JobQueue] Stopping AMQP consumers...")
	// Cancelling stops new deliveries; in-flight ones are still acked on the open channel.
	consumers := b.consumer
	for _, c := range consumers {
		if err := c.ch.Cancel(c.tag, false); err != nil {
			log.Warnf("[JobQueue] Failed to cancel consumer %s: %v", c.tag, err)
		}
	}
	b.consumer = nil
	b.running = false
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	for _, c := range consumers {
		_ = c.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
		b.pubCh = nil
	}
	b.mu.Unlock()
	log.Info("[JobQueue] AMQP consumers stopped")
}

// Stats reports broker-side message counts and local outcome counters
func (b *AMQPBroker) Stats(ctx context.Context) (map[string]QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make(map[string]QueueStats, len(b.counters))
	if b.pubCh == nil {
		return result, nil
	}
	for queue, c := range b.counters {
		q, err := b.pubCh.QueueDeclarePassive(queue, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
		}
		stats := QueueStats{
			Pending:    int64(q.Messages),
			Processing: atomic.LoadInt64(&c.inFlight),
			Completed:  atomic.LoadInt64(&c.completed),
			Failed:     atomic.LoadInt64(&c.failed),
		}
		for holding := range b.delays[queue] {
			dq, err := b.pubCh.QueueDeclarePassive(holding, true, false, false, false, nil)
			if err != nil {
				continue
			}
			stats.Delayed += int64(dq.Messages)
		}
		result[queue] = stats
	}
	return result, nil
}

func (b *AMQPBroker) countersFor(queue string) *amqpCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[queue]
	if !ok {
		c = &amqpCounters{}
		b.counters[queue] = c
	}
	return c
}

func (b *AMQPBroker) worker(sub subscription, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	counters := b.countersFor(sub.queue)

	for d := range deliveries {
		var job Job
		if err := json.Unmarshal(d.Body, &job); err != nil {
			log.Errorf("[JobQueue] Discarding malformed message on %s: %v", sub.queue, err)
			_ = d.Nack(false, false)
			continue
		}
		if d.Redelivered && job.Deliveries == 0 {
			job.Deliveries = 1
		}

		atomic.AddInt64(&counters.inFlight, 1)
		job.MarkAsProcessing()
		err := safeHandle(context.Background(), sub.handler, &job)
		atomic.AddInt64(&counters.inFlight, -1)

		if err == nil {
			atomic.AddInt64(&counters.completed, 1)
			if err := d.Ack(false); err != nil {
				log.Errorf("[JobQueue] Failed to ack job %s: %v", job.ID, err)
			}
			continue
		}

		atomic.AddInt64(&counters.failed, 1)
		if rerr := b.redeliver(sub.queue, &job, err); rerr != nil {
			// Leave the original message with RabbitMQ.
			log.Errorf("[JobQueue] Job %s on %s failed (%v) and could not be rescheduled, requeueing: %v", job.ID, sub.queue, err, rerr)
			if nerr := d.Nack(false, true); nerr != nil {
				log.Errorf("[JobQueue] Failed to nack job %s: %v", job.ID, nerr)
			}
			continue
		}
		if err := d.Ack(false); err != nil {
			log.Errorf("[JobQueue] Failed to ack job %s: %v", job.ID, err)
		}
	}
}
