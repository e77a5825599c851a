package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key layout
	JobKeyPrefix   = "job:"
	queueKeyPrefix = "queue:"
	JobStatsKey    = "job_stats"

	DefaultPollInterval  = 500 * time.Millisecond
	DefaultStuckAfter    = 10 * time.Minute
	DefaultSweepInterval = time.Minute

	promoteBatchSize = 100
	popTimeout       = time.Second
)

// PendingKey is the list workers pop from
func PendingKey(queue string) string { return queueKeyPrefix + "{" + queue + "}:pending" }

// ProcessingKey holds ids of jobs a worker has taken but not finished
func ProcessingKey(queue string) string { return queueKeyPrefix + "{" + queue + "}:processing" }

// DelayedKey is a sorted set of job ids scored by due time in unix milliseconds
func DelayedKey(queue string) string { return queueKeyPrefix + "{" + queue + "}:delayed" }

func statsField(queue string, status JobStatus) string { return queue + ":" + string(status) }

// promoteScript moves due jobs from the delayed set to the pending list.
// KEYS: delayed, pending. ARGV: now in ms, batch size.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// RedisBrokerOptions tunes polling, redelivery and crash recovery
type RedisBrokerOptions struct {
	PollInterval       time.Duration
	StuckAfter         time.Duration
	SweepInterval      time.Duration
	RedeliveryDelay    time.Duration
	MaxRedeliveryDelay time.Duration
}

type subscription struct {
	queue   string
	workers int
	handler Handler
}

// RedisBroker is a Broker on Redis lists. A job id moves from the pending list
// to the processing list atomically and leaves it only after its handler
// returned, so jobs of a crashed worker are found and re-queued by the sweeper.
type RedisBroker struct {
	client  redis.UniversalClient
	opts    RedisBrokerOptions
	subs    []subscription
	queues  map[string]struct{}
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRedisBroker creates a broker on the given client
func NewRedisBroker(client redis.UniversalClient, opts RedisBrokerOptions) *RedisBroker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if opts.MaxRedeliveryDelay < opts.RedeliveryDelay {
		opts.MaxRedeliveryDelay = DefaultMaxRedeliveryDelay
		if opts.MaxRedeliveryDelay < opts.RedeliveryDelay {
			opts.MaxRedeliveryDelay = opts.RedeliveryDelay
		}
	}
	return &RedisBroker{
		client: client,
		opts:   opts,
		queues: make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers a handler served by a pool of workers. It must be called before Start.
func (b *RedisBroker) Subscribe(queue string, workers int, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyStarted
	}
	if workers <= 0 {
		workers = 1
	}
	b.subs = append(b.subs, subscription{queue: queue, workers: workers, handler: handler})
	b.queues[queue] = struct{}{}
	return nil
}

// Start launches the workers, the delayed-job promoters and the stuck sweepers
func (b *RedisBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.stopCh = make(chan struct{})
	b.running = true

	for _, sub := range b.subs {
		log.Infof("[JobQueue] Starting %d workers for queue %s", sub.workers, sub.queue)
		for i := 0; i < sub.workers; i++ {
			b.wg.Add(1)
			go b.worker(loopCtx, sub, i)
		}
		b.wg.Add(2)
		go b.promoter(loopCtx, sub.queue)
		go b.stuckSweeper(loopCtx, sub.queue)
	}
	return nil
}

// Stop waits for in-flight jobs to finish and stops all workers
func (b *RedisBroker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	close(b.stopCh)
	b.cancel()
	b.running = false
	b.mu.Unlock()

	b.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// Enqueue adds a job that is available immediately
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}) (*Job, error) {
	job := newJob(queue, jobType, payload)

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, PendingKey(queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	b.trackQueue(queue)
	log.Debugf("[JobQueue] Enqueued job %s (Type: %s) on %s", job.ID, job.Type, queue)
	return job, nil
}

// EnqueueDelayed adds a job that becomes available after delay
func (b *RedisBroker) EnqueueDelayed(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}, delay time.Duration) (*Job, error) {
	if delay <= 0 {
		return b.Enqueue(ctx, queue, jobType, payload)
	}

	job := newJob(queue, jobType, payload)
	due := job.CreatedAt.Add(delay)
	job.Status = JobStatusDelayed
	job.AvailableAt = &due

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL+delay)
	pipe.ZAdd(ctx, DelayedKey(queue), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to schedule job: %w", err)
	}

	b.trackQueue(queue)
	log.Debugf("[JobQueue] Scheduled job %s on %s in %s", job.ID, queue, delay)
	return job, nil
}

// Stats reports list sizes and outcome counters of every known queue
func (b *RedisBroker) Stats(ctx context.Context) (map[string]QueueStats, error) {
	b.mu.Lock()
	queues := make([]string, 0, len(b.queues))
	for q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	counters, err := b.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	result := make(map[string]QueueStats, len(queues))
	for _, q := range queues {
		pipe := b.client.Pipeline()
		pending := pipe.LLen(ctx, PendingKey(q))
		processing := pipe.LLen(ctx, ProcessingKey(q))
		delayed := pipe.ZCard(ctx, DelayedKey(q))
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		result[q] = QueueStats{
			Pending:    pending.Val(),
			Processing: processing.Val(),
			Delayed:    delayed.Val(),
			Completed:  parseCounter(counters[statsField(q, JobStatusCompleted)]),
			Failed:     parseCounter(counters[statsField(q, JobStatusFailed)]),
		}
	}
	return result, nil
}

// GetJob retrieves a job by ID
func (b *RedisBroker) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := b.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (b *RedisBroker) trackQueue(queue string) {
	b.mu.Lock()
	b.queues[queue] = struct{}{}
	b.mu.Unlock()
}

// worker processes jobs from one queue
func (b *RedisBroker) worker(ctx context.Context, sub subscription, id int) {
	defer b.wg.Done()
	log.Debugf("[JobQueue] Worker %s/%d started", sub.queue, id)

	for {
		select {
		case <-b.stopCh:
			log.Debugf("[JobQueue] Worker %s/%d stopping", sub.queue, id)
			return
		default:
		}

		job, err := b.dequeueJob(ctx, sub.queue)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Errorf("[JobQueue] Worker %s/%d: Error dequeuing job: %v", sub.queue, id, err)
			select {
			case <-b.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		b.processJob(sub, job)
	}
}

// dequeueJob moves the next job id to the processing list and loads its body
func (b *RedisBroker) dequeueJob(ctx context.Context, queue string) (*Job, error) {
	jobID, err := b.client.BRPopLPush(ctx, PendingKey(queue), ProcessingKey(queue), popTimeout).Result()
	if err != nil {
		return nil, err
	}

	// The id is already in the processing list; finish the handoff even if ctx is cancelled now.
	ctx = context.Background()
	jobData, err := b.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		b.client.LRem(ctx, ProcessingKey(queue), 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s: %v", jobID, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		b.client.LRem(ctx, ProcessingKey(queue), 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// processJob runs the handler to completion; stopping the broker does not cancel it
func (b *RedisBroker) processJob(sub subscription, job *Job) {
	ctx := context.Background()

	job.MarkAsProcessing()
	b.updateJob(ctx, job)

	if err := safeHandle(ctx, sub.handler, job); err != nil {
		b.updateJobStats(ctx, sub.queue, JobStatusFailed)
		b.redeliver(ctx, sub.queue, job, err)
		return
	}

	job.MarkAsCompleted()
	b.updateJobStats(ctx, sub.queue, JobStatusCompleted)
	if err := b.client.Del(ctx, JobKeyPrefix+job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s: %v", job.ID, err)
	}
	if err := b.client.LRem(ctx, ProcessingKey(sub.queue), 1, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", job.ID, err)
	}
}

// redeliver moves a failed job from the processing list to the delayed set in
// one transaction. If that fails the id stays in processing for the sweeper.
func (b *RedisBroker) redeliver(ctx context.Context, queue string, job *Job, cause error) {
	delay := RedeliveryDelay(job.Deliveries, b.opts.RedeliveryDelay, b.opts.MaxRedeliveryDelay)
	job.MarkForRedelivery(cause.Error(), time.Now().Add(delay))

	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s, leaving it to the sweeper: %v", job.ID, err)
		return
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL+delay)
	pipe.LRem(ctx, ProcessingKey(queue), 1, job.ID)
	pipe.ZAdd(ctx, DelayedKey(queue), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to reschedule job %s, leaving it to the sweeper: %v", job.ID, err)
		return
	}
	log.Warnf("[JobQueue] Job %s on %s failed on delivery %d, redelivering in %s: %v", job.ID, queue, job.Deliveries, delay, cause)
}

// promoter moves due delayed jobs onto the pending list
func (b *RedisBroker) promoter(ctx context.Context, queue string) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			n, err := promoteScript.Run(ctx, b.client, []string{DelayedKey(queue), PendingKey(queue)},
				time.Now().UnixMilli(), promoteBatchSize).Int()
			if err != nil {
				if ctx.Err() == nil {
					log.Errorf("[JobQueue] Promoting delayed jobs on %s failed: %v", queue, err)
				}
				continue
			}
			if n > 0 {
				log.Debugf("[JobQueue] Promoted %d delayed jobs on %s", n, queue)
			}
		}
	}
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than StuckAfter
func (b *RedisBroker) stuckSweeper(ctx context.Context, queue string) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if n := b.requeueStuck(ctx, queue, time.Now()); n > 0 {
				log.Warnf("[JobQueue] Recovered %d stuck jobs on %s", n, queue)
			}
		}
	}
}

func (b *RedisBroker) requeueStuck(ctx context.Context, queue string, now time.Time) int {
	ids, err := b.client.LRange(ctx, ProcessingKey(queue), 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
		return 0
	}

	recovered := 0
	for _, id := range ids {
		job, err := b.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper could not load job %s: %v", id, err)
			}
			_ = b.client.LRem(ctx, ProcessingKey(queue), 1, id).Err()
			continue
		}
		if job.Status == JobStatusCompleted {
			// Finished but the worker died before releasing it.
			_ = b.client.LRem(ctx, ProcessingKey(queue), 1, id).Err()
			continue
		}

		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= b.opts.StuckAfter {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		b.updateJob(ctx, job)
		_ = b.client.LRem(ctx, ProcessingKey(queue), 1, id).Err()
		_ = b.client.RPush(ctx, PendingKey(queue), id).Err()
		recovered++
	}
	return recovered
}

// updateJob updates job data in Redis
func (b *RedisBroker) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := b.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// updateJobStats increments the outcome counter of a queue
func (b *RedisBroker) updateJobStats(ctx context.Context, queue string, status JobStatus) {
	if err := b.client.HIncrBy(ctx, JobStatsKey, statsField(queue, status), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// safeHandle turns a handler panic into an error so the worker survives it
func safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func parseCounter(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
