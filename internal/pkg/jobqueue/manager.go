package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/BotFox/internal/pkg/config"
)

// DefaultReconcileInterval is how often buffered credit usage is persisted
const DefaultReconcileInterval = 5 * time.Second

// PendingReconciler persists buffered ledger records
type PendingReconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

// ManagerOptions configures the periodic tasks of a Manager
type ManagerOptions struct {
	Reconciler        PendingReconciler
	ReconcileInterval time.Duration
}

// Manager owns the broker and the background tasks that run beside it
type Manager struct {
	broker            Broker
	reconciler        PendingReconciler
	reconcileInterval time.Duration
	reconcileTicker   *time.Ticker
	stopCh            chan struct{}
	wg                sync.WaitGroup
	mu                sync.Mutex
	running           bool
}

// NewBroker returns the broker selected by cfg.QueueDriver
func NewBroker(cfg *config.Config, rdb redis.UniversalClient) Broker {
	if cfg.QueueDriver == config.QueueDriverAMQP {
		return NewAMQPBroker(cfg.AMQPURL)
	}
	return NewRedisBroker(rdb, RedisBrokerOptions{})
}

// NewManager creates a manager around broker
func NewManager(broker Broker, opts ManagerOptions) *Manager {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	return &Manager{
		broker:            broker,
		reconciler:        opts.Reconciler,
		reconcileInterval: opts.ReconcileInterval,
		stopCh:            make(chan struct{}),
	}
}

// Broker returns the managed broker
func (m *Manager) Broker() Broker {
	return m.broker
}

// Start starts the broker and background tasks
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	if err := m.broker.Start(ctx); err != nil {
		return err
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true

	if m.reconciler != nil {
		m.reconcileTicker = time.NewTicker(m.reconcileInterval)
		m.wg.Add(1)
		go m.reconcileWorker()
	}

	log.Info("[JobQueue Manager] Started successfully")
	return nil
}

// Stop stops the background tasks, drains the broker and flushes buffered usage once more
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.reconcileTicker != nil {
		m.reconcileTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.broker.Stop()

	if m.reconciler != nil {
		if err := m.RunReconcileOnce(context.Background()); err != nil {
			log.Errorf("[JobQueue Manager] Final reconciliation failed: %v", err)
		}
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// reconcileWorker periodically persists buffered credit usage from Redis to the DB
func (m *Manager) reconcileWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started reconcile worker (interval: %s)", m.reconcileInterval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Reconcile worker stopping")
			return
		case <-m.reconcileTicker.C:
			if err := m.RunReconcileOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Reconcile error: %v", err)
			}
		}
	}
}

// RunReconcileOnce exposes a manual trigger for a single reconciliation pass
func (m *Manager) RunReconcileOnce(ctx context.Context) error {
	if m.reconciler == nil {
		return nil
	}
	_, err := m.reconciler.ReconcileAll(ctx)
	return err
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
