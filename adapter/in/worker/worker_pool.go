package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"mailsync_server/pkg/apperr"
)

// =============================================================================
// go-pkgz/pool worker pool
// =============================================================================

// Processor runs one message. *Handler is the production implementation.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MaxWorkers       int
	PriorityWorkers  int
	JobTimeout       time.Duration
	JobTimeoutByType map[JobType]time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	BatchSize        int
	WorkerChanSize   int
	DLQSize          int
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:      10,
		PriorityWorkers: 2,
		JobTimeout:      60 * time.Second,
		MaxRetries:      3,
		RetryBase:       time.Second,
		BatchSize:       1,
		WorkerChanSize:  100,
		DLQSize:         100,
		JobTimeoutByType: map[JobType]time.Duration{
			JobSeedFetch:        2 * time.Minute,
			JobFullFetch:        3 * time.Minute,
			JobIncrementalFetch: 2 * time.Minute,
			JobTokenRefresh:     30 * time.Second,
		},
	}
}

// Timeout returns the timeout for a job type. In-flight markers live as
// long as the job may run.
func (c *PoolConfig) Timeout(jobType JobType) time.Duration {
	if timeout, ok := c.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return c.JobTimeout
}

// Pool runs messages on go-pkgz worker groups. Token refreshes get their
// own small group so they never wait behind long folder fetches.
type Pool struct {
	handler Processor
	config  *PoolConfig

	pool         *pool.WorkerGroup[*Message]
	priorityPool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	log     zerolog.Logger

	dlq   chan *Message
	dlqWg sync.WaitGroup

	started bool
	mu      sync.Mutex
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed  int64 `json:"jobs_processed"`
	JobsFailed     int64 `json:"jobs_failed"`
	JobsDropped    int64 `json:"jobs_dropped"`
	JobsRetried    int64 `json:"jobs_retried"`
	AvgProcessTime int64 `json:"avg_process_ms"`
	Workers        int32 `json:"workers"`
	InFlight       int32 `json:"in_flight"`
}

// messageWorker implements pool.Worker for Message processing.
type messageWorker struct {
	pool *Pool
}

func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	// Errors are retried or dead-lettered inside processJob.
	_ = w.pool.processJob(ctx, msg)
	return nil
}

func NewPool(handler Processor, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.PriorityWorkers <= 0 {
		config.PriorityWorkers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler: handler,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &PoolMetrics{},
		log:     log.With().Str("component", "worker_pool").Logger(),
		dlq:     make(chan *Message, config.DLQSize),
	}
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.pool = pool.New[*Message](p.config.MaxWorkers, &messageWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()
	p.priorityPool = pool.New[*Message](p.config.PriorityWorkers, &messageWorker{pool: p}).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	if err := p.priorityPool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()

	p.log.Info().
		Int("max_workers", p.config.MaxWorkers).
		Int("priority_workers", p.config.PriorityWorkers).
		Msg("worker pool started")
	return nil
}

// Stop drains both groups, waiting at most 30s.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.log.Info().Msg("stopping worker pool...")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.pool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing main pool")
	}
	if err := p.priorityPool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing priority pool")
	}

	p.cancel()
	close(p.dlq)
	p.dlqWg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit queues a message. It returns false when the pool is not running.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().
			Str("job_id", msg.ID).
			Str("job_type", string(msg.Type)).
			Msg("job dropped, pool not running")
		return false
	}

	atomic.AddInt32(&p.metrics.InFlight, 1)
	if msg.Type == JobTokenRefresh {
		p.priorityPool.Submit(msg)
	} else {
		p.pool.Submit(msg)
	}
	return true
}

// processJob runs a message under its job timeout and schedules a retry
// with exponential backoff and jitter on error.
func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.InFlight, -1)

	timeout := p.config.Timeout(msg.Type)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.handler.Process(jobCtx, msg)
	if errors.Is(err, context.DeadlineExceeded) {
		p.log.Warn().
			Str("job_id", msg.ID).
			Str("job_type", string(msg.Type)).
			Dur("timeout", timeout).
			Msg("job timed out")
	}

	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if err == nil {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
		return nil
	}

	p.log.Error().
		Err(err).
		Str("job_id", msg.ID).
		Str("job_type", string(msg.Type)).
		Str("account_id", msg.AccountID.String()).
		Int("retries", msg.Retries).
		Msg("job processing failed")

	if msg.Retries < p.config.MaxRetries && ctx.Err() == nil && retryable(err) {
		msg.Retries++
		atomic.AddInt64(&p.metrics.JobsRetried, 1)
		time.AfterFunc(p.backoff(msg.Retries), func() {
			p.Submit(msg)
		})
		return err
	}

	atomic.AddInt64(&p.metrics.JobsFailed, 1)
	select {
	case p.dlq <- msg:
	default:
		p.log.Error().Str("job_id", msg.ID).Msg("DLQ full, job lost")
	}
	return err
}

// retryable is false for config errors, which fail the same way every time.
func retryable(err error) bool {
	var appErr *apperr.AppError
	return !errors.As(err, &appErr) || appErr.Code != apperr.CodeConfigError
}

func (p *Pool) backoff(retries int) time.Duration {
	base := p.config.RetryBase * time.Duration(1<<retries)
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return base + jitter
}

func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

// dlqProcessor logs permanently failed messages. The scheduler re-drives
// the account, so nothing is replayed from here.
func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()
	for msg := range p.dlq {
		p.log.Error().
			Str("job_id", msg.ID).
			Str("job_type", string(msg.Type)).
			Str("account_id", msg.AccountID.String()).
			Int("retries", msg.Retries).
			Interface("payload", msg.Payload).
			Msg("DLQ: job permanently failed")
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("retried", m.JobsRetried).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("in_flight", m.InFlight).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:    atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		Workers:        int32(p.config.MaxWorkers + p.config.PriorityWorkers),
		InFlight:       atomic.LoadInt32(&p.metrics.InFlight),
	}
}

// Running reports whether the pool accepts work.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
