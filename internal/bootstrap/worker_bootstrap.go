package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mailsync_server/adapter/in/worker"
	"mailsync_server/adapter/out/messaging"
	"mailsync_server/pkg/logger"
)

// memoryDrainInterval is how often the in-process queue is drained when
// Redis is not configured.
const memoryDrainInterval = time.Second

type Worker struct {
	pool      *worker.Pool
	handler   *worker.Handler
	consumer  *messaging.Consumer
	scheduler *worker.SyncScheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

// NewWorker wires the fetch pipeline onto deps. The caller owns deps and
// its cleanup.
func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	zlog := logger.Component("worker")

	fetchProcessor := worker.NewFetchProcessor(
		deps.MailSyncService,
		deps.TokenRefresher,
		deps.Fetcher,
		deps.Limiter,
		deps.FetchMetrics,
	)
	handler := worker.NewHandler(fetchProcessor)

	poolConfig := worker.DefaultPoolConfig()
	poolConfig.MaxWorkers = cfg.WorkerCount
	if cfg.WorkerBatchSize > 0 {
		poolConfig.BatchSize = cfg.WorkerBatchSize
	}
	if cfg.WorkerJobTimeout > 0 {
		poolConfig.JobTimeout = cfg.WorkerJobTimeout
	}
	if cfg.WorkerMaxRetries > 0 {
		poolConfig.MaxRetries = cfg.WorkerMaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:    worker.NewPool(handler, poolConfig, zlog),
		handler: handler,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		zlog:    zlog,
	}

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewSyncScheduler(deps.MailSyncService, cfg.SyncSchedule, zlog)
	}

	if deps.Redis != nil {
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:                cfg.ConsumerGroup,
			Consumer:             cfg.WorkerID,
			Streams:              messaging.AllStreams,
			Handler:              &streamHandler{worker: w},
			Logger:               zlog,
			Batch:                int64(cfg.ConsumerBatchSize),
			Block:                time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
			PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
			MaxRetries:           cfg.ConsumerMaxRetries,
		})
		logger.Info("[Worker.New] stream consumer configured for %d streams", len(messaging.AllStreams))
	} else {
		logger.Warn("[Worker.New] Redis not available, draining the in-process queue")
	}

	return w
}

// Start runs until Stop is called.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return fmt.Errorf("start sync scheduler: %w", err)
		}
	}

	switch {
	case w.consumer != nil:
		if err := w.consumer.EnsureGroups(w.ctx); err != nil {
			return fmt.Errorf("create consumer groups: %w", err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Run(w.ctx); err != nil && w.ctx.Err() == nil {
				w.zlog.Error().Err(err).Msg("stream consumer stopped")
			}
		}()
	case w.deps.MemoryQueue != nil:
		w.wg.Add(1)
		go w.drainMemoryQueue()
	}

	w.zlog.Info().Str("worker_id", w.deps.Config.WorkerID).Msg("worker started")
	<-w.ctx.Done()
	return nil
}

func (w *Worker) drainMemoryQueue() {
	defer w.wg.Done()
	ticker := time.NewTicker(memoryDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.deps.MemoryQueue.Drain(w.ctx, w.handler); err != nil && w.ctx.Err() == nil {
				w.zlog.Warn().Err(err).Int("handled", n).Msg("in-process drain stopped early")
			}
		}
	}
}

func (w *Worker) Stop() {
	w.cancel()
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
	w.wg.Wait()
	w.pool.Stop()
	w.zlog.Info().Msg("worker stopped")
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

// streamHandler hands stream entries to the pool. The pool retries on its
// own, so a submitted entry is acked right away.
type streamHandler struct {
	worker *Worker
}

func (h *streamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	item, err := messaging.DecodeWorkItem(data)
	if err != nil {
		// Malformed entries would only cycle through the pending list.
		logger.WithError(err).WithField("stream", stream).Error("[streamHandler.Handle] dropping malformed work item")
		return nil
	}

	msg := worker.FromWorkItem(item)
	msg.Stream = stream
	if !h.worker.pool.Submit(msg) {
		return fmt.Errorf("worker pool not running")
	}
	return nil
}
