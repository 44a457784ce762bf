package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/queue"
	"github.com/Reg-Kris/pyairtable-workflow-service/pkg/metrics"
)

// WorkerPool runs N goroutines that block on the two work queues and
// hand each popped job to the orchestrator. The fetch queue is listed
// first on every pop, so new runs start before staged batches continue.
type WorkerPool struct {
	transport    queue.Transport
	orchestrator *Orchestrator
	metrics      *metrics.Registry
	logger       *zap.Logger

	workers int
	popWait time.Duration
	sem     *semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// WorkerPoolConfig sizes the pool.
type WorkerPoolConfig struct {
	Workers        int
	MaxConcurrent  int
	PopWaitTimeout time.Duration
}

// NewWorkerPool creates a worker pool. MaxConcurrent caps how many jobs
// run at once across the whole pool, independent of the worker count.
func NewWorkerPool(transport queue.Transport, orch *Orchestrator, reg *metrics.Registry, cfg WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.Workers
	}
	if cfg.PopWaitTimeout <= 0 {
		cfg.PopWaitTimeout = 5 * time.Second
	}
	return &WorkerPool{
		transport:    transport,
		orchestrator: orch,
		metrics:      reg,
		logger:       logger,
		workers:      cfg.Workers,
		popWait:      cfg.PopWaitTimeout,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Start launches the workers. They run until Stop is called or the
// parent context is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}

	p.logger.Info("Worker pool started", zap.Int("workers", p.workers))
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.logger.With(zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.transport.BPop(ctx, p.popWait, queue.QueueFetch, queue.QueueProcess)
		if err != nil {
			if err == queue.ErrClosed || ctx.Err() != nil {
				return
			}
			log.Error("Queue pop failed", zap.Error(err))
			// Transient transport trouble; back off briefly instead of
			// spinning on the error.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		p.handle(ctx, log, job)
		p.sem.Release(1)
	}
}

func (p *WorkerPool) handle(ctx context.Context, log *zap.Logger, job *queue.Job) {
	log.Debug("Handling job",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("run_id", job.RunID))

	outcome := "ok"
	if err := p.orchestrator.HandleJob(ctx, job); err != nil {
		outcome = "error"
		log.Error("Job failed",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.String("run_id", job.RunID))
	}

	if p.metrics != nil {
		p.metrics.JobsTotal.WithLabelValues(string(job.Type), outcome).Inc()
	}
}

// ObserveQueueDepth samples both queue lengths into the gauge. Called
// periodically from the scheduler's reconcile loop.
func (p *WorkerPool) ObserveQueueDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	for _, name := range []string{queue.QueueFetch, queue.QueueProcess} {
		n, err := p.transport.Len(ctx, name)
		if err != nil {
			continue
		}
		p.metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
	}
}
