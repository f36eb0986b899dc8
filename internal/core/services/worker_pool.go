package services

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/pkg/retry"

	"go.uber.org/zap"
)

type WorkerPoolConfig struct {
	// Size is the target number of workers. Zero means one per CPU, capped by MaxWorkers.
	Size             int
	MaxWorkers       int
	ReplacementDelay time.Duration
	// ReplacementRetries is how many backed-off attempts run before the pool
	// settles into retrying at the maximum delay. Replacement never gives up
	// while the pool is open.
	ReplacementRetries int
}

// WorkerCount returns min(cpu cores, max).
func WorkerCount(max int) int {
	n := runtime.NumCPU()
	if max > 0 && n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}

type workerSlot struct {
	worker    ports.Worker
	rooms     int
	startedAt time.Time
}

// WorkerPool assigns rooms to media workers round-robin and replaces
// workers that die.
type WorkerPool struct {
	engine  ports.MediaEngine
	cfg     WorkerPoolConfig
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	workers []*workerSlot
	next    int
	onDeath []func(domain.WorkerID)
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkerPool(engine ports.MediaEngine, cfg WorkerPoolConfig, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *WorkerPool {
	if cfg.Size <= 0 {
		cfg.Size = WorkerCount(cfg.MaxWorkers)
	}
	if cfg.ReplacementRetries <= 0 {
		cfg.ReplacementRetries = 5
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		engine:  engine,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start creates the full worker set. Any creation failure is fatal: already
// created workers are closed and the error is returned.
func (p *WorkerPool) Start(ctx context.Context) error {
	created := make([]*workerSlot, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		w, err := p.engine.NewWorker(ctx)
		if err != nil {
			for _, s := range created {
				s.worker.Close()
			}
			return fmt.Errorf("failed to create media worker %d/%d: %w", i+1, p.cfg.Size, err)
		}
		created = append(created, &workerSlot{worker: w, startedAt: time.Now()})
	}

	p.mu.Lock()
	p.workers = append(p.workers, created...)
	live := len(p.workers)
	p.mu.Unlock()

	for _, s := range created {
		p.watch(s.worker)
	}
	p.metrics.SetLiveWorkers(live)
	p.logger.Infow("media workers started", "count", live)
	return nil
}

// OnWorkerDied registers fn to run after a dead worker has been removed from rotation.
func (p *WorkerPool) OnWorkerDied(fn func(domain.WorkerID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDeath = append(p.onDeath, fn)
}

// Acquire returns the next live worker in round-robin order and counts a
// room against it.
func (p *WorkerPool) Acquire() (ports.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) == 0 {
		return nil, domain.ErrNoCapacity
	}
	if p.next >= len(p.workers) {
		p.next = 0
	}
	slot := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	slot.rooms++
	return slot.worker, nil
}

// Release uncounts a room from a worker. Unknown workers are ignored.
func (p *WorkerPool) Release(id domain.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.workers {
		if s.worker.ID() == id {
			if s.rooms > 0 {
				s.rooms--
			}
			return
		}
	}
}

// ReportDeath removes a worker from rotation at once and schedules a
// replacement after the configured backoff.
func (p *WorkerPool) ReportDeath(id domain.WorkerID) {
	p.mu.Lock()
	var dead *workerSlot
	for i, s := range p.workers {
		if s.worker.ID() == id {
			dead = s
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			if p.next > i {
				p.next--
			}
			break
		}
	}
	closed := p.closed
	hooks := append([]func(domain.WorkerID){}, p.onDeath...)
	live := len(p.workers)
	p.mu.Unlock()

	if dead == nil {
		return
	}

	p.metrics.IncWorkerDeaths()
	p.metrics.SetLiveWorkers(live)
	p.logger.Warnw("media worker died",
		"worker_id", id,
		"rooms", dead.rooms,
		"live_workers", live,
	)

	if err := dead.worker.Close(); err != nil {
		p.logger.Debugw("closing dead worker", "worker_id", id, "error", err)
	}

	for _, fn := range hooks {
		fn(id)
	}

	if !closed {
		p.wg.Add(1)
		go p.replace(id)
	}
}

func (p *WorkerPool) replace(deadID domain.WorkerID) {
	defer p.wg.Done()

	select {
	case <-p.ctx.Done():
		return
	case <-time.After(p.cfg.ReplacementDelay):
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = p.cfg.ReplacementRetries
	if p.cfg.ReplacementDelay > 0 {
		cfg.InitialDelay = p.cfg.ReplacementDelay
		cfg.MaxDelay = 10 * p.cfg.ReplacementDelay
	}

	var w ports.Worker
	for {
		var err error
		w, err = retry.RetryWithResult(p.ctx, cfg, func() (ports.Worker, error) {
			return p.engine.NewWorker(p.ctx)
		})
		if err == nil {
			break
		}
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Errorw("failed to replace media worker, still trying",
			"dead_worker_id", deadID,
			"retry_in", cfg.MaxDelay,
			"error", err,
		)
		cfg.InitialDelay = cfg.MaxDelay
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(cfg.MaxDelay):
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.Close()
		return
	}
	p.workers = append(p.workers, &workerSlot{worker: w, startedAt: time.Now()})
	live := len(p.workers)
	p.mu.Unlock()

	p.watch(w)
	p.metrics.SetLiveWorkers(live)
	p.logger.Infow("media worker replaced",
		"dead_worker_id", deadID,
		"worker_id", w.ID(),
	)
}

func (p *WorkerPool) watch(w ports.Worker) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-w.Died():
			p.ReportDeath(w.ID())
		case <-p.ctx.Done():
		}
	}()
}

// Stats lists the live workers.
func (p *WorkerPool) Stats() []domain.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.WorkerInfo, 0, len(p.workers))
	for _, s := range p.workers {
		out = append(out, domain.WorkerInfo{
			ID:        s.worker.ID(),
			Alive:     true,
			Rooms:     s.rooms,
			StartedAt: s.startedAt,
		})
	}
	return out
}

// LiveWorkers returns the number of workers in rotation.
func (p *WorkerPool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close stops replacement and closes every worker.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for _, s := range workers {
		if err := s.worker.Close(); err != nil {
			p.logger.Warnw("failed to close media worker", "worker_id", s.worker.ID(), "error", err)
		}
	}
	p.metrics.SetLiveWorkers(0)
	return nil
}
