// Package workerpool executes background operations while controlling
// maximum concurrency.
package workerpool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool manages a bounded set of goroutines for executing background jobs.
//
// With a queue depth above zero the pool keeps long-lived workers that block
// on a bounded queue; Run blocks the caller while the queue is full. With a
// queue depth of zero workers are spawned on demand up to the thread limit;
// beyond the limit Run executes the job synchronously in the caller.
type Pool struct {
	mu         sync.Mutex
	queue      []func()
	queueCap   int
	threadCap  int
	numWorkers int // long-lived workers (queued mode)
	numSpawned int // on-demand goroutines (spawn mode)
	shutdown   bool
	worker     *sync.Cond // workers block until an item is queued
	controller *sync.Cond // producers block until the queue shrinks

	wg     sync.WaitGroup
	logger *zap.Logger

	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// New creates a pool with the given worker and queue limits
func New(workerThreads, queueDepth int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		queueCap:  queueDepth,
		threadCap: workerThreads,
		logger:    logger,
	}
	p.worker = sync.NewCond(&p.mu)
	p.controller = sync.NewCond(&p.mu)

	p.mu.Lock()
	p.spawnWorkersLocked()
	p.mu.Unlock()

	p.logger.Info("Background pool started",
		zap.Int("worker_threads", workerThreads),
		zap.Int("queue_depth", queueDepth))
	return p
}

// spawnWorkersLocked brings the long-lived worker count up to the thread
// limit. Only meaningful in queued mode. Callers hold p.mu.
func (p *Pool) spawnWorkersLocked() {
	if p.queueCap == 0 {
		return
	}
	for p.numWorkers < p.threadCap {
		p.numWorkers++
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// workerLoop is the long-lived worker goroutine of the queued mode.
// Excess workers exit on their next wake-up after a shrink; the remaining
// workers take over whatever is still queued.
func (p *Pool) workerLoop() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		for len(p.queue) == 0 && !p.shutdown && p.numWorkers <= p.threadCap {
			p.worker.Wait()
		}
		if p.shutdown || p.numWorkers > p.threadCap {
			break
		}
		if len(p.queue) == 0 {
			continue
		}
		f := p.queue[0]
		p.queue = p.queue[1:]
		p.controller.Broadcast()
		p.mu.Unlock()

		p.execute(f)

		p.mu.Lock()
	}
	p.numWorkers--
	if len(p.queue) > 0 {
		p.worker.Signal()
	}
	p.controller.Broadcast()
	p.mu.Unlock()
}

// execute runs a single job with panic recovery
func (p *Pool) execute(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Background job panic recovered", zap.Any("panic", r))
		}
	}()
	f()
	p.completedTasks.Add(1)
}

// Run schedules f for background execution. In queued mode the caller
// blocks while the queue is full. In spawn mode f runs synchronously in
// the caller when the thread limit is reached.
func (p *Pool) Run(f func()) {
	if f == nil {
		return
	}
	p.mu.Lock()
	if p.shutdown {
		p.rejectedTasks.Add(1)
		p.mu.Unlock()
		return
	}
	if p.queueCap == 0 {
		p.mu.Unlock()
		p.runNoQueue(f)
		return
	}
	if p.threadCap == 0 {
		// queued mode without workers degenerates to caller execution
		p.totalTasks.Add(1)
		p.mu.Unlock()
		p.execute(f)
		return
	}
	for len(p.queue) >= p.queueCap && p.queueCap > 0 && !p.shutdown {
		p.controller.Wait()
	}
	if p.shutdown {
		p.rejectedTasks.Add(1)
		p.mu.Unlock()
		return
	}
	if p.queueCap == 0 {
		// reconfigured to spawn mode while we were blocked
		p.mu.Unlock()
		p.runNoQueue(f)
		return
	}
	p.queue = append(p.queue, f)
	p.totalTasks.Add(1)
	p.worker.Signal()
	p.mu.Unlock()
}

// TryRun schedules f without ever blocking or running it in the caller.
// Returns false if the job was dropped.
func (p *Pool) TryRun(f func()) bool {
	if f == nil {
		return false
	}
	p.mu.Lock()
	if p.shutdown {
		p.rejectedTasks.Add(1)
		p.mu.Unlock()
		return false
	}
	if p.queueCap == 0 {
		if p.numSpawned >= p.threadCap {
			p.rejectedTasks.Add(1)
			p.mu.Unlock()
			return false
		}
		p.spawnLocked(f)
		p.mu.Unlock()
		return true
	}
	if len(p.queue) >= p.queueCap {
		p.rejectedTasks.Add(1)
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, f)
	p.totalTasks.Add(1)
	p.worker.Signal()
	p.mu.Unlock()
	return true
}

// runNoQueue executes f on a fresh goroutine if the thread limit allows,
// synchronously in the caller otherwise
func (p *Pool) runNoQueue(f func()) {
	p.mu.Lock()
	if p.numSpawned < p.threadCap && !p.shutdown {
		p.spawnLocked(f)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.totalTasks.Add(1)
	p.execute(f)
}

// spawnLocked starts an on-demand goroutine for f. Callers hold p.mu.
func (p *Pool) spawnLocked(f func()) {
	p.numSpawned++
	p.totalTasks.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.execute(f)
		p.mu.Lock()
		p.numSpawned--
		p.mu.Unlock()
	}()
}

// ChangeConfiguration adjusts the worker and queue limits at runtime.
// Growing spawns additional workers immediately; shrinking blocks until the
// excess workers have drained. Queued jobs are never dropped.
func (p *Pool) ChangeConfiguration(workerThreads, queueDepth int) {
	p.mu.Lock()
	p.threadCap = workerThreads
	p.queueCap = queueDepth
	p.spawnWorkersLocked()
	p.worker.Broadcast()
	p.controller.Broadcast()
	for p.numWorkers > p.threadCap && !p.shutdown {
		p.controller.Wait()
	}
	p.mu.Unlock()

	p.logger.Info("Background pool reconfigured",
		zap.Int("worker_threads", workerThreads),
		zap.Int("queue_depth", queueDepth))
}

// Stop signals all workers, wakes them and joins. Jobs still queued at
// shutdown are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.worker.Broadcast()
	p.controller.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Background pool stopped")
}

// Stats represents current pool statistics
type Stats struct {
	WorkerThreads  int
	QueueDepth     int
	ActiveWorkers  int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	RejectedTasks  uint64
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		WorkerThreads: p.threadCap,
		QueueDepth:    p.queueCap,
		ActiveWorkers: p.numWorkers + p.numSpawned,
		QueuedTasks:   len(p.queue),
	}
	p.mu.Unlock()
	s.TotalTasks = p.totalTasks.Load()
	s.CompletedTasks = p.completedTasks.Load()
	s.RejectedTasks = p.rejectedTasks.Load()
	return s
}
