package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plensing/kineticio/internal/util/workerpool"
)

func TestQueuedModeExecutesJobs(t *testing.T) {
	p := workerpool.New(2, 16, zap.NewNop())
	defer p.Stop()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Run(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(10), count.Load())
}

func TestTryRunDropsWhenQueueFull(t *testing.T) {
	p := workerpool.New(1, 1, zap.NewNop())
	defer p.Stop()

	gate := make(chan struct{})
	done := make(chan struct{})
	// occupy the single worker
	p.Run(func() { <-gate; close(done) })
	// give the worker a moment to pick the job up
	require.Eventually(t, func() bool {
		return p.Stats().QueuedTasks == 0
	}, time.Second, time.Millisecond)

	// fill the queue, then overflow it
	assert.True(t, p.TryRun(func() {}))
	assert.False(t, p.TryRun(func() {}))

	close(gate)
	<-done
}

func TestSpawnModeRunsSynchronouslyOverLimit(t *testing.T) {
	p := workerpool.New(1, 0, zap.NewNop())
	defer p.Stop()

	gate := make(chan struct{})
	p.Run(func() { <-gate })

	// the single spawn slot is taken: this job must run in the caller
	ran := false
	p.Run(func() { ran = true })
	assert.True(t, ran)

	// try_run refuses instead of running synchronously
	assert.False(t, p.TryRun(func() {}))
	close(gate)
}

func TestSpawnModeUsesBackgroundThreads(t *testing.T) {
	p := workerpool.New(4, 0, zap.NewNop())
	defer p.Stop()

	done := make(chan struct{})
	p.Run(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned job did not run")
	}
}

func TestChangeConfigurationGrows(t *testing.T) {
	p := workerpool.New(1, 4, zap.NewNop())
	defer p.Stop()

	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		p.Run(func() { defer wg.Done(); <-gate })
	}

	// with one worker only one job can be in flight; growing lets the
	// rest through
	p.ChangeConfiguration(3, 4)
	require.Eventually(t, func() bool {
		return p.Stats().QueuedTasks == 0
	}, time.Second, time.Millisecond)

	close(gate)
	wg.Wait()
}

func TestChangeConfigurationShrinkKeepsQueuedJobs(t *testing.T) {
	p := workerpool.New(4, 16, zap.NewNop())
	defer p.Stop()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		p.Run(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	p.ChangeConfiguration(1, 16)

	wg.Wait()
	assert.Equal(t, int32(8), count.Load())

	stats := p.Stats()
	assert.LessOrEqual(t, stats.ActiveWorkers, 1)
}

func TestRunBlocksWhenQueueFull(t *testing.T) {
	p := workerpool.New(1, 1, zap.NewNop())
	defer p.Stop()

	gate := make(chan struct{})
	p.Run(func() { <-gate })
	require.Eventually(t, func() bool {
		return p.Stats().QueuedTasks == 0
	}, time.Second, time.Millisecond)
	p.Run(func() {}) // fills the queue

	blocked := make(chan struct{})
	go func() {
		p.Run(func() {})
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("Run returned although the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("Run did not unblock after the queue drained")
	}
}

func TestStopJoinsWorkers(t *testing.T) {
	p := workerpool.New(2, 8, zap.NewNop())

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		p.Run(func() { count.Add(1) })
	}
	p.Stop()

	// jobs submitted after shutdown are rejected
	p.Run(func() { count.Add(100) })
	assert.False(t, p.TryRun(func() { count.Add(100) }))
	assert.LessOrEqual(t, count.Load(), int32(4))
}

func TestPanicRecovery(t *testing.T) {
	p := workerpool.New(1, 4, zap.NewNop())
	defer p.Stop()

	done := make(chan struct{})
	p.Run(func() { panic("boom") })
	p.Run(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking job")
	}
}
