// Package watcher dispatches connection readiness events to their owners.
package watcher

import (
	"sync"

	"go.uber.org/zap"

	"github.com/plensing/kineticio/internal/drive"
)

// Pumper is the owner of a subscribed file descriptor. Pump runs the owning
// connection and handles its failure; it is only ever invoked from the
// watcher's dispatch goroutine.
type Pumper interface {
	Pump()
}

// SocketWatcher funnels the readiness signals of all subscribed drive
// connections into a single dispatch goroutine. It holds only weak back
// references to owners and never closes a connection itself; the fd must be
// unsubscribed before the underlying connection is closed. Subscribing an
// already-closed fd is harmless.
type SocketWatcher struct {
	mu     sync.Mutex
	owners map[int]Pumper
	events chan int
	done   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a watcher and starts its dispatch goroutine
func New(logger *zap.Logger) *SocketWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &SocketWatcher{
		owners: make(map[int]Pumper),
		events: make(chan int, 128),
		done:   make(chan struct{}),
		logger: logger,
	}
	w.wg.Add(1)
	go w.dispatch()
	return w
}

// Subscribe registers the fd with its owner and starts forwarding the
// connection's readiness signals. Safe to call from any goroutine.
func (w *SocketWatcher) Subscribe(fd int, conn drive.Connection, owner Pumper) {
	w.mu.Lock()
	w.owners[fd] = owner
	w.mu.Unlock()
	w.logger.Debug("Subscribed drive connection", zap.Int("fd", fd))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for range conn.Readiness() {
			select {
			case w.events <- fd:
			case <-w.done:
				return
			}
		}
	}()
}

// Unsubscribe deregisters the fd. Events already queued for it are
// discarded by the dispatch loop. Safe to call from any goroutine.
func (w *SocketWatcher) Unsubscribe(fd int) {
	w.mu.Lock()
	delete(w.owners, fd)
	w.mu.Unlock()
	w.logger.Debug("Unsubscribed drive connection", zap.Int("fd", fd))
}

// dispatch is the single event loop delegating readiness to owners
func (w *SocketWatcher) dispatch() {
	defer w.wg.Done()
	for {
		select {
		case fd := <-w.events:
			w.mu.Lock()
			owner := w.owners[fd]
			w.mu.Unlock()
			if owner != nil {
				owner.Pump()
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the dispatch loop. Connections must be unsubscribed and
// closed by their owners before or after; the watcher does not own them.
func (w *SocketWatcher) Close() {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return
	default:
	}
	close(w.done)
	w.mu.Unlock()
	w.wg.Wait()
}
