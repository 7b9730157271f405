// Package connection wraps one drive session, reconnecting automatically
// when the underlying connection is requested.
package connection

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/plensing/kineticio/internal/drive"
	kerrors "github.com/plensing/kineticio/internal/errors"
	"github.com/plensing/kineticio/internal/watcher"
)

// AutoConnection wraps the session to a single drive. Get fails fast while
// unhealthy so that fan-out operations never block on a dead drive; a
// background reconnect is scheduled instead, rate-limited and single-flight.
type AutoConnection struct {
	primary   drive.ConnectionOptions
	secondary drive.ConnectionOptions
	dial      drive.Dialer
	watcher   *watcher.SocketWatcher
	ratelimit time.Duration
	logger    *zap.Logger

	mu          sync.Mutex
	conn        drive.Connection
	fd          int
	healthy     bool
	lastAttempt time.Time

	reconnect singleflight.Group
}

// New creates an AutoConnection for the two endpoints of one drive. No
// connection is attempted until the first Get or EnsureConnected.
func New(primary, secondary drive.ConnectionOptions, dial drive.Dialer, w *watcher.SocketWatcher, ratelimit time.Duration, logger *zap.Logger) *AutoConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoConnection{
		primary:   primary,
		secondary: secondary,
		dial:      dial,
		watcher:   w,
		ratelimit: ratelimit,
		logger:    logger,
	}
}

// Name returns a stable human-readable identifier for the drive
func (a *AutoConnection) Name() string {
	return fmt.Sprintf("(%s:%d and %s:%d)",
		a.primary.Endpoint.Host, a.primary.Endpoint.Port,
		a.secondary.Endpoint.Host, a.secondary.Endpoint.Port)
}

// Get returns the healthy connection handle. While unhealthy it schedules
// at most one rate-limited background reconnect and fails immediately so
// callers can absorb the drive into their fan-out quorum.
func (a *AutoConnection) Get() (drive.Connection, error) {
	a.mu.Lock()
	if a.healthy {
		c := a.conn
		a.mu.Unlock()
		return c, nil
	}
	attempt := time.Since(a.lastAttempt) >= a.ratelimit
	a.mu.Unlock()

	if attempt {
		go a.reconnect.Do("reconnect", func() (interface{}, error) {
			a.connect(false)
			return nil, nil
		})
	}
	return nil, kerrors.Newf(kerrors.CodeNotConnected, "no valid connection to drive %s", a.Name())
}

// EnsureConnected attempts a connection right away, ignoring the rate
// limit, and waits for the outcome. Used when a cluster is constructed;
// regular operations go through the fail-fast Get instead.
func (a *AutoConnection) EnsureConnected() bool {
	a.mu.Lock()
	healthy := a.healthy
	a.mu.Unlock()
	if healthy {
		return true
	}
	_, _, _ = a.reconnect.Do("reconnect", func() (interface{}, error) {
		a.connect(true)
		return nil, nil
	})
	return a.Healthy()
}

// SetError unsubscribes the fd and marks the connection unhealthy. Must be
// called whenever an I/O error is observed on the handle.
func (a *AutoConnection) SetError() {
	a.mu.Lock()
	if !a.healthy {
		a.mu.Unlock()
		return
	}
	fd := a.fd
	a.healthy = false
	a.mu.Unlock()

	a.watcher.Unsubscribe(fd)
	a.logger.Warn("Drive connection failed", zap.String("drive", a.Name()))
}

// Pump runs the connection, failing it over on a broken session. Invoked
// by the socket watcher on readiness.
func (a *AutoConnection) Pump() {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c == nil {
		return
	}
	if !c.Run() {
		a.SetError()
	}
}

// connect performs one reconnection attempt. One of the two endpoints is
// picked at random as primary so that a degraded endpoint is not hammered
// by every client at once; the other serves as fallback. The attempt
// timestamp updates even on failure.
func (a *AutoConnection) connect(force bool) {
	a.mu.Lock()
	if !force && time.Since(a.lastAttempt) < a.ratelimit {
		a.mu.Unlock()
		return
	}
	a.lastAttempt = time.Now()
	first, second := a.primary, a.secondary
	a.mu.Unlock()
	if rand.IntN(2) == 1 {
		first, second = second, first
	}

	c, err := a.dial(first)
	if err != nil {
		c, err = a.dial(second)
	}
	if err != nil {
		a.logger.Warn("Reconnect failed",
			zap.String("drive", a.Name()),
			zap.Error(err))
		return
	}

	// a no-op forces the session to allocate its fd before we subscribe
	c.NoOp(func(drive.Status) {})
	fd := c.Fd()
	a.watcher.Subscribe(fd, c, a)

	a.mu.Lock()
	old := a.conn
	a.conn = c
	a.fd = fd
	a.healthy = true
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	a.logger.Info("Drive connected",
		zap.String("drive", a.Name()),
		zap.Int("fd", fd))
}

// Healthy reports whether a usable connection is currently held
func (a *AutoConnection) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

// Close unsubscribes and closes the underlying connection, if any
func (a *AutoConnection) Close() error {
	a.mu.Lock()
	c := a.conn
	fd := a.fd
	healthy := a.healthy
	a.conn = nil
	a.healthy = false
	a.mu.Unlock()

	if healthy {
		a.watcher.Unsubscribe(fd)
	}
	if c != nil {
		return c.Close()
	}
	return nil
}
