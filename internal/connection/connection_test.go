package connection_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plensing/kineticio/internal/connection"
	"github.com/plensing/kineticio/internal/drive"
	"github.com/plensing/kineticio/internal/drive/drivesim"
	kerrors "github.com/plensing/kineticio/internal/errors"
	"github.com/plensing/kineticio/internal/watcher"
)

func simDrive() *drivesim.Drive {
	return drivesim.NewDrive(
		drive.Limits{MaxKeySize: 4096, MaxValueSize: 1024, MaxVersionSize: 64},
		drive.Capacity{NominalCapacityBytes: 1 << 30, PortionFull: 0.5},
	)
}

func options(host string) drive.ConnectionOptions {
	return drive.ConnectionOptions{Endpoint: drive.Endpoint{Host: host, Port: 8123}}
}

func TestGetFailsFastWhileDisconnected(t *testing.T) {
	w := watcher.New(zap.NewNop())
	defer w.Close()
	sim := simDrive()

	a := connection.New(options("primary"), options("secondary"), sim.Dial, w, time.Hour, zap.NewNop())
	defer a.Close()

	// the first get never blocks on the connect, it fails and schedules
	// the reconnect in the background
	_, err := a.Get()
	require.Error(t, err)
	assert.True(t, kerrors.IsNotConnected(err))

	require.Eventually(t, a.Healthy, time.Second, time.Millisecond)
	c, err := a.Get()
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestReconnectIsRateLimited(t *testing.T) {
	w := watcher.New(zap.NewNop())
	defer w.Close()
	sim := simDrive()
	sim.SetDown(true)

	var dials atomic.Int32
	dial := func(opts drive.ConnectionOptions) (drive.Connection, error) {
		dials.Add(1)
		return sim.Dial(opts)
	}

	a := connection.New(options("primary"), options("secondary"), dial, w, time.Hour, zap.NewNop())
	defer a.Close()

	_, err := a.Get()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return dials.Load() >= 2 // primary attempted, fallback attempted
	}, time.Second, time.Millisecond)

	// within the rate limit window further gets must not dial again
	for i := 0; i < 5; i++ {
		_, err = a.Get()
		require.Error(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), dials.Load())
}

func TestReconnectFallsBackToSecondEndpoint(t *testing.T) {
	w := watcher.New(zap.NewNop())
	defer w.Close()
	good := simDrive()
	bad := simDrive()
	bad.SetDown(true)

	dial := func(opts drive.ConnectionOptions) (drive.Connection, error) {
		if opts.Endpoint.Host == "broken" {
			return bad.Dial(opts)
		}
		return good.Dial(opts)
	}

	a := connection.New(options("broken"), options("working"), dial, w, time.Hour, zap.NewNop())
	defer a.Close()

	assert.True(t, a.EnsureConnected())
}

func TestSetErrorMarksUnhealthy(t *testing.T) {
	w := watcher.New(zap.NewNop())
	defer w.Close()
	sim := simDrive()

	a := connection.New(options("primary"), options("secondary"), sim.Dial, w, time.Hour, zap.NewNop())
	defer a.Close()

	require.True(t, a.EnsureConnected())
	a.SetError()
	assert.False(t, a.Healthy())

	_, err := a.Get()
	assert.True(t, kerrors.IsNotConnected(err))
}

func TestBrokenSessionFailsPendingOpsThroughPump(t *testing.T) {
	w := watcher.New(zap.NewNop())
	defer w.Close()
	sim := simDrive()

	a := connection.New(options("primary"), options("secondary"), sim.Dial, w, time.Millisecond, zap.NewNop())
	defer a.Close()

	require.True(t, a.EnsureConnected())
	c, err := a.Get()
	require.NoError(t, err)

	sim.SetDown(true)
	statusC := make(chan drive.Status, 1)
	c.NoOp(func(status drive.Status) { statusC <- status })

	// the watcher pumps the readiness signal, discovers the broken
	// session, fails the op and drops the connection health
	select {
	case status := <-statusC:
		assert.Equal(t, drive.StatusRemoteConnectionError, status.Code)
	case <-time.After(time.Second):
		t.Fatal("pending op never completed")
	}
	require.Eventually(t, func() bool {
		return !a.Healthy()
	}, time.Second, time.Millisecond)
}

func TestName(t *testing.T) {
	w := watcher.New(zap.NewNop())
	defer w.Close()
	a := connection.New(options("host1"), options("host2"), simDrive().Dial, w, time.Hour, zap.NewNop())
	defer a.Close()
	assert.Equal(t, "(host1:8123 and host2:8123)", a.Name())
}
