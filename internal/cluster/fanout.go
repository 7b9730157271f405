package cluster

import (
	"sync"
	"time"

	"github.com/plensing/kineticio/internal/connection"
	"github.com/plensing/kineticio/internal/drive"
	"github.com/plensing/kineticio/internal/util"
)

// op is one asynchronous drive operation within a fan-out. The submit
// function issues the request on a live connection; the completion callback
// stores the result fields before the op is marked finished.
type op struct {
	conn    *connection.AutoConnection
	submit  func(c drive.Connection, complete completeFn) drive.HandlerKey
	rawConn drive.Connection
	hkey    drive.HandlerKey

	finished bool
	status   drive.Status

	// operation-specific results
	record  *drive.Record
	version []byte
	keys    [][]byte
	log     *drive.Log
}

// completeFn finishes an op exactly once; assign runs under the fan-out
// lock so result fields are visible to the waiting caller
type completeFn func(status drive.Status, assign func())

// fanout synchronizes one fan-out's completions across the socket watcher
// goroutine and the calling goroutine
type fanout struct {
	mu        sync.Mutex
	remaining int
	done      chan struct{}
}

func newFanout(remaining int) *fanout {
	return &fanout{remaining: remaining, done: make(chan struct{})}
}

func (f *fanout) complete(o *op, status drive.Status, assign func()) {
	f.mu.Lock()
	if o.finished {
		f.mu.Unlock()
		return
	}
	if assign != nil {
		assign()
	}
	o.finished = true
	o.status = status
	f.remaining--
	last := f.remaining == 0
	f.mu.Unlock()
	if last {
		close(f.done)
	}
}

func (f *fanout) isFinished(o *op) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return o.finished
}

// opsFor prepares count ops assigned to drives starting at the stripe
// index of the key: shard i goes to drive (hash(key)+1+i) mod n
func (c *Cluster) opsFor(key []byte, count int) []*op {
	index := util.DriveIndex(key, len(c.connections))
	ops := make([]*op, count)
	for i := range ops {
		ops[i] = &op{conn: c.connections[(index+i)%len(c.connections)]}
	}
	return ops
}

// execute runs the shared three-phase fan-out: submit every op, wait for
// all callbacks under the operation timeout, then find the quorum status.
// Per-drive failures are absorbed here; a status reaching nData agreeing
// results decides the overall outcome.
func (c *Cluster) execute(ops []*op) drive.Status {
	f := newFanout(len(ops))

	// Phase 1: pull connections and issue the async calls. Drives without
	// a valid connection fail their op immediately.
	for _, o := range ops {
		o := o
		cn, err := o.conn.Get()
		if err != nil {
			f.complete(o, drive.Status{
				Code:    drive.StatusRemoteConnectionError,
				Message: err.Error(),
			}, nil)
			continue
		}
		o.rawConn = cn
		o.hkey = o.submit(cn, func(status drive.Status, assign func()) {
			f.complete(o, status, assign)
		})
	}

	// Phase 2: the socket watcher pumps completions; wait for all
	// callbacks or fail whatever is still outstanding on timeout.
	select {
	case <-f.done:
	case <-time.After(c.opTimeout):
		timeout := drive.Status{Code: drive.StatusClientIOError, Message: "network timeout"}
		for _, o := range ops {
			if f.isFinished(o) {
				continue
			}
			if o.rawConn != nil {
				o.rawConn.RemoveHandler(o.hkey)
			}
			f.complete(o, timeout, nil)
			o.conn.SetError()
			c.metrics.ConnectionError()
		}
	}

	// Phase 3: quorum. The first status code appearing at least nData
	// times wins; once any frequency exceeds len(ops)-nData (nParity for a
	// stripe-wide fan-out) no other code can still reach nData.
	counts := make(map[drive.StatusCode]int, len(ops))
	for _, o := range ops {
		counts[o.status.Code]++
	}
	for _, o := range ops {
		frequency := counts[o.status.Code]
		if frequency >= c.numData {
			return o.status
		}
		if frequency > len(ops)-c.numData {
			break
		}
	}
	return drive.Status{
		Code:    drive.StatusClientIOError,
		Message: "Failed to get sufficient conforming return results from drives.",
	}
}

// mostFrequentVersion returns the version shared by the largest group of
// successful ops and the size of that group. Ties resolve to the version
// encountered first in drive order.
func mostFrequentVersion(ops []*op, versionOf func(*op) ([]byte, bool)) ([]byte, int) {
	var best []byte
	bestCount := 0
	for _, o := range ops {
		v, ok := versionOf(o)
		if !ok {
			continue
		}
		count := 0
		for _, l := range ops {
			lv, lok := versionOf(l)
			if lok && string(lv) == string(v) {
				count++
			}
		}
		if count > bestCount {
			best = v
			bestCount = count
		}
		if count > len(ops)/2 {
			break
		}
	}
	return best, bestCount
}
