// Package drivesim provides an in-memory drive implementing the wire
// contract of package drive. It backs the package tests: drives can be
// stopped and restarted to exercise reconnect and quorum behavior.
package drivesim

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/plensing/kineticio/internal/drive"
)

var fdCounter atomic.Int64

// Drive is one simulated key/value drive. All sessions opened through Dial
// share its record store.
type Drive struct {
	mu       sync.Mutex
	records  map[string]drive.Record
	down     bool
	limits   drive.Limits
	capacity drive.Capacity
}

// NewDrive creates a drive advertising the given limits and capacity
func NewDrive(limits drive.Limits, capacity drive.Capacity) *Drive {
	return &Drive{
		records:  make(map[string]drive.Record),
		limits:   limits,
		capacity: capacity,
	}
}

// SetDown stops or restarts the drive. While down, dialing fails and
// existing sessions break on their next Run.
func (d *Drive) SetDown(down bool) {
	d.mu.Lock()
	d.down = down
	d.mu.Unlock()
}

// Record returns a copy of the stored record for the key, if any
func (d *Drive) Record(key []byte) (drive.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[string(key)]
	if !ok {
		return drive.Record{}, false
	}
	return copyRecord(rec), true
}

// Len returns the number of stored records
func (d *Drive) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Dial opens a new session to the drive. Use as the drive.Dialer of a
// cluster under test.
func (d *Drive) Dial(_ drive.ConnectionOptions) (drive.Connection, error) {
	d.mu.Lock()
	down := d.down
	d.mu.Unlock()
	if down {
		return nil, fmt.Errorf("drive not reachable")
	}
	return &conn{
		drive:    d,
		fd:       int(fdCounter.Add(1)),
		ready:    make(chan struct{}, 1),
		handlers: make(map[drive.HandlerKey]func(broken bool)),
	}, nil
}

// conn is one session to a simulated drive. Operations complete
// immediately into a pending set and are delivered on Run, mirroring a
// nonblocking protocol session.
type conn struct {
	drive *Drive
	fd    int

	mu       sync.Mutex
	nextKey  drive.HandlerKey
	handlers map[drive.HandlerKey]func(broken bool)
	order    []drive.HandlerKey
	closed   bool
	broken   bool
	ready    chan struct{}
}

// enqueue registers a completion and signals readiness
func (c *conn) enqueue(deliver func(broken bool)) drive.HandlerKey {
	c.mu.Lock()
	c.nextKey++
	key := c.nextKey
	c.handlers[key] = deliver
	c.order = append(c.order, key)
	if !c.closed {
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
	return key
}

// Run delivers all pending completions. Returns false when the session is
// broken; in that case every outstanding handler completes with a
// connection error first.
func (c *conn) Run() bool {
	c.drive.mu.Lock()
	down := c.drive.down
	c.drive.mu.Unlock()

	c.mu.Lock()
	if down {
		c.broken = true
	}
	broken := c.broken
	pending := make([]func(bool), 0, len(c.order))
	for _, key := range c.order {
		if deliver, ok := c.handlers[key]; ok {
			pending = append(pending, deliver)
			delete(c.handlers, key)
		}
	}
	c.order = c.order[:0]
	c.mu.Unlock()

	for _, deliver := range pending {
		deliver(broken)
	}
	return !broken
}

func (c *conn) RemoveHandler(key drive.HandlerKey) {
	c.mu.Lock()
	delete(c.handlers, key)
	c.mu.Unlock()
}

func (c *conn) Fd() int { return c.fd }

func (c *conn) Readiness() <-chan struct{} { return c.ready }

func (c *conn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.ready)
	}
	c.mu.Unlock()
	return nil
}

var connectionError = drive.Status{
	Code:    drive.StatusRemoteConnectionError,
	Message: "connection broken",
}

func (c *conn) Get(key []byte, cb drive.GetCallback) drive.HandlerKey {
	rec, ok := c.drive.lookup(key)
	return c.enqueue(func(broken bool) {
		switch {
		case broken:
			cb(connectionError, nil)
		case !ok:
			cb(drive.Status{Code: drive.StatusRemoteNotFound, Message: "key not found"}, nil)
		default:
			cb(drive.Status{Code: drive.StatusOK}, &rec)
		}
	})
}

func (c *conn) GetVersion(key []byte, cb drive.GetVersionCallback) drive.HandlerKey {
	rec, ok := c.drive.lookup(key)
	return c.enqueue(func(broken bool) {
		switch {
		case broken:
			cb(connectionError, nil)
		case !ok:
			cb(drive.Status{Code: drive.StatusRemoteNotFound, Message: "key not found"}, nil)
		default:
			cb(drive.Status{Code: drive.StatusOK}, rec.Version)
		}
	})
}

func (c *conn) Put(key, previous []byte, mode drive.WriteMode, record *drive.Record, cb drive.PutCallback, _ drive.PersistMode) drive.HandlerKey {
	status := c.drive.store(key, previous, mode, record)
	return c.enqueue(func(broken bool) {
		if broken {
			cb(connectionError)
			return
		}
		cb(status)
	})
}

func (c *conn) Delete(key, previous []byte, mode drive.WriteMode, cb drive.DeleteCallback, _ drive.PersistMode) drive.HandlerKey {
	status := c.drive.remove(key, previous, mode)
	return c.enqueue(func(broken bool) {
		if broken {
			cb(connectionError)
			return
		}
		cb(status)
	})
}

func (c *conn) GetKeyRange(start, end []byte, startInclusive, endInclusive, reverse bool, max int, cb drive.RangeCallback) drive.HandlerKey {
	keys := c.drive.keyRange(start, end, startInclusive, endInclusive, reverse, max)
	return c.enqueue(func(broken bool) {
		if broken {
			cb(connectionError, nil)
			return
		}
		cb(drive.Status{Code: drive.StatusOK}, keys)
	})
}

func (c *conn) GetLog(_ []drive.LogType, cb drive.GetLogCallback) drive.HandlerKey {
	c.drive.mu.Lock()
	log := &drive.Log{Capacity: c.drive.capacity, Limits: c.drive.limits}
	c.drive.mu.Unlock()
	return c.enqueue(func(broken bool) {
		if broken {
			cb(connectionError, nil)
			return
		}
		cb(drive.Status{Code: drive.StatusOK}, log)
	})
}

func (c *conn) NoOp(cb drive.NoOpCallback) drive.HandlerKey {
	return c.enqueue(func(broken bool) {
		if broken {
			cb(connectionError)
			return
		}
		cb(drive.Status{Code: drive.StatusOK})
	})
}

func (d *Drive) lookup(key []byte) (drive.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[string(key)]
	if !ok {
		return drive.Record{}, false
	}
	return copyRecord(rec), true
}

func (d *Drive) store(key, previous []byte, mode drive.WriteMode, record *drive.Record) drive.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return connectionError
	}
	if mode == drive.RequireSameVersion {
		existing, ok := d.records[string(key)]
		stored := []byte(nil)
		if ok {
			stored = existing.Version
		}
		if !bytes.Equal(stored, previous) {
			return drive.Status{Code: drive.StatusRemoteVersionMismatch, Message: "version mismatch"}
		}
	}
	d.records[string(key)] = copyRecord(*record)
	return drive.Status{Code: drive.StatusOK}
}

func (d *Drive) remove(key, previous []byte, mode drive.WriteMode) drive.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return connectionError
	}
	existing, ok := d.records[string(key)]
	if !ok {
		return drive.Status{Code: drive.StatusRemoteNotFound, Message: "key not found"}
	}
	if mode == drive.RequireSameVersion && !bytes.Equal(existing.Version, previous) {
		return drive.Status{Code: drive.StatusRemoteVersionMismatch, Message: "version mismatch"}
	}
	delete(d.records, string(key))
	return drive.Status{Code: drive.StatusOK}
}

func (d *Drive) keyRange(start, end []byte, startInclusive, endInclusive, reverse bool, max int) [][]byte {
	d.mu.Lock()
	keys := make([]string, 0, len(d.records))
	for k := range d.records {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	var out [][]byte
	for _, k := range keys {
		if max > 0 && len(out) >= max {
			break
		}
		if !within([]byte(k), start, end, startInclusive, endInclusive) {
			continue
		}
		out = append(out, []byte(k))
	}
	return out
}

func within(key, start, end []byte, startInclusive, endInclusive bool) bool {
	cs := bytes.Compare(key, start)
	if cs < 0 || (cs == 0 && !startInclusive) {
		return false
	}
	ce := bytes.Compare(key, end)
	if ce > 0 || (ce == 0 && !endInclusive) {
		return false
	}
	return true
}

func copyRecord(rec drive.Record) drive.Record {
	return drive.Record{
		Value:     append([]byte(nil), rec.Value...),
		Version:   append([]byte(nil), rec.Version...),
		Tag:       rec.Tag,
		Algorithm: rec.Algorithm,
	}
}

var _ drive.Connection = (*conn)(nil)
