package cache

import (
	"bytes"
	"sync"
	"time"

	"github.com/plensing/kineticio/internal/drive"
	kerrors "github.com/plensing/kineticio/internal/errors"
)

// Mode controls the initial existence assumption of a block
type Mode int

const (
	// ModeStandard assumes the key already exists on the cluster
	ModeStandard Mode = iota
	// ModeCreate assumes the key does not exist yet; the block counts as
	// dirty until its first flush even without local writes
	ModeCreate
)

// versionExpiration bounds how long a validated version is trusted before
// the remote version is checked again
const versionExpiration = 1000 * time.Millisecond

// Cluster is the slice of the cluster facade a data block depends on
type Cluster interface {
	ID() string
	Limits() drive.Limits
	Get(key []byte, skipValue bool) (version, value []byte, err error)
	Put(key, previous, value []byte, force bool) (version []byte, err error)
}

// update is one recorded write; length zero denotes a truncate to offset
type update struct {
	offset int64
	length int64
}

// DataBlock is the in-memory representation of a single logical block. It
// caches the value, journals local writes for remote merging, and flushes
// against the cluster with optimistic version concurrency.
type DataBlock struct {
	mu        sync.Mutex
	cluster   Cluster
	key       []byte
	mode      Mode
	version   []byte
	value     []byte
	valueSize int64
	timestamp time.Time
	updates   []update
}

// NewDataBlock creates a block for the given key. No I/O happens until the
// block is first read, sized or flushed.
func NewDataBlock(cluster Cluster, key []byte, mode Mode) *DataBlock {
	return &DataBlock{cluster: cluster, key: append([]byte(nil), key...), mode: mode}
}

// Key returns the drive key of the block
func (b *DataBlock) Key() []byte { return b.key }

// Identity returns the cache identity of the block: key scoped by cluster
func (b *DataBlock) Identity() string {
	return string(b.key) + b.cluster.ID()
}

// Capacity returns the maximum value size of the block's cluster
func (b *DataBlock) Capacity() int64 {
	return b.cluster.Limits().MaxValueSize
}

// validateVersion reports whether the in-memory state is fresh enough to
// serve. Within the expiration window no I/O happens; afterwards the
// remote version is compared against the local one.
func (b *DataBlock) validateVersion() bool {
	if time.Since(b.timestamp) < versionExpiration {
		return true
	}

	// a first read on a block opened in standard mode goes straight to
	// the get operation, no point checking the version of nothing
	if b.version == nil && b.mode == ModeStandard {
		return false
	}

	remoteVersion, _, err := b.cluster.Get(b.key, true)

	// a block that was never flushed is expected to be missing remotely
	if (b.version == nil && drive.IsNotFound(err)) ||
		(err == nil && b.version != nil && bytes.Equal(b.version, remoteVersion)) {
		b.timestamp = time.Now()
		return true
	}
	return false
}

// getRemoteValue fetches the current remote record and merges the local
// update journal over it, preserving write-behind semantics while
// tolerating concurrent remote change.
func (b *DataBlock) getRemoteValue() error {
	remoteVersion, remoteValue, err := b.cluster.Get(b.key, false)
	if err != nil && !drive.IsNotFound(err) {
		return kerrors.Wrap(kerrors.CodeIO, "reading key '"+string(b.key)+"' from cluster", err)
	}
	if drive.IsNotFound(err) {
		b.version = nil
		remoteValue = nil
	} else {
		b.version = remoteVersion
	}

	merged := append([]byte(nil), remoteValue...)
	b.valueSize = int64(len(merged))

	if len(b.updates) > 0 && int64(len(merged)) < b.Capacity() {
		merged = append(merged, make([]byte, b.Capacity()-int64(len(merged)))...)
	}
	for _, u := range b.updates {
		if u.length == 0 {
			b.valueSize = u.offset
			continue
		}
		copy(merged[u.offset:u.offset+u.length], b.value[u.offset:u.offset+u.length])
		if u.offset+u.length > b.valueSize {
			b.valueSize = u.offset + u.length
		}
	}
	b.value = merged
	b.timestamp = time.Now()
	return nil
}

// Read copies len(buf) bytes at offset into buf. Reads past the value size
// yield zeros, matching files with holes.
func (b *DataBlock) Read(buf []byte, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buf == nil {
		return kerrors.New(kerrors.CodeInvalidArgument, "nil buffer supplied")
	}
	if offset < 0 {
		return kerrors.New(kerrors.CodeInvalidArgument, "negative offset")
	}
	if offset+int64(len(buf)) > b.Capacity() {
		return kerrors.New(kerrors.CodeInvalidArgument, "attempting to read past cluster limits")
	}

	if !b.validateVersion() {
		if err := b.getRemoteValue(); err != nil {
			return err
		}
	}

	if offset+int64(len(buf)) > b.valueSize {
		for i := range buf {
			buf[i] = 0
		}
	}
	if b.valueSize > offset {
		n := int64(len(buf))
		if b.valueSize-offset < n {
			n = b.valueSize - offset
		}
		copy(buf[:n], b.value[offset:offset+n])
	}
	return nil
}

// Write splices buf into the block at offset and journals the update
func (b *DataBlock) Write(buf []byte, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buf == nil {
		return kerrors.New(kerrors.CodeInvalidArgument, "nil buffer supplied")
	}
	if offset < 0 {
		return kerrors.New(kerrors.CodeInvalidArgument, "negative offset")
	}
	if offset+int64(len(buf)) > b.Capacity() {
		return kerrors.New(kerrors.CodeInvalidArgument, "attempting to write past cluster limits")
	}

	if offset+int64(len(buf)) > b.valueSize {
		b.valueSize = offset + int64(len(buf))
	}

	// grow straight to capacity so repeated writes do not churn the heap;
	// valueSize tracks the authoritative size separately
	if int64(len(b.value)) < b.valueSize {
		grown := make([]byte, b.Capacity())
		copy(grown, b.value)
		b.value = grown
	}

	copy(b.value[offset:], buf)
	b.updates = append(b.updates, update{offset: offset, length: int64(len(buf))})
	return nil
}

// Truncate sets the value size and journals the truncate
func (b *DataBlock) Truncate(offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < 0 {
		return kerrors.New(kerrors.CodeInvalidArgument, "negative offset")
	}
	if offset > b.Capacity() {
		return kerrors.New(kerrors.CodeInvalidArgument, "attempting to truncate past cluster limits")
	}

	b.valueSize = offset
	b.updates = append(b.updates, update{offset: offset, length: 0})
	return nil
}

// Flush writes the block back to the cluster. A concurrent remote change
// surfaces as a version mismatch; the remote value is then re-read, local
// updates are merged over it, and the put is retried until it sticks or
// fails for another reason.
func (b *DataBlock) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fitValueToSize()
	version, err := b.cluster.Put(b.key, b.version, b.value, false)
	for drive.IsVersionMismatch(err) {
		if gerr := b.getRemoteValue(); gerr != nil {
			return gerr
		}
		b.fitValueToSize()
		version, err = b.cluster.Put(b.key, b.version, b.value, false)
	}
	if err != nil {
		return kerrors.Wrap(kerrors.CodeIO, "writing key '"+string(b.key)+"' to cluster", err)
	}

	b.version = version
	b.updates = b.updates[:0]
	b.timestamp = time.Now()
	return nil
}

// fitValueToSize shrinks or zero-extends the value to the authoritative
// size before a put. Extension happens after a truncate-up.
func (b *DataBlock) fitValueToSize() {
	if int64(len(b.value)) > b.valueSize {
		b.value = b.value[:b.valueSize]
	} else if int64(len(b.value)) < b.valueSize {
		b.value = append(b.value, make([]byte, b.valueSize-int64(len(b.value)))...)
	}
}

// Dirty reports whether the block holds state the cluster does not. A
// create-mode block counts as dirty until its first flush, even untouched.
func (b *DataBlock) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.updates) > 0 {
		return true
	}
	return b.version == nil && b.mode == ModeCreate
}

// Size returns the value size, refreshing from the cluster if stale
func (b *DataBlock) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.validateVersion() {
		if err := b.getRemoteValue(); err != nil {
			return 0, err
		}
	}
	return b.valueSize, nil
}
