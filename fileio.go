package kineticio

import (
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/plensing/kineticio/internal/cache"
	"github.com/plensing/kineticio/internal/cluster"
	"github.com/plensing/kineticio/internal/drive"
	kerrors "github.com/plensing/kineticio/internal/errors"
)

// pathPrefix is the URL scheme of file paths: kinetic://{clusterID}/{name}
const pathPrefix = "kinetic://"

// MakeFileIo opens a file I/O object for a kinetic://{clusterID}/{name}
// path. Malformed paths fail with an invalid-argument error, unknown
// cluster ids with a no-device error.
func (l *Library) MakeFileIo(path string) (*FileIo, error) {
	clusterID, name, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cl, err := l.cmap.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	return &FileIo{
		cache:   l.cache,
		cluster: cl,
		name:    name,
	}, nil
}

// parsePath splits a kinetic://{clusterID}/{name} path
func parsePath(path string) (clusterID, name string, err error) {
	if !strings.HasPrefix(path, pathPrefix) {
		return "", "", kerrors.Newf(kerrors.CodeInvalidArgument, "path '%s' is not a kinetic:// url", path)
	}
	rest := strings.TrimPrefix(path, pathPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", kerrors.Newf(kerrors.CodeInvalidArgument, "path '%s' lacks cluster id or file name", path)
	}
	return parts[0], parts[1], nil
}

// FileIo is one open file. Logical offsets are chunked into blocks of the
// cluster's logical value size limit; blocks flow through the shared data
// cache with write-behind flushing.
type FileIo struct {
	cache   *cache.DataCache
	cluster *cluster.Cluster
	name    string

	mu        sync.Mutex
	lastBlock *cache.DataBlock
	lastNum   int
	hasLast   bool
	closed    bool
}

// BlockBasename identifies this file's blocks on the drives
func (f *FileIo) BlockBasename() string { return f.name }

// Cluster returns the cluster facade the file lives on
func (f *FileIo) Cluster() cache.Cluster { return f.cluster }

// blockCapacity returns the logical size of one block
func (f *FileIo) blockCapacity() int64 {
	return f.cluster.Limits().MaxValueSize
}

// segment maps a span of the request buffer onto one block
type segment struct {
	blocknumber int
	blockOffset int64
	buf         []byte
}

// segments chunks a request at offset into per-block spans
func (f *FileIo) segments(buf []byte, offset int64) []segment {
	capacity := f.blockCapacity()
	var out []segment
	for len(buf) > 0 {
		bn := int(offset / capacity)
		boff := offset % capacity
		n := capacity - boff
		if int64(len(buf)) < n {
			n = int64(len(buf))
		}
		out = append(out, segment{blocknumber: bn, blockOffset: boff, buf: buf[:n]})
		buf = buf[n:]
		offset += n
	}
	return out
}

// Read fills buf from the file at offset. Holes read as zeros; callers
// bound reads using Size.
func (f *FileIo) Read(buf []byte, offset int64) (int, error) {
	if err := f.checkRequest(buf, offset); err != nil {
		return 0, err
	}

	// blocks are independent, fetch them in parallel
	var g errgroup.Group
	for _, seg := range f.segments(buf, offset) {
		block, err := f.cache.Get(f, seg.blocknumber, cache.ModeStandard, cache.RequestStandard)
		if err != nil {
			return 0, err
		}
		seg := seg
		g.Go(func() error {
			return block.Read(seg.buf, seg.blockOffset)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Write stores buf at offset. Data is written behind: a block is
// scheduled for background flushing once the write moves past it, and
// Sync forces everything out.
func (f *FileIo) Write(buf []byte, offset int64) (int, error) {
	if err := f.checkRequest(buf, offset); err != nil {
		return 0, err
	}

	written := 0
	for _, seg := range f.segments(buf, offset) {
		// a write beginning at the block start needs no remote data
		mode := cache.ModeStandard
		if seg.blockOffset == 0 {
			mode = cache.ModeCreate
		}
		block, err := f.cache.Get(f, seg.blocknumber, mode, cache.RequestStandard)
		if err != nil {
			return written, err
		}
		if err := block.Write(seg.buf, seg.blockOffset); err != nil {
			return written, err
		}
		f.noteBlockWritten(seg.blocknumber, block)
		written += len(seg.buf)
	}
	return written, nil
}

// noteBlockWritten schedules the previously written block for background
// flushing once the write stream has moved on to another block
func (f *FileIo) noteBlockWritten(blocknumber int, block *cache.DataBlock) {
	f.mu.Lock()
	previous := f.lastBlock
	flush := f.hasLast && f.lastNum != blocknumber
	f.lastBlock = block
	f.lastNum = blocknumber
	f.hasLast = true
	f.mu.Unlock()

	if flush {
		f.cache.AsyncFlush(f, previous)
	}
}

// Truncate cuts the file to the given length. The boundary block is
// truncated in place; blocks past it are removed from the drives.
func (f *FileIo) Truncate(offset int64) error {
	if offset < 0 {
		return kerrors.New(kerrors.CodeInvalidArgument, "negative offset")
	}
	capacity := f.blockCapacity()
	bn := int(offset / capacity)

	block, err := f.cache.Get(f, bn, cache.ModeStandard, cache.RequestStandard)
	if err != nil {
		return err
	}
	if err := block.Truncate(offset % capacity); err != nil {
		return err
	}

	last, err := f.lastBlockNumber()
	if err != nil {
		return err
	}
	for n := bn + 1; n <= last; n++ {
		key := blockKeyOf(f.name, n)
		if err := f.cluster.Remove(key, nil, true); err != nil && !drive.IsNotFound(err) {
			return kerrors.Wrap(kerrors.CodeIO, "removing truncated block", err)
		}
	}
	return nil
}

// Size returns the file size: the end of the highest stored block,
// adjusted by unflushed local state of that block
func (f *FileIo) Size() (int64, error) {
	last, err := f.lastBlockNumber()
	if err != nil {
		return 0, err
	}
	if last < 0 {
		return 0, nil
	}
	block, err := f.cache.Get(f, last, cache.ModeStandard, cache.RequestStandard)
	if err != nil {
		return 0, err
	}
	blockSize, err := block.Size()
	if err != nil {
		return 0, err
	}
	return int64(last)*f.blockCapacity() + blockSize, nil
}

// lastBlockNumber enumerates this file's block keys and returns the
// highest block number, -1 when no block exists
func (f *FileIo) lastBlockNumber() (int, error) {
	start := []byte(f.name + "_")
	end := []byte(f.name + "_\xff")
	keys, err := f.cluster.Range(start, end, 0)
	if err != nil {
		return -1, kerrors.Wrap(kerrors.CodeIO, "enumerating file blocks", err)
	}
	last := -1
	prefix := f.name + "_"
	for _, key := range keys {
		suffix := strings.TrimPrefix(string(key), prefix)
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > last {
			last = n
		}
	}
	return last, nil
}

// Sync flushes every dirty block of this file
func (f *FileIo) Sync() error {
	return f.cache.Flush(f)
}

// Close syncs the file and releases its cache references
func (f *FileIo) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.Sync()
	f.cache.Drop(f)
	return err
}

// checkRequest validates the common read/write arguments
func (f *FileIo) checkRequest(buf []byte, offset int64) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return kerrors.New(kerrors.CodeInvalidArgument, "file is closed")
	}
	if buf == nil {
		return kerrors.New(kerrors.CodeInvalidArgument, "nil buffer supplied")
	}
	if offset < 0 {
		return kerrors.New(kerrors.CodeInvalidArgument, "negative offset")
	}
	return nil
}

// blockKeyOf mirrors the block key construction of the cache layer
func blockKeyOf(basename string, blocknumber int) []byte {
	return []byte(basename + "_" + strconv.Itoa(blocknumber))
}
