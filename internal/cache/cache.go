// Package cache memoizes decoded data blocks, bounded by a soft target
// and a hard capacity, with LRU eviction, cache-pressure writer throttling
// and pattern-driven readahead.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	kerrors "github.com/plensing/kineticio/internal/errors"
	"github.com/plensing/kineticio/internal/metrics"
	"github.com/plensing/kineticio/internal/util"
	"github.com/plensing/kineticio/internal/util/workerpool"
)

// RequestMode distinguishes client requests from readahead-internal ones
type RequestMode int

const (
	// RequestStandard marks a request by a client of the cache; it feeds
	// the readahead logic and is subject to pressure throttling
	RequestStandard RequestMode = iota
	// RequestReadahead marks a cache-internal prefetch request
	RequestReadahead
)

// Owner identifies one client of the cache, typically an open file. Owner
// values must be valid map keys.
type Owner interface {
	BlockBasename() string
	Cluster() Cluster
}

// cacheItem couples a block with the owners referencing it. An item leaves
// the cache only when its owner set drains.
type cacheItem struct {
	owners map[Owner]struct{}
	block  *DataBlock
}

// DataCache is the shared LRU of data blocks. Eviction walks the list tail
// and only touches clean blocks; the synchronous over-capacity path is the
// single place allowed to force-flush a dirty tail block.
type DataCache struct {
	mu          sync.Mutex
	items       *list.List // of *cacheItem, most recent first
	lookup      map[string]*list.Element
	ownerTables map[Owner]map[*list.Element]struct{}
	tailItems   int

	currentSize atomic.Int64
	targetSize  atomic.Int64
	capacity    atomic.Int64

	excMu      sync.Mutex
	exceptions map[Owner]error

	raMu            sync.Mutex
	prefetch        map[Owner]*PrefetchOracle
	readaheadWindow int

	cleanupMu    sync.Mutex
	cleanupStamp time.Time

	pool    *workerpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a cache with the given soft target and hard capacity in
// bytes, a background pool for flushes and prefetches, and the readahead
// window size
func New(targetSize, capacity int64, bgThreads, bgQueueDepth, readaheadWindow int, logger *zap.Logger, m *metrics.Metrics) (*DataCache, error) {
	if capacity < targetSize {
		return nil, kerrors.New(kerrors.CodeInvalidArgument, "cache target size may not exceed capacity")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &DataCache{
		items:           list.New(),
		lookup:          make(map[string]*list.Element),
		ownerTables:     make(map[Owner]map[*list.Element]struct{}),
		exceptions:      make(map[Owner]error),
		prefetch:        make(map[Owner]*PrefetchOracle),
		readaheadWindow: readaheadWindow,
		pool:            workerpool.New(bgThreads, bgQueueDepth, logger),
		logger:          logger,
		metrics:         m,
	}
	c.targetSize.Store(targetSize)
	c.capacity.Store(capacity)
	return c, nil
}

// ChangeConfiguration adjusts cache sizing, background concurrency and the
// readahead window at runtime
func (c *DataCache) ChangeConfiguration(targetSize, capacity int64, bgThreads, bgQueueDepth, readaheadWindow int) {
	c.raMu.Lock()
	c.readaheadWindow = readaheadWindow
	c.raMu.Unlock()

	c.mu.Lock()
	c.tailItems = 0
	c.mu.Unlock()

	c.targetSize.Store(targetSize)
	c.capacity.Store(capacity)
	c.pool.ChangeConfiguration(bgThreads, bgQueueDepth)
}

// Close stops the background pool. Dirty blocks are not flushed; owners
// flush through Sync/Flush before shutdown.
func (c *DataCache) Close() {
	c.pool.Stop()
}

// Pressure returns how far the cache has grown past its target relative to
// the remaining headroom: 0 at or below the target, 1 at capacity. It
// exceeds 1 while the cache holds more than its capacity, e.g. after
// ChangeConfiguration lowered the capacity.
func (c *DataCache) Pressure() float64 {
	current := c.currentSize.Load()
	target := c.targetSize.Load()
	capacity := c.capacity.Load()
	if current <= target {
		return 0
	}
	if capacity <= target {
		return 1
	}
	return float64(current-target) / float64(capacity-target)
}

// Get returns the cached block for the owner, instantiating and inserting
// it on a miss. Standard requests feed the readahead logic (except in
// create mode) and are throttled by cache pressure. A background flush
// error stashed for the owner is returned (and cleared) before anything
// else.
func (c *DataCache) Get(owner Owner, blocknumber int, mode Mode, rm RequestMode) (*DataBlock, error) {
	c.excMu.Lock()
	if err, ok := c.exceptions[owner]; ok {
		delete(c.exceptions, owner)
		c.excMu.Unlock()
		return nil, err
	}
	c.excMu.Unlock()

	if rm == RequestStandard {
		if mode != ModeCreate {
			if err := c.readahead(owner, blocknumber); err != nil {
				return nil, err
			}
		}
		c.throttle()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	identity := string(util.BlockKey(owner.BlockBasename(), blocknumber)) + owner.Cluster().ID()
	if el, ok := c.lookup[identity]; ok {
		c.items.MoveToFront(el)
		item := el.Value.(*cacheItem)
		item.owners[owner] = struct{}{}
		c.ownerTable(owner)[el] = struct{}{}
		c.metrics.CacheHit()
		return item.block, nil
	}
	c.metrics.CacheMiss()

	// best effort: walk a bounded slice of the tail and drop clean blocks
	c.tailEvictLocked()

	// past the hard limit dirty data has to go synchronously
	if c.currentSize.Load()+owner.Cluster().Limits().MaxValueSize > c.capacity.Load() {
		c.logger.Warn("Cache capacity reached")
		if el := c.items.Back(); el != nil {
			item := el.Value.(*cacheItem)
			if item.block.Dirty() {
				if err := item.block.Flush(); err != nil {
					return nil, kerrors.Wrap(kerrors.CodeIO, "failed freeing cache space", err)
				}
			}
			c.removeItemLocked(el)
		}
	}

	block := NewDataBlock(owner.Cluster(), util.BlockKey(owner.BlockBasename(), blocknumber), mode)
	el := c.items.PushFront(&cacheItem{
		owners: map[Owner]struct{}{owner: {}},
		block:  block,
	})
	c.lookup[identity] = el
	c.currentSize.Add(block.Capacity())
	c.metrics.SetCacheSize(c.currentSize.Load())
	c.ownerTable(owner)[el] = struct{}{}
	return block, nil
}

// ownerTable returns the owner's iterator set, creating it on first use.
// Callers hold c.mu.
func (c *DataCache) ownerTable(owner Owner) map[*list.Element]struct{} {
	table, ok := c.ownerTables[owner]
	if !ok {
		table = make(map[*list.Element]struct{})
		c.ownerTables[owner] = table
	}
	return table
}

// removeItemLocked severs the item from the lookup map, every owner table
// and the list. Callers hold c.mu.
func (c *DataCache) removeItemLocked(el *list.Element) {
	item := el.Value.(*cacheItem)
	for owner := range item.owners {
		delete(c.ownerTables[owner], el)
	}
	c.currentSize.Add(-item.block.Capacity())
	c.metrics.SetCacheSize(c.currentSize.Load())
	delete(c.lookup, item.block.Identity())
	c.items.Remove(el)
	c.metrics.CacheEviction()
}

// tailEvictLocked walks up to the tail-item budget from the back of the
// list, dropping clean blocks while the cache exceeds its target. The
// budget snapshots a quarter of the list whenever it is zero while the
// cache exceeds its target. Passes do not consume it, so it is retaken only
// after ChangeConfiguration resets it or when the snapshot came out zero.
// Callers hold c.mu.
func (c *DataCache) tailEvictLocked() {
	target := c.targetSize.Load()
	if c.tailItems == 0 && c.currentSize.Load() > target {
		c.tailItems = c.items.Len() / 4
	}
	checked := 0
	for el := c.items.Back(); el != nil && el != c.items.Front() &&
		c.currentSize.Load() > target && checked < c.tailItems; checked++ {
		prev := el.Prev()
		item := el.Value.(*cacheItem)
		if !item.block.Dirty() {
			c.removeItemLocked(el)
		}
		el = prev
	}
}

// throttle delays the caller proportionally to cache pressure, giving
// background flushes a chance to drain dirty data while guaranteeing
// progress. Tail cleanup runs at most every 50ms across all throttlers.
func (c *DataCache) throttle() {
	const cleanupRateLimit = 50 * time.Millisecond

	for waitPressure := 0.1; ; waitPressure += 0.01 {
		c.cleanupMu.Lock()
		if time.Since(c.cleanupStamp) > cleanupRateLimit {
			c.cleanupStamp = time.Now()
			c.mu.Lock()
			c.tailEvictLocked()
			c.mu.Unlock()
		}
		c.cleanupMu.Unlock()

		if c.Pressure() <= waitPressure {
			return
		}
		// sleep to give dirty data a chance to flush before retrying
		time.Sleep(100 * time.Millisecond)
	}
}

// readahead feeds the owner's access pattern oracle and schedules
// background one-byte reads for the predicted blocks. The oracle is always
// fed; prediction is skipped while the cache pressure is 0.1 or more.
// Prefetch failures are silent;
// a real read re-encounters them.
func (c *DataCache) readahead(owner Owner, blocknumber int) error {
	var prediction []int
	c.raMu.Lock()
	oracle, ok := c.prefetch[owner]
	if !ok {
		oracle = NewPrefetchOracle(c.readaheadWindow)
		c.prefetch[owner] = oracle
	}
	oracle.Add(blocknumber)
	if c.Pressure() < 0.1 {
		prediction = oracle.Predict(c.readaheadWindow, PredictContinue)
	}
	c.raMu.Unlock()

	for _, predicted := range prediction {
		block, err := c.Get(owner, predicted, ModeStandard, RequestReadahead)
		if err != nil {
			return err
		}
		c.pool.TryRun(func() {
			var one [1]byte
			_ = block.Read(one[:], 0)
		})
	}
	return nil
}

// Flush flushes every dirty block the owner references, outside the cache
// lock. Errors are collected per block.
func (c *DataCache) Flush(owner Owner) error {
	c.excMu.Lock()
	delete(c.exceptions, owner)
	c.excMu.Unlock()

	// copy the block list out so flushing happens without the cache lock
	var blocks []*DataBlock
	c.mu.Lock()
	for el := range c.ownerTables[owner] {
		blocks = append(blocks, el.Value.(*cacheItem).block)
	}
	c.mu.Unlock()

	var result *multierror.Error
	for _, block := range blocks {
		if block.Dirty() {
			if err := block.Flush(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Drop removes the owner from every block it references, evicting blocks
// whose owner set drains, and forgets the owner's stashed error and
// prefetch state. Called when a file is closed.
func (c *DataCache) Drop(owner Owner) {
	c.excMu.Lock()
	delete(c.exceptions, owner)
	c.excMu.Unlock()

	c.raMu.Lock()
	delete(c.prefetch, owner)
	c.raMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.ownerTables[owner]
	elements := make([]*list.Element, 0, len(table))
	for el := range table {
		elements = append(elements, el)
	}
	for _, el := range elements {
		item := el.Value.(*cacheItem)
		delete(item.owners, owner)
		if len(item.owners) == 0 {
			c.removeItemLocked(el)
		}
	}
	delete(c.ownerTables, owner)
}

// Stats describes the current cache state
type Stats struct {
	Items       int
	CurrentSize int64
	TargetSize  int64
	Capacity    int64
	Pressure    float64
}

// Stats returns the current cache state
func (c *DataCache) Stats() Stats {
	c.mu.Lock()
	items := c.items.Len()
	c.mu.Unlock()
	return Stats{
		Items:       items,
		CurrentSize: c.currentSize.Load(),
		TargetSize:  c.targetSize.Load(),
		Capacity:    c.capacity.Load(),
		Pressure:    c.Pressure(),
	}
}

// AsyncFlush dispatches a flush of the block to the background pool. A
// flush error is stashed for the owner and resurfaces from its next Get.
func (c *DataCache) AsyncFlush(owner Owner, block *DataBlock) {
	c.pool.Run(func() {
		if !block.Dirty() {
			return
		}
		if err := block.Flush(); err != nil {
			c.excMu.Lock()
			c.exceptions[owner] = err
			c.excMu.Unlock()
		}
	})
}
