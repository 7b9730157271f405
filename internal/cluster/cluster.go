// Package cluster turns single logical key/value operations into parallel
// fan-outs over the nData+nParity drives of a stripe, imposing read/write
// quorum and recovering missing shards through the redundancy codec.
package cluster

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plensing/kineticio/internal/codec"
	"github.com/plensing/kineticio/internal/connection"
	"github.com/plensing/kineticio/internal/drive"
	kerrors "github.com/plensing/kineticio/internal/errors"
	"github.com/plensing/kineticio/internal/metrics"
	"github.com/plensing/kineticio/internal/util"
	"github.com/plensing/kineticio/internal/watcher"
)

// Size describes the aggregated capacity of a cluster
type Size struct {
	BytesTotal uint64
	BytesFree  uint64
}

// Config carries everything needed to build a cluster
type Config struct {
	ID                   string
	NumData              int
	NumParity            int
	Drives               [][2]drive.ConnectionOptions
	MinReconnectInterval time.Duration
	OperationTimeout     time.Duration
}

// Cluster is the erasure-coded facade over the drives of one cluster. All
// public operations are synchronous to the caller and fan out internally.
type Cluster struct {
	id          string
	numData     int
	numParity   int
	connections []*connection.AutoConnection
	opTimeout   time.Duration
	codec       *codec.Provider
	logger      *zap.Logger
	metrics     *metrics.Metrics

	getlogMu          sync.Mutex
	limits            drive.Limits
	size              Size
	getlogErr         error
	getlogOutstanding bool
	bg                sync.WaitGroup
}

// New builds the cluster facade and its per-drive auto connections, then
// performs an initial getlog to learn limits and capacity. Fails with a
// not-connected error if the initial getlog cannot reach quorum.
func New(cfg Config, cdc *codec.Provider, w *watcher.SocketWatcher, dial drive.Dialer, logger *zap.Logger, m *metrics.Metrics) (*Cluster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NumData+cfg.NumParity > len(cfg.Drives) {
		return nil, kerrors.Newf(kerrors.CodeInvalidArgument,
			"stripe size %d exceeds cluster size %d", cfg.NumData+cfg.NumParity, len(cfg.Drives))
	}

	c := &Cluster{
		id:        cfg.ID,
		numData:   cfg.NumData,
		numParity: cfg.NumParity,
		opTimeout: cfg.OperationTimeout,
		codec:     cdc,
		logger:    logger.With(zap.String("cluster_id", cfg.ID)),
		metrics:   m,
	}
	for _, endpoints := range cfg.Drives {
		c.connections = append(c.connections,
			connection.New(endpoints[0], endpoints[1], dial, w, cfg.MinReconnectInterval, c.logger))
	}

	for _, conn := range c.connections {
		if !conn.EnsureConnected() {
			c.logger.Warn("Drive unreachable during cluster construction",
				zap.String("drive", conn.Name()))
		}
	}

	if err := c.getLog([]drive.LogType{drive.LogLimits, drive.LogCapacities}); err != nil {
		c.close()
		return nil, kerrors.Wrap(kerrors.CodeNotConnected, "initial getlog failed", err)
	}

	c.logger.Info("Cluster facade ready",
		zap.Int("num_data", c.numData),
		zap.Int("num_parity", c.numParity),
		zap.Int("num_drives", len(c.connections)))
	return c, nil
}

// ID returns the cluster identifier
func (c *Cluster) ID() string { return c.id }

// Limits returns the cluster limits; MaxValueSize is the logical limit
// (per-drive limit times nData)
func (c *Cluster) Limits() drive.Limits {
	c.getlogMu.Lock()
	defer c.getlogMu.Unlock()
	return c.limits
}

// Get retrieves the version (and unless skipValue the reassembled value)
// stored under the key. Requires nData agreeing versions; missing data
// shards are restored through the codec before concatenation.
func (c *Cluster) Get(key []byte, skipValue bool) ([]byte, []byte, error) {
	if skipValue {
		version, err := c.getVersion(key)
		return version, nil, err
	}

	start := time.Now()
	ops := c.opsFor(key, c.numData+c.numParity)
	for _, o := range ops {
		makeGetOp(o, key)
	}
	status := c.execute(ops)
	c.metrics.ObserveClusterOp("get", status.Code.String(), time.Since(start))
	if !status.Ok() {
		return nil, nil, status.Err()
	}

	// At least nData ops succeeded; a read quorum must also agree on one
	// version.
	target, count := mostFrequentVersion(ops, func(o *op) ([]byte, bool) {
		if o.record == nil {
			return nil, false
		}
		return o.record.Version, true
	})
	if count < c.numData {
		return nil, nil, readQuorumError(count, c.numData)
	}

	// Build the stripe from records carrying the target version and a
	// valid checksum tag.
	stripe := make([][]byte, len(ops))
	present := 0
	for i, o := range ops {
		rec := o.record
		if rec == nil || string(rec.Version) != string(target) || len(rec.Value) == 0 {
			continue
		}
		if !util.ValidateChecksumTag(rec.Value, rec.Tag) {
			c.logger.Warn("Dropping shard with invalid checksum",
				zap.ByteString("key", key),
				zap.Int("shard", i))
			continue
		}
		stripe[i] = rec.Value
		present++
	}

	// no shard holds data: the key exists as an empty value
	if present == 0 {
		return target, []byte{}, nil
	}

	// below nData usable shards nothing can be reconstructed
	if present < c.numData {
		return nil, nil, kerrors.Newf(kerrors.CodeIO,
			"unrecoverable stripe: %d of %d required shards readable", present, c.numData)
	}

	if present < len(stripe) {
		if err := c.codec.Compute(stripe); err != nil {
			return nil, nil, kerrors.Wrap(kerrors.CodeInternal, "stripe reconstruction failed", err)
		}
	}

	// The codec restored any missing data shard above, so shards
	// [0, numData) are all data here. Concatenate and cut the padding
	// using the size carried in the version.
	var value []byte
	for i := 0; i < c.numData; i++ {
		value = append(value, stripe[i]...)
	}
	size, err := util.DecodeVersionSize(target)
	if err != nil {
		return nil, nil, kerrors.Wrap(kerrors.CodeInternal, "undecodable version token", err)
	}
	if int64(len(value)) < size {
		return nil, nil, kerrors.Newf(kerrors.CodeInternal,
			"reassembled value of %d bytes shorter than encoded size %d", len(value), size)
	}
	return target, value[:size], nil
}

// getVersion fans out version-only reads and applies the read quorum
func (c *Cluster) getVersion(key []byte) ([]byte, error) {
	start := time.Now()
	ops := c.opsFor(key, c.numData+c.numParity)
	for _, o := range ops {
		makeGetVersionOp(o, key)
	}
	status := c.execute(ops)
	c.metrics.ObserveClusterOp("getversion", status.Code.String(), time.Since(start))
	if !status.Ok() {
		return nil, status.Err()
	}

	version, count := mostFrequentVersion(ops, func(o *op) ([]byte, bool) {
		if !o.status.Ok() {
			return nil, false
		}
		return o.version, true
	})
	if count < c.numData {
		return nil, readQuorumError(count, c.numData)
	}
	return version, nil
}

// Put writes a value under the key, requiring the prior version on every
// shard unless force is set. Returns the freshly generated version.
func (c *Cluster) Put(key, previous, value []byte, force bool) ([]byte, error) {
	start := time.Now()
	versionNew := util.NewVersion(int64(len(value)))

	// chunk the value into nData data shards and nParity placeholders
	chunkSize := 0
	if len(value) > 0 {
		chunkSize = (len(value) + c.numData - 1) / c.numData
	}
	stripe := make([][]byte, c.numData+c.numParity)
	for i := range stripe {
		if len(value) > i*chunkSize && chunkSize > 0 {
			end := (i + 1) * chunkSize
			if end > len(value) {
				end = len(value)
			}
			stripe[i] = append([]byte(nil), value[i*chunkSize:end]...)
		} else {
			stripe[i] = nil
		}
	}
	// an empty value skips the codec: there is nothing to protect and
	// every shard of the stripe stays empty
	if chunkSize > 0 {
		if err := c.codec.Compute(stripe); err != nil {
			return nil, kerrors.Wrap(kerrors.CodeInternal, "parity computation failed", err)
		}
	}

	mode := drive.RequireSameVersion
	if force {
		mode = drive.IgnoreVersion
	}
	ops := c.opsFor(key, c.numData+c.numParity)
	for i, o := range ops {
		record := &drive.Record{
			Value:     stripe[i],
			Version:   versionNew,
			Tag:       util.ChecksumTag(stripe[i]),
			Algorithm: drive.ChecksumCRC32,
		}
		makePutOp(o, key, previous, mode, record)
	}
	status := c.execute(ops)
	c.metrics.ObserveClusterOp("put", status.Code.String(), time.Since(start))
	if !status.Ok() {
		return nil, status.Err()
	}
	return versionNew, nil
}

// Remove deletes the key, requiring the given version unless force is set
func (c *Cluster) Remove(key, version []byte, force bool) error {
	start := time.Now()
	mode := drive.RequireSameVersion
	if force {
		mode = drive.IgnoreVersion
	}
	ops := c.opsFor(key, c.numData+c.numParity)
	for _, o := range ops {
		makeDeleteOp(o, key, version, mode)
	}
	status := c.execute(ops)
	c.metrics.ObserveClusterOp("remove", status.Code.String(), time.Since(start))
	return status.Err()
}

// Range enumerates up to max keys in [start, end]. Best effort: the key
// sets of all drives are merged, not quorum checked.
func (c *Cluster) Range(start, end []byte, max int) ([][]byte, error) {
	begin := time.Now()
	ops := make([]*op, len(c.connections))
	for i := range ops {
		ops[i] = &op{conn: c.connections[i]}
		makeRangeOp(ops[i], start, end, max)
	}
	status := c.execute(ops)
	c.metrics.ObserveClusterOp("range", status.Code.String(), time.Since(begin))
	if !status.Ok() {
		return nil, status.Err()
	}

	set := make(map[string]struct{})
	for _, o := range ops {
		if !o.status.Ok() {
			continue
		}
		for _, k := range o.keys {
			set[string(k)] = struct{}{}
		}
	}
	merged := make([]string, 0, len(set))
	for k := range set {
		merged = append(merged, k)
	}
	sort.Strings(merged)
	if max > 0 && len(merged) > max {
		merged = merged[:max]
	}
	keys := make([][]byte, len(merged))
	for i, k := range merged {
		keys[i] = []byte(k)
	}
	return keys, nil
}

// readQuorumError builds the canonical unreadable-key error
func readQuorumError(count, numData int) error {
	return &drive.StatusError{
		Code: drive.StatusClientIOError,
		Message: "Unreadable: " + strconv.Itoa(count) +
			" equal versions does not reach read quorum of " + strconv.Itoa(numData),
	}
}
