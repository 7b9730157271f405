package cluster

import (
	"time"

	"go.uber.org/zap"

	"github.com/plensing/kineticio/internal/drive"
)

// getLog fans the log request out to every drive of the cluster and folds
// the results into the cached capacity and limits. Capacity aggregates
// over all reachable drives; limits come from any successful response.
func (c *Cluster) getLog(types []drive.LogType) error {
	start := time.Now()
	ops := make([]*op, len(c.connections))
	for i := range ops {
		ops[i] = &op{conn: c.connections[i]}
		makeGetLogOp(ops[i], types)
	}
	status := c.execute(ops)
	c.metrics.ObserveClusterOp("getlog", status.Code.String(), time.Since(start))

	c.getlogMu.Lock()
	defer c.getlogMu.Unlock()
	c.getlogErr = status.Err()
	c.getlogOutstanding = false
	if !status.Ok() {
		return c.getlogErr
	}

	wantCapacities := containsLogType(types, drive.LogCapacities)
	wantLimits := containsLogType(types, drive.LogLimits)

	if wantCapacities {
		c.size = Size{}
	}
	for _, o := range ops {
		if !o.status.Ok() || o.log == nil {
			continue
		}
		if wantCapacities {
			nominal := o.log.Capacity.NominalCapacityBytes
			c.size.BytesTotal += nominal
			c.size.BytesFree += nominal - uint64(float64(nominal)*o.log.Capacity.PortionFull)
		}
		if wantLimits {
			c.limits = o.log.Limits
		}
	}
	if wantLimits {
		// clients see the logical value size limit: one shard per data drive
		c.limits.MaxValueSize *= int64(c.numData)
	}
	return nil
}

func containsLogType(types []drive.LogType, t drive.LogType) bool {
	for _, have := range types {
		if have == t {
			return true
		}
	}
	return false
}

// GetLog refreshes the cached limits and capacity synchronously
func (c *Cluster) GetLog(types []drive.LogType) error {
	return c.getLog(types)
}

// Size returns the cached cluster capacity together with the status of the
// last getlog. If no getlog is in flight, a fresh capacity refresh is
// kicked off in the background (single-flight); the caller never waits.
func (c *Cluster) Size() (Size, error) {
	c.getlogMu.Lock()
	if !c.getlogOutstanding {
		c.getlogOutstanding = true
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			if err := c.getLog([]drive.LogType{drive.LogCapacities}); err != nil {
				c.logger.Debug("Background capacity refresh failed", zap.Error(err))
			}
		}()
	}
	size := c.size
	err := c.getlogErr
	c.getlogMu.Unlock()
	return size, err
}

// Close waits for any outstanding background getlog and releases the
// drive connections. The shared socket watcher stays untouched.
func (c *Cluster) Close() error {
	c.close()
	return nil
}

func (c *Cluster) close() {
	c.bg.Wait()
	for _, conn := range c.connections {
		_ = conn.Close()
	}
}
