package cluster

import (
	"github.com/plensing/kineticio/internal/drive"
)

// Builders attaching the concrete async call to a prepared op. Each one
// wires the drive callback to the fan-out completion, storing the result
// fields under the fan-out lock.

func makeGetOp(o *op, key []byte) {
	o.submit = func(c drive.Connection, complete completeFn) drive.HandlerKey {
		return c.Get(key, func(status drive.Status, record *drive.Record) {
			complete(status, func() { o.record = record })
		})
	}
}

func makeGetVersionOp(o *op, key []byte) {
	o.submit = func(c drive.Connection, complete completeFn) drive.HandlerKey {
		return c.GetVersion(key, func(status drive.Status, version []byte) {
			complete(status, func() { o.version = version })
		})
	}
}

func makePutOp(o *op, key, previous []byte, mode drive.WriteMode, record *drive.Record) {
	o.submit = func(c drive.Connection, complete completeFn) drive.HandlerKey {
		return c.Put(key, previous, mode, record, func(status drive.Status) {
			complete(status, nil)
		}, drive.WriteBack)
	}
}

func makeDeleteOp(o *op, key, version []byte, mode drive.WriteMode) {
	o.submit = func(c drive.Connection, complete completeFn) drive.HandlerKey {
		return c.Delete(key, version, mode, func(status drive.Status) {
			complete(status, nil)
		}, drive.WriteBack)
	}
}

func makeRangeOp(o *op, start, end []byte, max int) {
	o.submit = func(c drive.Connection, complete completeFn) drive.HandlerKey {
		return c.GetKeyRange(start, end, true, true, false, max, func(status drive.Status, keys [][]byte) {
			complete(status, func() { o.keys = keys })
		})
	}
}

func makeGetLogOp(o *op, types []drive.LogType) {
	o.submit = func(c drive.Connection, complete completeFn) drive.HandlerKey {
		return c.GetLog(types, func(status drive.Status, log *drive.Log) {
			complete(status, func() { o.log = log })
		})
	}
}
