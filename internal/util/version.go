package util

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Version tokens are opaque optimistic-concurrency tags: a random 128-bit
// uuid followed by the original value size as an 8-byte big-endian integer.
// The size rides along because the codec pads values to shard boundaries.
const versionSize = 16 + 8

// NewVersion generates a fresh version token encoding the given value size
func NewVersion(size int64) []byte {
	id := uuid.New()
	version := make([]byte, versionSize)
	copy(version, id[:])
	binary.BigEndian.PutUint64(version[16:], uint64(size))
	return version
}

// DecodeVersionSize extracts the original value size from a version token
func DecodeVersionSize(version []byte) (int64, error) {
	if len(version) != versionSize {
		return 0, fmt.Errorf("malformed version token of length %d", len(version))
	}
	return int64(binary.BigEndian.Uint64(version[16:])), nil
}
