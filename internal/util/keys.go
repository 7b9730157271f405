package util

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// BlockKey constructs the drive key for a logical block of a file
func BlockKey(basename string, blocknumber int) []byte {
	return []byte(fmt.Sprintf("%s_%d", basename, blocknumber))
}

// DriveIndex returns the drive index holding the first shard of the stripe
// for the given key. Shard i of the stripe lives on (DriveIndex+i) mod n.
// Deterministic and stateless.
func DriveIndex(key []byte, numDrives int) int {
	return int((xxhash.Sum64(key) + 1) % uint64(numDrives))
}
