package util

import (
	"hash/crc32"
	"strconv"
)

// Checksum utilities for record integrity validation
// Uses CRC32 (IEEE polynomial) for fast checksum computation

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ChecksumTag formats the CRC32 of the data the way the drive protocol
// expects it: as an ASCII decimal string
func ChecksumTag(data []byte) string {
	return strconv.FormatUint(uint64(ComputeChecksum(data)), 10)
}

// ValidateChecksumTag validates data against an expected checksum tag
func ValidateChecksumTag(data []byte, tag string) bool {
	return ChecksumTag(data) == tag
}
