package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plensing/kineticio/internal/util"
)

func TestVersionEncodesSize(t *testing.T) {
	tests := []struct {
		name string
		size int64
	}{
		{name: "empty value", size: 0},
		{name: "small value", size: 42},
		{name: "large value", size: 1 << 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version := util.NewVersion(tt.size)
			size, err := util.DecodeVersionSize(version)
			require.NoError(t, err)
			assert.Equal(t, tt.size, size)
		})
	}
}

func TestVersionsAreUnique(t *testing.T) {
	a := util.NewVersion(10)
	b := util.NewVersion(10)
	assert.NotEqual(t, a, b)
}

func TestDecodeVersionSizeRejectsMalformedTokens(t *testing.T) {
	_, err := util.DecodeVersionSize([]byte("short"))
	assert.Error(t, err)

	_, err = util.DecodeVersionSize(nil)
	assert.Error(t, err)
}

func TestChecksumTag(t *testing.T) {
	// the tag is the decimal CRC32 of the shard bytes
	assert.Equal(t, "0", util.ChecksumTag(nil))
	assert.Equal(t, "0", util.ChecksumTag([]byte{}))

	data := []byte("some shard contents")
	tag := util.ChecksumTag(data)
	assert.True(t, util.ValidateChecksumTag(data, tag))
	assert.False(t, util.ValidateChecksumTag([]byte("other contents"), tag))
}

func TestBlockKey(t *testing.T) {
	assert.Equal(t, []byte("file_0"), util.BlockKey("file", 0))
	assert.Equal(t, []byte("file_17"), util.BlockKey("file", 17))
}

func TestDriveIndexIsStable(t *testing.T) {
	key := []byte("somekey")
	first := util.DriveIndex(key, 7)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, util.DriveIndex(key, 7))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 7)
}

func TestDriveIndexSpreadsKeys(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 64; i++ {
		seen[util.DriveIndex(util.BlockKey("spread", i), 8)] = true
	}
	// 64 keys over 8 drives should not all land on one drive
	assert.Greater(t, len(seen), 1)
}
