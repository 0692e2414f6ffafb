package shm

import (
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/shmcounters/internal/counters"
)

func TestCalculateLayout(t *testing.T) {
	l, err := CalculateLayout(10)
	require.NoError(t, err)

	assert.Equal(t, SegmentHeaderSize, l.ValuesOffset)
	assert.Equal(t, 10*counters.ValueRecordLength, l.ValuesLength)
	assert.Equal(t, l.ValuesOffset+l.ValuesLength, l.MetadataOffset)
	assert.Equal(t, 10*counters.MetadataRecordLength, l.MetadataLength)
	assert.Zero(t, l.ValuesOffset%counters.CacheLineLength)
	assert.Zero(t, l.MetadataOffset%counters.CacheLineLength)

	_, err = CalculateLayout(0)
	assert.Error(t, err)
}

func TestHeapSegment(t *testing.T) {
	s, err := NewHeapSegment(8)
	require.NoError(t, err)

	assert.Len(t, s.Values(), counters.ValuesLength(8))
	assert.Len(t, s.Metadata(), counters.MetadataLength(8))
	assert.Equal(t, os.Getpid(), s.OwnerPID())
	assert.False(t, s.Ready())
	s.MarkReady()
	assert.True(t, s.Ready())

	m, err := counters.NewManager(s.Values(), s.Metadata())
	require.NoError(t, err)
	assert.Equal(t, 8, m.Capacity())
	assert.NoError(t, s.Close())
}

func TestReadLayout_VersionAndBounds(t *testing.T) {
	s, err := NewHeapSegment(4)
	require.NoError(t, err)

	l, err := readLayout(s.mem)
	require.NoError(t, err)
	assert.Equal(t, s.Layout(), l)

	_, err = readLayout(s.mem[:len(s.mem)-1])
	assert.ErrorIs(t, err, ErrTruncated)

	s.mem[versionOffset] = 9
	_, err = readLayout(s.mem)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestReadLayout_RejectsCorruptHeader(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		value  uint64
	}{
		{"negative values offset", valuesOffsetOffset, math.MaxUint64},
		{"huge values length", valuesLengthOffset, math.MaxInt64},
		{"negative metadata offset", metadataOffsetOffset, uint64(1) << 63},
		{"huge metadata length", metadataLengthOffset, math.MaxUint64 - 10},
		{"values length not a record multiple", valuesLengthOffset, 4*counters.ValueRecordLength - 1},
		{"metadata length short of values", metadataLengthOffset, 3 * counters.MetadataRecordLength},
		{"empty values region", valuesLengthOffset, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewHeapSegment(4)
			require.NoError(t, err)

			binary.LittleEndian.PutUint64(s.mem[tt.offset:], tt.value)
			_, err = readLayout(s.mem)
			assert.ErrorIs(t, err, ErrTruncated)
		})
	}
}
