package counters

import (
	"testing"
	"unsafe"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/cpu"
)

func TestLayoutConstants(t *testing.T) {
	assert.Zero(t, ValueRecordLength%CacheLineLength)
	assert.Zero(t, ValueRecordLength%int(unsafe.Sizeof(cpu.CacheLinePad{})))
	assert.Equal(t, 0, StateOffset)
	assert.Equal(t, 16, RegistrationIDOffset)
	assert.Equal(t, MetadataRecordLength, LabelOffset+MaxLabelLength)
	assert.LessOrEqual(t, KeyOffset+MaxKeyLength, LabelLengthOffset)
	assert.Zero(t, RegistrationIDOffset%8)
	assert.Zero(t, OwnerIDOffset%8)
	assert.Zero(t, FreeForReuseDeadlineOffset%8)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNUSED", RecordUnused.String())
	assert.Equal(t, "ALLOCATED", RecordAllocated.String())
	assert.Equal(t, "RECLAIMED", RecordReclaimed.String())
	assert.Equal(t, "UNKNOWN", State(7).String())
}

func TestLayoutProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("value records never overlap", prop.ForAll(
		func(a, b int32) bool {
			if a == b {
				return true
			}
			lo, hi := min(a, b), max(a, b)
			return CounterOffset(lo)+ValueRecordLength <= CounterOffset(hi)
		},
		gen.Int32Range(0, 1<<20),
		gen.Int32Range(0, 1<<20),
	))

	properties.Property("metadata records never overlap", prop.ForAll(
		func(a, b int32) bool {
			if a == b {
				return true
			}
			lo, hi := min(a, b), max(a, b)
			return MetadataOffset(lo)+MetadataRecordLength <= MetadataOffset(hi)
		},
		gen.Int32Range(0, 1<<20),
		gen.Int32Range(0, 1<<20),
	))

	properties.Property("value cells are 8-byte aligned", prop.ForAll(
		func(id int32) bool {
			return (CounterOffset(id)+ValueOffset)%8 == 0
		},
		gen.Int32Range(0, 1<<20),
	))

	properties.TestingRun(t)
}
