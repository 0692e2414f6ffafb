package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterError_Error(t *testing.T) {
	err := New(CodeCapacityExhausted, "add_counter", "no free slot")
	assert.Equal(t, "[capacity_exhausted] add_counter: no free slot", err.Error())

	cause := errors.New("underlying error")
	err = Wrap(cause, CodeGeneric, "open", "failed to map")
	assert.Contains(t, err.Error(), "[generic] open: failed to map")
	assert.Contains(t, err.Error(), "underlying error")
	assert.Equal(t, cause, err.Unwrap())
}

func TestCounterError_IsMatchesCodeSentinel(t *testing.T) {
	err := Newf(CodeStaticCounterConflict, "add_static_counter", "counterId=%d", 3)

	assert.ErrorIs(t, err, ErrStaticCounterConflict)
	assert.NotErrorIs(t, err, ErrNotAllocated)

	wrapped := fmt.Errorf("submit: %w", err)
	assert.ErrorIs(t, wrapped, ErrStaticCounterConflict)
	assert.Equal(t, CodeStaticCounterConflict, CodeOf(wrapped))
}

func TestCounterError_WithContext(t *testing.T) {
	err := New(CodeNotAllocated, "remove_counter", "slot is free")
	err = err.WithContext("counter_id", int32(7))

	assert.Equal(t, int32(7), err.Context["counter_id"])
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeGeneric, "op", "msg"))
}

func TestCodeOf_NonCounterError(t *testing.T) {
	assert.Equal(t, CodeGeneric, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeGeneric, CodeOf(nil))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "registration_timeout", CodeRegistrationTimeout.String())
	assert.Equal(t, "code(99)", Code(99).String())
	require.Equal(t, "not_allocated", ErrNotAllocated.Error())
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "no free slot", MessageOf(New(CodeCapacityExhausted, "add_counter", "no free slot")))
	assert.Equal(t, "mmap: boom", MessageOf(Wrap(errors.New("boom"), CodeGeneric, "open", "mmap")))
	assert.Equal(t, "plain", MessageOf(fmt.Errorf("plain")))
}
