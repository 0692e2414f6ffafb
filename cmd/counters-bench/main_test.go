package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBenchmark(t *testing.T) {
	for _, mode := range []string{"churn", "update"} {
		t.Run(mode, func(t *testing.T) {
			res, err := runBenchmark(context.Background(), benchConfig{
				mode:        mode,
				duration:    200 * time.Millisecond,
				concurrency: 2,
				maxCounters: 256,
				linger:      time.Millisecond,
			})
			require.NoError(t, err)
			assert.Positive(t, res.ops)
		})
	}
}

func TestRunBenchmark_UnknownMode(t *testing.T) {
	_, err := runBenchmark(context.Background(), benchConfig{mode: "ingest", duration: time.Millisecond})
	assert.Error(t, err)
}

func TestSumLatency(t *testing.T) {
	var l sumLatency
	assert.Zero(t, l.Average())

	l.Record(10 * time.Millisecond)
	l.Record(30 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, l.Average())
	assert.Equal(t, int64(30*time.Millisecond), l.maxNs.Load())
}
