package util

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := &Backoff{Initial: 5 * time.Millisecond, Max: 30 * time.Millisecond}
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		30 * time.Millisecond,
	}, got)
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	assert.Equal(t, 5*time.Millisecond, b.Next())
}

func TestBackoffLargeInitialStaysCapped(t *testing.T) {
	b := &Backoff{Initial: time.Duration(math.MaxInt64 / 3), Max: time.Duration(math.MaxInt64 / 2)}
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, b.Max)
	}
	assert.Equal(t, b.Max, b.Next())
}

func TestBackoffWithoutMaxSaturates(t *testing.T) {
	b := &Backoff{Initial: time.Hour}
	var d time.Duration
	for i := 0; i < 100; i++ {
		d = b.Next()
		assert.Positive(t, d)
	}
	assert.Equal(t, time.Duration(math.MaxInt64), d)
}
