package util

import (
	"math"
	"time"
)

// Backoff computes exponentially growing retry delays.
type Backoff struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration

	attempt int
}

// Next records a failure and returns how long to wait before retrying:
// Initial * 2^(failures-1), capped at Max.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	d := b.Initial
	for i := 1; i < b.attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Attempts returns the number of failures since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
