package capsule

import (
	"sync"
	"time"
)

// breaker skips a capsule for a cooldown period after a run of consecutive
// failures. After the cooldown one invocation is let through; a success
// closes the breaker and another failure reopens it.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	lock      sync.Mutex
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether the capsule may be invoked now.
func (b *breaker) allow() bool {
	if b.threshold <= 0 {
		return true
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	return !b.now().Before(b.openUntil)
}

// record notes an invocation outcome and reports whether it opened the
// breaker.
func (b *breaker) record(err error) bool {
	if b.threshold <= 0 {
		return false
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if err == nil {
		b.failures = 0
		b.openUntil = time.Time{}
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}
