package source

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// defaultPoolLimit is the allocation count past which the pool warns about
// leaked frames. Steady state needs only a handful of Mats per consumer.
const defaultPoolLimit = 64

// MatPool recycles frame buffers so the capture loop does not allocate a new
// Mat for every delivered copy.
type MatPool struct {
	mu        sync.Mutex
	available []gocv.Mat
	allocated int
	limit     int
	warned    bool
	closed    bool
}

func NewMatPool() *MatPool {
	return &MatPool{limit: defaultPoolLimit}
}

func (p *MatPool) NewMat() gocv.Mat {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.available); n > 0 {
		m := p.available[n-1]
		p.available = p.available[:n-1]
		return m
	}
	p.allocated++
	if p.allocated > p.limit && !p.warned {
		p.warned = true
		log.Warnf("MatPool holds %d allocations. Perhaps an Image isn't being released?", p.allocated)
	}
	return gocv.NewMat()
}

func (p *MatPool) ReleaseMat(m gocv.Mat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		m.Close()
		p.allocated--
		return
	}
	p.available = append(p.available, m)
}

// Allocated returns how many Mats the pool has created and not yet freed.
func (p *MatPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Close frees idle Mats. Mats still in use are freed as they are released.
func (p *MatPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, m := range p.available {
		m.Close()
		p.allocated--
	}
	p.available = nil
}
