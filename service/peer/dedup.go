package peer

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// seenFilter 两代布隆过滤器轮换：当前代写满后降为上一代，内存有界。
// 误判只会多丢一条 P2P 消息，后端轮询会补上。
type seenFilter struct {
	mu       sync.Mutex
	capacity uint
	fp       float64
	cur      *bloom.BloomFilter
	prev     *bloom.BloomFilter
	n        uint
}

func newSeenFilter(capacity uint, fp float64) *seenFilter {
	if capacity == 0 {
		capacity = 10000
	}
	if fp <= 0 || fp >= 1 {
		fp = 0.001
	}
	return &seenFilter{capacity: capacity, fp: fp, cur: bloom.NewWithEstimates(capacity, fp)}
}

// Seen 记录 id，返回之前是否见过
func (f *seenFilter) Seen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := []byte(id)
	if f.cur.Test(b) || (f.prev != nil && f.prev.Test(b)) {
		return true
	}
	if f.n >= f.capacity {
		f.prev, f.cur, f.n = f.cur, bloom.NewWithEstimates(f.capacity, f.fp), 0
	}
	f.cur.Add(b)
	f.n++
	return false
}
