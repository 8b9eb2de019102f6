package splice

import (
	"sync"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

const emptySlot = int32(-1)

// bucket is a fixed-capacity slot array of record indices into the
// manager's arena. Its lock guards membership only.
type bucket struct {
	mu    sync.RWMutex
	mgr   *Manager
	idx   int
	slots []int32
	n     int
}

func newBucket(m *Manager, idx, size int) *bucket {
	b := &bucket{mgr: m, idx: idx, slots: make([]int32, size)}
	for i := range b.slots {
		b.slots[i] = emptySlot
	}
	return b
}

func (b *bucket) insert(r *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	free := -1
	for i, s := range b.slots {
		if s == emptySlot {
			if free < 0 {
				free = i
			}
			continue
		}
		if b.mgr.arena[s].client == r.client {
			return ErrAlreadyTracked
		}
	}
	if free < 0 {
		return ErrBucketFull
	}
	b.slots[free] = r.idx
	b.n++
	return nil
}

func (b *bucket) remove(r *Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.slots {
		if s == r.idx {
			b.slots[i] = emptySlot
			b.n--
			return true
		}
	}
	return false
}

// lookup scans the bucket for a live record matching t in direction dir and
// returns it with its generation.
func (b *bucket) lookup(dir core.Direction, t core.Tuple) (*Record, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.slots {
		if s == emptySlot {
			continue
		}
		r := b.mgr.arena[s]
		if !r.matches(dir, t) {
			continue
		}
		r.mu.RLock()
		gen, pooled := r.gen, r.pooled
		r.mu.RUnlock()
		if pooled {
			continue
		}
		return r, gen
	}
	return nil, 0
}

// drain empties the bucket and returns the records it held.
func (b *bucket) drain() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Record, 0, b.n)
	for i, s := range b.slots {
		if s != emptySlot {
			out = append(out, b.mgr.arena[s])
			b.slots[i] = emptySlot
		}
	}
	b.n = 0
	return out
}

func (b *bucket) records() []*Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Record, 0, b.n)
	for _, s := range b.slots {
		if s != emptySlot {
			out = append(out, b.mgr.arena[s])
		}
	}
	return out
}

func (b *bucket) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}
