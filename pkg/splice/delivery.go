package splice

import (
	"fmt"
	"sync/atomic"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

// enqueueLocked appends p to the record's delivery queue and starts the
// delivery goroutine when none is running. Caller holds r.mu.
func (r *Record) enqueueLocked(p *core.Packet) {
	r.queue = append(r.queue, p)
	if r.busy {
		return
	}
	r.busy = true
	r.m.deliveries.Add(1)
	go r.m.deliverLoop(r, r.gen)
}

// deliverLoop re-injects queued packets one at a time, in order, until the
// queue is empty or the record is recycled. Injection happens without the
// record lock.
func (m *Manager) deliverLoop(r *Record, gen uint64) {
	defer m.deliveries.Done()
	for {
		r.mu.Lock()
		if r.pooled || r.gen != gen {
			r.mu.Unlock()
			return
		}
		if len(r.queue) == 0 {
			r.busy = false
			r.mu.Unlock()
			return
		}
		p := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.inflight = p
		r.mu.Unlock()

		p.Mark |= m.opts.IgnoreMark
		err := m.injector.Deliver(p)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}

		r.mu.Lock()
		stale := r.pooled || r.gen != gen
		var held *core.Packet
		abandon := false
		if !stale {
			r.inflight = nil
			if err != nil && r.state < StateEstablished {
				held = r.held
				r.held = nil
				r.state = StateClosing
				abandon = true
			}
		}
		fields := r.fields()
		r.mu.Unlock()
		p.Release()

		if err == nil {
			atomic.AddUint64(&m.stats.deliveries, 1)
		} else {
			atomic.AddUint64(&m.stats.deliveryFailures, 1)
		}
		if stale {
			return
		}
		if abandon {
			m.log.WithFields(fields).Warnf("%v; abandoning splice", err)
			if held != nil {
				m.replay(held)
			}
			atomic.AddUint64(&m.stats.aborts, 1)
			m.release(r, gen)
			return
		}
		if err != nil {
			m.log.WithFields(fields).Warnf("%v", err)
		}
	}
}

// InFlight reports whether a packet is currently being delivered and how
// many are queued behind it.
func (r *Record) InFlight() (bool, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inflight != nil, len(r.queue)
}
