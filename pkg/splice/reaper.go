package splice

import (
	"sync/atomic"
	"time"
)

func (m *Manager) reaper(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(m.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if n := m.Reap(m.now()); n > 0 {
				m.log.Debugf("reaped %d flows", n)
			}
		}
	}
}

type expiredFlow struct {
	r   *Record
	gen uint64
}

// Reap tears down flows idle longer than IdleTimeout and flows that stayed
// in TIME_WAIT longer than TimeWait. Flows abandoned before the proxy
// handshake completed get their held request replayed. It returns the
// number of flows removed.
func (m *Manager) Reap(now time.Time) int {
	var expired []expiredFlow
	for _, b := range m.buckets {
		for _, r := range b.records() {
			r.mu.RLock()
			idle := now.Sub(r.lastSeen) >= m.opts.IdleTimeout
			lingered := r.state == StateTimeWait && now.Sub(r.timeWaitAt) >= m.opts.TimeWait
			if !r.pooled && (idle || lingered) {
				expired = append(expired, expiredFlow{r: r, gen: r.gen})
			}
			r.mu.RUnlock()
		}
	}

	n := 0
	for _, e := range expired {
		e.r.mu.Lock()
		if e.r.pooled || e.r.gen != e.gen {
			e.r.mu.Unlock()
			continue
		}
		var out outcome
		if e.r.state < StateEstablished && e.r.held != nil {
			out.replay = e.r.held
			e.r.held = nil
		}
		e.r.state = StateClosing
		out.release = true
		e.r.mu.Unlock()

		m.finish(e.r, e.gen, &out)
		atomic.AddUint64(&m.stats.reaped, 1)
		n++
	}
	return n
}
