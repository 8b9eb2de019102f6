package splice

import "sync/atomic"

// Counters are cumulative manager event counts.
type Counters struct {
	Tracked            uint64 `json:"tracked"`
	DeclinedCapacity   uint64 `json:"declined_capacity"`
	DeclinedBucketFull uint64 `json:"declined_bucket_full"`
	DeclinedNoTemplate uint64 `json:"declined_no_template"`
	DeclinedNotRunning uint64 `json:"declined_not_running"`
	Released           uint64 `json:"released"`
	Deliveries         uint64 `json:"deliveries"`
	DeliveryFailures   uint64 `json:"delivery_failures"`
	Resets             uint64 `json:"resets"`
	Replays            uint64 `json:"replays"`
	Aborts             uint64 `json:"aborts"`
	Reaped             uint64 `json:"reaped"`
	Templates          uint64 `json:"templates"`
}

// Snapshot is a read-only view of manager occupancy.
type Snapshot struct {
	State       string         `json:"state"`
	Capacity    int            `json:"capacity"`
	Allocated   int            `json:"allocated"`
	Live        int            `json:"live"`
	Pooled      int            `json:"pooled"`
	Buckets     []int          `json:"buckets"`
	States      map[string]int `json:"states"`
	SYNTemplate bool           `json:"syn_template"`
	ACKTemplate bool           `json:"ack_template"`
	Counters    Counters       `json:"counters"`
	Flows       []RecordInfo   `json:"flows,omitempty"`
}

// Snapshot returns current occupancy. With flows set it also lists every
// tracked record.
func (m *Manager) Snapshot(flows bool) Snapshot {
	m.mu.Lock()
	s := Snapshot{
		State:     m.state.String(),
		Capacity:  m.capacity,
		Allocated: m.allocated,
		Pooled:    len(m.free),
	}
	m.mu.Unlock()
	s.Live = s.Allocated - s.Pooled
	s.SYNTemplate = m.synTmpl.Load() != nil
	s.ACKTemplate = m.ackTmpl.Load() != nil

	s.Buckets = make([]int, len(m.buckets))
	s.States = make(map[string]int)
	for i, b := range m.buckets {
		recs := b.records()
		s.Buckets[i] = len(recs)
		for _, r := range recs {
			r.mu.RLock()
			if !r.pooled {
				s.States[r.state.String()]++
				if flows {
					s.Flows = append(s.Flows, r.infoLocked())
				}
			}
			r.mu.RUnlock()
		}
	}
	s.Counters = m.counters()
	return s
}

func (m *Manager) counters() Counters {
	st := &m.stats
	return Counters{
		Tracked:            atomic.LoadUint64(&st.tracked),
		DeclinedCapacity:   atomic.LoadUint64(&st.declinedCapacity),
		DeclinedBucketFull: atomic.LoadUint64(&st.declinedBucketFull),
		DeclinedNoTemplate: atomic.LoadUint64(&st.declinedNoTemplate),
		DeclinedNotRunning: atomic.LoadUint64(&st.declinedNotRunning),
		Released:           atomic.LoadUint64(&st.released),
		Deliveries:         atomic.LoadUint64(&st.deliveries),
		DeliveryFailures:   atomic.LoadUint64(&st.deliveryFailures),
		Resets:             atomic.LoadUint64(&st.resets),
		Replays:            atomic.LoadUint64(&st.replays),
		Aborts:             atomic.LoadUint64(&st.aborts),
		Reaped:             atomic.LoadUint64(&st.reaped),
		Templates:          atomic.LoadUint64(&st.templates),
	}
}

// Map returns the counters keyed by their json names.
func (c Counters) Map() map[string]uint64 {
	return map[string]uint64{
		"tracked":              c.Tracked,
		"declined_capacity":    c.DeclinedCapacity,
		"declined_bucket_full": c.DeclinedBucketFull,
		"declined_no_template": c.DeclinedNoTemplate,
		"declined_not_running": c.DeclinedNotRunning,
		"released":             c.Released,
		"deliveries":           c.Deliveries,
		"delivery_failures":    c.DeliveryFailures,
		"resets":               c.Resets,
		"replays":              c.Replays,
		"aborts":               c.Aborts,
		"reaped":               c.Reaped,
		"templates":            c.Templates,
	}
}
