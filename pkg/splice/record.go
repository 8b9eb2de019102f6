package splice

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

// flow holds the mutable per-flow fields. It is cleared whenever a record is
// handed out by the pool.
type flow struct {
	state State
	noTS  bool

	// Sequence bookkeeping. cli* are client space, psv* proxy space and sv*
	// the original server space.
	cliSeq, cliAck uint32
	psvSeq, psvAck uint32
	svSeq, svAck   uint32
	seqDiff        uint32
	diffSet        bool

	// Timestamp bookkeeping.
	cliTS, proxyTS, serverTS uint32

	outFin, inFin uint32

	held        *core.Packet
	pending     []*core.Packet
	retransmits int

	// Deferred delivery: at most one packet in flight, the rest FIFO.
	inflight *core.Packet
	queue    []*core.Packet
	busy     bool

	created    time.Time
	lastSeen   time.Time
	timeWaitAt time.Time
}

// Record is one intercepted TCP flow. A record lives in exactly one bucket
// while tracked and in the manager's free list otherwise.
type Record struct {
	mu  sync.RWMutex
	m   *Manager
	idx int32

	// gen increments every time the record is handed out, so holders of a
	// stale (record, gen) pair can detect reuse.
	gen    uint64
	pooled bool
	bucket int

	// Identity. Written before insertion into a bucket and immutable while
	// tracked.
	client core.Tuple
	target ProxyTarget

	flow
}

func newRecord(m *Manager, idx int32) *Record {
	return &Record{m: m, idx: idx, pooled: true, bucket: -1}
}

// matches reports whether t addresses this flow in direction dir. Outbound
// packets carry the original tuple, inbound packets come from the proxy.
func (r *Record) matches(dir core.Direction, t core.Tuple) bool {
	if dir == core.DirOut {
		return t == r.client
	}
	return t.SrcIP == r.target.Addr && t.SrcPort == r.target.Port &&
		t.DstIP == r.client.SrcIP && t.DstPort == r.client.SrcPort
}

// drainLocked detaches every packet the record holds and returns the ones
// the caller must release. The in-flight packet belongs to the delivery
// goroutine and is only cleared here.
func (r *Record) drainLocked() []*core.Packet {
	out := make([]*core.Packet, 0, len(r.pending)+len(r.queue)+1)
	if r.held != nil {
		out = append(out, r.held)
		r.held = nil
	}
	out = append(out, r.pending...)
	out = append(out, r.queue...)
	r.pending = nil
	r.queue = nil
	r.inflight = nil
	r.busy = false
	return out
}

func (r *Record) fields() logrus.Fields {
	return logrus.Fields{"flow": r.client.String(), "state": r.state.String()}
}

// State returns the current FSM state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SeqDiff returns the offset from proxy to original server sequence space.
func (r *Record) SeqDiff() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int32(r.seqDiff)
}

// Client returns the original client to destination tuple.
func (r *Record) Client() core.Tuple {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Target returns the proxy the flow is spliced onto.
func (r *Record) Target() ProxyTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// Generation returns the reuse counter of the record.
func (r *Record) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Pooled reports whether the record is in the free list.
func (r *Record) Pooled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pooled
}

// RecordInfo is a read-only view of a record.
type RecordInfo struct {
	Client      string `json:"client"`
	Target      string `json:"target"`
	State       string `json:"state"`
	SeqDiff     int32  `json:"seq_diff"`
	NoTimestamp bool   `json:"no_timestamp"`
	Held        bool   `json:"held"`
	Pending     int    `json:"pending"`
	Queued      int    `json:"queued"`
	InFlight    bool   `json:"in_flight"`
	Age         string `json:"age"`
}

// Info returns a snapshot of the record.
func (r *Record) Info() RecordInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infoLocked()
}

func (r *Record) infoLocked() RecordInfo {
	return RecordInfo{
		Client:      r.client.String(),
		Target:      r.target.String(),
		State:       r.state.String(),
		SeqDiff:     int32(r.seqDiff),
		NoTimestamp: r.noTS,
		Held:        r.held != nil,
		Pending:     len(r.pending),
		Queued:      len(r.queue),
		InFlight:    r.inflight != nil,
		Age:         r.m.now().Sub(r.created).Round(time.Millisecond).String(),
	}
}
