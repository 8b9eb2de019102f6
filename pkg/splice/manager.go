// Package splice splices intercepted client TCP flows onto a local proxy.
//
// A Manager tracks flows in a fixed table of buckets backed by a bounded
// record pool. Each tracked flow runs a small state machine that
// synthesizes the proxy-side handshake from captured template packets and
// then translates addresses, sequence numbers and timestamps in both
// directions so the client keeps seeing its original peer.
//
// Lock order is Manager, then Bucket, then Record. Record operations never
// take the Manager or Bucket lock and no lock is held across injector I/O.
package splice

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	// Buckets is the number of hash buckets (default 16).
	Buckets int
	// BucketSize is the number of records per bucket (default 4).
	BucketSize int
	// MaxPending bounds early segments buffered per flow (default 8).
	MaxPending int
	// IgnoreMark is set on every packet the manager injects.
	IgnoreMark uint32
	// Interface restricts template capture to packets from this interface.
	// Empty accepts any.
	Interface string
	// TemplateRefresh is the minimum age before a cached template is
	// superseded by a fresh one. Zero replaces on every observation.
	TemplateRefresh time.Duration
	// IdleTimeout, TimeWait and ReapInterval drive the reaper.
	IdleTimeout  time.Duration
	TimeWait     time.Duration
	ReapInterval time.Duration
}

// DefaultIgnoreMark is the mark carried by injected packets.
const DefaultIgnoreMark = 0x00060000

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		Buckets:         16,
		BucketSize:      4,
		MaxPending:      8,
		IgnoreMark:      DefaultIgnoreMark,
		Interface:       "br-lan",
		TemplateRefresh: 30 * time.Second,
		IdleTimeout:     120 * time.Second,
		TimeWait:        2 * time.Second,
		ReapInterval:    5 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Buckets <= 0 {
		o.Buckets = d.Buckets
	}
	if o.BucketSize <= 0 {
		o.BucketSize = d.BucketSize
	}
	if o.MaxPending <= 0 {
		o.MaxPending = d.MaxPending
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.TimeWait <= 0 {
		o.TimeWait = d.TimeWait
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = d.ReapInterval
	}
}

type template struct {
	pkt *core.Packet
	at  time.Time
}

// counters are updated atomically and exported through Snapshot.
type counters struct {
	tracked            uint64
	declinedCapacity   uint64
	declinedBucketFull uint64
	declinedNoTemplate uint64
	declinedNotRunning uint64
	released           uint64
	deliveries         uint64
	deliveryFailures   uint64
	resets             uint64
	replays            uint64
	aborts             uint64
	reaped             uint64
	templates          uint64
}

// Manager owns the flow table, the record pool and the cached handshake
// templates.
type Manager struct {
	mu    sync.Mutex
	state ManagerState
	err   error

	opts     Options
	injector core.Injector

	buckets []*bucket

	// arena has fixed length capacity; entries are allocated lazily under mu
	// and never move. free holds indices of pooled records.
	arena     []*Record
	allocated int
	free      []int32
	capacity  int

	synTmpl atomic.Pointer[template]
	ackTmpl atomic.Pointer[template]

	deliveries sync.WaitGroup
	stats      counters

	reapStop chan struct{}
	reapDone chan struct{}

	now   func() time.Time
	epoch time.Time
	log   *logrus.Entry
}

// NewManager creates an idle manager that injects through inj.
func NewManager(inj core.Injector, opts Options) *Manager {
	opts.applyDefaults()
	capacity := opts.Buckets * opts.BucketSize / 2
	if capacity < 1 {
		capacity = 1
	}
	m := &Manager{
		opts:     opts,
		injector: inj,
		arena:    make([]*Record, capacity),
		free:     make([]int32, 0, capacity),
		capacity: capacity,
		now:      time.Now,
		log:      logging.WithComponent("splice"),
	}
	m.epoch = m.now()
	m.buckets = make([]*bucket, opts.Buckets)
	for i := range m.buckets {
		m.buckets[i] = newBucket(m, i, opts.BucketSize)
	}
	return m
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Capacity returns the maximum number of live plus pooled records.
func (m *Manager) Capacity() int { return m.capacity }

// State returns the lifecycle state.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running reports whether new flows are accepted.
func (m *Manager) Running() bool { return m.State() == ManagerRunning }

// Err returns the error that moved the manager into the error state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Start moves the manager to running. Starting a running manager is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case ManagerRunning:
		return nil
	case ManagerClosed:
		return ErrClosed
	case ManagerError:
		return m.err
	case ManagerStopping:
		return ErrNotRunning
	}
	m.state = ManagerRunning
	if m.reapStop == nil {
		m.reapStop = make(chan struct{})
		m.reapDone = make(chan struct{})
		go m.reaper(m.reapStop, m.reapDone)
	}
	m.log.Infof("flow manager running (capacity=%d buckets=%d x %d)", m.capacity, m.opts.Buckets, m.opts.BucketSize)
	return nil
}

// Pause tears down every flow and drops the templates. The manager accepts
// flows again after Start.
func (m *Manager) Pause() {
	if m.shutdown(ManagerPaused, nil) {
		m.log.Infof("flow manager paused")
	}
}

// Stop tears down every flow and closes the manager for good.
func (m *Manager) Stop() {
	if m.shutdown(ManagerClosed, nil) {
		m.log.Infof("flow manager stopped")
	}
	m.mu.Lock()
	stop, done := m.reapStop, m.reapDone
	m.reapStop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Fail tears down every flow and records err. Start returns err afterwards.
func (m *Manager) Fail(err error) {
	if m.shutdown(ManagerError, err) {
		m.log.Errorf("flow manager failed: %v", err)
	}
}

func (m *Manager) shutdown(to ManagerState, err error) bool {
	m.mu.Lock()
	if m.state == to || m.state == ManagerClosed || m.state == ManagerStopping {
		m.mu.Unlock()
		return false
	}
	if m.state == ManagerError && to != ManagerClosed {
		m.mu.Unlock()
		return false
	}
	wasRunning := m.state == ManagerRunning
	m.state = ManagerStopping
	m.synTmpl.Store(nil)
	m.ackTmpl.Store(nil)
	m.mu.Unlock()

	if wasRunning {
		n := m.teardownAll()
		if n > 0 {
			m.log.Infof("tore down %d flows", n)
		}
	}

	m.mu.Lock()
	m.state = to
	if err != nil {
		m.err = err
	}
	m.mu.Unlock()
	return true
}

func (m *Manager) teardownAll() int {
	n := 0
	for _, b := range m.buckets {
		for _, r := range b.drain() {
			r.mu.RLock()
			gen := r.gen
			r.mu.RUnlock()
			if m.release(r, gen) {
				n++
			}
		}
	}
	return n
}

// WaitDeliveries blocks until every deferred delivery goroutine has exited.
func (m *Manager) WaitDeliveries() { m.deliveries.Wait() }

// Acquire takes a record from the pool, allocating one while below
// capacity. It returns nil when the pool is exhausted.
func (m *Manager) Acquire() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r *Record
	if n := len(m.free); n > 0 {
		r = m.arena[m.free[n-1]]
		m.free = m.free[:n-1]
	} else if m.allocated < m.capacity {
		r = newRecord(m, int32(m.allocated))
		m.arena[m.allocated] = r
		m.allocated++
	} else {
		atomic.AddUint64(&m.stats.declinedCapacity, 1)
		return nil
	}
	now := m.now()
	r.mu.Lock()
	r.flow = flow{created: now, lastSeen: now}
	r.client = core.Tuple{}
	r.target = ProxyTarget{}
	r.bucket = -1
	r.pooled = false
	r.gen++
	r.mu.Unlock()
	return r
}

// Release drains a record and returns it to the pool. Releasing a pooled
// record is a no-op.
func (m *Manager) Release(r *Record) {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()
	m.release(r, gen)
}

// release returns r to the pool if it is still generation gen.
func (m *Manager) release(r *Record, gen uint64) bool {
	r.mu.Lock()
	if r.pooled || r.gen != gen {
		r.mu.Unlock()
		return false
	}
	r.pooled = true
	r.state = StateClosed
	bi := r.bucket
	r.bucket = -1
	drained := r.drainLocked()
	if logging.IsDebug() {
		m.log.WithFields(r.fields()).Debugf("flow released")
	}
	r.mu.Unlock()

	for _, p := range drained {
		p.Release()
	}
	if bi >= 0 {
		m.buckets[bi].remove(r)
	}

	m.mu.Lock()
	m.free = append(m.free, r.idx)
	m.mu.Unlock()
	atomic.AddUint64(&m.stats.released, 1)
	return true
}

func (m *Manager) bucketIndex(addr [4]byte) int {
	return int(binary.BigEndian.Uint32(addr[:]) % uint32(len(m.buckets)))
}

// TryTrack starts tracking the flow t, spliced onto target. On any failure
// the record goes back to the pool and the caller should let the packet
// through untouched.
func (m *Manager) TryTrack(t core.Tuple, target ProxyTarget) (*Record, uint64, error) {
	if err := target.Validate(); err != nil {
		return nil, 0, err
	}
	if !m.Running() {
		atomic.AddUint64(&m.stats.declinedNotRunning, 1)
		return nil, 0, ErrNotRunning
	}
	if m.synTmpl.Load() == nil || m.ackTmpl.Load() == nil {
		atomic.AddUint64(&m.stats.declinedNoTemplate, 1)
		return nil, 0, ErrNoTemplate
	}
	r := m.Acquire()
	if r == nil {
		return nil, 0, ErrCapacity
	}
	bi := m.bucketIndex(t.SrcIP)

	r.mu.Lock()
	r.client = t
	r.target = target
	r.bucket = bi
	r.state = StateNew
	gen := r.gen
	r.mu.Unlock()

	if err := m.buckets[bi].insert(r); err != nil {
		r.mu.Lock()
		r.bucket = -1
		r.mu.Unlock()
		m.release(r, gen)
		if err == ErrBucketFull {
			atomic.AddUint64(&m.stats.declinedBucketFull, 1)
		}
		return nil, 0, err
	}
	// A concurrent Pause may have walked this bucket before the insert.
	if !m.Running() {
		m.release(r, gen)
		atomic.AddUint64(&m.stats.declinedNotRunning, 1)
		return nil, 0, ErrNotRunning
	}
	atomic.AddUint64(&m.stats.tracked, 1)
	return r, gen, nil
}

// Find looks up the record addressed by t. Outbound packets are matched on
// the client to original destination tuple, inbound packets on the proxy to
// client tuple.
func (m *Manager) Find(t core.Tuple, dir core.Direction) (*Record, uint64) {
	key := t.SrcIP
	if dir == core.DirIn {
		key = t.DstIP
	}
	return m.buckets[m.bucketIndex(key)].lookup(dir, t)
}

// CaptureTemplate caches p as the SYN or ACK handshake template when it came
// from the protected interface. It reports whether p was stored.
func (m *Manager) CaptureTemplate(p *core.Packet) bool {
	if m.opts.Interface != "" && p.InDev != m.opts.Interface {
		return false
	}
	f := p.Flags()
	var slot *atomic.Pointer[template]
	switch {
	case f&core.FlagSYN != 0 && f&(core.FlagACK|core.FlagRST|core.FlagFIN) == 0:
		slot = &m.synTmpl
	case f&core.FlagACK != 0 && f&(core.FlagSYN|core.FlagRST|core.FlagFIN) == 0:
		slot = &m.ackTmpl
	default:
		return false
	}
	now := m.now()
	if cur := slot.Load(); cur != nil && now.Sub(cur.at) < m.opts.TemplateRefresh {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ManagerRunning {
		return false
	}
	c := p.Clone()
	c.TruncatePayload()
	c.Mark = 0
	// Superseded templates are left to the GC: concurrent flows may still be
	// cloning them.
	slot.Store(&template{pkt: c, at: now})
	atomic.AddUint64(&m.stats.templates, 1)
	return true
}

func (m *Manager) templates() (syn, ack *core.Packet) {
	if t := m.synTmpl.Load(); t != nil {
		syn = t.pkt
	}
	if t := m.ackTmpl.Load(); t != nil {
		ack = t.pkt
	}
	return syn, ack
}

// tsClock is the millisecond clock used for synthesized timestamps when the
// client negotiated none.
func (m *Manager) tsClock() uint32 {
	return uint32(m.now().Sub(m.epoch) / time.Millisecond)
}
