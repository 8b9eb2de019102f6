//go:build linux

package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	nfqueue "github.com/florianl/go-nfqueue"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// NFQueue takes packets from two netfilter queues, one per interception
// point, and answers them with the handler's verdict.
type NFQueue struct {
	opts QueueOptions

	mu      sync.Mutex
	handler core.HookHandler
	queues  map[core.Hook]*nfqueue.Nfqueue
	pool    *workerPool
	cancel  context.CancelFunc
	running bool

	ifnames sync.Map // ifindex -> name
	metrics core.InterceptMetrics
	log     *logrus.Entry
}

// NewNFQueue creates an interceptor for the given queues.
func NewNFQueue(opts QueueOptions) (*NFQueue, error) {
	if opts.PreRouting == opts.PostRouting {
		return nil, fmt.Errorf("pre-routing and post-routing queues must differ (both %d)", opts.PreRouting)
	}
	if opts.MaxQueueLen == 0 {
		opts.MaxQueueLen = DefaultMaxQueueLen
	}
	return &NFQueue{opts: opts, log: logging.WithComponent("nfqueue")}, nil
}

// SetHandler sets the handler for intercepted packets
func (n *NFQueue) SetHandler(h core.HookHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// Start opens both queues and blocks until ctx is cancelled or Stop is
// called.
func (n *NFQueue) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("nfqueue already running")
	}
	if n.handler == nil {
		n.mu.Unlock()
		return errors.New("nfqueue: no handler set")
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.pool = newWorkerPool(n.opts.Workers, n.opts.WorkerQueue, n.process)
	n.queues = make(map[core.Hook]*nfqueue.Nfqueue, 2)
	n.running = true
	n.mu.Unlock()

	n.pool.start()
	for hook, num := range map[core.Hook]uint16{
		core.HookPreRouting:  n.opts.PreRouting,
		core.HookPostRouting: n.opts.PostRouting,
	} {
		if err := n.open(ctx, hook, num); err != nil {
			n.Stop()
			return err
		}
	}
	n.log.Infof("intercepting on queues %d (prerouting) and %d (postrouting)", n.opts.PreRouting, n.opts.PostRouting)

	<-ctx.Done()
	return n.Stop()
}

func (n *NFQueue) open(ctx context.Context, hook core.Hook, num uint16) error {
	q, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      num,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  n.opts.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        nfqueue.NfQaCfgFlagFailOpen,
	})
	if err != nil {
		return fmt.Errorf("open nfqueue %d: %w", num, err)
	}

	fn := func(a nfqueue.Attribute) int {
		n.receive(q, hook, a)
		return 0
	}
	errFn := func(e error) int {
		if ctx.Err() != nil {
			return 1
		}
		atomic.AddUint64(&n.metrics.Errors, 1)
		n.log.WithField("queue", num).Warnf("receive error: %v", e)
		return 0
	}
	if err := q.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		q.Close()
		return fmt.Errorf("register nfqueue %d: %w", num, err)
	}

	n.mu.Lock()
	n.queues[hook] = q
	n.mu.Unlock()
	return nil
}

// receive runs on the queue's read goroutine. It copies the packet out of
// the netlink buffer and hands it to a worker.
func (n *NFQueue) receive(q *nfqueue.Nfqueue, hook core.Hook, a nfqueue.Attribute) {
	if a.PacketID == nil {
		return
	}
	id := *a.PacketID
	verdict := func(v core.Verdict, mod []byte) {
		n.setVerdict(q, id, v, mod)
	}
	if a.Payload == nil || len(*a.Payload) == 0 {
		verdict(core.VerdictAccept, nil)
		return
	}

	orig := append([]byte(nil), (*a.Payload)...)
	p, err := core.NewPacket(orig)
	if err != nil {
		atomic.AddUint64(&n.metrics.PacketsReceived, 1)
		atomic.AddUint64(&n.metrics.ParseErrors, 1)
		verdict(core.VerdictAccept, nil)
		return
	}
	if a.Mark != nil {
		p.Mark = *a.Mark
	}
	if a.InDev != nil {
		p.InDev = n.ifname(*a.InDev)
	}

	if !n.pool.submit(clientKey(hook, p), job{hook: hook, pkt: p, orig: orig, done: verdict}) {
		atomic.AddUint64(&n.metrics.PacketsReceived, 1)
		atomic.AddUint64(&n.metrics.QueueFull, 1)
		atomic.AddUint64(&n.metrics.Accepted, 1)
		p.Release()
		verdict(core.VerdictAccept, nil)
	}
}

func (n *NFQueue) process(j job) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	v, mod := dispatch(h, n.opts.IgnoreMark, j.hook, j.pkt, j.orig, &n.metrics)
	j.done(v, mod)
}

func (n *NFQueue) setVerdict(q *nfqueue.Nfqueue, id uint32, v core.Verdict, mod []byte) {
	var err error
	switch {
	case v == core.VerdictAccept && mod != nil:
		err = q.SetVerdictModPacket(id, nfqueue.NfAccept, mod)
	case v == core.VerdictAccept:
		err = q.SetVerdict(id, nfqueue.NfAccept)
	default:
		// STOLEN drops the queued copy; the splice core owns its own.
		err = q.SetVerdict(id, nfqueue.NfDrop)
	}
	if err != nil {
		atomic.AddUint64(&n.metrics.Errors, 1)
		n.log.Debugf("set verdict %s for packet %d: %v", v, id, err)
	}
}

func (n *NFQueue) ifname(index uint32) string {
	if v, ok := n.ifnames.Load(index); ok {
		return v.(string)
	}
	l, err := netlink.LinkByIndex(int(index))
	if err != nil {
		return ""
	}
	name := l.Attrs().Name
	n.ifnames.Store(index, name)
	return name
}

// Stop closes the queues and the worker pool.
func (n *NFQueue) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel := n.cancel
	queues := n.queues
	pool := n.pool
	n.queues = nil
	n.mu.Unlock()

	cancel()
	var errs []error
	for hook, q := range queues {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s queue: %w", hook, err))
		}
	}
	pool.stop()
	n.log.Infof("interception stopped")
	return errors.Join(errs...)
}

// Metrics returns interceptor counters.
func (n *NFQueue) Metrics() core.InterceptMetrics {
	return snapshotMetrics(&n.metrics)
}
