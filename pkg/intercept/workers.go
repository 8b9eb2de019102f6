package intercept

import (
	"sync"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// job is one queued packet waiting for a verdict.
type job struct {
	hook core.Hook
	pkt  *core.Packet
	orig []byte
	done func(v core.Verdict, mod []byte)
}

// workerPool runs packet handling on a fixed set of goroutines. Packets are
// sharded by client address so every packet of a flow lands on the same
// worker, in queue order.
type workerPool struct {
	queues []chan job
	stopCh chan struct{}
	wg     sync.WaitGroup
	handle func(job)
}

func newWorkerPool(workers, queueCap int, handle func(job)) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueCap <= 0 {
		queueCap = 1000
	}
	wp := &workerPool{
		queues: make([]chan job, workers),
		stopCh: make(chan struct{}),
		handle: handle,
	}
	for i := range wp.queues {
		wp.queues[i] = make(chan job, queueCap)
	}
	return wp
}

func (wp *workerPool) start() {
	wp.wg.Add(len(wp.queues))
	for i := range wp.queues {
		go wp.worker(i)
	}
	logging.Infof("Verdict worker pool started with %d workers", len(wp.queues))
}

// stop waits for the workers to exit. Jobs still queued are abandoned; the
// kernel fails them open when the queue is closed.
func (wp *workerPool) stop() {
	close(wp.stopCh)
	wp.wg.Wait()
}

// submit queues j on its shard. It returns false if the shard is full.
func (wp *workerPool) submit(key uint32, j job) bool {
	select {
	case wp.queues[key%uint32(len(wp.queues))] <- j:
		return true
	default:
		return false
	}
}

func (wp *workerPool) worker(id int) {
	defer wp.wg.Done()
	logging.Debugf("Verdict worker %d started", id)
	q := wp.queues[id]
	for {
		select {
		case <-wp.stopCh:
			logging.Debugf("Verdict worker %d stopped", id)
			return
		case j := <-q:
			wp.handle(j)
		}
	}
}
