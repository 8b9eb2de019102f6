package intercept

import (
	"errors"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

// ErrUnsupported is returned by the kernel-backed pieces on non-Linux systems.
var ErrUnsupported = errors.New("netfilter interception requires linux")

// DefaultMaxQueueLen is the kernel queue length used when none is configured.
const DefaultMaxQueueLen = 4096

// QueueOptions configures the NFQUEUE interception boundary.
type QueueOptions struct {
	// PreRouting and PostRouting are the NFQUEUE numbers bound to the two
	// interception points.
	PreRouting  uint16
	PostRouting uint16

	// MaxQueueLen is the kernel-side queue length per queue.
	MaxQueueLen uint32

	// IgnoreMark is accepted without reaching the handler.
	IgnoreMark uint32

	// Workers and WorkerQueue size the verdict worker pool.
	Workers     int
	WorkerQueue int
}

// QueueOptionsFrom converts the queue config section.
func QueueOptionsFrom(c core.QueueConfig) QueueOptions {
	o := QueueOptions{
		PreRouting:  c.PreRouting,
		PostRouting: c.PostRouting,
		MaxQueueLen: c.MaxQueueLen,
		IgnoreMark:  c.IgnoreMark,
		Workers:     c.Workers,
		WorkerQueue: c.WorkerQueue,
	}
	if o.MaxQueueLen == 0 {
		o.MaxQueueLen = DefaultMaxQueueLen
	}
	return o
}
