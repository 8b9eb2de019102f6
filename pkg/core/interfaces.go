package core

import "context"

// Injector puts packets back on the wire. Implementations must not retain
// the packet after returning.
type Injector interface {
	// Deliver re-injects p into the receive path so it is routed as if it
	// had just arrived on the gateway.
	Deliver(p *Packet) error

	// Send transmits p as a locally originated packet.
	Send(p *Packet) error
}

// Classifier decides whether a TCP payload is an interceptable request.
type Classifier interface {
	Classify(payload []byte) bool
}

// HookHandler receives every intercepted IPv4/TCP packet.
type HookHandler interface {
	// HandlePacket may rewrite p in place. With VerdictStolen the handler
	// keeps p; otherwise the caller still owns it.
	HandlePacket(hook Hook, p *Packet) Verdict
}

// Interceptor is the packet interception boundary.
type Interceptor interface {
	// SetHandler sets the handler for intercepted packets
	SetHandler(h HookHandler)

	// Start begins intercepting until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop stops intercepting
	Stop() error

	// Metrics returns counters for the interception layer
	Metrics() InterceptMetrics
}

// InterceptMetrics contains counters for an interception layer.
type InterceptMetrics struct {
	// PacketsReceived is the number of packets taken from the queues.
	PacketsReceived uint64

	// Accepted, Dropped and Stolen count verdicts.
	Accepted uint64
	Dropped  uint64
	Stolen   uint64

	// Modified is the number of accepted packets that were rewritten.
	Modified uint64

	// Ignored is the number of packets passed because they carried the ignore mark.
	Ignored uint64

	// ParseErrors is the number of packets that could not be parsed.
	ParseErrors uint64

	// QueueFull is the number of packets accepted because the worker was saturated.
	QueueFull uint64

	// Errors is the number of verdict errors.
	Errors uint64
}

// InjectorMetrics contains counters for an injector.
type InjectorMetrics struct {
	Delivered uint64
	Sent      uint64
	Bytes     uint64
	Errors    uint64
}
