package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// ErrMockFailure is returned by MockInjector when a failure is scripted.
var ErrMockFailure = errors.New("mock injector failure")

// Injected is one packet captured by MockInjector.
type Injected struct {
	Data []byte
	Mark uint32
}

// MockInjector is an in-memory core.Injector for tests. It records copies of
// everything it is given and can be told to fail.
type MockInjector struct {
	mu          sync.Mutex
	delivered   []Injected
	sent        []Injected
	failDeliver int
	failSend    int
	metrics     core.InjectorMetrics
}

// NewMockInjector creates an empty mock injector.
func NewMockInjector() *MockInjector {
	return &MockInjector{}
}

// FailDeliveries makes the next n Deliver calls fail. n < 0 fails all.
func (m *MockInjector) FailDeliveries(n int) {
	m.mu.Lock()
	m.failDeliver = n
	m.mu.Unlock()
}

// FailSends makes the next n Send calls fail. n < 0 fails all.
func (m *MockInjector) FailSends(n int) {
	m.mu.Lock()
	m.failSend = n
	m.mu.Unlock()
}

func consume(n *int) bool {
	if *n == 0 {
		return false
	}
	if *n > 0 {
		*n--
	}
	return true
}

// Deliver records p as re-injected into the receive path.
func (m *MockInjector) Deliver(p *core.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if consume(&m.failDeliver) {
		atomic.AddUint64(&m.metrics.Errors, 1)
		return ErrMockFailure
	}
	m.delivered = append(m.delivered, Injected{Data: append([]byte(nil), p.Data()...), Mark: p.Mark})
	atomic.AddUint64(&m.metrics.Delivered, 1)
	atomic.AddUint64(&m.metrics.Bytes, uint64(p.Length()))
	logging.Debugf("Mock injector delivered %s", p)
	return nil
}

// Send records p as transmitted locally.
func (m *MockInjector) Send(p *core.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if consume(&m.failSend) {
		atomic.AddUint64(&m.metrics.Errors, 1)
		return ErrMockFailure
	}
	m.sent = append(m.sent, Injected{Data: append([]byte(nil), p.Data()...), Mark: p.Mark})
	atomic.AddUint64(&m.metrics.Sent, 1)
	atomic.AddUint64(&m.metrics.Bytes, uint64(p.Length()))
	return nil
}

// Delivered returns copies of every delivered packet in order.
func (m *MockInjector) Delivered() []Injected {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Injected(nil), m.delivered...)
}

// Sent returns copies of every locally sent packet in order.
func (m *MockInjector) Sent() []Injected {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Injected(nil), m.sent...)
}

// Clear forgets captured packets.
func (m *MockInjector) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = nil
	m.sent = nil
}

// Metrics returns injector counters.
func (m *MockInjector) Metrics() core.InjectorMetrics {
	return core.InjectorMetrics{
		Delivered: atomic.LoadUint64(&m.metrics.Delivered),
		Sent:      atomic.LoadUint64(&m.metrics.Sent),
		Bytes:     atomic.LoadUint64(&m.metrics.Bytes),
		Errors:    atomic.LoadUint64(&m.metrics.Errors),
	}
}

// Close is a no-op.
func (m *MockInjector) Close() error { return nil }

// MockInterceptor is a core.Interceptor that takes packets from tests
// instead of the kernel.
type MockInterceptor struct {
	mu      sync.Mutex
	handler core.HookHandler
	running bool
	metrics core.InterceptMetrics
	mark    uint32
}

// NewMockInterceptor creates a mock interceptor. Packets carrying ignoreMark
// are accepted without reaching the handler.
func NewMockInterceptor(ignoreMark uint32) *MockInterceptor {
	return &MockInterceptor{mark: ignoreMark}
}

// SetHandler sets the handler for intercepted packets
func (m *MockInterceptor) SetHandler(h core.HookHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Start marks the interceptor running; it returns when ctx is done.
func (m *MockInterceptor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("interceptor already running")
	}
	m.running = true
	m.mu.Unlock()
	<-ctx.Done()
	return m.Stop()
}

// Stop marks the interceptor stopped.
func (m *MockInterceptor) Stop() error {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

// SimulatePacket hands raw bytes to the handler the way the queue reader
// does and returns the verdict with the bytes that would be reinjected for
// an ACCEPT.
func (m *MockInterceptor) SimulatePacket(hook core.Hook, dev string, mark uint32, data []byte) (core.Verdict, []byte, error) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return core.VerdictAccept, data, fmt.Errorf("no handler")
	}
	p, err := core.NewPacket(data)
	if err != nil {
		atomic.AddUint64(&m.metrics.ParseErrors, 1)
		return core.VerdictAccept, data, err
	}
	p.InDev = dev
	p.Mark = mark
	v, mod := dispatch(h, m.mark, hook, p, data, &m.metrics)
	if mod == nil {
		mod = data
	}
	return v, mod, nil
}

// Metrics returns interceptor counters.
func (m *MockInterceptor) Metrics() core.InterceptMetrics {
	return snapshotMetrics(&m.metrics)
}
