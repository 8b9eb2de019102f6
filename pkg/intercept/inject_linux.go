//go:build linux

package intercept

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// RawInjector writes complete IPv4 packets to a raw socket with the header
// included. The socket carries the ignore mark so netfilter passes the
// injected packets without queueing them again.
type RawInjector struct {
	mu      sync.Mutex
	conn    *ipv4.RawConn
	mark    uint32
	metrics core.InjectorMetrics
}

// NewRawInjector opens the raw socket. It needs CAP_NET_RAW and
// CAP_NET_ADMIN for SO_MARK.
func NewRawInjector(mark uint32) (*RawInjector, error) {
	c, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	if mark != 0 {
		if err := setMark(c.(*net.IPConn), mark); err != nil {
			c.Close()
			return nil, err
		}
	}
	rc, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("raw conn: %w", err)
	}
	logging.Infof("Raw injector ready (mark=0x%08x)", mark)
	return &RawInjector{conn: rc, mark: mark}, nil
}

func setMark(c *net.IPConn, mark uint32) error {
	sc, err := c.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var serr error
	if err := sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	}); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if serr != nil {
		return fmt.Errorf("set SO_MARK 0x%x: %w", mark, serr)
	}
	return nil
}

// Deliver re-injects p toward its destination.
func (r *RawInjector) Deliver(p *core.Packet) error {
	if err := r.write(p); err != nil {
		return err
	}
	atomic.AddUint64(&r.metrics.Delivered, 1)
	return nil
}

// Send transmits p from the local stack.
func (r *RawInjector) Send(p *core.Packet) error {
	if err := r.write(p); err != nil {
		return err
	}
	atomic.AddUint64(&r.metrics.Sent, 1)
	return nil
}

func (r *RawInjector) write(p *core.Packet) error {
	b := p.Data()
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		atomic.AddUint64(&r.metrics.Errors, 1)
		return fmt.Errorf("parse header: %w", err)
	}
	r.mu.Lock()
	err = r.conn.WriteTo(h, b[h.Len:], nil)
	r.mu.Unlock()
	if err != nil {
		atomic.AddUint64(&r.metrics.Errors, 1)
		return fmt.Errorf("raw write %s: %w", p.Tuple(), err)
	}
	atomic.AddUint64(&r.metrics.Bytes, uint64(len(b)))
	return nil
}

// Metrics returns injector counters.
func (r *RawInjector) Metrics() core.InjectorMetrics {
	return core.InjectorMetrics{
		Delivered: atomic.LoadUint64(&r.metrics.Delivered),
		Sent:      atomic.LoadUint64(&r.metrics.Sent),
		Bytes:     atomic.LoadUint64(&r.metrics.Bytes),
		Errors:    atomic.LoadUint64(&r.metrics.Errors),
	}
}

// Close closes the raw socket.
func (r *RawInjector) Close() error {
	return r.conn.Close()
}
