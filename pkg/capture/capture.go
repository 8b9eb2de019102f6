// Package capture writes packets injected by the splicer to a pcap file
// (LINKTYPE_RAW) for offline inspection.
package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

const snapLen = 65535

// Writer serializes raw IPv4 packets into a pcap stream.
type Writer struct {
	mu      sync.Mutex
	bw      *bufio.Writer
	pw      *pcapgo.Writer
	closer  io.Closer
	now     func() time.Time
	packets uint64
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(bw)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	cw := &Writer{bw: bw, pw: pw, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw, nil
}

// Create opens path for writing and returns a Writer on it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	logging.Infof("Capturing injected packets to %s", path)
	return w, nil
}

// Write records one packet.
func (w *Writer) Write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n := len(b)
	if n > snapLen {
		n = snapLen
	}
	ci := gopacket.CaptureInfo{Timestamp: w.now(), CaptureLength: n, Length: len(b)}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.pw.WritePacket(ci, b[:n]); err != nil {
		return fmt.Errorf("pcap write: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("pcap flush: %w", err)
	}
	atomic.AddUint64(&w.packets, 1)
	return nil
}

// Packets returns the number of packets written.
func (w *Writer) Packets() uint64 { return atomic.LoadUint64(&w.packets) }

// Close flushes and closes the underlying file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

// Tee is a core.Injector that records every packet before handing it to
// the wrapped injector. Capture errors never fail an injection.
type Tee struct {
	inner  core.Injector
	w      *Writer
	warned atomic.Bool
}

// NewTee wraps inner.
func NewTee(inner core.Injector, w *Writer) *Tee {
	return &Tee{inner: inner, w: w}
}

func (t *Tee) record(p *core.Packet) {
	if err := t.w.Write(p.Data()); err != nil && t.warned.CompareAndSwap(false, true) {
		logging.Warnf("Packet capture failed, further errors suppressed: %v", err)
	}
}

// Deliver implements core.Injector.
func (t *Tee) Deliver(p *core.Packet) error {
	t.record(p)
	return t.inner.Deliver(p)
}

// Send implements core.Injector.
func (t *Tee) Send(p *core.Packet) error {
	t.record(p)
	return t.inner.Send(p)
}

// Metrics returns the wrapped injector's counters when it has any.
func (t *Tee) Metrics() core.InjectorMetrics {
	if m, ok := t.inner.(interface{ Metrics() core.InjectorMetrics }); ok {
		return m.Metrics()
	}
	return core.InjectorMetrics{}
}

// Close closes the capture file.
func (t *Tee) Close() error { return t.w.Close() }
