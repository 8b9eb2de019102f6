package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// Global debug flag that can be set via configuration
var debugMode uint32

// SetDebugMode sets the global debug mode flag.
// When debug mode is enabled, hook handlers attach a per-packet summary to
// their debug log entries.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

const (
	ipv4MinHeaderSize = 20
	tcpMinHeaderSize  = 20

	// ProtoTCP is the IPv4 protocol number for TCP.
	ProtoTCP = 6
)

// TCP header flags.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrNotIPv4     = errors.New("not an IPv4 packet")
	ErrNotTCP      = errors.New("not a TCP segment")
	ErrBadHeader   = errors.New("malformed header")
)

// Packet is an owned, mutable IPv4/TCP datagram. Header accessors operate on
// the underlying bytes in place; callers holding a *Packet have exclusive
// access to it. Checksums are not maintained automatically: call
// UpdateChecksums after rewriting.
type Packet struct {
	data  []byte
	ipHL  int
	tcpHL int

	// Mark is the firewall mark carried with the packet.
	Mark uint32
	// InDev is the name of the interface the packet arrived on, if known.
	InDev string

	pooled bool
}

// NewPacket copies data into a packet-owned buffer and validates the IPv4 and
// TCP headers.
func NewPacket(data []byte) (*Packet, error) {
	buf := getBuf(len(data))
	copy(buf, data)
	p, err := wrap(buf)
	if err != nil {
		putBuf(buf)
		return nil, err
	}
	p.pooled = true
	return p, nil
}

// WrapPacket validates data and takes ownership of it without copying.
func WrapPacket(data []byte) (*Packet, error) {
	return wrap(data)
}

func wrap(data []byte) (*Packet, error) {
	if len(data) < ipv4MinHeaderSize {
		return nil, ErrShortPacket
	}
	if data[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < ipv4MinHeaderSize {
		return nil, fmt.Errorf("%w: ihl %d", ErrBadHeader, ihl)
	}
	total := int(binary.BigEndian.Uint16(data[2:4]))
	if total < ihl || total > len(data) {
		return nil, fmt.Errorf("%w: total length %d of %d", ErrBadHeader, total, len(data))
	}
	data = data[:total]
	if data[9] != ProtoTCP {
		return nil, ErrNotTCP
	}
	if total < ihl+tcpMinHeaderSize {
		return nil, ErrShortPacket
	}
	thl := int(data[ihl+12]>>4) * 4
	if thl < tcpMinHeaderSize || ihl+thl > total {
		return nil, fmt.Errorf("%w: tcp data offset %d", ErrBadHeader, thl)
	}
	return &Packet{data: data, ipHL: ihl, tcpHL: thl}, nil
}

// Data returns the packet bytes.
func (p *Packet) Data() []byte { return p.data }

// Length returns the packet length
func (p *Packet) Length() int { return len(p.data) }

// Clone returns a deep copy of the packet, including its metadata.
func (p *Packet) Clone() *Packet {
	buf := getBuf(len(p.data))
	copy(buf, p.data)
	return &Packet{data: buf, ipHL: p.ipHL, tcpHL: p.tcpHL, Mark: p.Mark, InDev: p.InDev, pooled: true}
}

// Release returns the packet buffer to its pool. Releasing twice is a no-op.
func (p *Packet) Release() {
	if p == nil || p.data == nil {
		return
	}
	if p.pooled {
		putBuf(p.data)
	}
	p.data = nil
	p.pooled = false
}

// Released reports whether Release has been called.
func (p *Packet) Released() bool { return p.data == nil }

func (p *Packet) tcp() []byte { return p.data[p.ipHL:] }

// SrcIP returns the IPv4 source address.
func (p *Packet) SrcIP() (a [4]byte) { copy(a[:], p.data[12:16]); return }

// DstIP returns the IPv4 destination address.
func (p *Packet) DstIP() (a [4]byte) { copy(a[:], p.data[16:20]); return }

func (p *Packet) SetSrcIP(a [4]byte) { copy(p.data[12:16], a[:]) }
func (p *Packet) SetDstIP(a [4]byte) { copy(p.data[16:20], a[:]) }

func (p *Packet) IPID() uint16       { return binary.BigEndian.Uint16(p.data[4:6]) }
func (p *Packet) SetIPID(id uint16)  { binary.BigEndian.PutUint16(p.data[4:6], id) }
func (p *Packet) TTL() uint8         { return p.data[8] }
func (p *Packet) SrcPort() uint16    { return binary.BigEndian.Uint16(p.tcp()[0:2]) }
func (p *Packet) DstPort() uint16    { return binary.BigEndian.Uint16(p.tcp()[2:4]) }
func (p *Packet) SetSrcPort(v uint16) { binary.BigEndian.PutUint16(p.tcp()[0:2], v) }
func (p *Packet) SetDstPort(v uint16) { binary.BigEndian.PutUint16(p.tcp()[2:4], v) }
func (p *Packet) Seq() uint32         { return binary.BigEndian.Uint32(p.tcp()[4:8]) }
func (p *Packet) Ack() uint32         { return binary.BigEndian.Uint32(p.tcp()[8:12]) }
func (p *Packet) SetSeq(v uint32)     { binary.BigEndian.PutUint32(p.tcp()[4:8], v) }
func (p *Packet) SetAck(v uint32)     { binary.BigEndian.PutUint32(p.tcp()[8:12], v) }
func (p *Packet) Flags() uint8        { return p.tcp()[13] }
func (p *Packet) SetFlags(f uint8)    { p.tcp()[13] = f }
func (p *Packet) Window() uint16      { return binary.BigEndian.Uint16(p.tcp()[14:16]) }
func (p *Packet) SetWindow(w uint16)  { binary.BigEndian.PutUint16(p.tcp()[14:16], w) }

// HasFlags reports whether every bit in f is set.
func (p *Packet) HasFlags(f uint8) bool { return p.Flags()&f == f }

// Payload returns the TCP payload.
func (p *Packet) Payload() []byte { return p.data[p.ipHL+p.tcpHL:] }

// PayloadLen returns the TCP payload length in bytes.
func (p *Packet) PayloadLen() int { return len(p.data) - p.ipHL - p.tcpHL }

// TruncatePayload drops the TCP payload, keeping IP and TCP headers intact.
func (p *Packet) TruncatePayload() {
	p.data = p.data[:p.ipHL+p.tcpHL]
	binary.BigEndian.PutUint16(p.data[2:4], uint16(len(p.data)))
}

// Tuple returns the addressing 4-tuple of the packet.
func (p *Packet) Tuple() Tuple {
	return Tuple{SrcIP: p.SrcIP(), DstIP: p.DstIP(), SrcPort: p.SrcPort(), DstPort: p.DstPort()}
}

// UpdateChecksums recomputes the IPv4 header and TCP checksums.
func (p *Packet) UpdateChecksums() {
	p.data[10], p.data[11] = 0, 0
	binary.BigEndian.PutUint16(p.data[10:12], Checksum(p.data[:p.ipHL]))
	tcp := p.tcp()
	tcp[16], tcp[17] = 0, 0
	binary.BigEndian.PutUint16(tcp[16:18], TCPChecksum(tcp, p.SrcIP(), p.DstIP()))
}

// String returns a short human-readable summary.
func (p *Packet) String() string {
	if p.data == nil {
		return "<released>"
	}
	return fmt.Sprintf("%s [%s] seq=%d ack=%d len=%d", p.Tuple(), FlagString(p.Flags()), p.Seq(), p.Ack(), p.PayloadLen())
}

// FlagString renders TCP flags in tcpdump order.
func FlagString(f uint8) string {
	b := make([]byte, 0, 6)
	for _, fl := range []struct {
		bit uint8
		c   byte
	}{{FlagSYN, 'S'}, {FlagFIN, 'F'}, {FlagRST, 'R'}, {FlagPSH, 'P'}, {FlagACK, '.'}, {FlagURG, 'U'}} {
		if f&fl.bit != 0 {
			b = append(b, fl.c)
		}
	}
	if len(b) == 0 {
		return "none"
	}
	return string(b)
}
