package core

import "encoding/binary"

// TCP option kinds.
const (
	OptEnd       = 0
	OptNOP       = 1
	OptMSS       = 2
	OptWScale    = 3
	OptSACKPerm  = 4
	OptTimestamp = 8

	timestampOptLen = 10
)

// findOption returns the offset of the option of the given kind within the
// packet data, or -1 when it is absent or the option list is malformed.
func (p *Packet) findOption(kind byte) int {
	start := p.ipHL + tcpMinHeaderSize
	end := p.ipHL + p.tcpHL
	for i := start; i < end; {
		k := p.data[i]
		switch k {
		case OptEnd:
			return -1
		case OptNOP:
			i++
			continue
		}
		if i+1 >= end {
			return -1
		}
		l := int(p.data[i+1])
		if l < 2 || i+l > end {
			return -1
		}
		if k == kind {
			return i
		}
		i += l
	}
	return -1
}

// HasOption reports whether the TCP header carries an option of kind.
func (p *Packet) HasOption(kind byte) bool { return p.findOption(kind) >= 0 }

// Timestamp returns the TSval and TSecr of the TCP timestamp option.
func (p *Packet) Timestamp() (tsval, tsecr uint32, ok bool) {
	off := p.findOption(OptTimestamp)
	if off < 0 || p.data[off+1] != timestampOptLen {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(p.data[off+2 : off+6]), binary.BigEndian.Uint32(p.data[off+6 : off+10]), true
}

// SetTimestamp rewrites the TCP timestamp option in place. It reports false
// when the packet has no timestamp option.
func (p *Packet) SetTimestamp(tsval, tsecr uint32) bool {
	off := p.findOption(OptTimestamp)
	if off < 0 || p.data[off+1] != timestampOptLen {
		return false
	}
	binary.BigEndian.PutUint32(p.data[off+2:off+6], tsval)
	binary.BigEndian.PutUint32(p.data[off+6:off+10], tsecr)
	return true
}

// ClearTimestamp overwrites the timestamp option with NOPs.
func (p *Packet) ClearTimestamp() bool {
	off := p.findOption(OptTimestamp)
	if off < 0 || p.data[off+1] != timestampOptLen {
		return false
	}
	for i := off; i < off+timestampOptLen; i++ {
		p.data[i] = OptNOP
	}
	return true
}
