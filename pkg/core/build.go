package core

import "encoding/binary"

// BuildIPv4TCP builds a TCP segment with no options, TTL 64 and DF set.
func BuildIPv4TCP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags byte, payload []byte) *Packet {
	return BuildIPv4TCPOpts(srcIP, dstIP, srcPort, dstPort, seq, ack, flags, payload, nil, 64)
}

// BuildIPv4TCPOpts builds a TCP segment with the given options (padded to a
// 4-byte multiple) and TTL. Checksums are filled in.
func BuildIPv4TCPOpts(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags byte, payload []byte, options []byte, ttl byte) *Packet {
	ihl := ipv4MinHeaderSize
	thl := tcpMinHeaderSize + len(options)
	if thl%4 != 0 {
		pad := 4 - (thl % 4)
		options = append(options, make([]byte, pad)...)
		thl += pad
	}
	total := ihl + thl + len(payload)
	pkt := getBuf(total)
	for i := range pkt[:ihl+thl] {
		pkt[i] = 0
	}

	// IPv4 header
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	binary.BigEndian.PutUint16(pkt[4:6], NextIPID())
	pkt[6] = 0x40 // DF
	pkt[8] = ttl
	pkt[9] = ProtoTCP
	copy(pkt[12:16], srcIP[:])
	copy(pkt[16:20], dstIP[:])

	// TCP header
	off := ihl
	binary.BigEndian.PutUint16(pkt[off:off+2], srcPort)
	binary.BigEndian.PutUint16(pkt[off+2:off+4], dstPort)
	binary.BigEndian.PutUint32(pkt[off+4:off+8], seq)
	binary.BigEndian.PutUint32(pkt[off+8:off+12], ack)
	pkt[off+12] = byte((thl / 4) << 4)
	pkt[off+13] = flags
	if flags&FlagRST == 0 {
		pkt[off+14] = 0xff
		pkt[off+15] = 0xff
	}
	copy(pkt[off+tcpMinHeaderSize:], options)
	copy(pkt[ihl+thl:], payload)

	p := &Packet{data: pkt, ipHL: ihl, tcpHL: thl, pooled: true}
	p.UpdateChecksums()
	return p
}
