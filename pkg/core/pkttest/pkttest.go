// Package pkttest builds IPv4/TCP fixtures with gopacket and cross-checks
// packets rewritten by the splicing code.
package pkttest

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

// Segment describes a TCP segment fixture.
type Segment struct {
	Src, Dst   string // "a.b.c.d:port"
	Seq, Ack   uint32
	Flags      uint8
	Payload    []byte
	Window     uint16
	Timestamps bool
	TSval      uint32
	TSecr      uint32
	MSS        uint16
}

func splitHostPort(tb testing.TB, s string) (net.IP, uint16) {
	tb.Helper()
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		tb.Fatalf("bad endpoint %q: %v", s, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		tb.Fatalf("bad port %q: %v", s, err)
	}
	return net.ParseIP(host).To4(), uint16(n)
}

// Bytes serializes the fixture.
func Bytes(tb testing.TB, s Segment) []byte {
	tb.Helper()
	sip, sport := splitHostPort(tb, s.Src)
	dip, dport := splitHostPort(tb, s.Dst)
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       0x1234,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    sip,
		DstIP:    dip,
	}
	win := s.Window
	if win == 0 {
		win = 29200
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     s.Seq,
		Ack:     s.Ack,
		FIN:     s.Flags&core.FlagFIN != 0,
		SYN:     s.Flags&core.FlagSYN != 0,
		RST:     s.Flags&core.FlagRST != 0,
		PSH:     s.Flags&core.FlagPSH != 0,
		ACK:     s.Flags&core.FlagACK != 0,
		URG:     s.Flags&core.FlagURG != 0,
		Window:  win,
	}
	if s.MSS != 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, s.MSS)
		tcp.Options = append(tcp.Options, layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionData: mss})
	}
	if s.Timestamps {
		ts := make([]byte, 8)
		binary.BigEndian.PutUint32(ts[0:4], s.TSval)
		binary.BigEndian.PutUint32(ts[4:8], s.TSecr)
		tcp.Options = append(tcp.Options,
			layers.TCPOption{OptionType: layers.TCPOptionKindNop},
			layers.TCPOption{OptionType: layers.TCPOptionKindNop},
			layers.TCPOption{OptionType: layers.TCPOptionKindTimestamps, OptionData: ts},
		)
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(s.Payload)); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// Build returns the fixture as a parsed packet.
func Build(tb testing.TB, s Segment) *core.Packet {
	tb.Helper()
	p, err := core.NewPacket(Bytes(tb, s))
	if err != nil {
		tb.Fatalf("parse fixture: %v", err)
	}
	return p
}

// Decode parses raw bytes with gopacket.
func Decode(tb testing.TB, data []byte) (*layers.IPv4, *layers.TCP) {
	tb.Helper()
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ipL := pkt.Layer(layers.LayerTypeIPv4)
	tcpL := pkt.Layer(layers.LayerTypeTCP)
	if ipL == nil || tcpL == nil {
		tb.Fatalf("decode: missing layers (%v)", pkt.ErrorLayer())
	}
	return ipL.(*layers.IPv4), tcpL.(*layers.TCP)
}

// ChecksumsValid re-serializes data with gopacket, recomputing both
// checksums, and reports whether the result is byte-identical.
func ChecksumsValid(tb testing.TB, data []byte) bool {
	tb.Helper()
	ip, tcp := Decode(tb, data)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(tcp.Payload)); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	got := buf.Bytes()
	if len(got) != len(data) {
		return false
	}
	for i := range got {
		if got[i] != data[i] {
			return false
		}
	}
	return true
}

// Endpoint parses "a.b.c.d:port".
func Endpoint(tb testing.TB, s string) ([4]byte, uint16) {
	tb.Helper()
	ip, port := splitHostPort(tb, s)
	var a [4]byte
	copy(a[:], ip)
	return a, port
}
