package core

import (
	"fmt"
	"net"
)

// Tuple identifies one direction of a TCP flow.
type Tuple struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

// Reverse returns the tuple of the opposite direction.
func (t Tuple) Reverse() Tuple {
	return Tuple{SrcIP: t.DstIP, DstIP: t.SrcIP, SrcPort: t.DstPort, DstPort: t.SrcPort}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", IPString(t.SrcIP), t.SrcPort, IPString(t.DstIP), t.DstPort)
}

// IPString formats an IPv4 address in dotted-quad form.
func IPString(a [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// ParseIPv4 parses a dotted-quad IPv4 address.
func ParseIPv4(s string) ([4]byte, error) {
	var a [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return a, fmt.Errorf("invalid IP address: %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return a, fmt.Errorf("not an IPv4 address: %q", s)
	}
	copy(a[:], v4)
	return a, nil
}

// Verdict is the outcome of handing a packet to a hook handler.
type Verdict int

const (
	// VerdictAccept lets the packet continue, possibly rewritten in place.
	VerdictAccept Verdict = iota
	// VerdictDrop discards the packet.
	VerdictDrop
	// VerdictStolen transfers ownership of the packet to the handler. The
	// interception layer must not forward its own copy.
	VerdictStolen
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "ACCEPT"
	case VerdictDrop:
		return "DROP"
	case VerdictStolen:
		return "STOLEN"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Hook names an interception point.
type Hook int

const (
	HookPreRouting Hook = iota
	HookPostRouting
)

func (h Hook) String() string {
	if h == HookPreRouting {
		return "prerouting"
	}
	return "postrouting"
}

// Direction of a packet relative to a spliced flow.
type Direction int

const (
	// DirOut is client to original destination.
	DirOut Direction = iota
	// DirIn is proxy to client.
	DirIn
)

func (d Direction) String() string {
	if d == DirOut {
		return "out"
	}
	return "in"
}
