package intercept

import (
	"bytes"
	"sync/atomic"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

// dispatch runs h on p and accounts the verdict. For ACCEPT it returns a
// copy of the rewritten bytes when they differ from orig, nil otherwise.
// Unless the verdict is STOLEN, p is released before returning.
func dispatch(h core.HookHandler, ignoreMark uint32, hook core.Hook, p *core.Packet, orig []byte, m *core.InterceptMetrics) (core.Verdict, []byte) {
	atomic.AddUint64(&m.PacketsReceived, 1)
	if ignoreMark != 0 && p.Mark&ignoreMark == ignoreMark {
		atomic.AddUint64(&m.Ignored, 1)
		atomic.AddUint64(&m.Accepted, 1)
		p.Release()
		return core.VerdictAccept, nil
	}

	v := h.HandlePacket(hook, p)
	switch v {
	case core.VerdictStolen:
		atomic.AddUint64(&m.Stolen, 1)
		return v, nil
	case core.VerdictDrop:
		atomic.AddUint64(&m.Dropped, 1)
		p.Release()
		return v, nil
	}

	atomic.AddUint64(&m.Accepted, 1)
	var mod []byte
	if !bytes.Equal(p.Data(), orig) {
		mod = append([]byte(nil), p.Data()...)
		atomic.AddUint64(&m.Modified, 1)
	}
	p.Release()
	return core.VerdictAccept, mod
}

// clientKey returns the LAN client address of a packet seen at hook. Both
// directions of a flow map to the same key.
func clientKey(hook core.Hook, p *core.Packet) uint32 {
	a := p.SrcIP()
	if hook == core.HookPostRouting {
		a = p.DstIP()
	}
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

func snapshotMetrics(m *core.InterceptMetrics) core.InterceptMetrics {
	return core.InterceptMetrics{
		PacketsReceived: atomic.LoadUint64(&m.PacketsReceived),
		Accepted:        atomic.LoadUint64(&m.Accepted),
		Dropped:         atomic.LoadUint64(&m.Dropped),
		Stolen:          atomic.LoadUint64(&m.Stolen),
		Modified:        atomic.LoadUint64(&m.Modified),
		Ignored:         atomic.LoadUint64(&m.Ignored),
		ParseErrors:     atomic.LoadUint64(&m.ParseErrors),
		QueueFull:       atomic.LoadUint64(&m.QueueFull),
		Errors:          atomic.LoadUint64(&m.Errors),
	}
}
