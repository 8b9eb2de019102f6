package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/core/pkttest"
)

// handlerFunc adapts a function to core.HookHandler.
type handlerFunc func(hook core.Hook, p *core.Packet) core.Verdict

func (f handlerFunc) HandlePacket(hook core.Hook, p *core.Packet) core.Verdict { return f(hook, p) }

func fixture(t *testing.T) []byte {
	return pkttest.Bytes(t, pkttest.Segment{
		Src: "192.168.1.10:40000", Dst: "93.184.216.34:80",
		Seq: 100, Ack: 5000, Flags: core.FlagACK | core.FlagPSH,
		Payload: []byte("GET / HTTP/1.1\r\n\r\n"),
	})
}

func TestSimulatePacketVerdicts(t *testing.T) {
	const mark = 0x00060000
	mi := NewMockInterceptor(mark)
	data := fixture(t)

	var seen []core.Hook
	var kept *core.Packet
	mi.SetHandler(handlerFunc(func(hook core.Hook, p *core.Packet) core.Verdict {
		seen = append(seen, hook)
		switch p.Seq() {
		case 100:
			return core.VerdictAccept
		case 101:
			p.SetDstPort(8080)
			p.UpdateChecksums()
			return core.VerdictAccept
		case 102:
			return core.VerdictDrop
		}
		kept = p
		return core.VerdictStolen
	}))

	v, out, err := mi.SimulatePacket(core.HookPreRouting, "br-lan", 0, data)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictAccept, v)
	assert.Equal(t, data, out)

	rewrite := append([]byte(nil), data...)
	p, err := core.WrapPacket(rewrite)
	require.NoError(t, err)
	p.SetSeq(101)
	p.UpdateChecksums()
	v, out, err = mi.SimulatePacket(core.HookPreRouting, "br-lan", 0, rewrite)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictAccept, v)
	_, tcp := pkttest.Decode(t, out)
	assert.EqualValues(t, 8080, tcp.DstPort)
	assert.True(t, pkttest.ChecksumsValid(t, out))

	p.SetSeq(102)
	p.UpdateChecksums()
	v, _, err = mi.SimulatePacket(core.HookPostRouting, "br-lan", 0, rewrite)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictDrop, v)

	p.SetSeq(103)
	p.UpdateChecksums()
	v, _, err = mi.SimulatePacket(core.HookPreRouting, "br-lan", 0, rewrite)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictStolen, v)
	require.NotNil(t, kept)
	assert.False(t, kept.Released(), "stolen packet belongs to the handler")

	// Marked packets never reach the handler.
	v, _, err = mi.SimulatePacket(core.HookPreRouting, "br-lan", mark|0x1, data)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictAccept, v)
	assert.Len(t, seen, 4)

	m := mi.Metrics()
	assert.EqualValues(t, 5, m.PacketsReceived)
	assert.EqualValues(t, 3, m.Accepted)
	assert.EqualValues(t, 1, m.Modified)
	assert.EqualValues(t, 1, m.Dropped)
	assert.EqualValues(t, 1, m.Stolen)
	assert.EqualValues(t, 1, m.Ignored)
}

func TestSimulatePacketParseError(t *testing.T) {
	mi := NewMockInterceptor(0)
	mi.SetHandler(handlerFunc(func(core.Hook, *core.Packet) core.Verdict {
		t.Fatal("handler must not see unparseable packets")
		return core.VerdictDrop
	}))
	v, _, err := mi.SimulatePacket(core.HookPreRouting, "", 0, []byte{0x45, 0x00})
	assert.Error(t, err)
	assert.Equal(t, core.VerdictAccept, v)
	assert.EqualValues(t, 1, mi.Metrics().ParseErrors)
}

func TestClientKeyMatchesBothDirections(t *testing.T) {
	out := pkttest.Build(t, pkttest.Segment{Src: "192.168.1.10:40000", Dst: "93.184.216.34:80", Flags: core.FlagACK})
	in := pkttest.Build(t, pkttest.Segment{Src: "10.0.0.1:8080", Dst: "192.168.1.10:40000", Flags: core.FlagACK})
	assert.Equal(t, clientKey(core.HookPreRouting, out), clientKey(core.HookPostRouting, in))
	assert.EqualValues(t, 0xc0a8010a, clientKey(core.HookPreRouting, out))
}

func TestQueueOptionsFrom(t *testing.T) {
	o := QueueOptionsFrom(core.QueueConfig{PreRouting: 1, PostRouting: 2, IgnoreMark: 0x60000, Workers: 2})
	assert.EqualValues(t, DefaultMaxQueueLen, o.MaxQueueLen)
	assert.EqualValues(t, 0x60000, o.IgnoreMark)
	assert.Equal(t, 2, o.Workers)
}
