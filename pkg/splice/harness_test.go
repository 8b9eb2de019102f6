package splice

import (
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/core/pkttest"
	"github.com/irctrakz/tcpsplice/pkg/intercept"
)

const (
	clientEP = "192.168.1.10:40000"
	serverEP = "93.184.216.34:80"
	proxyEP  = "10.0.0.1:8080"
)

var request = []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nAccept: text/html\r\n\r\n")

type classifierFunc func([]byte) bool

func (f classifierFunc) Classify(b []byte) bool { return f(b) }

func matchAll() core.Classifier { return classifierFunc(func([]byte) bool { return true }) }

// harness wires a running manager and dispatcher to a mock injector with
// both handshake templates captured.
type harness struct {
	t   *testing.T
	m   *Manager
	inj *intercept.MockInjector
	d   *Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Interface == "" {
		opts.Interface = "br-lan"
	}
	if opts.IgnoreMark == 0 {
		opts.IgnoreMark = DefaultIgnoreMark
	}
	if opts.TemplateRefresh == 0 {
		opts.TemplateRefresh = time.Hour
	}
	if opts.ReapInterval == 0 {
		opts.ReapInterval = time.Hour
	}
	inj := intercept.NewMockInjector()
	m := NewManager(inj, opts)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		m.Stop()
		m.WaitDeliveries()
	})

	target, err := NewProxyTarget("10.0.0.1", 8080)
	require.NoError(t, err)
	d, err := NewDispatcher(m, matchAll(), target, []int{80})
	require.NoError(t, err)

	h := &harness{t: t, m: m, inj: inj, d: d}
	h.captureTemplates()
	return h
}

func (h *harness) captureTemplates() {
	h.t.Helper()
	syn := pkttest.Segment{
		Src: "192.168.1.20:50000", Dst: "1.1.1.1:80", Seq: 77, Flags: core.FlagSYN,
		MSS: 1460, Timestamps: true, TSval: 1,
	}
	ack := pkttest.Segment{
		Src: "192.168.1.20:50000", Dst: "1.1.1.1:80", Seq: 78, Ack: 999, Flags: core.FlagACK,
		Timestamps: true, TSval: 2, TSecr: 3,
	}
	require.Equal(h.t, core.VerdictAccept, h.pre(syn))
	require.Equal(h.t, core.VerdictAccept, h.pre(ack))
	snap := h.m.Snapshot(false)
	require.True(h.t, snap.SYNTemplate)
	require.True(h.t, snap.ACKTemplate)
}

func (h *harness) packet(s pkttest.Segment) *core.Packet {
	p := pkttest.Build(h.t, s)
	p.InDev = "br-lan"
	return p
}

// pre feeds s to the pre-routing hook and settles deliveries.
func (h *harness) pre(s pkttest.Segment) core.Verdict {
	v, _ := h.preP(s)
	return v
}

// preP is pre but also returns the packet for inspection when it was not
// stolen.
func (h *harness) preP(s pkttest.Segment) (core.Verdict, *core.Packet) {
	h.t.Helper()
	p := h.packet(s)
	v := h.d.HandlePacket(core.HookPreRouting, p)
	h.m.WaitDeliveries()
	if v == core.VerdictStolen {
		return v, nil
	}
	return v, p
}

func (h *harness) postP(s pkttest.Segment) (core.Verdict, *core.Packet) {
	h.t.Helper()
	p := h.packet(s)
	p.InDev = "lo"
	v := h.d.HandlePacket(core.HookPostRouting, p)
	h.m.WaitDeliveries()
	if v == core.VerdictStolen {
		return v, nil
	}
	return v, p
}

func (h *harness) post(s pkttest.Segment) core.Verdict {
	v, _ := h.postP(s)
	return v
}

// out builds a client to server segment.
func out(seq, ack uint32, flags uint8, payload []byte, tsval, tsecr uint32) pkttest.Segment {
	return pkttest.Segment{
		Src: clientEP, Dst: serverEP, Seq: seq, Ack: ack, Flags: flags, Payload: payload,
		Timestamps: true, TSval: tsval, TSecr: tsecr,
	}
}

// in builds a proxy to client segment.
func in(seq, ack uint32, flags uint8, payload []byte, tsval, tsecr uint32) pkttest.Segment {
	return pkttest.Segment{
		Src: proxyEP, Dst: clientEP, Seq: seq, Ack: ack, Flags: flags, Payload: payload,
		Timestamps: true, TSval: tsval, TSecr: tsecr,
	}
}

func (h *harness) record() *Record {
	h.t.Helper()
	src, sport := pkttest.Endpoint(h.t, clientEP)
	dst, dport := pkttest.Endpoint(h.t, serverEP)
	r, _ := h.m.Find(core.Tuple{SrcIP: src, DstIP: dst, SrcPort: sport, DstPort: dport}, core.DirOut)
	return r
}

func (h *harness) delivered(i int) (*layers.IPv4, *layers.TCP) {
	h.t.Helper()
	d := h.inj.Delivered()
	require.Greater(h.t, len(d), i)
	require.True(h.t, pkttest.ChecksumsValid(h.t, d[i].Data), "delivered packet %d checksum", i)
	require.Equal(h.t, uint32(DefaultIgnoreMark), d[i].Mark&DefaultIgnoreMark)
	return pkttest.Decode(h.t, d[i].Data)
}

func tsOption(tcp *layers.TCP) (tsval, tsecr uint32, ok bool) {
	for _, o := range tcp.Options {
		if o.OptionType == layers.TCPOptionKindTimestamps && len(o.OptionData) == 8 {
			d := o.OptionData
			return uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3]),
				uint32(d[4])<<24 | uint32(d[5])<<16 | uint32(d[6])<<8 | uint32(d[7]), true
		}
	}
	return 0, 0, false
}

// Handshake numbers used throughout: the client request is seq 101 ack
// 5001, so the server's sequence base is 5000; the proxy answers with
// seq 1000 and the splice offset is 4000.
const (
	reqSeq   = 101
	reqAck   = 5001
	reqTSval = 7000
	reqTSecr = 9000

	proxyISN  = 1000
	proxyTS   = 50000
	seqOffset = 4000
)

// startFlow sends the request and returns once the SYN toward the proxy is
// delivered.
func (h *harness) startFlow() {
	h.t.Helper()
	require.Equal(h.t, core.VerdictStolen, h.pre(out(reqSeq, reqAck, core.FlagACK|core.FlagPSH, request, reqTSval, reqTSecr)))
	require.Equal(h.t, StateSynSent, h.record().State())
}

// synAck answers the proxy-side handshake.
func (h *harness) synAck() {
	h.t.Helper()
	require.Equal(h.t, core.VerdictStolen, h.post(in(proxyISN, reqSeq, core.FlagSYN|core.FlagACK, nil, proxyTS, reqTSval-20)))
}

// establish drives a flow to ESTABLISHED through the client's
// retransmission of the request.
func (h *harness) establish() {
	h.t.Helper()
	h.startFlow()
	h.synAck()
	require.Equal(h.t, StateSynAckReceived, h.record().State())
	v := h.pre(out(reqSeq, reqAck, core.FlagACK|core.FlagPSH, request, reqTSval+100, reqTSecr))
	require.Equal(h.t, core.VerdictAccept, v)
	require.Equal(h.t, StateEstablished, h.record().State())
}
