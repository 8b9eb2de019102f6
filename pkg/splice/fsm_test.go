package splice

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/core/pkttest"
)

func TestRequestQueuesSynTowardProxy(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()

	require.Len(t, h.inj.Delivered(), 1)
	ip, tcp := h.delivered(0)
	assert.Equal(t, "192.168.1.10", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.1", ip.DstIP.String())
	assert.EqualValues(t, 40000, tcp.SrcPort)
	assert.EqualValues(t, 8080, tcp.DstPort)
	assert.True(t, tcp.SYN)
	assert.False(t, tcp.ACK || tcp.RST || tcp.FIN || tcp.PSH)
	assert.EqualValues(t, reqSeq-1, tcp.Seq)
	assert.Empty(t, tcp.Payload)

	tsval, tsecr, ok := tsOption(tcp)
	require.True(t, ok, "SYN carries the template's timestamp option")
	assert.EqualValues(t, reqTSval-20, tsval)
	assert.EqualValues(t, 0, tsecr)

	assert.Empty(t, h.inj.Sent(), "no reset before the proxy answers")
	info := h.record().Info()
	assert.True(t, info.Held)
	assert.Equal(t, "10.0.0.1:8080", info.Target)
}

func TestSynAckSetsOffsetAndAcksProxy(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()
	h.synAck()

	r := h.record()
	assert.Equal(t, StateSynAckReceived, r.State())
	assert.EqualValues(t, seqOffset, r.SeqDiff())

	require.Len(t, h.inj.Delivered(), 2)
	ip, tcp := h.delivered(1)
	assert.Equal(t, "192.168.1.10", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.1", ip.DstIP.String())
	assert.True(t, tcp.ACK)
	assert.False(t, tcp.SYN)
	assert.EqualValues(t, reqSeq, tcp.Seq)
	assert.EqualValues(t, proxyISN+1, tcp.Ack)
	tsval, tsecr, ok := tsOption(tcp)
	require.True(t, ok)
	assert.EqualValues(t, reqTSval-20+10, tsval)
	assert.EqualValues(t, proxyTS, tsecr)
}

func TestEstablishedTranslation(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()
	h.synAck()

	// The client's retransmitted request completes the splice.
	v, p := h.preP(out(reqSeq, reqAck, core.FlagACK|core.FlagPSH, request, reqTSval+100, reqTSecr))
	require.Equal(t, core.VerdictAccept, v)
	ip, tcp := pkttest.Decode(t, p.Data())
	assert.Equal(t, "10.0.0.1", ip.DstIP.String())
	assert.EqualValues(t, 8080, tcp.DstPort)
	assert.EqualValues(t, reqAck-seqOffset, tcp.Ack)
	assert.Equal(t, request, []byte(tcp.Payload))
	tsval, tsecr, _ := tsOption(tcp)
	assert.EqualValues(t, reqTSval+100, tsval)
	assert.EqualValues(t, proxyTS, tsecr)
	assert.True(t, pkttest.ChecksumsValid(t, p.Data()))

	// The original server gets an exact reset for the request it never saw.
	sent := h.inj.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(DefaultIgnoreMark), sent[0].Mark)
	rip, rtcp := pkttest.Decode(t, sent[0].Data)
	assert.Equal(t, "192.168.1.10", rip.SrcIP.String())
	assert.Equal(t, "93.184.216.34", rip.DstIP.String())
	assert.True(t, rtcp.RST && rtcp.ACK)
	assert.EqualValues(t, reqSeq, rtcp.Seq)
	assert.EqualValues(t, reqAck, rtcp.Ack)
	assert.False(t, h.record().Info().Held)

	// Proxy data seq 1050 reaches the client as seq 5050 from the server.
	v, p = h.postP(in(1050, reqSeq+uint32(len(request)), core.FlagACK|core.FlagPSH, []byte("HTTP/1.1 200 OK\r\n"), proxyTS+10, reqTSval+100))
	require.Equal(t, core.VerdictAccept, v)
	ip, tcp = pkttest.Decode(t, p.Data())
	assert.Equal(t, "93.184.216.34", ip.SrcIP.String())
	assert.Equal(t, "192.168.1.10", ip.DstIP.String())
	assert.EqualValues(t, 80, tcp.SrcPort)
	assert.EqualValues(t, 40000, tcp.DstPort)
	assert.EqualValues(t, 5050, tcp.Seq)
	tsval, tsecr, _ = tsOption(tcp)
	assert.EqualValues(t, reqTSecr+10, tsval, "server clock advances by the proxy clock drift")
	assert.EqualValues(t, reqTSval+100, tsecr)
	assert.True(t, pkttest.ChecksumsValid(t, p.Data()))

	// Client acks move back into proxy space.
	v, p = h.preP(out(reqSeq+uint32(len(request)), 5067, core.FlagACK, nil, reqTSval+200, reqTSecr+10))
	require.Equal(t, core.VerdictAccept, v)
	_, tcp = pkttest.Decode(t, p.Data())
	assert.EqualValues(t, 1067, tcp.Ack)
	assert.EqualValues(t, reqSeq+uint32(len(request)), tcp.Seq, "client sequence numbers are untouched")
}

func TestTranslationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := NewManager(nil, Options{})
	for i := 0; i < 200; i++ {
		r := newRecord(m, 0)
		r.client = core.Tuple{SrcIP: [4]byte{192, 168, 1, 10}, DstIP: [4]byte{93, 184, 216, 34}, SrcPort: 40000, DstPort: 80}
		r.target = ProxyTarget{Addr: [4]byte{10, 0, 0, 1}, Port: 8080}
		r.state = StateEstablished
		r.seqDiff = rng.Uint32()

		s := rng.Uint32()
		p := core.BuildIPv4TCP(r.target.Addr, r.client.SrcIP, 8080, 40000, s, 1, core.FlagACK, nil)
		r.toClient(p)
		require.Equal(t, s+r.seqDiff, p.Seq())

		a := rng.Uint32()
		q := core.BuildIPv4TCP(r.client.SrcIP, r.client.DstIP, 40000, 80, 1, a+r.seqDiff, core.FlagACK, nil)
		r.toProxy(q)
		require.Equal(t, a, q.Ack())
		require.Equal(t, r.target.Addr, q.DstIP())
	}
}

func TestPendingFlushOrderAndGap(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()

	next := reqSeq + uint32(len(request))
	body := []byte("abcde")
	cont := out(next, reqAck, core.FlagACK, body, reqTSval+1, reqTSecr)
	gap := out(next+uint32(len(body))+10, reqAck, core.FlagACK, []byte("zz"), reqTSval+2, reqTSecr)
	retx := out(reqSeq, reqAck, core.FlagACK|core.FlagPSH, request, reqTSval+3, reqTSecr)

	assert.Equal(t, core.VerdictStolen, h.pre(cont))
	assert.Equal(t, core.VerdictStolen, h.pre(gap))
	assert.Equal(t, core.VerdictStolen, h.pre(retx))
	assert.Equal(t, 3, h.record().Info().Pending)

	// Segments that are neither a retransmit nor ahead of the request are dropped.
	assert.Equal(t, core.VerdictDrop, h.pre(out(reqSeq-50, reqAck, core.FlagACK, []byte("x"), 1, 1)))

	h.synAck()
	assert.Equal(t, StateEstablished, h.record().State())

	d := h.inj.Delivered()
	require.Len(t, d, 4, "SYN, ACK and the two contiguous segments")
	_, tcp := h.delivered(2)
	assert.EqualValues(t, reqSeq, tcp.Seq)
	assert.Equal(t, request, []byte(tcp.Payload))
	assert.EqualValues(t, 8080, tcp.DstPort)
	assert.EqualValues(t, reqAck-seqOffset, tcp.Ack)
	_, tcp = h.delivered(3)
	assert.EqualValues(t, next, tcp.Seq)
	assert.Equal(t, body, []byte(tcp.Payload))

	assert.Len(t, h.inj.Sent(), 1, "server is cauterized once the buffer is flushed")
	assert.Equal(t, 0, h.record().Info().Pending)
}

func TestPendingBound(t *testing.T) {
	h := newHarness(t, Options{MaxPending: 2})
	h.startFlow()
	next := reqSeq + uint32(len(request))
	assert.Equal(t, core.VerdictStolen, h.pre(out(next, reqAck, core.FlagACK, []byte("a"), 1, 1)))
	assert.Equal(t, core.VerdictStolen, h.pre(out(next+1, reqAck, core.FlagACK, []byte("b"), 1, 1)))
	assert.Equal(t, core.VerdictDrop, h.pre(out(next+2, reqAck, core.FlagACK, []byte("c"), 1, 1)))
	// A longer copy of a buffered segment replaces it.
	assert.Equal(t, core.VerdictStolen, h.pre(out(next+1, reqAck, core.FlagACK, []byte("bb"), 1, 1)))
	assert.Equal(t, core.VerdictDrop, h.pre(out(next+1, reqAck, core.FlagACK, []byte("b"), 1, 1)))
	assert.Equal(t, 2, h.record().Info().Pending)
}

func TestSecondRetransmitAbortsAndReplays(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()
	r := h.record()

	retx := out(reqSeq, reqAck, core.FlagACK|core.FlagPSH, request, reqTSval+3, reqTSecr)
	assert.Equal(t, core.VerdictStolen, h.pre(retx))
	assert.Equal(t, core.VerdictDrop, h.pre(retx))

	assert.True(t, r.Pooled())
	assert.Nil(t, h.record())

	d := h.inj.Delivered()
	require.Len(t, d, 2)
	ip, tcp := h.delivered(1)
	assert.Equal(t, "93.184.216.34", ip.DstIP.String(), "replayed request goes to the real server")
	assert.EqualValues(t, reqSeq, tcp.Seq)
	assert.EqualValues(t, reqAck, tcp.Ack)
	assert.Equal(t, request, []byte(tcp.Payload))

	c := h.m.Snapshot(false).Counters
	assert.EqualValues(t, 1, c.Aborts)
	assert.EqualValues(t, 1, c.Replays)
}

func TestProxyResetDuringHandshakeReplays(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()
	assert.Equal(t, core.VerdictDrop, h.post(in(0, reqSeq, core.FlagRST|core.FlagACK, nil, 0, 0)))
	assert.Nil(t, h.record())
	require.Len(t, h.inj.Delivered(), 2)
	ip, _ := h.delivered(1)
	assert.Equal(t, "93.184.216.34", ip.DstIP.String())
}

func TestHandshakeIgnoresStrayPackets(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()
	// Pure ACKs from the client and non-SYN+ACK proxy segments are dropped.
	assert.Equal(t, core.VerdictDrop, h.pre(out(reqSeq, reqAck, core.FlagACK, nil, 1, 1)))
	assert.Equal(t, core.VerdictDrop, h.post(in(proxyISN, reqSeq, core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateSynSent, h.record().State())

	h.synAck()
	// In SYN_ACK_RECEIVED only the request retransmission moves on.
	assert.Equal(t, core.VerdictDrop, h.pre(out(reqSeq+5, reqAck, core.FlagACK, []byte("x"), 1, 1)))
	assert.Equal(t, core.VerdictDrop, h.post(in(proxyISN+1, reqSeq, core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateSynAckReceived, h.record().State())
}

func TestMidStreamResetFromProxy(t *testing.T) {
	h := newHarness(t, Options{})
	h.establish()
	r := h.record()

	v, p := h.postP(in(1100, 200, core.FlagRST|core.FlagACK, nil, proxyTS+50, 1))
	require.Equal(t, core.VerdictAccept, v)
	ip, tcp := pkttest.Decode(t, p.Data())
	assert.Equal(t, "93.184.216.34", ip.SrcIP.String())
	assert.EqualValues(t, 1100+seqOffset, tcp.Seq)
	assert.True(t, tcp.RST)
	assert.True(t, pkttest.ChecksumsValid(t, p.Data()))

	assert.True(t, r.Pooled())
	assert.Equal(t, StateClosed, r.State())
	assert.Nil(t, h.record())

	// Later proxy segments are no longer translated.
	v, p = h.postP(in(1101, 200, core.FlagACK, nil, 1, 1))
	assert.Equal(t, core.VerdictAccept, v)
	ip, _ = pkttest.Decode(t, p.Data())
	assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
}

func TestClientResetClosesFlow(t *testing.T) {
	h := newHarness(t, Options{})
	h.establish()
	v, p := h.preP(out(reqSeq+uint32(len(request)), 5100, core.FlagRST|core.FlagACK, nil, 1, 1))
	require.Equal(t, core.VerdictAccept, v)
	_, tcp := pkttest.Decode(t, p.Data())
	assert.EqualValues(t, 8080, tcp.DstPort)
	assert.EqualValues(t, 1100, tcp.Ack)
	assert.Nil(t, h.record())
}

func TestActiveClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.establish()
	r := h.record()
	fin := reqSeq + uint32(len(request))

	require.Equal(t, core.VerdictAccept, h.pre(out(fin, 5100, core.FlagFIN|core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateFinWait1, r.State())

	require.Equal(t, core.VerdictAccept, h.post(in(1100, fin+1, core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateFinWait2, r.State())

	require.Equal(t, core.VerdictAccept, h.post(in(1100, fin+1, core.FlagFIN|core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateTimeWait, r.State())

	// The final ACK still reaches the proxy, translated.
	v, p := h.preP(out(fin+1, 1101+seqOffset, core.FlagACK, nil, 1, 1))
	require.Equal(t, core.VerdictAccept, v)
	_, tcp := pkttest.Decode(t, p.Data())
	assert.EqualValues(t, 1101, tcp.Ack)
	assert.True(t, r.Pooled())
	assert.Nil(t, h.record())
}

func TestPassiveClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.establish()
	r := h.record()
	fin := reqSeq + uint32(len(request))

	require.Equal(t, core.VerdictAccept, h.post(in(1100, fin, core.FlagFIN|core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateCloseWait, r.State())

	require.Equal(t, core.VerdictAccept, h.pre(out(fin, 1101+seqOffset, core.FlagFIN|core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateLastAck, r.State())

	// An ack that does not cover the FIN keeps waiting.
	require.Equal(t, core.VerdictAccept, h.post(in(1101, fin, core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateLastAck, r.State())

	require.Equal(t, core.VerdictAccept, h.post(in(1101, fin+1, core.FlagACK, nil, 1, 1)))
	assert.True(t, r.Pooled())
}

func TestSimultaneousCloseLingersInTimeWait(t *testing.T) {
	h := newHarness(t, Options{TimeWait: 2e9})
	h.establish()
	r := h.record()
	fin := reqSeq + uint32(len(request))

	require.Equal(t, core.VerdictAccept, h.pre(out(fin, 5100, core.FlagFIN|core.FlagACK, nil, 1, 1)))
	require.Equal(t, core.VerdictAccept, h.post(in(1100, fin, core.FlagFIN|core.FlagACK, nil, 1, 1)))
	assert.Equal(t, StateTimeWait, r.State())

	assert.Equal(t, 0, h.m.Reap(h.m.now()))
	assert.Equal(t, 1, h.m.Reap(h.m.now().Add(3e9)))
	assert.True(t, r.Pooled())
}

func TestClosedFlowDropsLatePackets(t *testing.T) {
	h := newHarness(t, Options{})
	h.startFlow()
	r := h.record()
	gen := r.Generation()

	r.mu.Lock()
	r.state = StateClosing
	r.mu.Unlock()

	p := h.packet(out(reqSeq, reqAck, core.FlagACK, nil, 1, 1))
	assert.Equal(t, core.VerdictDrop, h.m.Process(r, gen, core.DirOut, p))
	assert.True(t, r.Pooled())

	// A stale generation is let through untouched.
	assert.Equal(t, core.VerdictAccept, h.m.Process(r, gen, core.DirOut, p))
}

func TestNoTimestampFlowStripsOption(t *testing.T) {
	h := newHarness(t, Options{})
	req := out(reqSeq, reqAck, core.FlagACK|core.FlagPSH, request, 0, 0)
	req.Timestamps = false
	require.Equal(t, core.VerdictStolen, h.pre(req))
	assert.True(t, h.record().Info().NoTimestamp)

	h.synAck()
	require.Equal(t, core.VerdictAccept, h.pre(req))

	v, p := h.postP(in(1050, 200, core.FlagACK, []byte("data"), proxyTS+10, 1))
	require.Equal(t, core.VerdictAccept, v)
	_, tcp := pkttest.Decode(t, p.Data())
	_, _, ok := tsOption(tcp)
	assert.False(t, ok, "timestamp option filled with NOPs")
	assert.True(t, pkttest.ChecksumsValid(t, p.Data()))
}
