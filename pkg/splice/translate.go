package splice

import "github.com/irctrakz/tcpsplice/pkg/core"

// toProxy rewrites a client segment so it addresses the proxy: the
// destination becomes the proxy endpoint, the ack moves into proxy sequence
// space and the timestamp echo is replaced by the last proxy TSval seen.
// Caller holds r.mu and recomputes checksums.
func (r *Record) toProxy(p *core.Packet) {
	p.SetDstIP(r.target.Addr)
	p.SetDstPort(r.target.Port)

	r.cliSeq = p.Seq()
	r.psvAck = p.Ack() - r.seqDiff
	p.SetAck(r.psvAck)

	if r.noTS && r.state >= StateEstablished {
		p.ClearTimestamp()
		return
	}
	if tsval, tsecr, ok := p.Timestamp(); ok {
		r.cliTS = tsval
		r.serverTS = tsecr
		p.SetTimestamp(tsval, r.proxyTS)
	}
}

// toClient rewrites a proxy segment so it appears to come from the original
// destination: the source is restored, the sequence number moves into the
// original server space and the TSval advances the server clock by the
// proxy clock's drift since the last segment.
func (r *Record) toClient(p *core.Packet) {
	p.SetSrcIP(r.client.DstIP)
	p.SetSrcPort(r.client.DstPort)

	r.psvSeq = p.Seq()
	r.cliAck = p.Ack()
	p.SetSeq(r.psvSeq + r.seqDiff)

	if r.noTS && r.state >= StateEstablished {
		p.ClearTimestamp()
		return
	}
	if tsval, tsecr, ok := p.Timestamp(); ok {
		drift := tsval - r.proxyTS
		r.proxyTS = tsval
		r.serverTS += drift
		p.SetTimestamp(r.serverTS, tsecr)
	}
}
