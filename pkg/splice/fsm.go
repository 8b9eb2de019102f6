package splice

import (
	"sync/atomic"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// outcome collects the work a state transition leaves for after the record
// lock is dropped.
type outcome struct {
	verdict core.Verdict
	release bool
	abort   bool
	// resets are sent to the original server to cauterize its half of the
	// connection.
	resets []*core.Packet
	// replay is the held client request, re-injected unmodified when
	// splicing is abandoned.
	replay *core.Packet
}

// Process drives r with packet p travelling in direction dir. gen must be
// the generation returned by Find or TryTrack; a stale record lets the
// packet through. With VerdictStolen the manager keeps p.
func (m *Manager) Process(r *Record, gen uint64, dir core.Direction, p *core.Packet) core.Verdict {
	r.mu.Lock()
	if r.pooled || r.gen != gen {
		r.mu.Unlock()
		return core.VerdictAccept
	}
	r.lastSeen = m.now()
	var out outcome
	r.step(dir, p, &out)
	r.mu.Unlock()

	m.finish(r, gen, &out)
	return out.verdict
}

func (m *Manager) finish(r *Record, gen uint64, out *outcome) {
	for _, rst := range out.resets {
		if err := m.injector.Send(rst); err != nil {
			m.log.Warnf("cauterize %s failed: %v", rst.Tuple(), err)
		} else {
			atomic.AddUint64(&m.stats.resets, 1)
		}
		rst.Release()
	}
	if out.replay != nil {
		m.replay(out.replay)
	}
	if out.abort {
		atomic.AddUint64(&m.stats.aborts, 1)
	}
	if out.release {
		m.release(r, gen)
	}
}

// replay re-injects the original client request so the client's connection
// to its real destination carries on unspliced.
func (m *Manager) replay(p *core.Packet) {
	p.Mark |= m.opts.IgnoreMark
	if err := m.injector.Deliver(p); err != nil {
		m.log.Warnf("replay of held request %s failed: %v", p.Tuple(), err)
	} else {
		atomic.AddUint64(&m.stats.replays, 1)
	}
	p.Release()
}

func (r *Record) step(dir core.Direction, p *core.Packet, out *outcome) {
	out.verdict = core.VerdictAccept
	switch r.state {
	case StateNew:
		if dir == core.DirOut {
			r.onNew(p, out)
		} else {
			out.verdict = core.VerdictDrop
		}
		return
	case StateClosing, StateClosed:
		out.verdict = core.VerdictDrop
		out.release = true
		return
	}

	if p.Flags()&core.FlagRST != 0 {
		r.onReset(dir, p, out)
		return
	}

	switch r.state {
	case StateSynSent:
		r.onSynSent(dir, p, out)
	case StateSynAckReceived:
		r.onSynAckReceived(dir, p, out)
	default:
		r.onTranslate(dir, p, out)
	}
}

// onNew synthesizes the proxy-side SYN from the cached SYN template and
// steals the triggering request.
func (r *Record) onNew(p *core.Packet, out *outcome) {
	synTmpl, ackTmpl := r.m.templates()
	if synTmpl == nil || ackTmpl == nil {
		r.m.log.WithFields(r.fields()).Debug("templates dropped before handshake; not intercepting")
		r.state = StateClosing
		out.release = true
		return
	}

	r.cliSeq = p.Seq() - 1
	r.svAck = p.Ack()
	r.svSeq = r.svAck - 1

	syn := synTmpl.Clone()
	syn.TruncatePayload()
	syn.SetFlags(core.FlagSYN)
	syn.SetSrcIP(r.client.SrcIP)
	syn.SetSrcPort(r.client.SrcPort)
	syn.SetSeq(r.cliSeq)
	syn.SetAck(0)
	syn.SetIPID(core.NextIPID())

	tsval, tsecr, ok := p.Timestamp()
	if !ok {
		now := r.m.tsClock()
		tsval, tsecr = now, now
		r.noTS = true
	}
	syn.SetTimestamp(tsval-20, tsecr)

	r.toProxy(syn)
	syn.UpdateChecksums()
	r.enqueueLocked(syn)

	r.held = p
	r.state = StateSynSent
	out.verdict = core.VerdictStolen
	if logging.IsDebug() {
		r.m.log.WithFields(r.fields()).Debugf("SYN queued toward proxy %s (seq=%d)", r.target, r.cliSeq)
	}
}

func (r *Record) onSynSent(dir core.Direction, p *core.Packet, out *outcome) {
	if dir == core.DirOut {
		out.verdict = core.VerdictDrop
		if p.PayloadLen() == 0 || r.held == nil {
			return
		}
		switch held := r.held.Seq(); {
		case p.Seq() == held:
			r.retransmits++
			if r.retransmits > 1 {
				r.abortLocked(out, "request retransmitted again before proxy answered")
				return
			}
		case seqAfter(p.Seq(), held):
		default:
			return
		}
		if r.storePendingLocked(p) {
			out.verdict = core.VerdictStolen
		}
		return
	}

	if !p.HasFlags(core.FlagSYN | core.FlagACK) {
		out.verdict = core.VerdictDrop
		return
	}
	_, ackTmpl := r.m.templates()
	if ackTmpl == nil {
		r.abortLocked(out, "ACK template dropped during handshake")
		return
	}

	r.psvSeq = p.Seq()
	r.cliAck = p.Ack()
	if !r.diffSet {
		r.seqDiff = r.svSeq - r.psvSeq
		r.diffSet = true
	}

	ack := ackTmpl.Clone()
	ack.TruncatePayload()
	ack.SetFlags(core.FlagACK)
	ack.SetSrcIP(r.client.SrcIP)
	ack.SetSrcPort(r.client.SrcPort)
	ack.SetSeq(r.cliSeq + 1)
	ack.SetAck(r.svAck)
	ack.SetIPID(core.NextIPID())

	proxyTS, echo, ok := p.Timestamp()
	if !ok {
		echo = r.m.tsClock() - 20
		proxyTS = 0
		r.noTS = true
	}
	r.proxyTS = proxyTS
	ack.SetTimestamp(echo+10, r.serverTS)

	r.toProxy(ack)
	ack.SetAck(r.psvSeq + 1)
	ack.UpdateChecksums()
	r.enqueueLocked(ack)

	r.state = StateSynAckReceived
	p.Release()
	out.verdict = core.VerdictStolen

	if logging.IsDebug() {
		r.m.log.WithFields(r.fields()).Debugf("proxy SYN+ACK seq=%d, seq_diff=%d", r.psvSeq, int32(r.seqDiff))
	}

	if len(r.pending) > 0 {
		r.sendPendingLocked()
		out.resets = append(out.resets, r.cauterizeLocked())
		r.held.Release()
		r.held = nil
		r.state = StateEstablished
	}
}

func (r *Record) onSynAckReceived(dir core.Direction, p *core.Packet, out *outcome) {
	out.verdict = core.VerdictDrop
	if dir == core.DirIn || r.held == nil || p.Seq() != r.held.Seq() {
		return
	}
	r.state = StateEstablished
	out.resets = append(out.resets, r.cauterizeLocked())
	r.held.Release()
	r.held = nil

	r.toProxy(p)
	p.UpdateChecksums()
	out.verdict = core.VerdictAccept
}

// onTranslate forwards a segment of a spliced flow and follows the close
// handshake. FIN positions are kept in the sender's sequence space.
func (r *Record) onTranslate(dir core.Direction, p *core.Packet, out *outcome) {
	f := p.Flags()
	seq, ack := p.Seq(), p.Ack()
	finSeq := seq + uint32(p.PayloadLen())
	fin := f&core.FlagFIN != 0
	acked := func(mark uint32) bool { return f&core.FlagACK != 0 && seqAfter(ack, mark) }

	if dir == core.DirOut {
		r.toProxy(p)
	} else {
		r.toClient(p)
	}
	p.UpdateChecksums()

	prev := r.state
	switch r.state {
	case StateEstablished:
		if fin && dir == core.DirOut {
			r.outFin = finSeq
			r.state = StateFinWait1
		} else if fin {
			r.inFin = finSeq
			r.state = StateCloseWait
		}
	case StateFinWait1:
		if dir != core.DirIn {
			break
		}
		if fin {
			r.inFin = finSeq
			r.enterTimeWait()
		} else if acked(r.outFin) {
			r.state = StateFinWait2
		}
	case StateFinWait2:
		if fin && dir == core.DirIn {
			r.inFin = finSeq
			r.enterTimeWait()
		}
	case StateTimeWait:
		// Compared in proxy space: r.psvAck is the translated ack.
		if dir == core.DirOut && f&core.FlagACK != 0 && seqAfter(r.psvAck, r.inFin) {
			r.state = StateClosing
			out.release = true
		}
	case StateCloseWait:
		if fin && dir == core.DirOut {
			r.outFin = finSeq
			r.state = StateLastAck
		}
	case StateLastAck:
		if dir == core.DirIn && acked(r.outFin) {
			r.state = StateClosing
			out.release = true
		}
	}
	if prev != r.state && logging.IsDebug() {
		r.m.log.WithFields(r.fields()).Debugf("%s -> %s on %s %s", prev, r.state, dir, core.FlagString(f))
	}
}

func (r *Record) enterTimeWait() {
	r.state = StateTimeWait
	r.timeWaitAt = r.m.now()
}

func (r *Record) onReset(dir core.Direction, p *core.Packet, out *outcome) {
	if r.state == StateSynSent && dir == core.DirIn {
		r.abortLocked(out, "proxy reset the handshake")
		return
	}
	if r.held != nil {
		out.resets = append(out.resets, r.cauterizeLocked())
		r.held.Release()
		r.held = nil
	}
	if dir == core.DirOut {
		r.toProxy(p)
	} else {
		r.toClient(p)
	}
	p.UpdateChecksums()
	r.state = StateClosing
	out.release = true
	out.verdict = core.VerdictAccept
	if logging.IsDebug() {
		r.m.log.WithFields(r.fields()).Debugf("RST %s closes flow", dir)
	}
}

// abortLocked gives up splicing and hands the held request back to the
// normal path.
func (r *Record) abortLocked(out *outcome, reason string) {
	r.m.log.WithFields(r.fields()).Warnf("abort splice: %s", reason)
	out.replay = r.held
	r.held = nil
	r.state = StateClosing
	out.release = true
	out.abort = true
	out.verdict = core.VerdictDrop
}

// cauterizeLocked builds a RST toward the original server. The held request
// supplies the exact sequence numbers the server expects.
func (r *Record) cauterizeLocked() *core.Packet {
	var rst *core.Packet
	if h := r.held; h != nil {
		flags := core.FlagRST
		if h.Ack() != 0 {
			flags |= core.FlagACK
		}
		rst = core.BuildIPv4TCP(h.SrcIP(), h.DstIP(), h.SrcPort(), h.DstPort(), h.Seq(), h.Ack(), flags, nil)
	} else {
		c := r.client
		rst = core.BuildIPv4TCP(c.SrcIP, c.DstIP, c.SrcPort, c.DstPort, r.cliSeq+1, r.svAck, core.FlagRST|core.FlagACK, nil)
	}
	rst.Mark = r.m.opts.IgnoreMark
	return rst
}

// storePendingLocked buffers an early segment in ascending sequence order.
// A segment with a sequence number already buffered replaces the shorter
// copy. It reports false when the buffer is full.
func (r *Record) storePendingLocked(p *core.Packet) bool {
	seq := p.Seq()
	i := 0
	for ; i < len(r.pending); i++ {
		q := r.pending[i]
		if q.Seq() == seq {
			if p.PayloadLen() > q.PayloadLen() {
				q.Release()
				r.pending[i] = p
				return true
			}
			return false
		}
		if seqAfter(q.Seq(), seq) {
			break
		}
	}
	if len(r.pending) >= r.m.opts.MaxPending {
		return false
	}
	r.pending = append(r.pending, nil)
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = p
	return true
}

// sendPendingLocked translates buffered segments and queues them for
// delivery while they are contiguous with the held request. Everything from
// the first gap on is dropped; the client will retransmit it.
func (r *Record) sendPendingLocked() {
	pending := r.pending
	r.pending = nil
	if r.held == nil {
		r.m.log.WithFields(r.fields()).Warn("lost held request; dropping buffered segments")
		for _, q := range pending {
			q.Release()
		}
		return
	}
	next := r.held.Seq()
	for i, q := range pending {
		if q.Seq() != next {
			for _, rest := range pending[i:] {
				rest.Release()
			}
			return
		}
		next = q.Seq() + uint32(q.PayloadLen())
		r.toProxy(q)
		q.UpdateChecksums()
		r.enqueueLocked(q)
	}
}
