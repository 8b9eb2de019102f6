package splice

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// Dispatcher is the hook handler: it feeds tracked flows to the manager and
// asks the classifier about the first payload of untracked ones.
type Dispatcher struct {
	m          *Manager
	classifier core.Classifier
	target     ProxyTarget
	ports      map[uint16]struct{}
	log        *logrus.Entry

	candidates  uint64
	intercepted uint64
	declined    uint64
}

// NewDispatcher validates the proxy target and returns a dispatcher that
// classifies payloads sent to ports. No ports means every port.
func NewDispatcher(m *Manager, c core.Classifier, target ProxyTarget, ports []int) (*Dispatcher, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		m:          m,
		classifier: c,
		target:     target,
		ports:      make(map[uint16]struct{}, len(ports)),
		log:        logging.WithComponent("dispatch"),
	}
	for _, p := range ports {
		if p > 0 && p <= 65535 {
			d.ports[uint16(p)] = struct{}{}
		}
	}
	return d, nil
}

// Target returns the configured proxy target.
func (d *Dispatcher) Target() ProxyTarget { return d.target }

// HandlePacket implements core.HookHandler.
func (d *Dispatcher) HandlePacket(hook core.Hook, p *core.Packet) core.Verdict {
	if mark := d.m.opts.IgnoreMark; mark != 0 && p.Mark&mark == mark {
		return core.VerdictAccept
	}
	if !d.m.Running() {
		return core.VerdictAccept
	}
	if core.IsDebugMode() && logging.IsDebug() {
		d.log.WithField("hook", hook.String()).Debugf("%s", p)
	}

	switch hook {
	case core.HookPreRouting:
		d.m.CaptureTemplate(p)
		if r, gen := d.m.Find(p.Tuple(), core.DirOut); r != nil {
			return d.m.Process(r, gen, core.DirOut, p)
		}
		if p.PayloadLen() == 0 || !d.interceptPort(p.DstPort()) {
			return core.VerdictAccept
		}
		atomic.AddUint64(&d.candidates, 1)
		if d.classifier == nil || !d.classifier.Classify(p.Payload()) {
			return core.VerdictAccept
		}
		return d.Track(p)
	case core.HookPostRouting:
		if r, gen := d.m.Find(p.Tuple(), core.DirIn); r != nil {
			return d.m.Process(r, gen, core.DirIn, p)
		}
	}
	return core.VerdictAccept
}

// Track starts splicing the flow of request p onto the configured proxy.
// A declined flow is passed through untouched.
func (d *Dispatcher) Track(p *core.Packet) core.Verdict {
	r, gen, err := d.m.TryTrack(p.Tuple(), d.target)
	if err != nil {
		atomic.AddUint64(&d.declined, 1)
		if logging.IsDebug() {
			d.log.WithField("flow", p.Tuple().String()).Debugf("not intercepting: %v", err)
		} else if errors.Is(err, ErrInvalidTarget) {
			d.log.Warnf("not intercepting: %v", err)
		}
		return core.VerdictAccept
	}
	atomic.AddUint64(&d.intercepted, 1)
	return d.m.Process(r, gen, core.DirOut, p)
}

func (d *Dispatcher) interceptPort(port uint16) bool {
	if len(d.ports) == 0 {
		return true
	}
	_, ok := d.ports[port]
	return ok
}

// Metrics returns dispatcher counters.
func (d *Dispatcher) Metrics() map[string]uint64 {
	return map[string]uint64{
		"candidates":  atomic.LoadUint64(&d.candidates),
		"intercepted": atomic.LoadUint64(&d.intercepted),
		"declined":    atomic.LoadUint64(&d.declined),
	}
}

// HandleLinkEvent pauses the manager when the protected interface goes down
// and starts it when it comes back up. Events for other interfaces are
// ignored.
func (m *Manager) HandleLinkEvent(name string, up bool) {
	if m.opts.Interface != "" && name != m.opts.Interface {
		return
	}
	if up {
		if err := m.Start(); err != nil {
			m.log.Warnf("link %s up: cannot start: %v", name, err)
		}
		return
	}
	m.Pause()
}
