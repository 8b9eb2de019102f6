//go:build !linux

package intercept

import "github.com/irctrakz/tcpsplice/pkg/core"

// RawInjector is unavailable on this platform.
type RawInjector struct{}

// NewRawInjector always fails on this platform.
func NewRawInjector(mark uint32) (*RawInjector, error) { return nil, ErrUnsupported }

func (r *RawInjector) Deliver(p *core.Packet) error { return ErrUnsupported }
func (r *RawInjector) Send(p *core.Packet) error { return ErrUnsupported }
func (r *RawInjector) Metrics() core.InjectorMetrics { return core.InjectorMetrics{} }
func (r *RawInjector) Close() error { return nil }
