//go:build !linux

package intercept

import (
	"context"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

// NFQueue is unavailable on this platform.
type NFQueue struct{}

// NewNFQueue always fails on this platform.
func NewNFQueue(opts QueueOptions) (*NFQueue, error) { return nil, ErrUnsupported }

func (n *NFQueue) SetHandler(h core.HookHandler) {}
func (n *NFQueue) Start(ctx context.Context) error { return ErrUnsupported }
func (n *NFQueue) Stop() error { return nil }
func (n *NFQueue) Metrics() core.InterceptMetrics { return core.InterceptMetrics{} }
