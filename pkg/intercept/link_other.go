//go:build !linux

package intercept

import "context"

// Run is unavailable on this platform.
func (w *LinkWatcher) Run(ctx context.Context) error { return ErrUnsupported }
