//go:build linux

package intercept

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/irctrakz/tcpsplice/pkg/logging"
)

const linkEventBuf = 64

// Run reports the current state of the interface, then follows netlink link
// updates until ctx is cancelled.
func (w *LinkWatcher) Run(ctx context.Context) error {
	log := logging.WithComponent("link").WithField("interface", w.name)

	if l, err := netlink.LinkByName(w.name); err != nil {
		log.Warnf("interface not present: %v", err)
		w.observe(w.name, false)
	} else {
		w.observe(w.name, linkUp(l.Attrs()))
	}

	updates := make(chan netlink.LinkUpdate, linkEventBuf)
	done := make(chan struct{})
	defer close(done)
	opts := netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			log.Errorf("LinkSubscribe failed: %v", err)
		},
	}
	if err := netlink.LinkSubscribeWithOptions(updates, done, opts); err != nil {
		return fmt.Errorf("subscribe link updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("link update channel closed")
			}
			attrs := u.Link.Attrs()
			up := linkUp(attrs)
			if u.Header.Type == unix.RTM_DELLINK {
				up = false
			}
			log.Debugf("link update %s up=%v", attrs.Name, up)
			w.observe(attrs.Name, up)
		}
	}
}
