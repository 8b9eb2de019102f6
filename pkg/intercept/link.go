package intercept

import (
	"net"

	"github.com/vishvananda/netlink"
)

// LinkHandler is told when the watched interface changes state.
type LinkHandler func(name string, up bool)

// linkUp reports whether a link can carry traffic: administratively up and
// with the lower layer up. Bridges often report an unknown oper state.
func linkUp(attrs *netlink.LinkAttrs) bool {
	if attrs == nil || attrs.Flags&net.FlagUp == 0 {
		return false
	}
	return attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
}

// LinkWatcher follows a single interface and reports transitions.
type LinkWatcher struct {
	name    string
	handler LinkHandler
	last    int // -1 unknown, 0 down, 1 up
}

// NewLinkWatcher creates a watcher for the named interface.
func NewLinkWatcher(name string, h LinkHandler) *LinkWatcher {
	return &LinkWatcher{name: name, handler: h, last: -1}
}

// observe feeds one link state to the watcher and calls the handler on a
// change.
func (w *LinkWatcher) observe(name string, up bool) {
	if name != w.name {
		return
	}
	state := 0
	if up {
		state = 1
	}
	if state == w.last {
		return
	}
	w.last = state
	w.handler(name, up)
}
