package splice

import (
	"fmt"

	"github.com/irctrakz/tcpsplice/pkg/core"
)

// ProxyTarget is the proxy endpoint intercepted flows are spliced onto.
type ProxyTarget struct {
	Addr [4]byte
	Port uint16
}

// NewProxyTarget parses and validates a proxy endpoint.
func NewProxyTarget(addr string, port int) (ProxyTarget, error) {
	a, err := core.ParseIPv4(addr)
	if err != nil {
		return ProxyTarget{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if port < 0 || port > 65535 {
		return ProxyTarget{}, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, port)
	}
	t := ProxyTarget{Addr: a, Port: uint16(port)}
	return t, t.Validate()
}

// Validate rejects a zero address or zero port.
func (t ProxyTarget) Validate() error {
	if t.Addr == ([4]byte{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidTarget)
	}
	if t.Port == 0 {
		return fmt.Errorf("%w: zero port", ErrInvalidTarget)
	}
	return nil
}

func (t ProxyTarget) String() string {
	return fmt.Sprintf("%s:%d", core.IPString(t.Addr), t.Port)
}
