package core

import "sync/atomic"

// ipIDCounter provides a best-effort, process-wide IPv4 Identification field
// generator so synthesized packets do not all carry the template's ID.
var ipIDCounter uint32

// NextIPID returns the next IPv4 Identification value.
func NextIPID() uint16 { return uint16(atomic.AddUint32(&ipIDCounter, 1)) }
