package core

import "sync"

// Packet buffer pools for common datagram sizes. Only buffers that came from
// getBuf are returned (checked via capacity match).

const (
	bufSmall = 2048
	bufMed   = 4096
	bufLarge = 16384
	bufMax   = 65536
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolMed   = sync.Pool{New: func() any { b := make([]byte, bufMed); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
	poolMax   = sync.Pool{New: func() any { b := make([]byte, bufMax); return &b }}
)

func getBuf(n int) []byte {
	switch {
	case n <= bufSmall:
		return (*poolSmall.Get().(*[]byte))[:n]
	case n <= bufMed:
		return (*poolMed.Get().(*[]byte))[:n]
	case n <= bufLarge:
		return (*poolLarge.Get().(*[]byte))[:n]
	case n <= bufMax:
		return (*poolMax.Get().(*[]byte))[:n]
	default:
		return make([]byte, n)
	}
}

func putBuf(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufMed:
		bb := b[:bufMed]
		poolMed.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	case bufMax:
		bb := b[:bufMax]
		poolMax.Put(&bb)
	}
}
