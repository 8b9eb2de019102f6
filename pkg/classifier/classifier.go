// Package classifier decides which first payloads of a TCP flow are plain
// HTTP GET requests for HTML documents, the requests worth splicing onto
// the local proxy.
package classifier

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tcpsplice/pkg/logging"
)

const (
	// minRequestLen is the shortest payload that can hold a request line and
	// the headers the filter looks at.
	minRequestLen = 54
	// urlScanLimit bounds the search for the end of the request URL.
	urlScanLimit = 256
	// minAcceptLen is the shortest Accept value that can name text/html.
	minAcceptLen = 9

	// DefaultStatsInterval is how often counters are logged.
	DefaultStatsInterval = 30 * time.Minute
)

var (
	methodGET   = []byte("GET ")
	protoHTTP   = []byte("HTTP")
	mimeHTML    = []byte("text/html")
	crlf        = []byte("\r\n")
	endOfHeader = []byte("\r\n\r\n")
)

// Stage names a filter step. Every payload passes StageAll; a rejected one
// is counted at the step that refused it.
type Stage int

const (
	StageAll Stage = iota
	StageMinLen
	StageGet
	StageURL
	StageAccept
	StageHost
	StageBurst
	StageMatched
	numStages
)

var stageNames = [numStages]string{"all", "min_len", "get", "url", "accept", "host", "burst", "matched"}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return "unknown"
	}
	return stageNames[s]
}

// Stages returns every stage in filter order.
func Stages() []Stage {
	out := make([]Stage, numStages)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// Stats holds cumulative per-stage counts.
type Stats [numStages]uint64

// Get returns the count for stage s.
func (s Stats) Get(st Stage) uint64 { return s[st] }

// Map returns the counts keyed by stage name.
func (s Stats) Map() map[string]uint64 {
	m := make(map[string]uint64, numStages)
	for i, v := range s {
		m[Stage(i).String()] = v
	}
	return m
}

// HTTPGet is the default request classifier. It is safe for concurrent use;
// rules can be swapped while packets are being classified.
type HTTPGet struct {
	rules    atomic.Pointer[compiled]
	counters [numStages]uint64
}

type compiled struct {
	src   Rules
	hosts [][]byte
	exts  [][]byte
}

func compile(r Rules) *compiled {
	c := &compiled{src: r.clone()}
	for _, h := range r.ExcludeHosts {
		if h != "" {
			c.hosts = append(c.hosts, []byte(h))
		}
	}
	for _, e := range r.ExcludeExtensions {
		if e != "" {
			c.exts = append(c.exts, []byte(e))
		}
	}
	return c
}

// New creates a classifier with the given rules.
func New(r Rules) *HTTPGet {
	c := &HTTPGet{}
	c.rules.Store(compile(r))
	return c
}

// SetRules replaces the exclusion rules.
func (c *HTTPGet) SetRules(r Rules) {
	c.rules.Store(compile(r))
	logging.Infof("Classifier rules updated: %d excluded hosts, %d excluded extensions",
		len(r.ExcludeHosts), len(r.ExcludeExtensions))
}

// Rules returns a copy of the active rules.
func (c *HTTPGet) Rules() Rules { return c.rules.Load().src.clone() }

func (c *HTTPGet) count(s Stage) { atomic.AddUint64(&c.counters[s], 1) }

// Classify reports whether payload is a complete HTTP GET request that
// accepts text/html and is not excluded by the rules.
func (c *HTTPGet) Classify(payload []byte) bool {
	c.count(StageAll)
	rules := c.rules.Load()

	if len(payload) <= minRequestLen {
		c.count(StageMinLen)
		return false
	}

	url, ok := requestURL(payload)
	if !ok {
		c.count(StageGet)
		return false
	}

	for _, ext := range rules.exts {
		if bytes.HasSuffix(url, ext) {
			c.count(StageURL)
			return false
		}
	}

	accept, ok := headerValue(payload, "Accept")
	if !ok || len(accept) < minAcceptLen || !bytes.Contains(accept, mimeHTML) {
		c.count(StageAccept)
		return false
	}

	if len(rules.hosts) > 0 {
		host, ok := headerValue(payload, "Host")
		if !ok || containsAny(host, rules.hosts) {
			c.count(StageHost)
			return false
		}
	}

	// Requests split over several segments are left alone.
	if !bytes.HasSuffix(payload, endOfHeader) {
		c.count(StageBurst)
		return false
	}

	c.count(StageMatched)
	return true
}

// requestURL checks the request line "GET <url> HTTP" and returns the URL.
// The URL must end within the first urlScanLimit bytes.
func requestURL(p []byte) ([]byte, bool) {
	if !bytes.HasPrefix(p, methodGET) {
		return nil, false
	}
	lim := len(p)
	if lim > urlScanLimit {
		lim = urlScanLimit
	}
	sp := bytes.IndexByte(p[len(methodGET):lim], ' ')
	if sp < 0 {
		return nil, false
	}
	end := len(methodGET) + sp
	if !bytes.HasPrefix(p[end+1:], protoHTTP) {
		return nil, false
	}
	return p[len(methodGET):end], true
}

// headerValue returns the trimmed value of the first header called name.
// Header names compare case-insensitively.
func headerValue(p []byte, name string) ([]byte, bool) {
	i := bytes.Index(p, crlf)
	if i < 0 {
		return nil, false
	}
	rest := p[i+len(crlf):]
	for len(rest) > 0 {
		line := rest
		if j := bytes.Index(rest, crlf); j >= 0 {
			line, rest = rest[:j], rest[j+len(crlf):]
		} else {
			rest = nil
		}
		if len(line) == 0 {
			break
		}
		if len(line) > len(name) && line[len(name)] == ':' && bytes.EqualFold(line[:len(name)], []byte(name)) {
			return bytes.TrimSpace(line[len(name)+1:]), true
		}
	}
	return nil, false
}

func containsAny(v []byte, needles [][]byte) bool {
	for _, n := range needles {
		if bytes.Contains(v, n) {
			return true
		}
	}
	return false
}

// Stats returns the per-stage counters.
func (c *HTTPGet) Stats() Stats {
	var s Stats
	for i := range s {
		s[i] = atomic.LoadUint64(&c.counters[i])
	}
	return s
}

// Run logs the counters every interval until ctx is done.
func (c *HTTPGet) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	log := logging.WithComponent("classifier")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := c.Stats()
			fields := logging.Fields{}
			for k, v := range s.Map() {
				fields[k] = v
			}
			log.WithFields(fields).Info("classifier statistics")
		}
	}
}
