// Command splice_stress drives synthetic spliced flows through a flow
// manager with a recording injector and prints the resulting counters.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/intercept"
	"github.com/irctrakz/tcpsplice/pkg/logging"
	"github.com/irctrakz/tcpsplice/pkg/metrics"
	"github.com/irctrakz/tcpsplice/pkg/splice"
)

var (
	server = [4]byte{93, 184, 216, 34}
	proxy  = [4]byte{10, 0, 0, 1}
)

const proxyPort = 8080

var request = []byte("GET /stress HTTP/1.1\r\nHost: example.com\r\nAccept: text/html\r\n\r\n")

type acceptAll struct{}

func (acceptAll) Classify([]byte) bool { return true }

func tsOpt(tsval, tsecr uint32) []byte {
	o := []byte{1, 1, 8, 10, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(o[4:8], tsval)
	binary.BigEndian.PutUint32(o[8:12], tsecr)
	return o
}

func segment(src, dst [4]byte, sport, dport uint16, seq, ack uint32, flags byte, payload []byte, tsval, tsecr uint32) *core.Packet {
	p := core.BuildIPv4TCPOpts(src, dst, sport, dport, seq, ack, flags, payload, tsOpt(tsval, tsecr), 64)
	p.InDev = "br-lan"
	return p
}

type tally struct {
	stolen, accepted, dropped uint64
}

func (t *tally) add(v core.Verdict) {
	switch v {
	case core.VerdictStolen:
		atomic.AddUint64(&t.stolen, 1)
	case core.VerdictDrop:
		atomic.AddUint64(&t.dropped, 1)
	default:
		atomic.AddUint64(&t.accepted, 1)
	}
}

// runFlow splices one flow: request, proxy SYN-ACK, request retransmit,
// one response segment and a client reset.
func runFlow(d *splice.Dispatcher, t *tally, client [4]byte, port uint16) {
	const (
		seq   = 101
		ack   = 5001
		isn   = 1000
		tsval = 7000
	)
	pre := func(p *core.Packet) {
		v := d.HandlePacket(core.HookPreRouting, p)
		t.add(v)
		if v != core.VerdictStolen {
			p.Release()
		}
	}
	post := func(p *core.Packet) {
		p.InDev = "lo"
		v := d.HandlePacket(core.HookPostRouting, p)
		t.add(v)
		if v != core.VerdictStolen {
			p.Release()
		}
	}
	pre(segment(client, server, port, 80, seq, ack, core.FlagACK|core.FlagPSH, request, tsval, 9000))
	post(segment(proxy, client, proxyPort, port, isn, seq, core.FlagSYN|core.FlagACK, nil, 50000, tsval-20))
	pre(segment(client, server, port, 80, seq, ack, core.FlagACK|core.FlagPSH, request, tsval+100, 9000))
	body := seq + uint32(len(request))
	post(segment(proxy, client, proxyPort, port, isn+1, body, core.FlagACK|core.FlagPSH, []byte("HTTP/1.1 200 OK\r\n\r\n"), 50010, tsval+100))
	pre(segment(client, server, port, 80, body, 0, core.FlagRST, nil, tsval+200, 0))
}

func main() {
	var (
		flows      = flag.Int("flows", 10000, "number of spliced flows to simulate")
		clients    = flag.Int("clients", 64, "concurrent simulated clients")
		buckets    = flag.Int("buckets", 16, "flow table buckets")
		bucketSize = flag.Int("bucket-size", 4, "flows per bucket")
		failEvery  = flag.Int("fail", 0, "fail every Nth delivery (0 disables)")
		format     = flag.String("format", "text", "summary format (text, json)")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logging.SetLevel(logging.WarnLevel)
	if *debug {
		logging.SetLevel(logging.DebugLevel)
	}

	inj := intercept.NewMockInjector()
	opts := splice.DefaultOptions()
	opts.Buckets, opts.BucketSize = *buckets, *bucketSize
	opts.TemplateRefresh = time.Hour
	m := splice.NewManager(inj, opts)
	if err := m.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}
	target, _ := splice.NewProxyTarget("10.0.0.1", proxyPort)
	d, err := splice.NewDispatcher(m, acceptAll{}, target, []int{80})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatcher:", err)
		os.Exit(1)
	}

	// Seed the handshake templates from an ordinary client connection.
	tmplClient := [4]byte{192, 168, 1, 250}
	for _, p := range []*core.Packet{
		core.BuildIPv4TCPOpts(tmplClient, server, 50000, 80, 77, 0, core.FlagSYN, nil, tsOpt(1, 0), 64),
		core.BuildIPv4TCPOpts(tmplClient, server, 50000, 80, 78, 999, core.FlagACK, nil, tsOpt(2, 3), 64),
	} {
		p.InDev = opts.Interface
		d.HandlePacket(core.HookPreRouting, p)
		p.Release()
	}

	var t tally
	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for c := 0; c < *clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if *failEvery > 0 && i%*failEvery == 0 {
					inj.FailDeliveries(1)
				}
				client := [4]byte{192, 168, byte(1 + i/250%200), byte(1 + i%250)}
				runFlow(d, &t, client, uint16(10000+i%50000))
			}
		}()
	}
	for i := 0; i < *flows; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	m.WaitDeliveries()
	elapsed := time.Since(start)

	rep := metrics.NewReporter(metrics.Sources{Manager: m, Dispatcher: d, Injector: inj}, time.Second, *format)
	fmt.Printf("Simulated %d flows in %v (%.0f flows/s)\n", *flows, elapsed, float64(*flows)/elapsed.Seconds())
	fmt.Printf("Verdicts: stolen=%d accepted=%d dropped=%d\n",
		atomic.LoadUint64(&t.stolen), atomic.LoadUint64(&t.accepted), atomic.LoadUint64(&t.dropped))
	fmt.Println(rep.Line())

	s := m.Snapshot(false)
	if s.Counters.Tracked == 0 {
		fmt.Println("ERROR: no flows were tracked; check templates and capacity")
	}
	if s.Live != 0 {
		fmt.Printf("WARN: %d flows still live after client resets\n", s.Live)
	}
	m.Stop()
}
