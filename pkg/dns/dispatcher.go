package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"authdns/pkg/cache"
	"authdns/pkg/distributor"
	"authdns/pkg/latency"
	"authdns/pkg/listener"
	"authdns/pkg/logging"
	"authdns/pkg/query"
	"authdns/pkg/stats"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// warnInterval bounds how often a receiver repeats I/O and backend warnings
const warnInterval = time.Second

// recvBackoff is the pause after a receive error other than a closed socket
const recvBackoff = 10 * time.Millisecond

// DispatcherOptions wires one receiver. Every dependency except Cache and
// ACL is required.
type DispatcherOptions struct {
	ID    int
	Conns []listener.Conn

	Distributor *distributor.Distributor
	Cache       *cache.Cache
	Counters    *stats.Counters
	Latency     *latency.Tracker

	TruncationThreshold int
	ACL                 *listener.ACL
	ProxyMaxSize        int

	// Senders drain completed results; ResultQueue bounds how many may wait
	Senders     int
	ResultQueue int

	// LogQueries toggles per-query logging; shared so it can change live
	LogQueries *atomic.Bool

	Logger *logging.Logger
	Exit   func(code int)
	Now    func() time.Time
}

// Dispatcher is the receive loop of one receiver: it classifies each
// datagram, answers cache hits inline and hands everything else to its
// distributor without ever blocking on backend work.
type Dispatcher struct {
	id    int
	conns []listener.Conn

	dist     *distributor.Distributor
	cache    *cache.Cache
	counters *stats.Counters
	tracker  *latency.Tracker

	threshold int
	acl       *listener.ACL
	proxyMax  int
	bufSize   int

	senders    int
	results    chan distributor.Result
	logQueries *atomic.Bool

	logger *logging.Logger
	exit   func(int)
	now    func() time.Time

	recvWarn rate.Sometimes
	sendWarn rate.Sometimes
}

// NewDispatcher validates opts and builds a dispatcher
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if len(opts.Conns) == 0 {
		return nil, fmt.Errorf("dispatcher %d has no sockets", opts.ID)
	}
	if opts.Distributor == nil || opts.Counters == nil || opts.Latency == nil {
		return nil, fmt.Errorf("dispatcher %d is missing a dependency", opts.ID)
	}
	if opts.TruncationThreshold < query.MinReplyLen {
		return nil, fmt.Errorf("truncation threshold %d below minimum %d", opts.TruncationThreshold, query.MinReplyLen)
	}
	if opts.Senders < 1 {
		opts.Senders = 1
	}
	if opts.ResultQueue < 1 {
		opts.ResultQueue = 1
	}
	if opts.LogQueries == nil {
		opts.LogQueries = new(atomic.Bool)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}
	if opts.Exit == nil {
		opts.Exit = exitProcess
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Dispatcher{
		id:         opts.ID,
		conns:      opts.Conns,
		dist:       opts.Distributor,
		cache:      opts.Cache,
		counters:   opts.Counters,
		tracker:    opts.Latency,
		threshold:  opts.TruncationThreshold,
		acl:        opts.ACL,
		proxyMax:   opts.ProxyMaxSize,
		bufSize:    listener.BufferSize(opts.TruncationThreshold, opts.ACL, opts.ProxyMaxSize),
		senders:    opts.Senders,
		results:    make(chan distributor.Result, opts.ResultQueue),
		logQueries: opts.LogQueries,
		logger:     opts.Logger.WithField("receiver", opts.ID),
		exit:       opts.Exit,
		now:        opts.Now,
		recvWarn:   rate.Sometimes{Interval: warnInterval},
		sendWarn:   rate.Sometimes{Interval: warnInterval},
	}, nil
}

// BufferSize is the receive buffer each loop allocates
func (d *Dispatcher) BufferSize() int {
	return d.bufSize
}

// Run reads from every socket of this receiver until the sockets are
// closed or ctx ends, then stops the senders. Senders start first so no
// completion is ever left without a reader.
func (d *Dispatcher) Run(ctx context.Context) error {
	sendCtx, stopSenders := context.WithCancel(context.Background())
	var senders sync.WaitGroup
	for i := 0; i < d.senders; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			d.sendLoop(sendCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range d.conns {
		conn := conn
		g.Go(func() error {
			d.receiveLoop(gctx, conn)
			return nil
		})
	}
	err := g.Wait()

	stopSenders()
	senders.Wait()
	return err
}

func (d *Dispatcher) receiveLoop(ctx context.Context, conn listener.Conn) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Fatal error in receive loop", "panic", r)
			d.exit(1)
		}
	}()

	buf := make([]byte, d.bufSize)
	for ctx.Err() == nil {
		closed, failed := d.serveOne(conn, buf)
		if closed {
			return
		}
		if failed {
			select {
			case <-ctx.Done():
			case <-time.After(recvBackoff):
			}
		}
	}
}

// serveOne handles one datagram. It reports closed once the socket is
// closed, and failed when the read itself errored.
func (d *Dispatcher) serveOne(conn listener.Conn, buf []byte) (closed, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Caught unhandled panic in receive loop", "panic", r)
		}
	}()

	dg, err := listener.Receive(conn, buf, d.acl, d.proxyMax)
	if err != nil {
		switch {
		case listener.IsClosed(err):
			return true, false
		case errors.Is(err, listener.ErrProxyHeader):
			d.counters.Inc(stats.ProxyProtocolInvalid)
			d.logger.Debug("Dropping datagram with invalid proxy protocol header", "remote", remoteString(dg.Remote), "error", err)
			return false, false
		default:
			d.recvWarn.Do(func() {
				d.logger.Warn("Failed to receive packet", "error", err)
			})
			return false, true
		}
	}
	arrival := d.now()

	// buf is reused for the next datagram; the query outlives this iteration
	raw := make([]byte, len(dg.Payload))
	copy(raw, dg.Payload)

	q, err := query.Parse(raw, dg.Remote, arrival, d.threshold)
	if err != nil {
		d.counters.Inc(stats.CorruptPackets)
		d.logger.Debug("Dropping corrupt packet", "remote", remoteString(dg.Client), "error", err)
		return false, false
	}
	q.Client = dg.Client
	q.Local = conn.LocalAddr()
	q.Socket = conn

	d.counters.CountReceived(q)
	if q.Response {
		d.counters.Inc(stats.ResponsePackets)
		return false, false
	}

	d.dispatch(q)
	return false, false
}

// dispatch decides between the cache fast path, shedding, and the distributor
func (d *Dispatcher) dispatch(q *query.Query) {
	logQueries := d.logQueries.Load()

	if d.cache.Enabled() && cacheable(q) {
		if tmpl, ok := d.cache.Get(q); ok {
			d.counters.Inc(stats.PacketCacheHit)
			if logQueries {
				d.logQuery(q, "packetcache HIT")
			}
			if d.send(tmpl.For(q)) {
				d.tracker.Observe(q.Age(time.Now()))
			}
			return
		}
		d.counters.Inc(stats.PacketCacheMiss)
	}

	if d.dist.IsOverloaded() || d.dist.CacheOnly() {
		d.shed(q, logQueries)
		return
	}

	if logQueries {
		if d.cache.Enabled() {
			d.logQuery(q, "packetcache MISS")
		} else {
			d.logQuery(q, "")
		}
	}

	err := d.dist.Submit(q, d.results)
	switch {
	case err == nil:
	case errors.Is(err, distributor.ErrOverloaded):
		d.shed(q, logQueries)
	case distributor.IsFatal(err):
		d.logger.Error("Communication with the backend failed fatally, exiting", "error", err)
		d.exit(1)
	default:
		d.logger.Error("Unexpected error submitting query", "query", q.String(), "error", err)
	}
}

func (d *Dispatcher) shed(q *query.Query, logQueries bool) {
	d.counters.Inc(stats.OverloadDrops)
	if logQueries {
		d.logQuery(q, "Dropped query, backends are overloaded")
	}
}

func (d *Dispatcher) logQuery(q *query.Query, outcome string) {
	attrs := []any{
		"remote", q.RemoteString(),
		"query", q.String(),
		"opcode", query.OpcodeString(q.Opcode),
		"rd", q.RD,
		"cd", q.CD,
		"do", q.DO,
		"bufsize", q.MaxReplyLen,
	}
	if q.EDNS && int(q.UDPSize) != q.MaxReplyLen {
		attrs = append(attrs, "edns_bufsize", q.UDPSize)
	}
	if outcome != "" {
		attrs = append(attrs, "outcome", outcome)
	}
	d.logger.Info("Query received", attrs...)
}

func (d *Dispatcher) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-d.results:
			d.complete(res)
		}
	}
}

// complete sends a worker's answer. A failure here is logged and never
// reaches the worker or the other senders.
func (d *Dispatcher) complete(res distributor.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Caught unhandled panic while sending a response", "panic", r)
		}
	}()

	if res.Answer == nil {
		return
	}
	if res.Err != nil {
		d.sendWarn.Do(func() {
			d.logger.Warn("Backend failed to answer",
				"query", res.Query.String(),
				"opcode", query.OpcodeString(res.Query.Opcode),
				"rcode", query.RcodeString(res.Answer.Rcode()),
				"remote", res.Query.RemoteString(),
				"error", res.Err,
			)
		})
	}
	if res.Answer.Rcode() == dns.RcodeServerFailure {
		d.counters.Inc(stats.ServfailAnswers)
	}

	if d.send(res.Answer) {
		d.tracker.Observe(res.Query.Age(time.Now()))
	}
}

// send writes a to its own socket and remote, both bound from the query it
// answers. It reports whether the datagram was written.
func (d *Dispatcher) send(a *query.Answer) bool {
	wire, err := a.Pack()
	if err != nil {
		d.counters.Inc(stats.SendErrors)
		d.logger.Error("Failed to pack answer", "remote", remoteString(a.Remote), "error", err)
		return false
	}
	if a.Socket == nil {
		d.counters.Inc(stats.SendErrors)
		d.logger.Error("Answer has no socket", "remote", remoteString(a.Remote))
		return false
	}

	if _, err := a.Socket.WritePacket(wire, a.Remote); err != nil {
		d.counters.Inc(stats.SendErrors)
		d.sendWarn.Do(func() {
			d.logger.Warn("Failed to send answer", "remote", remoteString(a.Remote), "error", err)
		})
		return false
	}
	d.counters.CountAnswer(query.FamilyOf(a.Remote), len(wire))
	return true
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
