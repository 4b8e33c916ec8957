// Package dns runs the UDP query path: one receive loop per receiver,
// each feeding its own distributor, with the packet cache in front.
package dns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"authdns/pkg/backend"
	"authdns/pkg/cache"
	"authdns/pkg/config"
	"authdns/pkg/distributor"
	"authdns/pkg/latency"
	"authdns/pkg/listener"
	"authdns/pkg/logging"
	"authdns/pkg/stats"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

func exitProcess(code int) {
	os.Exit(code)
}

// Server owns everything the receivers and workers share: counters, the
// latency average, the packet cache, the distributor registry, sockets and
// the backend. It is built once and started once.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger

	counters *stats.Counters
	tracker  *latency.Tracker
	cache    *cache.Cache
	registry *distributor.Registry
	acl      *listener.ACL

	resolver  backend.Resolver
	static    *backend.Static
	processor *Processor

	logQueries atomic.Bool

	listeners   *listener.Set
	dispatchers []*Dispatcher
	exit        func(int)

	ready   chan struct{}
	running bool
	stopped bool
	mu      sync.Mutex
}

// NewServer builds a server from cfg. With a nil resolver the static
// backend from cfg.Backend is used, and its records follow ApplyConfig.
func NewServer(cfg *config.Config, resolver backend.Resolver, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}

	if cfg.Server.ReceiverThreads < 1 || cfg.Server.DistributorThreads < 1 {
		return nil, fmt.Errorf("need at least one receiver and one distributor thread")
	}

	acl, err := listener.NewACL(cfg.Server.ProxyProtocolFrom)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy_protocol_from: %w", err)
	}

	var static *backend.Static
	if resolver == nil {
		static, err = backend.NewStatic(&cfg.Backend, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load backend records: %w", err)
		}
		resolver = static
	} else if st, ok := resolver.(*backend.Static); ok {
		static = st
	}

	packetCache, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create packet cache: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		counters:  stats.New(),
		tracker:   latency.New(),
		cache:     packetCache,
		registry:  distributor.NewRegistry(cfg.Server.ReceiverThreads),
		acl:       acl,
		resolver:  resolver,
		static:    static,
		processor: NewProcessor(resolver, packetCache, cfg.Server.UDPTruncationThreshold, logger),
		exit:      exitProcess,
		ready:     make(chan struct{}),
	}
	s.logQueries.Store(cfg.Server.LogDNSQueries)

	return s, nil
}

// SetExit replaces the process exit used on fatal distributor faults
func (s *Server) SetExit(fn func(int)) {
	s.exit = fn
}

// UseListeners supplies pre-opened sockets instead of binding the
// configured addresses. Must be called before Start.
func (s *Server) UseListeners(set *listener.Set) {
	s.listeners = set
}

// Counters returns the shared counters
func (s *Server) Counters() *stats.Counters { return s.counters }

// Latency returns the shared latency tracker
func (s *Server) Latency() *latency.Tracker { return s.tracker }

// Cache returns the packet cache
func (s *Server) Cache() *cache.Cache { return s.cache }

// Registry returns the distributors, one per receiver
func (s *Server) Registry() *distributor.Registry { return s.registry }

// Ready is closed once every receiver is running
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Start opens the sockets, creates every distributor, and only then
// starts the receivers. It blocks until ctx is cancelled or Shutdown is
// called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	if err := s.setup(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.running = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range s.dispatchers {
		d := d
		g.Go(func() error {
			return d.Run(gctx)
		})
	}
	for i := 0; i < s.registry.Len(); i++ {
		go s.watchFatal(gctx, s.registry.Get(i))
	}
	close(s.ready)

	s.logger.Info("DNS server started",
		"addresses", s.cfg.Server.ListenAddresses,
		"receivers", s.cfg.Server.ReceiverThreads,
		"distributor_threads", s.cfg.Server.DistributorThreads,
		"reuseport", s.cfg.Server.ReusePort,
		"proxy_protocol_sources", s.acl.Len(),
		"receive_buffer", humanize.IBytes(uint64(s.dispatchers[0].BufferSize())),
		"packet_cache", s.cache.Enabled(),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- g.Wait() }()

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		err := s.Shutdown(context.Background())
		<-runErr
		return err
	case err := <-runErr:
		return err
	}
}

// setup runs under s.mu. The registry is complete before any receiver
// exists, so readers of it never need a lock.
func (s *Server) setup(ctx context.Context) error {
	sc := s.cfg.Server

	if s.listeners == nil {
		set, err := listener.Open(ctx, sc.ListenAddresses, sc.ReceiverThreads, sc.ReusePort, s.logger)
		if err != nil {
			return fmt.Errorf("failed to open listeners: %w", err)
		}
		s.listeners = set
	}
	if s.listeners.Receivers() < sc.ReceiverThreads {
		return fmt.Errorf("listener set serves %d receivers, need %d", s.listeners.Receivers(), sc.ReceiverThreads)
	}

	for i := 0; i < sc.ReceiverThreads; i++ {
		d, err := distributor.New(distributor.Config{
			ID:                  i,
			Workers:             sc.DistributorThreads,
			MaxQueueLength:      sc.MaxQueueLength,
			OverloadQueueLength: sc.OverloadQueueLength,
		}, s.processor.Process, s.logger)
		if err != nil {
			s.registry.Close()
			return fmt.Errorf("failed to create distributor %d: %w", i, err)
		}
		s.registry.Set(i, d)
	}

	s.dispatchers = make([]*Dispatcher, 0, sc.ReceiverThreads)
	for i := 0; i < sc.ReceiverThreads; i++ {
		d, err := NewDispatcher(DispatcherOptions{
			ID:                  i,
			Conns:               s.listeners.For(i),
			Distributor:         s.registry.Get(i),
			Cache:               s.cache,
			Counters:            s.counters,
			Latency:             s.tracker,
			TruncationThreshold: sc.UDPTruncationThreshold,
			ACL:                 s.acl,
			ProxyMaxSize:        sc.ProxyProtocolMaximumSize,
			Senders:             sc.DistributorThreads,
			ResultQueue:         sc.MaxQueueLength,
			LogQueries:          &s.logQueries,
			Logger:              s.logger,
			Exit:                s.exit,
		})
		if err != nil {
			s.registry.Close()
			return fmt.Errorf("failed to create receiver %d: %w", i, err)
		}
		s.dispatchers = append(s.dispatchers, d)
	}
	return nil
}

// watchFatal exits as soon as a distributor breaks, even with no traffic
func (s *Server) watchFatal(ctx context.Context, d *distributor.Distributor) {
	select {
	case <-d.Fatal():
		s.logger.Error("Distributor failed fatally, exiting", "receiver", d.ID(), "error", d.Err())
		s.exit(1)
	case <-ctx.Done():
	}
}

// Shutdown closes the sockets, which ends the receive loops, then stops
// the distributors and the cache
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.stopped = true

	var errs []error
	if s.listeners != nil {
		if err := s.listeners.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listeners: %w", err))
		}
	}
	s.registry.Close()
	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ApplyConfig takes the live-reloadable parts of cfg: the query logging
// toggle and the static records. Sizing changes need a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.logQueries.Store(cfg.Server.LogDNSQueries)

	if s.static != nil {
		if err := s.static.Load(cfg.Backend.Records); err != nil {
			s.logger.Error("Keeping previous records, reload failed", "error", err)
		} else {
			s.static.SetLatency(cfg.Backend.Latency)
			s.cache.Clear()
		}
	}

	old := s.cfg.Server
	if old.ReceiverThreads != cfg.Server.ReceiverThreads ||
		old.DistributorThreads != cfg.Server.DistributorThreads ||
		old.MaxQueueLength != cfg.Server.MaxQueueLength ||
		old.OverloadQueueLength != cfg.Server.OverloadQueueLength ||
		old.ReusePort != cfg.Server.ReusePort {
		s.logger.Warn("Thread and queue settings changed; restart to apply them")
	}

	s.logger.Info("Configuration applied", "log_dns_queries", cfg.Server.LogDNSQueries)
}
