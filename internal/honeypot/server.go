// Package honeypot opens the monitored ports, records every connection
// attempt in the black and white lists, and answers each connection with a
// delayed generic message.
package honeypot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/honeypot/internal/config"
	"github.com/inercia/honeypot/internal/logging"
	"github.com/inercia/honeypot/internal/registry"
)

// List names, used in logs, metrics and snapshot lookups.
const (
	BlackList = "black"
	WhiteList = "white"
)

// acceptBackoff is the pause after an unexpected Accept error.
const acceptBackoff = 50 * time.Millisecond

// BindStatus is the state of one monitored port.
type BindStatus int

const (
	// Unbound means the port was not opened yet.
	Unbound BindStatus = iota
	// Listening means connections are being accepted.
	Listening
	// Failed means the port could not be opened; see Binding.Err.
	Failed
)

func (s BindStatus) String() string {
	switch s {
	case Listening:
		return "listening"
	case Failed:
		return "failed"
	default:
		return "unbound"
	}
}

// Binding pairs a configured port with its listener.
type Binding struct {
	// Port is the monitored port. When port 0 was configured it holds the
	// port picked by the system once listening.
	Port     int
	Listener net.Listener
	Status   BindStatus
	Err      error
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics reports to m. Without it no metrics are collected.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithEvents publishes every connection and sweep on h.
func WithEvents(h *EventHub) Option {
	return func(s *Server) {
		s.events = h
	}
}

// WithLogger replaces the component loggers of the logging package with
// children of logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.baseLogger = logger
	}
}

// WithClock sets the time source of both lists.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithResponder replaces the responder built from the configuration.
func WithResponder(r *Responder) Option {
	return func(s *Server) {
		s.responder = r
	}
}

// Server is a running honeypot.
type Server struct {
	cfg *config.Config

	black     *registry.Registry
	white     *registry.Registry
	promoter  *registry.Promoter
	responder *Responder
	metrics   *Metrics
	events    *EventHub
	now       func() time.Time

	baseLogger  *slog.Logger
	logger      *slog.Logger
	sweepLogger *slog.Logger
	connLog     *connLogger

	// mu serializes every change to the lists: the find, add or update,
	// promotion and persist of one connection happen as a single step, and
	// the sweeper never runs in between.
	mu sync.Mutex

	bindings []*Binding

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a honeypot for cfg and loads the existing snapshots.
// cfg must be valid and is not modified.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	regLogger := s.componentLogger("registry")
	s.logger = s.componentLogger("listener")
	s.sweepLogger = s.componentLogger("sweeper")

	if s.responder == nil {
		s.responder = NewResponder(cfg.ResponseDelayMin, cfg.ResponseDelayMax, cfg.ResponseMessage)
	}

	regOpts := []registry.Option{registry.WithClock(s.now)}
	var onDrop func()
	if s.metrics != nil {
		regOpts = append(regOpts, registry.WithObserver(s.metrics))
		onDrop = s.metrics.LogSuppressions.Inc
	}
	s.connLog = newConnLogger(s.logger, cfg.LogRatePerSecond, cfg.LogBurst, onDrop)

	s.black = registry.New(registry.Config{
		Name:              BlackList,
		Path:              cfg.BlacklistFile,
		MaxEntries:        cfg.MaxEntries,
		MaxSequenceLength: cfg.MaxSequenceLength,
		PenaltyTimespan:   cfg.PenaltyTimespan,
	}, regLogger, regOpts...)
	s.black.Load()

	if cfg.WhitelistEnabled() {
		s.white = registry.New(registry.Config{
			Name:              WhiteList,
			Path:              cfg.WhitelistFile,
			MaxEntries:        cfg.MaxEntries,
			MaxSequenceLength: cfg.MaxSequenceLength,
			PenaltyTimespan:   cfg.PenaltyTimespan,
		}, regLogger, regOpts...)
		s.white.Load()
	}
	s.promoter = registry.NewPromoter(s.white, cfg.WhiteSequence, regLogger)

	s.bindings = make([]*Binding, len(cfg.ListenTo))
	for i, port := range cfg.ListenTo {
		s.bindings[i] = &Binding{Port: port}
	}
	return s
}

func (s *Server) componentLogger(component string) *slog.Logger {
	if s.baseLogger != nil {
		return s.baseLogger.With("component", component)
	}
	return logging.WithComponent(component)
}

// Blacklist returns the blacklist.
func (s *Server) Blacklist() *registry.Registry {
	return s.black
}

// Whitelist returns the whitelist, or nil when whitelisting is disabled.
func (s *Server) Whitelist() *registry.Registry {
	return s.white
}

// Bindings returns a copy of the current port bindings.
func (s *Server) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Binding, len(s.bindings))
	for i, b := range s.bindings {
		out[i] = *b
	}
	return out
}

// Start opens every configured port and begins accepting connections.
// A port that cannot be opened is logged and skipped; Start fails only when
// no port could be opened at all. The server stops when ctx is done or
// Close is called.
func (s *Server) Start(ctx context.Context) error {
	err := errors.New("server already started")
	s.startOnce.Do(func() {
		err = s.start(ctx)
	})
	return err
}

func (s *Server) start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("honeypot_starting",
		"ports", s.cfg.ListenTo,
		"white_sequence", s.promoter.Sequence(),
		"max_entries", s.cfg.MaxEntries,
		"max_sequence_length", s.cfg.MaxSequenceLength,
		"penalty_timespan", s.cfg.PenaltyTimespan,
		"blacklist_file", s.cfg.BlacklistFile,
		"whitelist_file", s.cfg.WhitelistFile,
	)

	var bindErrs []error
	listening := 0

	s.mu.Lock()
	for _, b := range s.bindings {
		if err := s.bind(b); err != nil {
			bindErrs = append(bindErrs, err)
			continue
		}
		listening++
	}
	s.mu.Unlock()

	if listening == 0 {
		s.cancel()
		return fmt.Errorf("no port could be opened: %w", errors.Join(bindErrs...))
	}

	for _, b := range s.bindings {
		if b.Status == Listening {
			s.wg.Add(1)
			go s.acceptLoop(b)
		}
	}

	s.wg.Add(1)
	go s.sweepLoop()

	// Unblock the accept loops as soon as the context ends.
	go func() {
		<-s.ctx.Done()
		s.closeListeners()
	}()

	s.logger.Info("honeypot_started",
		"listening", listening,
		"failed", len(bindErrs),
	)
	return nil
}

// bind opens the listener of b. Must be called with s.mu held.
func (s *Server) bind(b *Binding) error {
	s.logger.Debug("opening_port", "port", b.Port)

	var lc net.ListenConfig
	ln, err := lc.Listen(s.ctx, "tcp", s.cfg.ListenAddr(b.Port))
	if err != nil {
		b.Status = Failed
		b.Err = err
		if s.metrics != nil {
			s.metrics.BindFailures.Inc()
		}
		if errors.Is(err, syscall.EACCES) {
			s.logger.Warn("bind_failed",
				"port", b.Port,
				"error", err,
				"hint", "permission denied, continuing with other ports",
			)
		} else {
			s.logger.Error("bind_failed",
				"port", b.Port,
				"error", err,
			)
		}
		return fmt.Errorf("port %d: %w", b.Port, err)
	}

	if b.Port == 0 {
		b.Port = LocalPort(ln.Addr())
	}
	b.Listener = ln
	b.Status = Listening
	b.Err = nil
	if s.metrics != nil {
		s.metrics.ListeningPorts.Inc()
	}
	s.logger.Info("port_listening",
		"port", b.Port,
		"addr", ln.Addr().String(),
	)
	return nil
}

func (s *Server) acceptLoop(b *Binding) {
	defer s.wg.Done()

	for {
		conn, err := b.Listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept_error",
				"port", b.Port,
				"error", err,
			)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}
		s.handleConn(conn, b.Port)
	}
}

// handleConn records the attempt and schedules the delayed answer.
func (s *Server) handleConn(conn net.Conn, port int) {
	addr := RemoteHost(conn.RemoteAddr())
	connID := uuid.NewString()

	count, outcome := s.Record(addr, port)
	s.connLog.connected(logging.WithConnection(s.logger, connID, addr, port), count, outcome.String())
	if s.events != nil {
		s.events.Publish(Event{
			Type:    EventConnection,
			Time:    s.now(),
			ConnID:  connID,
			Addr:    addr,
			Port:    port,
			Count:   count,
			Outcome: outcome.String(),
		})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.responder.Respond(s.ctx, conn)
	}()
}

// Record registers a connection attempt from addr on port in the lists and
// writes the snapshots. It returns the client's attempt count and what
// happened to its whitelist entry. A client is evaluated for the whitelist
// from its second attempt on.
func (s *Server) Record(addr string, port int) (int, registry.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionAccepted(port)
	}

	rec := s.black.Find(addr)
	if rec == nil {
		rec = s.black.Add(addr, port)
		s.black.Persist()
		return rec.Count, registry.Unchanged
	}

	s.black.Update(rec, port)
	outcome := s.promoter.Evaluate(addr, port, rec)
	s.black.Persist()

	if s.metrics != nil {
		switch outcome {
		case registry.Promoted:
			s.metrics.Promotions.Inc()
		case registry.Demoted:
			s.metrics.Demotions.Inc()
		}
	}
	return rec.Count, outcome
}

// Sweep evicts the expired clients of both lists and returns how many were
// removed from each.
func (s *Server) Sweep() (black, white int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	black = s.black.EvictExpired(0)
	if s.white != nil {
		white = s.white.EvictExpired(0)
	}
	if black > 0 || white > 0 {
		s.sweepLogger.Info("clients_expired",
			"black_removed", black,
			"white_removed", white,
			"black_entries", s.black.Len(),
		)
		if s.events != nil {
			s.events.Publish(Event{Type: EventExpired, Time: s.now(), Black: black, White: white})
		}
	}
	return black, white
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PenaltyTimespan)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.bindings {
		if b.Status != Listening {
			continue
		}
		if err := b.Listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("listener_close_error", "port", b.Port, "error", err)
		}
		if s.metrics != nil {
			s.metrics.ListeningPorts.Dec()
		}
		b.Status = Unbound
	}
}

// Wait blocks until the accept loops, the sweeper and all pending responses
// have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close stops the honeypot: listeners are closed, pending responses are cut
// short, and both lists are swept and written one last time.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.closeListeners()
		s.Wait()

		s.Sweep()
		s.mu.Lock()
		s.black.Persist()
		if s.white != nil {
			s.white.Persist()
		}
		s.mu.Unlock()

		s.logger.Info("honeypot_stopped",
			"black_entries", s.black.Len(),
			"white_entries", s.whiteLen(),
		)
	})
	return nil
}

func (s *Server) whiteLen() int {
	if s.white == nil {
		return 0
	}
	return s.white.Len()
}

// Run starts the honeypot and blocks until ctx is done, then closes it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}
