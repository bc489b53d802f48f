package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stockwatch/feedgate/internal/auth"
	"github.com/stockwatch/feedgate/internal/broker"
	"github.com/stockwatch/feedgate/internal/feed"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

// Config holds the hub's tunables. Everything that shapes client-facing
// behavior is configuration rather than a constant; deployments differ
// wildly in client counts and market activity.
type Config struct {
	Addr string

	MaxConnections int
	SendQueueSize  int

	MaxSubscriptions  int
	CapViolationLimit int
	MalformedLimit    int

	// Outbound shaping per connection
	ClientMessageRate  float64
	ClientMessageBurst int
	BatchWindow        time.Duration

	// Inbound flood protection per connection
	InboundRate  float64
	InboundBurst int

	HeartbeatInterval time.Duration
	AuthGraceWindow   time.Duration
	WriteWait         time.Duration
	ShutdownGrace     time.Duration

	RateLimit ConnRateLimiterConfig
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 5000
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.MaxSubscriptions == 0 {
		c.MaxSubscriptions = 50
	}
	if c.CapViolationLimit == 0 {
		c.CapViolationLimit = 8
	}
	if c.MalformedLimit == 0 {
		c.MalformedLimit = 8
	}
	if c.ClientMessageRate == 0 {
		c.ClientMessageRate = 100
	}
	if c.ClientMessageBurst == 0 {
		c.ClientMessageBurst = 100
	}
	if c.BatchWindow == 0 {
		c.BatchWindow = 100 * time.Millisecond
	}
	if c.InboundRate == 0 {
		c.InboundRate = 10
	}
	if c.InboundBurst == 0 {
		c.InboundBurst = 20
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AuthGraceWindow == 0 {
		c.AuthGraceWindow = 5 * time.Second
	}
	if c.WriteWait == 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// Stats carries the hub's atomic counters for /health.
type Stats struct {
	CurrentConnections int64
	TotalConnections   int64
	MessagesSent       int64
	MessagesReceived   int64
	DroppedMessages    int64
	HeartbeatTimeouts  int64
	AuthFailures       int64
}

// Server is the connection manager: it owns the listener, the connection
// table, the subscription registry, and every per-connection pipeline.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	verifier *auth.Verifier
	registry *Registry
	broker   broker.Broker
	guard    *feed.Guard // optional, health reporting only

	mu    sync.RWMutex
	conns map[string]*Conn

	connectionsSem chan struct{}
	connLimiter    *ConnRateLimiter
	shuttingDown   atomic.Bool

	stats      Stats
	httpServer *http.Server
	sysmon     *monitoring.SystemMonitor
}

// NewServer wires a hub server. guard may be nil on instances that do
// not run a publisher.
func NewServer(cfg Config, verifier *auth.Verifier, b broker.Broker, guard *feed.Guard, logger zerolog.Logger) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:            cfg,
		logger:         logger.With().Str("component", "hub").Logger(),
		verifier:       verifier,
		registry:       NewRegistry(cfg.MaxSubscriptions),
		broker:         b,
		guard:          guard,
		conns:          make(map[string]*Conn),
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		connLimiter:    NewConnRateLimiter(cfg.RateLimit, logger),
		sysmon:         monitoring.NewSystemMonitor(15*time.Second, logger),
	}
	return s
}

// Registry exposes the subscription registry to tests and diagnostics.
func (s *Server) Registry() *Registry { return s.registry }

// Start runs the HTTP listener until ctx is cancelled or the listener
// fails. Blocks.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	s.sysmon.Start(ctx)

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Int("max_subscriptions", s.cfg.MaxSubscriptions).
		Dur("heartbeat_interval", s.cfg.HeartbeatInterval).
		Msg("Hub server starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains connections gracefully: stop accepting, give clients
// the grace period to finish, then force close with a normal close frame.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Msg("Hub shutdown started")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	// Drain window: clients that notice the close frame disconnect on
	// their own, the rest are cut off when the grace expires.
	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

drain:
	for time.Now().Before(deadline) {
		if s.connectionCount() == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break drain
		}
	}

	s.mu.RLock()
	remaining := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		remaining = append(remaining, c)
	}
	s.mu.RUnlock()

	for _, c := range remaining {
		s.closeConn(c, CloseNormal, "server_shutdown")
	}

	s.connLimiter.Stop()
	s.logger.Info().Int("forced_closes", len(remaining)).Msg("Hub shutdown complete")
	return nil
}

func (s *Server) connectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	atomic.AddInt64(&s.stats.CurrentConnections, 1)
	atomic.AddInt64(&s.stats.TotalConnections, 1)
	monitoring.IncrementConnections()
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	if present {
		atomic.AddInt64(&s.stats.CurrentConnections, -1)
		monitoring.DecrementConnections()
	}
}

// lookupConn returns the live connection for id.
func (s *Server) lookupConn(id string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Deliver fans one envelope out to every local subscriber of topic.
// Called by the broker bridge; per-topic call order is preserved all the
// way to each connection's queue.
func (s *Server) Deliver(topic string, env *feed.Envelope) {
	ids := s.registry.SubscribersOf(topic)
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if c, ok := s.lookupConn(id); ok {
			c.limiter.Offer(env)
		}
	}
}

// Send delivers an envelope to a single connection. Returns
// ErrConnectionClosed if the connection is unknown or closing.
func (s *Server) Send(id string, env *feed.Envelope) error {
	c, ok := s.lookupConn(id)
	if !ok || c.closed.Load() {
		return ErrConnectionClosed
	}
	c.limiter.Offer(env)
	return nil
}

// ConnIterator walks a point-in-time snapshot of active connection ids.
// The snapshot is immutable: connections opened or closed after ListActive
// are not reflected. Reset rewinds to the beginning.
type ConnIterator struct {
	ids []string
	pos int
}

// Next returns the next connection id, or false when exhausted.
func (it *ConnIterator) Next() (string, bool) {
	if it.pos >= len(it.ids) {
		return "", false
	}
	id := it.ids[it.pos]
	it.pos++
	return id, true
}

// Reset rewinds the iterator to the start of the snapshot.
func (it *ConnIterator) Reset() { it.pos = 0 }

// Len returns the snapshot size.
func (it *ConnIterator) Len() int { return len(it.ids) }

// ListActive returns an iterator over a snapshot of active connection
// ids. Diagnostics only; fan-out goes through the registry.
func (s *Server) ListActive() *ConnIterator {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	return &ConnIterator{ids: ids}
}

// closeConn initiates connection teardown exactly once: mark closed so
// Send/Deliver reject immediately, remove all registry state, write the
// close frame, then tear down the socket. The write deadline bounds how
// long a dead peer can hold the close.
func (s *Server) closeConn(c *Conn, code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.setState(StateClosed)

		removed := s.registry.RemoveAll(c.id)
		if n := len(removed); n > 0 {
			monitoring.SubscriptionsCurrent.Sub(float64(n))
		}
		c.limiter.Stop()

		c.writeMu.Lock()
		c.raw.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		frame := ws.NewCloseFrameBody(code, reason)
		_ = wsutil.WriteServerMessage(c.raw, ws.OpClose, frame)
		c.writeMu.Unlock()
		close(c.done)
		c.raw.Close()

		s.removeConn(c)
		select {
		case <-s.connectionsSem:
		default:
		}

		s.logger.Info().
			Str("conn_id", c.id).
			Str("reason", reason).
			Uint16("code", uint16(code)).
			Dur("connected_for", time.Since(c.connectedAt)).
			Int64("dropped", c.out.Dropped()).
			Msg("Connection closed")
	})
}

// handleHealth reports liveness plus the dependencies a load balancer
// cares about: broker connectivity, capacity headroom, upstream circuit.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]any{}

	brokerOK := s.broker != nil && s.broker.IsConnected()
	checks["broker_connected"] = brokerOK
	if !brokerOK {
		status = "unhealthy"
	}

	current := atomic.LoadInt64(&s.stats.CurrentConnections)
	checks["connections"] = current
	checks["max_connections"] = s.cfg.MaxConnections
	if current >= int64(s.cfg.MaxConnections) {
		if status == "healthy" {
			status = "degraded"
		}
	}

	checks["cpu_percent"] = s.sysmon.CPUPercentNow()
	checks["memory_mb"] = s.sysmon.MemoryBytesNow() / (1024 * 1024)

	if s.guard != nil {
		checks["upstream"] = s.guard.Stats()
		if s.guard.State() != feed.CircuitClosed {
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
		"stats": map[string]int64{
			"total_connections": atomic.LoadInt64(&s.stats.TotalConnections),
			"messages_sent":     atomic.LoadInt64(&s.stats.MessagesSent),
			"messages_received": atomic.LoadInt64(&s.stats.MessagesReceived),
			"dropped_messages":  atomic.LoadInt64(&s.stats.DroppedMessages),
		},
	})
}
