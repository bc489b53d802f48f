package hub

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/time/rate"

	"github.com/stockwatch/feedgate/internal/auth"
	"github.com/stockwatch/feedgate/internal/feed"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

// ConnState is the lifecycle position of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateActive
	StateIdleWarning
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateIdleWarning:
		return "idle_warning"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close codes sent to clients. 4xxx codes are application-defined per
// RFC 6455 and tell a well-behaved client whether reconnecting is useful.
const (
	CloseNormal            = ws.StatusNormalClosure
	ClosePolicyViolation   = ws.StatusPolicyViolation
	CloseAuthFailure       = ws.StatusCode(4401)
	CloseHeartbeatTimeout  = ws.StatusCode(4408)
	CloseSubscriptionLimit = ws.StatusCode(4429)
)

// Conn is one client connection: the raw socket, its identity, its
// bounded outbound queue, and its shaping pipeline.
type Conn struct {
	id     string
	raw    net.Conn
	server *Server

	principal atomic.Pointer[auth.Principal]

	out     *outQueue
	wake    chan struct{} // capacity 1, write pump wakeup
	done    chan struct{}
	limiter *Limiter

	// writeMu serializes all raw-socket writes: the write pump's data
	// frames and pings, and the close frame written during teardown.
	// Without it a close frame can interleave with an in-flight data
	// frame and reach the client as garbage.
	writeMu sync.Mutex

	state      atomic.Int32
	closed     atomic.Bool
	closeOnce  sync.Once
	lastReadAt atomic.Int64 // unix nanos

	// inbound flood protection, independent of the outbound shaping
	inbound *rate.Limiter

	malformedCount int
	capViolations  int

	remoteIP    string
	connectedAt time.Time
}

func newConn(id string, raw net.Conn, s *Server, remoteIP string) *Conn {
	c := &Conn{
		id:          id,
		raw:         raw,
		server:      s,
		out:         newOutQueue(s.cfg.SendQueueSize),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		inbound:     rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst),
		remoteIP:    remoteIP,
		connectedAt: time.Now(),
	}
	c.state.Store(int32(StateConnecting))
	c.lastReadAt.Store(time.Now().UnixNano())
	c.limiter = NewLimiter(LimiterConfig{
		Rate:   s.cfg.ClientMessageRate,
		Burst:  s.cfg.ClientMessageBurst,
		Window: s.cfg.BatchWindow,
	}, c.enqueueEnvelope)
	return c
}

// ID returns the connection id issued at handshake.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Principal returns the authenticated identity, nil before auth.
func (c *Conn) Principal() *auth.Principal { return c.principal.Load() }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *Conn) authenticated() bool {
	return c.principal.Load() != nil
}

func (c *Conn) touchRead() {
	c.lastReadAt.Store(time.Now().UnixNano())
	if c.State() == StateIdleWarning {
		c.setState(StateActive)
	}
}

func (c *Conn) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastReadAt.Load())
}

// enqueueEnvelope serializes and queues an envelope for the write pump.
// Called by the limiter (shaped data) and directly for control messages.
func (c *Conn) enqueueEnvelope(env *feed.Envelope) {
	if c.closed.Load() {
		return
	}
	data, err := env.Serialize()
	if err != nil {
		c.server.logger.Error().Err(err).Str("conn_id", c.id).Msg("Failed to serialize envelope")
		return
	}
	c.enqueueRaw(data, env.IsData())
}

// enqueueRaw queues pre-serialized bytes and wakes the write pump.
func (c *Conn) enqueueRaw(data []byte, droppable bool) {
	if c.closed.Load() {
		return
	}
	if evicted := c.out.push(data, droppable); evicted {
		monitoring.IncrementDropped("backpressure")
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// sendError delivers a protocol error envelope. Errors bypass shaping
// and are never shed.
func (c *Conn) sendError(code, message string) {
	c.enqueueEnvelope(feed.NewErrorEnvelope(code, message))
}

// sendAck confirms a successful handshake with the issued connection id.
func (c *Conn) sendAck() {
	data, err := json.Marshal(map[string]any{
		"type":         "ack",
		"connectionId": c.id,
	})
	if err != nil {
		return
	}
	c.enqueueRaw(data, false)
}
