package hub

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/stockwatch/feedgate/internal/auth"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

// handleWebSocket is the upgrade path: admission checks, upgrade, then
// handshake. Authentication happens either from the request's token or,
// for clients that cannot set query parameters, from an auth control
// frame within the grace window.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.connLimiter.Allow(ip) {
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.IncrementConnectionRejected("capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	token := auth.TokenFromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.logger.Warn().Err(err).Str("ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(uuid.NewString(), conn, s, ip)
	s.addConn(c)

	s.logger.Info().
		Str("conn_id", c.id).
		Str("ip", ip).
		Bool("token_in_request", token != "").
		Msg("Connection established")

	go s.writePump(c)
	go s.readPump(c)

	if token != "" {
		s.authenticate(c, token)
	}
}

// authenticate verifies a token and promotes the connection to Active,
// or closes it with an auth failure. Called from the upgrade path (query
// token) or the read pump (auth frame).
func (s *Server) authenticate(c *Conn, token string) {
	principal, err := s.verifier.Verify(token)
	if err != nil {
		monitoring.IncrementAuthFailures()
		s.logger.Warn().
			Err(err).
			Str("conn_id", c.id).
			Str("ip", c.remoteIP).
			Msg("Authentication failed")
		s.closeConn(c, CloseAuthFailure, "authentication failed")
		return
	}

	c.principal.Store(principal)
	c.setState(StateAuthenticated)

	// Switch from the auth grace deadline to the heartbeat deadline.
	c.raw.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval))

	c.sendAck()
	c.setState(StateActive)

	s.logger.Info().
		Str("conn_id", c.id).
		Str("user_id", principal.ID).
		Msg("Connection authenticated")
}

// clientIP extracts the real client IP, preferring X-Forwarded-For set
// by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
