package hub

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/stockwatch/feedgate/internal/feed"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

// readPump reads control frames from the client until the connection
// dies. One goroutine per connection.
//
// Read deadlines double as the heartbeat and auth timers:
//   - Before auth: deadline = connect time + AuthGraceWindow, absolute.
//     Inbound frames do not extend it; a client that chats without
//     authenticating is closed at the window like a silent one.
//   - After auth: deadline = 2 x HeartbeatInterval, pushed forward on
//     every frame (including pong replies to our pings). Expiry means
//     two consecutive heartbeats went unanswered.
func (s *Server) readPump(c *Conn) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.id,
	})

	closeCode := CloseNormal
	closeReason := "client disconnected"
	defer func() {
		s.closeConn(c, closeCode, closeReason)
	}()

	authDeadline := c.connectedAt.Add(s.cfg.AuthGraceWindow)

	if c.authenticated() {
		c.raw.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval))
	} else {
		c.raw.SetReadDeadline(authDeadline)
	}

	for {
		msg, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if !c.authenticated() {
					monitoring.IncrementAuthFailures()
					closeCode = CloseAuthFailure
					closeReason = "authentication timeout"
				} else {
					atomic.AddInt64(&s.stats.HeartbeatTimeouts, 1)
					monitoring.IncrementHeartbeatTimeouts()
					closeCode = CloseHeartbeatTimeout
					closeReason = "heartbeat timeout"
				}
			}
			return
		}

		c.touchRead()
		if c.authenticated() {
			c.raw.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval))
		} else {
			c.raw.SetReadDeadline(authDeadline)
		}

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		switch op {
		case ws.OpText:
			// Inbound flood protection. Legitimate clients send a few
			// control frames per minute; anything sustained above the
			// limit is a bug or abuse. Drop the frame, tell the client,
			// keep the connection.
			if !c.inbound.Allow() {
				c.sendError(feed.ErrCodeRateLimited, "too many requests, slow down")
				monitoring.IncrementDropped("inbound_rate_limited")
				continue
			}
			s.handleFrame(c, msg)

		case ws.OpPong:
			// Deadline already extended above; nothing else to do.

		case ws.OpPing:
			// gobwas answers pings for us.

		case ws.OpClose:
			return
		}
	}
}
