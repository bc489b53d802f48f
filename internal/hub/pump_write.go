package hub

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/stockwatch/feedgate/internal/monitoring"
)

// writePump drains the outbound queue to the socket and drives the
// server-side heartbeat. One goroutine per connection; it is the only
// writer of data frames, so frame interleaving is impossible.
//
// Writes go through a buffered writer and the queue is drained fully per
// wakeup, batching bursts into fewer syscalls.
func (s *Server) writePump(c *Conn) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.id,
	})

	writer := bufio.NewWriter(c.raw)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			if !s.drainQueue(c, writer) {
				s.closeConn(c, CloseNormal, "write error")
				return
			}

		case <-ticker.C:
			// Idle-state bookkeeping. The read deadline is the actual
			// enforcement; IdleWarning just makes a quiet peer visible in
			// diagnostics before the timeout fires.
			if c.State() == StateActive && c.idleFor() >= s.cfg.HeartbeatInterval {
				c.setState(StateIdleWarning)
			}

			c.writeMu.Lock()
			c.raw.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			err := wsutil.WriteServerMessage(c.raw, ws.OpPing, nil)
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to send ping")
				s.closeConn(c, CloseNormal, "ping write error")
				return
			}

		case <-c.done:
			return
		}
	}
}

// drainQueue writes everything queued, then flushes. Returns false on a
// write error. Holds the connection's write lock for the whole drain so
// a concurrent teardown cannot interleave its close frame mid-message;
// the lock is released before the caller reaches closeConn.
func (s *Server) drainQueue(c *Conn, writer *bufio.Writer) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wrote := false
	for {
		data, ok := c.out.pop()
		if !ok {
			break
		}

		c.raw.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		if err := wsutil.WriteServerMessage(writer, ws.OpText, data); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write message")
			return false
		}
		wrote = true

		atomic.AddInt64(&s.stats.MessagesSent, 1)
		monitoring.UpdateMessageMetrics(1, 0)
		monitoring.UpdateBytesMetrics(int64(len(data)), 0)
	}

	if wrote {
		if err := writer.Flush(); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to flush writer")
			return false
		}
	}
	return true
}
