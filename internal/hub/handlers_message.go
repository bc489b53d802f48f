package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stockwatch/feedgate/internal/feed"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

// clientRequest is the single control-frame shape clients send. Action
// discriminates; unused fields stay empty.
type clientRequest struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
	Topic  string `json:"topic,omitempty"`
}

// handleFrame dispatches one inbound text frame.
//
// Malformed frames get an error envelope rather than a disconnect - a
// buggy client iterating its message types should see its mistakes, not
// a dropped session. Persistently malformed traffic is a different story
// and closes the connection after MalformedLimit strikes.
func (s *Server) handleFrame(c *Conn, data []byte) {
	var req clientRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
		s.malformed(c, "invalid JSON control frame")
		return
	}

	switch req.Action {
	case "auth":
		if c.authenticated() {
			// Re-auth on a live connection is not a thing; ignore.
			return
		}
		s.authenticate(c, req.Token)

	case "subscribe":
		if !s.requireAuth(c) {
			return
		}
		s.handleSubscribe(c, req.Topic)

	case "unsubscribe":
		if !s.requireAuth(c) {
			return
		}
		s.handleUnsubscribe(c, req.Topic)

	case "ping":
		if !s.requireAuth(c) {
			return
		}
		c.enqueueEnvelope(&feed.Envelope{
			Type:      feed.TypePong,
			Timestamp: time.Now().UnixMilli(),
		})

	default:
		s.malformed(c, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// requireAuth rejects control frames that arrive before the handshake
// completed. The read deadline set at upgrade enforces the grace window;
// here we only answer the premature frame.
func (s *Server) requireAuth(c *Conn) bool {
	if c.authenticated() {
		return true
	}
	c.sendError(feed.ErrCodeAuthRequired, "authenticate before sending requests")
	return false
}

func (s *Server) handleSubscribe(c *Conn, topic string) {
	t, err := feed.ParseTopic(topic)
	if err != nil {
		c.sendError(feed.ErrCodeUnknownTopic, fmt.Sprintf("unknown topic %q", topic))
		return
	}

	if err := s.registry.Subscribe(c.id, t.String()); err != nil {
		if errors.Is(err, ErrSubscriptionLimit) {
			c.capViolations++
			c.sendError(feed.ErrCodeSubscriptionLimit,
				fmt.Sprintf("subscription limit of %d reached", s.cfg.MaxSubscriptions))

			// A client that keeps slamming into the cap is broken or
			// hostile; cut it loose with the dedicated close code.
			if c.capViolations >= s.cfg.CapViolationLimit {
				s.closeConn(c, CloseSubscriptionLimit, "repeated subscription limit violations")
			}
			return
		}
		// Registry already retired this id: the connection is closing.
		return
	}

	monitoring.SubscriptionsCurrent.Inc()
	s.logger.Debug().
		Str("conn_id", c.id).
		Str("topic", t.String()).
		Int("subscriptions", s.registry.Count(c.id)).
		Msg("Subscribed")
}

func (s *Server) handleUnsubscribe(c *Conn, topic string) {
	t, err := feed.ParseTopic(topic)
	if err != nil {
		c.sendError(feed.ErrCodeUnknownTopic, fmt.Sprintf("unknown topic %q", topic))
		return
	}

	if s.registry.Unsubscribe(c.id, t.String()) {
		monitoring.SubscriptionsCurrent.Dec()
		s.logger.Debug().
			Str("conn_id", c.id).
			Str("topic", t.String()).
			Msg("Unsubscribed")
	}
}

// malformed answers one bad frame and tracks repeat offenders.
func (s *Server) malformed(c *Conn, detail string) {
	c.malformedCount++
	c.sendError(feed.ErrCodeMalformedMessage, detail)

	if c.malformedCount >= s.cfg.MalformedLimit {
		s.logger.Warn().
			Str("conn_id", c.id).
			Int("malformed_count", c.malformedCount).
			Msg("Closing connection after repeated malformed frames")
		s.closeConn(c, ClosePolicyViolation, "repeated malformed frames")
	}
}
