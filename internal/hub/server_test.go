package hub

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/stockwatch/feedgate/internal/auth"
	"github.com/stockwatch/feedgate/internal/broker"
	"github.com/stockwatch/feedgate/internal/feed"
)

const testSecret = "hub-test-secret"

func newHubTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	verifier := auth.NewVerifier(testSecret, time.Hour)
	srv := NewServer(cfg, verifier, broker.NewMemoryBroker(), nil, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWebSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		srv.connLimiter.Stop()
	})
	return srv, ts
}

func testToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewVerifier(testSecret, time.Hour).Generate("user-1", "alice", "trader")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// wsClient is a minimal test client reading raw frames so server pings
// are observed but never answered automatically.
type wsClient struct {
	conn net.Conn
	r    io.Reader
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *wsClient {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, u)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{conn: conn, r: conn}
	if br != nil {
		c.r = br
	}
	return c
}

func (c *wsClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readText returns the payload of the next text frame, skipping pings.
func (c *wsClient) readText(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		frame, err := ws.ReadFrame(c.r)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch frame.Header.OpCode {
		case ws.OpText:
			return frame.Payload
		case ws.OpPing, ws.OpPong:
			continue
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(frame.Payload)
			t.Fatalf("connection closed: %d %q", code, reason)
		}
	}
}

func (c *wsClient) readEnvelope(t *testing.T, timeout time.Duration) *feed.Envelope {
	t.Helper()
	env, err := feed.ParseEnvelope(c.readText(t, timeout))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return env
}

// readClose skips frames until the close frame and returns its code.
func (c *wsClient) readClose(t *testing.T, timeout time.Duration) ws.StatusCode {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		frame, err := ws.ReadFrame(c.r)
		if err != nil {
			t.Fatalf("read frame waiting for close: %v", err)
		}
		if frame.Header.OpCode == ws.OpClose {
			code, _ := ws.ParseCloseFrameData(frame.Payload)
			return code
		}
	}
}

func errorCode(t *testing.T, env *feed.Envelope) string {
	t.Helper()
	if env.Type != feed.TypeError {
		t.Fatalf("envelope type = %s, want error", env.Type)
	}
	var payload feed.ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	return payload.Code
}

func readAck(t *testing.T, c *wsClient) string {
	t.Helper()
	var ack struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(c.readText(t, 2*time.Second), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != "ack" || ack.ConnectionID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	return ack.ConnectionID
}

func waitSubscribers(t *testing.T, srv *Server, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Registry().SubscriberCount(topic) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %s: subscriber count = %d, want %d", topic, srv.Registry().SubscriberCount(topic), want)
}

func TestHandshakeWithQueryToken(t *testing.T) {
	_, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)
}

func TestHandshakeWithAuthFrame(t *testing.T) {
	_, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, "")

	c.send(t, map[string]string{"action": "auth", "token": testToken(t)})
	readAck(t, c)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, "not-a-valid-token")

	if code := c.readClose(t, 2*time.Second); code != CloseAuthFailure {
		t.Fatalf("close code = %d, want %d", code, CloseAuthFailure)
	}
}

func TestAuthGraceTimeout(t *testing.T) {
	_, ts := newHubTestServer(t, Config{AuthGraceWindow: 150 * time.Millisecond})
	c := dialWS(t, ts, "")

	if code := c.readClose(t, 2*time.Second); code != CloseAuthFailure {
		t.Fatalf("close code = %d, want %d", code, CloseAuthFailure)
	}
}

func TestAuthGraceWindowIsAbsolute(t *testing.T) {
	window := 300 * time.Millisecond
	_, ts := newHubTestServer(t, Config{AuthGraceWindow: window})
	c := dialWS(t, ts, "")

	// Keep chattering without ever authenticating; the frames must not
	// push the auth deadline out.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(75 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				data, _ := json.Marshal(map[string]string{"action": "ping"})
				if err := wsutil.WriteClientText(c.conn, data); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	start := time.Now()
	code := c.readClose(t, 3*time.Second)
	if code != CloseAuthFailure {
		t.Fatalf("close code = %d, want %d", code, CloseAuthFailure)
	}
	if elapsed := time.Since(start); elapsed > 3*window {
		t.Fatalf("closed after %s, want roughly the %s window", elapsed, window)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	_, ts := newHubTestServer(t, Config{HeartbeatInterval: 100 * time.Millisecond})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	// One round trip arms the post-auth read deadline regardless of how
	// the handshake goroutines interleaved.
	c.send(t, map[string]string{"action": "ping"})
	if env := c.readEnvelope(t, 2*time.Second); env.Type != feed.TypePong {
		t.Fatalf("got %s, want pong", env.Type)
	}

	// Stay silent past two heartbeat intervals; pings go unanswered.
	if code := c.readClose(t, 2*time.Second); code != CloseHeartbeatTimeout {
		t.Fatalf("close code = %d, want %d", code, CloseHeartbeatTimeout)
	}
}

func TestSubscribeAndDeliver(t *testing.T) {
	srv, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	c.send(t, map[string]string{"action": "subscribe", "topic": "instrument:AAPL"})
	waitSubscribers(t, srv, "instrument:AAPL", 1)

	srv.Deliver("instrument:AAPL", &feed.Envelope{
		Type:      feed.TypePriceUpdate,
		Topic:     "instrument:AAPL",
		Sequence:  42,
		Timestamp: time.Now().UnixMilli(),
	})

	env := c.readEnvelope(t, 2*time.Second)
	if env.Type != feed.TypePriceUpdate || env.Topic != "instrument:AAPL" || env.Sequence != 42 {
		t.Fatalf("delivered envelope = %+v", env)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	c.send(t, map[string]string{"action": "subscribe", "topic": "instrument:AAPL"})
	waitSubscribers(t, srv, "instrument:AAPL", 1)

	c.send(t, map[string]string{"action": "unsubscribe", "topic": "instrument:AAPL"})
	waitSubscribers(t, srv, "instrument:AAPL", 0)

	srv.Deliver("instrument:AAPL", &feed.Envelope{
		Type:      feed.TypePriceUpdate,
		Topic:     "instrument:AAPL",
		Sequence:  1,
		Timestamp: time.Now().UnixMilli(),
	})

	// Nothing should arrive; a ping round trip proves the socket is alive
	// and the data frame was not merely delayed.
	c.send(t, map[string]string{"action": "ping"})
	if env := c.readEnvelope(t, 2*time.Second); env.Type != feed.TypePong {
		t.Fatalf("got %s envelope after unsubscribe, want pong", env.Type)
	}
}

func TestSubscribeRequiresAuth(t *testing.T) {
	_, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, "")

	c.send(t, map[string]string{"action": "subscribe", "topic": "instrument:AAPL"})

	env := c.readEnvelope(t, 2*time.Second)
	if code := errorCode(t, env); code != feed.ErrCodeAuthRequired {
		t.Fatalf("error code = %s, want %s", code, feed.ErrCodeAuthRequired)
	}
}

func TestSubscriptionLimit(t *testing.T) {
	srv, ts := newHubTestServer(t, Config{MaxSubscriptions: 1})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	c.send(t, map[string]string{"action": "subscribe", "topic": "instrument:AAPL"})
	waitSubscribers(t, srv, "instrument:AAPL", 1)

	c.send(t, map[string]string{"action": "subscribe", "topic": "instrument:MSFT"})
	env := c.readEnvelope(t, 2*time.Second)
	if code := errorCode(t, env); code != feed.ErrCodeSubscriptionLimit {
		t.Fatalf("error code = %s, want %s", code, feed.ErrCodeSubscriptionLimit)
	}
	if got := srv.Registry().SubscriberCount("instrument:MSFT"); got != 0 {
		t.Fatal("rejected subscription registered anyway")
	}
}

func TestUnknownTopicError(t *testing.T) {
	_, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	c.send(t, map[string]string{"action": "subscribe", "topic": "index:SPX"})
	env := c.readEnvelope(t, 2*time.Second)
	if code := errorCode(t, env); code != feed.ErrCodeUnknownTopic {
		t.Fatalf("error code = %s, want %s", code, feed.ErrCodeUnknownTopic)
	}
}

func TestPingPong(t *testing.T) {
	_, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	c.send(t, map[string]string{"action": "ping"})
	if env := c.readEnvelope(t, 2*time.Second); env.Type != feed.TypePong {
		t.Fatalf("got %s, want pong", env.Type)
	}
}

func TestMalformedFrameGetsError(t *testing.T) {
	_, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	if err := wsutil.WriteClientText(c.conn, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	env := c.readEnvelope(t, 2*time.Second)
	if code := errorCode(t, env); code != feed.ErrCodeMalformedMessage {
		t.Fatalf("error code = %s, want %s", code, feed.ErrCodeMalformedMessage)
	}

	// The connection survives a single bad frame.
	c.send(t, map[string]string{"action": "ping"})
	if env := c.readEnvelope(t, 2*time.Second); env.Type != feed.TypePong {
		t.Fatalf("got %s after malformed frame, want pong", env.Type)
	}
}

func TestRepeatedMalformedCloses(t *testing.T) {
	_, ts := newHubTestServer(t, Config{MalformedLimit: 2})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	if err := wsutil.WriteClientText(c.conn, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	env := c.readEnvelope(t, 2*time.Second)
	if code := errorCode(t, env); code != feed.ErrCodeMalformedMessage {
		t.Fatalf("error code = %s, want %s", code, feed.ErrCodeMalformedMessage)
	}

	if err := wsutil.WriteClientText(c.conn, []byte("also broken")); err != nil {
		t.Fatal(err)
	}

	// Second strike closes the connection with a policy violation. The
	// error envelope for the final frame may or may not make it out before
	// the socket drops.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frame, err := ws.ReadFrame(c.r)
		if err != nil {
			return // socket torn down, acceptable
		}
		if frame.Header.OpCode == ws.OpClose {
			code, _ := ws.ParseCloseFrameData(frame.Payload)
			if code != ClosePolicyViolation {
				t.Fatalf("close code = %d, want %d", code, ClosePolicyViolation)
			}
			return
		}
	}
}

func TestCapacityRejection(t *testing.T) {
	_, ts := newHubTestServer(t, Config{MaxConnections: 1})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCloseFrameCleanUnderDeliveryLoad(t *testing.T) {
	srv, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	id := readAck(t, c)

	c.send(t, map[string]string{"action": "subscribe", "topic": "instrument:AAPL"})
	waitSubscribers(t, srv, "instrument:AAPL", 1)

	conn, ok := srv.lookupConn(id)
	if !ok {
		t.Fatal("connection not found")
	}

	// Hammer deliveries while teardown runs; every frame on the wire must
	// still parse, ending with an intact close frame.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seq := int64(0)
		for {
			select {
			case <-stop:
				return
			default:
				seq++
				srv.Deliver("instrument:AAPL", &feed.Envelope{
					Type:      feed.TypePriceUpdate,
					Topic:     "instrument:AAPL",
					Sequence:  seq,
					Timestamp: seq,
				})
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	srv.closeConn(conn, CloseNormal, "server_shutdown")
	close(stop)
	wg.Wait()

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frame, err := ws.ReadFrame(c.r)
		if err != nil {
			t.Fatalf("corrupted frame stream before close frame: %v", err)
		}
		if frame.Header.OpCode == ws.OpClose {
			code, _ := ws.ParseCloseFrameData(frame.Payload)
			if code != CloseNormal {
				t.Fatalf("close code = %d, want %d", code, CloseNormal)
			}
			return
		}
		if frame.Header.OpCode == ws.OpText {
			if _, err := feed.ParseEnvelope(frame.Payload); err != nil {
				t.Fatalf("unparseable data frame: %v", err)
			}
		}
	}
}

func TestReconnectGetsFreshIdentity(t *testing.T) {
	srv, ts := newHubTestServer(t, Config{})

	c1 := dialWS(t, ts, testToken(t))
	id1 := readAck(t, c1)
	c1.send(t, map[string]string{"action": "subscribe", "topic": "instrument:AAPL"})
	waitSubscribers(t, srv, "instrument:AAPL", 1)
	c1.conn.Close()
	waitSubscribers(t, srv, "instrument:AAPL", 0)

	// Reconnect: new id, no inherited subscriptions.
	c2 := dialWS(t, ts, testToken(t))
	id2 := readAck(t, c2)
	if id1 == id2 {
		t.Fatal("reconnect reused the previous connection id")
	}
	if got := srv.Registry().Count(id2); got != 0 {
		t.Fatalf("fresh connection has %d subscriptions, want 0", got)
	}
}

func TestDisconnectCleansRegistry(t *testing.T) {
	srv, ts := newHubTestServer(t, Config{})
	c := dialWS(t, ts, testToken(t))
	readAck(t, c)

	c.send(t, map[string]string{"action": "subscribe", "topic": "instrument:AAPL"})
	waitSubscribers(t, srv, "instrument:AAPL", 1)

	c.conn.Close()
	waitSubscribers(t, srv, "instrument:AAPL", 0)
}
