package broker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dantte-lp/gohpfeeds/internal/auth"
	"github.com/dantte-lp/gohpfeeds/internal/broker"
	brokermetrics "github.com/dantte-lp/gohpfeeds/internal/metrics"
	"github.com/dantte-lp/gohpfeeds/internal/wire"
	"github.com/dantte-lp/gohpfeeds/pkg/client"
)

const waitTimeout = 5 * time.Second

// testBroker bundles a running broker with its metrics for assertions.
type testBroker struct {
	addr    string
	srv     *broker.Server
	metrics *brokermetrics.Collector
}

// startBroker runs a broker on a loopback port and tears it down with
// the test.
func startBroker(t *testing.T, authenticator auth.Authenticator, cfg broker.Config) *testBroker {
	t.Helper()

	collector := brokermetrics.NewCollector(prometheus.NewRegistry())
	srv := broker.NewServer(cfg, authenticator, collector, slog.New(slog.DiscardHandler))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx, ln); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("broker did not stop within timeout")
		}
	})

	return &testBroker{
		addr:    ln.Addr().String(),
		srv:     srv,
		metrics: collector,
	}
}

// defaultAuth returns a memory authenticator with user "u"/"s3cret"
// granted */*.
func defaultAuth() *auth.MemoryAuthenticator {
	m := auth.NewMemoryAuthenticator()
	m.Add("u", "s3cret")
	return m
}

// dial connects and authenticates a test client.
func dial(t *testing.T, b *testBroker, ident, secret string) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	c, err := client.Dial(ctx, b.addr, ident, secret)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitSubscribers blocks until channel has n live receivers.
func waitSubscribers(t *testing.T, b *testBroker, channel string, n int) {
	t.Helper()
	waitFor(t, "subscriber registration", func() bool {
		return b.srv.Registry().Subscribers(channel) == n
	})
}

// counterValue reads a prometheus counter.
func counterValue(c prometheus.Counter) float64 {
	return testutil.ToFloat64(c)
}

// expectNoMessage asserts that no Publish frame arrives within d.
func expectNoMessage(t *testing.T, c *client.Client, d time.Duration) {
	t.Helper()

	if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	msg, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected read timeout, got: %v", err)
	}
	_ = c.SetReadDeadline(time.Time{})
}

// -------------------------------------------------------------------------
// TestHandshake — Info/Auth exchange and the auth counters
// -------------------------------------------------------------------------

func TestHandshake(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	c := dial(t, b, "u", "s3cret")
	if c.BrokerName() != broker.DefaultBrokerName {
		t.Errorf("broker name: got %q, want %q", c.BrokerName(), broker.DefaultBrokerName)
	}

	// No reply on success -- the connection is simply usable.
	if err := c.Subscribe("chX"); err != nil {
		t.Fatalf("Subscribe after handshake: %v", err)
	}
	waitSubscribers(t, b, "chX", 1)

	if got := counterValue(b.metrics.AuthSuccess); got != 1 {
		t.Errorf("auth_success_total: got %v, want 1", got)
	}
	if got := counterValue(b.metrics.AuthFail); got != 0 {
		t.Errorf("auth_fail_total: got %v, want 0", got)
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	// Dial succeeds (the broker does not reply to Auth), but the next
	// read observes the close.
	c, err := client.Dial(ctx, b.addr, "u", "wrong-secret")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("expected disconnect after failed auth")
	}

	waitFor(t, "auth_fail counter", func() bool {
		return counterValue(b.metrics.AuthFail) == 1
	})
}

// -------------------------------------------------------------------------
// TestFanOut — one publisher, two subscribers, authenticated ident
// -------------------------------------------------------------------------

func TestFanOut(t *testing.T) {
	authr := defaultAuth()
	authr.Add("pub", "pubsecret")
	b := startBroker(t, authr, broker.Config{})

	sub1 := dial(t, b, "u", "s3cret")
	sub2 := dial(t, b, "u", "s3cret")
	for _, c := range []*client.Client{sub1, sub2} {
		if err := c.Subscribe("chX"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	waitSubscribers(t, b, "chX", 2)

	pub := dial(t, b, "pub", "pubsecret")
	if err := pub.Publish("chX", []byte("one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, c := range []*client.Client{sub1, sub2} {
		_ = c.SetReadDeadline(time.Now().Add(waitTimeout))
		msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("subscriber %d: ReadMessage: %v", i+1, err)
		}
		if msg.Channel != "chX" || !bytes.Equal(msg.Payload, []byte("one")) {
			t.Errorf("subscriber %d: got %+v", i+1, msg)
		}
		// The ident is the publisher's authenticated identity, not
		// whatever it claimed on the wire.
		if msg.Ident != "pub" {
			t.Errorf("subscriber %d: ident got %q, want %q", i+1, msg.Ident, "pub")
		}
	}

	waitFor(t, "delivery counters", func() bool {
		return counterValue(b.metrics.Published) == 1 && counterValue(b.metrics.Delivered) == 2
	})
}

// -------------------------------------------------------------------------
// TestUnsubscribe — withdrawn subscriber stops receiving
// -------------------------------------------------------------------------

func TestUnsubscribe(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	sub1 := dial(t, b, "u", "s3cret")
	sub2 := dial(t, b, "u", "s3cret")
	for _, c := range []*client.Client{sub1, sub2} {
		if err := c.Subscribe("chX"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	waitSubscribers(t, b, "chX", 2)

	if err := sub2.Unsubscribe("chX"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitSubscribers(t, b, "chX", 1)

	pub := dial(t, b, "u", "s3cret")
	if err := pub.Publish("chX", []byte("two")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	_ = sub1.SetReadDeadline(time.Now().Add(waitTimeout))
	msg, err := sub1.ReadMessage()
	if err != nil {
		t.Fatalf("subscriber 1: %v", err)
	}
	if !bytes.Equal(msg.Payload, []byte("two")) {
		t.Errorf("subscriber 1: payload got %q", msg.Payload)
	}

	expectNoMessage(t, sub2, 200*time.Millisecond)
}

// -------------------------------------------------------------------------
// TestAuthorization — disallowed publish/subscribe are silent no-ops
// -------------------------------------------------------------------------

func TestAuthorization(t *testing.T) {
	authr := auth.NewMemoryAuthenticator()
	authr.AddUser("reader", "rs", nil, []string{"chX"})
	authr.AddUser("writer", "ws", []string{"chX"}, nil)
	b := startBroker(t, authr, broker.Config{})

	reader := dial(t, b, "reader", "rs")
	if err := reader.Subscribe("chX"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitSubscribers(t, b, "chX", 1)

	// A subscribe outside the allow-list is ignored without an error
	// frame and without closing the connection.
	if err := reader.Subscribe("forbidden"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	writer := dial(t, b, "writer", "ws")

	// The writer may not publish outside its allow-list; nothing is
	// delivered and published_total does not move.
	if err := writer.Publish("chX2", []byte("nope")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// The writer may not subscribe at all; reader may not publish.
	if err := writer.Subscribe("chX"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := reader.Publish("chX", []byte("nope")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// An authorized publish still flows end to end.
	if err := writer.Publish("chX", []byte("yes")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	_ = reader.SetReadDeadline(time.Now().Add(waitTimeout))
	msg, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(msg.Payload, []byte("yes")) || msg.Ident != "writer" {
		t.Errorf("got %+v, want payload yes from writer", msg)
	}

	expectNoMessage(t, reader, 200*time.Millisecond)

	if got := counterValue(b.metrics.Published); got != 1 {
		t.Errorf("published_total: got %v, want 1", got)
	}
	if got := b.srv.Registry().Subscribers("chX"); got != 1 {
		t.Errorf("chX subscribers: got %d, want 1 (denied subscribe attached)", got)
	}
}

// -------------------------------------------------------------------------
// TestPublishWithoutSubscribersIsDropped
// -------------------------------------------------------------------------

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	pub := dial(t, b, "u", "s3cret")
	if err := pub.Publish("empty", []byte("void")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Accepted (counted) but not delivered anywhere; the connection
	// stays healthy.
	waitFor(t, "published counter", func() bool {
		return counterValue(b.metrics.Published) == 1
	})
	if err := pub.Publish("empty", []byte("again")); err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if got := counterValue(b.metrics.Delivered); got != 0 {
		t.Errorf("delivered_total: got %v, want 0", got)
	}
}

// -------------------------------------------------------------------------
// Robustness — malformed input closes the connection
// -------------------------------------------------------------------------

// rawConn dials without the client wrapper and consumes the Info frame.
func rawConn(t *testing.T, b *testBroker) (net.Conn, []byte) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", b.addr, waitTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	frame, err := wire.NewDecoder(conn).ReadFrame()
	if err != nil {
		t.Fatalf("read Info: %v", err)
	}
	info, ok := frame.(wire.InfoFrame)
	if !ok {
		t.Fatalf("first frame: got %s, want Info", frame.Op())
	}
	nonce := make([]byte, len(info.Rand))
	copy(nonce, info.Rand)
	return conn, nonce
}

// expectDisconnect asserts the peer closes conn within the timeout.
func expectDisconnect(t *testing.T, conn net.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("broker did not close the connection")
			}
			return // RST and friends also count as disconnect
		}
	}
}

// authRaw completes the handshake on a raw connection.
func authRaw(t *testing.T, conn net.Conn, nonce []byte, ident, secret string) {
	t.Helper()

	raw, err := wire.EncodeFrame(wire.AuthFrame{
		Ident:      ident,
		SecretHash: wire.HashSecret(nonce, secret),
	})
	if err != nil {
		t.Fatalf("encode Auth: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write Auth: %v", err)
	}
}

func TestOversizePublishClosesConnection(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	conn, nonce := rawConn(t, b)
	authRaw(t, conn, nonce, "u", "s3cret")

	// Header of a Publish frame claiming MAXBUF+100 total bytes.
	hdr := []byte{0, 0x10, 0x00, 0x64, 3}
	if _, err := conn.Write(hdr); err != nil {
		t.Fatalf("write oversize header: %v", err)
	}
	expectDisconnect(t, conn)
}

func TestBadOpcodeClosesConnection(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	conn, _ := rawConn(t, b)
	if _, err := conn.Write([]byte{0x00, 0x00, 0x00, 0x05, 0xFF}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectDisconnect(t, conn)
}

func TestMalformedCountedStringClosesConnection(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	conn, _ := rawConn(t, b)
	// length=7, opcode=2 (Auth), claimed ident-len=200, one byte 'A'.
	if _, err := conn.Write([]byte{0x00, 0x00, 0x00, 0x07, 0x02, 0xC8, 0x41}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectDisconnect(t, conn)
}

func TestPublishBeforeAuthClosesConnection(t *testing.T) {
	b := startBroker(t, defaultAuth(), broker.Config{})

	conn, _ := rawConn(t, b)
	raw, err := wire.EncodeFrame(wire.PublishFrame{Ident: "u", Channel: "chX", Payload: []byte("sneak")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectDisconnect(t, conn)

	if got := counterValue(b.metrics.Published); got != 0 {
		t.Errorf("published_total: got %v, want 0", got)
	}
}

// -------------------------------------------------------------------------
// TestSlowConsumerLag — a stuck subscriber loses oldest messages but
// keeps its connection; fast peers are unaffected
// -------------------------------------------------------------------------

func TestSlowConsumerLag(t *testing.T) {
	const capacity = 16
	const total = 200
	const payloadSize = 16 * 1024

	b := startBroker(t, defaultAuth(), broker.Config{ChannelCapacity: capacity})

	// The slow subscriber authenticates and subscribes, then stops
	// reading for the duration of the burst.
	slow, slowNonce := rawConn(t, b)
	authRaw(t, slow, slowNonce, "u", "s3cret")
	rawSub, err := wire.EncodeFrame(wire.SubscribeFrame{Ident: "u", Channel: "chL"})
	if err != nil {
		t.Fatalf("encode Subscribe: %v", err)
	}
	if _, err := slow.Write(rawSub); err != nil {
		t.Fatalf("write Subscribe: %v", err)
	}

	fast := dial(t, b, "u", "s3cret")
	if err := fast.Subscribe("chL"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitSubscribers(t, b, "chL", 2)

	pub := dial(t, b, "u", "s3cret")

	// Push far more bytes than the slow connection's socket buffers can
	// absorb: its write loop stalls, the ring wraps, and the overwritten
	// messages are dropped. The fast subscriber keeps reading and must
	// see every message.
	payload := bytes.Repeat([]byte{0xEE}, payloadSize)
	pubDone := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			if err := pub.Publish("chL", payload); err != nil {
				pubDone <- err
				return
			}
		}
		pubDone <- nil
	}()

	for range total {
		_ = fast.SetReadDeadline(time.Now().Add(waitTimeout))
		msg, err := fast.ReadMessage()
		if err != nil {
			t.Fatalf("fast subscriber: %v", err)
		}
		if len(msg.Payload) != payloadSize {
			t.Fatalf("fast subscriber payload: got %d bytes, want %d", len(msg.Payload), payloadSize)
		}
	}
	if err := <-pubDone; err != nil {
		t.Fatalf("publisher: %v", err)
	}

	// Now drain the slow connection until the stream goes quiet. The
	// broker's write loop unblocks, skips the overwritten entries, and
	// records the gap.
	dec := wire.NewDecoder(slow)
	received := 0
	for {
		_ = slow.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		frame, err := dec.ReadFrame()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break // quiet and still connected
			}
			t.Fatalf("slow subscriber closed instead of lagging: %v", err)
		}
		if frame.Op() == wire.OpPublish {
			received++
		}
	}

	if received >= total {
		t.Fatalf("slow subscriber received all %d messages; expected drops", received)
	}

	waitFor(t, "lagged counter", func() bool {
		return counterValue(b.metrics.Lagged) > 0
	})
	if got := counterValue(b.metrics.Lagged); got+float64(received) != total {
		t.Errorf("lagged(%v) + received(%d) != total(%d)", got, received, total)
	}
}
