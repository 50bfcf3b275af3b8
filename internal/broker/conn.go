package broker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/dantte-lp/gohpfeeds/internal/auth"
	brokermetrics "github.com/dantte-lp/gohpfeeds/internal/metrics"
	"github.com/dantte-lp/gohpfeeds/internal/wire"
)

// batchLimit bounds how many pending deliveries are coalesced into one
// socket write per wakeup. The cap keeps a firehose channel from
// starving the connection's inbound processing.
const batchLimit = 128

// ErrBadHandshake indicates the client's first frame was not Auth, or
// the proof was rejected.
var ErrBadHandshake = errors.New("handshake failed")

// -------------------------------------------------------------------------
// connHandler — per-socket state machine
// -------------------------------------------------------------------------

// connHandler owns one client socket from accept to close. Lifecycle:
// send the Info challenge, verify exactly one Auth frame, then serve
// inbound frames and outbound broadcast deliveries until the socket
// dies or a framing error occurs. All per-connection state is owned by
// the handler; only the registry, authenticator, and metrics handle are
// shared.
type connHandler struct {
	conn          net.Conn
	dec           *wire.Decoder
	name          string
	authenticator auth.Authenticator
	registry      *Registry
	metrics       *brokermetrics.Collector
	logger        *slog.Logger

	access *auth.AccessContext

	// streams maps subscribed channel names to their broadcast
	// receivers. The read loop mutates it (Subscribe/Unsubscribe); the
	// write loop iterates it; both under mu.
	mu      sync.Mutex
	streams map[string]*Receiver

	// wake is shared by every receiver of this connection: capacity 1,
	// a pending signal covers any number of new messages.
	wake chan struct{}
}

func newConnHandler(
	conn net.Conn,
	name string,
	authenticator auth.Authenticator,
	registry *Registry,
	metrics *brokermetrics.Collector,
	logger *slog.Logger,
) *connHandler {
	return &connHandler{
		conn:          conn,
		dec:           wire.NewDecoder(conn),
		name:          name,
		authenticator: authenticator,
		registry:      registry,
		metrics:       metrics,
		logger:        logger,
		streams:       make(map[string]*Receiver),
		wake:          make(chan struct{}, 1),
	}
}

// run drives the connection to completion. It returns when the socket
// is closed (either end) or a fatal error occurred; all broadcast
// receivers are released before it returns.
func (h *connHandler) run(ctx context.Context) {
	defer h.teardown()

	// Server shutdown closes the socket, which unblocks both loops.
	stop := context.AfterFunc(ctx, func() {
		_ = h.conn.Close()
	})
	defer stop()

	if err := h.handshake(ctx); err != nil {
		h.logger.Debug("handshake aborted", slog.String("error", err.Error()))
		return
	}

	h.logger.Debug("client authenticated", slog.String("ident", h.access.Ident))
	h.serve(ctx)
}

// teardown closes the socket and detaches every broadcast receiver.
// The registry's senders stay in place with one fewer reader each.
func (h *connHandler) teardown() {
	_ = h.conn.Close()

	h.mu.Lock()
	for _, r := range h.streams {
		r.Close()
	}
	h.streams = nil
	h.mu.Unlock()
}

// -------------------------------------------------------------------------
// Handshake — AwaitAuth state
// -------------------------------------------------------------------------

// handshake sends the Info challenge and verifies the client's Auth
// response. Any deviation -- wrong first opcode, framing error, bad
// proof -- is fatal; no error frame is sent, the connection just closes.
func (h *connHandler) handshake(ctx context.Context) error {
	nonce := make([]byte, wire.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate challenge nonce: %w", err)
	}

	info, err := wire.EncodeFrame(wire.InfoFrame{Name: h.name, Rand: nonce})
	if err != nil {
		return fmt.Errorf("encode Info frame: %w", err)
	}
	if _, err := h.conn.Write(info); err != nil {
		return fmt.Errorf("send Info frame: %w", err)
	}

	frame, err := h.dec.ReadFrame()
	if err != nil {
		return fmt.Errorf("read Auth frame: %w", err)
	}
	authFrame, ok := frame.(wire.AuthFrame)
	if !ok {
		return fmt.Errorf("first frame is %s: %w", frame.Op(), ErrBadHandshake)
	}

	access, err := h.authenticator.Authenticate(ctx, authFrame.Ident, authFrame.SecretHash, nonce)
	if err != nil {
		h.metrics.AuthFail.Inc()
		return fmt.Errorf("authenticate %q: %w", authFrame.Ident, err)
	}
	if access == nil {
		h.metrics.AuthFail.Inc()
		h.logger.Info("authentication rejected", slog.String("ident", authFrame.Ident))
		return fmt.Errorf("ident %q: %w", authFrame.Ident, ErrBadHandshake)
	}

	h.metrics.AuthSuccess.Inc()
	h.access = access
	return nil
}

// -------------------------------------------------------------------------
// Serving loop
// -------------------------------------------------------------------------

// serve multiplexes inbound frames and outbound broadcast deliveries.
// The read loop runs in this goroutine; the write loop runs in its own.
// Either loop failing closes the socket, which unblocks the other.
func (h *connHandler) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx)
		// A writer error must also abort the read loop.
		_ = h.conn.Close()
	}()

	h.readLoop()

	cancel()
	<-writerDone
}

// readLoop dispatches inbound frames until the stream ends or a framing
// error occurs. Framing errors are fatal by design: the stream position
// is untrustworthy afterwards.
func (h *connHandler) readLoop() {
	for {
		frame, err := h.dec.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("closing connection", slog.String("error", err.Error()))
			}
			return
		}

		switch f := frame.(type) {
		case wire.SubscribeFrame:
			h.handleSubscribe(f.Channel)
		case wire.UnsubscribeFrame:
			h.handleUnsubscribe(f.Channel)
		case wire.PublishFrame:
			h.handlePublish(f.Channel, f.Payload)
		default:
			// Info, Auth, and Error from an authed client are ignored.
		}
	}
}

// handleSubscribe attaches a broadcast receiver for channel.
// Disallowed channels are ignored silently -- the subscriber is not told
// -- and duplicate subscriptions are no-ops.
func (h *connHandler) handleSubscribe(channel string) {
	if !h.access.CanSubscribe(channel) {
		h.logger.Debug("subscribe denied",
			slog.String("ident", h.access.Ident),
			slog.String("channel", channel),
		)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.streams == nil {
		return
	}
	if _, ok := h.streams[channel]; ok {
		return
	}
	h.streams[channel] = h.registry.Sender(channel).Subscribe(h.wake)
}

// handleUnsubscribe drops the channel's receiver. The channel's sender
// stays in the registry.
func (h *connHandler) handleUnsubscribe(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.streams[channel]; ok {
		r.Close()
		delete(h.streams, channel)
	}
}

// handlePublish forwards an authorized publish to the channel's sender.
// The outbound frame carries the authenticated ident, never the ident
// the publisher claimed on the wire, and is encoded exactly once: the
// encoded bytes are shared by reference among all receivers.
func (h *connHandler) handlePublish(channel string, payload []byte) {
	if !h.access.CanPublish(channel) {
		h.logger.Debug("publish denied",
			slog.String("ident", h.access.Ident),
			slog.String("channel", channel),
		)
		return
	}

	h.metrics.Published.Inc()

	sender, ok := h.registry.Lookup(channel)
	if !ok {
		// Nobody has ever subscribed: drop.
		return
	}

	encoded, err := wire.EncodeFrame(wire.PublishFrame{
		Ident:   h.access.Ident,
		Channel: channel,
		Payload: payload,
	})
	if err != nil {
		h.logger.Warn("drop unencodable publish",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	sender.Send(encoded)
}

// writeLoop waits for delivery wakeups and flushes pending broadcast
// messages to the socket.
func (h *connHandler) writeLoop(ctx context.Context) {
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			var err error
			if buf, err = h.flush(buf[:0]); err != nil {
				h.logger.Debug("write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// flush drains ready messages across all subscribed channels into buf
// and issues a single socket write. The drain is bounded by batchLimit
// per wakeup for fairness with inbound processing; if the batch was cut
// short, the wakeup is re-armed so the remainder is picked up
// immediately. Lag signals are counted and skipped -- a lagging
// subscriber keeps its connection.
func (h *connHandler) flush(buf []byte) ([]byte, error) {
	h.mu.Lock()
	count := 0
	more := false
	for _, r := range h.streams {
		for count < batchLimit {
			msg, lagged, ok := r.TryRecv()
			if !ok {
				break
			}
			if lagged > 0 {
				h.metrics.Lagged.Add(float64(lagged))
				continue
			}
			buf = append(buf, msg...)
			h.metrics.Delivered.Inc()
			count++
		}
		if count >= batchLimit {
			more = true
			break
		}
	}
	h.mu.Unlock()

	if more {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}

	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := h.conn.Write(buf); err != nil {
		return buf, fmt.Errorf("write %d bytes: %w", len(buf), err)
	}
	return buf, nil
}
