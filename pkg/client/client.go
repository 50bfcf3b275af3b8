// Package client implements a minimal hpfeeds client: TCP (optionally
// TLS) connection, challenge/response authentication, publish, and
// subscribe.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dantte-lp/gohpfeeds/internal/wire"
)

// ErrUnexpectedFrame indicates the broker sent something other than the
// expected frame during the handshake.
var ErrUnexpectedFrame = errors.New("unexpected frame from broker")

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Client parameters.
type Option func(*Client)

// WithTLSConfig dials the broker through a client-side TLS handshake.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client is a connected, authenticated hpfeeds session. It is not safe
// for concurrent use; callers that need concurrent publish and receive
// should open two connections, which is the conventional hpfeeds
// deployment shape.
type Client struct {
	conn      net.Conn
	dec       *wire.Decoder
	ident     string
	tlsConfig *tls.Config

	// brokerName is the identity string from the broker's Info frame.
	brokerName string
}

// Message is one Publish delivery received from the broker. The ident
// is the authenticated identity of the original publisher.
type Message struct {
	Ident   string
	Channel string
	Payload []byte
}

// Dial connects to the broker at addr and completes the hpfeeds
// handshake as ident. The broker sends no acknowledgement on success;
// an authentication failure surfaces as a closed connection on the
// first subsequent read or write.
func Dial(ctx context.Context, addr, ident, secret string, opts ...Option) (*Client, error) {
	c := &Client{ident: ident}
	for _, opt := range opts {
		opt(c)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if c.tlsConfig != nil {
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	c.conn = conn
	c.dec = wire.NewDecoder(conn)

	// The handshake reads from the socket directly, so the context
	// deadline has to be applied as an I/O deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := c.handshake(secret); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return c, nil
}

// handshake reads the Info challenge and answers with the Auth proof.
func (c *Client) handshake(secret string) error {
	frame, err := c.dec.ReadFrame()
	if err != nil {
		return fmt.Errorf("read Info frame: %w", err)
	}
	info, ok := frame.(wire.InfoFrame)
	if !ok {
		return fmt.Errorf("handshake: got %s: %w", frame.Op(), ErrUnexpectedFrame)
	}
	c.brokerName = info.Name

	return c.send(wire.AuthFrame{
		Ident:      c.ident,
		SecretHash: wire.HashSecret(info.Rand, secret),
	})
}

// BrokerName returns the identity string the broker announced.
func (c *Client) BrokerName() string {
	return c.brokerName
}

// Subscribe registers interest in channel.
func (c *Client) Subscribe(channel string) error {
	return c.send(wire.SubscribeFrame{Ident: c.ident, Channel: channel})
}

// Unsubscribe withdraws interest in channel.
func (c *Client) Unsubscribe(channel string) error {
	return c.send(wire.UnsubscribeFrame{Ident: c.ident, Channel: channel})
}

// Publish sends payload to channel.
func (c *Client) Publish(channel string, payload []byte) error {
	return c.send(wire.PublishFrame{Ident: c.ident, Channel: channel, Payload: payload})
}

// ReadMessage blocks until the next Publish delivery. Error frames from
// the broker are returned as errors; any other frame type is skipped.
// The payload is copied out of the decoder's buffer and safe to retain.
func (c *Client) ReadMessage() (*Message, error) {
	for {
		frame, err := c.dec.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}

		switch f := frame.(type) {
		case wire.PublishFrame:
			payload := make([]byte, len(f.Payload))
			copy(payload, f.Payload)
			return &Message{
				Ident:   f.Ident,
				Channel: f.Channel,
				Payload: payload,
			}, nil
		case wire.ErrorFrame:
			return nil, fmt.Errorf("broker error: %s", f.Message)
		default:
			// Brokers only push Publish and Error after the handshake.
		}
	}
}

// SetReadDeadline sets the deadline for future reads on the underlying
// connection.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// send encodes and writes one frame.
func (c *Client) send(f wire.Frame) error {
	raw, err := wire.EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Op(), err)
	}
	if _, err := c.conn.Write(raw); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Op(), err)
	}
	return nil
}
