package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dantte-lp/gohpfeeds/internal/auth"
	brokermetrics "github.com/dantte-lp/gohpfeeds/internal/metrics"
)

// acceptRetryDelay is the pause after a transient accept error before
// the loop retries. Keeps a hot error (e.g. fd exhaustion) from
// spinning the accept goroutine.
const acceptRetryDelay = 100 * time.Millisecond

// DefaultBrokerName is the identity string sent in the Info greeting
// when Config.Name is empty.
const DefaultBrokerName = "gohpfeeds"

// -------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------

// Config holds the broker listener configuration.
type Config struct {
	// Addr is the TCP listen address, e.g. "127.0.0.1:10000".
	Addr string

	// Name is the broker identity sent in the Info greeting.
	// Defaults to DefaultBrokerName.
	Name string

	// TLS, when non-nil, wraps every accepted socket in a server-side
	// TLS handshake before the protocol handshake.
	TLS *tls.Config

	// ChannelCapacity is the per-subscriber queue depth for broadcast
	// senders. Zero selects DefaultChannelCapacity.
	ChannelCapacity int
}

// -------------------------------------------------------------------------
// Server — listener and accept loop
// -------------------------------------------------------------------------

// Server accepts client connections and runs one handler per socket.
// All handlers share the authenticator, the subscriber registry, and
// the metrics handle; everything else is per-connection.
type Server struct {
	cfg           Config
	authenticator auth.Authenticator
	registry      *Registry
	metrics       *brokermetrics.Collector
	logger        *slog.Logger

	wg sync.WaitGroup
}

// NewServer creates a Server. The registry is created here and shared
// by every connection for the server's lifetime.
func NewServer(
	cfg Config,
	authenticator auth.Authenticator,
	metrics *brokermetrics.Collector,
	logger *slog.Logger,
) *Server {
	if cfg.Name == "" {
		cfg.Name = DefaultBrokerName
	}
	return &Server{
		cfg:           cfg,
		authenticator: authenticator,
		registry:      NewRegistry(cfg.ChannelCapacity),
		metrics:       metrics,
		logger:        logger.With(slog.String("component", "broker")),
	}
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled. Bind failures are fatal; accept failures after a
// successful bind are retried unless the listener has been closed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}

	s.logger.Info("broker listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLS != nil),
	)

	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled. It blocks
// until every connection handler has finished. The listener is closed
// before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Cancellation closes the listener, which unblocks Accept; each
	// handler also watches ctx and closes its own socket.
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer func() { _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// Transient accept errors never take the broker down.
			s.logger.Warn("accept error, retrying",
				slog.String("error", err.Error()),
			)
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.logger.Info("broker stopped")
	return nil
}

// handleConn prepares one accepted socket (TCP_NODELAY, optional TLS)
// and runs its handler to completion. Per-connection errors never
// propagate past this function.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			s.logger.Debug("set TCP_NODELAY", slog.String("error", err.Error()))
		}
	}

	logger := s.logger.With(slog.String("peer", conn.RemoteAddr().String()))

	if s.cfg.TLS != nil {
		tlsConn := tls.Server(conn, s.cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			logger.Debug("TLS handshake failed", slog.String("error", err.Error()))
			_ = conn.Close()
			return
		}
		conn = tlsConn
	}

	h := newConnHandler(conn, s.cfg.Name, s.authenticator, s.registry, s.metrics, logger)
	h.run(ctx)
}

// Registry exposes the server's subscriber registry. Test hook.
func (s *Server) Registry() *Registry {
	return s.registry
}
