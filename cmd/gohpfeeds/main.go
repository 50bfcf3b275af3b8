// gohpfeeds daemon -- multi-tenant hpfeeds publish/subscribe broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gohpfeeds/internal/auth"
	"github.com/dantte-lp/gohpfeeds/internal/broker"
	"github.com/dantte-lp/gohpfeeds/internal/config"
	brokermetrics "github.com/dantte-lp/gohpfeeds/internal/metrics"
	appversion "github.com/dantte-lp/gohpfeeds/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// errBadAuthPair indicates a --auth value without an ident:secret colon.
var errBadAuthPair = errors.New("--auth value must be ident:secret")

// authPairs collects repeatable --auth ident:secret flag values.
type authPairs []string

func (a *authPairs) String() string { return strings.Join(*a, ",") }

func (a *authPairs) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load settings: defaults overlaid with HPFEEDS_* environment
	// variables. Flags override both.
	settings, err := config.LoadSettings()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load settings",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 2. Parse flags.
	var pairs authPairs
	host := flag.String("host", settings.Broker.Host, "broker listen host")
	port := flag.Int("port", settings.Broker.Port, "broker listen port")
	metricsPort := flag.Int("metrics-port", settings.Metrics.Port, "prometheus metrics port")
	configPath := flag.String("config", "", "path to JSON users file")
	dbPath := flag.String("db", "", "path to SQLite user store")
	tlsCert := flag.String("tls-cert", settings.TLS.Cert, "path to PEM certificate chain (relative)")
	tlsKey := flag.String("tls-key", settings.TLS.Key, "path to PEM private key (relative)")
	jsonLog := flag.Bool("json", settings.Log.Format == "json", "structured JSON logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Var(&pairs, "auth", "ident:secret pair granting */* access (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("gohpfeeds"))
		return 0
	}

	settings.Broker.Host = *host
	settings.Broker.Port = *port
	settings.Metrics.Port = *metricsPort
	settings.TLS.Cert = *tlsCert
	settings.TLS.Key = *tlsKey

	// 3. Set up logger.
	logger := newLogger(*jsonLog)

	if err := config.ValidateSettings(settings); err != nil {
		logger.Error("invalid settings", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gohpfeeds starting",
		slog.String("version", appversion.Version),
		slog.String("addr", settings.Addr()),
		slog.String("metrics_addr", settings.MetricsAddr()),
	)

	// 4. Build the authenticator.
	authenticator, closeAuth, err := buildAuthenticator(*dbPath, *configPath, pairs, logger)
	if err != nil {
		logger.Error("failed to build authenticator", slog.String("error", err.Error()))
		return 1
	}
	defer closeAuth()

	// 5. Optional TLS acceptor.
	brokerCfg := broker.Config{Addr: settings.Addr()}
	if settings.TLS.Cert != "" {
		tlsCfg, tlsErr := broker.LoadTLSConfig(settings.TLS.Cert, settings.TLS.Key)
		if tlsErr != nil {
			logger.Error("failed to load TLS configuration", slog.String("error", tlsErr.Error()))
			return 1
		}
		brokerCfg.TLS = tlsCfg
		logger.Info("TLS enabled",
			slog.String("cert", settings.TLS.Cert),
			slog.String("key", settings.TLS.Key),
		)
	}

	// 6. Metrics collector and broker.
	reg := prometheus.NewRegistry()
	collector := brokermetrics.NewCollector(reg)
	srv := broker.NewServer(brokerCfg, authenticator, collector, logger)

	// 7. Run until SIGINT/SIGTERM.
	if err := runServers(settings, srv, reg, logger); err != nil {
		logger.Error("gohpfeeds exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gohpfeeds stopped")
	return 0
}

// buildAuthenticator selects the user store: SQLite when --db is given,
// otherwise an in-memory store filled from the users file and --auth
// pairs. The returned closer releases the SQLite handle (no-op for the
// memory store).
func buildAuthenticator(
	dbPath, configPath string,
	pairs authPairs,
	logger *slog.Logger,
) (auth.Authenticator, func(), error) {
	if dbPath != "" {
		store, err := auth.OpenSQLite(dbPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite user store: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close user store", slog.String("error", err.Error()))
			}
		}, nil
	}

	mem := auth.NewMemoryAuthenticator()

	if configPath != "" {
		users, err := config.LoadUsers(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load users file: %w", err)
		}
		for _, u := range users {
			mem.AddUser(u.Ident, u.Secret, u.PubChannels, u.SubChannels)
		}
		logger.Info("loaded users file",
			slog.String("path", configPath),
			slog.Int("users", len(users)),
		)
	}

	for _, pair := range pairs {
		ident, secret, ok := strings.Cut(pair, ":")
		if !ok || ident == "" {
			return nil, nil, fmt.Errorf("%q: %w", pair, errBadAuthPair)
		}
		mem.Add(ident, secret)
	}

	return mem, func() {}, nil
}

// runServers runs the broker and the metrics endpoint under an errgroup
// with a signal-aware context for graceful shutdown.
func runServers(
	settings *config.Settings,
	srv *broker.Server,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(gCtx)
	})

	metricsSrv := newMetricsServer(settings.MetricsAddr(), reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", settings.MetricsAddr()))
		lc := net.ListenConfig{}
		ln, err := lc.Listen(gCtx, "tcp", settings.MetricsAddr())
		if err != nil {
			return fmt.Errorf("bind metrics %s: %w", settings.MetricsAddr(), err)
		}
		if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics on %s: %w", settings.MetricsAddr(), err)
		}
		return nil
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation, then drains
	// the metrics server. The broker drains itself via gCtx.
	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()

		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// newMetricsServer creates the HTTP server for the Prometheus endpoint.
// Only /metrics is routed; every other path is a 404.
func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLogger creates the structured logger on stdout.
func newLogger(jsonFormat bool) *slog.Logger {
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd. It is called right after the
// server goroutines are started and does not wait for the listeners to
// bind.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd at the start of shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}
