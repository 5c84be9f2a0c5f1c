package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/saj/git-pack-serve/internal/daemon"
	"github.com/saj/git-pack-serve/internal/metrics"
	"github.com/saj/git-pack-serve/internal/proc"
	"github.com/saj/git-pack-serve/internal/repo"
	"github.com/saj/git-pack-serve/internal/smarthttp"
)

const shutdownTimeout = 10 * time.Second

var (
	cmdargs     = kingpin.Arg("cmdargs", "Execute a command name (with arguments) once the listeners are up, then self-terminate when the command completes.  GIT_PACK_SERVE_HOST and GIT_PACK_SERVE_PORT (git://) and GIT_PACK_SERVE_URL (HTTP) are set in the process environment in order to facilitate connections from clients and the shim.").Strings()
	rootDir     = kingpin.Flag("root", "Directory holding the served repositories.").Short('d').Envar("GIT_PACK_SERVE_ROOT").Default(".").ExistingDir()
	gitBind     = kingpin.Flag("git-bind", "Bind the git:// daemon to a local address.  An empty value disables the daemon.").Envar("GIT_PACK_SERVE_GIT_BIND").Default("127.0.0.1:8004").PlaceHolder("[host]:[port]").String()
	httpBind    = kingpin.Flag("http-bind", "Bind the Smart HTTP server to a local address.  An empty value disables the server.").Envar("GIT_PACK_SERVE_HTTP_BIND").Default("127.0.0.1:8002").PlaceHolder("[host]:[port]").String()
	metricsBind = kingpin.Flag("metrics-bind", "Serve Prometheus metrics on /metrics at this address.").Envar("GIT_PACK_SERVE_METRICS_BIND").PlaceHolder("[host]:[port]").String()
	connsMax    = kingpin.Flag("conns-max", "Set the maximum number of concurrent git:// connections.  New connections that would violate this limit are not accepted until a session ends.  0 means no limit.").Envar("GIT_PACK_SERVE_CONNS_MAX").Default("10").Int()
	idleTimeout = kingpin.Flag("idle-timeout", "Close git:// connections that see no traffic for this long.  0 disables the timeout.").Envar("GIT_PACK_SERVE_IDLE_TIMEOUT").Default("600s").Duration()
	gitPath     = kingpin.Flag("git", "Repository tool binary.").Envar("GIT_PACK_SERVE_GIT").Default("git").String()
	logLevel    = kingpin.Flag("log-level", "Minimum log level.").Envar("GIT_PACK_SERVE_LOG_LEVEL").Default("info").Enum("trace", "debug", "info", "warn", "error")
	logFormat   = kingpin.Flag("log-format", "Log output format.").Envar("GIT_PACK_SERVE_LOG_FORMAT").Default("console").Enum("console", "json")
)

func main() {
	kingpin.Parse()
	log := newLogger(os.Stderr, *logLevel, *logFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	if *gitBind == "" && *httpBind == "" {
		log.Fatal().Msg("both --git-bind and --http-bind are empty; nothing to serve")
	}
	resolver, err := repo.NewResolver(*rootDir)
	if err != nil {
		log.Fatal().Err(err).Msg("bad repository root")
	}
	log.Info().Str("root", resolver.Root()).Msg("serving repositories")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	tool := &proc.Tool{Path: *gitPath}

	timeout := *idleTimeout
	if timeout == 0 {
		timeout = -1
	}

	var env []string
	eg, ectx := errgroup.WithContext(ctx)
	if *gitBind != "" {
		lis, err := net.Listen("tcp", *gitBind)
		if err != nil {
			log.Fatal().Err(err).Msg("git:// listener")
		}
		addr := lis.Addr().(*net.TCPAddr)
		env = append(env,
			fmt.Sprintf("GIT_PACK_SERVE_HOST=%s", addr.IP),
			fmt.Sprintf("GIT_PACK_SERVE_PORT=%d", addr.Port),
		)
		d := daemon.NewServer(daemon.Config{
			Resolver:    resolver,
			Tool:        tool,
			IdleTimeout: timeout,
			MaxConns:    *connsMax,
			Log:         log.With().Str("transport", metrics.TransportGit).Logger(),
			Metrics:     m,
		})
		eg.Go(func() error { return d.Serve(ectx, lis) })
	}
	if *httpBind != "" {
		lis, err := net.Listen("tcp", *httpBind)
		if err != nil {
			log.Fatal().Err(err).Msg("HTTP listener")
		}
		env = append(env, "GIT_PACK_SERVE_URL=http://"+lis.Addr().String())
		httpLog := log.With().Str("transport", metrics.TransportHTTP).Logger()
		h := smarthttp.NewHandler(smarthttp.Config{
			Resolver: resolver,
			Tool:     tool,
			Log:      httpLog,
			Metrics:  m,
		})
		eg.Go(func() error { return serveHTTP(ectx, httpLog, lis, h) })
	}
	if *metricsBind != "" {
		lis, err := net.Listen("tcp", *metricsBind)
		if err != nil {
			log.Fatal().Err(err).Msg("metrics listener")
		}
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		eg.Go(func() error { return serveHTTP(ectx, log.With().Str("component", "metrics").Logger(), lis, r) })
	}

	if len(*cmdargs) > 0 {
		eg.Go(func() error {
			err := fexec(ectx, env, (*cmdargs)[0], (*cmdargs)[1:]...)
			cancel()
			return err
		})
	} else {
		log.Info().Msg("^C to exit")
	}
	if err := eg.Wait(); err != nil {
		log.Fatal().Err(err).Msg("exit")
	}
}

// serveHTTP serves h on lis until ctx is done, then shuts down gracefully,
// giving in-flight requests up to shutdownTimeout to finish.
func serveHTTP(ctx context.Context, log zerolog.Logger, lis net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          newStdLogger(log),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("listen")
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return fmt.Errorf("HTTP server error: %w", err)
	}
}
