// Package daemon serves repositories over the native git:// protocol.
//
// Each accepted connection carries one operation: the server reads the
// initial request packet, resolves the repository, and bridges the
// connection to the repository tool until the operation completes.
// Rejected requests are answered with an "ERR" packet.
package daemon

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/remeh/sizedwaitgroup"
	"github.com/rs/zerolog"

	"github.com/saj/git-pack-serve/internal/metrics"
	"github.com/saj/git-pack-serve/internal/pktline"
	"github.com/saj/git-pack-serve/internal/proc"
	"github.com/saj/git-pack-serve/internal/proto"
	"github.com/saj/git-pack-serve/internal/repo"
)

// DefaultIdleTimeout closes connections without traffic.
const DefaultIdleTimeout = 600 * time.Second

type Config struct {
	Resolver *repo.Resolver
	Tool     *proc.Tool
	// IdleTimeout defaults to DefaultIdleTimeout; negative disables it.
	IdleTimeout time.Duration
	// MaxConns bounds concurrent sessions; zero or less is unlimited.
	MaxConns int
	Log      zerolog.Logger
	Metrics  *metrics.Collectors
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	return &Server{cfg: cfg}
}

// Serve accepts connections on lis until ctx is done, then closes lis and
// waits for in-flight sessions. Sessions are not interrupted by ctx; they
// end with their operation or on idle timeout.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			lis.Close()
		}
	}()

	swg := sizedwaitgroup.New(s.cfg.MaxConns)
	defer swg.Wait()

	s.cfg.Log.Info().Str("addr", lis.Addr().String()).Msg("listen")
	for {
		swg.Add()
		conn, err := lis.Accept()
		if isClosed(err) {
			swg.Done()
			return nil
		}
		if err != nil {
			swg.Done()
			return err
		}
		go func(conn net.Conn) {
			defer swg.Done()
			s.ServeConn(context.Background(), conn)
		}(conn)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// ServeConn runs one session on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := s.cfg.Log.With().
		Str("session", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	ctx = log.WithContext(ctx)

	end := s.cfg.Metrics.Begin(metrics.TransportGit)
	service, err := s.session(ctx, newIdleConn(conn, s.cfg.IdleTimeout))
	end(service, err)
}

func (s *Server) session(ctx context.Context, c *idleConn) (string, error) {
	log := zerolog.Ctx(ctx)

	req, err := proto.ReadRequest(c)
	if err != nil {
		switch {
		case errors.Is(err, pktline.ErrMalformedLength),
			errors.Is(err, pktline.ErrInvalidLength),
			errors.Is(err, proto.ErrMalformedRequest):
			log.Warn().Err(err).Msg("invalid request")
			s.reply(c, "Invalid request data\n")
		case errors.Is(err, proto.ErrUnsupportedCommand):
			log.Warn().Err(err).Msg("command not allowed")
			s.reply(c, "Not allowed command.\n")
		default:
			err = &proc.StreamError{Op: "read", Err: err}
			log.Warn().Err(err).Msg("fail to read request")
		}
		return "", err
	}

	l := log.With().
		Str("service", req.Service.String()).
		Str("repo", req.Path).
		Str("host", req.Host).
		Int("port", req.Port).
		Logger()
	log = &l
	ctx = log.WithContext(ctx)
	service := req.Service.String()

	dir, err := s.cfg.Resolver.Resolve(req.RepoName())
	if err != nil {
		log.Error().Err(err).Msg("repository not found")
		s.reply(c, "Not found repo "+req.RepoName()+"\n")
		return service, err
	}

	inv := proc.Invocation{Service: req.Service, Dir: dir}
	inv.Version, inv.HasVersion = req.ProtocolVersion()
	stats, err := s.cfg.Tool.ExecPiped(ctx, inv, c)
	s.cfg.Metrics.AddStats(metrics.TransportGit, stats)

	var (
		spawnErr *proc.SpawnError
		exitErr  *proc.ExitError
	)
	switch {
	case errors.As(err, &spawnErr):
		log.Error().Err(err).Msg("fail to execute")
		s.reply(c, "Execute error.\n")
	case errors.As(err, &exitErr) && stats.Out == 0:
		// nothing streamed yet, so the client can still be told
		s.reply(c, "Execute error.\n")
	case err != nil:
		log.Warn().Err(err).Int64("in", stats.In).Int64("out", stats.Out).Msg("session aborted")
	default:
		log.Info().Int64("in", stats.In).Int64("out", stats.Out).Msg("session complete")
	}
	return service, err
}

func (s *Server) reply(c *idleConn, msg string) {
	if err := pktline.WriteError(c, msg); err != nil {
		s.cfg.Log.Debug().Err(err).Msg("fail to send error reply")
	}
}
