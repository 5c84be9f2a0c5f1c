// Package smarthttp serves repositories over the git Smart HTTP protocol.
//
//	GET  /<repo>[.git]/info/refs?service=<git-upload-pack|git-receive-pack>
//	POST /<repo>[.git]/<git-upload-pack|git-receive-pack>
//
// Both requests run the repository tool in stateless RPC mode and stream
// its output back as the response body.
package smarthttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/saj/git-pack-serve/internal/metrics"
	"github.com/saj/git-pack-serve/internal/pktline"
	"github.com/saj/git-pack-serve/internal/proc"
	"github.com/saj/git-pack-serve/internal/proto"
	"github.com/saj/git-pack-serve/internal/repo"
)

type Config struct {
	Resolver *repo.Resolver
	Tool     *proc.Tool
	Log      zerolog.Logger
	Metrics  *metrics.Collectors
}

type Handler struct {
	cfg    Config
	router chi.Router
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{cfg: cfg}
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		noCache,
		hlog.NewHandler(cfg.Log),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("accept", r.Header.Get("Accept")).
				Int("status", status).
				Int("size", size).
				Dur("duration", d).
				Msg("request")
		}),
	)
	r.HandleFunc("/{repo}/*", h.route)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
		hdr.Set("Pragma", "no-cache")
		hdr.Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
		next.ServeHTTP(w, r)
	})
}

func advertisementType(svc proto.Service) string {
	return fmt.Sprintf("application/x-%s-advertisement", svc)
}

func resultType(svc proto.Service) string {
	return fmt.Sprintf("application/x-%s-result", svc)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	end := h.cfg.Metrics.Begin(metrics.TransportHTTP)
	var (
		svc proto.Service
		err error
	)
	if remainder := chi.URLParam(r, "*"); remainder == "info/refs" {
		svc, err = h.infoRefs(w, r)
	} else {
		svc, err = h.backend(w, r, remainder)
	}
	service := ""
	if !errors.Is(err, proto.ErrUnsupportedCommand) && !errors.Is(err, proto.ErrForbidden) {
		service = svc.String()
	}
	end(service, err)
}

// version is the protocol version hinted by the Git-Protocol header.
func version(r *http.Request) (int, bool) {
	return proto.ProtocolVersion(strings.Split(r.Header.Get("Git-Protocol"), ":"))
}

// Announcement is the packet sequence that precedes the tool's reference
// advertisement for protocol versions before 2.
func Announcement(svc proto.Service) []byte {
	b, _ := pktline.Encode([]byte("# service=" + svc.String() + "\n"))
	return append(b, pktline.FlushPkt...)
}

func (h *Handler) infoRefs(w http.ResponseWriter, r *http.Request) (proto.Service, error) {
	name := r.URL.Query().Get("service")
	svc, ok := proto.ParseService(name)
	if !ok {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return 0, fmt.Errorf("%w: service %q", proto.ErrUnsupportedCommand, name)
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return svc, fmt.Errorf("%w: %s info/refs", proto.ErrMalformedRequest, r.Method)
	}
	dir, err := h.resolve(w, r)
	if err != nil {
		return svc, err
	}

	inv := proc.Invocation{Service: svc, Dir: dir, Stateless: true, AdvertiseRefs: true}
	inv.Version, inv.HasVersion = version(r)
	p, err := h.cfg.Tool.Start(r.Context(), inv, nil)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("fail to execute")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return svc, err
	}
	w.Header().Set("Content-Type", advertisementType(svc))
	w.WriteHeader(http.StatusOK)
	if !inv.HasVersion || inv.Version < 2 {
		if _, err := w.Write(Announcement(svc)); err != nil {
			p.Close()
			return svc, &proc.StreamError{Op: "write", Err: err}
		}
	}
	return svc, h.stream(w, r, p)
}

func (h *Handler) backend(w http.ResponseWriter, r *http.Request, remainder string) (proto.Service, error) {
	accept := r.Header.Get("Accept")
	if accept != resultType(proto.UploadPack) && accept != resultType(proto.ReceivePack) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return 0, fmt.Errorf("%w: accept %q", proto.ErrForbidden, accept)
	}
	name := remainder[strings.LastIndex(remainder, "/")+1:]
	svc, ok := proto.ParseService(name)
	if !ok {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return 0, fmt.Errorf("%w: %q", proto.ErrUnsupportedCommand, name)
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return svc, fmt.Errorf("%w: %s %s", proto.ErrMalformedRequest, r.Method, name)
	}
	if accept != resultType(svc) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return 0, fmt.Errorf("%w: accept %q for %s", proto.ErrForbidden, accept, svc)
	}
	dir, err := h.resolve(w, r)
	if err != nil {
		return svc, err
	}
	body, err := requestBody(r)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("bad request body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return svc, fmt.Errorf("%w: %s", proto.ErrMalformedRequest, err)
	}

	// the tool may start answering before it has read the whole request
	if err := http.NewResponseController(w).EnableFullDuplex(); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("full duplex unavailable")
	}

	inv := proc.Invocation{Service: svc, Dir: dir, Stateless: true}
	inv.Version, inv.HasVersion = version(r)
	p, err := h.cfg.Tool.Start(r.Context(), inv, body)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("fail to execute")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return svc, err
	}
	w.Header().Set("Content-Type", resultType(svc))
	w.WriteHeader(http.StatusOK)
	return svc, h.stream(w, r, p)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (string, error) {
	name := chi.URLParam(r, "repo")
	dir, err := h.cfg.Resolver.Resolve(name)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("repository not found")
		http.Error(w, "Not Found", http.StatusNotFound)
		return "", err
	}
	return dir, nil
}

// stream copies the tool's output to w one chunk at a time, flushing after
// each. A tool failure discovered after the headers were sent is only
// logged by the process; the response cannot be amended.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, p *proc.Process) error {
	rc := http.NewResponseController(w)
	defer func() { h.cfg.Metrics.AddStats(metrics.TransportHTTP, p.Stats()) }()
	for {
		chunk, err := p.Next()
		if err == io.EOF {
			return p.Err()
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			p.Close()
			hlog.FromRequest(r).Warn().Err(err).Msg("client went away")
			return &proc.StreamError{Op: "write", Err: err}
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			p.Close()
			return &proc.StreamError{Op: "write", Err: err}
		}
	}
}
