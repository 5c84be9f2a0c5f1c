// Package metrics holds the Prometheus collectors shared by the git:// and
// Smart HTTP front-ends. A nil *Collectors is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/saj/git-pack-serve/internal/pktline"
	"github.com/saj/git-pack-serve/internal/proc"
	"github.com/saj/git-pack-serve/internal/proto"
	"github.com/saj/git-pack-serve/internal/repo"
)

const namespace = "git_pack_serve"

const (
	TransportGit  = "git"
	TransportHTTP = "http"
)

type Collectors struct {
	sessions *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions handled, by transport, service and result.",
		}, []string{"transport", "service", "result"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_in_flight",
			Help:      "Sessions currently being served.",
		}, []string{"transport"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time of sessions that reached the repository tool.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"transport", "service"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes moved between clients and the repository tool.",
		}, []string{"transport", "direction"}),
	}
}

// Begin records the start of a session and returns the function recording
// its end. service is "" when the request never named a valid service.
func (c *Collectors) Begin(transport string) func(service string, err error) {
	if c == nil {
		return func(string, error) {}
	}
	start := time.Now()
	c.inFlight.WithLabelValues(transport).Inc()
	return func(service string, err error) {
		c.inFlight.WithLabelValues(transport).Dec()
		result := Result(err)
		if service == "" {
			service = "none"
		} else if result == "ok" || result == "exec_error" || result == "io_error" {
			c.duration.WithLabelValues(transport, service).Observe(time.Since(start).Seconds())
		}
		c.sessions.WithLabelValues(transport, service, result).Inc()
	}
}

// AddStats accounts the bytes moved by one process.
func (c *Collectors) AddStats(transport string, s proc.Stats) {
	if c == nil {
		return
	}
	c.bytes.WithLabelValues(transport, "in").Add(float64(s.In))
	c.bytes.WithLabelValues(transport, "out").Add(float64(s.Out))
}

// Result classifies the outcome of a session.
func Result(err error) string {
	var (
		spawnErr  *proc.SpawnError
		exitErr   *proc.ExitError
		streamErr *proc.StreamError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, pktline.ErrMalformedLength),
		errors.Is(err, pktline.ErrInvalidLength),
		errors.Is(err, proto.ErrMalformedRequest):
		return "malformed"
	case errors.Is(err, proto.ErrUnsupportedCommand):
		return "unsupported"
	case errors.Is(err, proto.ErrForbidden):
		return "forbidden"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.As(err, &spawnErr):
		return "spawn_error"
	case errors.As(err, &exitErr):
		return "exec_error"
	case errors.As(err, &streamErr):
		return "io_error"
	default:
		return "error"
	}
}
