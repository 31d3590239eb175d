// Package relay runs relay sessions: probe a camera, open its stream, re-frame
// the JPEGs it sends and hand them to a downstream sink at a governed rate.
package relay

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"camrelay/internal/extractor"
	"camrelay/internal/metrics"
	"camrelay/internal/probe"
	"camrelay/internal/upstream"
	"camrelay/pkg/models"
)

var (
	// ErrDownstreamClosed is returned by sinks once the client has gone away
	ErrDownstreamClosed = errors.New("downstream consumer disconnected")

	// ErrNoFrames means the upstream ended the stream before sending a frame
	ErrNoFrames = errors.New("upstream closed before sending a frame")
)

// Options are the process-wide relay settings
type Options struct {
	MaxFrameSize  int
	UpstreamHints bool
}

// Relay holds the collaborators shared by every session
type Relay struct {
	pool    *upstream.Pool
	prober  *probe.Prober
	metrics *metrics.Metrics
	opts    Options
	log     logrus.FieldLogger
}

// New creates a relay. It wires the pool and prober hooks into the metrics.
func New(pool *upstream.Pool, prober *probe.Prober, m *metrics.Metrics, opts Options, log logrus.FieldLogger) *Relay {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = extractor.DefaultMaxFrameSize
	}

	pool.OnConnect = func(string) { m.RecordUpstreamConnection() }
	prober.OnAttempt = func(res models.ProbeResult) { m.RecordProbe(string(res.Outcome)) }

	return &Relay{
		pool:    pool,
		prober:  prober,
		metrics: m,
		opts:    opts,
		log:     log,
	}
}

// Prober returns the endpoint prober used by sessions
func (r *Relay) Prober() *probe.Prober {
	return r.prober
}

// HTTPStatus maps a session failure to the status returned before streaming
// starts: 503 when no endpoint answered at all, 502 otherwise.
func HTTPStatus(err error) int {
	var failure *probe.Failure
	if errors.As(err, &failure) && !failure.Reachable() {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// Diagnostic renders err for the client, listing every endpoint tried when
// the failure came from probing.
func Diagnostic(err error) string {
	var failure *probe.Failure
	if errors.As(err, &failure) {
		return failure.Diagnostic()
	}
	return err.Error()
}

// PoolStats reports the upstream connection pool usage
func (r *Relay) PoolStats() upstream.PoolStats {
	return r.pool.Stats()
}
