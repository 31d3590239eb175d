// Package upstream owns the pooled HTTP clients used to reach camera devices
// and exposes a streaming connection that yields raw byte chunks.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
)

// PoolConfig tunes connection reuse. None of these change relay semantics.
type PoolConfig struct {
	ConnectTimeout    time.Duration // Dial + response header timeout
	ReadTimeout       time.Duration // Max gap between chunks while streaming, 0 = none
	ChunkSize         int           // Bytes per read
	MaxStreamsPerHost int           // Concurrent streaming connections per host
	IdleTTL           time.Duration // Idle keep-alive lifetime
	UserAgent         string
}

// DefaultPoolConfig returns the settings used when none are configured
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:    5 * time.Second,
		ReadTimeout:       30 * time.Second,
		ChunkSize:         16 * 1024,
		MaxStreamsPerHost: 30,
		IdleTTL:           30 * time.Second,
		UserAgent:         "camrelay/1.0",
	}
}

// ErrPoolClosed is returned by Open after Close
var ErrPoolClosed = errors.New("upstream pool closed")

// hostClient is the keep-alive client and admission semaphore for one host
type hostClient struct {
	client    *http.Client
	transport *http.Transport
	streams   *semaphore.Weighted
	active    int
	lastUsed  time.Time
}

// Pool keeps one client per upstream host:port so repeated sessions to the
// same camera reuse TCP connections.
type Pool struct {
	cfg    PoolConfig
	log    logrus.FieldLogger
	mu     sync.Mutex
	hosts  map[string]*hostClient
	closed bool

	// OnConnect is invoked after every successful Open (stats hook)
	OnConnect func(host string)
}

// NewPool creates an empty pool
func NewPool(cfg PoolConfig, log logrus.FieldLogger) *Pool {
	def := DefaultPoolConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxStreamsPerHost <= 0 {
		cfg.MaxStreamsPerHost = def.MaxStreamsPerHost
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Pool{
		cfg:   cfg,
		log:   log.WithField("component", "upstream"),
		hosts: make(map[string]*hostClient),
	}
}

// Config returns the effective pool configuration
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// Client returns the shared client for host (host:port). Callers bound each
// request with their own context; the client has no overall timeout because
// MJPEG responses are long-lived.
func (p *Pool) Client(host string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostLocked(host).client
}

func (p *Pool) hostLocked(host string) *hostClient {
	hc, ok := p.hosts[host]
	if ok {
		hc.lastUsed = time.Now()
		return hc
	}

	dialer := &net.Dialer{
		Timeout:   p.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   p.cfg.MaxStreamsPerHost,
		MaxConnsPerHost:       p.cfg.MaxStreamsPerHost + 2, // headroom for probes
		IdleConnTimeout:       p.cfg.IdleTTL,
		ResponseHeaderTimeout: p.cfg.ConnectTimeout,
		DisableCompression:    true,
	}
	hc = &hostClient{
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		transport: transport,
		streams:   semaphore.NewWeighted(int64(p.cfg.MaxStreamsPerHost)),
		lastUsed:  time.Now(),
	}
	p.hosts[host] = hc
	p.log.WithField("host", host).Debug("Created pooled client")
	return hc
}

// Open starts a streaming GET on rawURL. Waiting for a free slot on the host,
// dialing and receiving response headers are each bounded by ConnectTimeout.
func (p *Pool) Open(ctx context.Context, rawURL string) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ConnectError{URL: rawURL, Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.pruneLocked()
	hc := p.hostLocked(u.Host)
	p.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer connectCancel()
	if err := hc.streams.Acquire(connectCtx, 1); err != nil {
		return nil, &ConnectError{URL: rawURL, Err: fmt.Errorf("waiting for pool slot: %w", err)}
	}
	p.track(hc, 1)

	release := func() {
		hc.streams.Release(1)
		p.track(hc, -1)
	}

	// the request context outlives the connect phase; it is cancelled on Close
	reqCtx, reqCancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		reqCancel()
		release()
		return nil, &ConnectError{URL: rawURL, Err: err}
	}
	SetStreamHeaders(req, p.cfg.UserAgent)

	resp, err := hc.client.Do(req)
	if err != nil {
		reqCancel()
		release()
		return nil, &ConnectError{URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		reqCancel()
		release()
		return nil, &HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if p.OnConnect != nil {
		p.OnConnect(u.Host)
	}

	return newConnection(rawURL, resp, reqCancel, release, p.cfg.ChunkSize, p.cfg.ReadTimeout), nil
}

func (p *Pool) track(hc *hostClient, delta int) {
	p.mu.Lock()
	hc.active += delta
	hc.lastUsed = time.Now()
	p.mu.Unlock()
}

// pruneLocked drops clients for hosts idle longer than IdleTTL
func (p *Pool) pruneLocked() {
	cutoff := time.Now().Add(-p.cfg.IdleTTL)
	for host, hc := range p.hosts {
		if hc.active == 0 && hc.lastUsed.Before(cutoff) {
			hc.transport.CloseIdleConnections()
			delete(p.hosts, host)
		}
	}
}

// PoolStats is a point-in-time view of the pool
type PoolStats struct {
	Hosts         int `json:"hosts"`
	ActiveStreams int `json:"activeStreams"`
}

// Stats returns the number of pooled hosts and streaming connections
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{Hosts: len(p.hosts)}
	for _, hc := range p.hosts {
		s.ActiveStreams += hc.active
	}
	return s
}

// Close releases idle connections; streaming connections end with their sessions
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, hc := range p.hosts {
		hc.transport.CloseIdleConnections()
	}
}

// SetStreamHeaders applies the request headers expected by MJPEG cameras.
// Compression stays off: frames are located by scanning raw bytes.
func SetStreamHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "multipart/x-mixed-replace,*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Cache-Control", "no-cache")
}
