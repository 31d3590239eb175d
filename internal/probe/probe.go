// Package probe finds which candidate URL on a camera host is actually
// serving MJPEG or JPEG content.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"camrelay/internal/upstream"
	"camrelay/pkg/models"
)

// DefaultPaths are tried in order when no candidate list is configured
var DefaultPaths = []string{"/video", "/mjpegfeed", "/cam/1/stream", "/cam/1/mjpeg", "/stream", "/"}

// sniffLen is how much of a GET body is read when HEAD is inconclusive
const sniffLen = 512

// Prober classifies candidate endpoints. Each call is independent.
type Prober struct {
	pool      *upstream.Pool
	timeout   time.Duration
	paths     []string
	userAgent string
	log       logrus.FieldLogger

	// OnAttempt is invoked for every classified attempt (stats hook)
	OnAttempt func(models.ProbeResult)
}

// New creates a prober sharing the upstream pool's clients
func New(pool *upstream.Pool, timeout time.Duration, paths []string, log logrus.FieldLogger) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Prober{
		pool:      pool,
		timeout:   timeout,
		paths:     paths,
		userAgent: pool.Config().UserAgent,
		log:       log.WithField("component", "probe"),
	}
}

// Paths returns the default candidate paths in priority order
func (p *Prober) Paths() []string {
	return p.paths
}

// CandidateURLs builds the full candidate URL list for host and port
func CandidateURLs(host string, port int, paths []string) []string {
	base := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	urls := make([]string, len(paths))
	for i, path := range paths {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		urls[i] = base + path
	}
	return urls
}

// Probe tries urls in order and returns the first Available result. If none
// is available it returns a *Failure listing every attempt.
func (p *Prober) Probe(ctx context.Context, urls []string) (models.ProbeResult, error) {
	attempts := make([]models.ProbeResult, 0, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return models.ProbeResult{}, err
		}
		res := p.Check(ctx, u)
		if res.Available() {
			return res, nil
		}
		attempts = append(attempts, res)
	}
	return models.ProbeResult{}, &Failure{Attempts: attempts}
}

// Scan checks every url concurrently and returns results in input order
func (p *Prober) Scan(ctx context.Context, urls []string) []models.ProbeResult {
	results := make([]models.ProbeResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = p.Check(gctx, u)
			return nil
		})
	}
	g.Wait()
	return results
}

// Check classifies a single endpoint. HEAD is tried first; a streamed GET
// reading a short prefix is used when HEAD is rejected or inconclusive.
func (p *Prober) Check(ctx context.Context, rawURL string) models.ProbeResult {
	start := time.Now()
	res := p.check(ctx, rawURL)
	res.Elapsed = time.Since(start)

	p.log.WithFields(logrus.Fields{
		"endpoint":     rawURL,
		"outcome":      res.Outcome,
		"content_type": res.ContentType,
		"status":       res.StatusCode,
	}).Debug("Probed endpoint")

	if p.OnAttempt != nil {
		p.OnAttempt(res)
	}
	return res
}

func (p *Prober) check(ctx context.Context, rawURL string) models.ProbeResult {
	host := hostOf(rawURL)
	client := p.pool.Client(host)

	status, ct, err := p.head(ctx, client, rawURL)
	if err == nil && !headInconclusive(status, ct) {
		return classify(rawURL, status, ct, nil)
	}
	if err != nil && !errors.Is(err, errHeadUnsupported) {
		return classify(rawURL, 0, "", err)
	}

	status, ct, err = p.sniff(ctx, client, rawURL)
	return classify(rawURL, status, ct, err)
}

var errHeadUnsupported = errors.New("HEAD not supported")

func (p *Prober) head(ctx context.Context, client *http.Client, rawURL string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, "", err
	}
	upstream.SetStreamHeaders(req, p.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		// some embedded servers drop the connection on HEAD instead of answering 405
		if isConnReset(err) {
			return 0, "", errHeadUnsupported
		}
		return 0, "", err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return resp.StatusCode, "", errHeadUnsupported
	}
	return resp.StatusCode, strings.ToLower(resp.Header.Get("Content-Type")), nil
}

// sniff issues a GET, reads up to sniffLen bytes and abandons the body
func (p *Prober) sniff(ctx context.Context, client *http.Client, rawURL string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", err
	}
	upstream.SetStreamHeaders(req, p.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if ct == "" && resp.StatusCode == http.StatusOK {
		prefix := make([]byte, sniffLen)
		n, _ := io.ReadFull(resp.Body, prefix)
		if n > 0 {
			ct = strings.ToLower(http.DetectContentType(prefix[:n]))
		}
	}
	return resp.StatusCode, ct, nil
}

// headInconclusive reports whether a HEAD answer needs confirming with GET
func headInconclusive(status int, ct string) bool {
	return status == http.StatusOK && ct == ""
}

// IsStreamContentType reports whether ct is an MJPEG or JPEG content type
func IsStreamContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "multipart/x-mixed-replace") || strings.Contains(ct, "image/jpeg")
}

func classify(rawURL string, status int, ct string, err error) models.ProbeResult {
	res := models.ProbeResult{
		Endpoint:    models.Endpoint{URL: rawURL, DeclaredContentType: ct},
		ContentType: ct,
		StatusCode:  status,
	}

	switch {
	case err != nil:
		res.Err = err.Error()
		if isTimeout(err) {
			res.Outcome = models.ProbeTimeout
		} else {
			res.Outcome = models.ProbeUnreachable
		}
	case status != http.StatusOK:
		res.Outcome = models.ProbeHTTPError
	case IsStreamContentType(ct):
		res.Outcome = models.ProbeAvailable
	default:
		// typically text/html: the app is up but not streaming
		res.Outcome = models.ProbeWrongContentType
	}
	return res
}

// ClassifyConnectError converts an upstream open failure into a probe result
func ClassifyConnectError(rawURL string, err error) models.ProbeResult {
	var httpErr *upstream.HTTPError
	if errors.As(err, &httpErr) {
		return classify(rawURL, httpErr.StatusCode, "", nil)
	}
	return classify(rawURL, 0, "", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnReset(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "connection reset")
}

func hostOf(rawURL string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(rawURL, "http://"), "https://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Failure is returned when no candidate endpoint is available
type Failure struct {
	Attempts []models.ProbeResult
}

func (f *Failure) Error() string {
	return fmt.Sprintf("no MJPEG stream found after %d attempts (%s)", len(f.Attempts), f.Outcome())
}

// Outcome returns the most actionable outcome among the attempts: an app
// serving the wrong content beats an HTTP error, which beats a timeout,
// which beats an unreachable host.
func (f *Failure) Outcome() models.ProbeOutcome {
	best := models.ProbeUnreachable
	for _, a := range f.Attempts {
		if rank(a.Outcome) > rank(best) {
			best = a.Outcome
		}
	}
	return best
}

// Reachable reports whether any attempt got an HTTP response
func (f *Failure) Reachable() bool {
	for _, a := range f.Attempts {
		if a.StatusCode != 0 {
			return true
		}
	}
	return false
}

// Diagnostic renders every attempt as a human-readable report
func (f *Failure) Diagnostic() string {
	var b strings.Builder
	b.WriteString("No MJPEG stream found. Endpoints tried:\n")
	for _, a := range f.Attempts {
		fmt.Fprintf(&b, "  %s -> %s", a.Endpoint.URL, a.Outcome)
		if a.StatusCode != 0 {
			fmt.Fprintf(&b, " (status %d)", a.StatusCode)
		}
		if a.ContentType != "" {
			fmt.Fprintf(&b, " content-type=%s", a.ContentType)
		}
		if a.Err != "" {
			fmt.Fprintf(&b, " error=%s", a.Err)
		}
		b.WriteByte('\n')
	}
	switch f.Outcome() {
	case models.ProbeWrongContentType:
		b.WriteString("The camera app answered but is not streaming: check it is open and has camera permission.\n")
	case models.ProbeHTTPError:
		b.WriteString("The host answered but none of the paths serve video.\n")
	default:
		b.WriteString("The host is unreachable: check the IP, port and that both devices share a network.\n")
	}
	return b.String()
}

func rank(o models.ProbeOutcome) int {
	switch o {
	case models.ProbeWrongContentType:
		return 3
	case models.ProbeHTTPError:
		return 2
	case models.ProbeTimeout:
		return 1
	default:
		return 0
	}
}
