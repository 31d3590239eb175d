package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"camrelay/internal/metrics"
	"camrelay/internal/probe"
	"camrelay/internal/upstream"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestRelay(t *testing.T, opts Options) (*Relay, *metrics.Metrics) {
	t.Helper()
	cfg := upstream.DefaultPoolConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	return newTestRelayWithPool(t, opts, cfg)
}

func newTestRelayWithPool(t *testing.T, opts Options, cfg upstream.PoolConfig) (*Relay, *metrics.Metrics) {
	t.Helper()
	log := testLogger()
	pool := upstream.NewPool(cfg, log)
	t.Cleanup(pool.Close)
	prober := probe.New(pool, time.Second, nil, log)
	m := metrics.New(prometheus.NewRegistry())
	return New(pool, prober, m, opts, log), m
}

// fakeFrame returns a small SOI...EOI blob that is not a decodable JPEG
func fakeFrame(n byte) []byte {
	return []byte{0xFF, 0xD8, n, n, n + 1, 0xFF, 0xD9}
}

// writeMJPEGHeaders answers like an MJPEG camera and reports whether the
// request wants a body
func writeMJPEGHeaders(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=cam")
	w.WriteHeader(http.StatusOK)
	return r.Method != http.MethodHead
}

func writeCameraPart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--cam\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	w.(http.Flusher).Flush()
	return nil
}

// cameraParams targets srv with a single candidate path
func cameraParams(t *testing.T, srv *httptest.Server, paths ...string) Params {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	if len(paths) == 0 {
		paths = []string{"/video"}
	}
	return Params{Host: host, Port: port, Paths: paths, Transport: "test"}
}

type part struct {
	contentType string
	length      int
	data        []byte
}

// parseParts splits a relay response body into its parts, checking the
// framing of each one
func parseParts(t *testing.T, body []byte) []part {
	t.Helper()
	var parts []part
	r := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF && line == "" {
			return parts
		}
		if line != "--"+Boundary+"\r\n" {
			t.Fatalf("Expected boundary line, got %q", line)
		}

		var p part
		p.length = -1
		for {
			h, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("Truncated part headers: %v", err)
			}
			if h == "\r\n" {
				break
			}
			name, value, _ := strings.Cut(strings.TrimRight(h, "\r\n"), ": ")
			switch name {
			case "Content-Type":
				p.contentType = value
			case "Content-Length":
				p.length, _ = strconv.Atoi(value)
			}
		}
		if p.length < 0 {
			t.Fatal("Part without Content-Length")
		}

		p.data = make([]byte, p.length)
		if _, err := io.ReadFull(r, p.data); err != nil {
			t.Fatalf("Part shorter than its Content-Length: %v", err)
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(r, crlf); err != nil || string(crlf) != "\r\n" {
			t.Fatalf("Part not terminated by CRLF: %q", crlf)
		}
		parts = append(parts, p)
	}
}
