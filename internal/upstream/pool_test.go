package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestOpenReadsUntilEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "identity" {
			t.Errorf("Expected identity encoding, got %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("hello camera"))
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{ChunkSize: 4}, testLogger())
	conn, err := pool.Open(context.Background(), srv.URL+"/video")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer conn.Close()

	if conn.ContentType != "image/jpeg" {
		t.Errorf("Unexpected content type %q", conn.ContentType)
	}

	var got []byte
	for {
		chunk, err := conn.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if len(chunk) > 4 {
			t.Errorf("Chunk larger than configured size: %d", len(chunk))
		}
		got = append(got, chunk...)
	}
	if string(got) != "hello camera" {
		t.Errorf("Got %q", got)
	}
}

func TestOpenHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	pool := NewPool(PoolConfig{}, testLogger())
	_, err := pool.Open(context.Background(), srv.URL+"/missing")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected HTTPError 404, got %v", err)
	}
	if s := pool.Stats(); s.ActiveStreams != 0 {
		t.Errorf("Slot not released after HTTP error: %+v", s)
	}
}

func TestOpenConnectError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	pool := NewPool(PoolConfig{ConnectTimeout: time.Second}, testLogger())
	_, err := pool.Open(context.Background(), addr+"/video")

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}
}

func TestReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	pool := NewPool(PoolConfig{ReadTimeout: 100 * time.Millisecond}, testLogger())
	conn, err := pool.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	_, err = conn.Next()
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Expected ErrReadTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Read timeout took too long: %v", time.Since(start))
	}
}

func TestReadTimeoutIgnoresPausesBetweenReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
		for {
			if _, err := w.Write([]byte("chunk")); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-time.After(20 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{ReadTimeout: 100 * time.Millisecond}, testLogger())
	conn, err := pool.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if _, err := conn.Next(); err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		// the consumer stalls longer than the read timeout
		time.Sleep(250 * time.Millisecond)
	}
}

func TestPoolAdmissionAndRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{MaxStreamsPerHost: 1, ConnectTimeout: 200 * time.Millisecond}, testLogger())

	first, err := pool.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("First open failed: %v", err)
	}
	if s := pool.Stats(); s.Hosts != 1 || s.ActiveStreams != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}

	if _, err := pool.Open(context.Background(), srv.URL); err == nil {
		t.Fatal("Second open should wait for a slot and time out")
	}

	first.Close()
	if s := pool.Stats(); s.ActiveStreams != 0 {
		t.Errorf("Slot not released after Close: %+v", s)
	}

	second, err := pool.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Open after release failed: %v", err)
	}
	second.Close()
}

func TestCloseUnblocksNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{ReadTimeout: -1}, testLogger())
	conn, err := pool.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Next()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected an error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
