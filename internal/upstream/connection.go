package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// Connection is one streaming upstream response. Next and Close may be called
// from different goroutines; Close unblocks a pending Next.
type Connection struct {
	URL         string
	ContentType string

	resp        *http.Response
	cancel      context.CancelFunc
	release     func()
	chunkSize   int
	readTimeout time.Duration

	closeOnce   sync.Once
	timeoutOnce sync.Once
	timedOut    chan struct{}
	timer       *time.Timer
}

func newConnection(url string, resp *http.Response, cancel context.CancelFunc, release func(), chunkSize int, readTimeout time.Duration) *Connection {
	c := &Connection{
		URL:         url,
		ContentType: resp.Header.Get("Content-Type"),
		resp:        resp,
		cancel:      cancel,
		release:     release,
		chunkSize:   chunkSize,
		readTimeout: readTimeout,
		timedOut:    make(chan struct{}),
	}
	if readTimeout > 0 {
		// armed only while Next waits on the body
		c.timer = time.AfterFunc(readTimeout, func() {
			c.timeoutOnce.Do(func() { close(c.timedOut) })
			cancel()
		})
		c.timer.Stop()
	}
	return c
}

// Next reads the next raw chunk. The returned slice is owned by the caller.
// It returns io.EOF when the upstream closes the stream and ErrReadTimeout
// when no bytes arrive within the read timeout. Time spent between calls is
// not counted against the timeout.
func (c *Connection) Next() ([]byte, error) {
	buf := make([]byte, c.chunkSize)
	if c.timer != nil {
		c.timer.Reset(c.readTimeout)
		defer c.timer.Stop()
	}
	for {
		n, err := c.resp.Body.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			select {
			case <-c.timedOut:
				return nil, ErrReadTimeout
			default:
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// Close stops the stream and returns the host slot to the pool. A body closed
// before EOF cannot be reused, so the transport drops the TCP connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.cancel()
		err = c.resp.Body.Close()
		c.release()
	})
	return err
}
