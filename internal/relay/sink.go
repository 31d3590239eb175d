package relay

import (
	"fmt"
	"net/http"

	"camrelay/pkg/models"
)

// Boundary separates the parts of a multipart stream response
const Boundary = "frame"

// Sink receives the frames of one session. Sinks commit their response
// lazily on the first frame so a failure before it can still be reported as
// a plain error response.
type Sink interface {
	// WriteFrame delivers one frame. It returns an error wrapping
	// ErrDownstreamClosed once the client is gone.
	WriteFrame(frame *models.Frame) error

	// Fail reports a terminal session error to the client
	Fail(err error)
}

// MultipartSink writes frames as a multipart/x-mixed-replace HTTP response
type MultipartSink struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	committed bool
}

// NewMultipartSink creates a sink writing to w
func NewMultipartSink(w http.ResponseWriter) *MultipartSink {
	return &MultipartSink{w: w, rc: http.NewResponseController(w)}
}

// Committed reports whether the stream headers have been sent
func (s *MultipartSink) Committed() bool {
	return s.committed
}

// SetStreamHeaders sets the response headers of a frame stream
func SetStreamHeaders(h http.Header, contentType string) {
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
}

func (s *MultipartSink) commit() {
	if s.committed {
		return
	}
	SetStreamHeaders(s.w.Header(), "multipart/x-mixed-replace; boundary="+Boundary)
	s.w.WriteHeader(http.StatusOK)
	s.committed = true
}

// WriteFrame writes one image/jpeg part and flushes it
func (s *MultipartSink) WriteFrame(frame *models.Frame) error {
	s.commit()
	return s.writePart("image/jpeg", frame.Data)
}

func (s *MultipartSink) writePart(contentType string, data []byte) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", Boundary, contentType, len(data))
	if _, err := s.w.Write([]byte(header)); err != nil {
		return fmt.Errorf("%w: %v", ErrDownstreamClosed, err)
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrDownstreamClosed, err)
	}
	if _, err := s.w.Write([]byte("\r\n")); err != nil {
		return fmt.Errorf("%w: %v", ErrDownstreamClosed, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrDownstreamClosed, err)
	}
	return nil
}

// Fail sends a plain error response if nothing was streamed yet, otherwise
// a final text/plain part carrying the error.
func (s *MultipartSink) Fail(err error) {
	if !s.committed {
		s.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.w.Header().Set("Cache-Control", "no-store")
		s.w.WriteHeader(HTTPStatus(err))
		fmt.Fprintln(s.w, Diagnostic(err))
		s.committed = true
		return
	}
	_ = s.writePart("text/plain", []byte("stream error: "+err.Error()))
}
