// Package extractor cuts complete JPEG images out of an arbitrary byte stream.
//
// It scans raw bytes for SOI (FF D8) and the next EOI (FF D9) marker, so it
// works on multipart MJPEG bodies and on bare concatenated JPEG streams alike.
// Multipart headers and boundaries between images are discarded as noise.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"camrelay/pkg/models"
)

// DefaultMaxFrameSize bounds the pending buffer when no limit is configured
const DefaultMaxFrameSize = 4 << 20

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// ErrFrameTooLarge is returned when unconsumed bytes exceed the configured limit
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Extractor accumulates chunks and emits complete frames. Not safe for
// concurrent use; each relay session owns exactly one.
type Extractor struct {
	buf     []byte
	maxSize int
	seq     uint64

	// offset in buf from which the next EOI search resumes, so bytes of a
	// large pending frame are not rescanned on every chunk
	scanFrom int

	now func() time.Time
}

// New creates an extractor whose pending buffer may not exceed maxSize bytes
func New(maxSize int) *Extractor {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Extractor{
		buf:     make([]byte, 0, 64*1024),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Feed appends chunk to the pending buffer and returns every frame completed
// by it, in stream order. Frames that span several chunks are emitted by the
// call that delivers their EOI. The chunk is copied and may be reused.
func (e *Extractor) Feed(chunk []byte) ([]*models.Frame, error) {
	e.buf = append(e.buf, chunk...)

	var frames []*models.Frame
	for {
		start := bytes.Index(e.buf, soi)
		if start < 0 {
			e.discardNoise()
			break
		}

		from := start + len(soi)
		if e.scanFrom > from {
			from = e.scanFrom
		}
		end := bytes.Index(e.buf[from:], eoi)
		if end < 0 {
			// keep the last byte: it may be the 0xFF of an EOI split across chunks
			e.scanFrom = max(len(e.buf)-1, start+len(soi))
			e.compact(start)
			break
		}
		end += from + len(eoi)

		data := make([]byte, end-start)
		copy(data, e.buf[start:end])
		e.seq++
		frames = append(frames, &models.Frame{
			Data:       data,
			CapturedAt: e.now(),
			Seq:        e.seq,
		})

		e.buf = e.buf[:copy(e.buf, e.buf[end:])]
		e.scanFrom = 0
	}

	if len(e.buf) > e.maxSize {
		size := len(e.buf)
		e.Reset()
		return frames, fmt.Errorf("%w: %d bytes pending, limit %d", ErrFrameTooLarge, size, e.maxSize)
	}

	return frames, nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (e *Extractor) Buffered() int {
	return len(e.buf)
}

// Reset drops all pending bytes
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.scanFrom = 0
}

// compact moves a pending frame starting at start to the front of the buffer
func (e *Extractor) compact(start int) {
	if start == 0 {
		return
	}
	e.buf = e.buf[:copy(e.buf, e.buf[start:])]
	e.scanFrom -= start
}

// discardNoise drops bytes that cannot belong to a frame. A trailing 0xFF is
// kept since the matching 0xD8 may arrive with the next chunk.
func (e *Extractor) discardNoise() {
	keep := 0
	if n := len(e.buf); n > 0 && e.buf[n-1] == soi[0] {
		keep = 1
	}
	e.buf = e.buf[:copy(e.buf, e.buf[len(e.buf)-keep:])]
	e.scanFrom = 0
}
