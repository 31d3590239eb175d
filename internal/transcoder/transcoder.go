// Package transcoder decodes JPEG frames, optionally resizes them and
// re-encodes them at a target quality.
package transcoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/draw"

	"camrelay/pkg/models"
)

// DefaultQuality is used when resizing without a known quality
const DefaultQuality = 85

// ErrDecode marks a frame that could not be decoded. The original bytes are
// still returned alongside it.
var ErrDecode = errors.New("frame decode failed")

var qualityPresets = map[string]int{
	"high":   90,
	"medium": 75,
	"low":    60,
}

// ParseQuality maps a preset name or a number in 1..100 to a JPEG quality.
// Unknown names yield 0, meaning no quality was requested.
func ParseQuality(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if q, ok := qualityPresets[s]; ok {
		return q, nil
	}
	q, err := strconv.Atoi(s)
	if err != nil {
		return 0, nil
	}
	if q < 1 || q > 100 {
		return 0, fmt.Errorf("quality %d out of range 1..100", q)
	}
	return q, nil
}

// ParseResolution parses "WIDTHxHEIGHT". "auto" and "" yield zero size.
func ParseResolution(s string) (width, height int, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" {
		return 0, 0, nil
	}
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	width, err = strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution width %q", w)
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution height %q", h)
	}
	return width, height, nil
}

// Options controls a transcoder
type Options struct {
	Width   int // 0 keeps the source size
	Height  int
	Quality int // 1..100
}

// Resize reports whether a target size was requested
func (o Options) Resize() bool {
	return o.Width > 0 && o.Height > 0
}

// Resolution returns the target size as "WxH", or "" when not resizing
func (o Options) Resolution() string {
	if !o.Resize() {
		return ""
	}
	return fmt.Sprintf("%dx%d", o.Width, o.Height)
}

// Transcoder re-encodes frames. Safe for concurrent use.
type Transcoder struct {
	opts   Options
	scaler draw.Scaler
	bufs   sync.Pool
}

// New creates a transcoder. Quality outside 1..100 falls back to DefaultQuality.
func New(opts Options) *Transcoder {
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	return &Transcoder{
		opts:   opts,
		scaler: draw.CatmullRom,
		bufs: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

// Options returns the effective options
func (t *Transcoder) Options() Options {
	return t.opts
}

// Transcode returns a re-encoded copy of frame. If the frame cannot be
// decoded or encoded, the original frame is returned together with an error
// wrapping ErrDecode, so callers can forward it unchanged.
func (t *Transcoder) Transcode(frame *models.Frame) (*models.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if t.opts.Resize() && !sameSize(img.Bounds(), t.opts.Width, t.opts.Height) {
		dst := image.NewRGBA(image.Rect(0, 0, t.opts.Width, t.opts.Height))
		t.scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}

	buf := t.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer t.bufs.Put(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: t.opts.Quality}); err != nil {
		return frame, fmt.Errorf("%w: encode: %v", ErrDecode, err)
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return frame.WithData(data), nil
}

func sameSize(b image.Rectangle, w, h int) bool {
	return b.Dx() == w && b.Dy() == h
}
