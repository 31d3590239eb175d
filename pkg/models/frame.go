package models

import "time"

// Frame is one complete JPEG image cut out of an upstream byte stream
type Frame struct {
	Data       []byte    // SOI..EOI inclusive, never mutated after creation
	CapturedAt time.Time // When the extractor completed the frame
	Seq        uint64    // Position in the upstream stream, starting at 1
}

// Size returns the frame length in bytes
func (f *Frame) Size() int {
	return len(f.Data)
}

// WithData returns a copy of the frame carrying new bytes (e.g. after re-encoding)
func (f *Frame) WithData(data []byte) *Frame {
	return &Frame{
		Data:       data,
		CapturedAt: f.CapturedAt,
		Seq:        f.Seq,
	}
}
