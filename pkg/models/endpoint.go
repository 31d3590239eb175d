package models

import "time"

// Endpoint is a candidate upstream URL
type Endpoint struct {
	URL                 string // e.g. http://192.168.1.20:4747/video
	DeclaredContentType string // Content-Type reported while probing (empty if never reached)
}

// ProbeOutcome classifies a single probe attempt
type ProbeOutcome string

const (
	ProbeAvailable        ProbeOutcome = "available"
	ProbeWrongContentType ProbeOutcome = "wrong_content_type"
	ProbeUnreachable      ProbeOutcome = "unreachable"
	ProbeTimeout          ProbeOutcome = "timeout"
	ProbeHTTPError        ProbeOutcome = "http_error"
)

// ProbeResult is the outcome of probing one candidate endpoint
type ProbeResult struct {
	Endpoint    Endpoint
	Outcome     ProbeOutcome
	ContentType string
	StatusCode  int           // 0 when no response was received
	Err         string        // Transport error text, if any
	Elapsed     time.Duration // Time spent on this attempt
}

// Available reports whether the endpoint serves MJPEG or JPEG content
func (r ProbeResult) Available() bool {
	return r.Outcome == ProbeAvailable
}

// ScanEntry is the JSON shape of one endpoint in /api/scan
type ScanEntry struct {
	Status      ProbeOutcome `json:"status"`
	ContentType string       `json:"content_type,omitempty"`
	StatusCode  int          `json:"status_code,omitempty"`
	Error       string       `json:"error,omitempty"`
	ElapsedMs   int64        `json:"elapsed_ms"`
}

// ToScanEntry converts a probe result to its API representation
func (r ProbeResult) ToScanEntry() ScanEntry {
	return ScanEntry{
		Status:      r.Outcome,
		ContentType: r.ContentType,
		StatusCode:  r.StatusCode,
		Error:       r.Err,
		ElapsedMs:   r.Elapsed.Milliseconds(),
	}
}
