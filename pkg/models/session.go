package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionState represents where a relay session is in its lifecycle
type SessionState string

const (
	SessionStateProbing    SessionState = "probing"
	SessionStateConnecting SessionState = "connecting"
	SessionStateStreaming  SessionState = "streaming"
	SessionStateDraining   SessionState = "draining"
	SessionStateFailed     SessionState = "failed"
	SessionStateClosed     SessionState = "closed"
)

// Terminal reports whether no further transitions can happen
func (s SessionState) Terminal() bool {
	return s == SessionStateFailed || s == SessionStateClosed
}

// SessionStats tracks per-session counters. Safe for concurrent readers.
type SessionStats struct {
	FramesProcessed  atomic.Uint64 // Frames written downstream
	FramesDropped    atomic.Uint64 // Frames discarded by the rate governor
	DecodeFailures   atomic.Uint64 // Frames forwarded raw because transcoding failed
	BytesTransferred atomic.Uint64 // Bytes read from upstream
	BytesSent        atomic.Uint64 // Frame bytes written downstream
	StartTime        time.Time

	mu            sync.RWMutex
	lastFrameTime time.Time
}

// MarkFrame records the time of the latest emitted frame
func (s *SessionStats) MarkFrame(t time.Time) {
	s.mu.Lock()
	s.lastFrameTime = t
	s.mu.Unlock()
}

// LastFrameTime returns when the latest frame was emitted
func (s *SessionStats) LastFrameTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFrameTime
}

// SessionInfo represents session metadata returned by the API
type SessionInfo struct {
	ID              string       `json:"id"`
	State           SessionState `json:"state"`
	Transport       string       `json:"transport"`
	ClientIP        string       `json:"clientIp,omitempty"`
	Host            string       `json:"host"`
	Endpoint        string       `json:"endpoint,omitempty"`
	FPSLimit        float64      `json:"fpsLimit,omitempty"`
	DropPolicy      string       `json:"dropPolicy"`
	Resolution      string       `json:"resolution,omitempty"`
	Quality         int          `json:"quality,omitempty"`
	StartedAt       string       `json:"startedAt"`
	Duration        int          `json:"duration"` // seconds
	FramesProcessed uint64       `json:"framesProcessed"`
	FramesDropped   uint64       `json:"framesDropped"`
	DecodeFailures  uint64       `json:"decodeFailures"`
	BytesIn         uint64       `json:"bytesIn"`
	BytesOut        uint64       `json:"bytesOut"`
	LastFrameAt     string       `json:"lastFrameAt,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// SessionListResponse represents a list of sessions
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Active   int           `json:"active"`
	Total    int           `json:"total"`
}
