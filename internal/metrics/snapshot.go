package metrics

import "time"

// Snapshot is the JSON view served by /api/stats
type Snapshot struct {
	FramesProcessed  uint64  `json:"frames_processed"`
	FramesDropped    uint64  `json:"frames_dropped"`
	DecodeFailures   uint64  `json:"decode_failures"`
	BytesTransferred uint64  `json:"bytes_transferred"`
	BytesSent        uint64  `json:"bytes_sent"`
	ActiveSessions   int64   `json:"active_sessions"`
	TotalSessions    uint64  `json:"total_sessions"`
	ConnectionCount  uint64  `json:"connection_count"`
	Errors           uint64  `json:"errors"`
	StartTime        string  `json:"start_time"`
	LastFrameTime    string  `json:"last_frame_time,omitempty"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	AverageFPS       float64 `json:"average_fps"`
	BandwidthMBps    float64 `json:"bandwidth_mbps"`
}

// Snapshot returns the current counter values and derived rates
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime).Seconds()
	s := Snapshot{
		FramesProcessed:  m.framesProcessed.Load(),
		FramesDropped:    m.framesDropped.Load(),
		DecodeFailures:   m.decodeFailures.Load(),
		BytesTransferred: m.bytesIn.Load(),
		BytesSent:        m.bytesOut.Load(),
		ActiveSessions:   m.activeSessions.Load(),
		TotalSessions:    m.totalSessions.Load(),
		ConnectionCount:  m.connections.Load(),
		Errors:           m.errors.Load(),
		StartTime:        m.startTime.Format(time.RFC3339),
		UptimeSeconds:    uptime,
	}
	if last := m.lastFrameNanos.Load(); last != 0 {
		s.LastFrameTime = time.Unix(0, last).Format(time.RFC3339Nano)
	}
	if uptime > 0 {
		s.AverageFPS = float64(s.FramesProcessed) / uptime
		s.BandwidthMBps = float64(s.BytesTransferred) / 1024 / 1024 / uptime
	}
	return s
}
