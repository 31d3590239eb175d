package models

import "time"

// Snapshot is a single stored JPEG captured from a session
type Snapshot struct {
	SessionID   string    `json:"sessionId"`
	SequenceNum uint64    `json:"sequence"`
	Name        string    `json:"name"` // e.g. snapshot_3.jpg
	Path        string    `json:"path"` // storage-relative path
	Size        int64     `json:"size"`
	URL         string    `json:"url,omitempty"` // signed download URL when the backend supports it
	FrameSeq    uint64    `json:"frameSeq"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SnapshotListResponse represents the snapshots kept for a session
type SnapshotListResponse struct {
	SessionID string      `json:"sessionId"`
	Snapshots []*Snapshot `json:"snapshots"`
	Total     int         `json:"total"`
}
