// Package snapshot persists frames captured from running sessions and keeps
// a sliding window of them per session.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"camrelay/internal/storage"
	"camrelay/pkg/models"
)

var (
	// ErrNoFrame is returned when a session has not emitted a frame yet
	ErrNoFrame = errors.New("session has no frame to capture")

	// ErrNotFound is returned for snapshots outside the retained window
	ErrNotFound = errors.New("snapshot not found")
)

const (
	// DefaultMaxPerSession is the window size used when none is configured
	DefaultMaxPerSession = 20

	// DefaultMaxWindows bounds how many sessions have a window in memory.
	// Evicted windows are rebuilt from storage on demand.
	DefaultMaxWindows = 1024
)

// signedURLTTL is how long download URLs from signing backends stay valid
const signedURLTTL = 15 * time.Minute

// Object metadata written with every snapshot
const (
	metaSession    = "session"
	metaSequence   = "sequence"
	metaFrameSeq   = "frame_seq"
	metaCapturedAt = "captured_at"
)

// Snapshotter stores snapshots and maintains per-session windows
type Snapshotter struct {
	storage storage.Storage
	windows map[string]*window // sessionID -> window
	mu      sync.RWMutex

	maxPerSession int
	maxWindows    int
	log           logrus.FieldLogger
}

// window holds the retained snapshots of one session, oldest first
type window struct {
	snapshots      []*models.Snapshot
	sequenceNumber uint64
	lastUsed       atomic.Int64 // unix nanos
	mu             sync.Mutex
}

// New creates a new snapshotter
func New(store storage.Storage, maxPerSession int, log logrus.FieldLogger) *Snapshotter {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	return &Snapshotter{
		storage:       store,
		windows:       make(map[string]*window),
		maxPerSession: maxPerSession,
		maxWindows:    DefaultMaxWindows,
		log:           log.WithField("component", "snapshot"),
	}
}

func (s *Snapshotter) window(sessionID string, create bool) *window {
	s.mu.RLock()
	w, exists := s.windows[sessionID]
	s.mu.RUnlock()
	if exists || !create {
		if w != nil {
			w.lastUsed.Store(time.Now().UnixNano())
		}
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, exists = s.windows[sessionID]; !exists {
		if len(s.windows) >= s.maxWindows {
			s.evictLocked()
		}
		w = &window{}
		s.windows[sessionID] = w
	}
	w.lastUsed.Store(time.Now().UnixNano())
	return w
}

// evictLocked drops the least recently used window
func (s *Snapshotter) evictLocked() {
	var oldestID string
	var oldest int64
	for id, w := range s.windows {
		if used := w.lastUsed.Load(); oldestID == "" || used < oldest {
			oldestID, oldest = id, used
		}
	}
	delete(s.windows, oldestID)
	s.log.WithField("session", oldestID).Debug("Evicted snapshot window")
}

// Forget drops the in-memory window of a session. Stored snapshots stay and
// can be brought back with Restore.
func (s *Snapshotter) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.windows, sessionID)
	s.mu.Unlock()
}

// Windows returns how many sessions have a window in memory
func (s *Snapshotter) Windows() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

func objectPath(sessionID, name string) string {
	return path.Join("snapshots", sessionID, name)
}

// Capture stores frame as the next snapshot of the session. The oldest
// snapshot is deleted once the window is full.
func (s *Snapshotter) Capture(sessionID string, frame *models.Frame) (*models.Snapshot, error) {
	if frame == nil {
		return nil, ErrNoFrame
	}

	w := s.window(sessionID, true)
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.sequenceNumber
	name := fmt.Sprintf("snapshot_%d.jpg", seq)

	// an evicted or never loaded window restarts at 0; continue the stored sequence instead
	exists, err := s.storage.Exists(objectPath(sessionID, name))
	if err != nil {
		return nil, fmt.Errorf("failed to check snapshot %d for session %s: %w", seq, sessionID, err)
	}
	if exists {
		if _, err := s.loadLocked(w, sessionID); err != nil {
			return nil, err
		}
		if w.sequenceNumber == seq {
			return nil, fmt.Errorf("snapshot %s of session %s exists but is not a stored snapshot", name, sessionID)
		}
		seq = w.sequenceNumber
		name = fmt.Sprintf("snapshot_%d.jpg", seq)
	}

	now := time.Now()
	snap := &models.Snapshot{
		SessionID:   sessionID,
		SequenceNum: seq,
		Name:        name,
		Path:        objectPath(sessionID, name),
		Size:        int64(frame.Size()),
		FrameSeq:    frame.Seq,
		CreatedAt:   now,
	}
	meta := map[string]string{
		metaSession:    sessionID,
		metaSequence:   strconv.FormatUint(seq, 10),
		metaFrameSeq:   strconv.FormatUint(frame.Seq, 10),
		metaCapturedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if err := s.storage.Write(snap.Path, frame.Data, meta); err != nil {
		return nil, fmt.Errorf("failed to store snapshot %d for session %s: %w", seq, sessionID, err)
	}
	w.sequenceNumber = seq + 1
	w.snapshots = append(w.snapshots, snap)
	s.trimLocked(w)

	s.log.WithFields(logrus.Fields{
		"session": sessionID,
		"name":    name,
		"bytes":   snap.Size,
	}).Info("Stored snapshot")

	return snap, nil
}

// trimLocked maintains the sliding window, deleting expired objects
func (s *Snapshotter) trimLocked(w *window) {
	for len(w.snapshots) > s.maxPerSession {
		old := w.snapshots[0]
		w.snapshots = w.snapshots[1:]
		if err := s.storage.Delete(old.Path); err != nil {
			s.log.WithError(err).WithField("path", old.Path).Warn("Failed to delete expired snapshot")
		}
	}
}

// List returns the retained snapshots of a session, oldest first. Backends
// that sign URLs get a download URL on each entry.
func (s *Snapshotter) List(sessionID string) []*models.Snapshot {
	w := s.window(sessionID, false)
	if w == nil {
		return []*models.Snapshot{}
	}

	w.mu.Lock()
	list := make([]*models.Snapshot, len(w.snapshots))
	for i, snap := range w.snapshots {
		c := *snap
		list[i] = &c
	}
	w.mu.Unlock()

	if signer, ok := s.storage.(storage.URLSigner); ok {
		for _, snap := range list {
			u, err := signer.GetSignedURL(snap.Path, signedURLTTL)
			if err != nil {
				s.log.WithError(err).WithField("path", snap.Path).Debug("Failed to sign snapshot URL")
				continue
			}
			snap.URL = u
		}
	}
	return list
}

// Open returns a reader over a retained snapshot by name
func (s *Snapshotter) Open(sessionID, name string) (io.ReadSeeker, *models.Snapshot, error) {
	w := s.window(sessionID, false)
	if w == nil {
		return nil, nil, ErrNotFound
	}

	w.mu.Lock()
	var found *models.Snapshot
	for _, snap := range w.snapshots {
		if snap.Name == name {
			c := *snap
			found = &c
			break
		}
	}
	w.mu.Unlock()
	if found == nil {
		return nil, nil, ErrNotFound
	}

	r, err := s.storage.ReadSeeker(found.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return r, found, nil
}

// Restore rebuilds the window of a session from objects already in storage,
// e.g. after a restart. Sessions with nothing stored get no window.
func (s *Snapshotter) Restore(sessionID string) (int, error) {
	snaps, err := s.stored(sessionID)
	if err != nil || len(snaps) == 0 {
		return 0, err
	}

	w := s.window(sessionID, true)
	w.mu.Lock()
	defer w.mu.Unlock()
	s.fillLocked(w, snaps)
	return len(w.snapshots), nil
}

func (s *Snapshotter) loadLocked(w *window, sessionID string) (int, error) {
	snaps, err := s.stored(sessionID)
	if err != nil {
		return 0, err
	}
	s.fillLocked(w, snaps)
	return len(w.snapshots), nil
}

// fillLocked replaces the window with snaps (sorted by sequence) and deletes
// stored snapshots that fall outside it
func (s *Snapshotter) fillLocked(w *window, snaps []*models.Snapshot) {
	w.snapshots = append(w.snapshots[:0], snaps...)
	if n := len(snaps); n > 0 && snaps[n-1].SequenceNum >= w.sequenceNumber {
		w.sequenceNumber = snaps[n-1].SequenceNum + 1
	}
	s.trimLocked(w)
}

// stored lists the snapshots of a session in storage, oldest first
func (s *Snapshotter) stored(sessionID string) ([]*models.Snapshot, error) {
	objects, err := s.storage.List(path.Join("snapshots", sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of session %s: %w", sessionID, err)
	}

	var snaps []*models.Snapshot
	for _, obj := range objects {
		num, ok := strings.CutPrefix(strings.TrimSuffix(obj.Name, ".jpg"), "snapshot_")
		if !ok {
			continue
		}
		seq, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			continue
		}
		snaps = append(snaps, snapshotFromObject(sessionID, seq, obj))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SequenceNum < snaps[j].SequenceNum })
	return snaps, nil
}

// snapshotFromObject rebuilds a snapshot record. Metadata written by Capture
// wins over listing attributes.
func snapshotFromObject(sessionID string, seq uint64, obj storage.Object) *models.Snapshot {
	snap := &models.Snapshot{
		SessionID:   sessionID,
		SequenceNum: seq,
		Name:        obj.Name,
		Path:        objectPath(sessionID, obj.Name),
		Size:        obj.Size,
		CreatedAt:   obj.Updated,
	}
	if v, err := strconv.ParseUint(obj.Metadata[metaFrameSeq], 10, 64); err == nil {
		snap.FrameSeq = v
	}
	if t, err := time.Parse(time.RFC3339Nano, obj.Metadata[metaCapturedAt]); err == nil {
		snap.CreatedAt = t
	}
	return snap
}
