package sessionmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"camrelay/internal/relay"
)

var (
	// ErrTooManySessions is returned when the concurrent session limit is reached
	ErrTooManySessions = errors.New("too many concurrent sessions")

	// ErrSessionNotFound is returned for unknown session IDs
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultHistorySize is how many finished sessions are kept for listing
const DefaultHistorySize = 50

// Manager handles session admission and maintains an in-memory registry
type Manager struct {
	sessions map[string]*relay.Session // sessionID -> live Session
	finished []*relay.Session          // oldest first
	mu       sync.RWMutex

	maxSessions int
	historySize int

	// OnEvict is called with the ID of each finished session that drops out
	// of the history
	OnEvict func(sessionID string)
}

// New creates a new session manager. maxSessions <= 0 means unlimited.
func New(maxSessions, historySize int) *Manager {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Manager{
		sessions:    make(map[string]*relay.Session),
		maxSessions: maxSessions,
		historySize: historySize,
	}
}

// Register admits a session into the registry
func (m *Manager) Register(s *relay.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return fmt.Errorf("%w (limit %d)", ErrTooManySessions, m.maxSessions)
	}
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}

	m.sessions[s.ID] = s
	return nil
}

// Finish moves a session from the live registry into the history
func (m *Manager) Finish(s *relay.Session) {
	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; !exists {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)

	var evicted []string
	m.finished = append(m.finished, s)
	if over := len(m.finished) - m.historySize; over > 0 {
		for _, old := range m.finished[:over] {
			evicted = append(evicted, old.ID)
		}
		m.finished = append(m.finished[:0], m.finished[over:]...)
	}
	m.mu.Unlock()

	if m.OnEvict != nil {
		for _, id := range evicted {
			m.OnEvict(id)
		}
	}
}

// Run registers s, runs it against sink and moves it to the history when it
// ends. Admission failures are returned without running the session.
func (m *Manager) Run(ctx context.Context, s *relay.Session, sink relay.Sink) error {
	if err := m.Register(s); err != nil {
		return err
	}
	defer m.Finish(s)
	return s.Run(ctx, sink)
}

// GetSession retrieves a live or recently finished session by ID
func (m *Manager) GetSession(id string) (*relay.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, exists := m.sessions[id]; exists {
		return s, true
	}
	for _, s := range m.finished {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// GetAllSessions returns live and recently finished sessions, oldest first
func (m *Manager) GetAllSessions() []*relay.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*relay.Session, 0, len(m.sessions)+len(m.finished))
	sessions = append(sessions, m.finished...)
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Stats.StartTime.Before(sessions[j].Stats.StartTime)
	})
	return sessions
}

// GetLiveSessions returns only running sessions
func (m *Manager) GetLiveSessions() []*relay.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*relay.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// StopSession cancels a running session
func (m *Manager) StopSession(id string) error {
	m.mu.RLock()
	s, exists := m.sessions[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.Stop()
	return nil
}

// StopAll cancels every running session
func (m *Manager) StopAll() {
	for _, s := range m.GetLiveSessions() {
		s.Stop()
	}
}

// GetSessionCount returns the number of sessions known to the registry
func (m *Manager) GetSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) + len(m.finished)
}

// GetLiveSessionCount returns the number of running sessions
func (m *Manager) GetLiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
