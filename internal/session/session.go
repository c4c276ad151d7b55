// Package session keeps per-conversation state in memory: the turn
// history, an optional rolling summary, and a per-session lock that
// serializes concurrent answers for the same conversation.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/metrics"
)

// TurnKind distinguishes ordinary turns from the injected summary turn.
type TurnKind string

const (
	TurnKindMessage TurnKind = "message"
	TurnKindSummary TurnKind = "summary"
)

// Turn is one history item.
type Turn struct {
	Role    string   // "user" or "assistant", "system" for summaries
	Content string
	Kind    TurnKind
	At      time.Time
}

// State is the mutable conversation state. It is only safe to touch while
// holding the session via Acquire.
type State struct {
	ID      string
	Turns   []Turn
	Summary string

	mu       sync.Mutex
	lastUsed time.Time
}

// AppendTurn adds a message turn, dropping the oldest non-summary turns
// beyond maxTurns.
func (s *State) AppendTurn(role, content string, maxTurns int) {
	s.Turns = append(s.Turns, Turn{Role: role, Content: content, Kind: TurnKindMessage, At: time.Now()})
	if maxTurns > 0 && len(s.Turns) > maxTurns {
		s.Turns = s.Turns[len(s.Turns)-maxTurns:]
	}
}

// SetSummary replaces the rolling summary and keeps only the given recent
// turns. The summary is carried as State.Summary, not as a turn, so turn
// eviction can never drop it.
func (s *State) SetSummary(summary string, recent []Turn) {
	s.Summary = summary
	s.Turns = append([]Turn(nil), recent...)
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
	maxTurns int
	max      int
	wait     bool
	logger   *zap.Logger
}

// NewManager creates a manager. wait selects whether a second caller on a
// busy session blocks for its turn or fails fast with ErrSessionBusy.
func NewManager(maxTurns, maxSessions int, wait bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTurns <= 0 {
		maxTurns = 100
	}
	if maxSessions <= 0 {
		maxSessions = 10000
	}
	return &Manager{
		sessions: make(map[string]*State),
		maxTurns: maxTurns,
		max:      maxSessions,
		wait:     wait,
		logger:   logger,
	}
}

// MaxTurns returns the per-session turn cap.
func (m *Manager) MaxTurns() int { return m.maxTurns }

// Acquire locks the session for one answer cycle, creating it on first
// use. The returned release func must be called exactly once. When the
// session is already held and waiting is disabled, Acquire fails with
// ErrSessionBusy.
func (m *Manager) Acquire(sessionID string) (*State, func(), error) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.evictIdleLocked()
		st = &State{ID: sessionID, lastUsed: time.Now()}
		m.sessions[sessionID] = st
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if m.wait {
		st.mu.Lock()
	} else if !st.mu.TryLock() {
		return nil, nil, faults.ErrSessionBusy
	}
	st.lastUsed = time.Now()
	return st, func() { st.mu.Unlock() }, nil
}

// Drop removes a session entirely.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	metrics.SessionsActive.Set(float64(len(m.sessions)))
}

// Len returns the live session count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// evictIdleLocked drops the least recently used unlocked session when the
// cap is reached. Locked sessions are never evicted mid-answer.
func (m *Manager) evictIdleLocked() {
	if len(m.sessions) < m.max {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, st := range m.sessions {
		if !st.mu.TryLock() {
			continue
		}
		if oldestID == "" || st.lastUsed.Before(oldest) {
			oldestID = id
			oldest = st.lastUsed
		}
		st.mu.Unlock()
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
		m.logger.Debug("Evicted idle session", zap.String("session_id", oldestID))
	}
}
