// Package session tracks run lanes: at most one agent run may be pending or
// active per (chat, user) pair at a time.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/okabe/himari/internal/observability"
	"github.com/okabe/himari/pkg/store"
)

// ErrAlreadyActive is returned by Begin when the lane already has a pending
// or active run.
var ErrAlreadyActive = errors.New("a run is already active for this lane")

// Lane states.
const (
	LanePending = "pending"
	LaneActive  = "active"
)

type laneKey struct {
	chatID int64
	userID int64
}

// Lane is one principal's run slot. It is created by Begin and removed by
// Finish or Reset.
type Lane struct {
	ChatID    int64
	UserID    int64
	SessionID int64

	state    string
	cancelCh chan struct{}
}

// Cancelled returns a channel closed when the lane is reset mid-run. The
// loop checks it at iteration boundaries.
func (l *Lane) Cancelled() <-chan struct{} {
	return l.cancelCh
}

// Manager owns the lane table. Lane state lives in memory; session history
// lives in the store.
type Manager struct {
	mu     sync.Mutex
	lanes  map[laneKey]*Lane
	store  *store.Store
	logger zerolog.Logger
}

func NewManager(st *store.Store, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		lanes:  make(map[laneKey]*Lane),
		store:  st,
		logger: logger,
	}
}

// Begin claims the lane for a new run. The check-and-set is atomic: a lane
// already pending or active fails with ErrAlreadyActive instead of racing a
// second run onto the same conversational context.
func (m *Manager) Begin(chatID, userID int64) (*Lane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := laneKey{chatID: chatID, userID: userID}
	if _, exists := m.lanes[key]; exists {
		return nil, ErrAlreadyActive
	}

	lane := &Lane{
		ChatID:   chatID,
		UserID:   userID,
		state:    LanePending,
		cancelCh: make(chan struct{}),
	}
	m.lanes[key] = lane
	observability.SetActiveLanes(len(m.lanes))

	m.logger.Debug().Int64("chat_id", chatID).Int64("user_id", userID).Msg("lane claimed")
	return lane, nil
}

// Activate binds the lane to its persisted session and marks it running.
func (m *Manager) Activate(lane *Lane, sessionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lane.SessionID = sessionID
	lane.state = LaneActive
}

// Finish releases the lane. The session row keeps whatever terminal status
// the run gave it.
func (m *Manager) Finish(lane *Lane) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := laneKey{chatID: lane.ChatID, userID: lane.UserID}
	delete(m.lanes, key)
	observability.SetActiveLanes(len(m.lanes))
}

// ActiveSession reports the session bound to the lane, if the lane is
// running one.
func (m *Manager) ActiveSession(chatID, userID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lane, ok := m.lanes[laneKey{chatID: chatID, userID: userID}]
	if !ok || lane.SessionID == 0 {
		return 0, false
	}
	return lane.SessionID, true
}

// State reports the lane's current state, or "" when idle.
func (m *Manager) State(chatID, userID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lane, ok := m.lanes[laneKey{chatID: chatID, userID: userID}]; ok {
		return lane.state
	}
	return ""
}

// Reset returns the lane to idle: an in-flight run is cancelled and any
// sessions still marked running or awaiting confirmation are superseded in
// the store. Idempotent; resetting an idle lane just reports zero.
func (m *Manager) Reset(ctx context.Context, chatID, userID int64) (int64, error) {
	m.mu.Lock()
	key := laneKey{chatID: chatID, userID: userID}
	if lane, ok := m.lanes[key]; ok {
		close(lane.cancelCh)
		delete(m.lanes, key)
		observability.SetActiveLanes(len(m.lanes))
	}
	m.mu.Unlock()

	superseded, err := m.store.SupersedeActiveSessions(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	if superseded > 0 {
		m.logger.Info().
			Int64("chat_id", chatID).
			Int64("user_id", userID).
			Int64("superseded", superseded).
			Msg("lane reset superseded sessions")
	}
	return superseded, nil
}

// Status returns the lane's most recent sessions, newest first.
func (m *Manager) Status(ctx context.Context, chatID, userID int64, limit int) ([]store.SessionRow, error) {
	return m.store.ListRecentSessions(ctx, chatID, userID, limit)
}
