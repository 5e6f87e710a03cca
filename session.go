package trackkit

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// sessionState is the persisted session identity record.
type sessionState struct {
	SessionID    string    `json:"session_id"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
}

// userState is the persisted user identity record. It survives
// session boundaries: ending a session never clears the user.
type userState struct {
	UserID     string         `json:"user_id,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// sessionTransition is a lifecycle edge the tracker turns into a
// session-type event.
type sessionTransition struct {
	name      string
	sessionID string
}

// sessionManager owns the current session identity, the user
// identity, and the idle-timeout lifecycle. At most one session is
// active at a time. State is persisted on every change so a restart
// resumes (or expires) the previous session.
type sessionManager struct {
	badger  *badger.DB
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	session sessionState
	user    userState
}

// newSessionManager loads whatever identity the previous process
// persisted. An expired session is kept in place: the expiry edge is
// detected and reported on the next activity, same as an in-process
// timeout.
func newSessionManager(db *badger.DB, timeout time.Duration, logger *slog.Logger) *sessionManager {
	s := &sessionManager{
		badger:  db,
		timeout: timeout,
		logger:  logger,
	}
	s.load()
	return s
}

// touch records producer activity and returns the lifecycle
// transitions it caused, in order. No active session starts one;
// an idle timeout ends the stale session and starts a fresh one.
func (s *sessionManager) touch(now time.Time) []sessionTransition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session.SessionID == "" {
		return []sessionTransition{s.startLocked(now)}
	}

	if now.Sub(s.session.LastActivity) > s.timeout {
		stale := s.session.SessionID
		transitions := []sessionTransition{
			{name: sessionTimeoutEvent, sessionID: stale},
			s.startLocked(now),
		}
		return transitions
	}

	s.session.LastActivity = now
	s.persistSessionLocked()
	return nil
}

// startLocked begins a fresh session. Caller holds mu.
func (s *sessionManager) startLocked(now time.Time) sessionTransition {
	s.session = sessionState{
		SessionID:    uuid.NewString(),
		StartTime:    now,
		LastActivity: now,
	}
	s.persistSessionLocked()
	return sessionTransition{name: sessionStartEvent, sessionID: s.session.SessionID}
}

// EndSession explicitly closes the active session, if any, and
// returns the resulting transition.
func (s *sessionManager) EndSession() (sessionTransition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session.SessionID == "" {
		return sessionTransition{}, false
	}
	ended := s.session.SessionID
	s.session = sessionState{}
	s.persistSessionLocked()
	return sessionTransition{name: sessionEndEvent, sessionID: ended}, true
}

// SetUserID sets the identified user. The user id persists across
// sessions until changed or cleared.
func (s *sessionManager) SetUserID(id string) {
	s.mu.Lock()
	s.user.UserID = id
	s.persistUserLocked()
	s.mu.Unlock()
}

// SetUserProperties merges properties into the cumulative user
// property set; new values overwrite same-key old values.
func (s *sessionManager) SetUserProperties(props map[string]any) {
	normalized, err := normalizeProperties(props)
	if err != nil {
		s.logger.Warn("session: rejecting user properties", "error", err)
		return
	}

	s.mu.Lock()
	if s.user.Properties == nil {
		s.user.Properties = make(map[string]any, len(normalized))
	}
	for k, v := range normalized {
		s.user.Properties[k] = v
	}
	s.persistUserLocked()
	s.mu.Unlock()
}

// Current returns the active session and user ids ("" when absent).
func (s *sessionManager) Current() (sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.SessionID, s.user.UserID
}

// UserProperties returns a copy of the cumulative user property set.
func (s *sessionManager) UserProperties() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.user.Properties) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.user.Properties))
	for k, v := range s.user.Properties {
		out[k] = v
	}
	return out
}

// Reset clears session and user identity, in memory and on disk.
func (s *sessionManager) Reset() {
	s.mu.Lock()
	s.session = sessionState{}
	s.user = userState{}
	s.persistSessionLocked()
	s.persistUserLocked()
	s.mu.Unlock()
}

// load restores persisted identity. Missing or corrupt records are
// treated as empty state, never as an error.
func (s *sessionManager) load() {
	err := s.badger.View(func(txn *badger.Txn) error {
		if item, err := txn.Get([]byte(keySessionState)); err == nil {
			_ = item.Value(func(val []byte) error {
				if jerr := json.Unmarshal(val, &s.session); jerr != nil {
					s.session = sessionState{}
				}
				return nil
			})
		}
		if item, err := txn.Get([]byte(keyUserState)); err == nil {
			_ = item.Value(func(val []byte) error {
				if jerr := json.Unmarshal(val, &s.user); jerr != nil {
					s.user = userState{}
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("session: state load failed", "error", err)
	}
}

// persistSessionLocked writes the session record. Caller holds mu.
// Write failures are logged and swallowed: persistence is an aid, not
// a contract.
func (s *sessionManager) persistSessionLocked() {
	s.persistRecord(keySessionState, s.session)
}

// persistUserLocked writes the user record. Caller holds mu.
func (s *sessionManager) persistUserLocked() {
	s.persistRecord(keyUserState, s.user)
}

func (s *sessionManager) persistRecord(key string, record any) {
	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Warn("session: state encode failed", "key", key, "error", err)
		return
	}
	err = s.badger.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		s.logger.Warn("session: state write failed", "key", key, "error", err)
	}
}
