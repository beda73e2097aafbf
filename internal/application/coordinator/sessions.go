package coordinator

import (
	"fmt"
	"time"

	"github.com/aescanero/dago-master/pkg/domain"
)

// SessionStore holds every session for the lifetime of the process.
// It is not safe for concurrent use; the Coordinator serializes access.
type SessionStore struct {
	sessions map[string]*domain.Session
}

// NewSessionStore creates an empty store
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*domain.Session)}
}

// Create adds a PENDING session
func (s *SessionStore) Create(id, userID, query string, now time.Time) (domain.Session, error) {
	if _, ok := s.sessions[id]; ok {
		return domain.Session{}, fmt.Errorf("session %s: %w", id, ErrDuplicateSession)
	}

	sess := &domain.Session{
		ID:        id,
		UserID:    userID,
		Query:     query,
		Status:    domain.SessionStatusPending,
		CreatedAt: now,
	}
	s.sessions[id] = sess
	return copySession(sess), nil
}

// Get returns a snapshot of the session
func (s *SessionStore) Get(id string) (domain.Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return copySession(sess), true
}

// SetRunning moves a PENDING session to RUNNING on workerID
func (s *SessionStore) SetRunning(id, workerID string, now time.Time) error {
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.Status != domain.SessionStatusPending {
		return fmt.Errorf("session %s is %s: %w", id, sess.Status, ErrInvalidTransition)
	}

	started := now
	sess.Status = domain.SessionStatusRunning
	sess.AssignedWorker = workerID
	sess.StartedAt = &started
	return nil
}

// SetDone completes the session with result. A session that is already
// terminal keeps its first outcome and changed is false.
func (s *SessionStore) SetDone(id, result, duration string, now time.Time) (changed bool, err error) {
	sess, err := s.completable(id)
	if err != nil || sess == nil {
		return false, err
	}

	sess.Status = domain.SessionStatusDone
	sess.Result = result
	s.finish(sess, duration, now)
	return true, nil
}

// SetFailed fails the session with reason. A session that is already
// terminal keeps its first outcome and changed is false.
func (s *SessionStore) SetFailed(id, reason string, now time.Time) (changed bool, err error) {
	sess, err := s.completable(id)
	if err != nil || sess == nil {
		return false, err
	}

	sess.Status = domain.SessionStatusFailed
	sess.Error = reason
	s.finish(sess, "", now)
	return true, nil
}

// completable returns nil without error for terminal sessions
func (s *SessionStore) completable(id string) (*domain.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.Status.Terminal() {
		return nil, nil
	}
	return sess, nil
}

func (s *SessionStore) finish(sess *domain.Session, duration string, now time.Time) {
	completed := now
	sess.CompletedAt = &completed
	switch {
	case duration != "":
		sess.Duration = duration
	case sess.StartedAt != nil:
		sess.Duration = formatDuration(now.Sub(*sess.StartedAt))
	}
}

// Counts returns the number of sessions per status
func (s *SessionStore) Counts() map[domain.SessionStatus]int {
	counts := make(map[domain.SessionStatus]int, 4)
	for _, sess := range s.sessions {
		counts[sess.Status]++
	}
	return counts
}

// Len returns the number of sessions
func (s *SessionStore) Len() int {
	return len(s.sessions)
}

func copySession(sess *domain.Session) domain.Session {
	out := *sess
	if sess.StartedAt != nil {
		t := *sess.StartedAt
		out.StartedAt = &t
	}
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// formatDuration renders seconds with two decimals, the format workers report
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
