package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development.
// GetErrs injects read failures per session id, which the sweep tests use to
// exercise the extended-grace path.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session

	GetErrs map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]Session{},
		GetErrs:  map[string]error{},
	}
}

// Put seeds or replaces a session record. Test helper.
func (s *MemoryStore) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.GetErrs[id]; ok && err != nil {
		return Session{}, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Create(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status, reason string, now time.Time) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if sess.Status.Terminal() {
		return sess, false, nil
	}
	sess.Status = status
	if reason != "" {
		sess.TerminationReason = reason
	}
	sess.UpdatedAt = now
	s.sessions[id] = sess
	return sess, true, nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string, cancelHold bool, now time.Time) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if sess.Status.Terminal() {
		return sess, false, nil
	}
	sess.Status = StatusFailed
	sess.TerminationReason = reason
	if cancelHold {
		sess.PaymentHoldCancelRequested = true
	}
	sess.UpdatedAt = now
	s.sessions[id] = sess
	return sess, true, nil
}
