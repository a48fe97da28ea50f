package repo

import (
	"context"
	"errors"
	"sync"

	"github.com/miradorstack/stressloop/internal/models"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
	sessions     map[string]models.Session
	opts         Options
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]models.Participant),
		sessions:     make(map[string]models.Session),
		opts:         opts.normalised(),
	}
}

// RegisterParticipant returns the existing participant or creates it.
func (s *MemoryStore) RegisterParticipant(_ context.Context, participantID, group string) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok && participantID != "" {
		return p, nil
	}
	p := newParticipant(participantID, group, s.opts.Now())
	s.participants[p.ID] = p
	return p, nil
}

// CreateSession issues a new token for participantID with ema_high 0.
func (s *MemoryStore) CreateSession(_ context.Context, participantID string) (models.Session, error) {
	if participantID == "" {
		return models.Session{}, errors.New("participant id is required")
	}
	sess := newSession(participantID, s.opts)
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return sess, nil
}

// LookupSession returns the session for token.
func (s *MemoryStore) LookupSession(_ context.Context, token string) (models.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if sess.Expired(s.opts.Now()) {
		return models.Session{}, ErrSessionExpired
	}
	return sess, nil
}

// UpdateEMAHigh stores the session's accumulator.
func (s *MemoryStore) UpdateEMAHigh(_ context.Context, token string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return ErrSessionNotFound
	}
	sess.EMAHigh = value
	s.sessions[token] = sess
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
